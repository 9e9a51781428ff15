// Package handlers provides the core API handler functionality shared by the public
// endpoints: executor dispatch, Google-style error bodies and stream forwarding.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gemini-oauth-proxy/internal/config"
	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/router-for-me/gemini-oauth-proxy/internal/logging"
	coreexecutor "github.com/router-for-me/gemini-oauth-proxy/sdk/cliproxy/executor"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StatusClientClosedRequest is reported when the caller went away before the response was ready.
const StatusClientClosedRequest = 499

// ErrorResponse represents the Google-style error envelope returned by every endpoint.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail provides specific information about an error that occurred.
type ErrorDetail struct {
	// Code is the HTTP status the error is reported with.
	Code int `json:"code"`

	// Message is a human-readable description. It never carries token material.
	Message string `json:"message"`

	// Status is the google.rpc.Code name, e.g. "UNAUTHENTICATED".
	Status string `json:"status"`

	// Reason is the proxy error kind, e.g. "REFRESH_REJECTED".
	Reason string `json:"reason,omitempty"`
}

// APIHandlerCancelFunc cancels the execution context of one request. An optional
// error or payload describes how the request ended.
type APIHandlerCancelFunc func(params ...interface{})

// BaseAPIHandler contains the state shared by the API endpoint handlers.
type BaseAPIHandler struct {
	// Executor runs generateContent calls against the upstream.
	Executor coreexecutor.Executor

	// Cfg holds the current handler configuration.
	Cfg *config.SDKConfig
}

// NewBaseAPIHandlers creates a new API handlers instance.
func NewBaseAPIHandlers(cfg *config.SDKConfig, executor coreexecutor.Executor) *BaseAPIHandler {
	return &BaseAPIHandler{
		Cfg:      cfg,
		Executor: executor,
	}
}

// UpdateClients swaps the handler configuration.
func (h *BaseAPIHandler) UpdateClients(cfg *config.SDKConfig) { h.Cfg = cfg }

// rpcStatusFor picks the google.rpc.Code name for an error kind and HTTP status.
func rpcStatusFor(kind interfaces.ErrorKind, status int) string {
	switch kind {
	case interfaces.KindProvisioningFailed:
		return "FAILED_PRECONDITION"
	case interfaces.KindTransformUnsupported:
		if status >= http.StatusInternalServerError {
			return "INTERNAL"
		}
		return "INVALID_ARGUMENT"
	}
	return interfaces.RPCStatus(status)
}

// BuildErrorResponseBody builds a Google-style JSON error body.
// If errText is already a JSON error envelope, it is returned with the reason filled in
// so upstream error payloads survive intact.
func BuildErrorResponseBody(status int, errText string, kind interfaces.ErrorKind) []byte {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	trimmed := strings.TrimSpace(errText)
	if trimmed == "" {
		trimmed = http.StatusText(status)
	}

	if gjson.Valid(trimmed) && gjson.Get(trimmed, "error").IsObject() {
		out := []byte(trimmed)
		if kind != "" && !gjson.GetBytes(out, "error.reason").Exists() {
			if updated, errSet := sjson.SetBytes(out, "error.reason", string(kind)); errSet == nil {
				out = updated
			}
		}
		return out
	}

	payload, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Code:    status,
			Message: trimmed,
			Status:  rpcStatusFor(kind, status),
			Reason:  string(kind),
		},
	})
	if err != nil {
		return []byte(fmt.Sprintf(`{"error":{"code":%d,"message":%q,"status":"INTERNAL"}}`, status, trimmed))
	}
	return payload
}

// ErrorBody renders the client-facing body for msg.
func ErrorBody(msg *interfaces.ErrorMessage) []byte {
	status := http.StatusInternalServerError
	if msg != nil && msg.StatusCode > 0 {
		status = msg.StatusCode
	}
	if msg == nil || msg.Error == nil {
		return BuildErrorResponseBody(status, "", "")
	}

	var pe *interfaces.ProxyError
	if errors.As(msg.Error, &pe) {
		if pe.Kind == interfaces.KindUpstreamRejected && len(pe.Body) > 0 {
			return BuildErrorResponseBody(status, string(pe.Body), pe.Kind)
		}
		text := pe.Message
		if text == "" {
			text = pe.Error()
		}
		return BuildErrorResponseBody(status, text, pe.Kind)
	}
	if errors.Is(msg.Error, context.Canceled) {
		return BuildErrorResponseBody(status, "request cancelled", "")
	}
	return BuildErrorResponseBody(status, msg.Error.Error(), "")
}

// StreamingKeepAliveInterval returns the SSE keep-alive interval for this server.
// Returning 0 disables keep-alives (default when unset).
func StreamingKeepAliveInterval(cfg *config.SDKConfig) time.Duration {
	seconds := 0
	if cfg != nil {
		seconds = cfg.Streaming.KeepAliveSeconds
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// GetAlt extracts the 'alt' parameter from the request query string.
// It checks both 'alt' and '$alt' parameters and returns "" for "sse".
func (h *BaseAPIHandler) GetAlt(c *gin.Context) string {
	alt, hasAlt := c.GetQuery("alt")
	if !hasAlt {
		alt, _ = c.GetQuery("$alt")
	}
	if alt == "sse" {
		return ""
	}
	return alt
}

// GetContextWithCancel derives the execution context for one request. It carries the
// request ID and is cancelled when the client disconnects.
func (h *BaseAPIHandler) GetContextWithCancel(handler interfaces.APIHandler, c *gin.Context, ctx context.Context) (context.Context, APIHandlerCancelFunc) {
	parentCtx := ctx
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	var requestCtx context.Context
	if c != nil && c.Request != nil {
		requestCtx = c.Request.Context()
	}

	if requestCtx != nil && logging.GetRequestID(parentCtx) == "" {
		if requestID := logging.GetRequestID(requestCtx); requestID != "" {
			parentCtx = logging.WithRequestID(parentCtx, requestID)
		} else if requestID := logging.GetGinRequestID(c); requestID != "" {
			parentCtx = logging.WithRequestID(parentCtx, requestID)
		}
	}
	newCtx, cancel := context.WithCancel(parentCtx)
	if requestCtx != nil && requestCtx != parentCtx {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-newCtx.Done():
			}
		}()
	}

	handlerType := ""
	if handler != nil {
		handlerType = handler.HandlerType()
	}
	return newCtx, func(params ...interface{}) {
		if len(params) == 1 {
			if err, ok := params[0].(error); ok && err != nil && !errors.Is(err, context.Canceled) {
				logging.FromContext(newCtx).WithField("handler", handlerType).Debugf("request finished with error: %v", err)
			}
		}
		cancel()
	}
}

// errorMessageFrom wraps an executor error for the handlers. Cancellation by the
// client is reported as 499.
func errorMessageFrom(err error) *interfaces.ErrorMessage {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) && interfaces.KindOf(err) == "" {
		return &interfaces.ErrorMessage{StatusCode: StatusClientClosedRequest, Error: err}
	}
	return interfaces.NewErrorMessage(err)
}

// ExecuteWithExecutor executes a non-streaming request.
func (h *BaseAPIHandler) ExecuteWithExecutor(ctx context.Context, modelName string, rawJSON []byte, alt string) ([]byte, http.Header, *interfaces.ErrorMessage) {
	if h.Executor == nil {
		return nil, nil, &interfaces.ErrorMessage{StatusCode: http.StatusInternalServerError, Error: fmt.Errorf("no executor configured")}
	}
	req := coreexecutor.Request{Model: modelName, Payload: rawJSON}
	opts := coreexecutor.Options{Stream: false, Alt: alt}
	resp, err := h.Executor.Execute(ctx, req, opts)
	if err != nil {
		return nil, nil, errorMessageFrom(err)
	}
	return cloneBytes(resp.Payload), FilterUpstreamHeaders(resp.Headers), nil
}

// ExecuteStreamWithExecutor executes a streaming request.
// The returned http.Header carries upstream response headers captured before streaming begins.
// The data channel is unbuffered, so the client's read pace holds back the upstream reader.
func (h *BaseAPIHandler) ExecuteStreamWithExecutor(ctx context.Context, modelName string, rawJSON []byte, alt string) (<-chan []byte, http.Header, <-chan *interfaces.ErrorMessage) {
	if h.Executor == nil {
		errChan := make(chan *interfaces.ErrorMessage, 1)
		errChan <- &interfaces.ErrorMessage{StatusCode: http.StatusInternalServerError, Error: fmt.Errorf("no executor configured")}
		close(errChan)
		return nil, nil, errChan
	}
	req := coreexecutor.Request{Model: modelName, Payload: rawJSON}
	opts := coreexecutor.Options{Stream: true, Alt: alt}
	streamResult, err := h.Executor.ExecuteStream(ctx, req, opts)
	if err != nil {
		errChan := make(chan *interfaces.ErrorMessage, 1)
		errChan <- errorMessageFrom(err)
		close(errChan)
		return nil, nil, errChan
	}

	upstreamHeaders := FilterUpstreamHeaders(streamResult.Headers)
	chunks := streamResult.Chunks
	dataChan := make(chan []byte)
	errChan := make(chan *interfaces.ErrorMessage, 1)
	go func() {
		defer close(dataChan)
		defer close(errChan)

		sendErr := func(msg *interfaces.ErrorMessage) bool {
			select {
			case <-ctx.Done():
				return false
			case errChan <- msg:
				return true
			}
		}

		sendData := func(chunk []byte) bool {
			select {
			case <-ctx.Done():
				return false
			case dataChan <- chunk:
				return true
			}
		}

		for {
			var chunk coreexecutor.StreamChunk
			var ok bool
			select {
			case <-ctx.Done():
				return
			case chunk, ok = <-chunks:
			}
			if !ok {
				return
			}
			if chunk.Err != nil {
				_ = sendErr(errorMessageFrom(chunk.Err))
				return
			}
			if len(chunk.Payload) > 0 {
				if okSendData := sendData(cloneBytes(chunk.Payload)); !okSendData {
					return
				}
			}
		}
	}()
	return dataChan, upstreamHeaders, errChan
}

func cloneBytes(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// WriteErrorResponse writes an error message to the response writer using the HTTP status embedded in the message.
func (h *BaseAPIHandler) WriteErrorResponse(c *gin.Context, msg *interfaces.ErrorMessage) {
	status := http.StatusInternalServerError
	if msg != nil && msg.StatusCode > 0 {
		status = msg.StatusCode
	}
	if msg != nil && msg.Addon != nil {
		for key, values := range msg.Addon {
			if len(values) == 0 {
				continue
			}
			c.Writer.Header().Del(key)
			for _, value := range values {
				c.Writer.Header().Add(key, value)
			}
		}
	}
	if msg != nil && msg.Error != nil {
		_ = c.Error(msg.Error)
	}

	body := ErrorBody(msg)
	if !c.Writer.Written() {
		c.Writer.Header().Set("Content-Type", "application/json")
	}
	c.Status(status)
	_, _ = c.Writer.Write(body)
}
