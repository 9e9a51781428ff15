// Package gemini provides HTTP handlers for the public Gemini API endpoints served by
// the proxy: model listing, content generation and streaming content generation.
// Requests are handed to the executor in the public shape; envelope translation and
// credentials are handled further down.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/router-for-me/gemini-oauth-proxy/sdk/api/handlers"
)

// HandlerTypeGemini identifies the public Gemini surface.
const HandlerTypeGemini = "gemini"

var generationMethods = []string{"generateContent", "streamGenerateContent"}

// GeminiAPIHandler contains the handlers for Gemini API endpoints.
type GeminiAPIHandler struct {
	*handlers.BaseAPIHandler

	models []string
}

// NewGeminiAPIHandler creates a new Gemini API handlers instance. models is the
// informational catalogue reported by the listing endpoint.
func NewGeminiAPIHandler(apiHandlers *handlers.BaseAPIHandler, models []string) *GeminiAPIHandler {
	return &GeminiAPIHandler{
		BaseAPIHandler: apiHandlers,
		models:         append([]string(nil), models...),
	}
}

// HandlerType returns the identifier for this handler implementation.
func (h *GeminiAPIHandler) HandlerType() string {
	return HandlerTypeGemini
}

// Models returns the Gemini-compatible model metadata advertised by this handler.
func (h *GeminiAPIHandler) Models() []map[string]any {
	out := make([]map[string]any, 0, len(h.models))
	for _, id := range h.models {
		id = strings.TrimPrefix(strings.TrimSpace(id), "models/")
		if id == "" {
			continue
		}
		out = append(out, map[string]any{
			"name":                       "models/" + id,
			"baseModelId":                id,
			"displayName":                id,
			"description":                id,
			"supportedGenerationMethods": generationMethods,
		})
	}
	return out
}

// GeminiModels handles the Gemini models listing endpoint.
func (h *GeminiAPIHandler) GeminiModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models": h.Models(),
	})
}

// GeminiGetHandler handles GET requests for a single model entry.
func (h *GeminiAPIHandler) GeminiGetHandler(c *gin.Context) {
	action := strings.TrimPrefix(c.Param("action"), "/")
	for _, model := range h.Models() {
		name, _ := model["name"].(string)
		if name == action || name == "models/"+action {
			c.JSON(http.StatusOK, model)
			return
		}
	}
	writeStatus(c, http.StatusNotFound, fmt.Sprintf("model %s is not in the catalogue", action))
}

// GeminiHandler handles POST requests for Gemini API operations.
// It routes requests based on the action parameter ("model:method").
func (h *GeminiAPIHandler) GeminiHandler(c *gin.Context) {
	action := strings.TrimPrefix(c.Param("action"), "/")
	idx := strings.LastIndex(action, ":")
	if idx <= 0 || idx == len(action)-1 {
		writeStatus(c, http.StatusNotFound, fmt.Sprintf("%s not found.", c.Request.URL.Path))
		return
	}
	modelName, method := action[:idx], action[idx+1:]

	rawJSON, errRead := c.GetRawData()
	if errRead != nil {
		writeStatus(c, http.StatusBadRequest, fmt.Sprintf("read request body: %v", errRead))
		return
	}

	switch method {
	case "generateContent":
		h.handleGenerateContent(c, modelName, rawJSON)
	case "streamGenerateContent":
		h.handleStreamGenerateContent(c, modelName, rawJSON)
	default:
		writeStatus(c, http.StatusNotFound, fmt.Sprintf("method %s is not supported", method))
	}
}

func writeStatus(c *gin.Context, status int, message string) {
	c.Data(status, "application/json", handlers.BuildErrorResponseBody(status, message, ""))
}

// handleStreamGenerateContent opens a server-sent events response once the first
// chunk or error is known, so failures before any output keep their HTTP status.
// alt=json frames the chunks as a single JSON array instead.
func (h *GeminiAPIHandler) handleStreamGenerateContent(c *gin.Context, modelName string, rawJSON []byte) {
	alt := h.GetAlt(c)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeStatus(c, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	cliCtx, cliCancel := h.GetContextWithCancel(h, c, context.Background())
	dataChan, upstreamHeaders, errChan := h.ExecuteStreamWithExecutor(cliCtx, modelName, rawJSON, alt)

	setStreamHeaders := func() {
		if alt == "" {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
		} else {
			c.Header("Content-Type", "application/json")
		}
		handlers.WriteUpstreamHeaders(c.Writer.Header(), upstreamHeaders)
	}

	framer := &streamFramer{c: c, alt: alt}

	// Peek at the first chunk
	for {
		select {
		case <-c.Request.Context().Done():
			cliCancel(c.Request.Context().Err())
			return
		case errMsg, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			h.WriteErrorResponse(c, errMsg)
			if errMsg != nil {
				cliCancel(errMsg.Error)
			} else {
				cliCancel(nil)
			}
			return
		case chunk, ok := <-dataChan:
			if !ok {
				// Closed without data
				setStreamHeaders()
				framer.done()
				flusher.Flush()
				cliCancel(nil)
				return
			}

			setStreamHeaders()
			framer.chunk(chunk)
			flusher.Flush()

			h.forwardGeminiStream(c, flusher, framer, func(err error) { cliCancel(err) }, dataChan, errChan)
			return
		}
	}
}

// handleGenerateContent handles non-streaming content generation requests.
func (h *GeminiAPIHandler) handleGenerateContent(c *gin.Context, modelName string, rawJSON []byte) {
	alt := h.GetAlt(c)
	cliCtx, cliCancel := h.GetContextWithCancel(h, c, context.Background())
	resp, upstreamHeaders, errMsg := h.ExecuteWithExecutor(cliCtx, modelName, rawJSON, alt)
	if errMsg != nil {
		h.WriteErrorResponse(c, errMsg)
		cliCancel(errMsg.Error)
		return
	}
	c.Header("Content-Type", "application/json")
	handlers.WriteUpstreamHeaders(c.Writer.Header(), upstreamHeaders)
	_, _ = c.Writer.Write(resp)
	cliCancel()
}

func (h *GeminiAPIHandler) forwardGeminiStream(c *gin.Context, flusher http.Flusher, framer *streamFramer, cancel func(error), data <-chan []byte, errs <-chan *interfaces.ErrorMessage) {
	var keepAliveInterval *time.Duration
	if framer.alt != "" {
		keepAliveInterval = new(time.Duration(0))
	}

	h.ForwardStream(c, flusher, cancel, data, errs, handlers.StreamForwardOptions{
		KeepAliveInterval:  keepAliveInterval,
		WriteChunk:         framer.chunk,
		WriteTerminalError: framer.terminalError,
		WriteDone:          framer.done,
	})
}

// streamFramer writes chunks as SSE events, or as JSON array elements for alt=json.
type streamFramer struct {
	c       *gin.Context
	alt     string
	written int
}

func (f *streamFramer) chunk(chunk []byte) {
	w := f.c.Writer
	if f.alt == "" {
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(chunk)
		_, _ = w.Write([]byte("\n\n"))
		f.written++
		return
	}
	if f.written == 0 {
		_, _ = w.Write([]byte("["))
	} else {
		_, _ = w.Write([]byte(",\n"))
	}
	_, _ = w.Write(chunk)
	f.written++
}

func (f *streamFramer) terminalError(errMsg *interfaces.ErrorMessage) {
	if errMsg == nil {
		return
	}
	body := handlers.ErrorBody(errMsg)
	if f.alt == "" {
		// Upstream bodies may be pretty-printed; an SSE data line must stay on one line.
		var compact bytes.Buffer
		if errCompact := json.Compact(&compact, body); errCompact == nil {
			body = compact.Bytes()
		}
		_, _ = fmt.Fprintf(f.c.Writer, "event: error\ndata: %s\n\n", body)
		return
	}
	f.chunk(body)
	_, _ = f.c.Writer.Write([]byte("]"))
}

func (f *streamFramer) done() {
	if f.alt == "" {
		return
	}
	if f.written == 0 {
		_, _ = f.c.Writer.Write([]byte("[]"))
		return
	}
	_, _ = f.c.Writer.Write([]byte("]"))
}
