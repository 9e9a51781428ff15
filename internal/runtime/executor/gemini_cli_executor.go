// Package executor sends generateContent calls to the Code Assist backend on behalf of
// the Gemini CLI login, translating between the public and the enveloped shapes.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/gemini-oauth-proxy/internal/auth/gemini"
	"github.com/router-for-me/gemini-oauth-proxy/internal/config"
	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/router-for-me/gemini-oauth-proxy/internal/logging"
	"github.com/router-for-me/gemini-oauth-proxy/internal/misc"
	"github.com/router-for-me/gemini-oauth-proxy/internal/util"
	translator "github.com/router-for-me/gemini-oauth-proxy/internal/translator/gemini-cli/gemini"
	cliproxyexecutor "github.com/router-for-me/gemini-oauth-proxy/sdk/cliproxy/executor"
	"github.com/router-for-me/gemini-oauth-proxy/sdk/cliproxy/usage"
	log "github.com/sirupsen/logrus"
)

const (
	codeAssistVersion = "v1internal"
	// streamScannerBuffer caps a single unterminated SSE line.
	streamScannerBuffer = 52_428_800
	streamReadSize      = 32 * 1024
	// errorBodyLimit bounds how much of an upstream error body is kept.
	errorBodyLimit = 1 << 20
	// summaryLimit bounds the error body echoed into debug logs.
	summaryLimit = 512
)

// TokenSource yields credentials whose access token is valid now.
type TokenSource interface {
	EnsureValid(ctx context.Context) (*gemini.Credentials, error)
}

// ProjectSource yields the project bound to the login.
type ProjectSource interface {
	Resolve(ctx context.Context, accessToken string) (string, error)
}

// GeminiCLIExecutor is the Code Assist implementation of cliproxyexecutor.Executor.
type GeminiCLIExecutor struct {
	cfg        *config.Config
	tokens     TokenSource
	projects   ProjectSource
	httpClient *http.Client
	usage      *usage.Manager
}

// NewGeminiCLIExecutor wires an executor. usageManager may be nil.
func NewGeminiCLIExecutor(cfg *config.Config, tokens TokenSource, projects ProjectSource, httpClient *http.Client, usageManager *usage.Manager) *GeminiCLIExecutor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GeminiCLIExecutor{
		cfg:        cfg,
		tokens:     tokens,
		projects:   projects,
		httpClient: httpClient,
		usage:      usageManager,
	}
}

// Identifier returns the executor name used in logs.
func (e *GeminiCLIExecutor) Identifier() string { return "gemini-cli" }

func (e *GeminiCLIExecutor) baseURL() string {
	if e.cfg != nil && e.cfg.Upstream.BaseURL != "" {
		return strings.TrimRight(e.cfg.Upstream.BaseURL, "/")
	}
	return config.DefaultUpstreamBaseURL
}

func (e *GeminiCLIExecutor) requestTimeout() time.Duration {
	if e.cfg != nil && e.cfg.RequestTimeoutSeconds > 0 {
		return time.Duration(e.cfg.RequestTimeoutSeconds) * time.Second
	}
	return time.Duration(config.DefaultRequestTimeout) * time.Second
}

// prepare resolves credentials and project and builds the upstream request.
func (e *GeminiCLIExecutor) prepare(ctx context.Context, req cliproxyexecutor.Request, stream bool, reporter *usageReporter) (*http.Request, error) {
	creds, err := e.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}
	project, err := e.projects.Resolve(ctx, creds.AccessToken)
	if err != nil {
		return nil, err
	}
	reporter.setProject(project)

	body, err := translator.ConvertGeminiRequestToGeminiCLI(req.Model, project, req.Payload)
	if err != nil {
		return nil, err
	}

	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	url := fmt.Sprintf("%s/%s:%s", e.baseURL(), codeAssistVersion, action)
	if stream {
		url += "?alt=sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, interfaces.NewError(interfaces.KindUpstreamTransportError, "could not build upstream request", err)
	}
	misc.ApplyCodeAssistHeaders(httpReq.Header, creds.AccessToken, stream)
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)

	logging.FromContext(ctx).WithFields(log.Fields{
		"model":   translator.NormalizeModelName(req.Model),
		"project": project,
		"stream":  stream,
	}).Debugf("%s: POST %s", e.Identifier(), url)
	return httpReq, nil
}

// Execute performs a unary generateContent call.
func (e *GeminiCLIExecutor) Execute(ctx context.Context, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (resp cliproxyexecutor.Response, err error) {
	reporter := newUsageReporter(e.usage, translator.NormalizeModelName(req.Model), false)
	defer reporter.trackFailure(ctx, &err)

	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout())
	defer cancel()

	httpReq, err := e.prepare(ctx, req, false, reporter)
	if err != nil {
		return resp, err
	}

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return resp, transportError(ctx, err)
	}
	reader, err := decodeResponseBody(httpResp.Body, httpResp.Header.Get("Content-Encoding"))
	if err != nil {
		return resp, unsupportedEncoding(err)
	}
	defer func() {
		if errClose := reader.Close(); errClose != nil {
			log.Errorf("gemini cli executor: close response body error: %v", errClose)
		}
	}()

	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		return resp, rejectedError(ctx, httpResp, reader)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return resp, transportError(ctx, err)
	}
	out, err := translator.ConvertGeminiCliResponseToGeminiNonStream(data)
	if err != nil {
		return resp, err
	}
	detail, _ := parseGeminiCLIUsage(data)
	reporter.publish(ctx, detail)
	return cliproxyexecutor.Response{Payload: out, Headers: httpResp.Header.Clone()}, nil
}

// ExecuteStream performs a streamGenerateContent call. Chunks are produced one at a
// time on an unbuffered channel; the upstream body is closed as soon as ctx ends.
func (e *GeminiCLIExecutor) ExecuteStream(ctx context.Context, req cliproxyexecutor.Request, opts cliproxyexecutor.Options) (_ *cliproxyexecutor.StreamResult, err error) {
	reporter := newUsageReporter(e.usage, translator.NormalizeModelName(req.Model), true)
	defer reporter.trackFailure(ctx, &err)

	httpReq, err := e.prepare(ctx, req, true, reporter)
	if err != nil {
		return nil, err
	}

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	reader, err := decodeResponseBody(httpResp.Body, httpResp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, unsupportedEncoding(err)
	}
	if httpResp.StatusCode < http.StatusOK || httpResp.StatusCode >= http.StatusMultipleChoices {
		err = rejectedError(ctx, httpResp, reader)
		if errClose := reader.Close(); errClose != nil {
			log.Errorf("gemini cli executor: close response body error: %v", errClose)
		}
		return nil, err
	}

	out := make(chan cliproxyexecutor.StreamChunk)
	go func() {
		defer close(out)
		defer func() {
			if errClose := reader.Close(); errClose != nil {
				log.Errorf("gemini cli executor: close response body error: %v", errClose)
			}
		}()

		send := func(chunk cliproxyexecutor.StreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var detail usage.Detail
		// relay forwards one complete event; false stops the stream.
		relay := func(event []byte) bool {
			if d, ok := parseGeminiCLIUsage(event); ok {
				detail = d
			}
			chunk, ok, errConvert := translator.ConvertGeminiCliResponseToGemini(event)
			if errConvert != nil {
				reporter.publishFailure(ctx, errConvert)
				send(cliproxyexecutor.StreamChunk{Err: errConvert})
				return false
			}
			if !ok {
				return true
			}
			return send(cliproxyexecutor.StreamChunk{Payload: chunk})
		}

		parser := translator.NewStreamParser(streamScannerBuffer)
		buf := make([]byte, streamReadSize)
		for {
			n, errRead := reader.Read(buf)
			if n > 0 {
				events, errFeed := parser.Feed(buf[:n])
				for _, event := range events {
					if !relay(event) {
						return
					}
				}
				if errFeed != nil {
					errTooLarge := interfaces.NewError(interfaces.KindTransformUnsupported, "upstream stream event too large", errFeed)
					errTooLarge.Code = http.StatusBadGateway
					reporter.publishFailure(ctx, errTooLarge)
					send(cliproxyexecutor.StreamChunk{Err: errTooLarge})
					return
				}
			}
			if errors.Is(errRead, io.EOF) {
				break
			}
			if errRead != nil {
				if ctx.Err() != nil {
					logging.FromContext(ctx).Debug("stream cancelled by client")
					reporter.publishFailure(ctx, ctx.Err())
					return
				}
				errTransport := transportError(ctx, errRead)
				reporter.publishFailure(ctx, errTransport)
				send(cliproxyexecutor.StreamChunk{Err: errTransport})
				return
			}
		}
		for _, event := range parser.Flush() {
			if !relay(event) {
				return
			}
		}
		reporter.publish(ctx, detail)
	}()
	return &cliproxyexecutor.StreamResult{Headers: httpResp.Header.Clone(), Chunks: out}, nil
}

// transportError classifies a network failure. Client cancellation is returned as is.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			timeout := interfaces.NewError(interfaces.KindUpstreamTransportError, "upstream request timed out", err)
			timeout.Code = http.StatusGatewayTimeout
			return timeout
		}
		return ctxErr
	}
	return interfaces.NewError(interfaces.KindUpstreamTransportError, "upstream request failed", err)
}

func unsupportedEncoding(err error) error {
	pe := interfaces.NewError(interfaces.KindTransformUnsupported, "upstream response encoding is not supported", err)
	pe.Code = http.StatusBadGateway
	return pe
}

// rejectedError reads the upstream error body and keeps its status code.
func rejectedError(ctx context.Context, httpResp *http.Response, body io.Reader) error {
	raw, errRead := io.ReadAll(io.LimitReader(body, errorBodyLimit))
	if errRead != nil {
		logging.FromContext(ctx).Debugf("read upstream error body: %v", errRead)
	}
	logging.FromContext(ctx).WithField("status", httpResp.StatusCode).Debugf("upstream rejected request: %s", summarize(raw))

	pe := interfaces.NewError(interfaces.KindUpstreamRejected,
		fmt.Sprintf("upstream returned status %d", httpResp.StatusCode), nil)
	pe.Code = httpResp.StatusCode
	pe.Body = translator.ConvertGeminiCliErrorToGemini(httpResp.StatusCode, raw)
	if retry := httpResp.Header.Get("Retry-After"); retry != "" {
		pe.Header = http.Header{"Retry-After": {retry}}
	}
	return pe
}

func summarize(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > summaryLimit {
		return util.TruncateUTF8(text, summaryLimit) + "..."
	}
	return text
}
