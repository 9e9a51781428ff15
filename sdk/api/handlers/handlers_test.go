package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	coreexecutor "github.com/router-for-me/gemini-oauth-proxy/sdk/cliproxy/executor"
	"github.com/tidwall/gjson"
)

type fakeExecutor struct {
	resp      coreexecutor.Response
	err       error
	streamErr error
	chunks    []coreexecutor.StreamChunk
	headers   http.Header
}

func (f *fakeExecutor) Execute(context.Context, coreexecutor.Request, coreexecutor.Options) (coreexecutor.Response, error) {
	return f.resp, f.err
}

func (f *fakeExecutor) ExecuteStream(ctx context.Context, _ coreexecutor.Request, _ coreexecutor.Options) (*coreexecutor.StreamResult, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	out := make(chan coreexecutor.StreamChunk)
	go func() {
		defer close(out)
		for _, chunk := range f.chunks {
			select {
			case <-ctx.Done():
				return
			case out <- chunk:
			}
		}
	}()
	return &coreexecutor.StreamResult{Headers: f.headers, Chunks: out}, nil
}

func TestBuildErrorResponseBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		text       string
		kind       interfaces.ErrorKind
		wantCode   int64
		wantStatus string
		wantReason string
		wantMsg    string
	}{
		{
			name:       "credentials missing",
			status:     http.StatusUnauthorized,
			text:       "credentials file not found",
			kind:       interfaces.KindCredentialsMissing,
			wantCode:   401,
			wantStatus: "UNAUTHENTICATED",
			wantReason: "CREDENTIALS_MISSING",
			wantMsg:    "credentials file not found",
		},
		{
			name:       "provisioning failed",
			status:     http.StatusServiceUnavailable,
			text:       "onboarding did not complete",
			kind:       interfaces.KindProvisioningFailed,
			wantCode:   503,
			wantStatus: "FAILED_PRECONDITION",
			wantReason: "PROVISIONING_FAILED",
			wantMsg:    "onboarding did not complete",
		},
		{
			name:       "request side transform",
			status:     http.StatusBadRequest,
			text:       "contents must be an array",
			kind:       interfaces.KindTransformUnsupported,
			wantCode:   400,
			wantStatus: "INVALID_ARGUMENT",
			wantReason: "TRANSFORM_UNSUPPORTED",
			wantMsg:    "contents must be an array",
		},
		{
			name:       "response side transform",
			status:     http.StatusBadGateway,
			text:       "unexpected upstream shape",
			kind:       interfaces.KindTransformUnsupported,
			wantCode:   502,
			wantStatus: "INTERNAL",
			wantReason: "TRANSFORM_UNSUPPORTED",
			wantMsg:    "unexpected upstream shape",
		},
		{
			name:       "transport error",
			status:     http.StatusBadGateway,
			text:       "dial tcp: connection refused",
			kind:       interfaces.KindUpstreamTransportError,
			wantCode:   502,
			wantStatus: "UNAVAILABLE",
			wantReason: "UPSTREAM_TRANSPORT_ERROR",
			wantMsg:    "dial tcp: connection refused",
		},
		{
			name:       "empty text uses status text",
			status:     0,
			wantCode:   500,
			wantStatus: "INTERNAL",
			wantMsg:    "Internal Server Error",
		},
		{
			name:       "upstream envelope kept",
			status:     http.StatusTooManyRequests,
			text:       `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`,
			kind:       interfaces.KindUpstreamRejected,
			wantCode:   429,
			wantStatus: "RESOURCE_EXHAUSTED",
			wantReason: "UPSTREAM_REJECTED",
			wantMsg:    "quota",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			body := BuildErrorResponseBody(tt.status, tt.text, tt.kind)
			if !gjson.ValidBytes(body) {
				t.Fatalf("BuildErrorResponseBody() = %s, want valid JSON", body)
			}
			if got := gjson.GetBytes(body, "error.code").Int(); got != tt.wantCode {
				t.Errorf("error.code = %d, want %d", got, tt.wantCode)
			}
			if got := gjson.GetBytes(body, "error.status").String(); got != tt.wantStatus {
				t.Errorf("error.status = %q, want %q", got, tt.wantStatus)
			}
			if got := gjson.GetBytes(body, "error.reason").String(); got != tt.wantReason {
				t.Errorf("error.reason = %q, want %q", got, tt.wantReason)
			}
			if got := gjson.GetBytes(body, "error.message").String(); got != tt.wantMsg {
				t.Errorf("error.message = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestWriteErrorResponse_ForwardsAddonHeaders(t *testing.T) {
	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)

	pe := interfaces.NewError(interfaces.KindUpstreamRejected, "upstream returned status 429", nil)
	pe.Code = http.StatusTooManyRequests
	pe.Body = []byte(`{"error":{"code":429,"message":"slow down","status":"RESOURCE_EXHAUSTED"}}`)
	pe.Header = http.Header{"Retry-After": {"30"}}

	handler := NewBaseAPIHandlers(nil, nil)
	handler.WriteErrorResponse(c, interfaces.NewErrorMessage(pe))

	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", recorder.Code, http.StatusTooManyRequests)
	}
	if got := recorder.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want %q", got, "30")
	}
	if got := recorder.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	body := recorder.Body.Bytes()
	if got := gjson.GetBytes(body, "error.message").String(); got != "slow down" {
		t.Errorf("error.message = %q, want upstream message", got)
	}
	if got := gjson.GetBytes(body, "error.reason").String(); got != "UPSTREAM_REJECTED" {
		t.Errorf("error.reason = %q, want UPSTREAM_REJECTED", got)
	}
}

func TestErrorBody_PlainError(t *testing.T) {
	t.Parallel()

	body := ErrorBody(&interfaces.ErrorMessage{StatusCode: http.StatusInternalServerError, Error: errors.New("boom")})
	if got := gjson.GetBytes(body, "error.message").String(); got != "boom" {
		t.Errorf("error.message = %q, want %q", got, "boom")
	}
	if gjson.GetBytes(body, "error.reason").Exists() {
		t.Errorf("error.reason present for a plain error: %s", body)
	}
}

func TestGetAlt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query string
		want  string
	}{
		{query: "", want: ""},
		{query: "alt=sse", want: ""},
		{query: "alt=json", want: "json"},
		{query: "$alt=json", want: "json"},
	}
	handler := NewBaseAPIHandlers(nil, nil)
	for _, tt := range tests {
		recorder := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(recorder)
		c.Request = httptest.NewRequest(http.MethodPost, "/v1beta/models/x:streamGenerateContent?"+tt.query, nil)
		if got := handler.GetAlt(c); got != tt.want {
			t.Errorf("GetAlt(%q) = %q, want %q", tt.query, got, tt.want)
		}
	}
}

func TestExecuteWithExecutor_MapsErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "refresh rejected", err: interfaces.NewError(interfaces.KindRefreshRejected, "re-login", nil), wantStatus: http.StatusUnauthorized},
		{name: "provisioning", err: interfaces.NewError(interfaces.KindProvisioningFailed, "no project", nil), wantStatus: http.StatusServiceUnavailable},
		{name: "client cancelled", err: context.Canceled, wantStatus: StatusClientClosedRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			handler := NewBaseAPIHandlers(nil, &fakeExecutor{err: tt.err})
			_, _, errMsg := handler.ExecuteWithExecutor(context.Background(), "gemini-2.5-pro", []byte(`{}`), "")
			if errMsg == nil {
				t.Fatal("ExecuteWithExecutor() errMsg = nil, want error")
			}
			if errMsg.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", errMsg.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestExecuteWithExecutor_FiltersHeaders(t *testing.T) {
	t.Parallel()

	handler := NewBaseAPIHandlers(nil, &fakeExecutor{resp: coreexecutor.Response{
		Payload: []byte(`{"candidates":[]}`),
		Headers: http.Header{"Content-Encoding": {"gzip"}, "Server-Timing": {"dur=1"}},
	}})
	payload, headers, errMsg := handler.ExecuteWithExecutor(context.Background(), "m", []byte(`{}`), "")
	if errMsg != nil {
		t.Fatalf("ExecuteWithExecutor() error = %v", errMsg.Error)
	}
	if string(payload) != `{"candidates":[]}` {
		t.Errorf("payload = %s", payload)
	}
	if headers.Get("Content-Encoding") != "" || headers.Get("Server-Timing") == "" {
		t.Errorf("headers = %v, want Content-Encoding dropped and Server-Timing kept", headers)
	}
}

func TestExecuteStreamWithExecutor_RelaysInOrderThenError(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{chunks: []coreexecutor.StreamChunk{
		{Payload: []byte(`{"n":1}`)},
		{Payload: []byte(`{"n":2}`)},
		{Err: interfaces.NewError(interfaces.KindUpstreamTransportError, "connection reset", nil)},
		{Payload: []byte(`{"n":3}`)},
	}}
	handler := NewBaseAPIHandlers(nil, exec)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data, _, errs := handler.ExecuteStreamWithExecutor(ctx, "m", []byte(`{}`), "")
	var got []string
	for chunk := range data {
		got = append(got, string(chunk))
	}
	if len(got) != 2 || got[0] != `{"n":1}` || got[1] != `{"n":2}` {
		t.Fatalf("chunks = %v, want n=1 then n=2", got)
	}
	select {
	case errMsg := <-errs:
		if errMsg == nil || errMsg.StatusCode != http.StatusBadGateway {
			t.Fatalf("terminal error = %+v, want 502", errMsg)
		}
	case <-time.After(time.Second):
		t.Fatal("no terminal error received")
	}
}

func TestExecuteStreamWithExecutor_StartError(t *testing.T) {
	t.Parallel()

	handler := NewBaseAPIHandlers(nil, &fakeExecutor{streamErr: interfaces.NewError(interfaces.KindCredentialsMissing, "no credentials", nil)})
	data, _, errs := handler.ExecuteStreamWithExecutor(context.Background(), "m", []byte(`{}`), "")
	if data != nil {
		t.Error("data channel should be nil when the stream never started")
	}
	errMsg := <-errs
	if errMsg == nil || errMsg.StatusCode != http.StatusUnauthorized {
		t.Fatalf("errMsg = %+v, want 401", errMsg)
	}
}
