package gemini

import (
	"errors"
	"testing"

	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/tidwall/gjson"
)

func TestConvertGeminiRequestToGeminiCLI(t *testing.T) {
	t.Parallel()

	in := []byte(`{"model":"ignored","contents":[{"role":"user","parts":[{"text":"hi"}]}],"system_instruction":{"parts":[{"text":"be brief"}]},"generationConfig":{"temperature":0.2},"futureField":[1,2]}`)
	out, err := ConvertGeminiRequestToGeminiCLI("models/gemini-2.5-pro", "proj-1", in)
	if err != nil {
		t.Fatalf("ConvertGeminiRequestToGeminiCLI() error = %v", err)
	}
	doc := gjson.ParseBytes(out)
	if got := doc.Get("project").String(); got != "proj-1" {
		t.Errorf("project = %q, want proj-1", got)
	}
	if got := doc.Get("model").String(); got != "gemini-2.5-pro" {
		t.Errorf("model = %q, want gemini-2.5-pro", got)
	}
	if doc.Get("request.model").Exists() {
		t.Error("request.model should be removed")
	}
	if got := doc.Get("request.contents.0.parts.0.text").String(); got != "hi" {
		t.Errorf("contents text = %q, want hi", got)
	}
	if got := doc.Get("request.systemInstruction.parts.0.text").String(); got != "be brief" {
		t.Errorf("systemInstruction = %q", got)
	}
	if doc.Get("request.system_instruction").Exists() {
		t.Error("snake_case system_instruction should be renamed")
	}
	if got := doc.Get("request.generationConfig.temperature").Float(); got != 0.2 {
		t.Errorf("temperature = %v, want 0.2", got)
	}
	if got := doc.Get("request.futureField.#").Int(); got != 2 {
		t.Errorf("unknown field not passed through: %s", out)
	}
}

func TestConvertGeminiRequestToGeminiCLI_Unsupported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		model string
		body  string
	}{
		{name: "invalid json", model: "m", body: `{"contents":`},
		{name: "array body", model: "m", body: `[{"contents":[]}]`},
		{name: "no contents", model: "m", body: `{"prompt":"hi"}`},
		{name: "contents not array", model: "m", body: `{"contents":"hi"}`},
		{name: "no model", model: "", body: `{"contents":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ConvertGeminiRequestToGeminiCLI(tt.model, "p", []byte(tt.body))
			if !errors.Is(err, interfaces.ErrTransformUnsupported) {
				t.Errorf("error = %v, want TransformUnsupported", err)
			}
		})
	}
}

func TestNormalizeModelName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"gemini-2.5-pro", "gemini-2.5-pro"},
		{"models/gemini-2.5-flash", "gemini-2.5-flash"},
		{"gemini-2.5-pro:streamGenerateContent", "gemini-2.5-pro"},
		{"some-unknown-model", "some-unknown-model"},
	}
	for _, tt := range tests {
		if got := NormalizeModelName(tt.in); got != tt.want {
			t.Errorf("NormalizeModelName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRoundTripPreservesContent(t *testing.T) {
	t.Parallel()

	publicReq := []byte(`{"contents":[{"role":"user","parts":[{"text":"2+2?"}]}]}`)
	wrapped, err := ConvertGeminiRequestToGeminiCLI("gemini-2.5-flash", "p", publicReq)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	if gjson.GetBytes(wrapped, "request").Raw != string(publicReq) {
		t.Errorf("wrapped request = %s, want original payload", gjson.GetBytes(wrapped, "request").Raw)
	}

	inner := `{"candidates":[{"content":{"role":"model","parts":[{"text":"4"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1,"totalTokenCount":4}}`
	upstream := []byte(`{"response":` + inner + `,"traceId":"abc"}`)
	got, err := ConvertGeminiCliResponseToGeminiNonStream(upstream)
	if err != nil {
		t.Fatalf("response error = %v", err)
	}
	if string(got) != inner {
		t.Errorf("unwrapped = %s, want %s", got, inner)
	}
}
