// Package gemini translates between the public Gemini generateContent shapes and the
// Code Assist envelope used by the Gemini CLI backend.
//
// Outbound requests are wrapped as {"project", "model", "request"}; inbound unary bodies
// and stream events are unwrapped from {"response": ...}. Everything inside the wrapped
// payload passes through untouched, including unknown models and fields.
package gemini

import (
	"strings"

	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// NormalizeModelName strips the resource prefix and any method suffix from a model path segment.
func NormalizeModelName(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	if idx := strings.Index(model, ":"); idx >= 0 {
		model = model[:idx]
	}
	return model
}

// ConvertGeminiRequestToGeminiCLI wraps a public generateContent body in the Code Assist
// envelope for modelName and projectID.
func ConvertGeminiRequestToGeminiCLI(modelName, projectID string, rawJSON []byte) ([]byte, error) {
	if !gjson.ValidBytes(rawJSON) {
		return nil, interfaces.NewError(interfaces.KindTransformUnsupported, "request body is not valid JSON", nil)
	}
	root := gjson.ParseBytes(rawJSON)
	if !root.IsObject() {
		return nil, interfaces.NewError(interfaces.KindTransformUnsupported, "request body must be a JSON object", nil)
	}
	if contents := root.Get("contents"); !contents.IsArray() {
		return nil, interfaces.NewError(interfaces.KindTransformUnsupported, "request body must contain a contents array", nil)
	}

	model := NormalizeModelName(modelName)
	if model == "" {
		model = NormalizeModelName(root.Get("model").String())
	}
	if model == "" {
		return nil, interfaces.NewError(interfaces.KindTransformUnsupported, "request does not name a model", nil)
	}

	out := []byte(`{"project":"","model":"","request":{}}`)
	var err error
	if out, err = sjson.SetBytes(out, "project", projectID); err != nil {
		return nil, interfaces.NewError(interfaces.KindTransformUnsupported, "could not build upstream envelope", err)
	}
	if out, err = sjson.SetBytes(out, "model", model); err != nil {
		return nil, interfaces.NewError(interfaces.KindTransformUnsupported, "could not build upstream envelope", err)
	}
	if out, err = sjson.SetRawBytes(out, "request", []byte(root.Raw)); err != nil {
		return nil, interfaces.NewError(interfaces.KindTransformUnsupported, "could not build upstream envelope", err)
	}
	out, _ = sjson.DeleteBytes(out, "request.model")

	// The backend only accepts the camelCase spelling.
	if sys := gjson.GetBytes(out, "request.system_instruction"); sys.Exists() {
		if !gjson.GetBytes(out, "request.systemInstruction").Exists() {
			out, _ = sjson.SetRawBytes(out, "request.systemInstruction", []byte(sys.Raw))
		}
		out, _ = sjson.DeleteBytes(out, "request.system_instruction")
	}
	return out, nil
}
