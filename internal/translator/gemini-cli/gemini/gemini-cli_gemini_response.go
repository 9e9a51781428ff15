package gemini

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/router-for-me/gemini-oauth-proxy/internal/interfaces"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var doneMarker = []byte("[DONE]")

// ConvertGeminiCliResponseToGeminiNonStream unwraps a unary Code Assist response.
// Bodies without an envelope are already in the public shape and pass through.
func ConvertGeminiCliResponseToGeminiNonStream(rawJSON []byte) ([]byte, error) {
	rawJSON = bytes.TrimSpace(rawJSON)
	if !gjson.ValidBytes(rawJSON) {
		return nil, unsupportedResponse("upstream response is not valid JSON")
	}
	root := gjson.ParseBytes(rawJSON)
	if !root.IsObject() {
		return nil, unsupportedResponse("upstream response is not a JSON object")
	}
	if response := root.Get("response"); response.Exists() {
		if !response.IsObject() {
			return nil, unsupportedResponse("upstream response envelope is not an object")
		}
		return []byte(response.Raw), nil
	}
	return rawJSON, nil
}

// ConvertGeminiCliResponseToGemini unwraps one stream event payload. ok is false when
// the event carries nothing for the client, such as an end marker or an empty envelope.
func ConvertGeminiCliResponseToGemini(payload []byte) (chunk []byte, ok bool, err error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, doneMarker) {
		return nil, false, nil
	}
	if !gjson.ValidBytes(payload) {
		return nil, false, unsupportedResponse("upstream stream event is not valid JSON")
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return nil, false, unsupportedResponse("upstream stream event is not a JSON object")
	}
	if response := root.Get("response"); response.Exists() {
		if !response.IsObject() {
			return nil, false, unsupportedResponse("upstream stream envelope is not an object")
		}
		return []byte(response.Raw), true, nil
	}
	if root.Get("error").Exists() {
		code := int(root.Get("error.code").Int())
		if code <= 0 {
			code = http.StatusBadGateway
		}
		rejected := interfaces.NewError(interfaces.KindUpstreamRejected, "upstream reported an error mid-stream", nil)
		rejected.Code = code
		rejected.Body = ConvertGeminiCliErrorToGemini(code, payload)
		return nil, false, rejected
	}
	if len(root.Map()) == 0 {
		return nil, false, nil
	}
	return payload, true, nil
}

// ConvertGeminiCliErrorToGemini normalises an upstream error body into the public
// {"error":{"code","message","status"}} shape, keeping the upstream status code.
func ConvertGeminiCliErrorToGemini(statusCode int, rawJSON []byte) []byte {
	rawJSON = bytes.TrimSpace(rawJSON)
	root := gjson.ParseBytes(rawJSON)
	if gjson.ValidBytes(rawJSON) {
		// Google APIs occasionally return the error object inside a one-element array.
		if root.IsArray() && len(root.Array()) > 0 {
			root = root.Array()[0]
		}
		if errObj := root.Get("error"); errObj.IsObject() {
			out := []byte(`{"error":{}}`)
			out, _ = sjson.SetRawBytes(out, "error", []byte(errObj.Raw))
			if !errObj.Get("code").Exists() {
				out, _ = sjson.SetBytes(out, "error.code", statusCode)
			}
			if !errObj.Get("status").Exists() {
				out, _ = sjson.SetBytes(out, "error.status", interfaces.RPCStatus(statusCode))
			}
			return out
		}
	}

	message := strings.TrimSpace(string(rawJSON))
	if message == "" {
		message = "upstream request failed"
	}
	out := []byte(`{"error":{"code":0,"message":"","status":""}}`)
	out, _ = sjson.SetBytes(out, "error.code", statusCode)
	out, _ = sjson.SetBytes(out, "error.message", message)
	out, _ = sjson.SetBytes(out, "error.status", interfaces.RPCStatus(statusCode))
	return out
}

// Responses the transformer cannot map are the upstream's fault, so they report 502.
func unsupportedResponse(message string) error {
	err := interfaces.NewError(interfaces.KindTransformUnsupported, message, nil)
	err.Code = http.StatusBadGateway
	return err
}
