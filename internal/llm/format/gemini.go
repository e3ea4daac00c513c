package format

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const finishReasonUnspecified = "FINISH_REASON_UNSPECIFIED"

// GeminiParser handles GenerateContentResponse objects, with or without the
// Code Assist {"response": ...} envelope.
type GeminiParser struct{}

var geminiStatusCodes = map[string]int{
	"INVALID_ARGUMENT":    http.StatusBadRequest,
	"FAILED_PRECONDITION": http.StatusBadRequest,
	"UNAUTHENTICATED":     http.StatusUnauthorized,
	"PERMISSION_DENIED":   http.StatusForbidden,
	"NOT_FOUND":           http.StatusNotFound,
	"RESOURCE_EXHAUSTED":  http.StatusTooManyRequests,
	"INTERNAL":            http.StatusInternalServerError,
	"UNAVAILABLE":         http.StatusServiceUnavailable,
	"DEADLINE_EXCEEDED":   http.StatusGatewayTimeout,
}

var geminiStatusNames = map[int]string{
	http.StatusBadRequest:          "INVALID_ARGUMENT",
	http.StatusUnauthorized:        "UNAUTHENTICATED",
	http.StatusForbidden:           "PERMISSION_DENIED",
	http.StatusNotFound:            "NOT_FOUND",
	http.StatusTooManyRequests:     "RESOURCE_EXHAUSTED",
	http.StatusInternalServerError: "INTERNAL",
	http.StatusServiceUnavailable:  "UNAVAILABLE",
	http.StatusGatewayTimeout:      "DEADLINE_EXCEEDED",
}

func unwrapGemini(obj gjson.Result) gjson.Result {
	if inner := obj.Get("response"); inner.IsObject() {
		return inner
	}
	return obj
}

func (GeminiParser) IsErrorResponse(obj gjson.Result) bool {
	obj = unwrapGemini(obj)
	if obj.Get("error").Exists() {
		return true
	}
	for _, chunk := range obj.Get("chunks").Array() {
		if chunk.Get("error").Exists() {
			return true
		}
	}
	return false
}

func (GeminiParser) ParseResponse(obj gjson.Result, status int) ParsedError {
	obj = unwrapGemini(obj)
	e := obj.Get("error")
	if !e.Exists() {
		for _, chunk := range obj.Get("chunks").Array() {
			if ce := chunk.Get("error"); ce.Exists() {
				e = ce
				break
			}
		}
	}

	pe := ParsedError{
		Type:    e.Get("status").String(),
		Message: e.Get("message").String(),
	}
	if e.Type == gjson.String {
		pe.Message = e.String()
	}
	if pe.Message == "" {
		pe.Message = "upstream returned an error"
	}

	code := int(e.Get("code").Int())
	switch {
	case code >= http.StatusBadRequest:
		pe.StatusCode = code
	case geminiStatusCodes[pe.Type] != 0:
		pe.StatusCode = geminiStatusCodes[pe.Type]
	case status >= http.StatusBadRequest:
		pe.StatusCode = status
	default:
		pe.StatusCode = http.StatusBadGateway
	}
	if pe.Type == "" {
		pe.Type = geminiStatusNames[pe.StatusCode]
	}
	if pe.Type == "" {
		pe.Type = "UNKNOWN"
	}
	return pe
}

func (GeminiParser) ExtractUsage(obj gjson.Result) (Usage, bool) {
	meta := unwrapGemini(obj).Get("usageMetadata")
	if !meta.Get("totalTokenCount").Exists() {
		return Usage{}, false
	}

	var u Usage
	if v := meta.Get("promptTokenCount"); v.Exists() {
		u.setInput(v.Int())
	}
	u.setOutput(meta.Get("thoughtsTokenCount").Int() + meta.Get("candidatesTokenCount").Int())
	if v := meta.Get("cachedContentTokenCount"); v.Exists() {
		u.setCached(v.Int())
	}
	return u, true
}

func (GeminiParser) ExtractText(obj gjson.Result) (string, bool) {
	parts := unwrapGemini(obj).Get("candidates.0.content.parts")
	if !parts.IsArray() {
		return "", false
	}

	var sb strings.Builder
	found := false
	for _, part := range parts.Array() {
		if t := part.Get("text"); t.Exists() {
			sb.WriteString(t.String())
			found = true
		}
	}
	return sb.String(), found
}

func (GeminiParser) IsCompletion(ev Event) bool {
	if !ev.Valid {
		return false
	}
	for _, reason := range unwrapGemini(ev.Object).Get("candidates.#.finishReason").Array() {
		if r := reason.String(); r != "" && r != finishReasonUnspecified {
			return true
		}
	}
	return false
}

func (GeminiParser) ExtractMetadata(obj gjson.Result) map[string]string {
	obj = unwrapGemini(obj)
	meta := make(map[string]string)
	putIfSet(meta, "response_id", obj.Get("responseId"))
	putIfSet(meta, "model_version", obj.Get("modelVersion"))
	putIfSet(meta, "finish_reason", obj.Get("candidates.0.finishReason"))
	return meta
}

func (GeminiParser) RenderError(status int, errType, message string) []byte {
	name, ok := geminiStatusNames[status]
	if !ok {
		name = "UNKNOWN"
	}
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "error.code", status)
	body, _ = sjson.SetBytes(body, "error.message", message)
	body, _ = sjson.SetBytes(body, "error.status", name)
	if errType != "" && errType != name {
		body, _ = sjson.SetBytes(body, "error.details.0.reason", errType)
	}
	return body
}
