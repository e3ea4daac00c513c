package format

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAIParser handles Chat Completions chunks and Responses API events.
type OpenAIParser struct{}

var openaiErrorStatus = map[string]int{
	"invalid_request_error": http.StatusBadRequest,
	"invalid_api_key":       http.StatusUnauthorized,
	"authentication_error":  http.StatusUnauthorized,
	"permission_denied":     http.StatusForbidden,
	"model_not_found":       http.StatusNotFound,
	"rate_limit_exceeded":   http.StatusTooManyRequests,
	"insufficient_quota":    http.StatusTooManyRequests,
	"server_error":          http.StatusInternalServerError,
}

func (OpenAIParser) IsErrorResponse(obj gjson.Result) bool {
	switch obj.Get("type").String() {
	case "error", "response.failed":
		return true
	}
	e := obj.Get("error")
	return e.IsObject() || (e.Type == gjson.String && e.String() != "")
}

func (OpenAIParser) ParseResponse(obj gjson.Result, status int) ParsedError {
	var e gjson.Result
	switch obj.Get("type").String() {
	case "error":
		e = obj
	case "response.failed":
		e = obj.Get("response.error")
	default:
		e = obj.Get("error")
	}

	pe := ParsedError{
		Type:    e.Get("type").String(),
		Message: e.Get("message").String(),
	}
	if e.Type == gjson.String {
		pe.Message = e.String()
	}
	code := e.Get("code").String()
	if pe.Type == "" || pe.Type == "error" {
		pe.Type = code
	}
	if pe.Type == "" {
		pe.Type = "api_error"
	}
	if pe.Message == "" {
		pe.Message = "upstream returned an error"
	}

	pe.StatusCode = status
	if s, ok := openaiErrorStatus[code]; ok {
		pe.StatusCode = s
	} else if s, ok := openaiErrorStatus[pe.Type]; ok {
		pe.StatusCode = s
	} else if status < http.StatusBadRequest {
		pe.StatusCode = http.StatusBadGateway
	}
	return pe
}

func (OpenAIParser) ExtractUsage(obj gjson.Result) (Usage, bool) {
	usage := obj.Get("usage")
	if !usage.IsObject() {
		usage = obj.Get("response.usage")
	}
	if !usage.IsObject() {
		return Usage{}, false
	}

	var u Usage
	if v := usage.Get("prompt_tokens"); v.Exists() {
		u.setInput(v.Int())
	} else if v := usage.Get("input_tokens"); v.Exists() {
		u.setInput(v.Int())
	}
	if v := usage.Get("completion_tokens"); v.Exists() {
		u.setOutput(v.Int())
	} else if v := usage.Get("output_tokens"); v.Exists() {
		u.setOutput(v.Int())
	}
	if v := usage.Get("prompt_tokens_details.cached_tokens"); v.Exists() {
		u.setCached(v.Int())
	} else if v := usage.Get("input_tokens_details.cached_tokens"); v.Exists() {
		u.setCached(v.Int())
	}

	return u, u.Fields != 0
}

func (OpenAIParser) ExtractText(obj gjson.Result) (string, bool) {
	switch obj.Get("type").String() {
	case "response.output_text.delta":
		return obj.Get("delta").String(), true
	case "":
	default:
		return "", false
	}

	if obj.Get("object").String() == "response" {
		var sb strings.Builder
		found := false
		for _, item := range obj.Get("output").Array() {
			for _, part := range item.Get("content").Array() {
				if part.Get("type").String() == "output_text" {
					sb.WriteString(part.Get("text").String())
					found = true
				}
			}
		}
		return sb.String(), found
	}

	if v := obj.Get("choices.0.delta.content"); v.Type == gjson.String {
		return v.String(), true
	}
	if v := obj.Get("choices.0.message.content"); v.Type == gjson.String {
		return v.String(), true
	}
	return "", false
}

func (OpenAIParser) IsCompletion(ev Event) bool {
	if strings.TrimSpace(ev.Data) == "[DONE]" {
		return true
	}
	if !ev.Valid {
		return false
	}
	obj := ev.Object
	if obj.Get("type").String() == "response.completed" {
		return true
	}
	if obj.Get("object").String() == "response" && obj.Get("status").String() == "completed" {
		return true
	}
	for _, reason := range obj.Get("choices.#.finish_reason").Array() {
		if reason.Type == gjson.String && reason.String() != "" {
			return true
		}
	}
	return false
}

func (OpenAIParser) ExtractMetadata(obj gjson.Result) map[string]string {
	meta := make(map[string]string)
	if strings.HasPrefix(obj.Get("type").String(), "response.") {
		putIfSet(meta, "response_id", obj.Get("response.id"))
		putIfSet(meta, "model", obj.Get("response.model"))
		putIfSet(meta, "status", obj.Get("response.status"))
		return meta
	}
	putIfSet(meta, "message_id", obj.Get("id"))
	putIfSet(meta, "model", obj.Get("model"))
	putIfSet(meta, "system_fingerprint", obj.Get("system_fingerprint"))
	putIfSet(meta, "finish_reason", obj.Get("choices.0.finish_reason"))
	return meta
}

func (OpenAIParser) RenderError(status int, errType, message string) []byte {
	if errType == "" {
		errType = errorTypeForStatus(status)
	}
	body := []byte(`{"error":{"param":null}}`)
	body, _ = sjson.SetBytes(body, "error.message", message)
	body, _ = sjson.SetBytes(body, "error.type", errType)
	body, _ = sjson.SetBytes(body, "error.code", status)
	return body
}
