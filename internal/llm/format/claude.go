package format

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ClaudeParser handles the Anthropic Messages API, streamed and buffered.
type ClaudeParser struct{}

var claudeErrorStatus = map[string]int{
	"invalid_request_error": http.StatusBadRequest,
	"authentication_error":  http.StatusUnauthorized,
	"permission_error":      http.StatusForbidden,
	"not_found_error":       http.StatusNotFound,
	"request_too_large":     http.StatusRequestEntityTooLarge,
	"rate_limit_error":      http.StatusTooManyRequests,
	"api_error":             http.StatusInternalServerError,
	"overloaded_error":      529,
}

func (ClaudeParser) IsErrorResponse(obj gjson.Result) bool {
	return obj.Get("type").String() == "error" || obj.Get("error").IsObject()
}

func (ClaudeParser) ParseResponse(obj gjson.Result, status int) ParsedError {
	e := obj.Get("error")
	pe := ParsedError{
		Type:    e.Get("type").String(),
		Message: e.Get("message").String(),
	}
	if e.Type == gjson.String {
		pe.Message = e.String()
	}
	if pe.Message == "" {
		pe.Message = "upstream returned an error"
	}

	pe.StatusCode = status
	if code, ok := claudeErrorStatus[pe.Type]; ok {
		pe.StatusCode = code
	} else if status < http.StatusBadRequest {
		pe.StatusCode = http.StatusBadGateway
	}
	if pe.Type == "" {
		pe.Type = "api_error"
	}
	return pe
}

func (ClaudeParser) ExtractUsage(obj gjson.Result) (Usage, bool) {
	usage := obj.Get("usage")
	if !usage.IsObject() {
		usage = obj.Get("message.usage")
	}
	if !usage.IsObject() {
		return Usage{}, false
	}

	// message_delta repeats input and cache counters as zero on some
	// deployments; those zeros are not information.
	skipZero := obj.Get("type").String() == "message_delta"

	var u Usage
	if v := usage.Get("input_tokens"); v.Exists() && !(skipZero && v.Int() == 0) {
		u.setInput(v.Int())
	}
	if v := usage.Get("output_tokens"); v.Exists() {
		u.setOutput(v.Int())
	}
	if v := usage.Get("cache_read_input_tokens"); v.Exists() && !(skipZero && v.Int() == 0) {
		u.setCached(v.Int())
	}
	if v := usage.Get("cache_creation_input_tokens"); v.Exists() && !(skipZero && v.Int() == 0) {
		u.setCacheCreation(v.Int())
	}

	return u, u.Fields != 0
}

func (ClaudeParser) ExtractText(obj gjson.Result) (string, bool) {
	switch obj.Get("type").String() {
	case "content_block_delta":
		delta := obj.Get("delta")
		if delta.Get("type").String() != "text_delta" {
			return "", false
		}
		return delta.Get("text").String(), true
	case "message":
		var sb strings.Builder
		found := false
		for _, block := range obj.Get("content").Array() {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
				found = true
			}
		}
		return sb.String(), found
	}
	return "", false
}

func (ClaudeParser) IsCompletion(ev Event) bool {
	if ev.Name == "message_stop" {
		return true
	}
	if !ev.Valid {
		return false
	}
	switch ev.Object.Get("type").String() {
	case "message_stop":
		return true
	case "message":
		return ev.Object.Get("stop_reason").String() != ""
	}
	return false
}

func (ClaudeParser) ExtractMetadata(obj gjson.Result) map[string]string {
	meta := make(map[string]string)
	switch obj.Get("type").String() {
	case "message_start":
		putIfSet(meta, "message_id", obj.Get("message.id"))
		putIfSet(meta, "model", obj.Get("message.model"))
	case "message_delta":
		putIfSet(meta, "stop_reason", obj.Get("delta.stop_reason"))
	case "message":
		putIfSet(meta, "message_id", obj.Get("id"))
		putIfSet(meta, "model", obj.Get("model"))
		putIfSet(meta, "stop_reason", obj.Get("stop_reason"))
	}
	return meta
}

func (ClaudeParser) RenderError(status int, errType, message string) []byte {
	if errType == "" {
		errType = errorTypeForStatus(status)
	}
	body := []byte(`{"type":"error"}`)
	body, _ = sjson.SetBytes(body, "error.type", errType)
	body, _ = sjson.SetBytes(body, "error.message", message)
	return body
}
