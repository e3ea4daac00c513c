package api

import (
	"time"
)

// RelayEnvelope is the part of an inbound body the gateway inspects. The rest
// of the body is forwarded untouched.
type RelayEnvelope struct {
	Model  string `json:"model" binding:"required"`
	Stream bool   `json:"stream"`
}

// UsageResponse is returned by the usage lookup route.
type UsageResponse struct {
	RequestID           string            `json:"request_id"`
	Status              string            `json:"status"`
	StatusCode          int               `json:"status_code"`
	Model               string            `json:"model"`
	ClientFormat        string            `json:"client_format"`
	ProviderFormat      string            `json:"provider_format,omitempty"`
	ProviderName        string            `json:"provider_name,omitempty"`
	ProviderID          string            `json:"provider_id,omitempty"`
	EndpointID          string            `json:"endpoint_id,omitempty"`
	KeyID               string            `json:"key_id,omitempty"`
	IsStream            bool              `json:"is_stream"`
	InputTokens         int               `json:"input_tokens"`
	OutputTokens        int               `json:"output_tokens"`
	CachedTokens        int               `json:"cached_tokens"`
	CacheCreationTokens int               `json:"cache_creation_tokens"`
	ResponseTimeMS      int64             `json:"response_time_ms"`
	FirstByteTimeMS     *int64            `json:"first_byte_time_ms,omitempty"`
	ErrorType           string            `json:"error_type,omitempty"`
	ErrorMessage        string            `json:"error_message,omitempty"`
	Metadata            map[string]any    `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	Candidates          []CandidateResult `json:"candidates"`
}

type CandidateResult struct {
	AttemptID    string     `json:"attempt_id"`
	Index        int        `json:"index"`
	ProviderID   string     `json:"provider_id"`
	EndpointID   string     `json:"endpoint_id"`
	KeyID        string     `json:"key_id"`
	Status       string     `json:"status"`
	StatusCode   int        `json:"status_code"`
	LatencyMS    int64      `json:"latency_ms"`
	ErrorType    string     `json:"error_type,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
