package model

import (
	"time"
)

// Usage is the accounting row of one client request.
type Usage struct {
	RequestID           string    `db:"request_id" json:"request_id"`
	Status              string    `db:"status" json:"status"` // pending, streaming, completed, failed
	StatusCode          int       `db:"status_code" json:"status_code"`
	Model               string    `db:"model" json:"model"`
	ClientAPIFormat     string    `db:"client_api_format" json:"client_api_format"`
	ProviderAPIFormat   string    `db:"provider_api_format" json:"provider_api_format,omitempty"`
	ProviderName        string    `db:"provider_name" json:"provider_name,omitempty"`
	ProviderID          string    `db:"provider_id" json:"provider_id,omitempty"`
	EndpointID          string    `db:"endpoint_id" json:"endpoint_id,omitempty"`
	KeyID               string    `db:"key_id" json:"key_id,omitempty"`
	IsStream            bool      `db:"is_stream" json:"is_stream"`
	InputTokens         int       `db:"input_tokens" json:"input_tokens"`
	OutputTokens        int       `db:"output_tokens" json:"output_tokens"`
	CachedTokens        int       `db:"cached_tokens" json:"cached_tokens"`
	CacheCreationTokens int       `db:"cache_creation_tokens" json:"cache_creation_tokens"`
	ResponseTimeMS      int64     `db:"response_time_ms" json:"response_time_ms"`
	FirstByteTimeMS     *int64    `db:"first_byte_time_ms" json:"first_byte_time_ms,omitempty"`
	ErrorType           string    `db:"error_type" json:"error_type,omitempty"`
	ErrorMessage        string    `db:"error_message" json:"error_message,omitempty"`
	ResponseMetadata    string    `db:"response_metadata" json:"response_metadata,omitempty"` // JSON object
	ResponseBody        string    `db:"response_body" json:"-"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time `db:"updated_at" json:"updated_at"`
}

// RequestCandidate is one provider/endpoint/key tried for a request.
type RequestCandidate struct {
	AttemptID      string     `db:"attempt_id" json:"attempt_id"`
	RequestID      string     `db:"request_id" json:"request_id"`
	CandidateIndex int        `db:"candidate_index" json:"candidate_index"`
	ProviderID     string     `db:"provider_id" json:"provider_id"`
	EndpointID     string     `db:"endpoint_id" json:"endpoint_id"`
	KeyID          string     `db:"key_id" json:"key_id"`
	Status         string     `db:"status" json:"status"` // pending, success, failed
	StatusCode     int        `db:"status_code" json:"status_code"`
	LatencyMS      int64      `db:"latency_ms" json:"latency_ms"`
	ErrorType      string     `db:"error_type" json:"error_type,omitempty"`
	ErrorMessage   string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	FinishedAt     *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}

const (
	CandidatePending = "pending"
	CandidateSuccess = "success"
	CandidateFailed  = "failed"
)
