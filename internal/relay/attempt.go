package relay

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nulzo/streamrelay/internal/llm"
	"github.com/nulzo/streamrelay/internal/llm/format"
)

// Target is one (provider, endpoint, key) candidate resolved by the
// orchestrator.
type Target struct {
	ProviderID    string
	ProviderName  string
	ProviderType  string
	EndpointID    string
	APIFormat     format.Key
	BaseURL       string
	KeyID         string
	APIKey        string
	UpstreamModel string
	Provider      llm.Provider
}

// Request is the inbound client call, read in full before any attempt.
type Request struct {
	ID           string
	Model        string
	ClientFormat format.Key
	Body         []byte
	Stream       bool
	Header       http.Header
	Query        url.Values
}

// StreamAttempt accumulates the state of one upstream attempt. It is owned by
// the goroutine relaying the attempt and is never shared.
type StreamAttempt struct {
	RequestID      string
	AttemptID      string
	Model          string
	ClientFormat   format.Key
	ProviderFormat format.Key

	ProviderName string
	ProviderID   string
	EndpointID   string
	KeyID        string
	IsStream     bool

	InputTokens         int
	OutputTokens        int
	CachedTokens        int
	CacheCreationTokens int

	StatusCode      int
	ResponseHeaders http.Header
	HasCompletion   bool
	// ChunkCount counts non-blank raw units, DataCount the ones that decoded
	// into a JSON object. A gap between them means malformed upstream output.
	ChunkCount       int
	DataCount        int
	ResponseMetadata map[string]string

	ErrorType    string
	ErrorMessage string

	StartedAt   time.Time
	FirstByteAt time.Time
	FinishedAt  time.Time

	text       strings.Builder
	audit      []byte
	auditLimit int
}

func newStreamAttempt(req *Request, target Target, attemptID string, auditLimit int) *StreamAttempt {
	return &StreamAttempt{
		RequestID:        req.ID,
		AttemptID:        attemptID,
		Model:            req.Model,
		ClientFormat:     req.ClientFormat,
		ProviderFormat:   target.APIFormat,
		ProviderName:     target.ProviderName,
		ProviderID:       target.ProviderID,
		EndpointID:       target.EndpointID,
		KeyID:            target.KeyID,
		IsStream:         req.Stream,
		ResponseMetadata: make(map[string]string),
		StartedAt:        time.Now(),
		auditLimit:       auditLimit,
	}
}

// ApplyUsage replaces each counter the block carries. Providers resend
// cumulative totals, so values are never summed.
func (a *StreamAttempt) ApplyUsage(u format.Usage) {
	if u.Has(format.HasInput) {
		a.InputTokens = u.InputTokens
	}
	if u.Has(format.HasOutput) {
		a.OutputTokens = u.OutputTokens
	}
	if u.Has(format.HasCached) {
		a.CachedTokens = u.CachedTokens
	}
	if u.Has(format.HasCacheCreation) {
		a.CacheCreationTokens = u.CacheCreationTokens
	}
}

func (a *StreamAttempt) AppendText(s string) {
	a.text.WriteString(s)
}

func (a *StreamAttempt) CollectedText() string {
	return a.text.String()
}

// recordRaw keeps the head of the raw response for audit.
func (a *StreamAttempt) recordRaw(b []byte) {
	if a.auditLimit <= 0 {
		return
	}
	room := a.auditLimit - len(a.audit)
	if room <= 0 {
		return
	}
	if len(b) > room {
		b = b[:room]
	}
	a.audit = append(a.audit, b...)
}

func (a *StreamAttempt) AuditBody() []byte {
	return a.audit
}

func (a *StreamAttempt) Failed() bool {
	return a.StatusCode >= http.StatusBadRequest
}

// AttemptRecord is the frozen view of an attempt handed to the committer.
type AttemptRecord struct {
	RequestID      string
	AttemptID      string
	Model          string
	ClientFormat   format.Key
	ProviderFormat format.Key

	ProviderName string
	ProviderID   string
	EndpointID   string
	KeyID        string
	IsStream     bool

	InputTokens         int
	OutputTokens        int
	CachedTokens        int
	CacheCreationTokens int

	StatusCode       int
	HasCompletion    bool
	ChunkCount       int
	DataCount        int
	ResponseMetadata map[string]string
	CollectedText    string
	// AuditBody is the head of the raw upstream payload, capped by the
	// engine's audit limit.
	AuditBody []byte

	ErrorType    string
	ErrorMessage string

	ResponseTime  time.Duration
	FirstByteTime time.Duration
}

func (r AttemptRecord) Failed() bool {
	return r.StatusCode >= http.StatusBadRequest
}

// Snapshot copies the attempt's current state.
func (a *StreamAttempt) Snapshot() AttemptRecord {
	meta := make(map[string]string, len(a.ResponseMetadata))
	for k, v := range a.ResponseMetadata {
		meta[k] = v
	}

	end := a.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}

	rec := AttemptRecord{
		RequestID:           a.RequestID,
		AttemptID:           a.AttemptID,
		Model:               a.Model,
		ClientFormat:        a.ClientFormat,
		ProviderFormat:      a.ProviderFormat,
		ProviderName:        a.ProviderName,
		ProviderID:          a.ProviderID,
		EndpointID:          a.EndpointID,
		KeyID:               a.KeyID,
		IsStream:            a.IsStream,
		InputTokens:         a.InputTokens,
		OutputTokens:        a.OutputTokens,
		CachedTokens:        a.CachedTokens,
		CacheCreationTokens: a.CacheCreationTokens,
		StatusCode:          a.StatusCode,
		HasCompletion:       a.HasCompletion,
		ChunkCount:          a.ChunkCount,
		DataCount:           a.DataCount,
		ResponseMetadata:    meta,
		CollectedText:       a.text.String(),
		AuditBody:           append([]byte(nil), a.audit...),
		ErrorType:           a.ErrorType,
		ErrorMessage:        a.ErrorMessage,
		ResponseTime:        end.Sub(a.StartedAt),
	}
	if !a.FirstByteAt.IsZero() {
		rec.FirstByteTime = a.FirstByteAt.Sub(a.StartedAt)
	}
	return rec
}
