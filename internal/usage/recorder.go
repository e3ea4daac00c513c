// Package usage persists request accounting and candidate outcomes.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nulzo/streamrelay/internal/llm/format"
	"github.com/nulzo/streamrelay/internal/relay"
	"github.com/nulzo/streamrelay/internal/store"
	"github.com/nulzo/streamrelay/internal/store/model"
	"go.uber.org/zap"
)

// Recorder owns the usage row of each request. Every write runs in its own
// transaction, so it is safe to call from detached goroutines.
type Recorder struct {
	repo   store.Repository
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(repo store.Repository, logger *zap.Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger, now: time.Now}
}

// CreatePending inserts the row a request is accounted against.
func (r *Recorder) CreatePending(ctx context.Context, requestID, modelID string, clientFormat format.Key, stream bool) error {
	now := r.now()
	u := &model.Usage{
		RequestID:        requestID,
		Status:           relay.StatusPending,
		Model:            modelID,
		ClientAPIFormat:  string(clientFormat),
		IsStream:         stream,
		ResponseMetadata: "{}",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return r.repo.WithTx(ctx, func(tx store.Repository) error {
		return tx.Usage().Create(ctx, u)
	})
}

func (r *Recorder) MarkStreaming(ctx context.Context, requestID string, firstByte time.Duration) error {
	return r.repo.WithTx(ctx, func(tx store.Repository) error {
		return tx.Usage().MarkStreaming(ctx, requestID, firstByte.Milliseconds(), r.now())
	})
}

func (r *Recorder) RecordSuccess(ctx context.Context, rec relay.AttemptRecord) error {
	return r.finalize(ctx, rec, relay.StatusCompleted)
}

// RecordFailure keeps whatever tokens were counted before the failure.
func (r *Recorder) RecordFailure(ctx context.Context, rec relay.AttemptRecord) error {
	return r.finalize(ctx, rec, relay.StatusFailed)
}

func (r *Recorder) finalize(ctx context.Context, rec relay.AttemptRecord, status string) error {
	meta, err := json.Marshal(rec.ResponseMetadata)
	if err != nil {
		return fmt.Errorf("encode response metadata: %w", err)
	}
	if rec.ResponseMetadata == nil {
		meta = []byte("{}")
	}

	u := &model.Usage{
		RequestID:           rec.RequestID,
		Status:              status,
		StatusCode:          rec.StatusCode,
		ProviderAPIFormat:   string(rec.ProviderFormat),
		ProviderName:        rec.ProviderName,
		ProviderID:          rec.ProviderID,
		EndpointID:          rec.EndpointID,
		KeyID:               rec.KeyID,
		InputTokens:         rec.InputTokens,
		OutputTokens:        rec.OutputTokens,
		CachedTokens:        rec.CachedTokens,
		CacheCreationTokens: rec.CacheCreationTokens,
		ResponseTimeMS:      rec.ResponseTime.Milliseconds(),
		ErrorType:           rec.ErrorType,
		ErrorMessage:        rec.ErrorMessage,
		ResponseMetadata:    string(meta),
		ResponseBody:        string(rec.AuditBody),
		UpdatedAt:           r.now(),
	}
	if rec.FirstByteTime > 0 {
		ms := rec.FirstByteTime.Milliseconds()
		u.FirstByteTimeMS = &ms
	}

	return r.repo.WithTx(ctx, func(tx store.Repository) error {
		return tx.Usage().Finalize(ctx, u)
	})
}

// FailPending fails a row that never reached a terminal state.
func (r *Recorder) FailPending(ctx context.Context, requestID string, statusCode int, errType, message string) error {
	return r.repo.WithTx(ctx, func(tx store.Repository) error {
		return tx.Usage().FailOpen(ctx, requestID, statusCode, errType, message, r.now())
	})
}

// ForceStatus skips the transaction; it is the fallback when one failed.
func (r *Recorder) ForceStatus(ctx context.Context, requestID, status string, statusCode int) error {
	return r.repo.Usage().SetStatus(ctx, requestID, status, statusCode, r.now())
}

func (r *Recorder) Get(ctx context.Context, requestID string) (*model.Usage, error) {
	return r.repo.Usage().Get(ctx, requestID)
}
