package store

import (
	"context"
	"errors"
	"time"

	"github.com/nulzo/streamrelay/internal/store/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Repository is the main contract for the data layer.
type Repository interface {
	Usage() UsageRepository
	Candidates() CandidateRepository

	// transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	Close() error
}

// UsageRepository stores one row per client request.
type UsageRepository interface {
	// Create inserts a pending row.
	Create(ctx context.Context, u *model.Usage) error
	Get(ctx context.Context, requestID string) (*model.Usage, error)
	// MarkStreaming moves a pending row to streaming. Rows in any other state
	// are left alone.
	MarkStreaming(ctx context.Context, requestID string, firstByteMS int64, at time.Time) error
	// Finalize writes the terminal state of a request.
	Finalize(ctx context.Context, u *model.Usage) error
	// FailOpen fails a row that is still pending or streaming.
	FailOpen(ctx context.Context, requestID string, statusCode int, errType, message string, at time.Time) error
	// SetStatus overwrites status and status code only.
	SetStatus(ctx context.Context, requestID, status string, statusCode int, at time.Time) error
}

// CandidateRepository stores one row per upstream attempt.
type CandidateRepository interface {
	Create(ctx context.Context, c *model.RequestCandidate) error
	Finish(ctx context.Context, c *model.RequestCandidate) error
	Get(ctx context.Context, attemptID string) (*model.RequestCandidate, error)
	ListByRequest(ctx context.Context, requestID string) ([]model.RequestCandidate, error)
}
