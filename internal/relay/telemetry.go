package relay

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSettleDelay   = 100 * time.Millisecond
	defaultCommitTimeout = 10 * time.Second
)

// Usage record states.
const (
	StatusPending   = "pending"
	StatusStreaming = "streaming"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// UsageRecorder persists the per-request usage row. Implementations must use
// their own storage session; calls arrive after the HTTP handler returned.
type UsageRecorder interface {
	MarkStreaming(ctx context.Context, requestID string, firstByte time.Duration) error
	RecordSuccess(ctx context.Context, rec AttemptRecord) error
	RecordFailure(ctx context.Context, rec AttemptRecord) error
	FailPending(ctx context.Context, requestID string, statusCode int, errType, message string) error
	// ForceStatus is the last-resort update when a full record cannot be
	// written.
	ForceStatus(ctx context.Context, requestID, status string, statusCode int) error
}

// CandidateService corrects the orchestrator's provisional candidate rows.
type CandidateService interface {
	MarkCandidateSuccess(ctx context.Context, attemptID string, statusCode int, latency time.Duration) error
	MarkCandidateFailed(ctx context.Context, attemptID string, statusCode int, latency time.Duration, errType, message string) error
}

// TokenEstimator counts tokens in text the upstream never billed.
type TokenEstimator interface {
	Count(text string) int
}

type CommitterOption func(*Committer)

func WithSettleDelay(d time.Duration) CommitterOption {
	return func(c *Committer) { c.settleDelay = d }
}

func WithCommitTimeout(d time.Duration) CommitterOption {
	return func(c *Committer) { c.timeout = d }
}

// WithEstimator fills output tokens from the collected text when an upstream
// reported none.
func WithEstimator(e TokenEstimator) CommitterOption {
	return func(c *Committer) { c.estimator = e }
}

// Committer finalises usage and candidate telemetry once per attempt, on a
// detached goroutine, after a short settle delay.
type Committer struct {
	usage       UsageRecorder
	candidates  CandidateService
	estimator   TokenEstimator
	logger      *zap.Logger
	settleDelay time.Duration
	timeout     time.Duration
	wg          sync.WaitGroup
}

func NewCommitter(logger *zap.Logger, usage UsageRecorder, candidates CandidateService, opts ...CommitterOption) *Committer {
	c := &Committer{
		usage:       usage,
		candidates:  candidates,
		logger:      logger,
		settleDelay: DefaultSettleDelay,
		timeout:     defaultCommitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// markStreaming moves the usage row to streaming in the background. The
// returned channel closes when the write is done.
func (c *Committer) markStreaming(requestID string, firstByte time.Duration) <-chan struct{} {
	done := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if err := c.usage.MarkStreaming(ctx, requestID, firstByte); err != nil {
			c.logger.Error("Failed to mark usage streaming", zap.String("request_id", requestID), zap.Error(err))
		}
	}()
	return done
}

// Schedule commits rec after the settle delay and after inflight, if any, has
// closed.
func (c *Committer) Schedule(rec AttemptRecord, inflight <-chan struct{}) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if c.settleDelay > 0 {
			timer := time.NewTimer(c.settleDelay)
			<-timer.C
		}
		if inflight != nil {
			<-inflight
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		c.commit(ctx, rec)
	}()
}

// CommitUnrouted finalises a request that never produced a stream, either
// because no candidate existed or because every candidate failed.
func (c *Committer) CommitUnrouted(requestID string, statusCode int, errType, message string) {
	c.Schedule(AttemptRecord{
		RequestID:    requestID,
		StatusCode:   statusCode,
		ErrorType:    errType,
		ErrorMessage: message,
	}, nil)
}

// Wait blocks until every scheduled commit has finished.
func (c *Committer) Wait() {
	c.wg.Wait()
}

func (c *Committer) commit(ctx context.Context, rec AttemptRecord) {
	log := c.logger.With(zap.String("request_id", rec.RequestID), zap.String("attempt_id", rec.AttemptID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Telemetry commit panicked", zap.Any("panic", r))
			c.force(ctx, log, rec)
		}
	}()

	if rec.ProviderID == "" {
		status := rec.StatusCode
		if status < http.StatusBadRequest {
			status = http.StatusServiceUnavailable
		}
		if err := c.usage.FailPending(ctx, rec.RequestID, status, rec.ErrorType, rec.ErrorMessage); err != nil {
			log.Error("Failed to fail pending usage", zap.Error(err))
			c.force(ctx, log, rec)
		}
		return
	}

	c.estimate(&rec)

	var err error
	if rec.Failed() {
		err = c.usage.RecordFailure(ctx, rec)
	} else {
		err = c.usage.RecordSuccess(ctx, rec)
	}
	if err != nil {
		log.Error("Failed to record usage", zap.Int("status_code", rec.StatusCode), zap.Error(err))
		c.force(ctx, log, rec)
	}

	if c.candidates == nil || rec.AttemptID == "" {
		return
	}
	if rec.Failed() {
		err = c.candidates.MarkCandidateFailed(ctx, rec.AttemptID, rec.StatusCode, rec.ResponseTime, rec.ErrorType, rec.ErrorMessage)
	} else {
		err = c.candidates.MarkCandidateSuccess(ctx, rec.AttemptID, rec.StatusCode, rec.ResponseTime)
	}
	if err != nil {
		log.Error("Failed to correct request candidate", zap.Error(err))
	}
}

func (c *Committer) estimate(rec *AttemptRecord) {
	if c.estimator == nil || rec.OutputTokens > 0 || rec.CollectedText == "" {
		return
	}
	rec.OutputTokens = c.estimator.Count(rec.CollectedText)
	if rec.ResponseMetadata == nil {
		rec.ResponseMetadata = make(map[string]string)
	}
	rec.ResponseMetadata["output_tokens_estimated"] = strconv.FormatBool(true)
}

func (c *Committer) force(ctx context.Context, log *zap.Logger, rec AttemptRecord) {
	status := StatusCompleted
	if rec.ProviderID == "" || rec.Failed() {
		status = StatusFailed
	}
	if err := c.usage.ForceStatus(ctx, rec.RequestID, status, rec.StatusCode); err != nil {
		log.Error("Failed to force usage status", zap.String("status", status), zap.Error(err))
	}
}
