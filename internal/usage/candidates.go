package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/streamrelay/internal/store"
	"github.com/nulzo/streamrelay/internal/store/model"
)

// CandidateService tracks the attempts made for a request.
type CandidateService struct {
	repo store.Repository
	now  func() time.Time
}

func NewCandidateService(repo store.Repository) *CandidateService {
	return &CandidateService{repo: repo, now: time.Now}
}

// CreateCandidate records a pending attempt and returns its id.
func (s *CandidateService) CreateCandidate(ctx context.Context, requestID string, index int, providerID, endpointID, keyID string) (string, error) {
	c := &model.RequestCandidate{
		AttemptID:      uuid.NewString(),
		RequestID:      requestID,
		CandidateIndex: index,
		ProviderID:     providerID,
		EndpointID:     endpointID,
		KeyID:          keyID,
		Status:         model.CandidatePending,
		CreatedAt:      s.now(),
	}
	err := s.repo.WithTx(ctx, func(tx store.Repository) error {
		return tx.Candidates().Create(ctx, c)
	})
	if err != nil {
		return "", err
	}
	return c.AttemptID, nil
}

func (s *CandidateService) MarkCandidateSuccess(ctx context.Context, attemptID string, statusCode int, latency time.Duration) error {
	return s.finish(ctx, &model.RequestCandidate{
		AttemptID:  attemptID,
		Status:     model.CandidateSuccess,
		StatusCode: statusCode,
		LatencyMS:  latency.Milliseconds(),
	})
}

func (s *CandidateService) MarkCandidateFailed(ctx context.Context, attemptID string, statusCode int, latency time.Duration, errType, message string) error {
	return s.finish(ctx, &model.RequestCandidate{
		AttemptID:    attemptID,
		Status:       model.CandidateFailed,
		StatusCode:   statusCode,
		LatencyMS:    latency.Milliseconds(),
		ErrorType:    errType,
		ErrorMessage: message,
	})
}

func (s *CandidateService) finish(ctx context.Context, c *model.RequestCandidate) error {
	now := s.now()
	c.FinishedAt = &now
	return s.repo.WithTx(ctx, func(tx store.Repository) error {
		return tx.Candidates().Finish(ctx, c)
	})
}

func (s *CandidateService) ListForRequest(ctx context.Context, requestID string) ([]model.RequestCandidate, error) {
	return s.repo.Candidates().ListByRequest(ctx, requestID)
}
