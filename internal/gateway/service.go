package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nulzo/streamrelay/internal/config"
	"github.com/nulzo/streamrelay/internal/llm"
	"github.com/nulzo/streamrelay/internal/llm/format"
	"github.com/nulzo/streamrelay/internal/relay"
	"github.com/nulzo/streamrelay/internal/store/cache"
	"go.uber.org/zap"
)

var (
	ErrRouteNotFound = errors.New("no provider configured for this model")
	ErrNoCandidates  = errors.New("no available candidate for this model")
)

// AttemptFunc runs one attempt against target. It is normally
// relay.Engine.Attempt.
type AttemptFunc func(ctx context.Context, target relay.Target, attemptID string) (*relay.Stream, error)

// CandidateTracker records every candidate the fallback loop tries.
type CandidateTracker interface {
	CreateCandidate(ctx context.Context, requestID string, index int, providerID, endpointID, keyID string) (string, error)
	MarkCandidateSuccess(ctx context.Context, attemptID string, statusCode int, latency time.Duration) error
	MarkCandidateFailed(ctx context.Context, attemptID string, statusCode int, latency time.Duration, errType, message string) error
}

// Outcome describes the candidate that produced a stream.
type Outcome struct {
	Stream       *relay.Stream
	ProviderName string
	AttemptID    string
	ProviderID   string
	EndpointID   string
	KeyID        string
	Attempts     int
}

// Service defines the business logic for routing requests.
type Service interface {
	ProviderRegistrar

	SetRoutes(models []config.ModelRoute)
	Candidates(modelID string, clientFormat format.Key) ([]relay.Target, error)
	ExecuteWithFallback(ctx context.Context, req *relay.Request, fn AttemptFunc) (*Outcome, error)
	// Reload rebuilds providers and routes from cfg and swaps them in.
	Reload(ctx context.Context, cfg *config.Config) int
}

// Settings are the fallback tunables.
type Settings struct {
	MaxAttempts       int
	RateLimitCooldown time.Duration
	AuthCooldown      time.Duration
}

func SettingsFromConfig(cfg config.RelayConfig) Settings {
	return Settings{
		MaxAttempts:       cfg.MaxAttempts,
		RateLimitCooldown: cfg.RateLimitCooldown,
		AuthCooldown:      cfg.AuthCooldown,
	}
}

type service struct {
	logger     *zap.Logger
	cache      cache.CacheService
	candidates CandidateTracker

	mu       sync.RWMutex
	registry *registry
	settings Settings
}

func NewService(logger *zap.Logger, c cache.CacheService, candidates CandidateTracker, settings Settings) Service {
	return &service{
		logger:     logger,
		cache:      c,
		candidates: candidates,
		registry:   newRegistry(),
		settings:   settings,
	}
}

func (s *service) RegisterProvider(ctx context.Context, cfg config.ProviderConfig, p llm.Provider) error {
	return s.current().RegisterProvider(ctx, cfg, p)
}

func (s *service) SetRoutes(models []config.ModelRoute) {
	s.current().setRoutes(models)
}

func (s *service) Candidates(modelID string, clientFormat format.Key) ([]relay.Target, error) {
	return s.current().resolve(modelID, clientFormat)
}

func (s *service) Reload(ctx context.Context, cfg *config.Config) int {
	staging := newRegistry()
	count := BootstrapProviders(ctx, staging, cfg.Providers, s.logger)
	staging.setRoutes(cfg.Models)

	s.mu.Lock()
	s.registry = staging
	s.settings = SettingsFromConfig(cfg.Relay)
	s.mu.Unlock()

	s.logger.Info("Routing table reloaded",
		zap.Int("providers", count),
		zap.Int("models", len(cfg.Models)),
	)
	return count
}

func (s *service) current() *registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

func (s *service) currentSettings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// ExecuteWithFallback tries candidates in order until one yields a stream, a
// non-retryable error occurs, or the attempt budget runs out.
func (s *service) ExecuteWithFallback(ctx context.Context, req *relay.Request, fn AttemptFunc) (*Outcome, error) {
	targets, err := s.Candidates(req.Model, req.ClientFormat)
	if err != nil {
		return nil, err
	}

	settings := s.currentSettings()
	maxAttempts := settings.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = len(targets)
	}

	// candidate bookkeeping must survive a client that hangs up
	bg := context.WithoutCancel(ctx)

	var (
		lastErr  error
		attempts int
	)
	for i, target := range targets {
		if attempts >= maxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.coolingDown(ctx, target) {
			continue
		}
		attempts++

		attemptID, err := s.candidates.CreateCandidate(bg, req.ID, i, target.ProviderID, target.EndpointID, target.KeyID)
		if err != nil {
			s.logger.Warn("Failed to record candidate", zap.String("request_id", req.ID), zap.Error(err))
			attemptID = uuid.NewString()
		}

		start := time.Now()
		stream, err := fn(ctx, target, attemptID)
		latency := time.Since(start)

		if err == nil {
			// provisional; the committer overwrites it once the stream ends
			if merr := s.candidates.MarkCandidateSuccess(bg, attemptID, stream.StatusCode(), latency); merr != nil {
				s.logger.Warn("Failed to mark candidate success", zap.String("attempt_id", attemptID), zap.Error(merr))
			}
			return &Outcome{
				Stream:       stream,
				ProviderName: target.ProviderName,
				AttemptID:    attemptID,
				ProviderID:   target.ProviderID,
				EndpointID:   target.EndpointID,
				KeyID:        target.KeyID,
				Attempts:     attempts,
			}, nil
		}

		lastErr = err
		aerr, typed := relay.AsAttemptError(err)

		status, errType := 0, "attempt_error"
		if typed {
			status, errType = aerr.StatusCode, aerr.Kind.String()
		}
		if merr := s.candidates.MarkCandidateFailed(bg, attemptID, status, latency, errType, err.Error()); merr != nil {
			s.logger.Warn("Failed to mark candidate failure", zap.String("attempt_id", attemptID), zap.Error(merr))
		}

		s.logger.Warn("Candidate failed",
			zap.String("request_id", req.ID),
			zap.String("provider", target.ProviderID),
			zap.String("endpoint", target.EndpointID),
			zap.String("key", target.KeyID),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)

		if !typed {
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}

		s.cooldown(ctx, target, aerr, settings)
		if !aerr.Retryable() {
			return nil, err
		}
	}

	if attempts == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCandidates, req.Model)
	}
	return nil, lastErr
}

type cooldownEntry struct {
	Reason string    `json:"reason"`
	Until  time.Time `json:"until"`
}

func cooldownKey(t relay.Target) string {
	return fmt.Sprintf("cooldown:%s:%s:%s", t.ProviderID, t.EndpointID, t.KeyID)
}

func (s *service) coolingDown(ctx context.Context, t relay.Target) bool {
	if s.cache == nil {
		return false
	}

	var entry cooldownEntry
	err := s.cache.Get(ctx, cooldownKey(t), &entry)
	if errors.Is(err, cache.ErrCacheMiss) {
		return false
	}
	if err != nil {
		s.logger.Warn("Cooldown lookup failed", zap.String("key", cooldownKey(t)), zap.Error(err))
		return false
	}
	return time.Now().Before(entry.Until)
}

func (s *service) cooldown(ctx context.Context, t relay.Target, aerr *relay.AttemptError, settings Settings) {
	if s.cache == nil {
		return
	}

	var d time.Duration
	switch aerr.Kind {
	case relay.KindRateLimited:
		d = aerr.RetryAfter
		if d <= 0 {
			d = settings.RateLimitCooldown
		}
	case relay.KindAuth:
		d = settings.AuthCooldown
	default:
		return
	}
	if d <= 0 {
		return
	}

	entry := cooldownEntry{Reason: aerr.Kind.String(), Until: time.Now().Add(d)}
	if err := s.cache.Set(context.WithoutCancel(ctx), cooldownKey(t), entry, d); err != nil {
		s.logger.Warn("Failed to store cooldown", zap.String("key", cooldownKey(t)), zap.Error(err))
	}
}
