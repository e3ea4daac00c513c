package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nulzo/streamrelay/internal/httpclient"
	"github.com/nulzo/streamrelay/internal/llm/format"
	"github.com/tidwall/gjson"
)

// Kind is the closed set of attempt outcomes the orchestrator acts on.
type Kind int

const (
	KindEmbedded Kind = iota + 1
	KindAuth
	KindRateLimited
	KindUnavailable
	KindTimeout
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindEmbedded:
		return "embedded_error"
	case KindAuth:
		return "upstream_auth_error"
	case KindRateLimited:
		return "upstream_rate_limited"
	case KindUnavailable:
		return "upstream_unavailable"
	case KindTimeout:
		return "upstream_timeout"
	case KindRejected:
		return "upstream_rejected"
	default:
		return "unknown"
	}
}

var (
	ErrEmbedded            = errors.New("embedded upstream error")
	ErrUpstreamAuth        = errors.New("upstream authentication failed")
	ErrUpstreamRateLimited = errors.New("upstream rate limited")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamRejected    = errors.New("upstream rejected request")
)

func (k Kind) sentinel() error {
	switch k {
	case KindEmbedded:
		return ErrEmbedded
	case KindAuth:
		return ErrUpstreamAuth
	case KindRateLimited:
		return ErrUpstreamRateLimited
	case KindUnavailable:
		return ErrUpstreamUnavailable
	case KindTimeout:
		return ErrUpstreamTimeout
	case KindRejected:
		return ErrUpstreamRejected
	}
	return nil
}

// AttemptError is returned by Engine.Attempt when a candidate could not
// produce a stream. It matches its Kind's sentinel through errors.Is.
type AttemptError struct {
	Kind       Kind
	StatusCode int
	ErrorType  string
	Message    string
	// Header and RetryAfter are only set for KindRateLimited.
	Header     http.Header
	RetryAfter time.Duration
	Err        error
}

func (e *AttemptError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *AttemptError) Unwrap() error { return e.Err }

func (e *AttemptError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// Retryable reports whether another candidate may succeed where this one
// failed.
func (e *AttemptError) Retryable() bool {
	return e.Kind != KindRejected
}

// AsAttemptError unwraps err into an *AttemptError.
func AsAttemptError(err error) (*AttemptError, bool) {
	var aerr *AttemptError
	if errors.As(err, &aerr) {
		return aerr, true
	}
	return nil, false
}

func embeddedError(pe format.ParsedError) *AttemptError {
	return &AttemptError{
		Kind:       KindEmbedded,
		StatusCode: pe.StatusCode,
		ErrorType:  pe.Type,
		Message:    pe.Message,
	}
}

// classifyStatus turns a non-2xx upstream response into an AttemptError. The
// body is decoded with the upstream's parser when it is a known error shape.
func classifyStatus(status int, header http.Header, body []byte, parser format.Parser, url string) *AttemptError {
	aerr := &AttemptError{
		StatusCode: status,
		Err: &httpclient.UpstreamError{
			StatusCode: status,
			Body:       body,
			Header:     header,
			URL:        url,
		},
	}

	if obj := gjson.ParseBytes(body); gjson.ValidBytes(body) && obj.IsObject() && parser.IsErrorResponse(obj) {
		pe := parser.ParseResponse(obj, status)
		aerr.ErrorType = pe.Type
		aerr.Message = pe.Message
	} else {
		aerr.Message = strings.TrimSpace(truncate(string(body), 512))
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		aerr.Kind = KindAuth
	case status == http.StatusTooManyRequests:
		aerr.Kind = KindRateLimited
		aerr.Header = header.Clone()
		aerr.RetryAfter = parseRetryAfter(header, time.Now())
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		aerr.Kind = KindTimeout
	case status >= 500:
		aerr.Kind = KindUnavailable
	default:
		aerr.Kind = KindRejected
	}
	return aerr
}

// classifyTransport maps a client.Do failure. Cancellation by the caller is
// not an upstream fault and is returned unchanged.
func classifyTransport(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return fmt.Errorf("upstream request canceled: %w", ctx.Err())
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &AttemptError{Kind: KindTimeout, Err: err}
	}
	return &AttemptError{Kind: KindUnavailable, Err: err}
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date. Anthropic's
// and OpenAI's reset headers are not parsed; the orchestrator falls back to
// its configured cooldown.
func parseRetryAfter(header http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
