package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nulzo/streamrelay/internal/httpclient"
	"github.com/nulzo/streamrelay/internal/llm/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptError_Matching(t *testing.T) {
	err := fmt.Errorf("candidate p1: %w", &AttemptError{Kind: KindRateLimited, StatusCode: 429, Message: "slow"})

	assert.ErrorIs(t, err, ErrUpstreamRateLimited)
	assert.NotErrorIs(t, err, ErrUpstreamAuth)

	aerr, ok := AsAttemptError(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimited, aerr.Kind)
	assert.Contains(t, aerr.Error(), "upstream_rate_limited (status 429): slow")

	_, ok = AsAttemptError(errors.New("plain"))
	assert.False(t, ok)
}

func TestAttemptError_Retryable(t *testing.T) {
	for _, k := range []Kind{KindEmbedded, KindAuth, KindRateLimited, KindUnavailable, KindTimeout} {
		assert.True(t, (&AttemptError{Kind: k}).Retryable(), k.String())
	}
	assert.False(t, (&AttemptError{Kind: KindRejected}).Retryable())
}

func TestClassifyStatus_WrapsUpstreamError(t *testing.T) {
	aerr := classifyStatus(http.StatusBadGateway, http.Header{}, []byte("<html>bad gateway</html>"), format.OpenAIParser{}, "http://up/v1")

	assert.Equal(t, KindUnavailable, aerr.Kind)
	assert.Equal(t, "<html>bad gateway</html>", aerr.Message)

	var upstream *httpclient.UpstreamError
	require.True(t, errors.As(aerr, &upstream))
	assert.Equal(t, "http://up/v1", upstream.URL)
}

func TestClassifyStatus_TruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", 511) + "é" + strings.Repeat("b", 100)
	aerr := classifyStatus(http.StatusBadGateway, http.Header{}, []byte(body), format.OpenAIParser{}, "http://up/v1")

	assert.True(t, utf8.ValidString(aerr.Message))
	assert.Equal(t, strings.Repeat("a", 511), aerr.Message)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"Short", "abc", 5, "abc"},
		{"ASCII cut", "abcdef", 3, "abc"},
		{"Cut inside two-byte rune", "aé", 2, "a"},
		{"Cut inside four-byte rune", "ab😀", 4, "ab"},
		{"Cut on rune boundary", "aéb", 3, "aé"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.in, tt.n))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"Missing", "", 0},
		{"Seconds", "30", 30 * time.Second},
		{"Negative", "-5", 0},
		{"HTTP date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"Past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"Garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			assert.Equal(t, tt.want, parseRetryAfter(h, now))
		})
	}
}
