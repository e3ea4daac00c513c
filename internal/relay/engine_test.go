package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulzo/streamrelay/internal/llm"
	"github.com/nulzo/streamrelay/internal/llm/format"
	platformotel "github.com/nulzo/streamrelay/internal/platform/otel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// passthroughProvider posts the client body to BaseURL unchanged.
type passthroughProvider struct{}

func (passthroughProvider) Name() string { return "test" }
func (passthroughProvider) Type() string { return "test" }

func (passthroughProvider) BuildRequest(ctx context.Context, call llm.Call) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.BaseURL, bytes.NewReader(call.Body))
	if err != nil {
		return nil, err
	}
	llm.SetCommonHeaders(req, call.Stream)
	return req, nil
}

type fakeUsage struct {
	mu            sync.Mutex
	streaming     []string
	successes     []AttemptRecord
	failures      []AttemptRecord
	failedPending []int
	forced        []string
	recordErr     error
}

func (f *fakeUsage) MarkStreaming(_ context.Context, requestID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming = append(f.streaming, requestID)
	return nil
}

func (f *fakeUsage) RecordSuccess(_ context.Context, rec AttemptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.successes = append(f.successes, rec)
	return nil
}

func (f *fakeUsage) RecordFailure(_ context.Context, rec AttemptRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.failures = append(f.failures, rec)
	return nil
}

func (f *fakeUsage) FailPending(_ context.Context, _ string, statusCode int, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedPending = append(f.failedPending, statusCode)
	return nil
}

func (f *fakeUsage) ForceStatus(_ context.Context, _ string, status string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, status)
	return nil
}

func (f *fakeUsage) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.successes) + len(f.failures)
}

// countingBody counts how often the upstream body is closed.
type countingBody struct {
	io.ReadCloser
	closes *int32
}

func (b *countingBody) Close() error {
	atomic.AddInt32(b.closes, 1)
	return b.ReadCloser.Close()
}

// countingClient hands out bodies that record their own Close calls.
type countingClient struct {
	inner  *http.Client
	closes int32
}

func (c *countingClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.inner.Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &countingBody{ReadCloser: resp.Body, closes: &c.closes}
	return resp, nil
}

func (c *countingClient) closed() int {
	return int(atomic.LoadInt32(&c.closes))
}

type testEnv struct {
	engine    *Engine
	committer *Committer
	usage     *fakeUsage
	server    *httptest.Server
	client    *countingClient
}

func newTestEnv(t *testing.T, handler http.HandlerFunc) *testEnv {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	usage := &fakeUsage{}
	committer := NewCommitter(zap.NewNop(), usage, nil, WithSettleDelay(time.Millisecond))
	client := &countingClient{inner: server.Client()}
	engine := NewEngine(zap.NewNop(), client, format.NewDefaultRegistry(), committer, Config{
		PrefetchLines:  DefaultPrefetchLines,
		AuditBodyLimit: 1024,
	})
	return &testEnv{engine: engine, committer: committer, usage: usage, server: server, client: client}
}

func (e *testEnv) target(k format.Key) Target {
	return Target{
		ProviderID:    "p1",
		ProviderName:  "primary",
		EndpointID:    "e1",
		APIFormat:     k,
		BaseURL:       e.server.URL,
		KeyID:         "k1",
		APIKey:        "secret",
		UpstreamModel: "upstream-model",
		Provider:      passthroughProvider{},
	}
}

func streamRequest(k format.Key) *Request {
	return &Request{ID: "req-1", Model: "model", ClientFormat: k, Body: []byte(`{}`), Stream: true}
}

// writeChunks sends each chunk as its own flushed write.
func writeChunks(w http.ResponseWriter, contentType string, chunks ...string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	for _, c := range chunks {
		_, _ = io.WriteString(w, c)
		w.(http.Flusher).Flush()
	}
}

const claudeScenario = "event: message_start\n" +
	`data: {"type":"message_start","message":{"id":"msg_1","model":"claude-sonnet","usage":{"input_tokens":12,"output_tokens":1}}}` + "\n\n" +
	"event: content_block_delta\n" +
	`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}` + "\n\n" +
	"event: message_delta\n" +
	`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}` + "\n\n" +
	"event: message_stop\n" +
	`data: {"type":"message_stop"}` + "\n\n"

func TestAttempt_ClaudeCLISuccess(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "text/event-stream", claudeScenario)
	})

	stream, err := env.engine.Attempt(context.Background(), env.target(format.ClaudeCLI), streamRequest(format.ClaudeCLI), "att-1")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, stream.Relay(context.Background(), rec))

	assert.Equal(t, claudeScenario, rec.Body.String())

	a := stream.Attempt()
	assert.Equal(t, 12, a.InputTokens)
	assert.Equal(t, 3, a.OutputTokens)
	assert.Equal(t, "hi", a.CollectedText())
	assert.True(t, a.HasCompletion)
	assert.Equal(t, http.StatusOK, a.StatusCode)
	assert.Equal(t, 4, a.DataCount)
	assert.Equal(t, "end_turn", a.ResponseMetadata["stop_reason"])
	assert.Equal(t, "msg_1", a.ResponseMetadata["message_id"])

	env.committer.Wait()
	require.Len(t, env.usage.successes, 1)
	assert.Equal(t, "att-1", env.usage.successes[0].AttemptID)
	assert.Equal(t, claudeScenario, string(env.usage.successes[0].AuditBody))
	assert.Equal(t, []string{"req-1"}, env.usage.streaming)
	assert.Equal(t, 1, env.client.closed())
}

func TestAttempt_GeminiEmbeddedErrorAcrossSplits(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "application/json", `[{"err`, `or":{"code":429,"mess`, `age":"quota"}}]`)
	})

	stream, err := env.engine.Attempt(context.Background(), env.target(format.GeminiChat), streamRequest(format.GeminiChat), "")
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.True(t, errors.Is(err, ErrEmbedded))

	aerr, ok := AsAttemptError(err)
	require.True(t, ok)
	assert.Equal(t, "quota", aerr.Message)
	assert.Equal(t, http.StatusTooManyRequests, aerr.StatusCode)
	assert.True(t, aerr.Retryable())

	env.committer.Wait()
	assert.Zero(t, env.usage.commits())
}

func TestAttempt_EmbeddedErrorShortCircuits(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "text/event-stream",
			"data: {\"error\":{\"message\":\"bad key\",\"type\":\"invalid_request_error\"}}\n\n",
			"data: {\"choices\":[{\"delta\":{\"content\":\"never\"}}]}\n\n",
		)
	})

	_, err := env.engine.Attempt(context.Background(), env.target(format.OpenAIChat), streamRequest(format.OpenAIChat), "")
	require.ErrorIs(t, err, ErrEmbedded)

	aerr, _ := AsAttemptError(err)
	assert.Equal(t, "bad key", aerr.Message)
}

func TestAttempt_GeminiArrayStream(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "application/json",
			`[{"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`,
			`,{"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],`,
			`"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2,"thoughtsTokenCount":5,"totalTokenCount":11}}]`,
		)
	})

	stream, err := env.engine.Attempt(context.Background(), env.target(format.GeminiChat), streamRequest(format.GeminiChat), "")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, stream.Relay(context.Background(), &out))

	a := stream.Attempt()
	assert.Equal(t, "Hello", a.CollectedText())
	assert.Equal(t, 4, a.InputTokens)
	assert.Equal(t, 7, a.OutputTokens)
	assert.True(t, a.HasCompletion)
	assert.Equal(t, 2, a.DataCount)
	assert.True(t, strings.HasPrefix(out.String(), `[{"candidates"`))
}

func TestAttempt_UsageBlocksReplaceNotSum(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "text/event-stream",
			"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}],\"usage\":{\"prompt_tokens\":5}}\n\n",
			"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2}}\n\n",
			"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":9}}\n\n",
			"data: [DONE]\n\n",
		)
	})

	stream, err := env.engine.Attempt(context.Background(), env.target(format.OpenAIChat), streamRequest(format.OpenAIChat), "")
	require.NoError(t, err)
	require.NoError(t, stream.Relay(context.Background(), io.Discard))

	a := stream.Attempt()
	assert.Equal(t, 5, a.InputTokens)
	assert.Equal(t, 9, a.OutputTokens)
	assert.Equal(t, "ab", a.CollectedText())
	assert.True(t, a.HasCompletion)
}

// failingWriter accepts n writes and then reports a broken connection.
type failingWriter struct {
	n      int
	writes int
	buf    bytes.Buffer
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.writes >= w.n {
		return 0, errors.New("write: broken pipe")
	}
	w.writes++
	return w.buf.Write(p)
}

func TestRelay_ClientDisconnectCommitsOnceWith499(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "text/event-stream", claudeScenario)
	})

	stream, err := env.engine.Attempt(context.Background(), env.target(format.ClaudeChat), streamRequest(format.ClaudeChat), "att-9")
	require.NoError(t, err)

	// message_start is three lines; the fourth write fails
	w := &failingWriter{n: 3}
	err = stream.Relay(context.Background(), w)
	require.Error(t, err)
	_ = stream.Close()

	env.committer.Wait()
	require.Len(t, env.usage.failures, 1)
	assert.Empty(t, env.usage.successes)

	rec := env.usage.failures[0]
	assert.Equal(t, StatusClientClosed, rec.StatusCode)
	assert.Equal(t, 12, rec.InputTokens)
	assert.Equal(t, 1, rec.OutputTokens)
	assert.Equal(t, "client_disconnected", rec.ErrorType)
	assert.True(t, strings.HasPrefix(string(rec.AuditBody), "event: message_start\n"))
	assert.Equal(t, 1, env.client.closed())
}

func TestRelay_ContextCanceledIs499(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "text/event-stream", "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := env.engine.Attempt(ctx, env.target(format.OpenAIChat), streamRequest(format.OpenAIChat), "")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err = stream.Relay(ctx, io.Discard)
	require.Error(t, err)

	env.committer.Wait()
	require.Len(t, env.usage.failures, 1)
	assert.Equal(t, StatusClientClosed, env.usage.failures[0].StatusCode)
	assert.Equal(t, "x", env.usage.failures[0].CollectedText)
	assert.Equal(t, 1, env.client.closed())
}

type panicWriter struct{}

func (panicWriter) Write([]byte) (int, error) { panic("boom") }

func TestRelay_PanicIs500(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "text/event-stream", "data: {\"choices\":[]}\n\n")
	})

	stream, err := env.engine.Attempt(context.Background(), env.target(format.OpenAIChat), streamRequest(format.OpenAIChat), "")
	require.NoError(t, err)

	err = stream.Relay(context.Background(), panicWriter{})
	require.Error(t, err)

	env.committer.Wait()
	require.Len(t, env.usage.failures, 1)
	assert.Equal(t, http.StatusInternalServerError, env.usage.failures[0].StatusCode)
	assert.Equal(t, 1, env.client.closed())
}

func TestRelay_MidStreamErrorIsRecorded(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "text/event-stream",
			"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"par\"}}\n\n",
			"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n",
		)
	})

	stream, err := env.engine.Attempt(context.Background(), env.target(format.ClaudeChat), streamRequest(format.ClaudeChat), "")
	require.NoError(t, err)
	require.NoError(t, stream.Relay(context.Background(), io.Discard))

	a := stream.Attempt()
	assert.Equal(t, "overloaded_error", a.ErrorType)
	assert.Equal(t, "Overloaded", a.ErrorMessage)
	assert.Equal(t, 529, a.StatusCode)
	assert.Equal(t, "par", a.CollectedText())

	env.committer.Wait()
	assert.Len(t, env.usage.failures, 1)
}

func TestAttempt_Buffered(t *testing.T) {
	const body = `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":9,"completion_tokens":2}}`
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	})

	req := streamRequest(format.OpenAIChat)
	req.Stream = false

	stream, err := env.engine.Attempt(context.Background(), env.target(format.OpenAIChat), req, "")
	require.NoError(t, err)
	assert.False(t, stream.IsStream())

	var out bytes.Buffer
	require.NoError(t, stream.Relay(context.Background(), &out))
	assert.Equal(t, body, out.String())

	a := stream.Attempt()
	assert.Equal(t, 9, a.InputTokens)
	assert.Equal(t, 2, a.OutputTokens)
	assert.Equal(t, "Hello", a.CollectedText())
	assert.True(t, a.HasCompletion)
}

func TestAttempt_BufferedEmbeddedError(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":{"code":503,"message":"model overloaded","status":"UNAVAILABLE"}}`)
	})

	req := streamRequest(format.GeminiChat)
	req.Stream = false

	_, err := env.engine.Attempt(context.Background(), env.target(format.GeminiChat), req, "")
	require.ErrorIs(t, err, ErrEmbedded)
	aerr, _ := AsAttemptError(err)
	assert.Equal(t, "UNAVAILABLE", aerr.ErrorType)
	assert.Equal(t, http.StatusServiceUnavailable, aerr.StatusCode)
}

func TestAttempt_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		body      string
		want      error
		retryable bool
	}{
		{"Unauthorized", http.StatusUnauthorized, nil, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`, ErrUpstreamAuth, true},
		{"Forbidden", http.StatusForbidden, nil, `forbidden`, ErrUpstreamAuth, true},
		{"Rate limited", http.StatusTooManyRequests, map[string]string{"Retry-After": "7"}, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, ErrUpstreamRateLimited, true},
		{"Server error", http.StatusInternalServerError, nil, `oops`, ErrUpstreamUnavailable, true},
		{"Overloaded", 529, nil, `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`, ErrUpstreamUnavailable, true},
		{"Gateway timeout", http.StatusGatewayTimeout, nil, ``, ErrUpstreamTimeout, true},
		{"Bad request", http.StatusBadRequest, nil, `{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens required"}}`, ErrUpstreamRejected, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := env.engine.Attempt(context.Background(), env.target(format.ClaudeChat), streamRequest(format.ClaudeChat), "")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			aerr, ok := AsAttemptError(err)
			require.True(t, ok)
			assert.Equal(t, tt.status, aerr.StatusCode)
			assert.Equal(t, tt.retryable, aerr.Retryable())

			if tt.status == http.StatusTooManyRequests {
				assert.Equal(t, 7*time.Second, aerr.RetryAfter)
				assert.Equal(t, "7", aerr.Header.Get("Retry-After"))
				assert.Equal(t, "slow down", aerr.Message)
			}
		})
	}
}

func TestAttempt_TransportErrors(t *testing.T) {
	t.Run("Connection refused", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
		target := env.target(format.OpenAIChat)
		env.server.Close()

		_, err := env.engine.Attempt(context.Background(), target, streamRequest(format.OpenAIChat), "")
		assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	})

	t.Run("Header timeout", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		})
		env.engine.client = &http.Client{Timeout: 50 * time.Millisecond}

		_, err := env.engine.Attempt(context.Background(), env.target(format.OpenAIChat), streamRequest(format.OpenAIChat), "")
		assert.ErrorIs(t, err, ErrUpstreamTimeout)
	})

	t.Run("Caller canceled", func(t *testing.T) {
		env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := env.engine.Attempt(ctx, env.target(format.OpenAIChat), streamRequest(format.OpenAIChat), "")
		require.Error(t, err)
		_, isAttempt := AsAttemptError(err)
		assert.False(t, isAttempt)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAttempt_UnknownFormat(t *testing.T) {
	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := env.engine.Attempt(context.Background(), env.target("cohere:chat"), streamRequest("cohere:chat"), "")
	assert.Error(t, err)
}

func TestAttempt_SpanUsesRelayTracer(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	env := newTestEnv(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, "text/event-stream", claudeScenario)
	})

	stream, err := env.engine.Attempt(context.Background(), env.target(format.ClaudeCLI), streamRequest(format.ClaudeCLI), "att-1")
	require.NoError(t, err)
	require.NoError(t, stream.Relay(context.Background(), io.Discard))
	env.committer.Wait()

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	assert.Equal(t, "relay.attempt", spans[0].Name())
	assert.Equal(t, platformotel.TracerName, spans[0].InstrumentationScope().Name)
}
