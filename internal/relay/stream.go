package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nulzo/streamrelay/internal/llm/format"
	"github.com/nulzo/streamrelay/internal/llm/processing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// StatusClientClosed marks an attempt the client abandoned mid-relay.
	StatusClientClosed = 499
)

// Stream is a single-pass relay of one upstream response. Prefetched units are
// replayed first, then the live tail. Every unit goes through the same
// accounting regardless of origin. A Stream is not safe for concurrent use.
type Stream struct {
	attempt *StreamAttempt
	parser  format.Parser
	mode    wireMode
	src     *unitSource
	body    io.Closer
	pending [][]byte

	lines *processing.LineParser
	array *processing.ArrayParser

	committer *Committer
	span      trace.Span
	logger    *zap.Logger

	firstByte sync.Once
	streaming <-chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newStream(attempt *StreamAttempt, parser format.Parser, mode wireMode, src *unitSource, body io.Closer, pending [][]byte) *Stream {
	return &Stream{
		attempt: attempt,
		parser:  parser,
		mode:    mode,
		src:     src,
		body:    body,
		pending: pending,
		lines:   processing.NewLineParser(),
		array:   processing.NewArrayParser(),
		logger:  zap.NewNop(),
	}
}

func (s *Stream) Attempt() *StreamAttempt { return s.attempt }

// StatusCode is the upstream status of the response being relayed.
func (s *Stream) StatusCode() int { return s.attempt.StatusCode }

func (s *Stream) Header() http.Header { return s.attempt.ResponseHeaders }

// IsStream reports whether the response is streamed rather than buffered.
func (s *Stream) IsStream() bool { return s.mode != modeBuffered }

// Next returns the next raw unit, including blank SSE separators. It returns
// io.EOF once the upstream is exhausted.
func (s *Stream) Next() ([]byte, error) {
	var unit []byte
	if len(s.pending) > 0 {
		unit = s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
	} else {
		var err error
		if unit, err = s.src.next(); err != nil {
			if errors.Is(err, io.EOF) {
				s.drain()
			}
			return nil, err
		}
	}

	s.process(unit)
	return unit, nil
}

func (s *Stream) process(unit []byte) {
	s.attempt.recordRaw(unit)

	blank := len(bytes.TrimSpace(unit)) == 0
	if !blank {
		s.attempt.ChunkCount++
	}

	switch s.mode {
	case modeBuffered:
		if !blank {
			s.handle(format.NewEvent("", string(unit)))
		}
	case modeArray:
		for _, obj := range s.array.ParseChunk(unit) {
			s.handle(format.NewEvent("", string(obj)))
		}
	default:
		for _, ev := range s.lines.FeedLine(strings.TrimRight(string(unit), "\r\n")) {
			s.handle(format.NewEvent(ev.Name, ev.Data))
		}
	}
}

// drain handles an event left open by an upstream that ended without a
// trailing blank line.
func (s *Stream) drain() {
	if s.mode != modeSSE {
		return
	}
	for _, ev := range s.lines.Flush() {
		s.handle(format.NewEvent(ev.Name, ev.Data))
	}
}

func (s *Stream) handle(ev format.Event) {
	a := s.attempt
	if !ev.Valid {
		if s.parser.IsCompletion(ev) {
			a.HasCompletion = true
		}
		return
	}
	a.DataCount++

	obj := ev.Object
	if s.parser.IsErrorResponse(obj) {
		// bytes already reached the client; record and keep relaying
		pe := s.parser.ParseResponse(obj, a.StatusCode)
		a.ErrorType = pe.Type
		a.ErrorMessage = pe.Message
		if pe.StatusCode >= http.StatusBadRequest {
			a.StatusCode = pe.StatusCode
		}
		return
	}

	if usage, ok := s.parser.ExtractUsage(obj); ok {
		a.ApplyUsage(usage)
	}
	if text, ok := s.parser.ExtractText(obj); ok {
		a.AppendText(text)
	}
	if s.parser.IsCompletion(ev) {
		a.HasCompletion = true
	}
	for k, v := range s.parser.ExtractMetadata(obj) {
		a.ResponseMetadata[k] = v
	}
}

// Relay copies the stream to w until the upstream ends, ctx is done or a
// write fails. Cancellation and write failures set status 499; any other
// failure, including a panic, sets 500. The upstream is always closed and the
// attempt committed.
func (s *Stream) Relay(ctx context.Context, w io.Writer) (err error) {
	defer s.Close()
	defer func() {
		if r := recover(); r != nil {
			s.fail(http.StatusInternalServerError, "relay_error", fmt.Sprintf("panic: %v", r))
			s.logger.Error("Relay panicked", zap.Any("panic", r), zap.String("request_id", s.attempt.RequestID))
			err = fmt.Errorf("relay panic: %v", r)
		}
	}()

	flusher, _ := w.(http.Flusher)

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.disconnected(ctxErr)
			return ctxErr
		}

		unit, rerr := s.Next()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(rerr, context.Canceled) {
				s.disconnected(rerr)
				return rerr
			}
			s.fail(http.StatusInternalServerError, "upstream_read_error", rerr.Error())
			return fmt.Errorf("read upstream: %w", rerr)
		}
		if len(unit) == 0 {
			continue
		}

		if _, werr := w.Write(unit); werr != nil {
			s.disconnected(werr)
			return werr
		}
		if flusher != nil {
			flusher.Flush()
		}
		s.firstByte.Do(s.markFirstByte)
	}
}

func (s *Stream) markFirstByte() {
	s.attempt.FirstByteAt = time.Now()
	if s.committer != nil {
		s.streaming = s.committer.markStreaming(s.attempt.RequestID, s.attempt.FirstByteAt.Sub(s.attempt.StartedAt))
	}
}

func (s *Stream) disconnected(cause error) {
	s.attempt.StatusCode = StatusClientClosed
	if s.attempt.ErrorType == "" {
		s.attempt.ErrorType = "client_disconnected"
		s.attempt.ErrorMessage = cause.Error()
	}
	s.logger.Info("Client disconnected during relay",
		zap.String("request_id", s.attempt.RequestID),
		zap.Int("chunks", s.attempt.ChunkCount),
		zap.Error(cause),
	)
}

func (s *Stream) fail(status int, errType, message string) {
	s.attempt.StatusCode = status
	s.attempt.ErrorType = errType
	s.attempt.ErrorMessage = message
}

// Close releases the upstream connection and schedules the telemetry commit.
// It is idempotent; only the first call has an effect.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
		s.pending = nil
		s.attempt.FinishedAt = time.Now()

		if s.span != nil {
			s.span.SetAttributes(
				attribute.Int("http.response.status_code", s.attempt.StatusCode),
				attribute.Int("relay.chunks", s.attempt.ChunkCount),
				attribute.Int("relay.data_events", s.attempt.DataCount),
				attribute.Bool("relay.completed", s.attempt.HasCompletion),
			)
			if s.attempt.Failed() {
				s.span.SetStatus(codes.Error, s.attempt.ErrorType)
			}
			s.span.End()
		}

		if s.committer != nil {
			s.committer.Schedule(s.attempt.Snapshot(), s.streaming)
		}
	})
	return s.closeErr
}
