// Package relay runs single upstream attempts: it opens the connection, checks
// the head of the response for embedded errors, relays the body to the client
// while accounting usage, and commits telemetry once the attempt ends.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nulzo/streamrelay/internal/httpclient"
	"github.com/nulzo/streamrelay/internal/llm"
	"github.com/nulzo/streamrelay/internal/llm/format"
	platformotel "github.com/nulzo/streamrelay/internal/platform/otel"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultErrorBodySize = 64 * 1024

type Config struct {
	PrefetchLines  int
	AuditBodyLimit int
}

// Engine performs attempts. It never retries; the orchestrator decides what a
// failed attempt means.
type Engine struct {
	client    httpclient.HTTPClient
	formats   *format.Registry
	committer *Committer
	logger    *zap.Logger
	tracer    trace.Tracer
	cfg       atomic.Pointer[Config]
}

func NewEngine(logger *zap.Logger, client httpclient.HTTPClient, formats *format.Registry, committer *Committer, cfg Config) *Engine {
	e := &Engine{
		client:    client,
		formats:   formats,
		committer: committer,
		logger:    logger,
		tracer:    platformotel.Tracer(),
	}
	e.SetConfig(cfg)
	return e
}

// SetConfig swaps the tunables. Attempts already running keep the values they
// started with.
func (e *Engine) SetConfig(cfg Config) {
	if cfg.PrefetchLines <= 0 {
		cfg.PrefetchLines = DefaultPrefetchLines
	}
	e.cfg.Store(&cfg)
}

// Attempt sends req to target and returns a Stream ready to relay, or an
// *AttemptError. attemptID identifies the candidate row; a new id is minted
// when it is empty.
func (e *Engine) Attempt(ctx context.Context, target Target, req *Request, attemptID string) (*Stream, error) {
	parser, err := e.formats.Lookup(target.APIFormat)
	if err != nil {
		return nil, err
	}
	if target.Provider == nil {
		return nil, fmt.Errorf("no adapter bound to provider %s", target.ProviderID)
	}
	if attemptID == "" {
		attemptID = uuid.NewString()
	}

	ctx, span := e.tracer.Start(ctx, "relay.attempt", trace.WithAttributes(
		attribute.String("relay.request_id", req.ID),
		attribute.String("relay.attempt_id", attemptID),
		attribute.String("relay.provider", target.ProviderID),
		attribute.String("relay.endpoint", target.EndpointID),
		attribute.String("relay.format", string(target.APIFormat)),
		attribute.Bool("relay.stream", req.Stream),
	))

	cfg := e.cfg.Load()
	attempt := newStreamAttempt(req, target, attemptID, cfg.AuditBodyLimit)

	upstreamReq, err := target.Provider.BuildRequest(ctx, llm.Call{
		BaseURL: target.BaseURL,
		APIKey:  target.APIKey,
		Model:   target.UpstreamModel,
		Format:  target.APIFormat,
		Body:    req.Body,
		Stream:  req.Stream,
		Header:  req.Header,
		Query:   req.Query,
	})
	if err != nil {
		return nil, endSpan(span, fmt.Errorf("build upstream request: %w", err))
	}

	resp, err := e.client.Do(upstreamReq)
	if err != nil {
		return nil, endSpan(span, classifyTransport(ctx, err))
	}

	attempt.StatusCode = resp.StatusCode
	attempt.ResponseHeaders = resp.Header.Clone()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	body, err := httpclient.DecodeBody(resp)
	if err != nil {
		_ = resp.Body.Close()
		return nil, endSpan(span, &AttemptError{Kind: KindUnavailable, StatusCode: resp.StatusCode, Err: err})
	}

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := httpclient.ReadLimited(body, defaultErrorBodySize)
		_ = body.Close()
		return nil, endSpan(span, classifyStatus(resp.StatusCode, resp.Header, raw, parser, upstreamReq.URL.String()))
	}

	var stream *Stream
	if req.Stream {
		stream, err = e.streamed(ctx, attempt, parser, resp, body, cfg.PrefetchLines)
	} else {
		stream, err = e.buffered(ctx, attempt, parser, body)
	}
	if err != nil {
		return nil, endSpan(span, err)
	}

	stream.span = span
	stream.committer = e.committer
	stream.logger = e.logger
	return stream, nil
}

func (e *Engine) streamed(ctx context.Context, attempt *StreamAttempt, parser format.Parser, resp *http.Response, body io.ReadCloser, budget int) (*Stream, error) {
	mode := detectMode(attempt.ProviderFormat, resp.Header.Get("Content-Type"))
	src := newUnitSource(body, mode)

	lines, aerr := prefetch(src, mode, parser, budget, resp.StatusCode)
	if aerr != nil {
		_ = body.Close()
		e.logger.Warn("Embedded error in upstream stream",
			zap.String("request_id", attempt.RequestID),
			zap.String("provider", attempt.ProviderID),
			zap.String("error_type", aerr.ErrorType),
			zap.String("message", aerr.Message),
		)
		return nil, aerr
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("relay.wire_mode", mode.String()),
		attribute.Int("relay.prefetched", len(lines)),
	)
	return newStream(attempt, parser, mode, src, body, lines), nil
}

// buffered reads the whole response and checks the complete document for an
// error. The result is a one-unit Stream so commits follow the same path.
func (e *Engine) buffered(ctx context.Context, attempt *StreamAttempt, parser format.Parser, body io.ReadCloser) (*Stream, error) {
	raw, err := io.ReadAll(body)
	_ = body.Close()
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	if gjson.ValidBytes(raw) {
		if obj := gjson.ParseBytes(raw); obj.IsObject() && parser.IsErrorResponse(obj) {
			return nil, embeddedError(parser.ParseResponse(obj, attempt.StatusCode))
		}
	}

	src := newUnitSource(bytes.NewReader(nil), modeBuffered)
	return newStream(attempt, parser, modeBuffered, src, io.NopCloser(nil), [][]byte{raw}), nil
}

func endSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if aerr, ok := AsAttemptError(err); ok {
		span.SetAttributes(attribute.String("relay.error_kind", aerr.Kind.String()))
	}
	span.End()
	return err
}
