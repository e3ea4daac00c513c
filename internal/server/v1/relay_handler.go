package v1

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nulzo/streamrelay/internal/gateway"
	"github.com/nulzo/streamrelay/internal/llm/format"
	"github.com/nulzo/streamrelay/internal/relay"
	"github.com/nulzo/streamrelay/internal/server/middleware"
	"github.com/nulzo/streamrelay/internal/server/validator"
	"github.com/nulzo/streamrelay/pkg/api"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const defaultMaxBodyBytes = 32 << 20

// Router picks candidates and runs attempts until one yields a stream.
type Router interface {
	ExecuteWithFallback(ctx context.Context, req *relay.Request, fn gateway.AttemptFunc) (*gateway.Outcome, error)
}

// Attempter runs one upstream attempt.
type Attempter interface {
	Attempt(ctx context.Context, target relay.Target, req *relay.Request, attemptID string) (*relay.Stream, error)
}

// PendingRecorder opens the usage row of a request.
type PendingRecorder interface {
	CreatePending(ctx context.Context, requestID, modelID string, clientFormat format.Key, stream bool) error
}

// UnroutedCommitter closes the usage row of a request that never produced a
// stream.
type UnroutedCommitter interface {
	CommitUnrouted(requestID string, statusCode int, errType, message string)
}

type RelayHandler struct {
	router    Router
	engine    Attempter
	usage     PendingRecorder
	committer UnroutedCommitter
	formats   *format.Registry
	logger    *zap.Logger
	maxBody   int64
}

func NewRelayHandler(router Router, engine Attempter, usage PendingRecorder, committer UnroutedCommitter, formats *format.Registry, logger *zap.Logger) *RelayHandler {
	return &RelayHandler{
		router:    router,
		engine:    engine,
		usage:     usage,
		committer: committer,
		formats:   formats,
		logger:    logger,
		maxBody:   defaultMaxBodyBytes,
	}
}

// Messages serves POST /v1/messages.
func (h *RelayHandler) Messages(c *gin.Context) {
	k := format.ClaudeChat
	ua := strings.ToLower(c.GetHeader("User-Agent"))
	if strings.HasPrefix(ua, "claude-cli") || strings.HasPrefix(ua, "claude-code") {
		k = format.ClaudeCLI
	}
	h.relayJSON(c, k)
}

// ChatCompletions serves POST /v1/chat/completions.
func (h *RelayHandler) ChatCompletions(c *gin.Context) {
	h.relayJSON(c, format.OpenAIChat)
}

// Responses serves POST /v1/responses.
func (h *RelayHandler) Responses(c *gin.Context) {
	h.relayJSON(c, format.OpenAICLI)
}

// Gemini serves POST /v1beta/models/{model}:{action}. The model and the
// stream flag come from the path, not the body.
func (h *RelayHandler) Gemini(c *gin.Context) {
	k := format.GeminiChat
	if strings.Contains(c.GetHeader("User-Agent"), "GeminiCLI") {
		k = format.GeminiCLI
	}

	model, action, ok := strings.Cut(strings.TrimPrefix(c.Param("action"), "/"), ":")
	if !ok || model == "" {
		h.renderError(c, k, http.StatusNotFound, "not_found", "expected models/{model}:{action}")
		return
	}

	var stream bool
	switch action {
	case "streamGenerateContent":
		stream = true
	case "generateContent":
	default:
		h.renderError(c, k, http.StatusNotFound, "not_found", fmt.Sprintf("unsupported action %q", action))
		return
	}

	body, ok := h.readBody(c, k)
	if !ok {
		return
	}
	h.relay(c, k, api.RelayEnvelope{Model: model, Stream: stream}, body)
}

func (h *RelayHandler) relayJSON(c *gin.Context, k format.Key) {
	body, ok := h.readBody(c, k)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) {
		h.renderError(c, k, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}

	env := api.RelayEnvelope{
		Model:  gjson.GetBytes(body, "model").String(),
		Stream: gjson.GetBytes(body, "stream").Bool(),
	}
	h.relay(c, k, env, body)
}

func (h *RelayHandler) readBody(c *gin.Context, k format.Key) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.renderError(c, k, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body too large")
		} else {
			h.renderError(c, k, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		}
		return nil, false
	}
	return body, true
}

func (h *RelayHandler) relay(c *gin.Context, k format.Key, env api.RelayEnvelope, body []byte) {
	if errs := validator.Validate(&env); errs != nil {
		h.renderError(c, k, http.StatusBadRequest, "invalid_request_error", joinErrors(errs))
		return
	}

	ctx := c.Request.Context()
	requestID := middleware.GetRequestID(c)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := h.logger.With(zap.String("request_id", requestID), zap.String("model", env.Model), zap.String("format", string(k)))

	if err := h.usage.CreatePending(ctx, requestID, env.Model, k, env.Stream); err != nil {
		log.Error("Failed to create pending usage", zap.Error(err))
	}

	req := &relay.Request{
		ID:           requestID,
		Model:        env.Model,
		ClientFormat: k,
		Body:         body,
		Stream:       env.Stream,
		Header:       c.Request.Header.Clone(),
		Query:        c.Request.URL.Query(),
	}

	outcome, err := h.router.ExecuteWithFallback(ctx, req, func(ctx context.Context, target relay.Target, attemptID string) (*relay.Stream, error) {
		return h.engine.Attempt(ctx, target, req, attemptID)
	})
	if err != nil {
		status, errType, message := describe(err)
		h.committer.CommitUnrouted(requestID, status, errType, message)

		if aerr, ok := relay.AsAttemptError(err); ok && aerr.RetryAfter > 0 {
			c.Header("Retry-After", fmt.Sprintf("%d", int(aerr.RetryAfter.Seconds())))
		}
		if status == relay.StatusClientClosed {
			log.Info("Client went away before a stream was opened")
			c.Abort()
			return
		}
		log.Warn("Request could not be relayed", zap.Int("status", status), zap.String("error_type", errType), zap.Error(err))
		h.renderError(c, k, status, errType, message)
		return
	}

	stream := outcome.Stream
	log = log.With(zap.String("provider", outcome.ProviderID), zap.String("attempt_id", outcome.AttemptID))

	contentType := stream.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
		if stream.IsStream() {
			contentType = "text/event-stream"
		}
	}
	c.Header("Content-Type", contentType)
	if stream.IsStream() {
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
	}
	c.Status(stream.StatusCode())
	c.Writer.WriteHeaderNow()

	if err := stream.Relay(ctx, c.Writer); err != nil {
		log.Info("Relay ended early", zap.Error(err))
	}
}

func (h *RelayHandler) renderError(c *gin.Context, k format.Key, status int, errType, message string) {
	c.Data(status, "application/json", h.formats.RenderError(k, status, errType, message))
	c.Abort()
}

// describe maps an orchestrator error to the status and type the client sees.
func describe(err error) (int, string, string) {
	if aerr, ok := relay.AsAttemptError(err); ok {
		status := aerr.StatusCode
		if status == 0 {
			switch aerr.Kind {
			case relay.KindTimeout:
				status = http.StatusGatewayTimeout
			default:
				status = http.StatusBadGateway
			}
		}
		errType := aerr.ErrorType
		if errType == "" {
			errType = aerr.Kind.String()
		}
		message := aerr.Message
		if message == "" {
			message = aerr.Error()
		}
		return status, errType, message
	}

	switch {
	case errors.Is(err, gateway.ErrRouteNotFound):
		return http.StatusNotFound, "model_not_found", err.Error()
	case errors.Is(err, gateway.ErrNoCandidates):
		return http.StatusServiceUnavailable, "no_available_candidate", err.Error()
	case errors.Is(err, context.Canceled):
		return relay.StatusClientClosed, "client_disconnected", err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, relay.KindTimeout.String(), err.Error()
	default:
		return http.StatusInternalServerError, "relay_error", err.Error()
	}
}

func joinErrors(errs map[string]string) string {
	parts := make([]string, 0, len(errs))
	for field, msg := range errs {
		parts = append(parts, field+": "+msg)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
