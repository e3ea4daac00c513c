package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nulzo/streamrelay/internal/store"
	"github.com/nulzo/streamrelay/internal/store/model"
	"github.com/nulzo/streamrelay/pkg/api"
)

type UsageReader interface {
	Get(ctx context.Context, requestID string) (*model.Usage, error)
}

type CandidateLister interface {
	ListForRequest(ctx context.Context, requestID string) ([]model.RequestCandidate, error)
}

type UsageHandler struct {
	usage      UsageReader
	candidates CandidateLister
}

func NewUsageHandler(usage UsageReader, candidates CandidateLister) *UsageHandler {
	return &UsageHandler{usage: usage, candidates: candidates}
}

// GetUsage returns the accounting row of one request and every candidate
// tried for it.
// GET /v1/usage/:id
func (h *UsageHandler) GetUsage(c *gin.Context) {
	id := c.Param("id")

	u, err := h.usage.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		_ = c.Error(api.NotFoundError("no usage recorded for request " + id))
		return
	}
	if err != nil {
		_ = c.Error(api.InternalError("Failed to load usage", err))
		return
	}

	candidates, err := h.candidates.ListForRequest(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(api.InternalError("Failed to load candidates", err))
		return
	}

	c.JSON(http.StatusOK, toUsageResponse(u, candidates))
}

func toUsageResponse(u *model.Usage, candidates []model.RequestCandidate) api.UsageResponse {
	resp := api.UsageResponse{
		RequestID:           u.RequestID,
		Status:              u.Status,
		StatusCode:          u.StatusCode,
		Model:               u.Model,
		ClientFormat:        u.ClientAPIFormat,
		ProviderFormat:      u.ProviderAPIFormat,
		ProviderName:        u.ProviderName,
		ProviderID:          u.ProviderID,
		EndpointID:          u.EndpointID,
		KeyID:               u.KeyID,
		IsStream:            u.IsStream,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CachedTokens:        u.CachedTokens,
		CacheCreationTokens: u.CacheCreationTokens,
		ResponseTimeMS:      u.ResponseTimeMS,
		FirstByteTimeMS:     u.FirstByteTimeMS,
		ErrorType:           u.ErrorType,
		ErrorMessage:        u.ErrorMessage,
		CreatedAt:           u.CreatedAt,
		UpdatedAt:           u.UpdatedAt,
		Candidates:          make([]api.CandidateResult, 0, len(candidates)),
	}

	if u.ResponseMetadata != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(u.ResponseMetadata), &meta); err == nil && len(meta) > 0 {
			resp.Metadata = meta
		}
	}

	for _, rc := range candidates {
		resp.Candidates = append(resp.Candidates, api.CandidateResult{
			AttemptID:    rc.AttemptID,
			Index:        rc.CandidateIndex,
			ProviderID:   rc.ProviderID,
			EndpointID:   rc.EndpointID,
			KeyID:        rc.KeyID,
			Status:       rc.Status,
			StatusCode:   rc.StatusCode,
			LatencyMS:    rc.LatencyMS,
			ErrorType:    rc.ErrorType,
			ErrorMessage: rc.ErrorMessage,
			CreatedAt:    rc.CreatedAt,
			FinishedAt:   rc.FinishedAt,
		})
	}
	return resp
}
