package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/filmforge/backend/internal/metering"
	"github.com/filmforge/backend/internal/middleware"
	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/providers"
	"github.com/filmforge/backend/internal/registry"
	"github.com/filmforge/backend/internal/validation"
)

// Resolver picks the provider for a request.
type Resolver interface {
	Resolve(ctx context.Context, accountID uuid.UUID, media models.MediaType, explicitProvider string, overrides *registry.ProjectOverrides, priority string) (*registry.Resolution, error)
}

// Meter wraps a generation in the credit protocol.
type Meter interface {
	Execute(ctx context.Context, req metering.Request, action metering.Action) (*metering.Result, error)
}

// JobStore records per-generation history rows.
type JobStore interface {
	Create(ctx context.Context, j *models.GenerationJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.GenerationJob, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.GenerationJob, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkComplete(ctx context.Context, id uuid.UUID, outputRef string, creditsCharged, realCostCents int64) error
	MarkError(ctx context.Context, id uuid.UUID, detail string) error
}

// GenerateHandler serves POST /v1/generate: one synchronous generation.
type GenerateHandler struct {
	Resolver  Resolver
	Meter     Meter
	Jobs      JobStore
	Validator *validation.Validator
	Logger    *slog.Logger
}

type generateRequest struct {
	MediaType string          `json:"media_type"`
	Provider  string          `json:"provider,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	ProjectID *uuid.UUID      `json:"project_id,omitempty"`
	Params    json.RawMessage `json:"params"`
}

type generateResponse struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	OutputRef      string `json:"output_ref"`
	CreditsCharged int64  `json:"credits_charged"`
	Unbilled       bool   `json:"unbilled,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`
}

// Generate handles POST /v1/generate.
// Auth (via middleware) -> Validate Params -> Resolve Provider -> Metered Call -> 200.
func (h *GenerateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	media := models.MediaType(req.MediaType)
	if !media.Valid() {
		http.Error(w, `{"error":"unknown media_type"}`, http.StatusBadRequest)
		return
	}

	if err := h.Validator.ValidateParams(r.Context(), media, req.Params); err != nil {
		if errors.Is(err, validation.ErrValidation) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		http.Error(w, `{"error":"params validation failed"}`, http.StatusBadRequest)
		return
	}

	params, err := providers.DecodeParams(media, req.Params)
	if err != nil {
		http.Error(w, `{"error":"malformed params"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Resolver.Resolve(r.Context(), acc.ID, media, req.Provider, nil, req.Priority)
	if err != nil {
		if errors.Is(err, registry.ErrNoProviderConfigured) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no provider available for " + req.MediaType})
			return
		}
		h.Logger.Error("resolve provider", "error", err)
		http.Error(w, `{"error":"provider resolution failed"}`, http.StatusInternalServerError)
		return
	}

	estimate, err := res.Adapter.EstimateCost(params)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	job := &models.GenerationJob{
		ID:          uuid.New(),
		AccountID:   acc.ID,
		MediaType:   media,
		Provider:    res.Config.Provider,
		Model:       res.Config.Model,
		Status:      models.GenStatusPending,
		InputParams: req.Params,
		ProjectID:   req.ProjectID,
	}
	if err := h.Jobs.Create(r.Context(), job); err != nil {
		h.Logger.Error("record generation job", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if err := h.Jobs.MarkProcessing(r.Context(), job.ID); err != nil {
		h.Logger.Warn("mark job processing", "job_id", job.ID, "error", err)
	}

	targetRef := "job:" + job.ID.String()
	mres, err := h.Meter.Execute(r.Context(), metering.Request{
		AccountID:     acc.ID,
		Config:        res.Config,
		Category:      media.TxCategory(),
		EstimatedCost: estimate,
		ProjectID:     req.ProjectID,
		TargetRef:     &targetRef,
	}, func(ctx context.Context) (*providers.Result, error) {
		return res.Adapter.Generate(ctx, res.Config, params)
	})
	if err != nil {
		if jerr := h.Jobs.MarkError(r.Context(), job.ID, err.Error()); jerr != nil {
			h.Logger.Warn("mark job error", "job_id", job.ID, "error", jerr)
		}
		var ice *metering.InsufficientCreditsError
		if errors.As(err, &ice) {
			writeJSON(w, http.StatusPaymentRequired, map[string]any{
				"error":    "insufficient credits",
				"required": ice.Required,
				"balance":  ice.Balance,
			})
			return
		}
		var ae *providers.AdapterError
		if errors.As(err, &ae) {
			h.Logger.Warn("provider call failed", "provider", ae.Provider, "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "generation failed: " + ae.Error()})
			return
		}
		h.Logger.Error("generate failed", "error", err)
		http.Error(w, `{"error":"generation failed"}`, http.StatusInternalServerError)
		return
	}

	if jerr := h.Jobs.MarkComplete(r.Context(), job.ID, mres.Output.OutputRef, mres.CreditsCharged, mres.RealCostCents); jerr != nil {
		h.Logger.Warn("mark job complete", "job_id", job.ID, "error", jerr)
	}

	resp := generateResponse{
		JobID:          job.ID.String(),
		Status:         "complete",
		OutputRef:      mres.Output.OutputRef,
		CreditsCharged: mres.CreditsCharged,
		Unbilled:       mres.Unbilled,
	}
	if mres.TransactionID != nil {
		resp.TransactionID = mres.TransactionID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListGenerations handles GET /v1/generations: the caller's history.
func (h *GenerateHandler) ListGenerations(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	jobs, err := h.Jobs.ListByAccount(r.Context(), acc.ID, 50)
	if err != nil {
		h.Logger.Error("list generations", "error", err)
		http.Error(w, `{"error":"list failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// GetGeneration handles GET /v1/generations/{id}.
func (h *GenerateHandler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}
	job, err := h.Jobs.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
		return
	}
	if job.AccountID != acc.ID && acc.Role != models.RoleApprover {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListProviders handles GET /v1/providers (public, no auth): the configured
// provider catalog with health.
func ListProviders(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type providerInfo struct {
			models.ProviderDescriptor
			Healthy bool `json:"healthy"`
		}
		var out []providerInfo
		for _, media := range models.AllMediaTypes {
			for _, desc := range reg.ListByMediaType(media) {
				out = append(out, providerInfo{
					ProviderDescriptor: desc,
					Healthy:            reg.Healthy(r.Context(), media, desc.ID),
				})
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
