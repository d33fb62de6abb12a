package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/filmforge/backend/internal/batch"
	"github.com/filmforge/backend/internal/middleware"
	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/validation"
)

// BatchHandler serves /v1/batch endpoints.
type BatchHandler struct {
	Batches   batch.Service
	Validator *validation.Validator
	Logger    *slog.Logger
}

type createBatchRequest struct {
	MediaType       string            `json:"media_type"`
	Items           []json.RawMessage `json:"items"`
	Parallel        bool              `json:"parallel"`
	ContinueOnError bool              `json:"continue_on_error"`
	Provider        string            `json:"provider,omitempty"`
	Priority        string            `json:"priority,omitempty"`
	ProjectID       *uuid.UUID        `json:"project_id,omitempty"`
	WebhookURL      *string           `json:"webhook_url,omitempty"`
}

type createBatchResponse struct {
	BatchID    string `json:"batch_id"`
	Status     string `json:"status"`
	TotalCount int    `json:"total_count"`
}

// Create handles POST /v1/batch.
// Auth + MediaCheck (via middleware) -> Validate Each Item -> Persist & Enqueue -> 202.
func (h *BatchHandler) Create(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	media := models.MediaType(req.MediaType)
	if len(req.Items) == 0 {
		http.Error(w, `{"error":"items must not be empty"}`, http.StatusBadRequest)
		return
	}

	// Every item must pass schema validation before anything is enqueued.
	for i, item := range req.Items {
		if err := h.Validator.ValidateParams(r.Context(), media, item); err != nil {
			if errors.Is(err, validation.ErrValidation) {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
					"error": err.Error(),
					"item":  i,
				})
				return
			}
			http.Error(w, `{"error":"item validation failed"}`, http.StatusBadRequest)
			return
		}
	}

	b, err := h.Batches.Create(r.Context(), batch.CreateParams{
		AccountID:        acc.ID,
		MediaType:        media,
		Items:            req.Items,
		Parallel:         req.Parallel,
		ContinueOnError:  req.ContinueOnError,
		ExplicitProvider: req.Provider,
		Priority:         req.Priority,
		ProjectID:        req.ProjectID,
		WebhookURL:       req.WebhookURL,
	})
	if err != nil {
		h.Logger.Error("create batch", "error", err)
		http.Error(w, `{"error":"failed to create batch"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, createBatchResponse{
		BatchID:    b.ID.String(),
		Status:     b.Status,
		TotalCount: b.TotalCount,
	})
}

// Get handles GET /v1/batch/{id}: status plus per-item results.
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid batch id"}`, http.StatusBadRequest)
		return
	}

	status, err := h.Batches.Get(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"batch not found"}`, http.StatusNotFound)
		return
	}
	if !h.authorized(r, status.Batch.AccountID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Cancel handles DELETE /v1/batch/{id}. Items already dispatched run to
// completion and are billed; undispatched items are skipped.
func (h *BatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid batch id"}`, http.StatusBadRequest)
		return
	}

	status, err := h.Batches.Get(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"batch not found"}`, http.StatusNotFound)
		return
	}
	if !h.authorized(r, status.Batch.AccountID) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	if err := h.Batches.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, batch.ErrNotCancellable) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "batch already finished"})
			return
		}
		h.Logger.Error("cancel batch", "batch_id", id, "error", err)
		http.Error(w, `{"error":"cancel failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"batch_id": id.String(), "status": models.BatchStatusCancelled})
}

func (h *BatchHandler) authorized(r *http.Request, ownerID uuid.UUID) bool {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		return false
	}
	return acc.ID == ownerID || acc.Role == models.RoleApprover
}
