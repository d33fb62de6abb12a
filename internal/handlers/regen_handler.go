package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/filmforge/backend/internal/ledger"
	"github.com/filmforge/backend/internal/middleware"
	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/regen"
)

// RegenHandler serves /v1/regeneration-requests endpoints.
type RegenHandler struct {
	Regen  regen.Service
	Logger *slog.Logger
}

type submitRegenRequest struct {
	ProjectID uuid.UUID          `json:"project_id"`
	Items     []regen.SubmitItem `json:"items"`
	// MaxAttempts caps retries per item; defaults when omitted.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// Submit handles POST /v1/regeneration-requests: a member asks an approver
// to pre-pay for redoing items.
func (h *RegenHandler) Submit(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req submitRegenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if len(req.Items) == 0 {
		http.Error(w, `{"error":"items must not be empty"}`, http.StatusBadRequest)
		return
	}

	reqs, err := h.Regen.Submit(r.Context(), regen.SubmitParams{
		ProjectID:   req.ProjectID,
		RequesterID: acc.ID,
		Items:       req.Items,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		h.Logger.Error("submit regeneration requests", "error", err)
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, reqs)
}

type reviewRegenRequest struct {
	BatchID uuid.UUID `json:"batch_id"`
	Approve bool      `json:"approve"`
	Note    *string   `json:"note,omitempty"`
}

// Review handles POST /v1/regeneration-requests/review: an approver decides
// a whole batch at once. Approval escrows the full pre-paid total; if the
// approver cannot cover it, nothing changes state.
func (h *RegenHandler) Review(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if acc.Role != models.RoleApprover {
		http.Error(w, `{"error":"only approvers can review"}`, http.StatusForbidden)
		return
	}

	var req reviewRegenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	reqs, err := h.Regen.Review(r.Context(), regen.ReviewParams{
		BatchID:    req.BatchID,
		ReviewerID: acc.ID,
		Approve:    req.Approve,
		Note:       req.Note,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			writeJSON(w, http.StatusPaymentRequired, map[string]string{"error": "insufficient credits to approve"})
		case errors.Is(err, regen.ErrNothingPending):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "batch has no pending requests"})
		default:
			h.Logger.Error("review regeneration batch", "batch_id", req.BatchID, "error", err)
			http.Error(w, `{"error":"review failed"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// ListByBatch handles GET /v1/regeneration-requests?batch_id=...
func (h *RegenHandler) ListByBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(r.URL.Query().Get("batch_id"))
	if err != nil {
		http.Error(w, `{"error":"batch_id query parameter required"}`, http.StatusBadRequest)
		return
	}
	reqs, err := h.Regen.ListByBatch(r.Context(), batchID)
	if err != nil {
		h.Logger.Error("list regeneration requests", "error", err)
		http.Error(w, `{"error":"list failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

// Consume handles POST /v1/regeneration-requests/{id}/consume: draws one
// pre-paid attempt before the caller re-runs the target item.
func (h *RegenHandler) Consume(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid request id"}`, http.StatusBadRequest)
		return
	}

	req, err := h.Regen.ConsumeAttempt(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, regen.ErrAttemptsExhausted):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "all pre-paid attempts used"})
		case errors.Is(err, regen.ErrNotApproved):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "request is not approved"})
		case errors.Is(err, regen.ErrRequestNotFound):
			http.Error(w, `{"error":"request not found"}`, http.StatusNotFound)
		default:
			h.Logger.Error("consume regeneration attempt", "request_id", id, "error", err)
			http.Error(w, `{"error":"consume failed"}`, http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, req)
}
