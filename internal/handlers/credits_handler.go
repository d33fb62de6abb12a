package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/filmforge/backend/internal/ledger"
	"github.com/filmforge/backend/internal/middleware"
	"github.com/filmforge/backend/internal/models"
)

// CreditsHandler serves /v1/credits endpoints.
type CreditsHandler struct {
	Ledger ledger.Service
	Logger *slog.Logger
}

// Balance handles GET /v1/credits.
func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	balance, err := h.Ledger.GetOrCreateBalance(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("get balance", "error", err)
		http.Error(w, `{"error":"balance lookup failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account_id": acc.ID, "balance": balance})
}

// History handles GET /v1/credits/ledger?limit=N.
func (h *CreditsHandler) History(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	txs, err := h.Ledger.ListTransactions(r.Context(), acc.ID, limit)
	if err != nil {
		h.Logger.Error("list transactions", "error", err)
		http.Error(w, `{"error":"ledger lookup failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

type grantRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	Amount    int64     `json:"amount"`
}

// Grant handles POST /v1/credits/grant (approver only): positive adjustment
// to another account's balance.
func (h *CreditsHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, `{"error":"amount must be > 0"}`, http.StatusBadRequest)
		return
	}
	tx, err := h.Ledger.RecordTransaction(r.Context(), ledger.TxParams{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Category:  models.TxCategoryAdjustment,
	})
	if err != nil {
		h.Logger.Error("grant credits", "error", err)
		http.Error(w, `{"error":"grant failed"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

type refundRequest struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Reason        string    `json:"reason"`
}

// Refund handles POST /v1/credits/refund (approver only): a compensating
// positive entry referencing the original spend. The original entry is never
// mutated.
func (h *CreditsHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	tx, err := h.Ledger.Refund(r.Context(), req.TransactionID, req.Reason)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
			http.Error(w, `{"error":"transaction not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("refund", "transaction_id", req.TransactionID, "error", err)
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}
