package models

import (
	"time"

	"github.com/google/uuid"
)

// Transaction categories. Spend categories match media types; refund and
// adjustment are compensating entries.
const (
	TxCategoryImage      = "image"
	TxCategoryVideo      = "video"
	TxCategoryTTS        = "tts"
	TxCategoryMusic      = "music"
	TxCategoryText       = "text"
	TxCategoryRefund     = "refund"
	TxCategoryAdjustment = "adjustment"
)

// Transaction is an immutable credit ledger entry. Amount is signed:
// negative is a spend, positive a grant. Corrections are new compensating
// entries, never edits. RealCostCents tracks the third-party dollar cost
// independently of the credit amount.
type Transaction struct {
	ID            uuid.UUID  `json:"id"`
	AccountID     uuid.UUID  `json:"account_id"`
	Amount        int64      `json:"amount"`
	Category      string     `json:"category"`
	RealCostCents int64      `json:"real_cost_cents"`
	Provider      *string    `json:"provider,omitempty"`
	ProjectID     *uuid.UUID `json:"project_id,omitempty"`
	TargetRef     *string    `json:"target_ref,omitempty"`
	OriginalTxID  *uuid.UUID `json:"original_tx_id,omitempty"`
	Note          *string    `json:"note,omitempty"`
	BalanceAfter  *int64     `json:"balance_after,omitempty"`
	Unbilled      bool       `json:"unbilled,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
