package models

import (
	"time"

	"github.com/google/uuid"
)

// Regeneration request statuses. The pending -> approved|rejected transition
// happens exactly once; approval is irreversible.
const (
	RegenStatusPending  = "pending"
	RegenStatusApproved = "approved"
	RegenStatusRejected = "rejected"
)

// DefaultRegenMaxAttempts is the attempt budget fixed at approval time.
const DefaultRegenMaxAttempts = 3

// RegenerationRequest asks an approver to pre-pay credits so a non-owner can
// redo an item in a shared project. CreditsPrePaid is escrowed from the
// approver's balance at approval and drawn down per attempt without further
// balance checks. BatchID groups sibling requests that are approved or
// rejected together atomically.
type RegenerationRequest struct {
	ID             uuid.UUID  `json:"id"`
	BatchID        uuid.UUID  `json:"batch_id"`
	ProjectID      uuid.UUID  `json:"project_id"`
	RequesterID    uuid.UUID  `json:"requester_id"`
	TargetRef      string     `json:"target_ref"`
	MediaType      MediaType  `json:"media_type"`
	Reason         string     `json:"reason,omitempty"`
	Status         string     `json:"status"`
	MaxAttempts    int        `json:"max_attempts"`
	AttemptsUsed   int        `json:"attempts_used"`
	CostPerAttempt int64      `json:"cost_per_attempt"`
	CreditsPrePaid int64      `json:"credits_pre_paid"`
	ReviewNote     *string    `json:"review_note,omitempty"`
	ReviewedBy     *uuid.UUID `json:"reviewed_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
}

// AttemptsRemaining reports how many pre-paid attempts are left.
func (r *RegenerationRequest) AttemptsRemaining() int {
	left := r.MaxAttempts - r.AttemptsUsed
	if left < 0 {
		return 0
	}
	return left
}
