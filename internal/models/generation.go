package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Single-item generation job statuses.
const (
	GenStatusPending    = "pending"
	GenStatusProcessing = "processing"
	GenStatusComplete   = "complete"
	GenStatusError      = "error"
	GenStatusCancelled  = "cancelled"
)

// GenerationJob records one paid generation: which provider ran it, what it
// produced and what it cost. Immutable once in a terminal status.
type GenerationJob struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	MediaType      MediaType       `json:"media_type"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model,omitempty"`
	Status         string          `json:"status"`
	InputParams    json.RawMessage `json:"input_params"`
	OutputRef      *string         `json:"output_ref,omitempty"`
	ErrorDetail    *string         `json:"error_detail,omitempty"`
	CreditsCharged int64           `json:"credits_charged"`
	RealCostCents  int64           `json:"real_cost_cents"`
	ProjectID      *uuid.UUID      `json:"project_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}
