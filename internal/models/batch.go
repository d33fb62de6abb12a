package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Batch job statuses. A batch ends completed when every item succeeded,
// partial when some failed, failed when all failed, cancelled when it was
// cancelled before all items finished.
const (
	BatchStatusPending    = "pending"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusPartial    = "partial"
	BatchStatusFailed     = "failed"
	BatchStatusCancelled  = "cancelled"
)

// Per-item statuses within a batch.
const (
	ItemStatusPending    = "pending"
	ItemStatusProcessing = "processing"
	ItemStatusCompleted  = "completed"
	ItemStatusFailed     = "failed"
	ItemStatusSkipped    = "skipped"
)

// BatchJob is the durable record for a multi-item generation request. It is
// persisted before any work starts so a crash between creation and dispatch
// leaves a recoverable pending row.
type BatchJob struct {
	ID              uuid.UUID  `json:"id"`
	AccountID       uuid.UUID  `json:"account_id"`
	MediaType       MediaType  `json:"media_type"`
	Status          string     `json:"status"`
	TotalCount      int        `json:"total_count"`
	CompletedCount  int        `json:"completed_count"`
	FailedCount     int        `json:"failed_count"`
	Parallel        bool       `json:"parallel"`
	ContinueOnError bool       `json:"continue_on_error"`
	Provider        string     `json:"provider,omitempty"`
	Priority        string     `json:"priority,omitempty"`
	ProjectID       *uuid.UUID `json:"project_id,omitempty"`
	WebhookURL      *string    `json:"webhook_url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Progress is the completed fraction as a percentage.
func (b *BatchJob) Progress() int {
	if b.TotalCount == 0 {
		return 0
	}
	return (b.CompletedCount + b.FailedCount) * 100 / b.TotalCount
}

// BatchItem is one positional unit of work in a batch. Results are stored by
// index so callers can correlate input position to outcome regardless of the
// order parallel execution finishes in.
type BatchItem struct {
	BatchID        uuid.UUID       `json:"batch_id"`
	ItemIndex      int             `json:"item_index"`
	Status         string          `json:"status"`
	InputParams    json.RawMessage `json:"input_params"`
	OutputRef      *string         `json:"output_ref,omitempty"`
	ErrorDetail    *string         `json:"error_detail,omitempty"`
	CreditsCharged int64           `json:"credits_charged"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
