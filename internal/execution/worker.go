// Package execution holds the River job arguments and workers that drive
// batch generation across process boundaries. Durable job rows, not
// in-memory state, carry the orchestration, so a restart resumes where the
// queue left off.
package execution

import (
	"context"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

// generateMaxAttempts is the retry budget for one batch item. Transient
// provider failures are retried up to this bound, then surfaced per-item
// without failing siblings.
const generateMaxAttempts = 3

// GenerateItemArgs addresses one positional item of a batch. The item row
// itself holds the input params; the job only carries the coordinates.
type GenerateItemArgs struct {
	BatchID   uuid.UUID `json:"batch_id"`
	ItemIndex int       `json:"item_index"`
}

func (GenerateItemArgs) Kind() string { return "generate_item" }

func (GenerateItemArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: generateMaxAttempts}
}

// ItemService is the contract the worker needs to run one batch item.
type ItemService interface {
	// RunItem executes the item end to end. A returned error signals a
	// retryable failure to the queue; permanent failures are recorded on the
	// item and absorbed.
	RunItem(ctx context.Context, batchID uuid.UUID, itemIndex, attempt, maxAttempts int) error
}

type GenerateItemWorker struct {
	river.WorkerDefaults[GenerateItemArgs]
	items ItemService
}

func NewGenerateItemWorker(items ItemService) *GenerateItemWorker {
	return &GenerateItemWorker{items: items}
}

func (w *GenerateItemWorker) Work(ctx context.Context, job *river.Job[GenerateItemArgs]) error {
	return w.items.RunItem(ctx, job.Args.BatchID, job.Args.ItemIndex, job.Attempt, job.MaxAttempts)
}
