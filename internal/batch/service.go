package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/filmforge/backend/internal/execution"
	"github.com/filmforge/backend/internal/metering"
	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/providers"
	"github.com/filmforge/backend/internal/registry"
)

// InsertGenerateItemTxFunc enqueues an item job within the given transaction.
// Provided by main using river.Client.InsertTx.
type InsertGenerateItemTxFunc func(ctx context.Context, tx pgx.Tx, args execution.GenerateItemArgs) error

// InsertNotifyTxFunc enqueues a webhook delivery within the given transaction.
type InsertNotifyTxFunc func(ctx context.Context, tx pgx.Tx, args execution.NotifyArgs) error

// Store is the persistence surface the orchestrator needs. *Repository
// implements it; tests provide an in-memory version.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, b *models.BatchJob, items []json.RawMessage) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	GetItems(ctx context.Context, batchID uuid.UUID) ([]*models.BatchItem, error)
	ClaimItem(ctx context.Context, batchID uuid.UUID, itemIndex int) (bool, *models.BatchItem, error)
	MarkProcessing(ctx context.Context, batchID uuid.UUID) error
	RecordItemResult(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, itemIndex int, status string, outputRef, errDetail *string, credits int64) error
	MarkItemSkipped(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, itemIndex int) error
	MarkRemainingSkipped(ctx context.Context, tx pgx.Tx, batchID uuid.UUID) error
	FinalizeIfDone(ctx context.Context, tx pgx.Tx, batchID uuid.UUID) (string, error)
	Cancel(ctx context.Context, batchID uuid.UUID) error
	DeriveCounts(ctx context.Context, batchID uuid.UUID) (completed, failed, total int, err error)
	DeriveCountsTx(ctx context.Context, tx pgx.Tx, batchID uuid.UUID) (completed, failed, total int, err error)
}

// ProviderResolver picks the concrete provider for an item.
type ProviderResolver interface {
	Resolve(ctx context.Context, accountID uuid.UUID, media models.MediaType, explicitProvider string, overrides *registry.ProjectOverrides, priority string) (*registry.Resolution, error)
}

// MeteredExecutor wraps a generation in the credit protocol.
type MeteredExecutor interface {
	Execute(ctx context.Context, req metering.Request, action metering.Action) (*metering.Result, error)
}

// CreateParams describes a new multi-item batch.
type CreateParams struct {
	AccountID        uuid.UUID
	MediaType        models.MediaType
	Items            []json.RawMessage
	Parallel         bool
	ContinueOnError  bool
	ExplicitProvider string
	Priority         string
	ProjectID        *uuid.UUID
	WebhookURL       *string
}

// Status is a batch with its positional item results and derived counts.
type Status struct {
	Batch *models.BatchJob    `json:"batch"`
	Items []*models.BatchItem `json:"items"`
}

type Service interface {
	Create(ctx context.Context, p CreateParams) (*models.BatchJob, error)
	Get(ctx context.Context, id uuid.UUID) (*Status, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	// RunItem implements execution.ItemService.
	RunItem(ctx context.Context, batchID uuid.UUID, itemIndex, attempt, maxAttempts int) error
}

type service struct {
	store        Store
	resolver     ProviderResolver
	meter        MeteredExecutor
	insertItem   InsertGenerateItemTxFunc
	insertNotify InsertNotifyTxFunc
	logger       *slog.Logger
}

func NewService(store Store, resolver ProviderResolver, meter MeteredExecutor, insertItem InsertGenerateItemTxFunc, insertNotify InsertNotifyTxFunc, logger *slog.Logger) *service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{
		store:        store,
		resolver:     resolver,
		meter:        meter,
		insertItem:   insertItem,
		insertNotify: insertNotify,
		logger:       logger,
	}
}

var _ Service = (*service)(nil)
var _ execution.ItemService = (*service)(nil)

// Create persists the batch and its items, then enqueues work in the same
// transaction: every item for parallel mode, only the first for sequential.
func (s *service) Create(ctx context.Context, p CreateParams) (*models.BatchJob, error) {
	if len(p.Items) == 0 {
		return nil, errors.New("batch needs at least one item")
	}
	if !p.MediaType.Valid() {
		return nil, fmt.Errorf("unknown media type %q", p.MediaType)
	}
	b := &models.BatchJob{
		ID:              uuid.New(),
		AccountID:       p.AccountID,
		MediaType:       p.MediaType,
		Status:          models.BatchStatusPending,
		TotalCount:      len(p.Items),
		Parallel:        p.Parallel,
		ContinueOnError: p.ContinueOnError,
		Provider:        p.ExplicitProvider,
		Priority:        p.Priority,
		ProjectID:       p.ProjectID,
		WebhookURL:      p.WebhookURL,
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.CreateTx(ctx, tx, b, p.Items); err != nil {
		return nil, err
	}
	if p.Parallel {
		for i := range p.Items {
			if err := s.insertItem(ctx, tx, execution.GenerateItemArgs{BatchID: b.ID, ItemIndex: i}); err != nil {
				return nil, fmt.Errorf("enqueue item %d: %w", i, err)
			}
		}
	} else {
		if err := s.insertItem(ctx, tx, execution.GenerateItemArgs{BatchID: b.ID, ItemIndex: 0}); err != nil {
			return nil, fmt.Errorf("enqueue first item: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch tx: %w", err)
	}
	return b, nil
}

// Get re-derives counts from the per-item rows so reporting survives process
// restarts regardless of the cached counters.
func (s *service) Get(ctx context.Context, id uuid.UUID) (*Status, error) {
	b, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.store.GetItems(ctx, id)
	if err != nil {
		return nil, err
	}
	completed, failed, total, err := s.store.DeriveCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	b.CompletedCount, b.FailedCount, b.TotalCount = completed, failed, total
	return &Status{Batch: b, Items: items}, nil
}

func (s *service) Cancel(ctx context.Context, id uuid.UUID) error {
	return s.store.Cancel(ctx, id)
}

// RunItem executes one positional item. Cancellation is consulted before the
// claim, so items of a cancelled batch are skipped rather than dispatched.
// Transient provider errors bubble up to the queue while the retry budget
// lasts; everything else is recorded on the item.
func (s *service) RunItem(ctx context.Context, batchID uuid.UUID, itemIndex, attempt, maxAttempts int) error {
	b, err := s.store.GetByID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", batchID, err)
	}

	if b.Status == models.BatchStatusCancelled {
		return s.skipItem(ctx, b, itemIndex)
	}

	claimed, item, err := s.store.ClaimItem(ctx, batchID, itemIndex)
	if err != nil {
		return fmt.Errorf("claim item: %w", err)
	}
	if !claimed {
		// Already finished; duplicate delivery from the queue.
		return nil
	}
	if b.Status == models.BatchStatusPending {
		if err := s.store.MarkProcessing(ctx, batchID); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
	}

	params, err := providers.DecodeParams(b.MediaType, item.InputParams)
	if err != nil {
		return s.failItem(ctx, b, itemIndex, err.Error())
	}

	res, err := s.resolver.Resolve(ctx, b.AccountID, b.MediaType, b.Provider, nil, b.Priority)
	if err != nil {
		// Configuration errors are fatal to the item, not retryable.
		return s.failItem(ctx, b, itemIndex, err.Error())
	}

	estimate, err := res.Adapter.EstimateCost(params)
	if err != nil {
		return s.failItem(ctx, b, itemIndex, err.Error())
	}

	targetRef := fmt.Sprintf("batch:%s#%d", batchID, itemIndex)
	mres, err := s.meter.Execute(ctx, metering.Request{
		AccountID:     b.AccountID,
		Config:        res.Config,
		Category:      b.MediaType.TxCategory(),
		EstimatedCost: estimate,
		ProjectID:     b.ProjectID,
		TargetRef:     &targetRef,
	}, func(ctx context.Context) (*providers.Result, error) {
		return res.Adapter.Generate(ctx, res.Config, params)
	})
	if err != nil {
		if providers.IsTransient(err) && attempt < maxAttempts {
			s.logger.Warn("transient item failure, retrying",
				"batch_id", batchID, "item", itemIndex, "attempt", attempt, "error", err)
			return err
		}
		return s.failItem(ctx, b, itemIndex, err.Error())
	}

	return s.completeItem(ctx, b, itemIndex, mres)
}

func (s *service) completeItem(ctx context.Context, b *models.BatchJob, itemIndex int, mres *metering.Result) error {
	outputRef := mres.Output.OutputRef
	return s.finishItem(ctx, b, itemIndex, models.ItemStatusCompleted, &outputRef, nil, mres.CreditsCharged)
}

func (s *service) failItem(ctx context.Context, b *models.BatchJob, itemIndex int, detail string) error {
	s.logger.Warn("batch item failed", "batch_id", b.ID, "item", itemIndex, "error", detail)
	return s.finishItem(ctx, b, itemIndex, models.ItemStatusFailed, nil, &detail, 0)
}

func (s *service) skipItem(ctx context.Context, b *models.BatchJob, itemIndex int) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin skip tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := s.store.MarkItemSkipped(ctx, tx, b.ID, itemIndex); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// finishItem records a terminal item result, chains the next sequential
// item, finalizes the batch when no work remains, and enqueues the webhook
// delivery — all in one transaction.
func (s *service) finishItem(ctx context.Context, b *models.BatchJob, itemIndex int, status string, outputRef, errDetail *string, credits int64) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin result tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.RecordItemResult(ctx, tx, b.ID, itemIndex, status, outputRef, errDetail, credits); err != nil {
		return fmt.Errorf("record item result: %w", err)
	}

	if !b.Parallel {
		aborted := status == models.ItemStatusFailed && !b.ContinueOnError
		if aborted {
			if err := s.store.MarkRemainingSkipped(ctx, tx, b.ID); err != nil {
				return fmt.Errorf("skip remaining items: %w", err)
			}
		} else if next := itemIndex + 1; next < b.TotalCount {
			if err := s.insertItem(ctx, tx, execution.GenerateItemArgs{BatchID: b.ID, ItemIndex: next}); err != nil {
				return fmt.Errorf("enqueue next item: %w", err)
			}
		}
	}

	final, err := s.store.FinalizeIfDone(ctx, tx, b.ID)
	if err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	if final != "" && b.WebhookURL != nil {
		if err := s.enqueueNotify(ctx, tx, b, final); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *service) enqueueNotify(ctx context.Context, tx pgx.Tx, b *models.BatchJob, finalStatus string) error {
	completed, failed, total, err := s.store.DeriveCountsTx(ctx, tx, b.ID)
	if err != nil {
		return fmt.Errorf("derive counts: %w", err)
	}
	payload, err := json.Marshal(map[string]any{
		"batch_id":  b.ID,
		"status":    finalStatus,
		"completed": completed,
		"failed":    failed,
		"total":     total,
	})
	if err != nil {
		return err
	}
	return s.insertNotify(ctx, tx, execution.NotifyArgs{BatchID: b.ID, URL: *b.WebhookURL, Payload: payload})
}
