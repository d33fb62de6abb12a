package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filmforge/backend/internal/models"
)

// ErrNotCancellable is returned when a batch is already in a terminal status.
var ErrNotCancellable = errors.New("batch is not cancellable")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx persists the batch row and one positional item row per input
// inside the caller's transaction, so the durable record exists before any
// work is enqueued.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, b *models.BatchJob, items []json.RawMessage) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO batch_jobs (id, account_id, media_type, status, total_count, parallel, continue_on_error, provider, priority, project_id, webhook_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, b.ID, b.AccountID, b.MediaType, b.Status, b.TotalCount, b.Parallel, b.ContinueOnError, b.Provider, b.Priority, b.ProjectID, b.WebhookURL).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	for i, params := range items {
		_, err := tx.Exec(ctx, `
			INSERT INTO batch_items (batch_id, item_index, status, input_params)
			VALUES ($1, $2, $3, $4)
		`, b.ID, i, models.ItemStatusPending, params)
		if err != nil {
			return fmt.Errorf("insert item %d: %w", i, err)
		}
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	var b models.BatchJob
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, media_type, status, total_count, completed_count, failed_count,
			parallel, continue_on_error, provider, priority, project_id, webhook_url, created_at, updated_at
		FROM batch_jobs WHERE id = $1
	`, id).Scan(&b.ID, &b.AccountID, &b.MediaType, &b.Status, &b.TotalCount, &b.CompletedCount, &b.FailedCount,
		&b.Parallel, &b.ContinueOnError, &b.Provider, &b.Priority, &b.ProjectID, &b.WebhookURL, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) GetItems(ctx context.Context, batchID uuid.UUID) ([]*models.BatchItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT batch_id, item_index, status, input_params, output_ref, error_detail, credits_charged, updated_at
		FROM batch_items WHERE batch_id = $1 ORDER BY item_index
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.BatchItem
	for rows.Next() {
		var it models.BatchItem
		if err := rows.Scan(&it.BatchID, &it.ItemIndex, &it.Status, &it.InputParams, &it.OutputRef, &it.ErrorDetail, &it.CreditsCharged, &it.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &it)
	}
	return list, rows.Err()
}

// ClaimItem moves a pending item to processing and returns it. A false claim
// means the item was already taken or finished; at-least-once delivery makes
// duplicate work attempts possible and the claim keeps them idempotent.
func (r *Repository) ClaimItem(ctx context.Context, batchID uuid.UUID, itemIndex int) (bool, *models.BatchItem, error) {
	var it models.BatchItem
	err := r.pool.QueryRow(ctx, `
		UPDATE batch_items SET status = $1, updated_at = now()
		WHERE batch_id = $2 AND item_index = $3 AND status IN ($4, $5)
		RETURNING batch_id, item_index, status, input_params, output_ref, error_detail, credits_charged, updated_at
	`, models.ItemStatusProcessing, batchID, itemIndex, models.ItemStatusPending, models.ItemStatusProcessing).
		Scan(&it.BatchID, &it.ItemIndex, &it.Status, &it.InputParams, &it.OutputRef, &it.ErrorDetail, &it.CreditsCharged, &it.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, &it, nil
}

// MarkProcessing flips a pending batch to processing when its first item
// starts.
func (r *Repository) MarkProcessing(ctx context.Context, batchID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE batch_jobs SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
	`, models.BatchStatusProcessing, batchID, models.BatchStatusPending)
	return err
}

// RecordItemResult writes a terminal item status and bumps the aggregate
// counters in the same transaction.
func (r *Repository) RecordItemResult(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, itemIndex int, status string, outputRef, errDetail *string, credits int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE batch_items
		SET status = $1, output_ref = $2, error_detail = $3, credits_charged = $4, updated_at = now()
		WHERE batch_id = $5 AND item_index = $6
	`, status, outputRef, errDetail, credits, batchID, itemIndex)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	completedDelta, failedDelta := 0, 0
	switch status {
	case models.ItemStatusCompleted:
		completedDelta = 1
	case models.ItemStatusFailed:
		failedDelta = 1
	}
	if completedDelta == 0 && failedDelta == 0 {
		return nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE batch_jobs
		SET completed_count = completed_count + $1, failed_count = failed_count + $2, updated_at = now()
		WHERE id = $3
	`, completedDelta, failedDelta, batchID)
	return err
}

// MarkItemSkipped records that an item never dispatched (cancellation or a
// sequential abort). Skipped items do not count toward completed or failed.
func (r *Repository) MarkItemSkipped(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, itemIndex int) error {
	_, err := tx.Exec(ctx, `
		UPDATE batch_items SET status = $1, updated_at = now()
		WHERE batch_id = $2 AND item_index = $3 AND status IN ($4, $5)
	`, models.ItemStatusSkipped, batchID, itemIndex, models.ItemStatusPending, models.ItemStatusProcessing)
	return err
}

// MarkRemainingSkipped skips every item that has not started yet.
func (r *Repository) MarkRemainingSkipped(ctx context.Context, tx pgx.Tx, batchID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE batch_items SET status = $1, updated_at = now()
		WHERE batch_id = $2 AND status = $3
	`, models.ItemStatusSkipped, batchID, models.ItemStatusPending)
	return err
}

// FinalizeIfDone derives the terminal batch status once no item remains
// pending or processing. Cancelled batches keep their status; otherwise
// failures=0 yields completed, failures=total failed, anything between
// partial. Returns the terminal status or "" when the batch is still
// running.
func (r *Repository) FinalizeIfDone(ctx context.Context, tx pgx.Tx, batchID uuid.UUID) (string, error) {
	var status string
	err := tx.QueryRow(ctx, `
		UPDATE batch_jobs b
		SET status = CASE
				WHEN b.failed_count = 0 THEN $1
				WHEN b.completed_count = 0 THEN $2
				ELSE $3
			END,
			updated_at = now()
		WHERE b.id = $4
		  AND b.status = $5
		  AND NOT EXISTS (
			SELECT 1 FROM batch_items i
			WHERE i.batch_id = b.id AND i.status IN ($6, $7)
		  )
		RETURNING b.status
	`, models.BatchStatusCompleted, models.BatchStatusFailed, models.BatchStatusPartial,
		batchID, models.BatchStatusProcessing, models.ItemStatusPending, models.ItemStatusProcessing).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// Cancel is cooperative: it only prevents not-yet-started items from
// dispatching. Valid while the batch is pending or processing.
func (r *Repository) Cancel(ctx context.Context, batchID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE batch_jobs SET status = $1, updated_at = now()
		WHERE id = $2 AND status IN ($3, $4)
	`, models.BatchStatusCancelled, batchID, models.BatchStatusPending, models.BatchStatusProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotCancellable
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DeriveCounts recomputes aggregate progress purely from per-item rows, so a
// restarted process reports correctly without trusting cached counters.
func (r *Repository) DeriveCounts(ctx context.Context, batchID uuid.UUID) (completed, failed, total int, err error) {
	return deriveCounts(ctx, r.pool, batchID)
}

// DeriveCountsTx is DeriveCounts within a caller transaction, seeing its
// uncommitted item updates.
func (r *Repository) DeriveCountsTx(ctx context.Context, tx pgx.Tx, batchID uuid.UUID) (completed, failed, total int, err error) {
	return deriveCounts(ctx, tx, batchID)
}

func deriveCounts(ctx context.Context, q rowQuerier, batchID uuid.UUID) (completed, failed, total int, err error) {
	err = q.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = $1),
			count(*) FILTER (WHERE status = $2),
			count(*)
		FROM batch_items WHERE batch_id = $3
	`, models.ItemStatusCompleted, models.ItemStatusFailed, batchID).Scan(&completed, &failed, &total)
	return completed, failed, total, err
}
