package regen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filmforge/backend/internal/models"
)

var ErrRequestNotFound = errors.New("regeneration request not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const regenColumns = `id, batch_id, project_id, requester_id, target_ref, media_type,
	reason, status, max_attempts, attempts_used, cost_per_attempt,
	credits_pre_paid, review_note, reviewed_by, created_at, reviewed_at`

// CreateBulk inserts all requests of one review batch in a single
// transaction, all pending.
func (r *Repository) CreateBulk(ctx context.Context, reqs []*models.RegenerationRequest) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin regen tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, req := range reqs {
		_, err := tx.Exec(ctx, `
			INSERT INTO regen_requests
				(id, batch_id, project_id, requester_id, target_ref, media_type,
				 reason, status, max_attempts, cost_per_attempt, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, req.ID, req.BatchID, req.ProjectID, req.RequesterID, req.TargetRef,
			req.MediaType, req.Reason, req.Status, req.MaxAttempts,
			req.CostPerAttempt, req.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert regen request: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.RegenerationRequest, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+regenColumns+` FROM regen_requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return req, err
}

func (r *Repository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.RegenerationRequest, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+regenColumns+` FROM regen_requests WHERE batch_id = $1 ORDER BY created_at`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*models.RegenerationRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// PendingTotalTx sums the maximum draw of every pending request in the batch
// and locks those rows so the total stays valid through approval.
func (r *Repository) PendingTotalTx(ctx context.Context, tx pgx.Tx, batchID uuid.UUID) (total int64, count int, err error) {
	rows, err := tx.Query(ctx, `
		SELECT cost_per_attempt, max_attempts FROM regen_requests
		WHERE batch_id = $1 AND status = $2
		FOR UPDATE
	`, batchID, models.RegenStatusPending)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var cost int64
		var attempts int
		if err := rows.Scan(&cost, &attempts); err != nil {
			return 0, 0, err
		}
		total += cost * int64(attempts)
		count++
	}
	return total, count, rows.Err()
}

// ReviewBulkTx transitions every pending request in the batch to the given
// terminal status. For approvals it records the pre-paid escrow amount on
// each row.
func (r *Repository) ReviewBulkTx(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, status string, reviewerID uuid.UUID, note *string, reviewedAt time.Time) (int, error) {
	prepaid := "0"
	if status == models.RegenStatusApproved {
		prepaid = "cost_per_attempt * max_attempts"
	}
	tag, err := tx.Exec(ctx, `
		UPDATE regen_requests
		SET status = $1, reviewed_by = $2, review_note = $3, reviewed_at = $4,
		    credits_pre_paid = `+prepaid+`
		WHERE batch_id = $5 AND status = $6
	`, status, reviewerID, note, reviewedAt, batchID, models.RegenStatusPending)
	if err != nil {
		return 0, fmt.Errorf("review regen batch: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ConsumeAttempt draws one attempt from an approved request. The conditional
// update is the attempt budget: once attempts_used reaches max_attempts no
// further draw succeeds.
func (r *Repository) ConsumeAttempt(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE regen_requests
		SET attempts_used = attempts_used + 1
		WHERE id = $1 AND status = $2 AND attempts_used < max_attempts
	`, id, models.RegenStatusApproved)
	if err != nil {
		return false, fmt.Errorf("consume regen attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.RegenerationRequest, error) {
	var req models.RegenerationRequest
	err := row.Scan(&req.ID, &req.BatchID, &req.ProjectID, &req.RequesterID,
		&req.TargetRef, &req.MediaType, &req.Reason, &req.Status,
		&req.MaxAttempts, &req.AttemptsUsed, &req.CostPerAttempt,
		&req.CreditsPrePaid, &req.ReviewNote, &req.ReviewedBy,
		&req.CreatedAt, &req.ReviewedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}
