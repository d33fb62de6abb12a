package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/filmforge/backend/internal/models"
)

var errInsufficientFunds = errors.New("insufficient funds")

// ErrTransactionNotFound is returned when a ledger entry id is unknown.
var ErrTransactionNotFound = errors.New("transaction not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Begin opens a transaction for callers that need to combine a ledger write
// with their own state change.
func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// GetOrCreate lazily creates the balance row for an account on first
// chargeable action. Idempotent and safe under concurrent first use.
func (r *Repository) GetOrCreate(ctx context.Context, accountID uuid.UUID) (int64, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO credit_accounts (account_id, balance)
		VALUES ($1, 0)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID)
	if err != nil {
		return 0, fmt.Errorf("create balance: %w", err)
	}
	return r.Balance(ctx, accountID)
}

// Balance reads the cached balance. Advisory only: a concurrent spend can
// invalidate it immediately. Record is the authoritative check.
func (r *Repository) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx, `
		SELECT balance FROM credit_accounts WHERE account_id = $1
	`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// Record applies t inside the given transaction: it updates the cached
// balance and appends the transaction row as one indivisible operation.
// For spends (negative amount) the balance update is conditional on
// sufficiency; errInsufficientFunds means nothing was applied.
func (r *Repository) Record(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	var balance int64
	var err error
	if t.Amount < 0 {
		err = tx.QueryRow(ctx, `
			UPDATE credit_accounts
			SET balance = balance + $1, updated_at = now()
			WHERE account_id = $2 AND balance >= -$1
			RETURNING balance
		`, t.Amount, t.AccountID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return errInsufficientFunds
		}
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE credit_accounts
			SET balance = balance + $1, updated_at = now()
			WHERE account_id = $2
			RETURNING balance
		`, t.Amount, t.AccountID).Scan(&balance)
	}
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	t.BalanceAfter = &balance
	return r.insert(ctx, tx, t)
}

// ForceRecord applies t without the sufficiency check, allowing the balance
// to go negative. Only the metering wrapper's unbilled-deficit path uses it.
func (r *Repository) ForceRecord(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	var balance int64
	err := tx.QueryRow(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $1, updated_at = now()
		WHERE account_id = $2
		RETURNING balance
	`, t.Amount, t.AccountID).Scan(&balance)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	t.BalanceAfter = &balance
	t.Unbilled = true
	return r.insert(ctx, tx, t)
}

func (r *Repository) insert(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions
			(id, account_id, amount, category, real_cost_cents, provider, project_id, target_ref, original_tx_id, note, balance_after, unbilled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`, t.ID, t.AccountID, t.Amount, t.Category, t.RealCostCents, t.Provider, t.ProjectID, t.TargetRef, t.OriginalTxID, t.Note, t.BalanceAfter, t.Unbilled).Scan(&t.CreatedAt)
}

// GetTransaction fetches a single ledger entry.
func (r *Repository) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, amount, category, real_cost_cents, provider, project_id, target_ref, original_tx_id, note, balance_after, unbilled, created_at
		FROM credit_transactions WHERE id = $1
	`, id).Scan(&t.ID, &t.AccountID, &t.Amount, &t.Category, &t.RealCostCents, &t.Provider, &t.ProjectID, &t.TargetRef, &t.OriginalTxID, &t.Note, &t.BalanceAfter, &t.Unbilled, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByAccount returns an account's ledger entries, newest first.
func (r *Repository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, amount, category, real_cost_cents, provider, project_id, target_ref, original_tx_id, note, balance_after, unbilled, created_at
		FROM credit_transactions WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Amount, &t.Category, &t.RealCostCents, &t.Provider, &t.ProjectID, &t.TargetRef, &t.OriginalTxID, &t.Note, &t.BalanceAfter, &t.Unbilled, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
