package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/filmforge/backend/internal/models"
)

// ErrInsufficientFunds is returned when the balance is too low at commit
// time. Unlike CheckBalance this verdict is authoritative.
var ErrInsufficientFunds = errInsufficientFunds

// TxParams describes one ledger entry to record. Amount is signed:
// negative spends, positive grants.
type TxParams struct {
	AccountID     uuid.UUID
	Amount        int64
	Category      string
	RealCostCents int64
	Provider      *string
	ProjectID     *uuid.UUID
	TargetRef     *string
}

// CheckResult is the outcome of an advisory balance check.
type CheckResult struct {
	HasEnough bool  `json:"has_enough"`
	Balance   int64 `json:"balance"`
	Required  int64 `json:"required"`
}

type Service interface {
	GetOrCreateBalance(ctx context.Context, accountID uuid.UUID) (int64, error)
	// CheckBalance is a read-only advisory check, not a reservation. A
	// concurrent spend can still drain the balance before commit.
	CheckBalance(ctx context.Context, accountID uuid.UUID, required int64) (CheckResult, error)
	// RecordTransaction atomically verifies sufficiency (for spends) and
	// appends the entry while updating the cached balance.
	RecordTransaction(ctx context.Context, p TxParams) (*models.Transaction, error)
	// RecordTransactionTx is RecordTransaction inside the caller's
	// transaction, for writes that must commit with other state.
	RecordTransactionTx(ctx context.Context, tx pgx.Tx, p TxParams) (*models.Transaction, error)
	// RecordDeficit force-applies a spend that may drive the balance
	// negative. Reserved for the unbilled-deficit path.
	RecordDeficit(ctx context.Context, p TxParams) (*models.Transaction, error)
	// Refund appends a positive compensating entry referencing the original.
	// The original is never mutated.
	Refund(ctx context.Context, originalTxID uuid.UUID, reason string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error)
}

type service struct {
	repo *Repository
}

func NewService(repo *Repository) Service {
	return &service{repo: repo}
}

var _ Service = (*service)(nil)

func (s *service) GetOrCreateBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return s.repo.GetOrCreate(ctx, accountID)
}

func (s *service) CheckBalance(ctx context.Context, accountID uuid.UUID, required int64) (CheckResult, error) {
	balance, err := s.repo.GetOrCreate(ctx, accountID)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{HasEnough: balance >= required, Balance: balance, Required: required}, nil
}

func (s *service) RecordTransaction(ctx context.Context, p TxParams) (*models.Transaction, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)
	t, err := s.RecordTransactionTx(ctx, tx, p)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return t, nil
}

func (s *service) RecordTransactionTx(ctx context.Context, tx pgx.Tx, p TxParams) (*models.Transaction, error) {
	if _, err := s.repo.GetOrCreate(ctx, p.AccountID); err != nil {
		return nil, err
	}
	t := entryFromParams(p)
	if err := s.repo.Record(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *service) RecordDeficit(ctx context.Context, p TxParams) (*models.Transaction, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)
	t := entryFromParams(p)
	if err := s.repo.ForceRecord(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return t, nil
}

func (s *service) Refund(ctx context.Context, originalTxID uuid.UUID, reason string) (*models.Transaction, error) {
	orig, err := s.repo.GetTransaction(ctx, originalTxID)
	if err != nil {
		return nil, fmt.Errorf("load original transaction: %w", err)
	}
	if orig.Amount >= 0 {
		return nil, fmt.Errorf("transaction %s is not a spend", originalTxID)
	}
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)
	t := &models.Transaction{
		ID:           uuid.New(),
		AccountID:    orig.AccountID,
		Amount:       -orig.Amount,
		Category:     models.TxCategoryRefund,
		Provider:     orig.Provider,
		ProjectID:    orig.ProjectID,
		OriginalTxID: &orig.ID,
		Note:         &reason,
	}
	if err := s.repo.Record(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return t, nil
}

func (s *service) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	return s.repo.ListByAccount(ctx, accountID, limit)
}

func entryFromParams(p TxParams) *models.Transaction {
	return &models.Transaction{
		ID:            uuid.New(),
		AccountID:     p.AccountID,
		Amount:        p.Amount,
		Category:      p.Category,
		RealCostCents: p.RealCostCents,
		Provider:      p.Provider,
		ProjectID:     p.ProjectID,
		TargetRef:     p.TargetRef,
	}
}
