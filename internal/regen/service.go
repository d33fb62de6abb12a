package regen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/filmforge/backend/internal/ledger"
	"github.com/filmforge/backend/internal/models"
)

var (
	// ErrAttemptsExhausted means every pre-paid attempt has been consumed.
	ErrAttemptsExhausted = errors.New("regeneration attempts exhausted")
	// ErrNotApproved means the request is pending or was rejected.
	ErrNotApproved = errors.New("regeneration request not approved")
	// ErrNothingPending means the review batch has no pending requests left.
	ErrNothingPending = errors.New("no pending regeneration requests in batch")
)

// CostEstimator prices one regeneration attempt for a media type, using the
// currently cheapest configured provider. The estimate is frozen on the
// request at submission.
type CostEstimator interface {
	EstimateAttemptCost(ctx context.Context, media models.MediaType) (int64, error)
}

// Store is the persistence surface; *Repository implements it.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateBulk(ctx context.Context, reqs []*models.RegenerationRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.RegenerationRequest, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.RegenerationRequest, error)
	PendingTotalTx(ctx context.Context, tx pgx.Tx, batchID uuid.UUID) (int64, int, error)
	ReviewBulkTx(ctx context.Context, tx pgx.Tx, batchID uuid.UUID, status string, reviewerID uuid.UUID, note *string, reviewedAt time.Time) (int, error)
	ConsumeAttempt(ctx context.Context, id uuid.UUID) (bool, error)
}

// SubmitItem is one target a requester wants redone.
type SubmitItem struct {
	TargetRef string           `json:"target_ref"`
	MediaType models.MediaType `json:"media_type"`
	Reason    string           `json:"reason,omitempty"`
}

// SubmitParams groups sibling requests under one review batch.
type SubmitParams struct {
	ProjectID   uuid.UUID
	RequesterID uuid.UUID
	Items       []SubmitItem
	MaxAttempts int
}

// ReviewParams decides a whole review batch at once.
type ReviewParams struct {
	BatchID    uuid.UUID
	ReviewerID uuid.UUID
	Approve    bool
	Note       *string
}

type Service interface {
	// Submit creates pending requests sharing a batch id, each priced at
	// submission time.
	Submit(ctx context.Context, p SubmitParams) ([]*models.RegenerationRequest, error)
	// Review approves or rejects every pending request in the batch.
	// Approval charges the reviewer the full pre-paid total atomically:
	// if the reviewer cannot cover it, no request changes state.
	Review(ctx context.Context, p ReviewParams) ([]*models.RegenerationRequest, error)
	// ConsumeAttempt draws one attempt from an approved request without a
	// balance check; the credits were escrowed at approval.
	ConsumeAttempt(ctx context.Context, id uuid.UUID) (*models.RegenerationRequest, error)
	Get(ctx context.Context, id uuid.UUID) (*models.RegenerationRequest, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.RegenerationRequest, error)
}

type service struct {
	store     Store
	ledger    ledger.Service
	estimator CostEstimator
	logger    *slog.Logger
}

func NewService(store Store, ledgerSvc ledger.Service, estimator CostEstimator, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &service{store: store, ledger: ledgerSvc, estimator: estimator, logger: logger}
}

var _ Service = (*service)(nil)

func (s *service) Submit(ctx context.Context, p SubmitParams) ([]*models.RegenerationRequest, error) {
	if len(p.Items) == 0 {
		return nil, errors.New("submission needs at least one item")
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultRegenMaxAttempts
	}

	batchID := uuid.New()
	now := time.Now().UTC()
	reqs := make([]*models.RegenerationRequest, 0, len(p.Items))
	for _, item := range p.Items {
		if !item.MediaType.Valid() {
			return nil, fmt.Errorf("unknown media type %q", item.MediaType)
		}
		cost, err := s.estimator.EstimateAttemptCost(ctx, item.MediaType)
		if err != nil {
			return nil, fmt.Errorf("price attempt for %s: %w", item.MediaType, err)
		}
		reqs = append(reqs, &models.RegenerationRequest{
			ID:             uuid.New(),
			BatchID:        batchID,
			ProjectID:      p.ProjectID,
			RequesterID:    p.RequesterID,
			TargetRef:      item.TargetRef,
			MediaType:      item.MediaType,
			Reason:         item.Reason,
			Status:         models.RegenStatusPending,
			MaxAttempts:    maxAttempts,
			CostPerAttempt: cost,
			CreatedAt:      now,
		})
	}
	if err := s.store.CreateBulk(ctx, reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (s *service) Review(ctx context.Context, p ReviewParams) ([]*models.RegenerationRequest, error) {
	now := time.Now().UTC()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin review tx: %w", err)
	}
	defer tx.Rollback(ctx)

	total, count, err := s.store.PendingTotalTx(ctx, tx, p.BatchID)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, ErrNothingPending
	}

	status := models.RegenStatusRejected
	if p.Approve {
		status = models.RegenStatusApproved
		targetRef := fmt.Sprintf("regen:%s", p.BatchID)
		_, err := s.ledger.RecordTransactionTx(ctx, tx, ledger.TxParams{
			AccountID: p.ReviewerID,
			Amount:    -total,
			Category:  models.TxCategoryAdjustment,
			TargetRef: &targetRef,
		})
		if err != nil {
			// ErrInsufficientFunds rolls everything back: the whole batch
			// stays pending.
			return nil, err
		}
	}

	if _, err := s.store.ReviewBulkTx(ctx, tx, p.BatchID, status, p.ReviewerID, p.Note, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit review tx: %w", err)
	}

	s.logger.Info("regeneration batch reviewed",
		"batch_id", p.BatchID, "status", status, "requests", count, "escrowed", total)
	return s.store.ListByBatch(ctx, p.BatchID)
}

func (s *service) ConsumeAttempt(ctx context.Context, id uuid.UUID) (*models.RegenerationRequest, error) {
	consumed, err := s.store.ConsumeAttempt(ctx, id)
	if err != nil {
		return nil, err
	}
	if !consumed {
		// Distinguish a spent budget from a request never approved.
		req, err := s.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status != models.RegenStatusApproved {
			return nil, ErrNotApproved
		}
		return nil, ErrAttemptsExhausted
	}
	return s.store.GetByID(ctx, id)
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.RegenerationRequest, error) {
	return s.store.GetByID(ctx, id)
}

func (s *service) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*models.RegenerationRequest, error) {
	return s.store.ListByBatch(ctx, batchID)
}
