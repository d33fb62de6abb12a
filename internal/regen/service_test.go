package regen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/filmforge/backend/internal/ledger"
	"github.com/filmforge/backend/internal/models"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// memStore mirrors the repository's transition rules in memory. Writes made
// through a tx are staged and applied on commit so a ledger failure inside
// Review leaves every request untouched, like the real rollback.
type memStore struct {
	mu   sync.Mutex
	reqs map[uuid.UUID]*models.RegenerationRequest
}

func newMemStore() *memStore {
	return &memStore{reqs: make(map[uuid.UUID]*models.RegenerationRequest)}
}

// memTx applies staged mutations on commit.
type memTx struct {
	noopTx
	staged []func()
}

func (t *memTx) Commit(context.Context) error {
	for _, fn := range t.staged {
		fn()
	}
	t.staged = nil
	return nil
}

func (t *memTx) Rollback(context.Context) error {
	t.staged = nil
	return nil
}

func (s *memStore) Begin(context.Context) (pgx.Tx, error) { return &memTx{}, nil }

func (s *memStore) CreateBulk(_ context.Context, reqs []*models.RegenerationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reqs {
		cp := *r
		s.reqs[r.ID] = &cp
	}
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.RegenerationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ListByBatch(_ context.Context, batchID uuid.UUID) ([]*models.RegenerationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.RegenerationRequest
	for _, r := range s.reqs {
		if r.BatchID == batchID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) PendingTotalTx(_ context.Context, _ pgx.Tx, batchID uuid.UUID) (int64, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	var count int
	for _, r := range s.reqs {
		if r.BatchID == batchID && r.Status == models.RegenStatusPending {
			total += r.CostPerAttempt * int64(r.MaxAttempts)
			count++
		}
	}
	return total, count, nil
}

func (s *memStore) ReviewBulkTx(_ context.Context, tx pgx.Tx, batchID uuid.UUID, status string, reviewerID uuid.UUID, note *string, reviewedAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.reqs {
		if r.BatchID != batchID || r.Status != models.RegenStatusPending {
			continue
		}
		n++
		tx.(*memTx).staged = append(tx.(*memTx).staged, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			r.Status = status
			r.ReviewedBy = &reviewerID
			r.ReviewNote = note
			r.ReviewedAt = &reviewedAt
			if status == models.RegenStatusApproved {
				r.CreditsPrePaid = r.CostPerAttempt * int64(r.MaxAttempts)
			}
		})
	}
	return n, nil
}

func (s *memStore) ConsumeAttempt(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reqs[id]
	if !ok {
		return false, ErrRequestNotFound
	}
	if r.Status != models.RegenStatusApproved || r.AttemptsUsed >= r.MaxAttempts {
		return false, nil
	}
	r.AttemptsUsed++
	return true, nil
}

// stubLedger only implements the escrow write the review path uses.
type stubLedger struct {
	mu        sync.Mutex
	balance   int64
	recorded  []ledger.TxParams
	lastTxErr error
}

func (l *stubLedger) GetOrCreateBalance(context.Context, uuid.UUID) (int64, error) {
	return l.balance, nil
}

func (l *stubLedger) CheckBalance(_ context.Context, _ uuid.UUID, required int64) (ledger.CheckResult, error) {
	return ledger.CheckResult{HasEnough: l.balance >= required, Balance: l.balance, Required: required}, nil
}

func (l *stubLedger) RecordTransaction(ctx context.Context, p ledger.TxParams) (*models.Transaction, error) {
	return l.RecordTransactionTx(ctx, nil, p)
}

func (l *stubLedger) RecordTransactionTx(_ context.Context, _ pgx.Tx, p ledger.TxParams) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastTxErr != nil {
		return nil, l.lastTxErr
	}
	if p.Amount < 0 && l.balance+p.Amount < 0 {
		return nil, ledger.ErrInsufficientFunds
	}
	l.balance += p.Amount
	l.recorded = append(l.recorded, p)
	after := l.balance
	return &models.Transaction{ID: uuid.New(), AccountID: p.AccountID, Amount: p.Amount, BalanceAfter: &after}, nil
}

func (l *stubLedger) RecordDeficit(_ context.Context, p ledger.TxParams) (*models.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balance += p.Amount
	after := l.balance
	return &models.Transaction{ID: uuid.New(), AccountID: p.AccountID, Amount: p.Amount, BalanceAfter: &after}, nil
}

func (l *stubLedger) Refund(context.Context, uuid.UUID, string) (*models.Transaction, error) {
	return nil, errors.New("not implemented")
}

func (l *stubLedger) ListTransactions(context.Context, uuid.UUID, int) ([]*models.Transaction, error) {
	return nil, nil
}

var _ ledger.Service = (*stubLedger)(nil)

// fixedEstimator prices every attempt at a constant per media type.
type fixedEstimator struct {
	costs map[models.MediaType]int64
}

func (e *fixedEstimator) EstimateAttemptCost(_ context.Context, media models.MediaType) (int64, error) {
	c, ok := e.costs[media]
	if !ok {
		return 0, errors.New("no provider configured")
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestService(balance int64) (Service, *memStore, *stubLedger) {
	store := newMemStore()
	led := &stubLedger{balance: balance}
	est := &fixedEstimator{costs: map[models.MediaType]int64{
		models.MediaImage: 10,
		models.MediaVideo: 50,
	}}
	return NewService(store, led, est, nil), store, led
}

func submitTwo(t *testing.T, svc Service) (uuid.UUID, []*models.RegenerationRequest) {
	t.Helper()
	reqs, err := svc.Submit(context.Background(), SubmitParams{
		ProjectID:   uuid.New(),
		RequesterID: uuid.New(),
		Items: []SubmitItem{
			{TargetRef: "batch:abc#0", MediaType: models.MediaImage, Reason: "artifacting"},
			{TargetRef: "batch:abc#3", MediaType: models.MediaVideo},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return reqs[0].BatchID, reqs
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestSubmit_FreezesPricingPerItem(t *testing.T) {
	svc, _, _ := newTestService(0)
	batchID, reqs := submitTwo(t, svc)

	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	for _, r := range reqs {
		if r.BatchID != batchID {
			t.Error("sibling requests must share a batch id")
		}
		if r.Status != models.RegenStatusPending {
			t.Errorf("status = %q, want pending", r.Status)
		}
		if r.MaxAttempts != models.DefaultRegenMaxAttempts {
			t.Errorf("max attempts = %d, want default %d", r.MaxAttempts, models.DefaultRegenMaxAttempts)
		}
	}
	if reqs[0].CostPerAttempt != 10 || reqs[1].CostPerAttempt != 50 {
		t.Errorf("costs = %d/%d, want 10/50", reqs[0].CostPerAttempt, reqs[1].CostPerAttempt)
	}
}

func TestSubmit_UnpricableMediaTypeRejected(t *testing.T) {
	svc, _, _ := newTestService(0)
	_, err := svc.Submit(context.Background(), SubmitParams{
		ProjectID:   uuid.New(),
		RequesterID: uuid.New(),
		Items:       []SubmitItem{{TargetRef: "batch:abc#0", MediaType: models.MediaTTS}},
	})
	if err == nil {
		t.Fatal("expected error for media type with no configured provider")
	}
}

func TestReview_ApproveEscrowsFullTotal(t *testing.T) {
	// 3 attempts x 10 + 3 attempts x 50 = 180.
	svc, _, led := newTestService(200)
	batchID, _ := submitTwo(t, svc)

	reviewer := uuid.New()
	reqs, err := svc.Review(context.Background(), ReviewParams{
		BatchID: batchID, ReviewerID: reviewer, Approve: true,
	})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	for _, r := range reqs {
		if r.Status != models.RegenStatusApproved {
			t.Errorf("status = %q, want approved", r.Status)
		}
		if want := r.CostPerAttempt * int64(r.MaxAttempts); r.CreditsPrePaid != want {
			t.Errorf("pre-paid = %d, want %d", r.CreditsPrePaid, want)
		}
		if r.ReviewedBy == nil || *r.ReviewedBy != reviewer {
			t.Error("approved request must record the reviewer")
		}
	}
	if led.balance != 20 {
		t.Errorf("reviewer balance = %d, want 20 after 180 escrow", led.balance)
	}
	if len(led.recorded) != 1 || led.recorded[0].Amount != -180 {
		t.Fatalf("expected one -180 escrow entry, got %+v", led.recorded)
	}
	if led.recorded[0].Category != models.TxCategoryAdjustment {
		t.Errorf("escrow category = %q, want adjustment", led.recorded[0].Category)
	}
}

// An approver who cannot cover the whole batch approves nothing: the ledger
// write fails inside the transaction and every request stays pending.
func TestReview_InsufficientFundsLeavesBatchPending(t *testing.T) {
	svc, store, led := newTestService(100)
	batchID, reqs := submitTwo(t, svc)

	_, err := svc.Review(context.Background(), ReviewParams{
		BatchID: batchID, ReviewerID: uuid.New(), Approve: true,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if led.balance != 100 {
		t.Errorf("balance = %d, want untouched 100", led.balance)
	}
	for _, r := range reqs {
		got, _ := store.GetByID(context.Background(), r.ID)
		if got.Status != models.RegenStatusPending {
			t.Errorf("request %s status = %q, want pending", r.ID, got.Status)
		}
	}
}

func TestReview_RejectChargesNothing(t *testing.T) {
	svc, _, led := newTestService(0)
	batchID, _ := submitTwo(t, svc)

	note := "wrong project"
	reqs, err := svc.Review(context.Background(), ReviewParams{
		BatchID: batchID, ReviewerID: uuid.New(), Approve: false, Note: &note,
	})
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	for _, r := range reqs {
		if r.Status != models.RegenStatusRejected {
			t.Errorf("status = %q, want rejected", r.Status)
		}
		if r.ReviewNote == nil || *r.ReviewNote != note {
			t.Error("rejection must carry the review note")
		}
	}
	if len(led.recorded) != 0 {
		t.Errorf("rejection recorded %d ledger entries, want 0", len(led.recorded))
	}
}

func TestReview_EmptyBatch(t *testing.T) {
	svc, _, _ := newTestService(0)
	_, err := svc.Review(context.Background(), ReviewParams{
		BatchID: uuid.New(), ReviewerID: uuid.New(), Approve: true,
	})
	if !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending, got %v", err)
	}
}

func TestReview_SecondReviewFindsNothingPending(t *testing.T) {
	svc, _, _ := newTestService(500)
	batchID, _ := submitTwo(t, svc)

	if _, err := svc.Review(context.Background(), ReviewParams{
		BatchID: batchID, ReviewerID: uuid.New(), Approve: true,
	}); err != nil {
		t.Fatalf("first review: %v", err)
	}
	_, err := svc.Review(context.Background(), ReviewParams{
		BatchID: batchID, ReviewerID: uuid.New(), Approve: false,
	})
	if !errors.Is(err, ErrNothingPending) {
		t.Fatalf("expected ErrNothingPending on re-review, got %v", err)
	}
}

func TestConsumeAttempt_DrawsDownWithoutBalanceCheck(t *testing.T) {
	svc, _, led := newTestService(500)
	batchID, reqs := submitTwo(t, svc)
	if _, err := svc.Review(context.Background(), ReviewParams{
		BatchID: batchID, ReviewerID: uuid.New(), Approve: true,
	}); err != nil {
		t.Fatalf("Review: %v", err)
	}
	// Drain the reviewer after approval; attempts were pre-paid.
	led.balance = 0

	id := reqs[0].ID
	for i := 1; i <= models.DefaultRegenMaxAttempts; i++ {
		r, err := svc.ConsumeAttempt(context.Background(), id)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if r.AttemptsUsed != i {
			t.Errorf("attempts used = %d, want %d", r.AttemptsUsed, i)
		}
	}
	if _, err := svc.ConsumeAttempt(context.Background(), id); !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}
}

func TestConsumeAttempt_PendingRequestNotApproved(t *testing.T) {
	svc, _, _ := newTestService(0)
	_, reqs := submitTwo(t, svc)

	if _, err := svc.ConsumeAttempt(context.Background(), reqs[0].ID); !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved, got %v", err)
	}
}

func TestConsumeAttempt_UnknownRequest(t *testing.T) {
	svc, _, _ := newTestService(0)
	if _, err := svc.ConsumeAttempt(context.Background(), uuid.New()); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}
