package metering

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/filmforge/backend/internal/ledger"
	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/providers"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// mockLedger keeps one balance in memory with the same atomic semantics as
// the real store: RecordTransaction fails when a spend would go negative,
// RecordDeficit applies unconditionally.
type mockLedger struct {
	mu          sync.Mutex
	balance     int64
	recordErr   error
	recorded    []ledger.TxParams
	deficits    []ledger.TxParams
	checkCalls  int
	recordCalls int
}

func (m *mockLedger) GetOrCreateBalance(context.Context, uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *mockLedger) CheckBalance(_ context.Context, _ uuid.UUID, required int64) (ledger.CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkCalls++
	return ledger.CheckResult{HasEnough: m.balance >= required, Balance: m.balance, Required: required}, nil
}

func (m *mockLedger) RecordTransaction(_ context.Context, p ledger.TxParams) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordCalls++
	if m.recordErr != nil {
		return nil, m.recordErr
	}
	if p.Amount < 0 && m.balance < -p.Amount {
		return nil, ledger.ErrInsufficientFunds
	}
	m.balance += p.Amount
	m.recorded = append(m.recorded, p)
	return &models.Transaction{ID: uuid.New(), AccountID: p.AccountID, Amount: p.Amount}, nil
}

func (m *mockLedger) RecordTransactionTx(ctx context.Context, _ pgx.Tx, p ledger.TxParams) (*models.Transaction, error) {
	return m.RecordTransaction(ctx, p)
}

func (m *mockLedger) RecordDeficit(_ context.Context, p ledger.TxParams) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance += p.Amount
	m.deficits = append(m.deficits, p)
	return &models.Transaction{ID: uuid.New(), AccountID: p.AccountID, Amount: p.Amount, Unbilled: true}, nil
}

func (m *mockLedger) Refund(context.Context, uuid.UUID, string) (*models.Transaction, error) {
	return nil, errors.New("not implemented")
}

func (m *mockLedger) ListTransactions(context.Context, uuid.UUID, int) ([]*models.Transaction, error) {
	return nil, nil
}

var _ ledger.Service = (*mockLedger)(nil)

func okAction(credits, cents int64) Action {
	return func(context.Context) (*providers.Result, error) {
		return &providers.Result{OutputRef: "images/x.png", CreditsUsed: credits, RealCostCents: cents}, nil
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestExecute_ChargesActualCost(t *testing.T) {
	led := &mockLedger{balance: 100}
	e := NewExecutor(led, slog.Default())

	res, err := e.Execute(context.Background(), Request{
		AccountID:     uuid.New(),
		Config:        models.ProviderConfig{Provider: "modal-qwen-image"},
		Category:      "image",
		EstimatedCost: 30,
	}, okAction(30, 12))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.CreditsCharged != 30 {
		t.Errorf("credits charged = %d, want 30", res.CreditsCharged)
	}
	if led.balance != 70 {
		t.Errorf("balance = %d, want 70", led.balance)
	}
	if res.Unbilled {
		t.Error("normal spend must not be flagged unbilled")
	}
	if res.TransactionID == nil {
		t.Error("missing transaction id")
	}
}

func TestExecute_InsufficientBalanceFailsFast(t *testing.T) {
	led := &mockLedger{balance: 20}
	e := NewExecutor(led, slog.Default())

	called := false
	_, err := e.Execute(context.Background(), Request{
		AccountID:     uuid.New(),
		EstimatedCost: 30,
	}, func(context.Context) (*providers.Result, error) {
		called = true
		return &providers.Result{}, nil
	})

	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if ice.Required != 30 || ice.Balance != 20 {
		t.Errorf("error carries required=%d balance=%d, want 30/20", ice.Required, ice.Balance)
	}
	if called {
		t.Error("action must not run when the pre-check fails")
	}
	if led.balance != 20 {
		t.Errorf("balance changed to %d, must stay 20", led.balance)
	}
}

func TestExecute_CallerOwnedCredentialsBypassBilling(t *testing.T) {
	led := &mockLedger{balance: 0}
	e := NewExecutor(led, slog.Default())

	res, err := e.Execute(context.Background(), Request{
		AccountID:     uuid.New(),
		Config:        models.ProviderConfig{Provider: "modal-qwen-image", CallerOwnsCredentials: true},
		EstimatedCost: 30,
	}, okAction(30, 12))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.CreditsCharged != 0 {
		t.Errorf("credits charged = %d, want 0", res.CreditsCharged)
	}
	if led.checkCalls != 0 || led.recordCalls != 0 {
		t.Error("ledger must not be touched when the caller owns credentials")
	}
}

func TestExecute_ActionFailureChargesNothing(t *testing.T) {
	led := &mockLedger{balance: 100}
	e := NewExecutor(led, slog.Default())

	wantErr := &providers.AdapterError{Provider: "modal-qwen-image", Err: errors.New("boom")}
	_, err := e.Execute(context.Background(), Request{
		AccountID:     uuid.New(),
		EstimatedCost: 30,
	}, func(context.Context) (*providers.Result, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected adapter error passed through, got %v", err)
	}
	if led.balance != 100 {
		t.Errorf("balance = %d, want untouched 100", led.balance)
	}
	if len(led.recorded) != 0 {
		t.Error("no spend may be recorded for a failed action")
	}
}

// The race: the advisory check passes, then a concurrent spend drains the
// balance before commit. The artifact is still delivered and the deficit is
// force-recorded.
func TestExecute_DeficitPathDeliversUnbilled(t *testing.T) {
	led := &mockLedger{balance: 100}
	e := NewExecutor(led, slog.Default())

	drained := false
	res, err := e.Execute(context.Background(), Request{
		AccountID:     uuid.New(),
		EstimatedCost: 30,
	}, func(context.Context) (*providers.Result, error) {
		// Simulate the concurrent spend while the action runs.
		if !drained {
			led.mu.Lock()
			led.balance = 5
			led.mu.Unlock()
			drained = true
		}
		return &providers.Result{OutputRef: "images/x.png", CreditsUsed: 30, RealCostCents: 12}, nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Unbilled {
		t.Fatal("deficit delivery must be flagged unbilled")
	}
	if res.Output.OutputRef != "images/x.png" {
		t.Error("artifact must still be delivered")
	}
	if len(led.deficits) != 1 {
		t.Fatalf("deficit entries = %d, want 1", len(led.deficits))
	}
	if led.balance != -25 {
		t.Errorf("balance = %d, want -25 (force-recorded past zero)", led.balance)
	}

	// With the balance negative, the next advisory check fails fast: the
	// exposure is bounded to spends already in flight.
	_, err = e.Execute(context.Background(), Request{AccountID: uuid.New(), EstimatedCost: 1}, okAction(1, 1))
	var ice *InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("expected fail-fast after deficit, got %v", err)
	}
}

func TestExecute_FallsBackToEstimateWhenCostUnreported(t *testing.T) {
	led := &mockLedger{balance: 100}
	e := NewExecutor(led, slog.Default())

	res, err := e.Execute(context.Background(), Request{
		AccountID:     uuid.New(),
		EstimatedCost: 30,
	}, okAction(0, 0))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.CreditsCharged != 30 {
		t.Errorf("credits charged = %d, want estimate 30", res.CreditsCharged)
	}
}
