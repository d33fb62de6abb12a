// Package metering wraps every paid generation in the
// check -> execute -> record protocol that keeps the credit ledger honest:
// never charge for a failed generation, never hold a financial lock across a
// network call.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/filmforge/backend/internal/ledger"
	"github.com/filmforge/backend/internal/models"
	"github.com/filmforge/backend/internal/providers"
)

// InsufficientCreditsError is the fail-fast pre-check verdict: no external
// call was made and nothing was charged.
type InsufficientCreditsError struct {
	Required int64
	Balance  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Balance)
}

const (
	commitRetries    = 3
	commitRetryDelay = 50 * time.Millisecond

	// Deficit alerting budget per account: more than deficitBurst unbilled
	// events inside a deficitWindow escalates from warn to error logging for
	// reconciliation alerting.
	deficitWindow = 10 * time.Minute
	deficitBurst  = 3
)

// Request describes one metered execution.
type Request struct {
	AccountID     uuid.UUID
	Config        models.ProviderConfig
	Category      string
	EstimatedCost int64
	SkipCheck     bool
	ProjectID     *uuid.UUID
	TargetRef     *string
}

// Action performs the actual generation, typically an adapter's Generate.
type Action func(ctx context.Context) (*providers.Result, error)

// Result is the outcome of a metered execution. Unbilled marks the
// documented deficit path: the artifact was delivered but the spend could
// not be covered and was force-recorded for out-of-band reconciliation.
type Result struct {
	Output         *providers.Result
	CreditsCharged int64
	RealCostCents  int64
	Unbilled       bool
	TransactionID  *uuid.UUID
}

type Executor struct {
	ledger ledger.Service
	logger *slog.Logger

	mu       sync.Mutex
	deficits map[uuid.UUID]*rate.Limiter
}

func NewExecutor(ledgerSvc ledger.Service, logger *slog.Logger) *Executor {
	return &Executor{
		ledger:   ledgerSvc,
		logger:   logger,
		deficits: make(map[uuid.UUID]*rate.Limiter),
	}
}

// Execute runs action under the metering protocol:
//
//  1. caller-owned credentials or SkipCheck bypass billing entirely;
//  2. an advisory balance check fails fast before any external call;
//  3. the action runs outside any ledger transaction, so provider latency
//     never holds a financial lock;
//  4. on success the realized cost is committed; if a concurrent spend
//     drained the balance between check and commit, the artifact is still
//     delivered and the deficit is force-recorded and flagged;
//  5. on action failure nothing is charged.
func (e *Executor) Execute(ctx context.Context, req Request, action Action) (*Result, error) {
	if req.Config.CallerOwnsCredentials || req.SkipCheck {
		out, err := action(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Output: out}, nil
	}

	check, err := e.ledger.CheckBalance(ctx, req.AccountID, req.EstimatedCost)
	if err != nil {
		return nil, fmt.Errorf("balance check: %w", err)
	}
	if !check.HasEnough {
		return nil, &InsufficientCreditsError{Required: check.Required, Balance: check.Balance}
	}

	out, err := action(ctx)
	if err != nil {
		return nil, err
	}

	cost := out.CreditsUsed
	if cost <= 0 {
		cost = req.EstimatedCost
	}
	provider := req.Config.Provider
	params := ledger.TxParams{
		AccountID:     req.AccountID,
		Amount:        -cost,
		Category:      req.Category,
		RealCostCents: out.RealCostCents,
		Provider:      &provider,
		ProjectID:     req.ProjectID,
		TargetRef:     req.TargetRef,
	}

	tx, err := e.commit(ctx, params)
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return e.recordDeficit(ctx, req, params, out, cost)
	}
	if err != nil {
		// Storage kept failing after retries. The artifact is delivered and
		// the uncharged spend is surfaced for reconciliation; the commit is
		// atomic, so nothing was partially applied.
		e.logger.Error("ledger commit failed after retries, delivering unbilled artifact",
			"account_id", req.AccountID, "provider", provider, "credits", cost, "error", err)
		return &Result{Output: out, Unbilled: true}, nil
	}
	return &Result{
		Output:         out,
		CreditsCharged: cost,
		RealCostCents:  out.RealCostCents,
		TransactionID:  &tx.ID,
	}, nil
}

// commit records the spend, retrying transient storage errors. Retrying is
// safe because RecordTransaction applies atomically or not at all.
func (e *Executor) commit(ctx context.Context, params ledger.TxParams) (*models.Transaction, error) {
	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		tx, err := e.ledger.RecordTransaction(ctx, params)
		if err == nil {
			return tx, nil
		}
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(commitRetryDelay << attempt):
		}
	}
	return nil, lastErr
}

// recordDeficit handles the narrow race where a concurrent spend drained the
// balance between the advisory check and the commit. The spend is
// force-applied, driving the balance negative: subsequent advisory checks
// for the account then fail, which bounds the exposure to the spends already
// in flight.
func (e *Executor) recordDeficit(ctx context.Context, req Request, params ledger.TxParams, out *providers.Result, cost int64) (*Result, error) {
	tx, err := e.ledger.RecordDeficit(ctx, params)

	logFn := e.logger.Warn
	if !e.deficitLimiter(req.AccountID).Allow() {
		logFn = e.logger.Error
	}
	attrs := []any{
		"account_id", req.AccountID,
		"provider", req.Config.Provider,
		"category", req.Category,
		"credits", cost,
		"real_cost_cents", out.RealCostCents,
	}
	if err != nil {
		logFn("credit deficit could not be recorded", append(attrs, "error", err)...)
		return &Result{Output: out, Unbilled: true}, nil
	}
	logFn("generation delivered with credit deficit", append(attrs, "transaction_id", tx.ID)...)
	return &Result{
		Output:         out,
		CreditsCharged: cost,
		RealCostCents:  out.RealCostCents,
		Unbilled:       true,
		TransactionID:  &tx.ID,
	}, nil
}

func (e *Executor) deficitLimiter(accountID uuid.UUID) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	lim, ok := e.deficits[accountID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(deficitWindow), deficitBurst)
		e.deficits[accountID] = lim
	}
	return lim
}
