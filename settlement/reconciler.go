// Package settlement orchestrates reward debt settlement runs: aggregate
// pending ledger entries, submit one batched on-chain allocation, verify
// per-recipient claimable balances, and flip verified entries to claimable.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"commitpay/announce"
	"commitpay/chain"
	"commitpay/ledger"
	"commitpay/observability"
)

// ErrRunInProgress indicates another instance (or an earlier trigger) holds
// the settlement lease.
var ErrRunInProgress = errors.New("settlement: run already in progress")

// Allocator submits one batched allocation and blocks until confirmed.
type Allocator interface {
	SubmitBatch(ctx context.Context, debts []ledger.RecipientDebt) (*chain.AllocationBatch, error)
}

// Verifier checks one recipient's on-chain claimable balance.
type Verifier interface {
	Verify(ctx context.Context, addr common.Address, expected *big.Int) bool
}

// Announcer receives fire-and-forget settlement notifications.
type Announcer interface {
	Enqueue(evt announce.Event)
}

// Summary reports the outcome of one settlement run.
type Summary struct {
	RecipientsProcessed int `json:"recipientsProcessed"`
	VerificationFailed  int `json:"verificationFailed"`
	// ExcludedInvalid counts recipients dropped from the batch because
	// their wallet address failed validation.
	ExcludedInvalid int             `json:"excludedInvalid,omitempty"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	TxRef           string          `json:"txRef"`
}

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Store             *ledger.Store
	Allocator         Allocator
	Verifier          Verifier
	Announcer         Announcer
	VerifyConcurrency int
	StuckThreshold    int
	// LeaseTTL is the run lease expiry. The lease is renewed while a run
	// is in flight, so the TTL only governs recovery after a crash.
	LeaseTTL  time.Duration
	ReportDir string
	Logger    *slog.Logger
	Metrics   *observability.SettlementMetrics
	Now       func() time.Time
}

// Reconciler drives the settlement state machine. Aggregation and submission
// failures abort the whole run; per-recipient verification failures only
// leave that recipient pending for the next run.
type Reconciler struct {
	store             *ledger.Store
	allocator         Allocator
	verifier          Verifier
	announcer         Announcer
	verifyConcurrency int
	stuckThreshold    int
	leaseTTL          time.Duration
	reportDir         string
	holder            string
	logger            *slog.Logger
	metrics           *observability.SettlementMetrics
	now               func() time.Time
}

// NewReconciler validates the configuration and builds a reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("settlement: store is required")
	}
	if cfg.Allocator == nil {
		return nil, errors.New("settlement: allocator is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("settlement: verifier is required")
	}
	concurrency := cfg.VerifyConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	threshold := cfg.StuckThreshold
	if threshold <= 0 {
		threshold = 5
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Settlement()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	hostname, _ := os.Hostname()
	return &Reconciler{
		store:             cfg.Store,
		allocator:         cfg.Allocator,
		verifier:          cfg.Verifier,
		announcer:         cfg.Announcer,
		verifyConcurrency: concurrency,
		stuckThreshold:    threshold,
		leaseTTL:          ttl,
		reportDir:         cfg.ReportDir,
		holder:            fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8]),
		logger:            logger,
		metrics:           metrics,
		now:               nowFn,
	}, nil
}

// Run executes one settlement pass. Safe to invoke concurrently and across
// instances: the DB-backed lease admits exactly one active run.
func (r *Reconciler) Run(ctx context.Context) (*Summary, error) {
	acquired, err := r.store.AcquireLease(ctx, ledger.SettlementLeaseName, r.holder, r.leaseTTL)
	if err != nil {
		return nil, fmt.Errorf("settlement: acquire lease: %w", err)
	}
	if !acquired {
		return nil, ErrRunInProgress
	}
	defer func() {
		if err := r.store.ReleaseLease(context.WithoutCancel(ctx), ledger.SettlementLeaseName, r.holder); err != nil {
			r.logger.Warn("lease release failed", "err", err)
		}
	}()

	// Renew the lease for as long as the run is in flight. A run that
	// outlives the TTL would otherwise let another instance steal the
	// lease mid-run and submit a second batch for the same debt.
	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	go r.renewLease(renewCtx)

	started := r.now()
	summary, runErr := r.settle(ctx)
	finished := r.now()

	run := &ledger.SettlementRun{
		State:      RunOutcome(summary, runErr),
		StartedAt:  started,
		FinishedAt: finished,
	}
	if summary != nil {
		run.TxRef = summary.TxRef
		run.Recipients = summary.RecipientsProcessed
		run.TotalAmount = summary.TotalAmount
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := r.store.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		r.logger.Warn("run record persist failed", "err", err)
	}
	r.metrics.ObserveRun(run.State, finished.Sub(started))
	return summary, runErr
}

// renewLease refreshes the run lease on a heartbeat until the run finishes.
// With renewal in place the TTL only bounds how long a crashed holder blocks
// other instances, not how long a run may take.
func (r *Reconciler) renewLease(ctx context.Context) {
	ticker := time.NewTicker(r.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := r.store.AcquireLease(ctx, ledger.SettlementLeaseName, r.holder, r.leaseTTL)
			switch {
			case err != nil:
				r.logger.Warn("lease renewal failed", "err", err)
			case !renewed:
				r.logger.Error("settlement lease lost mid-run", "holder", r.holder)
			}
		}
	}
}

// RunOutcome maps a run result onto the persisted state string.
func RunOutcome(summary *Summary, err error) string {
	switch {
	case err != nil:
		return ledger.RunFailed
	case summary == nil || summary.TxRef == "":
		return ledger.RunNoop
	default:
		return ledger.RunCompleted
	}
}

func (r *Reconciler) settle(ctx context.Context) (*Summary, error) {
	debts, err := r.store.CalculateRewardDebt(ctx)
	if err != nil {
		return nil, fmt.Errorf("settlement: aggregate debts: %w", err)
	}
	if len(debts) == 0 {
		r.logger.Info("no pending reward debt, run is a no-op")
		return &Summary{TotalAmount: decimal.Zero}, nil
	}

	// One recipient's malformed wallet must not stall everyone else's
	// settlement. Excluded recipients accrue a fail streak so the stuck
	// detector surfaces them to an operator.
	eligible := make([]ledger.RecipientDebt, 0, len(debts))
	excluded := 0
	for _, debt := range debts {
		if !common.IsHexAddress(debt.WalletAddress) {
			excluded++
			if err := r.store.IncrementFailStreak(ctx, debt.RecipientID); err != nil {
				r.logger.Warn("fail streak update failed", "handle", debt.Handle, "err", err)
			}
			r.logger.Warn("recipient excluded from batch, malformed wallet address",
				"handle", debt.Handle,
				"wallet", debt.WalletAddress,
			)
			continue
		}
		eligible = append(eligible, debt)
	}
	if len(eligible) == 0 {
		r.reportStuck(ctx)
		r.logger.Info("no settleable reward debt, run is a no-op", "excluded", excluded)
		return &Summary{TotalAmount: decimal.Zero, ExcludedInvalid: excluded}, nil
	}
	r.logger.Info("aggregated reward debt", "recipients", len(eligible), "excluded", excluded)

	batch, err := r.allocator.SubmitBatch(ctx, eligible)
	if err != nil {
		return nil, fmt.Errorf("settlement: submit batch: %w", err)
	}
	r.metrics.RecordGasLimit(batch.GasLimit)
	settledAt := r.now()

	verified := r.verifyBatch(ctx, batch)

	summary := &Summary{TotalAmount: decimal.Zero, TxRef: batch.TxRef, ExcludedInvalid: excluded}
	settled := make(map[int]bool, len(batch.Allocations))
	for i, alloc := range batch.Allocations {
		if !verified[i] {
			summary.VerificationFailed++
			r.metrics.RecordVerificationFailure()
			if err := r.store.IncrementFailStreak(ctx, alloc.RecipientID); err != nil {
				r.logger.Warn("fail streak update failed", "handle", alloc.Handle, "err", err)
			}
			r.logger.Warn("allocation verification failed, entries stay pending",
				"handle", alloc.Handle,
				"wallet", alloc.Address.Hex(),
				"expected", alloc.BaseUnits.String(),
			)
			continue
		}
		if err := r.store.MarkClaimable(ctx, alloc.RecipientID, alloc.EntryIDs, batch.TxRef, settledAt); err != nil {
			// Leaves the recipient pending; the next run re-aggregates.
			r.logger.Warn("claimable transition failed", "handle", alloc.Handle, "err", err)
			continue
		}
		if err := r.store.ResetFailStreak(ctx, alloc.RecipientID); err != nil {
			r.logger.Warn("fail streak reset failed", "handle", alloc.Handle, "err", err)
		}
		settled[i] = true
		summary.RecipientsProcessed++
		summary.TotalAmount = summary.TotalAmount.Add(alloc.Amount)
		r.metrics.RecordSettled(alloc.BaseUnits)
		if r.announcer != nil {
			r.announcer.Enqueue(announce.Event{
				Handle:    alloc.Handle,
				Wallet:    alloc.Address.Hex(),
				Amount:    alloc.Amount.String(),
				TxRef:     batch.TxRef,
				SettledAt: settledAt,
			})
		}
	}
	r.logger.Info("settlement run reconciled",
		"tx", batch.TxRef,
		"settled", summary.RecipientsProcessed,
		"failed", summary.VerificationFailed,
		"total", summary.TotalAmount.String(),
	)

	r.reportStuck(ctx)
	r.writeReport(batch, settled, settledAt)
	return summary, nil
}

// verifyBatch fans verification calls out with a bounded worker cap. One
// recipient's outcome never affects another's.
func (r *Reconciler) verifyBatch(ctx context.Context, batch *chain.AllocationBatch) []bool {
	results := make([]bool, len(batch.Allocations))
	sem := make(chan struct{}, r.verifyConcurrency)
	var wg sync.WaitGroup
	for i, alloc := range batch.Allocations {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, alloc chain.Allocation) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = r.verifier.Verify(ctx, alloc.Address, alloc.BaseUnits)
		}(i, alloc)
	}
	wg.Wait()
	return results
}

func (r *Reconciler) reportStuck(ctx context.Context) {
	stuck, err := r.store.StuckRecipients(ctx, r.stuckThreshold)
	if err != nil {
		r.logger.Warn("stuck recipient scan failed", "err", err)
		return
	}
	r.metrics.SetStuck(len(stuck))
	for _, recipient := range stuck {
		r.logger.Warn("recipient verification repeatedly failing, needs operator attention",
			"handle", recipient.Handle,
			"streak", recipient.VerifyFailStreak,
		)
	}
}

// writeReport is best-effort: a report failure never fails the run.
func (r *Reconciler) writeReport(batch *chain.AllocationBatch, settled map[int]bool, settledAt time.Time) {
	if r.reportDir == "" {
		return
	}
	rows := buildReportRows(batch, settled, settledAt)
	csvPath, parquetPath, err := writeReportFiles(r.reportDir, settledAt, rows)
	if err != nil {
		r.logger.Warn("settlement report write failed", "err", err)
		return
	}
	r.logger.Info("settlement report written", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
}
