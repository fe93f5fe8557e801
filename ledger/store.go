package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrPartialTransition is returned when a claimable transition would touch
// fewer rows than expected, meaning another writer raced the reconciler.
var ErrPartialTransition = errors.New("ledger: partial status transition rejected")

// RecipientDebt is the aggregate of one recipient's pending entries. Derived
// fresh on every run, never persisted.
type RecipientDebt struct {
	RecipientID   uuid.UUID
	Handle        string
	WalletAddress string
	PendingTotal  decimal.Decimal
	EntryIDs      []uuid.UUID
}

// Store provides all reward-ledger access for the settlement pipeline.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps a gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock overrides the time source (tests only).
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("ledger: unwrap db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// CalculateRewardDebt sums pending entries per eligible recipient. Only
// active recipients with a wallet address participate; recipients whose
// pending total is zero are excluded. Results are sorted descending by
// pending total, ties broken by handle for deterministic output.
func (s *Store) CalculateRewardDebt(ctx context.Context) ([]RecipientDebt, error) {
	var recipients []Recipient
	if err := s.db.WithContext(ctx).
		Where("status = ? AND wallet_address IS NOT NULL AND wallet_address <> ''", RecipientActive).
		Find(&recipients).Error; err != nil {
		return nil, fmt.Errorf("ledger: load eligible recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil, nil
	}

	byID := make(map[uuid.UUID]Recipient, len(recipients))
	ids := make([]uuid.UUID, 0, len(recipients))
	for _, r := range recipients {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	var entries []RewardEntry
	if err := s.db.WithContext(ctx).
		Where("recipient_id IN ? AND status = ?", ids, StatusPending).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("ledger: load pending entries: %w", err)
	}

	totals := make(map[uuid.UUID]*RecipientDebt)
	for _, entry := range entries {
		debt, ok := totals[entry.RecipientID]
		if !ok {
			recipient := byID[entry.RecipientID]
			debt = &RecipientDebt{
				RecipientID:   recipient.ID,
				Handle:        recipient.Handle,
				WalletAddress: *recipient.WalletAddress,
				PendingTotal:  decimal.Zero,
			}
			totals[entry.RecipientID] = debt
		}
		debt.PendingTotal = debt.PendingTotal.Add(entry.Amount)
		debt.EntryIDs = append(debt.EntryIDs, entry.ID)
	}

	debts := make([]RecipientDebt, 0, len(totals))
	for _, debt := range totals {
		if debt.PendingTotal.Sign() <= 0 {
			continue
		}
		debts = append(debts, *debt)
	}
	sort.Slice(debts, func(i, j int) bool {
		cmp := debts[i].PendingTotal.Cmp(debts[j].PendingTotal)
		if cmp != 0 {
			return cmp > 0
		}
		return debts[i].Handle < debts[j].Handle
	})
	return debts, nil
}

// MarkClaimable flips the given pending entries of one recipient to claimable,
// stamping the batch transaction reference and transfer time. The update is
// all-or-nothing for the recipient: if any referenced entry is no longer
// pending the transaction rolls back with ErrPartialTransition.
func (s *Store) MarkClaimable(ctx context.Context, recipientID uuid.UUID, entryIDs []uuid.UUID, txRef string, transferredAt time.Time) error {
	if len(entryIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RewardEntry{}).
			Where("id IN ? AND recipient_id = ? AND status = ?", entryIDs, recipientID, StatusPending).
			Updates(map[string]interface{}{
				"status":         StatusClaimable,
				"batch_tx_ref":   txRef,
				"transferred_at": transferredAt,
			})
		if res.Error != nil {
			return fmt.Errorf("ledger: mark claimable: %w", res.Error)
		}
		if res.RowsAffected != int64(len(entryIDs)) {
			return fmt.Errorf("%w: expected %d rows, touched %d", ErrPartialTransition, len(entryIDs), res.RowsAffected)
		}
		return nil
	})
}

// AcquireLease takes (or refreshes) the named run lease for holder. Returns
// false when another live holder owns it. Expired leases are stolen.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	acquired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&RunLease{}).
			Where("name = ? AND (holder = ? OR expires_at <= ?)", name, holder, now).
			Updates(map[string]interface{}{"holder": holder, "expires_at": now.Add(ttl)})
		if res.Error != nil {
			return fmt.Errorf("ledger: refresh lease: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			acquired = true
			return nil
		}
		var existing RunLease
		err := tx.Where("name = ?", name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&RunLease{Name: name, Holder: holder, ExpiresAt: now.Add(ttl)}).Error; err != nil {
				// Lost the insert race; the other instance holds the lease.
				return nil
			}
			acquired = true
			return nil
		case err != nil:
			return fmt.Errorf("ledger: read lease: %w", err)
		default:
			// Lease is live and owned elsewhere.
			return nil
		}
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseLease expires the named lease if held by holder.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	res := s.db.WithContext(ctx).Model(&RunLease{}).
		Where("name = ? AND holder = ?", name, holder).
		Update("expires_at", s.now())
	if res.Error != nil {
		return fmt.Errorf("ledger: release lease: %w", res.Error)
	}
	return nil
}

// IncrementFailStreak bumps a recipient's consecutive verification failures.
func (s *Store) IncrementFailStreak(ctx context.Context, recipientID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Recipient{}).
		Where("id = ?", recipientID).
		Update("verify_fail_streak", gorm.Expr("verify_fail_streak + 1"))
	if res.Error != nil {
		return fmt.Errorf("ledger: increment fail streak: %w", res.Error)
	}
	return nil
}

// ResetFailStreak clears a recipient's failure streak after a verified run.
func (s *Store) ResetFailStreak(ctx context.Context, recipientID uuid.UUID) error {
	res := s.db.WithContext(ctx).Model(&Recipient{}).
		Where("id = ? AND verify_fail_streak <> 0", recipientID).
		Update("verify_fail_streak", 0)
	if res.Error != nil {
		return fmt.Errorf("ledger: reset fail streak: %w", res.Error)
	}
	return nil
}

// StuckRecipients lists recipients whose verification fail streak has reached
// the threshold. These likely carry a permanently wrong wallet address and
// need operator attention rather than silent retries.
func (s *Store) StuckRecipients(ctx context.Context, threshold int) ([]Recipient, error) {
	if threshold <= 0 {
		threshold = 1
	}
	var recipients []Recipient
	if err := s.db.WithContext(ctx).
		Where("verify_fail_streak >= ?", threshold).
		Order("verify_fail_streak DESC").
		Find(&recipients).Error; err != nil {
		return nil, fmt.Errorf("ledger: load stuck recipients: %w", err)
	}
	return recipients, nil
}

// RecordRun persists a settlement run outcome.
func (s *Store) RecordRun(ctx context.Context, run *SettlementRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("ledger: record run: %w", err)
	}
	return nil
}

// RecentRuns returns the latest run records, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]SettlementRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []SettlementRun
	if err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("ledger: load runs: %w", err)
	}
	return runs, nil
}

// RecipientByWallet looks a recipient up by wallet address, matched without
// regard to hex casing. Returns nil when no recipient carries the address.
func (s *Store) RecipientByWallet(ctx context.Context, wallet string) (*Recipient, error) {
	var recipient Recipient
	err := s.db.WithContext(ctx).
		Where("lower(wallet_address) = ?", strings.ToLower(wallet)).
		First(&recipient).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load recipient by wallet: %w", err)
	}
	return &recipient, nil
}

// SettledTotal reports the cumulative non-pending amount for one recipient.
// Used by audits against the on-chain cumulative allocation.
func (s *Store) SettledTotal(ctx context.Context, recipientID uuid.UUID) (decimal.Decimal, error) {
	var entries []RewardEntry
	if err := s.db.WithContext(ctx).
		Where("recipient_id = ? AND status <> ?", recipientID, StatusPending).
		Find(&entries).Error; err != nil {
		return decimal.Zero, fmt.Errorf("ledger: load settled entries: %w", err)
	}
	total := decimal.Zero
	for _, entry := range entries {
		total = total.Add(entry.Amount)
	}
	return total, nil
}
