package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedRecipient(t *testing.T, db *gorm.DB, handle, wallet, status string) Recipient {
	t.Helper()
	recipient := Recipient{ID: uuid.New(), Handle: handle, Status: status}
	if wallet != "" {
		recipient.WalletAddress = &wallet
	}
	if err := db.Create(&recipient).Error; err != nil {
		t.Fatalf("create recipient: %v", err)
	}
	return recipient
}

func seedEntry(t *testing.T, db *gorm.DB, recipientID uuid.UUID, amount string, status EntryStatus, createdAt time.Time) RewardEntry {
	t.Helper()
	entry := RewardEntry{
		ID:          uuid.New(),
		RecipientID: recipientID,
		CommitRef:   uuid.NewString()[:8],
		Amount:      decimal.RequireFromString(amount),
		Status:      status,
		CreatedAt:   createdAt,
	}
	if err := db.Create(&entry).Error; err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return entry
}

func TestCalculateRewardDebtEligibility(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	now := time.Now().UTC()

	eligible := seedRecipient(t, db, "alice", "0x1111111111111111111111111111111111111111", RecipientActive)
	seedEntry(t, db, eligible.ID, "100", StatusPending, now)

	noWallet := seedRecipient(t, db, "bob", "", RecipientActive)
	seedEntry(t, db, noWallet.ID, "100", StatusPending, now)

	suspended := seedRecipient(t, db, "carol", "0x2222222222222222222222222222222222222222", RecipientSuspended)
	seedEntry(t, db, suspended.ID, "100", StatusPending, now)

	noPending := seedRecipient(t, db, "dave", "0x3333333333333333333333333333333333333333", RecipientActive)
	seedEntry(t, db, noPending.ID, "100", StatusClaimable, now)

	debts, err := store.CalculateRewardDebt(context.Background())
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if len(debts) != 1 {
		t.Fatalf("expected only alice, got %d debts", len(debts))
	}
	if debts[0].RecipientID != eligible.ID || !debts[0].PendingTotal.Equal(decimal.RequireFromString("100")) {
		t.Fatalf("unexpected debt %+v", debts[0])
	}
}

func TestCalculateRewardDebtAggregatesAndSorts(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	now := time.Now().UTC()

	small := seedRecipient(t, db, "small", "0x1111111111111111111111111111111111111111", RecipientActive)
	seedEntry(t, db, small.ID, "10.5", StatusPending, now.Add(-time.Hour))

	big := seedRecipient(t, db, "big", "0x2222222222222222222222222222222222222222", RecipientActive)
	seedEntry(t, db, big.ID, "70", StatusPending, now.Add(-3*time.Hour))
	seedEntry(t, db, big.ID, "30.25", StatusPending, now.Add(-2*time.Hour))
	// Already settled entries never count toward debt.
	seedEntry(t, db, big.ID, "999", StatusClaimable, now.Add(-4*time.Hour))

	tied := seedRecipient(t, db, "aaa-tied", "0x3333333333333333333333333333333333333333", RecipientActive)
	seedEntry(t, db, tied.ID, "10.5", StatusPending, now)

	debts, err := store.CalculateRewardDebt(context.Background())
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if len(debts) != 3 {
		t.Fatalf("expected 3 debts, got %d", len(debts))
	}
	if debts[0].Handle != "big" || !debts[0].PendingTotal.Equal(decimal.RequireFromString("100.25")) {
		t.Fatalf("expected big first with 100.25, got %+v", debts[0])
	}
	if len(debts[0].EntryIDs) != 2 {
		t.Fatalf("expected 2 aggregated entries, got %d", len(debts[0].EntryIDs))
	}
	// Equal totals tie-break on handle.
	if debts[1].Handle != "aaa-tied" || debts[2].Handle != "small" {
		t.Fatalf("unexpected tie-break order: %s, %s", debts[1].Handle, debts[2].Handle)
	}
}

func TestCalculateRewardDebtIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	now := time.Now().UTC()

	r := seedRecipient(t, db, "alice", "0x1111111111111111111111111111111111111111", RecipientActive)
	seedEntry(t, db, r.ID, "42", StatusPending, now.Add(-2*time.Hour))
	seedEntry(t, db, r.ID, "58", StatusPending, now.Add(-time.Hour))

	first, err := store.CalculateRewardDebt(context.Background())
	if err != nil {
		t.Fatalf("first calculate: %v", err)
	}
	second, err := store.CalculateRewardDebt(context.Background())
	if err != nil {
		t.Fatalf("second calculate: %v", err)
	}
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected 1 debt each, got %d and %d", len(first), len(second))
	}
	if !first[0].PendingTotal.Equal(second[0].PendingTotal) {
		t.Fatalf("totals diverged: %s vs %s", first[0].PendingTotal, second[0].PendingTotal)
	}
	if len(first[0].EntryIDs) != len(second[0].EntryIDs) {
		t.Fatalf("entry sets diverged: %d vs %d", len(first[0].EntryIDs), len(second[0].EntryIDs))
	}
	for i := range first[0].EntryIDs {
		if first[0].EntryIDs[i] != second[0].EntryIDs[i] {
			t.Fatalf("entry order diverged at %d", i)
		}
	}
}

func TestMarkClaimableStampsEntries(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	now := time.Now().UTC()

	r := seedRecipient(t, db, "alice", "0x1111111111111111111111111111111111111111", RecipientActive)
	e1 := seedEntry(t, db, r.ID, "40", StatusPending, now.Add(-2*time.Hour))
	e2 := seedEntry(t, db, r.ID, "60", StatusPending, now.Add(-time.Hour))

	transferredAt := now.Truncate(time.Second)
	if err := store.MarkClaimable(context.Background(), r.ID, []uuid.UUID{e1.ID, e2.ID}, "0xabc", transferredAt); err != nil {
		t.Fatalf("mark claimable: %v", err)
	}
	var entries []RewardEntry
	if err := db.Where("recipient_id = ?", r.ID).Find(&entries).Error; err != nil {
		t.Fatalf("load entries: %v", err)
	}
	for _, entry := range entries {
		if entry.Status != StatusClaimable || entry.BatchTxRef != "0xabc" || entry.TransferredAt == nil {
			t.Fatalf("entry %s not stamped: %+v", entry.ID, entry)
		}
	}
}

func TestMarkClaimableRejectsPartialTransition(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	now := time.Now().UTC()

	r := seedRecipient(t, db, "alice", "0x1111111111111111111111111111111111111111", RecipientActive)
	pending := seedEntry(t, db, r.ID, "40", StatusPending, now.Add(-2*time.Hour))
	already := seedEntry(t, db, r.ID, "60", StatusClaimable, now.Add(-time.Hour))

	err := store.MarkClaimable(context.Background(), r.ID, []uuid.UUID{pending.ID, already.ID}, "0xdef", now)
	if !errors.Is(err, ErrPartialTransition) {
		t.Fatalf("expected ErrPartialTransition, got %v", err)
	}
	// The transaction must roll back: the pending entry stays untouched.
	var reloaded RewardEntry
	if err := db.First(&reloaded, "id = ?", pending.ID).Error; err != nil {
		t.Fatalf("reload entry: %v", err)
	}
	if reloaded.Status != StatusPending || reloaded.BatchTxRef != "" {
		t.Fatalf("pending entry mutated: %+v", reloaded)
	}
}

func TestAcquireLeaseSemantics(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	clock := now
	store := NewStore(db).WithClock(func() time.Time { return clock })
	ctx := context.Background()

	acquired, err := store.AcquireLease(ctx, SettlementLeaseName, "holder-a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("initial acquire: acquired=%v err=%v", acquired, err)
	}

	// A live lease held elsewhere is not stealable.
	acquired, err = store.AcquireLease(ctx, SettlementLeaseName, "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("contended acquire: %v", err)
	}
	if acquired {
		t.Fatal("holder-b must not steal a live lease")
	}

	// The owner may refresh its own lease.
	acquired, err = store.AcquireLease(ctx, SettlementLeaseName, "holder-a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("refresh acquire: acquired=%v err=%v", acquired, err)
	}

	// Expired leases are stolen.
	clock = now.Add(2 * time.Minute)
	acquired, err = store.AcquireLease(ctx, SettlementLeaseName, "holder-b", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("expired steal: acquired=%v err=%v", acquired, err)
	}

	// Release makes the lease immediately available.
	if err := store.ReleaseLease(ctx, SettlementLeaseName, "holder-b"); err != nil {
		t.Fatalf("release: %v", err)
	}
	acquired, err = store.AcquireLease(ctx, SettlementLeaseName, "holder-a", time.Minute)
	if err != nil || !acquired {
		t.Fatalf("acquire after release: acquired=%v err=%v", acquired, err)
	}
}

func TestFailStreakTracking(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	r := seedRecipient(t, db, "bob", "0x2222222222222222222222222222222222222222", RecipientActive)
	for i := 0; i < 3; i++ {
		if err := store.IncrementFailStreak(ctx, r.ID); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}

	stuck, err := store.StuckRecipients(ctx, 3)
	if err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].VerifyFailStreak != 3 {
		t.Fatalf("expected bob with streak 3, got %+v", stuck)
	}

	stuck, err = store.StuckRecipients(ctx, 4)
	if err != nil {
		t.Fatalf("stuck below threshold: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("threshold 4 should exclude bob, got %+v", stuck)
	}

	if err := store.ResetFailStreak(ctx, r.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	var reloaded Recipient
	if err := db.First(&reloaded, "id = ?", r.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.VerifyFailStreak != 0 {
		t.Fatalf("streak should be 0, got %d", reloaded.VerifyFailStreak)
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		run := &SettlementRun{
			State:       RunCompleted,
			TxRef:       fmt.Sprintf("0xrun%d", i),
			Recipients:  i,
			TotalAmount: decimal.New(int64(i), 0),
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			FinishedAt:  base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}
		if err := store.RecordRun(ctx, run); err != nil {
			t.Fatalf("record run %d: %v", i, err)
		}
	}
	runs, err := store.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].TxRef != "0xrun2" || runs[1].TxRef != "0xrun1" {
		t.Fatalf("unexpected order: %s, %s", runs[0].TxRef, runs[1].TxRef)
	}
}

func TestSettledTotal(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	now := time.Now().UTC()

	r := seedRecipient(t, db, "alice", "0x1111111111111111111111111111111111111111", RecipientActive)
	seedEntry(t, db, r.ID, "40", StatusClaimable, now.Add(-3*time.Hour))
	seedEntry(t, db, r.ID, "25", StatusClaimed, now.Add(-2*time.Hour))
	seedEntry(t, db, r.ID, "100", StatusPending, now.Add(-time.Hour))

	total, err := store.SettledTotal(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("settled total: %v", err)
	}
	if !total.Equal(decimal.RequireFromString("65")) {
		t.Fatalf("expected 65, got %s", total)
	}
}

func TestRecipientByWallet(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)

	seeded := seedRecipient(t, db, "alice", "0xAbCd111111111111111111111111111111111111", RecipientActive)

	// Lookup must not depend on checksum casing.
	found, err := store.RecipientByWallet(context.Background(), "0xabcd111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("recipient by wallet: %v", err)
	}
	if found == nil || found.ID != seeded.ID {
		t.Fatalf("expected recipient %s, got %+v", seeded.ID, found)
	}

	found, err = store.RecipientByWallet(context.Background(), "0x2222222222222222222222222222222222222222")
	if err != nil {
		t.Fatalf("recipient by wallet: %v", err)
	}
	if found != nil {
		t.Fatalf("expected no match, got %+v", found)
	}
}
