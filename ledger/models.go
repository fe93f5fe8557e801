package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// EntryStatus represents a reward entry's lifecycle state. Transitions are
// strictly forward: pending -> claimable -> claimed.
type EntryStatus string

// All entry lifecycle states.
const (
	StatusPending   EntryStatus = "pending"
	StatusClaimable EntryStatus = "claimable"
	StatusClaimed   EntryStatus = "claimed"
)

// Recipient account states.
const (
	RecipientActive    = "active"
	RecipientSuspended = "suspended"
)

// SettlementLeaseName is the run-lease row shared by all settlementd instances.
const SettlementLeaseName = "settlement"

// Recipient stores a rewarded developer's payout identity.
type Recipient struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Handle        string    `gorm:"uniqueIndex;size:64"`
	WalletAddress *string   `gorm:"size:42;index"`
	Status        string    `gorm:"size:16;index"`
	// VerifyFailStreak counts consecutive runs in which this recipient's
	// on-chain verification failed. Reset on the first success.
	VerifyFailStreak int `gorm:"not null;default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RewardEntry is one accrued reward for one contribution.
type RewardEntry struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey"`
	RecipientID   uuid.UUID       `gorm:"type:uuid;index"`
	CommitRef     string          `gorm:"size:64"`
	Amount        decimal.Decimal `gorm:"type:numeric(38,18);not null"`
	Status        EntryStatus     `gorm:"size:16;index"`
	BatchTxRef    string          `gorm:"size:80;index"`
	TransferredAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RunLease is the cross-instance mutual exclusion row for settlement runs.
type RunLease struct {
	Name      string `gorm:"primaryKey;size:64"`
	Holder    string `gorm:"size:128"`
	ExpiresAt time.Time
}

// SettlementRun records the outcome of one reconciliation run.
type SettlementRun struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey"`
	State       string          `gorm:"size:16;index"`
	TxRef       string          `gorm:"size:80"`
	Recipients  int             `gorm:"not null;default:0"`
	TotalAmount decimal.Decimal `gorm:"type:numeric(38,18)"`
	Error       string          `gorm:"type:text"`
	StartedAt   time.Time       `gorm:"index"`
	FinishedAt  time.Time
}

// Run outcome states persisted on SettlementRun.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunNoop      = "noop"
)

// AutoMigrate performs all schema migrations for the reward ledger.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Recipient{},
		&RewardEntry{},
		&RunLease{},
		&SettlementRun{},
	)
}
