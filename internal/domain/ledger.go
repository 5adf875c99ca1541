package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerStatus is the processing state of a ledger entry.
type LedgerStatus string

const (
	LedgerStatusPending LedgerStatus = "pending"
	LedgerStatusSettled LedgerStatus = "settled"
	LedgerStatusFailed  LedgerStatus = "failed"
)

// RewardBundle is what a completed activity is worth.
type RewardBundle struct {
	XP          int64
	TokenAmount decimal.Decimal
	ItemGrant   string
}

// HasTokens reports whether the bundle requires an external transfer.
func (b RewardBundle) HasTokens() bool {
	return b.TokenAmount.IsPositive()
}

// IsZero reports whether the bundle carries nothing for the user.
func (b RewardBundle) IsZero() bool {
	return b.XP == 0 && !b.HasTokens() && b.ItemGrant == ""
}

// LedgerEntry is the durable record of one disbursement attempt. ID doubles as
// the idempotency key.
type LedgerEntry struct {
	ID            string
	UserID        string
	ActivityType  ActivityType
	ActivityID    string
	Bundle        RewardBundle
	Status        LedgerStatus
	ExternalRef   *string
	Attempts      int
	FailureReason *string
	XPApplied     bool
	TokensApplied bool
	StreakLength  int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SettledAt     *time.Time
}

// StatusFields carries the columns written alongside a status transition.
// When ExpectUpdatedAt is set the transition also requires the stored
// updated_at to match it, so two writers holding the same stale read cannot
// both claim the entry.
type StatusFields struct {
	ExternalRef     *string
	FailureReason   *string
	Attempts        *int
	UpdatedAt       time.Time
	ExpectUpdatedAt *time.Time
}

// UserBalance is the aggregate view owned by the coordinator.
type UserBalance struct {
	UserID              string
	XPTotal             int64
	TokenTotal          decimal.Decimal
	StreakCount         int
	LastStreakGrantDate *time.Time
	UpdatedAt           time.Time
}

// StreakState is the single authoritative record for recurring-grant gating.
type StreakState struct {
	UserID              string
	LastGrantedAt       time.Time
	CurrentStreakLength int
	Timezone            string
}

// SettleInput settles a pending entry and applies its balance delta.
type SettleInput struct {
	EntryID     string
	ExternalRef *string
	Attempts    int
	SettledAt   time.Time
}

// FailInput marks a pending entry failed. When GrantXP is set the XP part of
// the bundle is applied to the balance in the same transaction.
type FailInput struct {
	EntryID  string
	Reason   string
	Attempts int
	GrantXP  bool
	FailedAt time.Time
}

// Delta returns the balance change not yet applied for the entry.
func (e LedgerEntry) Delta(includeXP, includeTokens bool) (int64, decimal.Decimal) {
	var xp int64
	tokens := decimal.Zero
	if includeXP && !e.XPApplied {
		xp = e.Bundle.XP
	}
	if includeTokens && !e.TokensApplied {
		tokens = e.Bundle.TokenAmount
	}
	return xp, tokens
}

// Cursor models the ledger pagination token.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}
