package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerStore is the durable record of reward grants.
type LedgerStore interface {
	// Get returns nil, nil when the entry does not exist.
	Get(ctx context.Context, id string) (*LedgerEntry, error)
	// PutIfAbsent inserts entry unless its id exists. It returns the stored
	// entry and whether this call created it.
	PutIfAbsent(ctx context.Context, entry LedgerEntry) (LedgerEntry, bool, error)
	// UpdateStatus transitions from -> to atomically, returning ErrStatusConflict
	// when the current status is not from, or when fields.ExpectUpdatedAt is set
	// and does not match the stored value.
	UpdateStatus(ctx context.Context, id string, from, to LedgerStatus, fields StatusFields) error
	ListPending(ctx context.Context, updatedBefore time.Time, limit int) ([]LedgerEntry, error)
	// ListByUser pages a user's entries newest first.
	ListByUser(ctx context.Context, userID string, cursor *Cursor, limit int) ([]LedgerEntry, *Cursor, error)
	ListUserIDs(ctx context.Context) ([]string, error)
}

// BalanceStore owns the user aggregate. Settle and Fail apply a delta keyed by
// ledger entry id in the same transaction as the status change.
type BalanceStore interface {
	GetBalance(ctx context.Context, userID string) (UserBalance, error)
	Settle(ctx context.Context, in SettleInput) (LedgerEntry, error)
	Fail(ctx context.Context, in FailInput) (LedgerEntry, error)
	// RepairBalance rebuilds the aggregate from the applied parts of the user's
	// ledger entries. The read and the overwrite are one atomic step with
	// respect to Settle and Fail. It returns the aggregate before and after.
	RepairBalance(ctx context.Context, userID string, at time.Time) (UserBalance, UserBalance, error)
}

// StreakStore persists streak gating state. GetStreak returns nil, nil for a
// user who has never been granted a streak.
type StreakStore interface {
	GetStreak(ctx context.Context, userID string) (*StreakState, error)
	SaveStreak(ctx context.Context, state StreakState) error
}

// TokenTransferer moves tokens from the treasury to a user. Failures are
// *TransferError values.
type TokenTransferer interface {
	Transfer(ctx context.Context, userID string, amount decimal.Decimal, memo string) (string, error)
}
