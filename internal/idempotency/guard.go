// Package idempotency derives grant keys and reserves them in the ledger.
package idempotency

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"example.com/rewards/internal/domain"
)

// namespace scopes reward keys so they never collide with other v5 UUIDs.
var namespace = uuid.MustParse("6f1f4f2e-3c1a-5b8e-9a57-2f0c9d3b7e41")

// Key returns the deterministic ledger id for a user's activity.
func Key(userID string, activityType domain.ActivityType, activityID string) string {
	name := strings.Join([]string{userID, string(activityType), activityID}, "\x00")
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

// KeyFor is Key applied to an activity result.
func KeyFor(result domain.ActivityResult) string {
	return Key(result.UserID, result.ActivityType, result.ActivityID)
}

// Reservation is the result of Reserve.
type Reservation struct {
	Acquired bool
	Entry    domain.LedgerEntry
}

// Guard rejects duplicate grants by conditionally inserting the ledger entry.
type Guard struct {
	ledger domain.LedgerStore
}

// NewGuard constructs a Guard over the ledger store.
func NewGuard(ledger domain.LedgerStore) *Guard {
	return &Guard{ledger: ledger}
}

// Reserve inserts entry if its id is free. When the id exists the stored entry
// is returned untouched, whatever its status.
func (g *Guard) Reserve(ctx context.Context, entry domain.LedgerEntry) (Reservation, error) {
	stored, created, err := g.ledger.PutIfAbsent(ctx, entry)
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{Acquired: created, Entry: stored}, nil
}
