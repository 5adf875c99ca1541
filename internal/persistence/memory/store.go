// Package memory provides an in-process implementation of the ledger, balance
// and streak stores for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"example.com/rewards/internal/domain"
	"example.com/rewards/internal/persistence"
)

// Op names a store operation for failure injection.
type Op string

const (
	OpGet          Op = "get"
	OpPutIfAbsent  Op = "put_if_absent"
	OpUpdateStatus Op = "update_status"
	OpListPending  Op = "list_pending"
	OpGetBalance   Op = "get_balance"
	OpSettle       Op = "settle"
	OpFail         Op = "fail"
	OpRepair       Op = "repair_balance"
	OpGetStreak    Op = "get_streak"
	OpSaveStreak   Op = "save_streak"
)

// Store keeps every aggregate behind one lock, so Settle and Fail are atomic
// with respect to the balance they touch.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]domain.LedgerEntry
	balances map[string]domain.UserBalance
	streaks  map[string]domain.StreakState
	failures map[Op]int
	events   []Event
}

// Event mirrors the outbox rows the postgres repository writes.
type Event struct {
	Type    string
	EntryID string
	UserID  string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		entries:  make(map[string]domain.LedgerEntry),
		balances: make(map[string]domain.UserBalance),
		streaks:  make(map[string]domain.StreakState),
		failures: make(map[Op]int),
	}
}

// FailNext makes the next n calls of op return ErrStorageUnavailable.
func (s *Store) FailNext(op Op, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] += n
}

// Events returns the reward events recorded so far.
func (s *Store) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// SeedBalance overwrites a user's aggregate without touching the ledger, which
// is how drift looks to the reconciler.
func (s *Store) SeedBalance(balance domain.UserBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balance.UserID] = balance
}

// Len reports how many ledger entries exist.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// injected must be called with s.mu held for writing.
func (s *Store) injected(op Op) error {
	if s.failures[op] > 0 {
		s.failures[op]--
		return fmt.Errorf("memory %s: %w", op, domain.ErrStorageUnavailable)
	}
	return nil
}

// Get implements domain.LedgerStore.
func (s *Store) Get(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpGet); err != nil {
		return nil, err
	}
	entry, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// PutIfAbsent implements domain.LedgerStore.
func (s *Store) PutIfAbsent(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpPutIfAbsent); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	if strings.TrimSpace(entry.ID) == "" {
		return domain.LedgerEntry{}, false, fmt.Errorf("ledger entry id is required")
	}
	if existing, ok := s.entries[entry.ID]; ok {
		return existing, false, nil
	}
	if entry.Status == "" {
		entry.Status = domain.LedgerStatusPending
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = entry.CreatedAt
	}
	s.entries[entry.ID] = entry
	return entry, true, nil
}

// UpdateStatus implements domain.LedgerStore.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to domain.LedgerStatus, fields domain.StatusFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpUpdateStatus); err != nil {
		return err
	}
	entry, ok := s.entries[id]
	if !ok {
		return domain.ErrEntryNotFound
	}
	if entry.Status != from {
		return fmt.Errorf("%s is %s, not %s: %w", id, entry.Status, from, domain.ErrStatusConflict)
	}
	if fields.ExpectUpdatedAt != nil && !entry.UpdatedAt.Equal(*fields.ExpectUpdatedAt) {
		return fmt.Errorf("%s was updated at %s, not %s: %w", id,
			entry.UpdatedAt.Format(time.RFC3339Nano), fields.ExpectUpdatedAt.Format(time.RFC3339Nano), domain.ErrStatusConflict)
	}
	entry.Status = to
	if fields.ExternalRef != nil {
		entry.ExternalRef = fields.ExternalRef
	}
	if fields.FailureReason != nil {
		entry.FailureReason = fields.FailureReason
	}
	if fields.Attempts != nil {
		entry.Attempts = *fields.Attempts
	}
	entry.UpdatedAt = fields.UpdatedAt
	s.entries[id] = entry
	return nil
}

// ListPending implements domain.LedgerStore.
func (s *Store) ListPending(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpListPending); err != nil {
		return nil, err
	}
	var pending []domain.LedgerEntry
	for _, entry := range s.entries {
		if entry.Status == domain.LedgerStatusPending && !entry.UpdatedAt.After(updatedBefore) {
			pending = append(pending, entry)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].UpdatedAt.Equal(pending[j].UpdatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].UpdatedAt.Before(pending[j].UpdatedAt)
	})
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

// ListByUser implements domain.LedgerStore.
func (s *Store) ListByUser(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.LedgerEntry, *domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []domain.LedgerEntry
	for _, entry := range s.entries {
		if entry.UserID == userID && persistence.Before(cursor, entry.CreatedAt, entry.ID) {
			items = append(items, entry)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	var next *domain.Cursor
	if limit > 0 && len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next = &domain.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return items, next, nil
}

// ListUserIDs implements domain.LedgerStore.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, entry := range s.entries {
		seen[entry.UserID] = struct{}{}
	}
	for id := range s.balances {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetBalance implements domain.BalanceStore. Unknown users read as zero.
func (s *Store) GetBalance(ctx context.Context, userID string) (domain.UserBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpGetBalance); err != nil {
		return domain.UserBalance{}, err
	}
	balance, ok := s.balances[userID]
	if !ok {
		return domain.UserBalance{UserID: userID, TokenTotal: decimal.Zero}, nil
	}
	return balance, nil
}

// Settle implements domain.BalanceStore.
func (s *Store) Settle(ctx context.Context, in domain.SettleInput) (domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpSettle); err != nil {
		return domain.LedgerEntry{}, err
	}
	entry, err := s.pendingEntry(in.EntryID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	xp, tokens := entry.Delta(true, true)
	s.apply(entry, xp, tokens, in.SettledAt)

	settledAt := in.SettledAt
	entry.Status = domain.LedgerStatusSettled
	entry.XPApplied = true
	entry.TokensApplied = true
	entry.ExternalRef = in.ExternalRef
	entry.Attempts = in.Attempts
	entry.FailureReason = nil
	entry.UpdatedAt = settledAt
	entry.SettledAt = &settledAt
	s.entries[entry.ID] = entry
	s.events = append(s.events, Event{Type: "reward.settled", EntryID: entry.ID, UserID: entry.UserID})
	return entry, nil
}

// Fail implements domain.BalanceStore.
func (s *Store) Fail(ctx context.Context, in domain.FailInput) (domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpFail); err != nil {
		return domain.LedgerEntry{}, err
	}
	entry, err := s.pendingEntry(in.EntryID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	if in.GrantXP {
		xp, _ := entry.Delta(true, false)
		s.apply(entry, xp, decimal.Zero, in.FailedAt)
		entry.XPApplied = true
	}

	reason := in.Reason
	entry.Status = domain.LedgerStatusFailed
	entry.FailureReason = &reason
	entry.Attempts = in.Attempts
	entry.UpdatedAt = in.FailedAt
	s.entries[entry.ID] = entry
	s.events = append(s.events, Event{Type: "reward.failed", EntryID: entry.ID, UserID: entry.UserID})
	return entry, nil
}

// RepairBalance implements domain.BalanceStore. The rebuild runs under the
// store lock, so no Settle or Fail can land between the read and the write.
func (s *Store) RepairBalance(ctx context.Context, userID string, at time.Time) (domain.UserBalance, domain.UserBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpRepair); err != nil {
		return domain.UserBalance{}, domain.UserBalance{}, err
	}

	before, ok := s.balances[userID]
	if !ok {
		before = domain.UserBalance{UserID: userID, TokenTotal: decimal.Zero}
	}

	rebuilt := domain.UserBalance{UserID: userID, TokenTotal: decimal.Zero, UpdatedAt: at}
	var latest *domain.LedgerEntry
	for _, entry := range s.entries {
		if entry.UserID != userID {
			continue
		}
		if entry.XPApplied {
			rebuilt.XPTotal += entry.Bundle.XP
		}
		if entry.TokensApplied {
			rebuilt.TokenTotal = rebuilt.TokenTotal.Add(entry.Bundle.TokenAmount)
		}
		if entry.ActivityType == domain.ActivityStreak && entry.XPApplied && entry.StreakLength > 0 {
			if latest == nil || entry.CreatedAt.After(latest.CreatedAt) {
				e := entry
				latest = &e
			}
		}
	}
	if latest != nil {
		granted := latest.CreatedAt
		rebuilt.StreakCount = latest.StreakLength
		rebuilt.LastStreakGrantDate = &granted
	}
	s.balances[userID] = rebuilt
	return before, rebuilt, nil
}

func (s *Store) pendingEntry(id string) (domain.LedgerEntry, error) {
	entry, ok := s.entries[id]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrEntryNotFound
	}
	if entry.Status != domain.LedgerStatusPending {
		return domain.LedgerEntry{}, fmt.Errorf("%s is %s: %w", id, entry.Status, domain.ErrStatusConflict)
	}
	return entry, nil
}

func (s *Store) apply(entry domain.LedgerEntry, xp int64, tokens decimal.Decimal, at time.Time) {
	balance, ok := s.balances[entry.UserID]
	if !ok {
		balance = domain.UserBalance{UserID: entry.UserID, TokenTotal: decimal.Zero}
	}
	balance.XPTotal += xp
	balance.TokenTotal = balance.TokenTotal.Add(tokens)
	if entry.ActivityType == domain.ActivityStreak && entry.StreakLength > 0 {
		granted := entry.CreatedAt
		balance.StreakCount = entry.StreakLength
		balance.LastStreakGrantDate = &granted
	}
	balance.UpdatedAt = at
	s.balances[entry.UserID] = balance
}

// GetStreak implements domain.StreakStore.
func (s *Store) GetStreak(ctx context.Context, userID string) (*domain.StreakState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpGetStreak); err != nil {
		return nil, err
	}
	state, ok := s.streaks[userID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// SaveStreak implements domain.StreakStore.
func (s *Store) SaveStreak(ctx context.Context, state domain.StreakState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpSaveStreak); err != nil {
		return err
	}
	s.streaks[state.UserID] = state
	return nil
}
