// Package streak decides whether a recurring grant (a daily streak) may be
// issued, using only persisted state.
package streak

import (
	"context"
	"fmt"
	"time"

	"example.com/rewards/internal/domain"
)

// DefaultGrace is how long a streak survives without a grant.
const DefaultGrace = 48 * time.Hour

// Decision is the result of evaluating a user's streak.
type Decision struct {
	Eligible        bool
	NewStreakLength int
	// NextEligibleAt is set when Eligible is false.
	NextEligibleAt time.Time
	// Previous is the persisted length before this decision.
	Previous int
	// Day is the local calendar date of the evaluation, YYYY-MM-DD.
	Day string
}

// Option customises a Gate.
type Option func(*Gate)

// WithLocation sets the reference timezone for users without one.
func WithLocation(loc *time.Location) Option {
	return func(g *Gate) {
		if loc != nil {
			g.location = loc
		}
	}
}

// WithGrace overrides the reset window.
func WithGrace(grace time.Duration) Option {
	return func(g *Gate) {
		if grace > 0 {
			g.grace = grace
		}
	}
}

// Gate evaluates and records streak grants.
type Gate struct {
	store    domain.StreakStore
	location *time.Location
	grace    time.Duration
}

// NewGate constructs a Gate over the streak store.
func NewGate(store domain.StreakStore, opts ...Option) *Gate {
	g := &Gate{store: store, location: time.UTC, grace: DefaultGrace}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate reports whether userID may receive a streak grant at now. tz is
// the timezone the submission carries and may be empty; the stored timezone
// is used then, and the gate's default location when neither is set.
func (g *Gate) Evaluate(ctx context.Context, userID, tz string, now time.Time) (Decision, error) {
	state, err := g.store.GetStreak(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("load streak: %w", err)
	}
	if state == nil || state.LastGrantedAt.IsZero() {
		stored := ""
		if state != nil {
			stored = state.Timezone
		}
		return Decision{Eligible: true, NewStreakLength: 1, Day: g.dayKey(firstNonEmpty(tz, stored), now)}, nil
	}
	return g.decide(*state, tz, now), nil
}

// decide grants only once now is on a later calendar day than the last grant
// both in the stored timezone and in tz, so moving to another zone never
// yields a second grant for the same day.
func (g *Gate) decide(state domain.StreakState, tz string, now time.Time) Decision {
	ref := g.locationFor(state.Timezone)
	loc := ref
	if tz != "" && tz != state.Timezone {
		loc = g.locationFor(tz)
	}
	current := now.In(loc)

	decision := Decision{Previous: state.CurrentStreakLength, Day: current.Format(time.DateOnly)}
	next := dayOf(state.LastGrantedAt.In(ref)).AddDate(0, 0, 1)
	if loc != ref {
		if alt := dayOf(state.LastGrantedAt.In(loc)).AddDate(0, 0, 1); alt.After(next) {
			next = alt
		}
	}
	if now.Before(next) {
		decision.NextEligibleAt = next
		decision.NewStreakLength = state.CurrentStreakLength
		return decision
	}

	decision.Eligible = true
	if now.Sub(state.LastGrantedAt) <= g.grace {
		decision.NewStreakLength = state.CurrentStreakLength + 1
	} else {
		decision.NewStreakLength = 1
	}
	return decision
}

// Record persists a granted streak. A non-empty tz becomes the user's
// reference timezone; otherwise the stored one is kept.
func (g *Gate) Record(ctx context.Context, userID, tz string, now time.Time, length int) error {
	state, err := g.store.GetStreak(ctx, userID)
	if err != nil {
		return fmt.Errorf("load streak: %w", err)
	}
	if tz == "" && state != nil {
		tz = state.Timezone
	}
	if err := g.store.SaveStreak(ctx, domain.StreakState{
		UserID:              userID,
		LastGrantedAt:       now.UTC(),
		CurrentStreakLength: length,
		Timezone:            tz,
	}); err != nil {
		return fmt.Errorf("save streak: %w", err)
	}
	return nil
}

// Status is the read-only view used by the UI eligibility hint.
func (g *Gate) Status(ctx context.Context, userID string, now time.Time) (Decision, *domain.StreakState, error) {
	state, err := g.store.GetStreak(ctx, userID)
	if err != nil {
		return Decision{}, nil, fmt.Errorf("load streak: %w", err)
	}
	if state == nil || state.LastGrantedAt.IsZero() {
		stored := ""
		if state != nil {
			stored = state.Timezone
		}
		return Decision{Eligible: true, NewStreakLength: 1, Day: g.dayKey(stored, now)}, state, nil
	}
	return g.decide(*state, "", now), state, nil
}

func (g *Gate) locationFor(tz string) *time.Location {
	if tz == "" {
		return g.location
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return g.location
	}
	return loc
}

func (g *Gate) dayKey(tz string, now time.Time) string {
	return now.In(g.locationFor(tz)).Format(time.DateOnly)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// dayOf truncates t to local midnight in t's location.
func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
