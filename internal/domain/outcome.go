package domain

import "time"

// OutcomeKind is what a submission resolved to.
type OutcomeKind string

const (
	OutcomeSettled        OutcomeKind = "settled"
	OutcomeSettledPartial OutcomeKind = "settled_partial"
	OutcomeDuplicate      OutcomeKind = "duplicate"
	OutcomeFailed         OutcomeKind = "failed"
	OutcomePending        OutcomeKind = "pending"
	OutcomeNotYetEligible OutcomeKind = "not_yet_eligible"
)

// Outcome is returned to callers of the disbursement coordinator.
type Outcome struct {
	Kind           OutcomeKind
	EntryID        string
	Bundle         RewardBundle
	Reason         string
	NextEligibleAt *time.Time
}

// Notify reports whether the caller should surface a new reward to the user.
// For settled outcomes Bundle holds only what this call applied, so a retry
// that adds nothing does not notify.
func (o Outcome) Notify() bool {
	if o.Kind != OutcomeSettled && o.Kind != OutcomeSettledPartial {
		return false
	}
	return !o.Bundle.IsZero()
}

// Message is the user-facing summary. It separates progress being recorded
// from the reward payment.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeSettled:
		return "reward paid"
	case OutcomeSettledPartial:
		return "your progress is saved; XP granted but the token reward could not be paid"
	case OutcomePending:
		return "your progress is saved; reward payment is processing"
	case OutcomeFailed:
		return "your progress is saved; the reward could not be paid"
	case OutcomeNotYetEligible:
		return "already claimed for today"
	default:
		return ""
	}
}
