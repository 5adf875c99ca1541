// Package domain defines the reward ledger model shared by the reconciliation core.
package domain

import (
	"math"
	"strings"
	"time"
)

// ActivityType identifies the kind of user activity being rewarded.
type ActivityType string

const (
	ActivityGame       ActivityType = "game"
	ActivityQuiz       ActivityType = "quiz"
	ActivityChallenge  ActivityType = "challenge"
	ActivityMysteryBox ActivityType = "mysteryBox"
	ActivityStreak     ActivityType = "streak"
)

// Difficulty scales rewards for activities that carry one.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Well-known metric names.
const (
	MetricStreakLength = "streakLength"
)

// ActivityResult is produced by a game, quiz or challenge completion.
type ActivityResult struct {
	UserID       string
	ActivityType ActivityType
	ActivityID   string
	Difficulty   Difficulty
	Metrics      map[string]float64
	OccurredAt   time.Time
	// Timezone is the user's IANA zone, when the client knows it. It decides
	// the calendar day for streak grants.
	Timezone string
}

// Validate rejects malformed results before anything is reserved.
func (r ActivityResult) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return newValidationError("user_id", "is required")
	}
	if strings.TrimSpace(string(r.ActivityType)) == "" {
		return newValidationError("activity_type", "is required")
	}
	if strings.TrimSpace(r.ActivityID) == "" && r.ActivityType != ActivityStreak {
		return newValidationError("activity_id", "is required")
	}
	if r.OccurredAt.IsZero() {
		return newValidationError("occurred_at", "is required")
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return newValidationError("timezone", "must be an IANA zone name")
		}
	}
	for name, value := range r.Metrics {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return newValidationError("metrics."+name, "must be a finite number")
		}
		if value < 0 {
			return newValidationError("metrics."+name, "must be >= 0")
		}
	}
	return nil
}

// WithMetric returns a copy of the result with one metric overridden.
func (r ActivityResult) WithMetric(name string, value float64) ActivityResult {
	metrics := make(map[string]float64, len(r.Metrics)+1)
	for k, v := range r.Metrics {
		metrics[k] = v
	}
	metrics[name] = value
	r.Metrics = metrics
	return r
}
