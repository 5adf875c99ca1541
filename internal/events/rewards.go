// Package events defines the payloads exchanged with other services.
package events

import "time"

// Event types and their topics.
const (
	TypeActivityCompleted = "activity.completed"
	TypeRewardSettled     = "reward.settled"
	TypeRewardFailed      = "reward.failed"

	TopicActivityCompleted = "activity_completed"
	TopicRewardSettled     = "reward_settled"
	TopicRewardFailed      = "reward_failed"
)

// ActivityCompleted is consumed from the activity intake topic.
type ActivityCompleted struct {
	UserID       string             `json:"user_id"`
	ActivityType string             `json:"activity_type"`
	ActivityID   string             `json:"activity_id"`
	Difficulty   string             `json:"difficulty,omitempty"`
	Metrics      map[string]float64 `json:"metrics"`
	OccurredAt   time.Time          `json:"occurred_at"`
	Timezone     string             `json:"timezone,omitempty"`
}

// RewardSettled is emitted once a ledger entry settles.
type RewardSettled struct {
	EntryID      string    `json:"entry_id"`
	UserID       string    `json:"user_id"`
	ActivityType string    `json:"activity_type"`
	ActivityID   string    `json:"activity_id"`
	XP           int64     `json:"xp"`
	TokenAmount  string    `json:"token_amount"`
	ItemGrant    string    `json:"item_grant,omitempty"`
	ExternalRef  string    `json:"external_ref,omitempty"`
	SettledAt    time.Time `json:"settled_at"`
}

// RewardFailed is emitted when the token transfer is rejected. XPGranted tells
// consumers whether progress was still recorded.
type RewardFailed struct {
	EntryID      string    `json:"entry_id"`
	UserID       string    `json:"user_id"`
	ActivityType string    `json:"activity_type"`
	ActivityID   string    `json:"activity_id"`
	XPGranted    int64     `json:"xp_granted"`
	Reason       string    `json:"reason"`
	FailedAt     time.Time `json:"failed_at"`
}
