package outbox

import "example.com/rewards/internal/events"

const rewardSettledSchema = `{
  "type": "object",
  "title": "RewardSettled",
  "properties": {
    "entry_id": {"type": "string"},
    "user_id": {"type": "string"},
    "activity_type": {"type": "string"},
    "activity_id": {"type": "string"},
    "xp": {"type": "integer"},
    "token_amount": {"type": "string"},
    "item_grant": {"type": "string"},
    "external_ref": {"type": "string"},
    "settled_at": {"type": "string", "format": "date-time"}
  },
  "required": ["entry_id", "user_id", "activity_type", "activity_id", "xp", "token_amount", "settled_at"],
  "additionalProperties": false
}`

const rewardFailedSchema = `{
  "type": "object",
  "title": "RewardFailed",
  "properties": {
    "entry_id": {"type": "string"},
    "user_id": {"type": "string"},
    "activity_type": {"type": "string"},
    "activity_id": {"type": "string"},
    "xp_granted": {"type": "integer"},
    "reason": {"type": "string"},
    "failed_at": {"type": "string", "format": "date-time"}
  },
  "required": ["entry_id", "user_id", "activity_type", "activity_id", "xp_granted", "reason", "failed_at"],
  "additionalProperties": false
}`

// CatalogEntry maps an event type to where and how it is published.
type CatalogEntry struct {
	Topic   string
	Subject string
	Schema  string
}

var schemaCatalog = map[string]CatalogEntry{
	events.TypeRewardSettled: {
		Topic:   events.TopicRewardSettled,
		Subject: events.TopicRewardSettled + "-value",
		Schema:  rewardSettledSchema,
	},
	events.TypeRewardFailed: {
		Topic:   events.TopicRewardFailed,
		Subject: events.TopicRewardFailed + "-value",
		Schema:  rewardFailedSchema,
	},
}

// Lookup returns catalog metadata for an event type.
func Lookup(eventType string) (CatalogEntry, bool) {
	entry, ok := schemaCatalog[eventType]
	return entry, ok
}
