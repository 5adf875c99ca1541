package auth

// Scopes understood by the reward API.
const (
	ScopeRewardsWrite = "rewards:write"
	ScopeRewardsRead  = "rewards:read"
	ScopeRewardsAdmin = "rewards:admin"
)
