// Package reward maps completed activities to reward bundles. Everything here
// is pure: no I/O, no clocks, no randomness.
package reward

import (
	"fmt"
	"math"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"

	"example.com/rewards/internal/domain"
)

// TokenPrecision is the number of decimal places token amounts are rounded to.
const TokenPrecision = 2

// Diagnostic describes a data-quality problem found while computing a bundle.
// The empty string means none.
type Diagnostic string

// Rule configures payouts for one activity type.
type Rule struct {
	BaseXP     int64
	BaseTokens decimal.Decimal
	// MaxTokens is the hard cap; computed amounts never exceed it.
	MaxTokens decimal.Decimal
	// Metric is the numerator of the performance ratio.
	Metric string
	// TotalMetric, when present and positive in the metrics, is the denominator.
	TotalMetric string
	// Target is the denominator when TotalMetric is absent.
	Target float64
	// MinMetric gates tokens: below it the bundle carries XP only.
	MinMetric float64
	// Items are indexed by the floored Metric value.
	Items []string
}

// Config is the full payout table.
type Config struct {
	Rules      map[domain.ActivityType]Rule
	Difficulty map[domain.Difficulty]decimal.Decimal
}

// DefaultConfig returns the production payout table.
func DefaultConfig() Config {
	return Config{
		Rules: DefaultRules(),
		Difficulty: map[domain.Difficulty]decimal.Decimal{
			domain.DifficultyEasy:   decimal.RequireFromString("0.8"),
			domain.DifficultyMedium: decimal.RequireFromString("1.0"),
			domain.DifficultyHard:   decimal.RequireFromString("1.25"),
		},
	}
}

// WithTokenCap lowers every rule's MaxTokens to limit. A non-positive limit
// leaves the table unchanged.
func (c Config) WithTokenCap(limit decimal.Decimal) Config {
	if !limit.IsPositive() {
		return c
	}
	rules := make(map[domain.ActivityType]Rule, len(c.Rules))
	for activityType, rule := range c.Rules {
		if rule.MaxTokens.GreaterThan(limit) {
			rule.MaxTokens = limit
		}
		rules[activityType] = rule
	}
	c.Rules = rules
	return c
}

// DefaultRules returns the per-activity rule table.
func DefaultRules() map[domain.ActivityType]Rule {
	return map[domain.ActivityType]Rule{
		domain.ActivityGame: {
			BaseXP:      50,
			BaseTokens:  decimal.RequireFromString("0.10"),
			MaxTokens:   decimal.RequireFromString("0.10"),
			Metric:      "score",
			TotalMetric: "maxScore",
			Target:      1000,
		},
		domain.ActivityQuiz: {
			BaseXP:      100,
			BaseTokens:  decimal.RequireFromString("0.05"),
			MaxTokens:   decimal.RequireFromString("0.05"),
			Metric:      "correctCount",
			TotalMetric: "totalCount",
			Target:      10,
			MinMetric:   8,
		},
		domain.ActivityChallenge: {
			BaseXP:      150,
			BaseTokens:  decimal.RequireFromString("0.25"),
			MaxTokens:   decimal.RequireFromString("0.25"),
			Metric:      "bugsFound",
			TotalMetric: "totalBugs",
			Target:      5,
			MinMetric:   1,
		},
		domain.ActivityMysteryBox: {
			BaseXP:     25,
			BaseTokens: decimal.RequireFromString("0.20"),
			MaxTokens:  decimal.RequireFromString("0.20"),
			Metric:     "rarity",
			Target:     3,
			Items:      []string{"Common Sticker", "Rare Avatar Frame", "Epic Card Back", "Legendary Golden Badge"},
		},
		domain.ActivityStreak: {
			BaseXP:     20,
			BaseTokens: decimal.RequireFromString("0.02"),
			MaxTokens:  decimal.RequireFromString("0.02"),
			Metric:     domain.MetricStreakLength,
			Target:     7,
		},
	}
}

var (
	half       = decimal.RequireFromString("0.5")
	mediumMult = decimal.NewFromInt(1)
)

// Calculator computes reward bundles from a Config.
type Calculator struct {
	cfg Config
}

// NewCalculator constructs a Calculator.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Rule exposes the configured rule for an activity type.
func (c *Calculator) Rule(activityType domain.ActivityType) (Rule, bool) {
	rule, ok := c.cfg.Rules[activityType]
	return rule, ok
}

// Compute is total: unknown activity types yield a zero bundle and a diagnostic.
func (c *Calculator) Compute(activityType domain.ActivityType, difficulty domain.Difficulty, metrics map[string]float64) (domain.RewardBundle, Diagnostic) {
	rule, ok := c.cfg.Rules[activityType]
	if !ok {
		return domain.RewardBundle{TokenAmount: decimal.Zero}, Diagnostic(fmt.Sprintf("unrecognized activity type %q", activityType))
	}

	var diag Diagnostic
	mult, ok := c.cfg.Difficulty[difficulty]
	if !ok {
		mult = mediumMult
		if difficulty != "" {
			diag = Diagnostic(fmt.Sprintf("unknown difficulty %q treated as medium", difficulty))
		}
	}

	value := metrics[rule.Metric]
	blend := half.Add(half.Mul(decimal.NewFromFloat(performanceRatio(rule, metrics))))

	tokens := decimal.Zero
	if value >= rule.MinMetric {
		tokens = rule.BaseTokens.Mul(mult).Mul(blend)
		if tokens.GreaterThan(rule.MaxTokens) {
			tokens = rule.MaxTokens
		}
		tokens = tokens.Round(TokenPrecision)
		if tokens.GreaterThan(rule.MaxTokens) {
			tokens = rule.MaxTokens
		}
		if tokens.IsNegative() {
			tokens = decimal.Zero
		}
	}

	xp := decimal.NewFromInt(rule.BaseXP).Mul(mult).Mul(blend).Round(0).IntPart()
	if xp < 0 {
		xp = 0
	}

	return domain.RewardBundle{
		XP:          xp,
		TokenAmount: tokens,
		ItemGrant:   itemFor(rule, value),
	}, diag
}

// performanceRatio normalises the rule metric into [0,1].
func performanceRatio(rule Rule, metrics map[string]float64) float64 {
	total := rule.Target
	if rule.TotalMetric != "" {
		if t, ok := metrics[rule.TotalMetric]; ok && t > 0 {
			total = t
		}
	}
	if total <= 0 {
		return 0
	}
	ratio := metrics[rule.Metric] / total
	if math.IsNaN(ratio) || ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

func itemFor(rule Rule, value float64) string {
	if len(rule.Items) == 0 {
		return ""
	}
	// Clamp before converting: float to int is undefined outside int range.
	last := len(rule.Items) - 1
	var idx int
	switch {
	case math.IsNaN(value) || value < 0:
		idx = 0
	case value >= float64(last):
		idx = last
	default:
		idx = int(math.Floor(value))
	}
	return "item:" + slug.Make(rule.Items[idx])
}
