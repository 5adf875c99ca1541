package reward

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"example.com/rewards/internal/domain"
)

func TestQuizNineOfTenMediumPaysBase(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	bundle, diag := calc.Compute(domain.ActivityQuiz, domain.DifficultyMedium, map[string]float64{
		"correctCount": 9,
		"totalCount":   10,
	})

	require.Empty(t, diag)
	require.True(t, bundle.TokenAmount.Equal(decimal.RequireFromString("0.05")), bundle.TokenAmount.String())
	require.Equal(t, int64(95), bundle.XP)
	require.Empty(t, bundle.ItemGrant)
}

func TestQuizBelowThresholdGrantsXPOnly(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	bundle, diag := calc.Compute(domain.ActivityQuiz, domain.DifficultyMedium, map[string]float64{
		"correctCount": 5,
		"totalCount":   10,
	})

	require.Empty(t, diag)
	require.True(t, bundle.TokenAmount.IsZero())
	require.Equal(t, int64(75), bundle.XP)
}

func TestHardDifficultyIsCapped(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	for _, activity := range []domain.ActivityType{domain.ActivityGame, domain.ActivityQuiz, domain.ActivityChallenge, domain.ActivityMysteryBox} {
		rule, ok := calc.Rule(activity)
		require.True(t, ok)

		bundle, _ := calc.Compute(activity, domain.DifficultyHard, map[string]float64{
			rule.Metric: 1e9,
		})
		require.False(t, bundle.TokenAmount.GreaterThan(rule.MaxTokens), "%s paid %s", activity, bundle.TokenAmount)
		require.True(t, bundle.TokenAmount.Equal(rule.MaxTokens), "%s paid %s", activity, bundle.TokenAmount)
	}
}

func TestEasyDifficultyScalesDown(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	bundle, diag := calc.Compute(domain.ActivityGame, domain.DifficultyEasy, map[string]float64{
		"score":    1000,
		"maxScore": 1000,
	})

	require.Empty(t, diag)
	require.True(t, bundle.TokenAmount.Equal(decimal.RequireFromString("0.08")), bundle.TokenAmount.String())
	require.Equal(t, int64(40), bundle.XP)
}

func TestComputeIsDeterministic(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	metrics := map[string]float64{"bugsFound": 2, "totalBugs": 3}

	first, _ := calc.Compute(domain.ActivityChallenge, domain.DifficultyMedium, metrics)
	for i := 0; i < 20; i++ {
		next, _ := calc.Compute(domain.ActivityChallenge, domain.DifficultyMedium, metrics)
		require.Equal(t, first.XP, next.XP)
		require.True(t, first.TokenAmount.Equal(next.TokenAmount))
	}
}

func TestUnknownActivityTypeYieldsZeroBundle(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	bundle, diag := calc.Compute(domain.ActivityType("karaoke"), domain.DifficultyMedium, map[string]float64{"score": 10})

	require.NotEmpty(t, diag)
	require.Zero(t, bundle.XP)
	require.True(t, bundle.TokenAmount.IsZero())
	require.Empty(t, bundle.ItemGrant)
}

func TestUnknownDifficultyFallsBackToMedium(t *testing.T) {
	calc := NewCalculator(DefaultConfig())
	metrics := map[string]float64{"correctCount": 10, "totalCount": 10}

	medium, _ := calc.Compute(domain.ActivityQuiz, domain.DifficultyMedium, metrics)
	odd, diag := calc.Compute(domain.ActivityQuiz, domain.Difficulty("nightmare"), metrics)

	require.NotEmpty(t, diag)
	require.Equal(t, medium.XP, odd.XP)
	require.True(t, medium.TokenAmount.Equal(odd.TokenAmount))
}

func TestMysteryBoxGrantsItemByRarity(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	common, _ := calc.Compute(domain.ActivityMysteryBox, "", map[string]float64{"rarity": 0})
	legendary, _ := calc.Compute(domain.ActivityMysteryBox, "", map[string]float64{"rarity": 3})
	beyond, _ := calc.Compute(domain.ActivityMysteryBox, "", map[string]float64{"rarity": 12})

	require.Equal(t, "item:common-sticker", common.ItemGrant)
	require.Equal(t, "item:legendary-golden-badge", legendary.ItemGrant)
	require.Equal(t, legendary.ItemGrant, beyond.ItemGrant)
	require.True(t, legendary.TokenAmount.Equal(decimal.RequireFromString("0.20")))
}

func TestHugeRarityStaysOnTopItem(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	legendary, _ := calc.Compute(domain.ActivityMysteryBox, "", map[string]float64{"rarity": 3})
	for _, rarity := range []float64{1e19, 1e300, math.MaxFloat64} {
		bundle, _ := calc.Compute(domain.ActivityMysteryBox, "", map[string]float64{"rarity": rarity})
		require.Equal(t, legendary.ItemGrant, bundle.ItemGrant, "rarity %g", rarity)
	}
}

func TestStreakScalesWithLength(t *testing.T) {
	calc := NewCalculator(DefaultConfig())

	day1, _ := calc.Compute(domain.ActivityStreak, "", map[string]float64{domain.MetricStreakLength: 1})
	day7, _ := calc.Compute(domain.ActivityStreak, "", map[string]float64{domain.MetricStreakLength: 7})

	require.Less(t, day1.XP, day7.XP)
	require.Equal(t, int64(20), day7.XP)
	require.True(t, day7.TokenAmount.Equal(decimal.RequireFromString("0.02")))
}

func TestTokenCapLowersRuleMaximum(t *testing.T) {
	cfg := DefaultConfig().WithTokenCap(decimal.RequireFromString("0.03"))
	calc := NewCalculator(cfg)

	bundle, _ := calc.Compute(domain.ActivityQuiz, domain.DifficultyHard, map[string]float64{
		"correctCount": 10,
		"totalCount":   10,
	})
	require.True(t, bundle.TokenAmount.Equal(decimal.RequireFromString("0.03")), bundle.TokenAmount.String())

	untouched := DefaultConfig().WithTokenCap(decimal.Zero)
	require.Equal(t, DefaultConfig().Rules[domain.ActivityQuiz].MaxTokens.String(), untouched.Rules[domain.ActivityQuiz].MaxTokens.String())
}
