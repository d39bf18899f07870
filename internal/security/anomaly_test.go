package security

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func samples(pairs ...interface{}) []Sample {
	var out []Sample
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, Sample{
			Amount:    decimal.NewFromInt(int64(pairs[i].(int))),
			CreatedAt: pairs[i+1].(time.Time),
		})
	}
	return out
}

func TestScoreAnomaly(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)
	old := now.Add(-2 * time.Hour)

	t.Run("empty history scores zero", func(t *testing.T) {
		score, patterns := ScoreAnomaly(nil, decimal.NewFromInt(50), now)
		assert.Equal(t, 0, score)
		assert.Empty(t, patterns)
	})

	t.Run("amount spike against own average", func(t *testing.T) {
		history := samples(10, old, 10, old, 10, old)
		score, patterns := ScoreAnomaly(history, decimal.NewFromInt(51), now)
		assert.Equal(t, 35, score)
		assert.Equal(t, []string{PatternSpike}, patterns)
	})

	t.Run("spike needs enough history", func(t *testing.T) {
		history := samples(10, old, 10, old)
		score, _ := ScoreAnomaly(history, decimal.NewFromInt(1000), now)
		assert.Equal(t, 0, score)
	})

	t.Run("rapid succession", func(t *testing.T) {
		history := samples(10, recent, 20, recent, 30, recent)
		score, patterns := ScoreAnomaly(history, decimal.NewFromInt(40), now)
		assert.Equal(t, 25, score)
		assert.Equal(t, []string{PatternRapidFire}, patterns)
	})

	t.Run("repeated exact amount", func(t *testing.T) {
		history := samples(42, old, 42, old, 42, old)
		score, patterns := ScoreAnomaly(history, decimal.NewFromInt(42), now)
		assert.Equal(t, 25, score)
		assert.Equal(t, []string{PatternRepeatedAmount}, patterns)
	})

	t.Run("round number cluster", func(t *testing.T) {
		history := samples(100, old, 200, old)
		score, patterns := ScoreAnomaly(history, decimal.NewFromInt(300), now)
		assert.Equal(t, 15, score)
		assert.Equal(t, []string{PatternRoundNumbers}, patterns)
	})

	t.Run("score is capped at 100", func(t *testing.T) {
		history := samples(2000, recent, 2000, recent, 2000, recent)
		for i := 0; i < 17; i++ {
			history = append(history, Sample{Amount: decimal.NewFromInt(100), CreatedAt: recent})
		}

		score, patterns := ScoreAnomaly(history, decimal.NewFromInt(2000), now)
		assert.Equal(t, 100, score)
		assert.ElementsMatch(t, []string{PatternSpike, PatternRapidFire, PatternRepeatedAmount, PatternRoundNumbers}, patterns)
	})
}
