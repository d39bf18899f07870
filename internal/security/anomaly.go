package security

import (
	"time"

	"github.com/shopspring/decimal"
)

// Anomaly pattern names, reported in security event details.
const (
	PatternSpike          = "amount_spike"
	PatternRapidFire      = "rapid_succession"
	PatternRepeatedAmount = "repeated_amount"
	PatternRoundNumbers   = "round_number_cluster"
)

const (
	spikeWeight    = 35
	rapidWeight    = 25
	repeatedWeight = 25
	roundWeight    = 15

	spikeFactor     = 5
	rapidWindow     = 5 * time.Minute
	rapidCount      = 3
	repeatedCount   = 3
	minSpikeHistory = 3
)

var roundStep = decimal.NewFromInt(100)

// ScoreAnomaly compares a proposed amount against the account's own recent
// history and returns a 0-100 risk score plus the patterns that matched.
// It is a pure function; the gate decides what the score means.
func ScoreAnomaly(history []Sample, amount decimal.Decimal, now time.Time) (int, []string) {
	score := 0
	var patterns []string

	if spike(history, amount) {
		score += spikeWeight
		patterns = append(patterns, PatternSpike)
	}
	if rapid(history, now) {
		score += rapidWeight
		patterns = append(patterns, PatternRapidFire)
	}
	if repeated(history, amount) {
		score += repeatedWeight
		patterns = append(patterns, PatternRepeatedAmount)
	}
	if roundCluster(history, amount) {
		score += roundWeight
		patterns = append(patterns, PatternRoundNumbers)
	}

	if score > 100 {
		score = 100
	}
	return score, patterns
}

// spike fires when the amount is more than 5x the account's own average.
func spike(history []Sample, amount decimal.Decimal) bool {
	if len(history) < minSpikeHistory {
		return false
	}

	sum := decimal.Zero
	for _, sample := range history {
		sum = sum.Add(sample.Amount)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(history))))
	if avg.IsZero() {
		return false
	}

	return amount.GreaterThan(avg.Mul(decimal.NewFromInt(spikeFactor)))
}

// rapid fires when several transactions already landed inside the window.
func rapid(history []Sample, now time.Time) bool {
	cutoff := now.Add(-rapidWindow)
	recent := 0
	for _, sample := range history {
		if sample.CreatedAt.After(cutoff) {
			recent++
		}
	}
	return recent >= rapidCount
}

// repeated fires when the exact amount keeps recurring.
func repeated(history []Sample, amount decimal.Decimal) bool {
	matches := 0
	for _, sample := range history {
		if sample.Amount.Equal(amount) {
			matches++
		}
	}
	return matches >= repeatedCount
}

// roundCluster fires when the amount and most of the recent history sit on
// round numbers, a common structuring signature.
func roundCluster(history []Sample, amount decimal.Decimal) bool {
	if len(history) < 2 || !isRound(amount) {
		return false
	}

	round := 0
	for _, sample := range history {
		if isRound(sample.Amount) {
			round++
		}
	}
	return round*2 >= len(history)
}

func isRound(amount decimal.Decimal) bool {
	return amount.Mod(roundStep).IsZero() && !amount.IsZero()
}
