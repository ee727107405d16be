package stats

import (
	"github.com/shopspring/decimal"
)

// Statistics is the persisted view of the engine's running counters and the
// aggregates derived from the sliding windows.
type Statistics struct {
	TotalSeen      int64           `json:"totalSeen"`
	TotalPromoted  int64           `json:"totalPromoted"`
	TotalReplaced  int64           `json:"totalReplaced"`
	TotalConfirmed int64           `json:"totalConfirmed"`
	MaxFeeObserved decimal.Decimal `json:"maxFeeObserved"`
	MaxAgeObserved int64           `json:"maxAgeObserved"`
	MeanFee        decimal.Decimal `json:"meanFee"`
	MeanAge        float64         `json:"meanAge"`
}

// Aggregator tracks outcome statistics for confirmed messages. It is not safe
// for concurrent use; the scheduler is its only writer.
type Aggregator struct {
	stats Statistics
	fees  *Window[decimal.Decimal]
	ages  *Window[int64]
}

// NewAggregator creates an aggregator with independent fee and age window
// capacities.
func NewAggregator(feeWindow, ageWindow int) *Aggregator {
	return &Aggregator{
		fees: NewWindow[decimal.Decimal](feeWindow),
		ages: NewWindow[int64](ageWindow),
	}
}

func (a *Aggregator) IncSeen()     { a.stats.TotalSeen++ }
func (a *Aggregator) IncPromoted() { a.stats.TotalPromoted++ }
func (a *Aggregator) IncReplaced() { a.stats.TotalReplaced++ }

// RecordConfirmation records a working message that left the pool. fee is the
// last executed (clamped) fee and ageEpochs the chain's total age.
func (a *Aggregator) RecordConfirmation(fee decimal.Decimal, ageEpochs int64) {
	a.stats.TotalConfirmed++

	a.fees.Push(fee)
	a.ages.Push(ageEpochs)
	a.recomputeMeans()

	if fee.GreaterThan(a.stats.MaxFeeObserved) {
		a.stats.MaxFeeObserved = fee
	}
	if ageEpochs > a.stats.MaxAgeObserved {
		a.stats.MaxAgeObserved = ageEpochs
	}
}

// Statistics returns a copy of the current statistics.
func (a *Aggregator) Statistics() Statistics {
	return a.stats
}

// FeeSamples returns the retained fee samples, oldest first.
func (a *Aggregator) FeeSamples() []decimal.Decimal { return a.fees.Samples() }

// AgeSamples returns the retained age samples, oldest first.
func (a *Aggregator) AgeSamples() []int64 { return a.ages.Samples() }

// Restore loads previously persisted statistics and window contents. Windows
// are trimmed to the current capacities and means recomputed from what is
// retained.
func (a *Aggregator) Restore(s Statistics, fees []decimal.Decimal, ages []int64) {
	a.stats = s
	a.fees.Reset(fees)
	a.ages.Reset(ages)
	a.recomputeMeans()
}

func (a *Aggregator) recomputeMeans() {
	a.stats.MeanFee = meanDecimal(a.fees.samples)
	a.stats.MeanAge = meanInt(a.ages.samples)
}

func meanDecimal(samples []decimal.Decimal) decimal.Decimal {
	if len(samples) == 0 {
		return decimal.Zero
	}
	sum := decimal.Sum(samples[0], samples[1:]...)
	return sum.Div(decimal.NewFromInt(int64(len(samples))))
}

func meanInt(samples []int64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		sum += s
	}
	return float64(sum) / float64(len(samples))
}
