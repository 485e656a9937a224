package engine

import (
	"math"
	"sort"
	"time"
)

const (
	// emaAlpha is the weight of a fresh sample in the live readout average.
	emaAlpha = 0.3
	// emaTick is the minimum interval between live readout updates.
	emaTick = 100 * time.Millisecond
	// trimFraction is discarded from each end of the latency sample set
	// before averaging, to blunt outliers such as a cold DNS lookup.
	trimFraction = 0.10
)

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// stddev is the population standard deviation around the given mean.
func stddev(vals []float64, mean float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vals)))
}

// trimOutliers returns the sorted middle of vals with frac removed from each
// end. Small sets still lose at least one value per side when possible, so a
// single spike cannot dominate a short probe run.
func trimOutliers(vals []float64, frac float64) []float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	k := int(math.Ceil(frac * float64(len(sorted))))
	if 2*k >= len(sorted) {
		k = (len(sorted) - 1) / 2
	}
	if k <= 0 {
		return sorted
	}
	return sorted[k : len(sorted)-k]
}

// ema folds a new sample into a running exponential moving average.
func ema(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

// mbps converts a byte count over an elapsed duration to megabits/second.
func mbps(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) * 8 / elapsed.Seconds() / 1e6
}

// transferDeadline bounds one transfer: the floor plus the time the payload
// would need at the give-up speed. Anything slower than that would end the
// phase via early exit anyway, so waiting longer cannot change the result.
func transferDeadline(size int64, giveUpMbps float64, floor time.Duration) time.Duration {
	if giveUpMbps <= 0 {
		return floor
	}
	atGiveUp := float64(size) * 8 / 1e6 / giveUpMbps
	return floor + time.Duration(atGiveUp*float64(time.Second))
}

// saneSpeed reports whether a computed speed is inside the accepted band.
// Values outside it are clock or transport artifacts, not measurements.
func saneSpeed(v, max float64) bool {
	return v > 0 && v < max
}
