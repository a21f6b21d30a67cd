package sampling

import (
	"sort"

	"github.com/amine-amaach/uacore/internal/component"
)

// RateTable is the ordered list of supported sampling rate buckets.
type RateTable []component.SamplingRate

// NewRateTable copies and orders the buckets by start rate.
func NewRateTable(rates []component.SamplingRate) RateTable {
	t := make(RateTable, len(rates))
	copy(t, rates)
	sort.SliceStable(t, func(i, j int) bool { return t[i].Start < t[j].Start })
	return t
}

// AdjustSamplingInterval snaps a requested interval up to the smallest
// supported rate. Intervals above every bucket pass through unchanged.
func (t RateTable) AdjustSamplingInterval(samplingInterval float64) float64 {
	for _, rate := range t {
		if samplingInterval <= rate.Start {
			return rate.Start
		}
		max := rate.Start
		if rate.Increment > 0 {
			max += rate.Increment * float64(rate.Count)
		}
		if samplingInterval > max {
			continue
		}
		if samplingInterval == max {
			return max
		}
		for ii := rate.Start; ii <= max; ii += rate.Increment {
			if ii >= samplingInterval {
				return ii
			}
		}
	}
	return samplingInterval
}
