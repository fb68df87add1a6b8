package tracker

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Aggregate averages the best n samples by accuracy. Latitude, longitude and
// accuracy are the unweighted mean of that subset; heading, speed and timestamp
// come from the most recently received sample within it.
func Aggregate(samples []Sample, n int) (Sample, bool) {
	if len(samples) == 0 || n <= 0 {
		return Sample{}, false
	}
	if n > len(samples) {
		n = len(samples)
	}

	order := make([]int, len(samples))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return samples[order[a]].Accuracy < samples[order[b]].Accuracy
	})
	best := order[:n]

	lats := make([]float64, n)
	lngs := make([]float64, n)
	accs := make([]float64, n)
	latest := best[0]
	for i, idx := range best {
		lats[i] = samples[idx].Latitude
		lngs[i] = samples[idx].Longitude
		accs[i] = samples[idx].Accuracy
		if idx > latest {
			latest = idx
		}
	}

	return Sample{
		Latitude:  stat.Mean(lats, nil),
		Longitude: stat.Mean(lngs, nil),
		Accuracy:  stat.Mean(accs, nil),
		Heading:   samples[latest].Heading,
		Speed:     samples[latest].Speed,
		Timestamp: samples[latest].Timestamp,
	}, true
}
