package metrics

import (
	"strconv"
	"sync/atomic"

	"github.com/cachecored/cachecored/internal/protocol/admin"
)

// bucketBoundsUs are the histogram's upper bounds, in microseconds,
// log-spaced so a handful of buckets cover sub-millisecond to
// multi-second latencies without per-value allocation.
var bucketBoundsUs = []int64{
	50, 100, 250, 500, 1_000, 2_500, 5_000, 10_000,
	25_000, 50_000, 100_000, 250_000, 500_000, 1_000_000,
}

// percentileLabels are the labels spec.md §4.2 expects the stats response
// to expand a histogram into: one STAT line per label.
var percentileLabels = []struct {
	label string
	frac  float64
}{
	{"p50", 0.50},
	{"p90", 0.90},
	{"p99", 0.99},
}

// Histogram is a lock-free, fixed-bucket latency histogram.
type Histogram struct {
	buckets []atomic.Int64 // buckets[i] counts observations <= bucketBoundsUs[i]
	overflow atomic.Int64  // observations beyond the last bound
}

// NewHistogram returns an empty Histogram.
func NewHistogram() Histogram {
	return Histogram{buckets: make([]atomic.Int64, len(bucketBoundsUs))}
}

// Observe records one latency sample in microseconds.
func (h *Histogram) Observe(us int64) {
	for i, bound := range bucketBoundsUs {
		if us <= bound {
			h.buckets[i].Add(1)
			return
		}
	}
	h.overflow.Add(1)
}

// Percentiles returns one admin.Stat per configured percentile label,
// named "<prefix>.<label>", approximated from the bucket histogram.
func (h *Histogram) Percentiles(prefix string) []admin.Stat {
	total := h.overflow.Load()
	counts := make([]int64, len(h.buckets))
	for i := range h.buckets {
		counts[i] = h.buckets[i].Load()
		total += counts[i]
	}
	stats := make([]admin.Stat, 0, len(percentileLabels))
	for _, p := range percentileLabels {
		stats = append(stats, admin.Stat{
			Name:  prefix + "." + p.label,
			Value: strconv.FormatInt(percentileValue(counts, total, p.frac), 10),
		})
	}
	return stats
}

func percentileValue(counts []int64, total int64, frac float64) int64 {
	if total == 0 {
		return 0
	}
	target := int64(frac * float64(total))
	var cum int64
	for i, c := range counts {
		cum += c
		if cum > target {
			return bucketBoundsUs[i]
		}
	}
	return bucketBoundsUs[len(bucketBoundsUs)-1]
}
