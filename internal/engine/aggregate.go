package engine

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/nexus-trading/tokenfcs/internal/graph"
)

// ReportedPercentiles are the percentiles included in a Distribution.
var ReportedPercentiles = []float64{50, 75, 90, 95, 99}

// ErrInvalidPercentile is returned for a requested percentile outside [0, 100].
var ErrInvalidPercentile = errors.New("engine: invalid percentile")

// PercentileSet returns ReportedPercentiles plus extra, sorted and without
// duplicates.
func PercentileSet(extra ...float64) ([]float64, error) {
	if len(extra) == 0 {
		return ReportedPercentiles, nil
	}
	set := append([]float64(nil), ReportedPercentiles...)
	for _, p := range extra {
		if math.IsNaN(p) || p < 0 || p > 100 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPercentile, p)
		}
		set = append(set, p)
	}
	sort.Float64s(set)
	out := set[:1]
	for _, p := range set[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out, nil
}

// HistogramBuckets is the number of equal-width score buckets.
const HistogramBuckets = 5

// HolderStats is the weighted holder summary of one token.
type HolderStats struct {
	Token               string    `json:"token"`
	Name                string    `json:"name"`
	Symbol              string    `json:"symbol"`
	WeightedHolderTotal float64   `json:"weighted_holder_total"`
	RawHolderTotal      int       `json:"raw_holder_total"`
	LinkedIdentities    int       `json:"linked_identities"`
	UnlinkedWallets     int       `json:"unlinked_wallets"`
	IndexedHolderCount  int       `json:"indexed_holder_count"`
	ComputedAt          time.Time `json:"computed_at"`
}

// PercentileValue is one reported percentile.
type PercentileValue struct {
	P     float64   `json:"p"`
	Value NullFloat `json:"value"`
}

// HistogramBucket counts scores in [Lower, Upper). The last bucket is closed.
type HistogramBucket struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
}

// Distribution summarises the reputation scores of a token's linked holders.
type Distribution struct {
	Token string `json:"token"`
	// Identities counts linked identities, scored or not.
	Identities int `json:"identities"`
	// Scored counts identities with a present score.
	Scored      int               `json:"scored"`
	Mean        NullFloat         `json:"mean"`
	Min         NullFloat         `json:"min"`
	Max         NullFloat         `json:"max"`
	Percentiles []PercentileValue `json:"percentiles"`
	Histogram   []HistogramBucket `json:"histogram"`
	ComputedAt  time.Time         `json:"computed_at"`
}

// Percentile looks up a reported percentile, NoData if p was not reported.
func (d Distribution) Percentile(p float64) NullFloat {
	for _, pv := range d.Percentiles {
		if pv.P == p {
			return pv.Value
		}
	}
	return NoData
}

// SummarizeHolders folds clusters into the weighted holder total.
func SummarizeHolders(tok graph.Token, clusters []Cluster, now time.Time) HolderStats {
	stats := HolderStats{
		Token:              tok.Address,
		Name:               tok.Name,
		Symbol:             tok.Symbol,
		IndexedHolderCount: tok.HolderCount,
		ComputedAt:         now,
	}
	for _, c := range clusters {
		stats.WeightedHolderTotal += Weight(c)
		stats.RawHolderTotal += len(c.Holdings)
		if c.Linked() {
			stats.LinkedIdentities++
		} else {
			stats.UnlinkedWallets++
		}
	}
	return stats
}

// Distribute computes the score distribution over the distinct linked
// identities at the given percentiles, ReportedPercentiles when nil.
// Identities without a score are counted but excluded from the statistics.
func Distribute(tok graph.Token, clusters []Cluster, now time.Time, percentiles []float64) Distribution {
	var scores []float64
	identities := 0
	for _, c := range clusters {
		if !c.Linked() {
			continue
		}
		identities++
		if c.Identity.Score != nil {
			scores = append(scores, *c.Identity.Score)
		}
	}
	sort.Float64s(scores)

	d := Distribution{
		Token:      tok.Address,
		Identities: identities,
		Scored:     len(scores),
		Mean:       Mean(scores),
		Histogram:  Histogram(scores, HistogramBuckets),
		ComputedAt: now,
	}
	if len(scores) > 0 {
		d.Min = Some(scores[0])
		d.Max = Some(scores[len(scores)-1])
	}
	if percentiles == nil {
		percentiles = ReportedPercentiles
	}
	d.Percentiles = make([]PercentileValue, len(percentiles))
	for i, p := range percentiles {
		d.Percentiles[i] = PercentileValue{P: p, Value: Percentile(scores, p)}
	}
	return d
}

// Mean returns the arithmetic mean, or NoData for an empty set.
func Mean(values []float64) NullFloat {
	if len(values) == 0 {
		return NoData
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return Some(sum / float64(len(values)))
}

// Percentile returns the p-th percentile of sorted using linear interpolation
// between closest ranks (rank = p/100 * (n-1)). Empty input yields NoData.
func Percentile(sorted []float64, p float64) NullFloat {
	n := len(sorted)
	if n == 0 {
		return NoData
	}
	if p <= 0 {
		return Some(sorted[0])
	}
	if p >= 100 {
		return Some(sorted[n-1])
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return Some(sorted[lo])
	}
	frac := rank - float64(lo)
	return Some(sorted[lo] + (sorted[hi]-sorted[lo])*frac)
}

// Histogram splits [min, max] of sorted into equal-width buckets. A single
// distinct value collapses into one bucket. Empty input yields nil.
func Histogram(sorted []float64, buckets int) []HistogramBucket {
	if len(sorted) == 0 || buckets <= 0 {
		return nil
	}
	lo, hi := sorted[0], sorted[len(sorted)-1]
	if lo == hi {
		return []HistogramBucket{{Lower: lo, Upper: hi, Count: len(sorted)}}
	}

	width := (hi - lo) / float64(buckets)
	out := make([]HistogramBucket, buckets)
	for i := range out {
		out[i].Lower = lo + width*float64(i)
		out[i].Upper = lo + width*float64(i+1)
	}
	out[buckets-1].Upper = hi

	for _, v := range sorted {
		idx := int((v - lo) / width)
		if idx >= buckets {
			idx = buckets - 1
		}
		out[idx].Count++
	}
	return out
}
