package stats

import (
	"fmt"
	"time"
)

// Kind selects which timeline a query reads.
type Kind string

const (
	KindLatency Kind = "latency"
	KindLoss    Kind = "loss"
)

// Range is a supported zoom range.
type Range string

// rangeSpec maps a range to its span and fixed bucket width.
type rangeSpec struct {
	span   time.Duration
	bucket time.Duration
}

// Supported ranges with their fixed bucket widths. The table is part of the
// query contract and must not change.
var rangeSpecs = map[Range]rangeSpec{
	"1h":  {span: time.Hour, bucket: 10 * time.Second},
	"6h":  {span: 6 * time.Hour, bucket: 60 * time.Second},
	"12h": {span: 12 * time.Hour, bucket: 60 * time.Second},
	"24h": {span: 24 * time.Hour, bucket: 300 * time.Second},
	"3d":  {span: 72 * time.Hour, bucket: 900 * time.Second},
	"7d":  {span: 168 * time.Hour, bucket: 1800 * time.Second},
	"14d": {span: 336 * time.Hour, bucket: 3600 * time.Second},
}

// TimelineBucket is one aggregated time window. Closed buckets are
// immutable; the most recent bucket may still be open and reflects partial
// data.
type TimelineBucket struct {
	// Start is the bucket's window start (unix seconds in API responses).
	Start time.Time `json:"t"`
	// AvgLatencyMs/MinLatencyMs/MaxLatencyMs are set for latency timelines.
	AvgLatencyMs float64 `json:"avg,omitempty"`
	MinLatencyMs float64 `json:"min,omitempty"`
	MaxLatencyMs float64 `json:"max,omitempty"`
	// Loss is the summed lost sample count for loss timelines.
	Loss uint64 `json:"loss,omitempty"`
	// Events counts the discrete ingestions folded into the bucket.
	Events uint32 `json:"events"`
}

// TimelineResult is the ordered answer to a timeline query.
type TimelineResult struct {
	BucketSizeSecs int64            `json:"bucket_size_secs"`
	Buckets        []TimelineBucket `json:"buckets"`
}

// bucketSeries accumulates events into fixed-width buckets and evicts
// buckets older than its retention horizon. One series exists per distinct
// bucket width; widths shared by several ranges retain to the widest.
type bucketSeries struct {
	width      time.Duration
	retention  time.Duration
	buckets    []TimelineBucket
	latencySum float64 // open-bucket running sum for avg
}

func newSeriesSet() map[time.Duration]*bucketSeries {
	// Retention per width = the longest range span using that width.
	retention := map[time.Duration]time.Duration{}
	for _, spec := range rangeSpecs {
		if spec.span > retention[spec.bucket] {
			retention[spec.bucket] = spec.span
		}
	}
	set := make(map[time.Duration]*bucketSeries, len(retention))
	for width, span := range retention {
		set[width] = &bucketSeries{width: width, retention: span}
	}
	return set
}

func (bs *bucketSeries) openBucket(now time.Time) *TimelineBucket {
	start := now.Truncate(bs.width)
	if n := len(bs.buckets); n > 0 && bs.buckets[n-1].Start.Equal(start) {
		return &bs.buckets[n-1]
	}
	// Current bucket's window elapsed: the previous bucket is now closed.
	bs.buckets = append(bs.buckets, TimelineBucket{Start: start})
	bs.latencySum = 0
	bs.evict(now)
	return &bs.buckets[len(bs.buckets)-1]
}

func (bs *bucketSeries) evict(now time.Time) {
	horizon := now.Add(-bs.retention)
	i := 0
	for i < len(bs.buckets) && bs.buckets[i].Start.Add(bs.width).Before(horizon) {
		i++
	}
	if i > 0 {
		bs.buckets = append(bs.buckets[:0], bs.buckets[i:]...)
	}
}

func (bs *bucketSeries) addLatency(now time.Time, latencyMs float64) {
	b := bs.openBucket(now)
	if b.Events == 0 {
		b.MinLatencyMs = latencyMs
		b.MaxLatencyMs = latencyMs
	} else {
		b.MinLatencyMs = min(b.MinLatencyMs, latencyMs)
		b.MaxLatencyMs = max(b.MaxLatencyMs, latencyMs)
	}
	b.Events++
	bs.latencySum += latencyMs
	b.AvgLatencyMs = bs.latencySum / float64(b.Events)
}

func (bs *bucketSeries) addLoss(now time.Time, count uint64) {
	b := bs.openBucket(now)
	b.Loss += count
	b.Events++
}

// query returns buckets within [now-span, now] in ascending time order.
func (bs *bucketSeries) query(now time.Time, span time.Duration) []TimelineBucket {
	from := now.Add(-span)
	out := make([]TimelineBucket, 0, len(bs.buckets))
	for _, b := range bs.buckets {
		if b.Start.Add(bs.width).After(from) {
			out = append(out, b)
		}
	}
	return out
}

// QueryTimeline returns the bucketed history for the given kind and range.
// Buckets are sorted ascending, never overlap, and the most recent bucket
// may be open (incomplete).
func (s *Store) QueryTimeline(kind Kind, rng Range) (TimelineResult, error) {
	spec, ok := rangeSpecs[rng]
	if !ok {
		return TimelineResult{}, fmt.Errorf("unsupported timeline range %q", rng)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var series *bucketSeries
	switch kind {
	case KindLatency:
		series = s.latencySeries[spec.bucket]
	case KindLoss:
		series = s.lossSeries[spec.bucket]
	default:
		return TimelineResult{}, fmt.Errorf("unsupported timeline kind %q", kind)
	}

	return TimelineResult{
		BucketSizeSecs: int64(spec.bucket / time.Second),
		Buckets:        series.query(s.clock(), spec.span),
	}, nil
}

// SupportedRanges lists the queryable ranges.
func SupportedRanges() []Range {
	return []Range{"1h", "6h", "12h", "24h", "3d", "7d", "14d"}
}
