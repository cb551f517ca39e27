// Package stats computes summary statistics and interval aggregates over
// measurement sequences. All functions are pure: the synchronous ingest
// path, the batch processor and the in-process store backends share them.
package stats

import (
	"sort"
	"time"

	"github.com/flowmetrics/pulse/pkg/measurement"
)

// Interval selects the bucket width for time-interval aggregation.
type Interval string

const (
	IntervalHour Interval = "hour"
	IntervalDay  Interval = "day"
	IntervalWeek Interval = "week"
)

// Valid reports whether the interval is one of the supported widths.
func (i Interval) Valid() bool {
	switch i {
	case IntervalHour, IntervalDay, IntervalWeek:
		return true
	}
	return false
}

// Truncate rounds t down to the start of the interval containing it.
// Weeks start on Monday (ISO weeks). All bucketing happens in UTC so a
// fixed input always lands in the same buckets.
func (i Interval) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch i {
	case IntervalHour:
		return t.Truncate(time.Hour)
	case IntervalDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case IntervalWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// time.Weekday counts Sunday as 0
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	}
	return t
}

// Summarize computes count, average, min, max and per-type counts over
// points. Empty input yields all-zero values, never NaN.
func Summarize(points []measurement.Measurement) measurement.StatsSnapshot {
	snap := measurement.StatsSnapshot{
		DataByType: make(map[string]int),
	}
	if len(points) == 0 {
		return snap
	}

	min := points[0].Value
	max := points[0].Value
	var sum float64

	for _, p := range points {
		sum += p.Value
		if p.Value < min {
			min = p.Value
		}
		if p.Value > max {
			max = p.Value
		}
		snap.DataByType[p.Type]++
	}

	snap.TotalPoints = int64(len(points))
	snap.AvgValue = sum / float64(len(points))
	snap.MinValue = min
	snap.MaxValue = max
	return snap
}

// Filter returns the points matching the optional type and time-window
// constraints. Zero start/end mean unbounded; input order is preserved.
func Filter(points []measurement.Measurement, typ string, start, end time.Time) []measurement.Measurement {
	var out []measurement.Measurement
	for _, p := range points {
		if typ != "" && p.Type != typ {
			continue
		}
		if !start.IsZero() && p.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && p.Timestamp.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Bucketize groups points into interval buckets and computes per-bucket
// count, average and sum. Buckets are returned in ascending time order.
// Accumulation follows input order, so a fixed input is deterministic.
func Bucketize(points []measurement.Measurement, interval Interval) []measurement.Bucket {
	type accum struct {
		count int64
		sum   float64
	}
	byStart := make(map[time.Time]*accum)

	for _, p := range points {
		start := interval.Truncate(p.Timestamp)
		a, ok := byStart[start]
		if !ok {
			a = &accum{}
			byStart[start] = a
		}
		a.count++
		a.sum += p.Value
	}

	starts := make([]time.Time, 0, len(byStart))
	for start := range byStart {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	buckets := make([]measurement.Bucket, 0, len(starts))
	for _, start := range starts {
		a := byStart[start]
		buckets = append(buckets, measurement.Bucket{
			Timestamp: start,
			Count:     a.count,
			AvgValue:  a.sum / float64(a.count),
			SumValue:  a.sum,
		})
	}
	return buckets
}
