package stats

import "time"

// GapDetector infers how many expected messages were absent between the
// last arrival and now. Implementations must be monotonic in now.
type GapDetector interface {
	Missed(last, now time.Time) uint64
}

// IntervalDetector expects one message every Interval. A message is
// counted as missed once its window plus Grace has passed.
type IntervalDetector struct {
	Interval time.Duration
	Grace    time.Duration
}

// NewIntervalDetector builds a detector whose grace is ratio × interval
func NewIntervalDetector(interval time.Duration, ratio float64) IntervalDetector {
	if ratio < 0 {
		ratio = 0
	}
	return IntervalDetector{
		Interval: interval,
		Grace:    time.Duration(float64(interval) * ratio),
	}
}

// Missed returns floor((elapsed - grace) / interval), never negative
func (d IntervalDetector) Missed(last, now time.Time) uint64 {
	if d.Interval <= 0 {
		return 0
	}
	elapsed := now.Sub(last) - d.Grace
	if elapsed < d.Interval {
		return 0
	}
	return uint64(elapsed / d.Interval)
}
