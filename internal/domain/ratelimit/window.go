package ratelimit

import "time"

// Window is a fixed, non-overlapping interval of one policy's window length.
// Start and End are Unix milliseconds; End is exclusive.
type Window struct {
	ID    int64
	Start int64
	End   int64
}

// WindowID returns floor(nowMs / (windowSeconds*1000)).
func WindowID(nowMs int64, windowSeconds int) int64 {
	return floorDiv(nowMs, int64(windowSeconds)*1000)
}

// WindowFor computes the window containing now.
func WindowFor(now time.Time, windowSeconds int) Window {
	length := int64(windowSeconds) * 1000
	id := WindowID(now.UnixMilli(), windowSeconds)
	start := id * length
	return Window{ID: id, Start: start, End: start + length}
}

// StartTime returns the window start as a time.Time.
func (w Window) StartTime() time.Time {
	return time.UnixMilli(w.Start).UTC()
}

// EndTime returns the window end as a time.Time.
func (w Window) EndTime() time.Time {
	return time.UnixMilli(w.End).UTC()
}

// RetryAfterSeconds returns ceil((End - now) / 1s), never below zero.
func (w Window) RetryAfterSeconds(now time.Time) int {
	remaining := w.End - now.UnixMilli()
	if remaining <= 0 {
		return 0
	}
	return int((remaining + 999) / 1000)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
