package ratelimit

import (
	"testing"
	"time"
)

func TestWindowFor_Boundaries(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_123_456)
	w := WindowFor(now, 300)

	wantID := int64(1_700_000_123_456 / 300_000)
	if w.ID != wantID {
		t.Errorf("ID = %d, want %d", w.ID, wantID)
	}
	if w.Start != wantID*300_000 {
		t.Errorf("Start = %d, want %d", w.Start, wantID*300_000)
	}
	if w.End != w.Start+300_000 {
		t.Errorf("End = %d, want %d", w.End, w.Start+300_000)
	}
	if now.UnixMilli() < w.Start || now.UnixMilli() >= w.End {
		t.Errorf("now %d not inside [%d, %d)", now.UnixMilli(), w.Start, w.End)
	}
}

func TestWindowFor_Deterministic(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_234_567_890)
	for i := 0; i < 10; i++ {
		if WindowFor(now, 60) != WindowFor(now, 60) {
			t.Fatal("WindowFor is not deterministic")
		}
	}
}

func TestWindowID_RoundTrip(t *testing.T) {
	t.Parallel()

	times := []int64{0, 1, 999, 299_999, 300_000, 1_700_000_000_000, -1, -300_001}
	windows := []int{1, 60, 300, 3600, 86400}
	for _, ts := range times {
		for _, w := range windows {
			for k := int64(-3); k <= 3; k++ {
				shifted := ts + k*int64(w)*1000
				if got := WindowID(shifted, w) - k; got != WindowID(ts, w) {
					t.Errorf("WindowID(%d+%d*%d*1000, %d) - %d = %d, want %d",
						ts, k, w, w, k, got, WindowID(ts, w))
				}
			}
		}
	}
}

func TestWindowID_NegativeFloor(t *testing.T) {
	t.Parallel()

	if got := WindowID(-1, 1); got != -1 {
		t.Errorf("WindowID(-1, 1) = %d, want -1", got)
	}
	if got := WindowID(-1000, 1); got != -1 {
		t.Errorf("WindowID(-1000, 1) = %d, want -1", got)
	}
	if got := WindowID(-1001, 1); got != -2 {
		t.Errorf("WindowID(-1001, 1) = %d, want -2", got)
	}
}

func TestWindow_RetryAfterSeconds(t *testing.T) {
	t.Parallel()

	w := Window{Start: 0, End: 300_000}
	tests := []struct {
		nowMs int64
		want  int
	}{
		{0, 300},
		{1, 300},
		{999, 300},
		{1000, 299},
		{299_001, 1},
		{300_000, 0},
		{400_000, 0},
	}
	for _, tt := range tests {
		if got := w.RetryAfterSeconds(time.UnixMilli(tt.nowMs)); got != tt.want {
			t.Errorf("RetryAfterSeconds(%d) = %d, want %d", tt.nowMs, got, tt.want)
		}
	}
}
