package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// ViolationRecorder persists violations and emits security events on a
// background worker so that denials never wait on the violation store.
type ViolationRecorder struct {
	store         ratelimit.ViolationStore
	security      ratelimit.SecurityLogger
	violationChan chan ratelimit.Violation
	wg            sync.WaitGroup
	logger        *slog.Logger
	now           func() time.Time
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately
	dropCount   atomic.Int64

	warningThreshold int          // percent of capacity
	lastWarning      atomic.Int64 // unix nanos

	// mu guards closed so Record never sends on a closed channel.
	mu     sync.RWMutex
	closed bool
}

// RecorderOption configures ViolationRecorder.
type RecorderOption func(*ViolationRecorder)

// WithBatchSize sets the number of violations to batch before writing.
func WithBatchSize(size int) RecorderOption {
	return func(r *ViolationRecorder) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithFlushInterval sets the interval to flush pending violations.
func WithFlushInterval(interval time.Duration) RecorderOption {
	return func(r *ViolationRecorder) {
		if interval > 0 {
			r.flushInterval = interval
		}
	}
}

// WithChannelSize sets the size of the violation channel buffer.
func WithChannelSize(size int) RecorderOption {
	return func(r *ViolationRecorder) {
		if size > 0 {
			r.violationChan = make(chan ratelimit.Violation, size)
			r.channelSize = size
		}
	}
}

// WithSendTimeout sets the backpressure timeout.
// 0 = drop immediately, >0 = block up to this duration before dropping.
func WithSendTimeout(timeout time.Duration) RecorderOption {
	return func(r *ViolationRecorder) {
		r.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth warning percentage (0-100).
func WithWarningThreshold(percent int) RecorderOption {
	return func(r *ViolationRecorder) {
		r.warningThreshold = min(max(percent, 0), 100)
	}
}

// WithSecurityLogger sets where SECURITY events are written.
func WithSecurityLogger(l ratelimit.SecurityLogger) RecorderOption {
	return func(r *ViolationRecorder) {
		r.security = l
	}
}

// WithRecorderClock overrides the clock used to stamp CreatedAt.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *ViolationRecorder) {
		r.now = now
	}
}

// NewViolationRecorder creates a ViolationRecorder writing to store.
func NewViolationRecorder(store ratelimit.ViolationStore, logger *slog.Logger, opts ...RecorderOption) *ViolationRecorder {
	defaultChannelSize := 1000
	r := &ViolationRecorder{
		store:            store,
		violationChan:    make(chan ratelimit.Violation, defaultChannelSize),
		logger:           logger,
		now:              time.Now,
		batchSize:        100,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      10 * time.Millisecond,
		warningThreshold: 80,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Start begins the background worker.
func (r *ViolationRecorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.worker(ctx)
}

// Record queues a violation. ID and CreatedAt are filled in when empty.
// A violation that cannot be queued within the send timeout is dropped and
// counted; the caller's response is never affected.
func (r *ViolationRecorder) Record(v ratelimit.Violation) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = r.now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.recordDrop(v)
		return
	}

	if r.warningThreshold > 0 {
		depth := len(r.violationChan)
		if depth >= r.channelSize*r.warningThreshold/100 {
			r.warnChannelDepth(depth)
		}
	}

	select {
	case r.violationChan <- v:
		return
	default:
	}

	if r.sendTimeout <= 0 {
		r.recordDrop(v)
		return
	}

	timer := time.NewTimer(r.sendTimeout)
	defer timer.Stop()
	select {
	case r.violationChan <- v:
	case <-timer.C:
		r.recordDrop(v)
	}
}

func (r *ViolationRecorder) recordDrop(v ratelimit.Violation) {
	drops := r.dropCount.Add(1)
	r.logger.Warn("violation record dropped",
		"subject_id", v.SubjectID,
		"scope", v.Scope,
		"action", v.Action,
		"total_drops", drops,
	)
}

// warnChannelDepth logs at most once per second.
func (r *ViolationRecorder) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := r.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if r.lastWarning.CompareAndSwap(last, now) {
		r.logger.Warn("violation channel approaching capacity",
			"depth", depth,
			"capacity", r.channelSize,
			"percent", depth*100/r.channelSize,
		)
	}
}

// DroppedRecords returns total dropped violations.
func (r *ViolationRecorder) DroppedRecords() int64 {
	return r.dropCount.Load()
}

// ChannelDepth returns current channel usage.
func (r *ViolationRecorder) ChannelDepth() int {
	return len(r.violationChan)
}

// ChannelCapacity returns channel buffer size.
func (r *ViolationRecorder) ChannelCapacity() int {
	return r.channelSize
}

// Stop signals the worker to stop and waits for pending violations to be
// flushed. Records arriving after Stop are dropped.
func (r *ViolationRecorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.violationChan)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *ViolationRecorder) worker(ctx context.Context) {
	defer r.wg.Done()

	batch := make([]ratelimit.Violation, 0, r.batchSize)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	finalFlush := func() {
		if len(batch) == 0 {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.flush(flushCtx, batch)
		cancel()
	}

	for {
		select {
		case v, ok := <-r.violationChan:
			if !ok {
				finalFlush()
				return
			}
			batch = append(batch, v)
			if len(batch) >= r.batchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			for v := range r.violationChan {
				batch = append(batch, v)
			}
			finalFlush()
			return
		}
	}
}

// flush writes a batch and emits one security event per violation. Store
// errors are logged and swallowed; the security events are still emitted.
func (r *ViolationRecorder) flush(ctx context.Context, batch []ratelimit.Violation) {
	if err := r.store.Append(ctx, batch...); err != nil {
		r.logger.Error("failed to write violation batch",
			"error", err,
			"count", len(batch),
		)
	}
	if r.security == nil {
		return
	}
	for _, v := range batch {
		r.security.Log(ctx, securityEventFor(v))
	}
}

func securityEventFor(v ratelimit.Violation) ratelimit.SecurityEvent {
	function := "checkRateLimit"
	if v.Scope == ratelimit.ScopeGlobal {
		function = "checkGlobalRateLimit"
	}
	return ratelimit.SecurityEvent{
		Level:    slog.LevelWarn,
		Category: ratelimit.CategorySecurity,
		Function: function,
		Message:  "rate limit exceeded",
		Attrs: map[string]any{
			"violation_id":       v.ID,
			"subject_id":         v.SubjectID,
			"scope":              string(v.Scope),
			"action":             string(v.Action),
			"count_at_violation": v.CountAtViolation,
			"window_start":       v.WindowStart,
		},
	}
}
