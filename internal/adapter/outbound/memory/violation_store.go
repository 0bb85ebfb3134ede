package memory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

const defaultViolationCap = 10000

// ViolationStore implements ratelimit.ViolationStore with a bounded ring
// buffer. When a writer is set, every appended violation is also written to
// it as a JSON line.
type ViolationStore struct {
	encoder *json.Encoder
	writer  io.Writer
	mu      sync.Mutex
	// recent holds at most cap records in insertion order.
	recent []ratelimit.Violation
	cap    int
}

// NewViolationStore creates a store keeping the given number of records.
// A non-positive capacity selects the default of 10000.
func NewViolationStore(capacity int) *ViolationStore {
	return NewViolationStoreWithWriter(nil, capacity)
}

// NewViolationStoreWithWriter creates a store that also writes JSON lines to w.
func NewViolationStoreWithWriter(w io.Writer, capacity int) *ViolationStore {
	if capacity <= 0 {
		capacity = defaultViolationCap
	}
	s := &ViolationStore{
		writer: w,
		recent: make([]ratelimit.Violation, 0, capacity),
		cap:    capacity,
	}
	if w != nil {
		s.encoder = json.NewEncoder(w)
	}
	return s
}

// Append implements ratelimit.ViolationStore.
func (s *ViolationStore) Append(ctx context.Context, violations ...ratelimit.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range violations {
		if s.encoder != nil {
			if err := s.encoder.Encode(v); err != nil {
				return err
			}
		}
		if len(s.recent) >= s.cap {
			copy(s.recent, s.recent[1:])
			s.recent[len(s.recent)-1] = v
		} else {
			s.recent = append(s.recent, v)
		}
	}
	return nil
}

// Query implements ratelimit.ViolationStore. Records are returned newest
// first, which for this store is reverse insertion order.
func (s *ViolationStore) Query(ctx context.Context, filter ratelimit.ViolationFilter) ([]ratelimit.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = len(s.recent)
	}

	result := make([]ratelimit.Violation, 0, min(limit, len(s.recent)))
	for i := len(s.recent) - 1; i >= 0 && len(result) < limit; i-- {
		if filter.Matches(s.recent[i]) {
			result = append(result, s.recent[i])
		}
	}
	return result, nil
}

// Len returns the number of buffered records.
func (s *ViolationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recent)
}

// Close releases the writer if it is a file other than stdout/stderr.
func (s *ViolationStore) Close() error {
	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// Compile-time interface verification.
var _ ratelimit.ViolationStore = (*ViolationStore)(nil)
