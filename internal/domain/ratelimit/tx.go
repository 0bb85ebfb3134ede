package ratelimit

import "time"

// TxOp is the mutation a transaction produced.
type TxOp int

const (
	// TxNone means the counter was read only.
	TxNone TxOp = iota
	// TxCreate means a new counter must be inserted.
	TxCreate
	// TxIncrement means an existing counter must be incremented.
	TxIncrement
)

// BufferedTx is a CounterTx that records the requested mutation instead of
// applying it. Store adapters load the current counter, hand a BufferedTx to
// the caller's function and then persist Op/Counter in their own
// transaction primitive.
type BufferedTx struct {
	current Counter
	exists  bool
	op      TxOp
	by      int
}

// NewBufferedTx starts a transaction view over current. Pass nil when the
// counter does not exist.
func NewBufferedTx(current *Counter) *BufferedTx {
	tx := &BufferedTx{}
	if current != nil {
		tx.current = *current
		tx.exists = true
	}
	return tx
}

// Get implements CounterTx.
func (t *BufferedTx) Get() (Counter, bool) {
	return t.current, t.exists
}

// Create implements CounterTx.
func (t *BufferedTx) Create(c Counter) {
	t.current = c
	t.exists = true
	t.op = TxCreate
	t.by = 0
}

// Increment implements CounterTx.
func (t *BufferedTx) Increment(by int, at time.Time) {
	t.current.Count += by
	t.current.LastRequestAt = at
	if t.op != TxCreate {
		t.op = TxIncrement
		t.by += by
	}
}

// Op returns the buffered mutation.
func (t *BufferedTx) Op() TxOp {
	return t.op
}

// Counter returns the counter state after the buffered mutation.
func (t *BufferedTx) Counter() Counter {
	return t.current
}

// Delta returns the total increment requested on an existing counter.
func (t *BufferedTx) Delta() int {
	return t.by
}

var _ CounterTx = (*BufferedTx)(nil)
