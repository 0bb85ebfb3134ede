package ratelimit

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCounterKey_String(t *testing.T) {
	t.Parallel()

	k := CounterKey{Scope: ScopeUser, SubjectID: "u1", Action: ActionLogin, WindowID: 42}
	if got, want := k.String(), "user_u1|LOGIN|42"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	g := CounterKey{Scope: ScopeGlobal, SubjectID: "10.0.0.1", Action: ActionLogin, WindowID: 42}
	if got, want := g.String(), "global_10.0.0.1|LOGIN|42"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestCounterKey_ScopesDisjoint(t *testing.T) {
	t.Parallel()

	// Subjects crafted to look like the other namespace must still differ.
	subjects := []string{"x", "global_x", "user_x", "", "a|LOGIN|1"}
	seen := make(map[string]CounterKey)
	for _, s := range subjects {
		for _, scope := range []Scope{ScopeUser, ScopeGlobal} {
			k := CounterKey{Scope: scope, SubjectID: s, Action: ActionLogin, WindowID: 1}
			if prev, dup := seen[k.String()]; dup {
				t.Errorf("key %q shared by %+v and %+v", k.String(), prev, k)
			}
			seen[k.String()] = k
		}
	}
}

func TestViolationFilter_Matches(t *testing.T) {
	t.Parallel()

	now := time.Now()
	v := Violation{SubjectID: "u1", Scope: ScopeUser, CreatedAt: now}

	if !(ViolationFilter{}).Matches(v) {
		t.Error("empty filter should match")
	}
	if (ViolationFilter{SubjectID: "u2"}).Matches(v) {
		t.Error("subject filter should not match")
	}
	if (ViolationFilter{Scope: ScopeGlobal}).Matches(v) {
		t.Error("scope filter should not match")
	}
	if (ViolationFilter{Since: now.Add(time.Second)}).Matches(v) {
		t.Error("since filter should not match")
	}
}

func TestRateLimitError(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("handler: %w", &RateLimitError{Action: ActionLogin, RetryAfterSeconds: 30})
	if !errors.Is(err, ErrRateLimited) {
		t.Error("errors.Is(err, ErrRateLimited) = false")
	}
	rle, ok := IsRateLimitError(err)
	if !ok {
		t.Fatal("IsRateLimitError() = false")
	}
	if rle.Action != ActionLogin || rle.RetryAfter() != 30*time.Second {
		t.Errorf("unexpected error fields: %+v", rle)
	}
	if _, ok := IsRateLimitError(errors.New("other")); ok {
		t.Error("IsRateLimitError(other) = true")
	}
}

func TestBufferedTx(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tx := NewBufferedTx(nil)
	if _, ok := tx.Get(); ok {
		t.Fatal("new tx over nil should be absent")
	}
	tx.Create(Counter{Count: 1})
	if tx.Op() != TxCreate {
		t.Errorf("Op() = %v, want TxCreate", tx.Op())
	}

	existing := &Counter{Count: 4}
	tx = NewBufferedTx(existing)
	tx.Increment(1, now)
	if tx.Op() != TxIncrement || tx.Delta() != 1 || tx.Counter().Count != 5 {
		t.Errorf("after Increment: op=%v delta=%d count=%d", tx.Op(), tx.Delta(), tx.Counter().Count)
	}
	if existing.Count != 4 {
		t.Error("BufferedTx mutated the caller's counter")
	}
}
