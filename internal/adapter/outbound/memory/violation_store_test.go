package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit/storetest"
)

func TestViolationStore_Contract(t *testing.T) {
	t.Parallel()

	storetest.RunViolationStoreTests(t, func(t *testing.T) ratelimit.ViolationStore {
		return NewViolationStore(0)
	})
}

func TestViolationStore_WritesJSONLines(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	store := NewViolationStoreWithWriter(buf, 10)
	v := ratelimit.Violation{
		ID:               "v-1",
		SubjectID:        "u1",
		Scope:            ratelimit.ScopeUser,
		Action:           ratelimit.ActionLogin,
		CountAtViolation: 10,
		CreatedAt:        time.Now().UTC(),
	}
	if err := store.Append(context.Background(), v); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	var decoded ratelimit.Violation
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.ID != "v-1" || decoded.CountAtViolation != 10 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestViolationStore_RingBufferEvictsOldest(t *testing.T) {
	t.Parallel()

	store := NewViolationStore(3)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_ = store.Append(ctx, ratelimit.Violation{ID: id, SubjectID: "u1"})
	}

	if store.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", store.Len())
	}
	got, _ := store.Query(ctx, ratelimit.ViolationFilter{})
	ids := make([]string, len(got))
	for i, v := range got {
		ids[i] = v.ID
	}
	if strings.Join(ids, ",") != "e,d,c" {
		t.Errorf("ids = %v, want [e d c]", ids)
	}
}
