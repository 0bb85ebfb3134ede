package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

func TestSecurityLogger_Log(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	l := NewSecurityLogger(buf)
	l.Log(context.Background(), ratelimit.SecurityEvent{
		Level:    slog.LevelWarn,
		Category: ratelimit.CategorySecurity,
		Function: "checkRateLimit",
		Message:  "rate limit exceeded",
		Attrs:    map[string]any{"subject_id": "u1", "count": 10},
	})

	var line map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", line["level"])
	}
	if line["category"] != "SECURITY" || line["function"] != "checkRateLimit" {
		t.Errorf("category/function = %v/%v", line["category"], line["function"])
	}
	if line["subject_id"] != "u1" || line["count"] != float64(10) {
		t.Errorf("attrs missing: %v", line)
	}
	if line["msg"] != "rate limit exceeded" {
		t.Errorf("msg = %v", line["msg"])
	}
}

func TestOpen(t *testing.T) {
	t.Parallel()

	if _, err := Open("stdout"); err != nil {
		t.Errorf("Open(stdout) error: %v", err)
	}
	if _, err := Open("syslog://x"); err == nil {
		t.Error("Open(syslog) should fail")
	}

	path := filepath.Join(t.TempDir(), "security.log")
	l, err := Open("file://" + path)
	if err != nil {
		t.Fatalf("Open(file) error: %v", err)
	}
	l.Log(context.Background(), ratelimit.SecurityEvent{Level: slog.LevelWarn, Message: "x"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"x"`) {
		t.Errorf("file content = %q", data)
	}
}
