// Package audit writes structured security events as JSON lines.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// SecurityLogger implements ratelimit.SecurityLogger on a slog JSON handler.
// Every event carries "category" and "function" attributes next to the
// caller-supplied ones.
type SecurityLogger struct {
	logger *slog.Logger
	closer io.Closer
}

// NewSecurityLogger creates a logger writing JSON lines to w.
func NewSecurityLogger(w io.Writer) *SecurityLogger {
	return &SecurityLogger{
		logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

// Open resolves an output target: "stdout" or "file:///absolute/path".
// Files are opened in append mode and closed by Close.
func Open(output string) (*SecurityLogger, error) {
	switch {
	case output == "" || output == "stdout":
		return NewSecurityLogger(os.Stdout), nil
	case strings.HasPrefix(output, "file://"):
		path := strings.TrimPrefix(output, "file://")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l := NewSecurityLogger(f)
		l.closer = f
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", output)
	}
}

// Log implements ratelimit.SecurityLogger.
func (l *SecurityLogger) Log(ctx context.Context, event ratelimit.SecurityEvent) {
	attrs := make([]slog.Attr, 0, len(event.Attrs)+2)
	attrs = append(attrs,
		slog.String("category", event.Category),
		slog.String("function", event.Function),
	)
	for k, v := range event.Attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.logger.LogAttrs(ctx, event.Level, event.Message, attrs...)
}

// Close closes the underlying file, if any.
func (l *SecurityLogger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

var _ ratelimit.SecurityLogger = (*SecurityLogger)(nil)
