// Package telemetry configures OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracerName is the instrumentation scope used by the engine.
const TracerName = "github.com/Sentinel-Gate/abusegate"

// Shutdown flushes and stops the tracer provider.
type Shutdown func(ctx context.Context) error

// SetupTracing installs a global tracer provider exporting spans to output:
// "stdout", "stderr" or "file:///absolute/path". An empty output leaves the
// global no-op provider in place.
func SetupTracing(serviceName, serviceVersion, output string, sampleRatio float64) (Shutdown, error) {
	if output == "" {
		return func(context.Context) error { return nil }, nil
	}
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1
	}

	w, closer, err := openOutput(output)
	if err != nil {
		return nil, err
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) error {
		err := provider.Shutdown(ctx)
		if closer != nil {
			if cerr := closer.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}, nil
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch {
	case output == "stdout":
		return os.Stdout, nil, nil
	case output == "stderr":
		return os.Stderr, nil, nil
	case strings.HasPrefix(output, "file://"):
		f, err := os.OpenFile(strings.TrimPrefix(output, "file://"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open trace output: %w", err)
		}
		return f, f, nil
	default:
		return nil, nil, fmt.Errorf("unsupported trace output: %s", output)
	}
}
