// Package observability provides Prometheus metrics, OpenTelemetry tracing
// and health checks for Veritas. Every component is optional: a nil
// collector or tracer setup records nothing.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/veritas/internal/config"
)

// Observability is the facade holding all observability components.
// Metrics and Tracing are nil when disabled.
type Observability struct {
	Metrics *MetricsCollector
	Tracing *TracerSetup
	Health  *HealthChecker
}

// New creates an Observability from config. A nil config disables metrics
// and tracing; the health checker is always present.
func New(ctx context.Context, cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(ctx, cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracing = ts
	}
	return obs, nil
}

// Tracer returns the configured tracer or a no-op tracer.
func (o *Observability) Tracer() trace.Tracer {
	if o == nil {
		return (*TracerSetup)(nil).Tracer()
	}
	return o.Tracing.Tracer()
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return o.Tracing.Shutdown(ctx)
}
