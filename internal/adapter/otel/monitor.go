package otel

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/AgentForge/internal/domain/fault"
	pmonitor "github.com/Strob0t/AgentForge/internal/port/monitor"
)

const meterName = "agentforge"

// Monitor implements the monitor port on an OpenTelemetry meter. Counter
// instruments are created lazily per metric name and reused.
type Monitor struct {
	meter  metric.Meter
	logger *slog.Logger

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
	alerts   metric.Int64Counter
}

// NewMonitor creates a Monitor on the global meter provider.
func NewMonitor(logger *slog.Logger) (*Monitor, error) {
	meter := otel.Meter(meterName)

	alerts, err := meter.Int64Counter("agentforge.alerts.raised",
		metric.WithDescription("Number of fault alerts raised"))
	if err != nil {
		return nil, err
	}

	return &Monitor{
		meter:    meter,
		logger:   logger,
		counters: make(map[string]metric.Float64Counter),
		alerts:   alerts,
	}, nil
}

// RecordMetric adds a measurement to the named counter, tagged with the
// agent id and any caller attributes.
func (m *Monitor) RecordMetric(ctx context.Context, agentID string, me pmonitor.Metric) {
	counter, err := m.counter(me.Name)
	if err != nil {
		m.logger.Warn("metric instrument failed", "metric", me.Name, "error", err)
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(me.Attrs)+1)
	attrs = append(attrs, attribute.String("agent_id", agentID))
	for k, v := range me.Attrs {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(ctx, me.Value, metric.WithAttributes(attrs...))
}

// CreateAlert counts the alert by severity and component.
func (m *Monitor) CreateAlert(ctx context.Context, a fault.Alert) {
	m.alerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("severity", string(a.Severity)),
		attribute.String("component", a.Component),
		attribute.String("agent_id", a.AgentID),
	))
}

func (m *Monitor) counter(name string) (metric.Float64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	m.counters[name] = c
	return c, nil
}
