// Package monitor defines the port for the external monitoring capability.
package monitor

import (
	"context"

	"github.com/Strob0t/AgentForge/internal/domain/fault"
)

// Metric is a single recorded measurement attributed to an agent.
type Metric struct {
	Name  string
	Value float64
	Attrs map[string]string
}

// Monitor receives metrics and alerts from the core. Implementations must be
// safe for concurrent use and must not block the caller on export.
type Monitor interface {
	RecordMetric(ctx context.Context, agentID string, m Metric)
	CreateAlert(ctx context.Context, a fault.Alert)
}

// Nop is a Monitor that discards everything.
type Nop struct{}

func (Nop) RecordMetric(context.Context, string, Metric) {}
func (Nop) CreateAlert(context.Context, fault.Alert)     {}
