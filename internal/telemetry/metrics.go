package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	EventTypeKey   = attribute.Key("execgate.event_type")
	PermissionKey  = attribute.Key("execgate.permission")
	AllowedKey     = attribute.Key("execgate.allowed")
	ReasonKey      = attribute.Key("execgate.reason")
	RequestKindKey = attribute.Key("execgate.request_kind")
)

// GateMetrics groups the instruments of the request service.
type GateMetrics struct {
	events         metric.Int64Counter
	authorizations metric.Int64Counter
	exportChecks   metric.Int64Counter
	executeDenied  metric.Int64Counter
	lockWait       metric.Float64Histogram
}

func NewGateMetrics(meter metric.Meter) (*GateMetrics, error) {
	var (
		m   GateMetrics
		err error
	)
	if m.events, err = meter.Int64Counter("execgate.events.appended",
		metric.WithDescription("Events appended to request logs"), metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	if m.authorizations, err = meter.Int64Counter("execgate.authorizations",
		metric.WithDescription("Permission checks by outcome")); err != nil {
		return nil, err
	}
	if m.exportChecks, err = meter.Int64Counter("execgate.export.checks",
		metric.WithDescription("CSV export gate decisions")); err != nil {
		return nil, err
	}
	if m.executeDenied, err = meter.Int64Counter("execgate.execute.denied",
		metric.WithDescription("Execute attempts refused")); err != nil {
		return nil, err
	}
	if m.lockWait, err = meter.Float64Histogram("execgate.execute.lock_wait",
		metric.WithDescription("Time spent waiting for the per-request lock"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *GateMetrics) RecordEvent(ctx context.Context, eventType, kind string) {
	if m == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(EventTypeKey.String(eventType), RequestKindKey.String(kind)))
}

func (m *GateMetrics) RecordAuthorization(ctx context.Context, permission string, allowed bool) {
	if m == nil {
		return
	}
	m.authorizations.Add(ctx, 1, metric.WithAttributes(PermissionKey.String(permission), AllowedKey.Bool(allowed)))
}

// RecordExportCheck counts a gate decision; reason is empty when allowed.
func (m *GateMetrics) RecordExportCheck(ctx context.Context, allowed bool, reason string) {
	if m == nil {
		return
	}
	m.exportChecks.Add(ctx, 1, metric.WithAttributes(AllowedKey.Bool(allowed), ReasonKey.String(reason)))
}

func (m *GateMetrics) RecordExecuteDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.executeDenied.Add(ctx, 1, metric.WithAttributes(ReasonKey.String(reason)))
}

func (m *GateMetrics) RecordLockWait(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Record(ctx, float64(d.Microseconds())/1000)
}

