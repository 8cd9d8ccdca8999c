// Package observability exports engine metrics through OpenTelemetry with a
// Prometheus reader. The control surface mounts the scrape handler; nothing
// here opens its own listener.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"plume/internal/governor"
)

// PressureSource feeds the governor occupancy gauges.
type PressureSource interface {
	CurrentPressure() governor.Pressure
}

// MetricsCollector owns all engine instruments. A disabled collector is a
// valid no-op sink, so callers never branch on whether metrics are on.
type MetricsCollector struct {
	meter metric.Meter

	tasksClaimed   metric.Int64Counter
	tasksInFlight  metric.Int64UpDownCounter
	tasksCompleted metric.Int64Counter
	taskDuration   metric.Float64Histogram
	scanDiscovered metric.Int64Counter
	logsRolledUp   metric.Int64Counter

	provider *sdkmetric.MeterProvider
}

// NewMetricsCollector builds the collector. When disabled every recording
// method is a no-op.
func NewMetricsCollector(enabled bool, pressure PressureSource) (*MetricsCollector, error) {
	if !enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("plume")

	tasksClaimed, err := meter.Int64Counter(
		"plume.tasks.claimed.total",
		metric.WithDescription("Tasks claimed by workers"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tasks_claimed counter: %w", err)
	}

	tasksInFlight, err := meter.Int64UpDownCounter(
		"plume.tasks.inflight",
		metric.WithDescription("Executions currently in progress"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tasks_inflight counter: %w", err)
	}

	tasksCompleted, err := meter.Int64Counter(
		"plume.tasks.completed.total",
		metric.WithDescription("Task executions by outcome"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tasks_completed counter: %w", err)
	}

	taskDuration, err := meter.Float64Histogram(
		"plume.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create task_duration histogram: %w", err)
	}

	scanDiscovered, err := meter.Int64Counter(
		"plume.scan.discovered.total",
		metric.WithDescription("Media files seen by the scanner"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create scan_discovered counter: %w", err)
	}

	logsRolledUp, err := meter.Int64Counter(
		"plume.rollup.rows.total",
		metric.WithDescription("Log rows folded into hourly buckets"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rollup_rows counter: %w", err)
	}

	if pressure != nil {
		minuteGauge, err := meter.Float64ObservableGauge(
			"plume.governor.pressure.minute",
			metric.WithDescription("Minute bucket occupancy, 1 = exhausted"),
		)
		if err != nil {
			return nil, fmt.Errorf("create minute pressure gauge: %w", err)
		}
		dayGauge, err := meter.Float64ObservableGauge(
			"plume.governor.pressure.day",
			metric.WithDescription("Daily ceiling occupancy, 1 = exhausted"),
		)
		if err != nil {
			return nil, fmt.Errorf("create day pressure gauge: %w", err)
		}
		_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			p := pressure.CurrentPressure()
			o.ObserveFloat64(minuteGauge, p.Minute)
			o.ObserveFloat64(dayGauge, p.Day)
			return nil
		}, minuteGauge, dayGauge)
		if err != nil {
			return nil, fmt.Errorf("register pressure callback: %w", err)
		}
	}

	return &MetricsCollector{
		meter:          meter,
		tasksClaimed:   tasksClaimed,
		tasksInFlight:  tasksInFlight,
		tasksCompleted: tasksCompleted,
		taskDuration:   taskDuration,
		scanDiscovered: scanDiscovered,
		logsRolledUp:   logsRolledUp,
		provider:       provider,
	}, nil
}

// Handler returns the Prometheus scrape handler.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// TasksClaimed implements the worker metrics sink.
func (m *MetricsCollector) TasksClaimed(n int) {
	if m.tasksClaimed == nil {
		return
	}
	m.tasksClaimed.Add(context.Background(), int64(n))
}

// TasksInFlight implements the worker metrics sink.
func (m *MetricsCollector) TasksInFlight(delta int) {
	if m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Add(context.Background(), int64(delta))
}

// TaskCompleted implements the worker metrics sink.
func (m *MetricsCollector) TaskCompleted(outcome string, duration time.Duration) {
	if m.tasksCompleted == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.tasksCompleted.Add(context.Background(), 1, attrs)
	m.taskDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// ScanDiscovered records files seen in one scan pass.
func (m *MetricsCollector) ScanDiscovered(n int) {
	if m.scanDiscovered == nil {
		return
	}
	m.scanDiscovered.Add(context.Background(), int64(n))
}

// LogsRolledUp records consumed log rows.
func (m *MetricsCollector) LogsRolledUp(n int) {
	if m.logsRolledUp == nil {
		return
	}
	m.logsRolledUp.Add(context.Background(), int64(n))
}

// Shutdown flushes the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
