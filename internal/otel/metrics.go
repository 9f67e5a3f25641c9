package otel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig selects the metric exporter. It shares the exporter and
// endpoint settings of Config.
type MetricsConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	Attributes     map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  DefaultServiceName,
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics with loadd exchange instruments.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	// Last reported values, read by the observable gauge callback.
	lastLoadBits atomic.Uint64
	lastUsers    atomic.Int64
	gaugeReg     metric.Registration

	exchangeCounter metric.Int64Counter
	exchangeLatency metric.Float64Histogram
	errorCounter    metric.Int64Counter
	byteCounter     metric.Int64Counter
	sentinelCounter metric.Int64Counter
	loadGauge       metric.Float64ObservableGauge
	usersGauge      metric.Int64ObservableGauge
}

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		return NoopMetrics(), nil
	}

	exporter, err := createMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	return newMetricsWithReader(cfg, sdkmetric.NewPeriodicReader(exporter))
}

func newMetricsWithReader(cfg *MetricsConfig, reader sdkmetric.Reader) (*Metrics, error) {
	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	m := &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      mp.Shutdown,
	}
	m.lastLoadBits.Store(math.Float64bits(-1))
	m.lastUsers.Store(-1)

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

func createMetricExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		var opts []otlpmetricgrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlpmetrichttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.exchangeCounter, err = m.meter.Int64Counter(
		"loadd.exchanges",
		metric.WithDescription("Completed and failed exchanges by role and result"),
	)
	if err != nil {
		return fmt.Errorf("failed to create exchange counter: %w", err)
	}

	m.exchangeLatency, err = m.meter.Float64Histogram(
		"loadd.exchange.latency",
		metric.WithDescription("Duration of an exchange"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create exchange latency histogram: %w", err)
	}

	m.errorCounter, err = m.meter.Int64Counter(
		"loadd.errors",
		metric.WithDescription("Count of errors by kind"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	m.byteCounter, err = m.meter.Int64Counter(
		"loadd.bytes",
		metric.WithDescription("Datagram bytes by direction"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create byte counter: %w", err)
	}

	m.sentinelCounter, err = m.meter.Int64Counter(
		"loadd.metric.unavailable",
		metric.WithDescription("Host metric reads replaced by a sentinel"),
	)
	if err != nil {
		return fmt.Errorf("failed to create sentinel counter: %w", err)
	}

	m.loadGauge, err = m.meter.Float64ObservableGauge(
		"loadd.host.load",
		metric.WithDescription("Last one-minute load average reported"),
	)
	if err != nil {
		return fmt.Errorf("failed to create load gauge: %w", err)
	}

	m.usersGauge, err = m.meter.Int64ObservableGauge(
		"loadd.host.users",
		metric.WithDescription("Last logged-in user count reported"),
	)
	if err != nil {
		return fmt.Errorf("failed to create users gauge: %w", err)
	}

	m.gaugeReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveFloat64(m.loadGauge, math.Float64frombits(m.lastLoadBits.Load()))
			o.ObserveInt64(m.usersGauge, m.lastUsers.Load())
			return nil
		},
		m.loadGauge, m.usersGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register gauge callback: %w", err)
	}

	return nil
}

// RecordExchange records one exchange outcome and its latency.
func (m *Metrics) RecordExchange(ctx context.Context, role string, success bool, latencyMs float64) {
	if m.exchangeCounter == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("role", role),
		attribute.Bool("success", success),
	)
	m.exchangeCounter.Add(ctx, 1, attrs)
	m.exchangeLatency.Record(ctx, latencyMs, attrs)
}

// RecordError records an error of the given kind.
func (m *Metrics) RecordError(ctx context.Context, role, kind string) {
	if m.errorCounter == nil {
		return
	}

	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("kind", kind),
	))
}

// RecordBytes records datagram bytes moved in direction "rx" or "tx".
func (m *Metrics) RecordBytes(ctx context.Context, direction string, n int) {
	if m.byteCounter == nil || n <= 0 {
		return
	}

	m.byteCounter.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("direction", direction),
	))
}

// RecordMetricUnavailable counts a sentinel substitution for the named metric.
func (m *Metrics) RecordMetricUnavailable(ctx context.Context, name string) {
	if m.sentinelCounter == nil {
		return
	}

	m.sentinelCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("metric", name),
	))
}

// SetLastRecord stores the most recently reported values for the gauges.
// Safe for concurrent use.
func (m *Metrics) SetLastRecord(load float64, users int32) {
	m.lastLoadBits.Store(math.Float64bits(load))
	m.lastUsers.Store(int64(users))
}

// LastRecord returns the values last passed to SetLastRecord.
func (m *Metrics) LastRecord() (float64, int32) {
	return math.Float64frombits(m.lastLoadBits.Load()), int32(m.lastUsers.Load())
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gaugeReg != nil {
		if err := m.gaugeReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister gauge callback: %w", err)
		}
		m.gaugeReg = nil
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	m := &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
	m.lastLoadBits.Store(math.Float64bits(-1))
	m.lastUsers.Store(-1)
	return m
}
