package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is satisfied by both Meter (the real otel-backed implementation)
// and MockMetrics (an in-memory test double), adapted from
// internal/rag/obs.OtelMetrics/MockMetrics's shared shape.
type Metrics interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// Meter is a thin adapter over the global otel Meter provider, caching
// instruments by name the way OtelMetrics does, so repeated IncCounter
// calls for the same metric name don't re-create the underlying
// instrument.
type Meter struct {
	meter metric.Meter

	mu         sync.RWMutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewMeter constructs a Meter using the global meter provider under the
// given instrumentation name (e.g. "ric").
func NewMeter(name string) *Meter {
	return &Meter{
		meter:      otel.Meter(name),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (m *Meter) IncCounter(name string, labels map[string]string) {
	if m == nil {
		return
	}
	c, ok := m.getCounter(name)
	if !ok {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(toAttrs(labels)...))
}

func (m *Meter) ObserveHistogram(name string, value float64, labels map[string]string) {
	if m == nil {
		return
	}
	h, ok := m.getHistogram(name)
	if !ok {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

func (m *Meter) getCounter(name string) (metric.Int64Counter, bool) {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; ok {
		return c, true
	}
	ctr, err := m.meter.Int64Counter(name)
	if err != nil {
		return ctr, false
	}
	m.counters[name] = ctr
	return ctr, true
}

func (m *Meter) getHistogram(name string) (metric.Float64Histogram, bool) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()
	if ok {
		return h, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.histograms[name]; ok {
		return h, true
	}
	hist, err := m.meter.Float64Histogram(name)
	if err != nil {
		return hist, false
	}
	m.histograms[name] = hist
	return hist, true
}

func toAttrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}

// Metric names emitted by internal/service around its ingest and search calls.
const (
	MetricIngestTotal      = "ric_ingest_total"
	MetricIngestDuration   = "ric_ingest_duration_seconds"
	MetricRetrieveTotal    = "ric_retrieve_total"
	MetricRetrieveDuration = "ric_retrieve_duration_seconds"
	MetricSourceErrors     = "ric_retrieve_source_errors_total"
)

// MockMetrics is an in-memory Metrics sink for tests, adapted from
// internal/rag/obs.MockMetrics.
type MockMetrics struct {
	mu       sync.Mutex
	Counters map[string]int
	Hists    map[string][]float64
	Labels   map[string][]map[string]string
}

// NewMockMetrics constructs an empty MockMetrics.
func NewMockMetrics() *MockMetrics {
	return &MockMetrics{
		Counters: map[string]int{},
		Hists:    map[string][]float64{},
		Labels:   map[string][]map[string]string{},
	}
}

func (m *MockMetrics) IncCounter(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
	m.Labels[name] = append(m.Labels[name], cloneLabels(labels))
}

func (m *MockMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hists[name] = append(m.Hists[name], value)
	m.Labels[name] = append(m.Labels[name], cloneLabels(labels))
}

func cloneLabels(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
