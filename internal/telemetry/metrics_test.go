package telemetry

import "testing"

func TestMockMetrics_IncCounter(t *testing.T) {
	m := NewMockMetrics()
	m.IncCounter(MetricIngestTotal, map[string]string{"status": "created"})
	m.IncCounter(MetricIngestTotal, map[string]string{"status": "skipped"})
	if m.Counters[MetricIngestTotal] != 2 {
		t.Fatalf("expected counter at 2, got %d", m.Counters[MetricIngestTotal])
	}
	if len(m.Labels[MetricIngestTotal]) != 2 {
		t.Fatalf("expected 2 recorded label sets, got %d", len(m.Labels[MetricIngestTotal]))
	}
}

func TestMockMetrics_ObserveHistogram(t *testing.T) {
	m := NewMockMetrics()
	m.ObserveHistogram(MetricRetrieveDuration, 0.120, map[string]string{"source": "semantic"})
	m.ObserveHistogram(MetricRetrieveDuration, 0.045, map[string]string{"source": "lexical"})
	if len(m.Hists[MetricRetrieveDuration]) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(m.Hists[MetricRetrieveDuration]))
	}
}

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(nil, Config{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected a non-nil shutdown func even when disabled")
	}
}
