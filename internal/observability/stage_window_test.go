package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageProviderPrimary, 500)
	w.Observe(StageProviderPrimary, 700)
	w.Observe(StageProviderPrimary, 900)
	w.ObserveIndicator("fallback_used")
	w.ObserveIndicator("fallback_used")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageProviderPrimary || s.Samples != 3 {
		t.Fatalf("stage = %+v, want 3 samples of %s", s, StageProviderPrimary)
	}
	if s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("LastMS/P50MS = %.2f/%.2f, want 900/700", s.LastMS, s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 15000 {
		t.Fatalf("TargetP95MS = %.2f, want 15000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want fallback_used x2", snap.Indicators)
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(3)
	for _, v := range []float64{1, 2, 3, 10, 20} {
		w.Observe(StageHistoryFetch, v)
	}
	s := w.Snapshot().Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	// Window holds 3, 10, 20.
	if s.AvgMS != 11 {
		t.Fatalf("AvgMS = %.2f, want 11", s.AvgMS)
	}
	if s.LastMS != 20 {
		t.Fatalf("LastMS = %.2f, want 20", s.LastMS)
	}
}

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveDispatch("solved")
	m.ObserveProviderCall("openai", "primary", "timeout", time.Second)
	m.ObserveStage(StageDispatchTotal, time.Second)
	m.ObserveTokens("openai", 10, 10)
	if snap := m.SnapshotStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot = %+v", snap)
	}
}

func TestMetricsHandlerExposesInstruments(t *testing.T) {
	m := NewMetrics("test")
	m.ObserveDispatch("solved")
	m.ObserveProviderCall("deepseek", "primary", "", 120*time.Millisecond)
	m.ObserveProviderCall("deepseek", "primary", "timeout", 30*time.Second)
	m.ObserveEvictions(2)
	m.ObserveTokens("deepseek", 120, 45)
	m.ObserveTokens("deepseek", 30, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		`test_dispatch_outcomes_total{outcome="solved"} 1`,
		`test_provider_errors_total{code="timeout",provider="deepseek"} 1`,
		`test_provider_calls_total{provider="deepseek",result="ok",tier="primary"} 1`,
		`test_history_evictions_total 2`,
		`test_provider_tokens_total{kind="prompt",provider="deepseek"} 150`,
		`test_provider_tokens_total{kind="completion",provider="deepseek"} 45`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}

	// A second instance must not collide with the first.
	_ = NewMetrics("test")
}
