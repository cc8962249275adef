package observability

import (
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Dispatch stages tracked in the rolling latency window.
const (
	StageHistoryFetch      = "history_fetch"
	StageProviderPrimary   = "provider_primary"
	StageProviderSecondary = "provider_secondary"
	StageHistoryAppend     = "history_append"
	StageDispatchTotal     = "dispatch_total"
)

var stageTargetsP95MS = map[string]float64{
	StageHistoryFetch:      50,
	StageProviderPrimary:   15000,
	StageProviderSecondary: 15000,
	StageHistoryAppend:     100,
	StageDispatchTotal:     30000,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the last size samples per stage plus lifetime counters
// for named indicators (fallbacks, greetings, skipped writes).
type stageWindow struct {
	mu         sync.Mutex
	size       int
	rings      map[string]*ring
	indicators map[string]int
}

type ring struct {
	samples []float64
	pos     int
	full    bool
	last    float64
}

func (r *ring) add(v float64) {
	r.samples[r.pos] = v
	r.last = v
	r.pos = (r.pos + 1) % len(r.samples)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ring) values() []float64 {
	n := r.pos
	if r.full {
		n = len(r.samples)
	}
	return slices.Clone(r.samples[:n])
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		rings:      make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.rings[stage]
	if !ok {
		r = &ring{samples: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.rings)),
	}
	for _, stage := range sortedKeys(w.rings) {
		r := w.rings[stage]
		vals := r.values()
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		snap.Stages = append(snap.Stages, StageStats{
			Stage:       stage,
			Samples:     len(vals),
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(len(vals))),
			P50MS:       round2(quantile(vals, 0.50)),
			P95MS:       round2(quantile(vals, 0.95)),
			P99MS:       round2(quantile(vals, 0.99)),
			TargetP95MS: stageTargetsP95MS[stage],
		})
	}
	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
