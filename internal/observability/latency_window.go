package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Stages recorded in the rolling latency window.
const (
	StageUpload       = "upload"
	StageSaveTotal    = "save_total"
	StageSyncPass     = "sync_pass"
	StageSyncItem     = "sync_item"
	StageDispatchTick = "dispatch_tick"
	StageProcessorRun = "processor_run"
)

// p95 budgets in milliseconds. Stages without a budget are reported but
// never flagged.
var stageBudgets = map[string]float64{
	StageUpload:       5000,
	StageSaveTotal:    10000,
	StageSyncItem:     12000,
	StageDispatchTick: 500,
	StageProcessorRun: 15000,
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
	OverBudget  bool    `json:"over_budget,omitempty"`
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
	// OverBudget names the stages whose p95 exceeds their budget.
	OverBudget []string `json:"over_budget,omitempty"`
}

// Only returns s narrowed to the named stages.
func (s StageSnapshot) Only(names ...string) StageSnapshot {
	out := s
	out.Stages = make([]StageStats, 0, len(names))
	out.OverBudget = nil
	for _, st := range s.Stages {
		if !slices.Contains(names, st.Stage) {
			continue
		}
		out.Stages = append(out.Stages, st)
		if st.OverBudget {
			out.OverBudget = append(out.OverBudget, st.Stage)
		}
	}
	return out
}

// latencyWindow keeps the most recent size samples of every stage plus
// plain occurrence counters.
type latencyWindow struct {
	mu     sync.Mutex
	size   int
	stages map[string]*stageRing
	counts map[string]int
}

type stageRing struct {
	values []float64
	total  int
}

func (r *stageRing) add(v float64) {
	r.values[r.total%len(r.values)] = v
	r.total++
}

func (r *stageRing) last() float64 {
	return r.values[(r.total-1)%len(r.values)]
}

func (r *stageRing) window() []float64 {
	n := min(r.total, len(r.values))
	return slices.Clone(r.values[:n])
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:   size,
		stages: make(map[string]*stageRing),
		counts: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring, ok := w.stages[stage]
	if !ok {
		ring = &stageRing{values: make([]float64, w.size)}
		w.stages[stage] = ring
	}
	ring.add(ms)
}

func (w *latencyWindow) ObserveIndicator(name string) {
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.counts[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) Snapshot() StageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.stages)),
	}
	for _, stage := range sortedKeys(w.stages) {
		ring := w.stages[stage]
		if ring.total == 0 {
			continue
		}
		st := summarize(stage, ring.window(), ring.last())
		if st.OverBudget {
			snap.OverBudget = append(snap.OverBudget, stage)
		}
		snap.Stages = append(snap.Stages, st)
	}
	for _, name := range sortedKeys(w.counts) {
		snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: w.counts[name]})
	}
	return snap
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.stages)
	clear(w.counts)
}

func summarize(stage string, samples []float64, last float64) StageStats {
	slices.Sort(samples)
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	st := StageStats{
		Stage:       stage,
		Samples:     len(samples),
		LastMS:      round2(last),
		AvgMS:       round2(sum / float64(len(samples))),
		P50MS:       round2(quantile(samples, 0.50)),
		P95MS:       round2(quantile(samples, 0.95)),
		P99MS:       round2(quantile(samples, 0.99)),
		BudgetP95MS: stageBudgets[stage],
	}
	st.OverBudget = st.BudgetP95MS > 0 && st.P95MS > st.BudgetP95MS
	return st
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
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
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
