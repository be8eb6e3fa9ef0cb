package observability

import "testing"

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	for _, ms := range []float64{500, 700, 900} {
		w.Observe(StageUpload, ms)
	}
	w.ObserveIndicator("upload_retry")
	w.ObserveIndicator(" upload_retry ")
	w.ObserveIndicator("")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	st := snap.Stages[0]
	if st.Stage != StageUpload || st.Samples != 3 {
		t.Fatalf("stage = %+v, want 3 upload samples", st)
	}
	if st.LastMS != 900 || st.P50MS != 700 {
		t.Fatalf("LastMS = %.2f P50MS = %.2f, want 900 and 700", st.LastMS, st.P50MS)
	}
	if st.P95MS != 880 {
		t.Fatalf("P95MS = %.2f, want 880", st.P95MS)
	}
	if st.BudgetP95MS != 5000 || st.OverBudget {
		t.Fatalf("budget = %.0f over = %v, want 5000 and within budget", st.BudgetP95MS, st.OverBudget)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want upload_retry counted twice", snap.Indicators)
	}
}

func TestLatencyWindowKeepsMostRecentSamples(t *testing.T) {
	w := newLatencyWindow(4)
	for i := 1; i <= 10; i++ {
		w.Observe(StageSyncItem, float64(i*100))
	}
	st := w.Snapshot().Stages[0]
	if st.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", st.Samples)
	}
	if st.LastMS != 1000 {
		t.Fatalf("LastMS = %.2f, want 1000", st.LastMS)
	}
	if st.AvgMS != 850 {
		t.Fatalf("AvgMS = %.2f, want 850", st.AvgMS)
	}

	w.Reset()
	if got := len(w.Snapshot().Stages); got != 0 {
		t.Fatalf("len(Stages) after Reset = %d, want 0", got)
	}
}

func TestLatencyWindowFlagsSlowStages(t *testing.T) {
	w := newLatencyWindow(16)
	w.Observe(StageDispatchTick, 20)
	w.Observe(StageDispatchTick, 2000)
	w.Observe(StageSaveTotal, 300)
	w.Observe("custom", 99999)

	snap := w.Snapshot()
	if len(snap.OverBudget) != 1 || snap.OverBudget[0] != StageDispatchTick {
		t.Fatalf("OverBudget = %v, want [%s]", snap.OverBudget, StageDispatchTick)
	}

	only := snap.Only(StageSaveTotal, "missing")
	if len(only.Stages) != 1 || only.Stages[0].Stage != StageSaveTotal {
		t.Fatalf("Only() stages = %+v, want save_total", only.Stages)
	}
	if len(only.OverBudget) != 0 {
		t.Fatalf("Only() OverBudget = %v, want none", only.OverBudget)
	}
	if len(snap.Stages) != 3 {
		t.Fatalf("Only() changed the source snapshot: %d stages", len(snap.Stages))
	}
}
