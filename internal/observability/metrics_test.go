package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsInstancesDoNotCollide(t *testing.T) {
	a := NewMetrics("memories_test")
	b := NewMetrics("memories_test")

	a.ObserveSave("created", 120*time.Millisecond)
	b.ObserveSyncItem("completed", time.Second)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `memories_test_saves_total{outcome="created"} 1`)
	assert.False(t, strings.Contains(body, `memories_test_sync_items_total{outcome="completed"}`))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSave("failed", time.Second)
	m.ObserveDispatch("dispatched")
	m.SetQueueDepth("queued", 3)
	m.SetOnline(true)
	assert.Empty(t, m.StageSnapshot().Stages)
}

func TestStageSnapshotTracksObservations(t *testing.T) {
	m := NewMetrics("memories_test")
	m.ObserveStage(StageDispatchTick, 40*time.Millisecond)
	m.ObserveProcessorRun("story", "complete", 2*time.Second)

	snap := m.StageSnapshot()
	require.Len(t, snap.Stages, 2)
	assert.Equal(t, "dispatch_tick", snap.Stages[0].Stage)
	assert.Equal(t, "processor_run", snap.Stages[1].Stage)
}
