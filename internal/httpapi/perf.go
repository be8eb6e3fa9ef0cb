package httpapi

import (
	"net/http"
	"strings"
)

// handlePerfLatency serves the rolling latency window. ?stage=a,b narrows
// the answer to those stages.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.StageSnapshot()
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		names := strings.Split(raw, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
		snap = snap.Only(names...)
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePerfReset(w http.ResponseWriter, _ *http.Request) {
	s.metrics.ResetStages()
	w.WriteHeader(http.StatusNoContent)
}
