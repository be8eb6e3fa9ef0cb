package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"strings"
)

type readinessCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type readinessResponse struct {
	Status        string           `json:"status"`
	StoreMode     string           `json:"store_mode"`
	ProcessorMode string           `json:"processor_mode"`
	Checks        []readinessCheck `json:"checks"`
}

// handleReady reports 503 when any check is in error; warnings keep the
// server ready.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	checks := make([]readinessCheck, 0, 5)
	checks = append(checks, s.storeCheck(), s.mediaCheck(), s.processorCheck(), s.dispatchCheck())

	status, code := "ready", http.StatusOK
	for _, c := range checks {
		if c.Status == "error" {
			status, code = "not_ready", http.StatusServiceUnavailable
			break
		}
	}
	respondJSON(w, code, readinessResponse{
		Status:        status,
		StoreMode:     s.storeMode(),
		ProcessorMode: s.processorMode(),
		Checks:        checks,
	})
}

func (s *Server) storeCheck() readinessCheck {
	switch mode := s.storeMode(); mode {
	case "postgres":
		return readinessCheck{ID: "record_store", Status: "ok", Label: "Memory records", Detail: "postgres"}
	case "in-memory":
		return readinessCheck{
			ID:     "record_store",
			Status: "warn",
			Label:  "Memory records",
			Detail: "in-memory only",
			Fix:    "Set DATABASE_URL to persist memories across restarts.",
		}
	default:
		return readinessCheck{ID: "record_store", Status: "error", Label: "Memory records", Detail: mode}
	}
}

func (s *Server) mediaCheck() readinessCheck {
	dir := strings.TrimSpace(s.cfg.MediaDir)
	if s.media == nil || dir == "" {
		return readinessCheck{ID: "media_store", Status: "warn", Label: "Media storage", Detail: "not configured"}
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return readinessCheck{
			ID:     "media_store",
			Status: "error",
			Label:  "Media storage",
			Detail: fmt.Sprintf("%s is not a directory", dir),
			Fix:    "Point MEDIA_DIR at a writable directory.",
		}
	}
	detail := dir
	if s.cfg.MediaQuotaBytes > 0 {
		detail = fmt.Sprintf("%s (quota %d bytes)", dir, s.cfg.MediaQuotaBytes)
	}
	return readinessCheck{ID: "media_store", Status: "ok", Label: "Media storage", Detail: detail}
}

func (s *Server) processorMode() string {
	if s.cfg.ProcessorURL != "" {
		return "remote"
	}
	mode := strings.ToLower(strings.TrimSpace(s.cfg.ProcessorMode))
	if mode == "auto" {
		if s.cfg.LLMAPIBase != "" && s.cfg.LLMAPIKey != "" {
			return "http"
		}
		return "mock"
	}
	if mode == "" {
		return "mock"
	}
	return mode
}

func (s *Server) processorCheck() readinessCheck {
	switch mode := s.processorMode(); mode {
	case "mock":
		return readinessCheck{
			ID:     "processor",
			Status: "warn",
			Label:  "Text processing",
			Detail: "mock generator; titles are derived from the first sentence",
			Fix:    "Set LLM_API_BASE and LLM_API_KEY to generate titles with a model.",
		}
	case "remote":
		return readinessCheck{ID: "processor", Status: "ok", Label: "Text processing", Detail: "remote " + s.cfg.ProcessorURL}
	default:
		return readinessCheck{ID: "processor", Status: "ok", Label: "Text processing", Detail: mode}
	}
}

func (s *Server) dispatchCheck() readinessCheck {
	if s.cfg.DispatchCron == "" {
		return readinessCheck{
			ID:     "dispatch",
			Status: "warn",
			Label:  "Job dispatch",
			Detail: "no schedule; only POST /v1/dispatch runs jobs",
			Fix:    "Set DISPATCH_CRON, e.g. \"* * * * *\".",
		}
	}
	return readinessCheck{ID: "dispatch", Status: "ok", Label: "Job dispatch", Detail: s.cfg.DispatchCron}
}
