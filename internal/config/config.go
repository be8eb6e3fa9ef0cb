package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

// ServerConfig contains all runtime settings for memories-server.
type ServerConfig struct {
	BindAddr         string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout  time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"memories"`

	DatabaseURL string `env:"DATABASE_URL"`

	MediaDir        string        `env:"MEDIA_DIR" envDefault:"data/media"`
	MediaBaseURL    string        `env:"MEDIA_BASE_URL" envDefault:"/media"`
	MediaQuotaBytes int64         `env:"MEDIA_QUOTA_BYTES" envDefault:"0"`
	UploadAttempts  int           `env:"UPLOAD_ATTEMPTS" envDefault:"3"`
	UploadTimeout   time.Duration `env:"UPLOAD_TIMEOUT" envDefault:"30s"`

	// SaveBodyLimitBytes caps a POST /v1/memories body; 0 sizes it from the
	// per-capture media caps.
	SaveBodyLimitBytes int64 `env:"SAVE_BODY_LIMIT_BYTES" envDefault:"0"`

	// DISPATCH_CRON=off (or blank) disables the scheduled trigger; POST
	// /v1/dispatch still works.
	DispatchCron      string        `env:"DISPATCH_CRON" envDefault:"* * * * *"`
	DispatchBatchSize int           `env:"DISPATCH_BATCH_SIZE" envDefault:"20"`
	DispatchLease     time.Duration `env:"DISPATCH_LEASE" envDefault:"5m"`
	JobMaxAttempts    int           `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`

	ProcessorMode string `env:"PROCESSOR_MODE" envDefault:"auto"`
	// ProcessorURL points the dispatcher at remote processor endpoints.
	// Empty means processors run in-process.
	ProcessorURL string `env:"PROCESSOR_URL"`
	LLMAPIBase   string `env:"LLM_API_BASE"`
	LLMAPIKey    string `env:"LLM_API_KEY"`
	LLMModel     string `env:"LLM_MODEL"`
}

// AgentConfig contains the settings of the capture agent (the memories CLI).
type AgentConfig struct {
	ServerURL        string        `env:"MEMORIES_SERVER_URL" envDefault:"http://localhost:8080"`
	UserID           string        `env:"MEMORIES_USER_ID" envDefault:"anonymous"`
	QueuePath        string        `env:"MEMORIES_QUEUE_PATH" envDefault:"data/queue.db"`
	AgentAddr        string        `env:"MEMORIES_AGENT_ADDR" envDefault:"127.0.0.1:8081"`
	SyncInterval     time.Duration `env:"MEMORIES_SYNC_INTERVAL" envDefault:"30s"`
	ProbeInterval    time.Duration `env:"MEMORIES_PROBE_INTERVAL" envDefault:"5s"`
	ProbeTimeout     time.Duration `env:"MEMORIES_PROBE_TIMEOUT" envDefault:"3s"`
	SyncMaxAttempts  int           `env:"MEMORIES_SYNC_MAX_ATTEMPTS" envDefault:"5"`
	SyncBackoffBase  time.Duration `env:"MEMORIES_SYNC_BACKOFF_BASE" envDefault:"2s"`
	SyncBackoffCap   time.Duration `env:"MEMORIES_SYNC_BACKOFF_CAP" envDefault:"5m"`
	SaveTimeout      time.Duration `env:"MEMORIES_SAVE_TIMEOUT" envDefault:"2m"`
	MetricsNamespace string        `env:"APP_METRICS_NAMESPACE" envDefault:"memories_agent"`
}

// LoadServer reads environment variables and applies safe defaults.
func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("parse server config: %w", err)
	}
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.ProcessorURL = strings.TrimSpace(cfg.ProcessorURL)
	cfg.LLMAPIBase = strings.TrimSpace(cfg.LLMAPIBase)
	cfg.LLMAPIKey = strings.TrimSpace(cfg.LLMAPIKey)
	cfg.DispatchCron = strings.TrimSpace(cfg.DispatchCron)
	if strings.EqualFold(cfg.DispatchCron, "off") {
		cfg.DispatchCron = ""
	}

	if cfg.ShutdownTimeout <= 0 {
		return ServerConfig{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if strings.TrimSpace(cfg.MediaDir) == "" {
		return ServerConfig{}, fmt.Errorf("MEDIA_DIR must not be empty")
	}
	if cfg.SaveBodyLimitBytes < 0 {
		return ServerConfig{}, fmt.Errorf("SAVE_BODY_LIMIT_BYTES must be >= 0")
	}
	if cfg.MediaQuotaBytes < 0 {
		return ServerConfig{}, fmt.Errorf("MEDIA_QUOTA_BYTES must be >= 0")
	}
	if cfg.UploadAttempts <= 0 {
		return ServerConfig{}, fmt.Errorf("UPLOAD_ATTEMPTS must be positive")
	}
	if cfg.UploadTimeout < time.Second {
		return ServerConfig{}, fmt.Errorf("UPLOAD_TIMEOUT must be at least 1s")
	}
	if cfg.DispatchCron != "" && !gronx.New().IsValid(cfg.DispatchCron) {
		return ServerConfig{}, fmt.Errorf("DISPATCH_CRON %q is not a valid cron expression", cfg.DispatchCron)
	}
	if cfg.DispatchBatchSize <= 0 {
		return ServerConfig{}, fmt.Errorf("DISPATCH_BATCH_SIZE must be positive")
	}
	if cfg.DispatchLease < time.Second {
		return ServerConfig{}, fmt.Errorf("DISPATCH_LEASE must be at least 1s")
	}
	if cfg.JobMaxAttempts <= 0 {
		return ServerConfig{}, fmt.Errorf("JOB_MAX_ATTEMPTS must be positive")
	}
	switch strings.ToLower(cfg.ProcessorMode) {
	case "auto", "mock", "http":
	default:
		return ServerConfig{}, fmt.Errorf("PROCESSOR_MODE must be one of auto, mock, http")
	}
	return cfg, nil
}

// LoadAgent reads the agent environment.
func LoadAgent() (AgentConfig, error) {
	var cfg AgentConfig
	if err := env.Parse(&cfg); err != nil {
		return AgentConfig{}, fmt.Errorf("parse agent config: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	cfg.UserID = strings.TrimSpace(cfg.UserID)

	if cfg.ServerURL == "" {
		return AgentConfig{}, fmt.Errorf("MEMORIES_SERVER_URL must not be empty")
	}
	if cfg.UserID == "" {
		return AgentConfig{}, fmt.Errorf("MEMORIES_USER_ID must not be empty")
	}
	if cfg.SyncInterval < time.Second {
		return AgentConfig{}, fmt.Errorf("MEMORIES_SYNC_INTERVAL must be at least 1s")
	}
	if cfg.ProbeInterval < 100*time.Millisecond {
		return AgentConfig{}, fmt.Errorf("MEMORIES_PROBE_INTERVAL must be at least 100ms")
	}
	if cfg.ProbeTimeout <= 0 {
		return AgentConfig{}, fmt.Errorf("MEMORIES_PROBE_TIMEOUT must be positive")
	}
	if cfg.SyncMaxAttempts <= 0 {
		return AgentConfig{}, fmt.Errorf("MEMORIES_SYNC_MAX_ATTEMPTS must be positive")
	}
	if cfg.SyncBackoffBase <= 0 || cfg.SyncBackoffCap < cfg.SyncBackoffBase {
		return AgentConfig{}, fmt.Errorf("MEMORIES_SYNC_BACKOFF_CAP must be >= MEMORIES_SYNC_BACKOFF_BASE > 0")
	}
	if cfg.SaveTimeout <= 0 {
		return AgentConfig{}, fmt.Errorf("MEMORIES_SAVE_TIMEOUT must be positive")
	}
	return cfg, nil
}
