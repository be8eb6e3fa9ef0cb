package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/records"
)

// Input is what a generator sees of a memory.
type Input struct {
	MemoryType capture.MemoryType
	Text       string
	Tags       []string
}

// Generator turns raw capture text into a cleaned narrative and a title.
type Generator interface {
	Generate(ctx context.Context, in Input) (records.ProcessingOutput, error)
}

// GeneratorConfig controls generator construction.
type GeneratorConfig struct {
	Mode    string
	APIBase string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewGenerator picks a generator by mode: auto uses the chat API when it is
// configured and the mock otherwise.
func NewGenerator(cfg GeneratorConfig) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIBase) != "" && strings.TrimSpace(cfg.APIKey) != "" {
			return NewChatGenerator(cfg.APIBase, cfg.APIKey, cfg.Model, cfg.Timeout), nil
		}
		return NewMockGenerator(), nil
	case "http":
		if strings.TrimSpace(cfg.APIBase) == "" {
			return nil, errors.New("LLM API base is required for http mode")
		}
		return NewChatGenerator(cfg.APIBase, cfg.APIKey, cfg.Model, cfg.Timeout), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported processor mode %q", cfg.Mode)
	}
}
