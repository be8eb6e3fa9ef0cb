package dispatch

import (
	"context"
	"fmt"

	"github.com/ent0n29/memories/internal/capture"
)

// Handle starts processing of one memory. It returns once the work has
// been handed off, not when it finishes.
type Handle interface {
	Invoke(ctx context.Context, memoryID string) error
}

type HandleFunc func(ctx context.Context, memoryID string) error

func (f HandleFunc) Invoke(ctx context.Context, memoryID string) error { return f(ctx, memoryID) }

// Registry is the closed table of processor handles, one per memory type.
type Registry struct {
	handles map[capture.MemoryType]Handle
}

// NewRegistry fails unless handles covers exactly the known memory types.
func NewRegistry(handles map[capture.MemoryType]Handle) (*Registry, error) {
	out := make(map[capture.MemoryType]Handle, len(capture.MemoryTypes))
	for _, t := range capture.MemoryTypes {
		h, ok := handles[t]
		if !ok || h == nil {
			return nil, fmt.Errorf("no processor handle for memory type %q", t)
		}
		out[t] = h
	}
	for t := range handles {
		if !t.Valid() {
			return nil, fmt.Errorf("processor handle for unknown memory type %q", t)
		}
	}
	return &Registry{handles: out}, nil
}

func (r *Registry) Lookup(t capture.MemoryType) (Handle, bool) {
	h, ok := r.handles[t]
	return h, ok
}
