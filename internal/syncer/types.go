package syncer

import (
	"context"
	"time"

	"github.com/ent0n29/memories/internal/apperr"
	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/protocol"
	"github.com/ent0n29/memories/internal/queue"
)

// ConnectivityProbe answers whether the server is reachable right now.
type ConnectivityProbe interface {
	IsOnline(ctx context.Context) bool
}

// ProbeFunc adapts a function to ConnectivityProbe.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) IsOnline(ctx context.Context) bool { return f(ctx) }

// Saver performs the remote save of one queued item, keyed by its LocalID.
type Saver interface {
	Save(ctx context.Context, item queue.QueuedMemory) (protocol.SaveResponse, error)
}

type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event reports the outcome of one item. Completed events carry the server id.
type Event struct {
	Type           EventType
	LocalID        string
	ServerMemoryID string
	MemoryType     capture.MemoryType
	Code           apperr.Code
	Detail         string
	RetryCount     int
	Permanent      bool
	At             time.Time
}

// PassSummary counts what one sync pass did.
type PassSummary struct {
	Attempted int  `json:"attempted"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Offline   bool `json:"offline"`
}

// SubmitResult describes where a submitted draft ended up.
type SubmitResult struct {
	LocalID        string       `json:"local_id"`
	ServerMemoryID string       `json:"server_memory_id,omitempty"`
	Queued         bool         `json:"queued"`
	Status         queue.Status `json:"status,omitempty"`
}

type Config struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	Interval      time.Duration
	ProbeInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase < 0 {
		c.BackoffBase = 0
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = c.BackoffBase
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	return c
}
