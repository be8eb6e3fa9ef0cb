package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/memories/internal/capture"
	"github.com/ent0n29/memories/internal/protocol"
)

// AsyncInvoker runs a processor in its own goroutine and returns at once.
type AsyncInvoker struct {
	process func(ctx context.Context, memoryID string) error
	wg      sync.WaitGroup
}

func NewAsyncInvoker(process func(ctx context.Context, memoryID string) error) *AsyncInvoker {
	return &AsyncInvoker{process: process}
}

func (a *AsyncInvoker) Invoke(ctx context.Context, memoryID string) error {
	runCtx := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.process(runCtx, memoryID); err != nil {
			log.Printf("dispatch: process memory %s: %v", memoryID, err)
		}
	}()
	return nil
}

// Wait blocks until every started run has returned.
func (a *AsyncInvoker) Wait() {
	a.wg.Wait()
}

// AsyncHandles builds one AsyncInvoker per memory type.
func AsyncHandles(process func(t capture.MemoryType) func(ctx context.Context, memoryID string) error) map[capture.MemoryType]Handle {
	out := make(map[capture.MemoryType]Handle, len(capture.MemoryTypes))
	for _, t := range capture.MemoryTypes {
		out[t] = NewAsyncInvoker(process(t))
	}
	return out
}

// HTTPInvoker posts {memory_id} to a processor endpoint. The endpoint is
// expected to accept the work and answer before processing it.
type HTTPInvoker struct {
	url    string
	client *http.Client
}

func NewHTTPInvoker(baseURL string, memoryType capture.MemoryType, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPInvoker{
		url:    strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/v1/processors/" + string(memoryType),
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, memoryID string) error {
	body, err := json.Marshal(protocol.ProcessRequest{MemoryID: memoryID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("invoke processor: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("invoke processor: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

// HTTPHandles builds one HTTPInvoker per memory type against baseURL.
func HTTPHandles(baseURL string, timeout time.Duration) map[capture.MemoryType]Handle {
	out := make(map[capture.MemoryType]Handle, len(capture.MemoryTypes))
	for _, t := range capture.MemoryTypes {
		out[t] = NewHTTPInvoker(baseURL, t, timeout)
	}
	return out
}
