package remote

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// HealthProbe reports the server reachable when GET /healthz answers 2xx.
type HealthProbe struct {
	url    string
	client *http.Client
}

func NewHealthProbe(baseURL string, timeout time.Duration) *HealthProbe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthProbe{
		url:    strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/healthz",
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HealthProbe) IsOnline(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
