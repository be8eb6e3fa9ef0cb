package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/ent0n29/memories/internal/apperr"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{http.StatusOK, false},
		{http.StatusBadRequest, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
		{507, false},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want %v", got, 400*time.Millisecond)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestCodeForStatus(t *testing.T) {
	cases := []struct {
		status int
		want   apperr.Code
	}{
		{http.StatusForbidden, apperr.CodePermission},
		{http.StatusUnauthorized, apperr.CodePermission},
		{http.StatusInsufficientStorage, apperr.CodeStorageQuota},
		{http.StatusServiceUnavailable, apperr.CodeNetwork},
		{http.StatusNotFound, apperr.CodeSave},
	}
	for _, tc := range cases {
		if got := CodeForStatus(tc.status); got != tc.want {
			t.Fatalf("CodeForStatus(%d) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestCodeForTransport(t *testing.T) {
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	if got := CodeForTransport(fmt.Errorf("post: %w", dial)); got != apperr.CodeOffline {
		t.Fatalf("dial error = %s, want OFFLINE", got)
	}
	if got := CodeForTransport(&net.DNSError{Err: "no such host", Name: "memories.local"}); got != apperr.CodeOffline {
		t.Fatalf("dns error = %s, want OFFLINE", got)
	}
	if got := CodeForTransport(context.DeadlineExceeded); got != apperr.CodeNetwork {
		t.Fatalf("deadline = %s, want NETWORK", got)
	}
	if got := CodeForTransport(errors.New("unexpected EOF")); got != apperr.CodeSave {
		t.Fatalf("other = %s, want SAVE_FAILED", got)
	}
}

func TestExponentialBackoffZeroBase(t *testing.T) {
	if got := ExponentialBackoff(3, 0, time.Second); got != 0 {
		t.Fatalf("zero base = %v, want 0", got)
	}
}
