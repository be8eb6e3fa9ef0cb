package reliability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ent0n29/memories/internal/apperr"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// CodeForStatus maps an HTTP status that arrived without a structured error
// body onto the error taxonomy.
func CodeForStatus(status int) apperr.Code {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.CodePermission
	case status == http.StatusInsufficientStorage:
		return apperr.CodeStorageQuota
	case IsRetryableHTTPStatus(status):
		return apperr.CodeNetwork
	default:
		return apperr.CodeSave
	}
}

// CodeForTransport maps a failed round trip: an unreachable host is
// OFFLINE, a timeout is NETWORK.
func CodeForTransport(err error) apperr.Code {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return apperr.CodeOffline
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return apperr.CodeOffline
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.CodeNetwork
	}
	return apperr.CodeSave
}

// ExponentialBackoff computes a deterministic capped backoff duration:
// base * 2^attempt, never above cap. A non-positive base disables waiting.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}
	if cap < base {
		cap = base
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= cap/2 {
			return cap
		}
		d *= 2
	}
	if d > cap {
		return cap
	}
	return d
}
