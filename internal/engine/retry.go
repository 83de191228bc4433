package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/schema"
)

// maxBackoff caps exponential growth so a misconfigured policy cannot
// stall a run for hours.
const maxBackoff = 30 * time.Second

// IsRetryableError classifies whether a failed action attempt should be
// retried. Coded errors answer for themselves; network errors and
// timeouts are retryable; a cancelled context means the run is being
// shut down and never retries.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var lerr *schema.Error
	if errors.As(err, &lerr) {
		return lerr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the delay before retry attempt n (0-based):
// backoffMs doubled per attempt, capped at maxBackoff.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.BackoffMs <= 0 {
		return 0
	}
	delay := time.Duration(policy.BackoffMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// WaitForBackoff sleeps for the delay or returns early when the context
// is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
