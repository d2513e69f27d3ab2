package usecase

import (
	"context"
	"errors"
	"net/http"
	"time"

	"crm-agent/internal/metrics"
)

const defaultBackoff = 250 * time.Millisecond

// CallPolicy bounds a single external collaborator call. Each attempt gets
// its own Timeout; only rate limits and upstream 5xx responses are retried.
// A timed out attempt is never retried.
type CallPolicy struct {
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

// Do runs fn under the policy. Failures come back as DEPENDENCY_TIMEOUT or
// DEPENDENCY_ERROR tagged with the dependency name.
func (p CallPolicy) Do(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	attempts := max(p.Attempts, 1)
	backoff := p.Backoff
	if backoff < 0 {
		backoff = 0
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var timedOut bool
		timedOut, err = p.attempt(ctx, dependency, fn)
		if err == nil {
			return nil
		}
		if timedOut {
			return newError(ErrorDependencyTimeout, dependency+"_timeout", err)
		}
		if ctx.Err() != nil || attempt == attempts || !retryable(err) {
			break
		}
		select {
		case <-ctx.Done():
			return newError(ErrorDependencyError, dependency+"_canceled", ctx.Err())
		case <-time.After(backoff * time.Duration(attempt)):
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorDependencyTimeout, dependency+"_timeout", err)
	}
	return newError(ErrorDependencyError, dependency+"_error", err)
}

func (p CallPolicy) attempt(ctx context.Context, dependency string, fn func(ctx context.Context) error) (bool, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
	}
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	outcome := "ok"
	timedOut := false
	if err != nil {
		outcome = "error"
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
			timedOut = true
		}
	}
	metrics.DependencyLatency.WithLabelValues(dependency, outcome).Observe(time.Since(start).Seconds())
	return timedOut, err
}

func retryable(err error) bool {
	status, ok := upstreamStatusCode(err)
	if !ok {
		return false
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
