package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// CalculateBackoff returns exponential backoff with jitter. The base delay is
// doubled each attempt, capped at 30s, with up to ±25% jitter.
func CalculateBackoff(baseDelay time.Duration, attempt int) time.Duration {
	if attempt <= 0 || baseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	backoff := baseDelay * time.Duration(1<<uint(attempt))
	if backoff > 30*time.Second || backoff <= 0 {
		backoff = 30 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(backoff)/2+1)) - backoff/4
	return backoff + jitter
}

type retrying struct {
	next       Completer
	maxRetries int
	delay      time.Duration
	logger     *slog.Logger
}

// WithRetry retries failed Complete calls up to maxRetries times with
// exponential backoff. Streams are retried only if no chunk was delivered.
// Context cancellation and deadline errors are never retried.
func WithRetry(next Completer, maxRetries int, delay time.Duration, logger *slog.Logger) Completer {
	if maxRetries <= 0 {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: next, maxRetries: maxRetries, delay: delay, logger: logger}
}

func (r *retrying) wait(ctx context.Context, attempt int) error {
	d := CalculateBackoff(r.delay, attempt)
	if d == 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func permanent(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *retrying) Complete(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			if err := r.wait(ctx, attempt); err != nil {
				return "", err
			}
		}
		text, err := r.next.Complete(ctx, req)
		if err == nil {
			return text, nil
		}
		if permanent(ctx, err) {
			return "", err
		}
		lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)
		r.logger.Warn("completion failed", "attempt", attempt+1, "error", err)
	}
	return "", lastErr
}

func (r *retrying) CompleteStream(ctx context.Context, req Request, fn func(chunk string) error) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			if err := r.wait(ctx, attempt); err != nil {
				return "", err
			}
		}
		delivered := false
		text, err := r.next.CompleteStream(ctx, req, func(chunk string) error {
			delivered = true
			return fn(chunk)
		})
		if err == nil {
			return text, nil
		}
		if delivered || permanent(ctx, err) {
			return text, err
		}
		lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)
		r.logger.Warn("completion stream failed", "attempt", attempt+1, "error", err)
	}
	return "", lastErr
}
