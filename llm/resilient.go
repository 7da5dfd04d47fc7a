package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "nutriagent/llm"

const (
	defaultCallTimeout     = 20 * time.Second
	defaultMaxRetries      = 2
	defaultInitialInterval = 250 * time.Millisecond
)

// ResilientOptions bounds every call made through a Resilient completer.
type ResilientOptions struct {
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt. Zero picks
	// the default; a negative value disables retries.
	MaxRetries      int
	InitialInterval time.Duration
}

// Resilient puts a per-attempt timeout and a small retry budget around another
// Completer so a hung or flaky backend surfaces as an ordinary error.
type Resilient struct {
	next  Completer
	opts  ResilientOptions
	calls metric.Int64Counter
}

func NewResilient(next Completer, opts ResilientOptions) *Resilient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallTimeout
	}
	switch {
	case opts.MaxRetries == 0:
		opts.MaxRetries = defaultMaxRetries
	case opts.MaxRetries < 0:
		opts.MaxRetries = 0
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = defaultInitialInterval
	}
	calls, _ := otel.Meter(instrumentationName).Int64Counter("llm_calls_total",
		metric.WithDescription("Completion attempts by outcome"))
	return &Resilient{next: next, opts: opts, calls: calls}
}

func (r *Resilient) Complete(ctx context.Context, req Request) (string, error) {
	attempt := 0
	op := func() (string, error) {
		attempt++
		cctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()

		out, err := r.next.Complete(cctx, req)
		r.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(out, err))))
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			slog.Warn("LLM_CLIENT: completion attempt failed", "attempt", attempt, "error", err)
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", ErrEmptyCompletion
		}
		return out, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.opts.MaxRetries+1)),
		backoff.WithMaxElapsedTime(time.Duration(r.opts.MaxRetries+1)*(r.opts.Timeout+b.MaxInterval)),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("LLM_CLIENT: completion timed out", "attempts", attempt)
		}
		return "", err
	}
	return out, nil
}

func outcome(out string, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case err != nil:
		return "error"
	case strings.TrimSpace(out) == "":
		return "empty"
	}
	return "ok"
}
