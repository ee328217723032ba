// Package resilience wraps durable-store and orchestrator calls with the
// retry -> circuit-breaker -> timeout composition. The timeout sits innermost
// so a single slow call trips its own deadline without consuming a full retry
// budget against the breaker's sample window.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is surfaced while the circuit is open. Callers map it to a
// generic "service unavailable, retry later" condition.
var ErrUnavailable = errors.New("service unavailable")

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as a transient fault eligible for retry. Adapters wrap
// store/transport failures they consider recoverable; everything unmarked is
// treated as permanent and propagates immediately.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked Retryable or is a call timeout.
func IsRetryable(err error) bool {
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

type config struct {
	maxAttempts    int
	baseDelay      time.Duration
	timeout        time.Duration
	failureRatio   float64
	samplingWindow time.Duration
	minThroughput  uint32
	breakDuration  time.Duration
	onStateChange  func(name, from, to string)
}

type Option func(*config)

func WithMaxAttempts(n int) Option            { return func(c *config) { c.maxAttempts = n } }
func WithBaseDelay(d time.Duration) Option    { return func(c *config) { c.baseDelay = d } }
func WithTimeout(d time.Duration) Option      { return func(c *config) { c.timeout = d } }
func WithFailureRatio(r float64) Option       { return func(c *config) { c.failureRatio = r } }
func WithSampleWindow(d time.Duration) Option { return func(c *config) { c.samplingWindow = d } }
func WithMinThroughput(n uint32) Option       { return func(c *config) { c.minThroughput = n } }
func WithBreakDuration(d time.Duration) Option {
	return func(c *config) { c.breakDuration = d }
}

// WithStateChangeHook registers an observer for breaker transitions, e.g. a
// metrics counter.
func WithStateChangeHook(fn func(name, from, to string)) Option {
	return func(c *config) { c.onStateChange = fn }
}

// Pipeline is a named retry + circuit-breaker + timeout execution wrapper.
type Pipeline struct {
	name string
	log  *slog.Logger
	cb   *gobreaker.CircuitBreaker
	cfg  config
}

func New(name string, log *slog.Logger, opts ...Option) *Pipeline {
	cfg := config{
		maxAttempts:    3,
		baseDelay:      200 * time.Millisecond,
		timeout:        5 * time.Second,
		failureRatio:   0.5,
		samplingWindow: 30 * time.Second,
		minThroughput:  8,
		breakDuration:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Pipeline{name: name, log: log, cfg: cfg}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: cfg.samplingWindow,
		Timeout:  cfg.breakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.minThroughput && ratio >= cfg.failureRatio
		},
		// Domain errors propagate through the pipeline but do not count
		// against the breaker; only transient faults and timeouts do.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				log.Error("circuit breaker opened", "pipeline", name, "break_duration", cfg.breakDuration)
			} else {
				log.Info("circuit breaker state changed", "pipeline", name, "from", from.String(), "to", to.String())
			}
			if cfg.onStateChange != nil {
				cfg.onStateChange(name, from.String(), to.String())
			}
		},
	})
	return p
}

// Execute runs op through the pipeline. Retryable failures are retried with
// exponential backoff up to the attempt budget; non-retryable errors and an
// open circuit stop immediately.
func (p *Pipeline) Execute(ctx context.Context, op func(context.Context) error) error {
	attempt := 0
	run := func() error {
		attempt++
		_, err := p.cb.Execute(func() (any, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.timeout)
			defer cancel()
			return nil, op(callCtx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%w: %s circuit open", ErrUnavailable, p.name))
		case IsRetryable(err):
			p.log.Warn("operation failed, retrying",
				"pipeline", p.name, "attempt", attempt, "max_attempts", p.cfg.maxAttempts, "err", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.baseDelay
	bo.MaxElapsedTime = 0
	return backoff.Retry(run, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.cfg.maxAttempts-1)), ctx))
}

// Do is the typed variant of Execute for operations that return a value.
func Do[T any](ctx context.Context, p *Pipeline, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
