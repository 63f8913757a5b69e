// Package breaker implements a process-local, three-state circuit breaker
// used to guard fallible dependencies (the Redis store, the upstream model).
//
// The breaker is intentionally per-process: each instance of the service
// trips independently, and cross-instance coordination happens through the
// shared store keyspace instead. If distributed breaker state is ever
// required it can be promoted behind the same Execute contract.
//
// State machine:
//   - Closed:   operations run; consecutive failures are counted.
//   - Open:     operations are rejected (or served by a fallback) until the
//     cooldown deadline passes.
//   - HalfOpen: a probe window; consecutive successes close the breaker,
//     any failure reopens it.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// ErrOpen is returned by Do when the breaker is open and no fallback is
// available. Callers map it to a 5xx-class response.
var ErrOpen = errors.New("circuit breaker open")

// State enumerates the breaker positions.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the lowercase state name used in logs and metrics labels.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// transitions counts breaker state changes by breaker name and target state.
var transitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "circuit_breaker_transitions_total",
		Help: "Total number of circuit breaker state transitions.",
	},
	[]string{"breaker", "to"},
)

func init() {
	prometheus.MustRegister(transitions)
}

// Options configures a Breaker. Zero values fall back to the defaults used
// across the service (5 consecutive failures to open, 2 consecutive
// successes to close, 30s cooldown).
type Options struct {
	// Name identifies the guarded resource in logs and metrics
	// (e.g. "redis", "upstream").
	Name string
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Values <= 0 default to 5.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that
	// closes the breaker. Values <= 0 default to 2.
	SuccessThreshold int
	// Timeout is the cooldown before an open breaker admits a probe.
	// Values <= 0 default to 30s.
	Timeout time.Duration
	// HalfOpenMax is the number of in-flight probes admitted while
	// half-open; further calls are rejected until a probe settles.
	// Values <= 0 default to 1.
	HalfOpenMax int
}

// Breaker is a mutex-guarded three-state circuit breaker. One instance is
// created per guarded resource at process start and shared by all requests;
// it is safe for concurrent use.
type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenMax      int

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	probes        int
	nextAttemptAt time.Time

	// now is a test seam; production code always uses time.Now.
	now func() time.Time
}

// New constructs a Breaker with the given options, applying defaults for
// unset thresholds.
func New(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = 1
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	return &Breaker{
		name:             opts.Name,
		failureThreshold: opts.FailureThreshold,
		successThreshold: opts.SuccessThreshold,
		timeout:          opts.Timeout,
		halfOpenMax:      opts.HalfOpenMax,
		state:            Closed,
		now:              time.Now,
	}
}

// State returns the current state. Primarily useful for health reporting
// and tests; request paths should rely on Do/DoWithFallback instead.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// allow reports whether an operation may run right now. It performs the
// Open→HalfOpen transition when the cooldown has elapsed and caps the number
// of in-flight half-open probes at halfOpenMax.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.probes >= b.halfOpenMax {
			return false
		}
		b.probes++
		return true
	}
	if b.now().Before(b.nextAttemptAt) {
		return false
	}
	b.transition(HalfOpen)
	b.probes++
	return true
}

// recordSuccess resets the failure streak and, in half-open, counts toward
// closing the breaker.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == HalfOpen {
		if b.probes > 0 {
			b.probes--
		}
		b.successes++
		if b.successes >= b.successThreshold {
			b.transition(Closed)
		}
	}
}

// recordFailure resets the success streak, counts the failure, and opens
// the breaker when the threshold is reached. Any half-open failure reopens
// immediately.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes = 0
	b.failures++
	if b.state == HalfOpen || b.failures >= b.failureThreshold {
		b.nextAttemptAt = b.now().Add(b.timeout)
		b.transition(Open)
	}
}

// transition moves to the target state, resetting streak counters, and emits
// a structured log entry plus a metrics increment. Callers hold b.mu.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.probes = 0

	transitions.WithLabelValues(b.name, to.String()).Inc()
	ev := log.Warn()
	if to == Closed {
		ev = log.Info()
	}
	ev.
		Str("breaker", b.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Time("next_attempt_at", b.nextAttemptAt).
		Msg("circuit breaker state change")
}

// Do runs op under the breaker. When the breaker is open it returns ErrOpen
// without invoking op; otherwise op's error (if any) is counted and returned
// as-is.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if !b.allow() {
		return zero, ErrOpen
	}
	out, err := op(ctx)
	if err != nil {
		b.recordFailure()
		return zero, err
	}
	b.recordSuccess()
	return out, nil
}

// DoWithFallback runs op under the breaker, diverting to fallback when the
// breaker is open or when op fails. The failure is still counted before the
// fallback runs, so a fallback that "succeeds" does not keep a failing
// dependency looking healthy.
//
// The fallback receives the triggering error (ErrOpen when the breaker
// rejected the call outright).
func DoWithFallback[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	if !b.allow() {
		return fallback(ctx, ErrOpen)
	}
	out, err := op(ctx)
	if err != nil {
		b.recordFailure()
		return fallback(ctx, err)
	}
	b.recordSuccess()
	return out, nil
}
