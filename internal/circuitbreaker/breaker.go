// Package circuitbreaker stops calls to an upstream host after repeated
// outages and lets a single probe through once the cooldown has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of the circuit for one host.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Do while the circuit for a host is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

var (
	circuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "purchaselink",
		Subsystem: "upstream",
		Name:      "circuit_state",
		Help:      "Circuit state per upstream host (0 closed, 1 open, 2 half-open).",
	}, []string{"host"})

	rejectedCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "purchaselink",
		Subsystem: "upstream",
		Name:      "circuit_rejected_total",
		Help:      "Calls refused without contacting the upstream host.",
	}, []string{"host"})
)

func init() {
	prometheus.MustRegister(circuitState, rejectedCalls)
}

type hostState struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// Breaker tracks circuits per upstream host. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	hosts     map[string]*hostState
	threshold int
	cooldown  time.Duration
	isOutage  func(error) bool
	now       func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithOutageFilter limits which errors count toward tripping the circuit.
// Errors it rejects are returned to the caller and reset the failure run.
func WithOutageFilter(isOutage func(error) bool) Option {
	return func(b *Breaker) { b.isOutage = isOutage }
}

// New creates a Breaker that opens after threshold consecutive outages and
// probes again after cooldown.
func New(threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		hosts:     make(map[string]*hostState),
		threshold: threshold,
		cooldown:  cooldown,
		isOutage:  func(error) bool { return true },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs fn against host unless its circuit is open. A cancelled context
// is returned as is and never counts as an outage.
func (b *Breaker) Do(ctx context.Context, host string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if wait, ok := b.acquire(host); !ok {
		rejectedCalls.WithLabelValues(host).Inc()
		return fmt.Errorf("%w: %s (retry in %s)", ErrOpen, host, wait.Round(time.Second))
	}

	err := fn(ctx)
	outage := err != nil && ctx.Err() == nil && b.isOutage(err)
	b.record(host, outage)
	return err
}

// State reports the circuit state for host. Unknown hosts are closed.
func (b *Breaker) State(host string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.hosts[host]; ok {
		return h.state
	}
	return StateClosed
}

// acquire decides whether a call may proceed. When it may not, it returns
// how long until the next probe.
func (b *Breaker) acquire(host string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.hosts[host]
	if !ok {
		return 0, true
	}
	switch h.state {
	case StateOpen:
		remaining := b.cooldown - b.now().Sub(h.openedAt)
		if remaining > 0 {
			return remaining, false
		}
		b.set(host, h, StateHalfOpen)
		h.probing = true
		return 0, true
	case StateHalfOpen:
		if h.probing {
			return 0, false
		}
		h.probing = true
		return 0, true
	default:
		return 0, true
	}
}

func (b *Breaker) record(host string, outage bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.hosts[host]
	if !ok {
		if !outage {
			return
		}
		h = &hostState{}
		b.hosts[host] = h
	}
	h.probing = false

	if !outage {
		h.failures = 0
		b.set(host, h, StateClosed)
		return
	}

	h.failures++
	if h.state == StateHalfOpen || h.failures >= b.threshold {
		h.openedAt = b.now()
		b.set(host, h, StateOpen)
	}
}

// set must be called with b.mu held.
func (b *Breaker) set(host string, h *hostState, to State) {
	if h.state == to {
		return
	}
	h.state = to
	circuitState.WithLabelValues(host).Set(float64(to))
}
