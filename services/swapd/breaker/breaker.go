package breaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"satsbridge/observability"
)

// State is the breaker position.
type State int

// Breaker states. The numeric values are exported as the metrics gauge.
const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a call is short-circuited.
var ErrOpen = errors.New("breaker: circuit open")

// Settings tunes a breaker.
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// IsFailure decides whether an error counts against the dependency.
	// Defaults to DefaultIsFailure.
	IsFailure func(error) bool
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.IsFailure == nil {
		s.IsFailure = DefaultIsFailure
	}
	return s
}

// DefaultIsFailure counts every error except caller cancellation and errors
// that report themselves as permanent.
func DefaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm interface{ Permanent() bool }
	if errors.As(err, &perm) {
		return !perm.Permanent()
	}
	return true
}

// Breaker guards a single dependency. It is safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	metrics  *observability.BreakerMetrics

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State reports the current position, moving Open to HalfOpen when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Ready reports whether a call would currently be admitted.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return !b.probing
	default:
		return false
	}
}

func (b *Breaker) refreshLocked() {
	if b.state == Open && !b.now().Before(b.lastFailure.Add(b.settings.ResetTimeout)) {
		b.setStateLocked(HalfOpen)
	}
}

func (b *Breaker) setStateLocked(state State) {
	if b.state == state {
		return
	}
	b.state = state
	b.metrics.SetState(b.name, int(state))
	if state == Open {
		b.metrics.RecordTrip(b.name)
	}
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	switch b.state {
	case Closed:
		return false, nil
	case HalfOpen:
		if b.probing {
			break
		}
		b.probing = true
		return true, nil
	}
	b.metrics.RecordRejected(b.name)
	return false, fmt.Errorf("%s: %w", b.name, ErrOpen)
}

func (b *Breaker) record(probe bool, err error) {
	failure := b.settings.IsFailure(err)
	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
		if failure {
			b.lastFailure = b.now()
			b.setStateLocked(Open)
			return
		}
		b.failures = 0
		b.setStateLocked(Closed)
		return
	}
	if !failure {
		if b.state == Closed {
			b.failures = 0
		}
		return
	}
	b.failures++
	b.lastFailure = b.now()
	if b.state == Closed && b.failures >= b.settings.FailureThreshold {
		b.setStateLocked(Open)
	}
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}

// Call runs fn through the breaker. When the circuit is open and fallback is
// non-nil its result is returned instead of ErrOpen.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	probe, err := b.admit()
	if err != nil {
		if fallback != nil {
			return fallback(ctx, err)
		}
		return zero, err
	}
	out, err := fn(ctx)
	b.record(probe, err)
	return out, err
}

// Registry hands out one breaker per dependency name so every caller of a
// dependency shares its state.
type Registry struct {
	defaults Settings
	now      func() time.Time
	metrics  *observability.BreakerMetrics

	mu        sync.Mutex
	overrides map[string]Settings
	breakers  map[string]*Breaker
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the registry time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics publishes breaker state to Prometheus.
func WithMetrics(m *observability.BreakerMetrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithSettings overrides the settings for a named dependency.
func WithSettings(name string, settings Settings) Option {
	return func(r *Registry) {
		r.overrides[normalise(name)] = settings
	}
}

// NewRegistry builds a registry with default settings.
func NewRegistry(defaults Settings, opts ...Option) *Registry {
	r := &Registry{
		defaults:  defaults.withDefaults(),
		now:       time.Now,
		overrides: make(map[string]Settings),
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	key := normalise(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	settings := r.defaults
	if override, ok := r.overrides[key]; ok {
		settings = override.withDefaults()
	}
	b := &Breaker{name: key, settings: settings, now: r.now, metrics: r.metrics}
	r.metrics.SetState(key, int(Closed))
	r.breakers[key] = b
	return b
}

// Snapshot reports the state of every breaker created so far.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	out := make(map[string]State, len(names))
	for _, name := range names {
		out[name] = r.Get(name).State()
	}
	return out
}

func normalise(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
