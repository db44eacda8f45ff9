package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"powgate/internal/metrics"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state
type State int32

const (
	// StateClosed - normal operation, requests flow through
	StateClosed State = iota
	// StateOpen - origin is failing, requests fail fast
	StateOpen
	// StateHalfOpen - a few probe requests test whether the origin recovered
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrOpen       = errors.New("circuit breaker open")
	ErrProbeLimit = errors.New("circuit breaker half-open: probe limit reached")
)

type Config struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of probe successes needed to close again;
	// it also caps concurrent probes while half-open.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker guards a single upstream origin.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	metrics.ProxyCircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Allow reports whether a request may go to the origin. probe is true when
// the request was admitted as a half-open probe; the caller must pass it
// back to Done.
func (b *Breaker) Allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return false, ErrOpen
		}
		b.transitionTo(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.probes >= b.cfg.SuccessThreshold {
			return false, ErrProbeLimit
		}
		b.probes++
		return true, nil
	default:
		return false, nil
	}
}

// Done records the outcome of an admitted request.
func (b *Breaker) Done(probe, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe && b.probes > 0 {
		b.probes--
	}

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			log.Error().
				Str("origin", b.name).
				Int("failures", b.failures).
				Msg("circuit breaker opened")
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		if !probe {
			return
		}
		if !success {
			log.Warn().Str("origin", b.name).Msg("circuit breaker reopened after probe failure")
			b.transitionTo(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			log.Info().Str("origin", b.name).Msg("circuit breaker recovered")
			b.transitionTo(StateClosed)
		}
	}
}

// transitionTo changes state; caller holds mu.
func (b *Breaker) transitionTo(s State) {
	old := b.state
	b.state = s
	b.failures = 0
	b.successes = 0
	if s == StateOpen {
		b.openedAt = b.now()
	}
	if s != StateHalfOpen {
		b.probes = 0
	}
	metrics.ProxyCircuitState.WithLabelValues(b.name).Set(float64(s))
	metrics.ProxyCircuitTransitions.WithLabelValues(b.name, old.String(), s.String()).Inc()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager hands out one breaker per origin.
type Manager struct {
	cfg      Config
	breakers sync.Map // map[string]*Breaker
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

func (m *Manager) Get(origin string) *Breaker {
	if v, ok := m.breakers.Load(origin); ok {
		return v.(*Breaker)
	}
	v, loaded := m.breakers.LoadOrStore(origin, New(origin, m.cfg))
	if !loaded {
		log.Debug().
			Str("origin", origin).
			Int("failure_threshold", m.cfg.FailureThreshold).
			Dur("open_timeout", m.cfg.OpenTimeout).
			Msg("created circuit breaker")
	}
	return v.(*Breaker)
}
