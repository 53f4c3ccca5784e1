// Package circuitbreaker guards calls to the model backend. Repeated
// failures open the breaker so a struggling provider is not hammered
// by every active conversation; after a cooldown a limited number of
// probe requests decide whether to close it again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without invoking the protected call.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyProbes rejects requests beyond the half-open budget.
	ErrTooManyProbes = errors.New("too many probe requests in half-open state")
)

// Config tunes the breaker.
type Config struct {
	// MaxProbes bounds concurrent requests while half-open.
	MaxProbes uint32 `mapstructure:"max_probes"`
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration `mapstructure:"cooldown"`
	// FailureThreshold is the consecutive failures that open the breaker.
	FailureThreshold uint32 `mapstructure:"failure_threshold"`
	// SuccessThreshold is the consecutive probe successes that close it.
	SuccessThreshold uint32 `mapstructure:"success_threshold"`
}

// DefaultConfig returns the defaults used for the LLM backend.
func DefaultConfig() Config {
	return Config{
		MaxProbes:        3,
		Cooldown:         10 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// Breaker implements the three-state circuit breaker.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  uint32
	successes uint32
	probes    uint32
	openedAt  time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{name: name, cfg: cfg, logger: logger, now: time.Now}
}

// State returns the breaker position, advancing open to half-open when
// the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

// Execute runs fn when the breaker admits the request. ErrOpen and
// ErrTooManyProbes are returned without calling fn; fn's own error
// feeds the failure count.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.settle(err == nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.currentLocked() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probes >= b.cfg.MaxProbes {
			return ErrTooManyProbes
		}
		b.probes++
	}
	return nil
}

func (b *Breaker) settle(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.currentLocked()

	if success {
		b.failures = 0
		if state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transitionLocked(StateClosed)
			}
		}
		return
	}

	switch state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// One failed probe re-opens immediately.
		b.transitionLocked(StateOpen)
	}
}

func (b *Breaker) currentLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transitionLocked(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.probes = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	b.logger.Info("Circuit breaker state changed",
		zap.String("name", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
