package infra

import (
	"errors"
	"sync"
	"time"
)

// Breaker guards calls to one printer: after a run of failures it fails fast
// until a cool-down passes, then lets probes through (half-open).

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Execute without calling fn.
var ErrBreakerOpen = errors.New("printer circuit breaker is open")

type BreakerConfig struct {
	FailureThreshold int           // consecutive counted failures that trip it
	SuccessThreshold int           // half-open successes that close it
	OpenTimeout      time.Duration // cool-down before probing
	// Counts decides which errors count as printer failures. nil counts all.
	Counts func(error) bool
	Now    func() time.Time
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		OpenTimeout:      60 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Breaker struct {
	mu        sync.Mutex
	cfg       BreakerConfig
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() BreakerState {
	if b.state == BreakerOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	if b.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && (b.cfg.Counts == nil || b.cfg.Counts(err)) {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	return err
}

func (b *Breaker) onFailure() {
	b.failures++
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.cfg.Now()
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// BreakerSet holds one breaker per key, created on first use.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (s *BreakerSet) Get(key string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = NewBreaker(s.cfg)
		s.breakers[key] = b
	}
	return b
}

// States snapshots every known breaker for the health endpoint.
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	keys := make(map[string]*Breaker, len(s.breakers))
	for k, b := range s.breakers {
		keys[k] = b
	}
	s.mu.Unlock()

	out := make(map[string]string, len(keys))
	for k, b := range keys {
		out[k] = b.State().String()
	}
	return out
}
