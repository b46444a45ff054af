package syncclient

import (
	"context"
	"sync"
	"time"

	"xpos/internal/apierror"

	"github.com/rs/zerolog/log"
)

// MonitorConfig tunes the connectivity monitor. A state flip needs
// OnlineAfter (or OfflineAfter) consecutive contrary observations.
type MonitorConfig struct {
	Interval     func() time.Duration
	OnlineAfter  int
	OfflineAfter int
	Sink         EventSink
	Now          func() time.Time
}

// Monitor tracks whether the server is reachable from this kiosk, as seen
// by heartbeats and sync calls, and signals on every offline to online
// transition.
type Monitor struct {
	probe func(ctx context.Context) error
	cfg   MonitorConfig

	mu     sync.Mutex
	online bool
	streak int

	reconnect chan struct{}
}

// NewMonitor starts offline; the first successful probe flips it online
// and fires a reconnect.
func NewMonitor(probe func(ctx context.Context) error, cfg MonitorConfig) *Monitor {
	if cfg.Interval == nil {
		cfg.Interval = func() time.Duration { return 15 * time.Second }
	}
	if cfg.OnlineAfter <= 0 {
		cfg.OnlineAfter = 1
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 3
	}
	if cfg.Sink == nil {
		cfg.Sink = nopSink{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{probe: probe, cfg: cfg, reconnect: make(chan struct{}, 1)}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Reconnected delivers one signal per offline to online transition.
// Signals coalesce while nobody is reading.
func (m *Monitor) Reconnected() <-chan struct{} { return m.reconnect }

// Observe records one outcome. Only server answers count as online;
// callers pass false for connectivity failures.
func (m *Monitor) Observe(ok bool) {
	m.mu.Lock()
	if ok == m.online {
		m.streak = 0
		m.mu.Unlock()
		return
	}
	m.streak++
	need := m.cfg.OfflineAfter
	if ok {
		need = m.cfg.OnlineAfter
	}
	if m.streak < need {
		m.mu.Unlock()
		return
	}
	m.online = ok
	m.streak = 0
	m.mu.Unlock()

	online := ok
	log.Info().Bool("online", online).Msg("syncclient: connectivity changed")
	m.cfg.Sink.Publish(Event{Type: EventConnectivity, Online: &online, At: m.cfg.Now()})
	if ok {
		select {
		case m.reconnect <- struct{}{}:
		default:
		}
	}
}

// ObserveError classifies err the way the monitor needs: only connectivity
// failures mean the server is out of reach.
func (m *Monitor) ObserveError(err error) {
	m.Observe(err == nil || apierror.KindOf(err) != apierror.KindConnectivity)
}

// Run probes at the configured interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	for {
		err := m.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		m.ObserveError(err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.Interval()):
		}
	}
}
