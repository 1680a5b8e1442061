// Package heartbeat tracks peer liveness on a live socket.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrPeerDead is returned by Run when no liveness signal arrived within
// Interval + Timeout.
var ErrPeerDead = errors.New("heartbeat: peer missed its deadline")

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

const (
	DefaultInterval = 25 * time.Second
	DefaultTimeout  = 20 * time.Second
)

// Monitor is safe for concurrent use. The zero value is not usable; use New.
type Monitor struct {
	cfg  Config
	ping func() error
	now  func() time.Time

	mu   sync.Mutex
	last time.Time
}

// New returns a monitor. When ping is nil the monitor is passive: it only
// waits for the peer's pings (client side).
func New(cfg Config, ping func() error) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	m := &Monitor{cfg: cfg, ping: ping, now: time.Now}
	m.last = m.now()
	return m
}

// Observe records a liveness signal.
func (m *Monitor) Observe() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.last = m.now()
	m.mu.Unlock()
}

// LastSeen returns when the peer last showed a sign of life.
func (m *Monitor) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Deadline is Interval + Timeout.
func (m *Monitor) Deadline() time.Duration {
	return m.cfg.Interval + m.cfg.Timeout
}

// Run blocks until ctx ends, the ping callback fails, or the peer misses
// its deadline.
func (m *Monitor) Run(ctx context.Context) error {
	check := m.cfg.Timeout / 4
	if check <= 0 || check > time.Second {
		check = time.Second
	}
	if check > m.cfg.Interval {
		check = m.cfg.Interval
	}
	checkTicker := time.NewTicker(check)
	defer checkTicker.Stop()

	var pingC <-chan time.Time
	if m.ping != nil {
		pingTicker := time.NewTicker(m.cfg.Interval)
		defer pingTicker.Stop()
		pingC = pingTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pingC:
			if err := m.ping(); err != nil {
				return err
			}
		case <-checkTicker.C:
			if m.now().Sub(m.LastSeen()) > m.Deadline() {
				return ErrPeerDead
			}
		}
	}
}
