package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	// REST surface.
	RPS                   float64
	Burst                 int
	MaxConcurrentRequests int

	// Live socket.
	MaxConnections int
	TurnRPS        float64
	TurnBurst      int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	mu sync.Mutex

	requests tokenBucket
	turns    tokenBucket

	reqSem  chan struct{}
	connSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalLimiter),
	}
}

// PrincipalKeyFromSubject hashes a credential subject into a map key.
func PrincipalKeyFromSubject(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "s_" + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromIP(ip string) string {
	return "ip_" + ip
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	if principal == "" {
		principal = "anonymous"
	}

	pl := l.getOrCreate(principal, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		ok, retryAfter := pl.allow(&pl.requests, now, l.cfg.RPS, l.cfg.Burst)
		if !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	return acquireSlot(pl.reqSem, l.cfg.MaxConcurrentRequests)
}

// AcquireConnection reserves one live socket slot for the principal. The
// permit must be released when the connection ends.
func (l *Limiter) AcquireConnection(principal string, now time.Time) Decision {
	if principal == "" {
		principal = "anonymous"
	}
	pl := l.getOrCreate(principal, now)
	return acquireSlot(pl.connSem, l.cfg.MaxConnections)
}

// AllowTurn spends one turn token for the principal.
func (l *Limiter) AllowTurn(principal string, now time.Time) Decision {
	if l == nil || l.cfg.TurnRPS <= 0 || l.cfg.TurnBurst <= 0 {
		return Decision{Allowed: true}
	}
	if principal == "" {
		principal = "anonymous"
	}
	pl := l.getOrCreate(principal, now)
	ok, retryAfter := pl.allow(&pl.turns, now, l.cfg.TurnRPS, l.cfg.TurnBurst)
	return Decision{Allowed: ok, RetryAfter: retryAfter}
}

func acquireSlot(sem chan struct{}, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	select {
	case sem <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-sem }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one idle entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.connSem) == 0 && len(v.reqSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	if pl, ok := l.m[principal]; ok {
		pl.lastSeen = now
		return pl
	}
	pl := &principalLimiter{
		reqSem:   make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		connSem:  make(chan struct{}, max(1, l.cfg.MaxConnections)),
		lastSeen: now,
	}
	l.m[principal] = pl
	return pl
}

func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > ttl && len(v.connSem) == 0 {
			delete(l.m, k)
		}
	}
}

func (pl *principalLimiter) allow(tb *tokenBucket, now time.Time, rps float64, burst int) (bool, int) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if burst <= 0 || rps <= 0 {
		return true, 0
	}
	capacity := float64(burst)
	if tb.capacity == 0 {
		*tb = tokenBucket{
			rps:      rps,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}

	// If config changes at runtime (rare), adapt.
	tb.rps = rps
	tb.capacity = capacity

	elapsed := now.Sub(tb.last).Seconds()
	if elapsed > 0 {
		tb.tokens = math.Min(tb.capacity, tb.tokens+(elapsed*tb.rps))
		tb.last = now
	}

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - tb.tokens
	seconds := needed / tb.rps
	retryAfter := int(math.Ceil(seconds))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
