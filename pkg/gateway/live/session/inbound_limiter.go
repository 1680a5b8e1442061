package session

import "time"

// inboundLimiter meters client events per connection: a token bucket for
// event count and one for payload bytes. A nil limiter allows everything.
type inboundLimiter struct {
	now          func() time.Time
	eventRate    int64
	eventTokens  int64
	byteRate     int64
	byteTokens   int64
	burstSeconds int64
	lastRefill   time.Time
}

func newInboundLimiter(now func() time.Time, eventsPerSecond int, bytesPerSecond int64, burstSeconds int) *inboundLimiter {
	if eventsPerSecond <= 0 && bytesPerSecond <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundLimiter{
		now:          now,
		eventRate:    int64(eventsPerSecond),
		byteRate:     bytesPerSecond,
		burstSeconds: int64(burstSeconds),
		lastRefill:   now(),
	}
	if l.eventRate > 0 {
		l.eventTokens = l.eventRate * l.burstSeconds
	}
	if l.byteRate > 0 {
		l.byteTokens = l.byteRate * l.burstSeconds
	}
	return l
}

// Allow spends one event token and size byte tokens, or nothing.
func (l *inboundLimiter) Allow(size int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if l.eventRate > 0 && l.eventTokens < 1 {
		return false
	}
	if size < 0 {
		size = 0
	}
	if l.byteRate > 0 && l.byteTokens < int64(size) {
		return false
	}
	if l.eventRate > 0 {
		l.eventTokens--
	}
	if l.byteRate > 0 {
		l.byteTokens -= int64(size)
	}
	return true
}

func (l *inboundLimiter) refill() {
	now := l.now()
	if l.lastRefill.IsZero() {
		l.lastRefill = now
		return
	}
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.eventTokens = refillBucket(l.eventTokens, l.eventRate, l.burstSeconds, elapsed)
	l.byteTokens = refillBucket(l.byteTokens, l.byteRate, l.burstSeconds, elapsed)
	l.lastRefill = now
}

func refillBucket(tokens, rate, burstSeconds int64, elapsed time.Duration) int64 {
	if rate <= 0 {
		return tokens
	}
	add := (elapsed.Nanoseconds() * rate) / int64(time.Second)
	if add <= 0 {
		return tokens
	}
	return min(tokens+add, rate*burstSeconds)
}
