package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Policy decides whether the caller identified by key may proceed
type Policy interface {
	Allow(ctx context.Context, key string) bool
}

// Rate is the shape of a token bucket: Burst tokens refilled at PerSecond
type Rate struct {
	PerSecond float64
	Burst     int
}

// PerMinute allows n requests a minute, all of which may arrive at once
func PerMinute(n int) Rate {
	return Rate{PerSecond: float64(n) / 60, Burst: n}
}

// Limiter is a token bucket that starts full
type Limiter struct {
	rate Rate
	now  func() time.Time

	mu       sync.Mutex
	tokens   float64
	lastSeen time.Time
}

func NewLimiter(r Rate) *Limiter {
	return newLimiter(r, time.Now)
}

func newLimiter(r Rate, now func() time.Time) *Limiter {
	return &Limiter{rate: r, now: now, tokens: float64(r.Burst), lastSeen: now()}
}

// Allow takes one token if available
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens = min(float64(l.rate.Burst), l.tokens+now.Sub(l.lastSeen).Seconds()*l.rate.PerSecond)
	l.lastSeen = now

	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

func (l *Limiter) idleSince(t time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeen.Before(t)
}

// ClientLimiters keeps one bucket per key in memory. Buckets unused for the
// idle TTL are dropped by a background sweep.
type ClientLimiters struct {
	rate    Rate
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*Limiter

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Policy = (*ClientLimiters)(nil)

func NewClientLimiters(r Rate, idleTTL time.Duration) *ClientLimiters {
	cl := &ClientLimiters{
		rate:    r,
		idleTTL: idleTTL,
		now:     time.Now,
		buckets: make(map[string]*Limiter),
		stop:    make(chan struct{}),
	}
	go cl.sweepLoop()
	return cl
}

func (cl *ClientLimiters) Allow(_ context.Context, key string) bool {
	cl.mu.Lock()
	b, ok := cl.buckets[key]
	if !ok {
		b = newLimiter(cl.rate, cl.now)
		cl.buckets[key] = b
	}
	cl.mu.Unlock()

	return b.Allow()
}

func (cl *ClientLimiters) Len() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.buckets)
}

// Stop ends the sweep. It is safe to call more than once.
func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

// sweep drops buckets idle since before cutoff and returns how many went
func (cl *ClientLimiters) sweep(cutoff time.Time) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	dropped := 0
	for key, b := range cl.buckets {
		if b.idleSince(cutoff) {
			delete(cl.buckets, key)
			dropped++
		}
	}
	return dropped
}

func (cl *ClientLimiters) sweepLoop() {
	interval := max(cl.idleTTL/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.sweep(cl.now().Add(-cl.idleTTL))
		}
	}
}
