package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// A violation is reported on the 1st, 101st, 201st... occurrence.
	warnEvery = 100

	// More violations than this end the connection.
	maxViolations = 1000
)

// Verdict is the outcome of checking one inbound message.
type Verdict int

const (
	Allowed Verdict = iota
	// Dropped means the message exceeded the limit and should be ignored.
	Dropped
	// Warn is Dropped, and the caller should also log or notify.
	Warn
	// Disconnect means the sender exceeded the violation budget.
	Disconnect
)

// Guard limits the message rate of one connection and counts violations.
// It is used from the connection's read loop only.
type Guard struct {
	limiter    *rate.Limiter
	violations int
}

func NewGuard(perSecond float64, burst int) *Guard {
	return &Guard{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Check consumes one token for a message arriving now.
func (g *Guard) Check() Verdict {
	return g.CheckAt(time.Now())
}

// CheckAt consumes one token for a message arriving at t.
func (g *Guard) CheckAt(t time.Time) Verdict {
	if g.limiter.AllowN(t, 1) {
		return Allowed
	}

	g.violations++
	switch {
	case g.violations > maxViolations:
		return Disconnect
	case g.violations%warnEvery == 1:
		return Warn
	}
	return Dropped
}

// Violations returns how many messages have been refused so far.
func (g *Guard) Violations() int {
	return g.violations
}

// Limiters hands out one limiter per key, for limiting by client address
// outside of a connection's lifetime.
type Limiters struct {
	limiters        map[string]*rate.Limiter
	rate            rate.Limit
	burst           int
	mu              sync.RWMutex
	cleanupInterval time.Duration
	maxKeys         int
	stop            chan struct{}
	done            chan struct{}
}

func NewLimiters(perSecond float64, burst int) *Limiters {
	l := &Limiters{
		limiters:        make(map[string]*rate.Limiter),
		rate:            rate.Limit(perSecond),
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		maxKeys:         10000,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiters) Get(key string) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.limiters[key]
	l.mu.RUnlock()

	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if limiter, ok := l.limiters[key]; ok {
		return limiter
	}

	limiter = rate.NewLimiter(l.rate, l.burst)
	l.limiters[key] = limiter
	return limiter
}

// Allow reports whether key may proceed now.
func (l *Limiters) Allow(key string) bool {
	return l.Get(key).Allow()
}

func (l *Limiters) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

// Stop ends the cleanup goroutine.
func (l *Limiters) Stop() {
	close(l.stop)
	<-l.done
}

func (l *Limiters) cleanup() {
	defer close(l.done)
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			if len(l.limiters) > l.maxKeys {
				l.limiters = make(map[string]*rate.Limiter)
			}
			l.mu.Unlock()
		}
	}
}
