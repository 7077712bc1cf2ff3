package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Allower is a keyed rate-limit check. The webhook ingress keys on client
// IP; implementations decide where the buckets live.
type Allower interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// visitor tracks the limiter and last seen time for one key.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps per-key token buckets in process memory. Good for a
// single replica; multi-replica deployments use the Redis limiter so the
// limit holds across the fleet.
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	stop     chan struct{}
	once     sync.Once
}

// NewMemoryLimiter allows perMinute events per key with the same burst.
// A background sweep drops idle keys so the map cannot grow unbounded.
func NewMemoryLimiter(perMinute int) *MemoryLimiter {
	l := &MemoryLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    perMinute,
		stop:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Close ends the sweep goroutine. The limiter still answers Allow after
// Close; only the idle-key eviction stops. Safe to call more than once.
func (l *MemoryLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	lim := v.limiter
	l.mu.Unlock()

	return lim.Allow(), nil
}

// cleanup removes keys idle for more than 3 minutes, checking every minute.
func (l *MemoryLimiter) cleanup() {
	t := time.NewTicker(1 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
		}
		l.mu.Lock()
		for key, v := range l.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(l.visitors, key)
			}
		}
		l.mu.Unlock()
	}
}
