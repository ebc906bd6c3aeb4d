package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxVisitors     = 10000
	cleanupInterval = 5 * time.Minute
)

// RateLimiter is a per-IP token bucket: each address may burst up to
// maxTokens requests, refilled evenly over window.
type RateLimiter struct {
	visitors map[string]*visitor
	stopCh   chan struct{}
	done     sync.WaitGroup
	limit    rate.Limit
	window   time.Duration
	burst    int
	mu       sync.Mutex
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows maxTokens requests per IP per window.
func NewRateLimiter(maxTokens int, window time.Duration) *RateLimiter {
	if maxTokens < 1 {
		maxTokens = 1
	}
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(maxTokens) / window.Seconds()),
		window:   window,
		burst:    maxTokens,
		stopCh:   make(chan struct{}),
	}
	rl.done.Add(1)
	go rl.sweep()
	return rl
}

// Allow takes a token from ip's bucket.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	now := time.Now()
	v := rl.visitors[ip]
	if v == nil {
		if len(rl.visitors) >= maxVisitors {
			rl.forgetLeastRecent()
		}
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	lim := v.limiter
	rl.mu.Unlock()

	return lim.AllowN(now, 1)
}

func (rl *RateLimiter) sweep() {
	defer rl.done.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.forgetIdle(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

// forgetIdle drops visitors whose bucket has fully refilled.
func (rl *RateLimiter) forgetIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.window {
			delete(rl.visitors, ip)
		}
	}
}

// forgetLeastRecent is called with the lock held.
func (rl *RateLimiter) forgetLeastRecent() {
	var ip string
	var seen time.Time
	for k, v := range rl.visitors {
		if ip == "" || v.lastSeen.Before(seen) {
			ip, seen = k, v.lastSeen
		}
	}
	delete(rl.visitors, ip)
}

// Stop ends the sweep goroutine and waits for it.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
	rl.done.Wait()
}
