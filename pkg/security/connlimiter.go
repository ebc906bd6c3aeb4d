// Package security guards the push server: per-IP and total WebSocket
// connection limits, a per-IP request rate limit, security headers and
// client address extraction.
package security

import (
	"context"
	"sync"

	"github.com/codeGROOVE-dev/pushtoast/pkg/logger"
)

// ConnectionLimiter caps concurrent connections per IP and in total.
// Only addresses holding at least one slot are tracked.
type ConnectionLimiter struct {
	active   map[string]int
	maxPerIP int
	maxTotal int
	total    int
	mu       sync.Mutex
}

// NewConnectionLimiter returns a limiter allowing maxPerIP connections from a
// single address and maxTotal overall.
func NewConnectionLimiter(maxPerIP, maxTotal int) *ConnectionLimiter {
	return &ConnectionLimiter{
		active:   make(map[string]int),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
	}
}

// Acquire reserves a slot for ip. When ok is false no slot was taken;
// otherwise release must be called once the connection ends. Calling release
// more than once is harmless.
func (cl *ConnectionLimiter) Acquire(ip string) (release func(), ok bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	switch {
	case cl.total >= cl.maxTotal:
		logger.Debug(context.Background(), "total connection limit reached", logger.Fields{"ip": ip, "total": cl.total})
		return nil, false
	case cl.active[ip] >= cl.maxPerIP:
		logger.Debug(context.Background(), "per-IP connection limit reached", logger.Fields{"ip": ip, "count": cl.active[ip]})
		return nil, false
	}

	cl.active[ip]++
	cl.total++

	var once sync.Once
	return func() { once.Do(func() { cl.release(ip) }) }, true
}

func (cl *ConnectionLimiter) release(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	n := cl.active[ip]
	if n == 0 {
		return
	}
	cl.total--
	if n == 1 {
		delete(cl.active, ip)
		return
	}
	cl.active[ip] = n - 1
}

// Total returns the number of reserved slots.
func (cl *ConnectionLimiter) Total() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.total
}

// Count returns the slots held by ip.
func (cl *ConnectionLimiter) Count(ip string) int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.active[ip]
}
