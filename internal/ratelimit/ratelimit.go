package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"

	"pfw.app/cloud/internal/logger"
)

type RateLimit interface {
	Allow(addr string) bool
}

type windowData struct {
	count       int
	windowStart time.Time
}

// FixedWindowLimiter allows maxRequests per client address per window.
type FixedWindowLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string]*windowData
	mutex       sync.Mutex
	now         func() time.Time
	lastSweep   time.Time
}

func New(maxRequests int, interval time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		maxRequests: maxRequests,
		window:      interval,
		requests:    make(map[string]*windowData),
		now:         time.Now,
	}
}

func (rl *FixedWindowLimiter) Allow(addr string) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	rl.sweep(now)
	wd := rl.requests[addr]

	if wd == nil || now.Sub(wd.windowStart) > rl.window {
		if rl.maxRequests <= 0 {
			return false
		}
		rl.requests[addr] = &windowData{count: 1, windowStart: now}
		return true
	}

	if wd.count >= rl.maxRequests {
		return false
	}
	wd.count++
	return true
}

// sweep drops expired windows at most once per window.
func (rl *FixedWindowLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	for addr, wd := range rl.requests {
		if now.Sub(wd.windowStart) > rl.window {
			delete(rl.requests, addr)
		}
	}
	rl.lastSweep = now
}

// Middleware rejects requests over the limit with 429. Clients are keyed by
// the host part of RemoteAddr, which a real-IP middleware may have rewritten.
// onLimited, if set, is called for every rejected request.
func Middleware(rl RateLimit, onLimited func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := clientAddr(r)
			if rl.Allow(addr) {
				next.ServeHTTP(w, r)
				return
			}

			if onLimited != nil {
				onLimited()
			}
			logger.Warn("Rate limit exceeded", map[string]interface{}{
				"remote_addr": addr,
				"path":        r.URL.Path,
			})
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, map[string]interface{}{
				"ok":    false,
				"error": "too many requests",
			})
		})
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
