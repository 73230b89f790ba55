package signaling

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const limitWindow = time.Minute

// Limiter is a fixed-window request counter keyed by operation scope and
// client IP. It guards the signaling endpoints from poll storms; callers
// that hit the limit receive 429 and are expected to back off and retry.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	count     int
	expiresAt time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.buckets[key]
	if b == nil || !b.expiresAt.After(now) {
		l.buckets[key] = &bucket{count: 1, expiresAt: now.Add(window)}
		return true
	}
	if b.count >= limit {
		return false
	}
	b.count++
	return true
}

func (s *Server) limit(scope string, perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := scope + ":" + c.ClientIP()
		if !s.limiter.Allow(key, perMinute, limitWindow) {
			s.fail(c, scope, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}
