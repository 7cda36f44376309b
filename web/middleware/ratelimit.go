package middleware

import (
	"net/http"
	"sync"
	"time"

	"candy-panel/web/entity"
	"candy-panel/web/locale"

	"github.com/gin-gonic/gin"
)

type rateBucket struct {
	tokens     int
	lastRefill time.Time
}

// RateLimiter is a token bucket per client ip.
type RateLimiter struct {
	ratePerMin int
	burst      int
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

func NewRateLimiter(ratePerMin, burst int) *RateLimiter {
	return &RateLimiter{
		ratePerMin: ratePerMin,
		burst:      burst,
		now:        time.Now,
		buckets:    make(map[string]*rateBucket),
	}
}

func (l *RateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[ip]
	if !ok {
		b = &rateBucket{tokens: l.burst, lastRefill: now}
		l.buckets[ip] = b
	}
	// refill
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		added := int(elapsed.Minutes() * float64(l.ratePerMin))
		if added > 0 {
			b.tokens = min(l.burst, b.tokens+added)
			b.lastRefill = now
		}
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Prune drops buckets idle longer than maxIdle.
func (l *RateLimiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for ip, b := range l.buckets {
		if now.Sub(b.lastRefill) > maxIdle {
			delete(l.buckets, ip)
			n++
		}
	}
	return n
}

func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, entity.Msg{
				Success: false,
				Msg:     locale.I18n(locale.FromContext(c), "tooManyRequests"),
			})
			return
		}
		c.Next()
	}
}
