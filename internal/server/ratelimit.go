package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const rateLimiterIdleTTL = 5 * time.Minute

// ipRateLimiter is a token bucket per client IP. Buckets idle for longer than
// rateLimiterIdleTTL are swept on access.
type ipRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*rateBucket
	limit     rate.Limit
	burst     int
	clock     func() time.Time
	lastSweep time.Time
}

type rateBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPRateLimiter allows perMinute requests per IP per minute with an equal burst. A
// non-positive perMinute disables limiting.
func newIPRateLimiter(perMinute int, clock func() time.Time) *ipRateLimiter {
	if clock == nil {
		clock = time.Now
	}
	if perMinute <= 0 {
		return &ipRateLimiter{limit: rate.Inf, clock: clock, buckets: map[string]*rateBucket{}}
	}
	return &ipRateLimiter{
		buckets: make(map[string]*rateBucket),
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		clock:   clock,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	if l.limit == rate.Inf {
		return true
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > rateLimiterIdleTTL {
		for key, bucket := range l.buckets {
			if now.Sub(bucket.lastSeen) > rateLimiterIdleTTL {
				delete(l.buckets, key)
			}
		}
		l.lastSweep = now
	}
	bucket, ok := l.buckets[ip]
	if !ok {
		bucket = &rateBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func (l *ipRateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": messageTooManyRequests})
			return
		}
		c.Next()
	}
}
