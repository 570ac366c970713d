package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter guards the admin HTTP surface. It is keyed by remote IP
// rather than an authenticated user ID: the admin surface has operators
// sharing one credential, not individually accounted users.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{redis: client}
}

func (rl *RateLimiter) Limit(requestsPerMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			key := fmt.Sprintf("ratelimit:%s:%d", host, time.Now().Unix()/60)
			ctx := context.Background()

			count, err := rl.redis.Incr(ctx, key).Result()
			if err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Rate limit check failed"})
				return
			}

			if count == 1 {
				rl.redis.Expire(ctx, key, 60*time.Second)
			}

			if count > int64(requestsPerMinute) {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerMinute))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Unix()+60, 10))
				respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerMinute))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(int64(requestsPerMinute)-count, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Unix()+60, 10))

			next.ServeHTTP(w, r)
		})
	}
}
