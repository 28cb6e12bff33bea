package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mangaforge/mangaforge/internal/metrics"
	"github.com/mangaforge/mangaforge/internal/ratelimit"
	"github.com/mangaforge/mangaforge/pkg/config"
)

// RateLimitSubmit throttles episode generation submissions per user. The
// subject is the X-User-Id header, falling back to the client IP so
// anonymous clients still share a bucket.
func RateLimitSubmit(lim ratelimit.Limiter, cfg *config.Config) gin.HandlerFunc {
	bucket := ratelimit.Bucket{
		RequestsPerMinute: cfg.RateLimit.Submit.RequestsPerMinute,
		BurstSize:         cfg.RateLimit.Submit.BurstSize,
	}
	return func(c *gin.Context) {
		if lim == nil || !bucket.Enabled() {
			c.Next()
			return
		}

		subject := strings.TrimSpace(c.GetHeader("X-User-Id"))
		if subject == "" {
			subject = c.ClientIP()
		}

		dec, err := lim.Allow(c.Request.Context(), subject, bucket)
		if err != nil {
			// Fail open to avoid turning Redis hiccups into outages.
			slog.Default().Warn("rate limit check failed", "op", "submit", "err", err)
			c.Next()
			return
		}
		if dec.Allowed {
			c.Next()
			return
		}

		retryAfterSeconds := int(dec.RetryAfter.Seconds())
		if retryAfterSeconds <= 0 {
			retryAfterSeconds = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		metrics.RateLimitHitsTotal.WithLabelValues("submit").Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":             "rate limit exceeded",
			"retryAfterSeconds": retryAfterSeconds,
		})
	}
}
