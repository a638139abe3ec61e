package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/fatflowers/memberledger/pkg/apperr"
)

const (
	maxTrackedClients = 10000
	clientIdleTTL     = 10 * time.Minute
)

// RateLimit throttles a route per client IP. Idle clients are forgotten
// after a while so the table stays bounded.
func RateLimit(perMinute, burst int) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Every(time.Minute / time.Duration(perMinute))
	clients := expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, clientIdleTTL)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		lim, ok := clients.Get(ip)
		if !ok {
			lim = rate.NewLimiter(limit, burst)
		}
		// re-adding refreshes the idle TTL
		clients.Add(ip, lim)
		if !lim.Allow() {
			c.Header("Retry-After", "60")
			e := apperr.Conflict(apperr.CodeRateLimited, "too many requests")
			e.Status = http.StatusTooManyRequests
			abort(c, e)
			return
		}
		c.Next()
	}
}
