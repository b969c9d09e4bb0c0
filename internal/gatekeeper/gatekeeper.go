// Package gatekeeper is the request-facing edge of the blocking subsystem:
// a minimal cache-only block check for proxy/middleware layers plus the gin
// middleware that enforces it. The fast path fails open on any error; a
// caching outage admits one extra request into the fuller pipeline instead
// of turning into a denial of service against legitimate traffic.
package gatekeeper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aegisd/aegis/internal/cache"
	"github.com/aegisd/aegis/internal/logger"
	"github.com/aegisd/aegis/internal/metrics"
	"github.com/aegisd/aegis/internal/models"
	"github.com/aegisd/aegis/internal/services"
)

// Reader is the minimal cache surface the fast check depends on.
type Reader interface {
	Get(ctx context.Context, key string) (string, error)
}

// FastStatus is the reduced answer of the fast check.
type FastStatus struct {
	Blocked      bool       `json:"blocked"`
	Reason       string     `json:"reason,omitempty"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
}

// FastCheck reads only the serialized block-status blob from the cache. No
// whitelist lookup, no durable store: whitelisted IPs are never cached as
// blocked in the first place. Every failure mode answers not-blocked.
func FastCheck(ctx context.Context, reader Reader, ip string) FastStatus {
	metrics.IncFastCheck()

	raw, err := reader.Get(ctx, services.BlockCacheKey(ip))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			metrics.IncFastCheckFailOpen()
		}
		return FastStatus{}
	}

	var status services.BlockStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		metrics.IncFastCheckFailOpen()
		return FastStatus{}
	}

	if !status.IsBlocked {
		return FastStatus{}
	}
	if status.BlockType == models.BlockTypeTemporary && status.BlockedUntil != nil && time.Now().After(*status.BlockedUntil) {
		return FastStatus{}
	}

	metrics.IncFastCheckBlocked()
	return FastStatus{Blocked: true, Reason: status.Reason, BlockedUntil: status.BlockedUntil}
}

// Gatekeeper bundles the fast and full block checks for the HTTP layer.
type Gatekeeper struct {
	cache   *cache.Tiered
	blocker *services.BlockerService
}

// New creates a Gatekeeper.
func New(store *cache.Tiered, blocker *services.BlockerService) *Gatekeeper {
	return &Gatekeeper{cache: store, blocker: blocker}
}

// Check runs the fast, cache-only block check for one IP.
func (g *Gatekeeper) Check(ctx context.Context, ip string) FastStatus {
	return FastCheck(ctx, g.cache, ip)
}

// EdgeMiddleware rejects requests from IPs the cache already knows are
// blocked. It never adds more than one cache read to the request path.
func (g *Gatekeeper) EdgeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := FastCheck(c.Request.Context(), g.cache, c.ClientIP())
		if status.Blocked {
			logger.WithFields(map[string]interface{}{
				"ip":     c.ClientIP(),
				"path":   c.Request.URL.Path,
				"reason": status.Reason,
			}).Warn("request rejected by edge block check")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		c.Next()
	}
}

// Middleware enforces the full isBlocked evaluation (whitelist, cache
// tiers, durable store). Evaluation errors fail open.
func (g *Gatekeeper) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := g.blocker.IsBlocked(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.WithFields(map[string]interface{}{"ip": c.ClientIP()}).WithError(err).Warn("block check failed, failing open")
			c.Next()
			return
		}
		if status.IsBlocked {
			logger.WithFields(map[string]interface{}{
				"ip":     c.ClientIP(),
				"path":   c.Request.URL.Path,
				"reason": status.Reason,
			}).Warn("request rejected by block check")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		c.Next()
	}
}
