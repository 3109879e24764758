package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/devrev/kvpk/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// CachedAuthenticator remembers successful verifications for a fixed TTL.
// Rejections are never cached. The size bound is approximate under
// concurrent inserts.
type CachedAuthenticator struct {
	next    Authenticator
	ttl     time.Duration
	maxSize int
	metrics *metrics.Metrics
	logger  *zap.Logger

	data *xsync.MapOf[string, cacheItem]

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

type cacheItem struct {
	tenant    string
	expiresAt time.Time
}

// NewCachedAuthenticator wraps next with a cache of at most maxSize entries.
// Call Close to stop the background cleanup.
func NewCachedAuthenticator(next Authenticator, ttl time.Duration, maxSize int, m *metrics.Metrics, logger *zap.Logger) *CachedAuthenticator {
	c := &CachedAuthenticator{
		next:    next,
		ttl:     ttl,
		maxSize: maxSize,
		metrics: m,
		logger:  logger,
		data:    xsync.NewMapOf[string, cacheItem](),
		stop:    make(chan struct{}),
		now:     time.Now,
	}

	go c.cleanup(cleanupInterval(ttl))

	return c
}

// Verify implements Authenticator.
func (c *CachedAuthenticator) Verify(ctx context.Context, token, audience string) (string, error) {
	key := cacheKey(token, audience)

	item, ok := c.data.Load(key)
	if ok && c.now().Before(item.expiresAt) {
		c.metrics.IncAuthCacheHit()
		return item.tenant, nil
	}

	tenant, err := c.next.Verify(ctx, token, audience)
	if err != nil {
		return "", err
	}

	c.set(key, tenant)
	return tenant, nil
}

func (c *CachedAuthenticator) set(key, tenant string) {
	if c.data.Size() >= c.maxSize {
		c.evictExpired()
		// still full: drop an arbitrary entry
		if c.data.Size() >= c.maxSize {
			c.data.Range(func(k string, _ cacheItem) bool {
				c.data.Delete(k)
				return false
			})
		}
	}

	c.data.Store(key, cacheItem{
		tenant:    tenant,
		expiresAt: c.now().Add(c.ttl),
	})
}

func (c *CachedAuthenticator) evictExpired() int {
	now := c.now()
	removed := 0
	c.data.Range(func(k string, item cacheItem) bool {
		if now.After(item.expiresAt) {
			c.data.Delete(k)
			removed++
		}
		return true
	})
	return removed
}

// Size returns the number of cached entries, including expired ones not yet
// cleaned up.
func (c *CachedAuthenticator) Size() int {
	return c.data.Size()
}

// Close stops the cleanup goroutine.
func (c *CachedAuthenticator) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *CachedAuthenticator) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if removed := c.evictExpired(); removed > 0 {
				c.logger.Debug("Expired auth cache entries removed", zap.Int("count", removed))
			}
		}
	}
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return time.Minute
	}
	return ttl
}

// cacheKey keys entries by a digest so raw tokens are not kept in memory.
func cacheKey(token, audience string) string {
	sum := sha256.Sum256([]byte(audience + "\x00" + token))
	return hex.EncodeToString(sum[:])
}
