package admin

import (
	"context"
	"time"

	"github.com/VOTGroup/lotus-mpool-replace/internal/cache"
	"github.com/VOTGroup/lotus-mpool-replace/internal/events"
	"github.com/VOTGroup/lotus-mpool-replace/internal/metrics"
)

type historyKey struct {
	messageID string
	limit     int
}

// CachedHistory serves repeated event history reads from memory for a short
// TTL. History only grows once per tick, so a TTL below the epoch interval
// keeps responses at most one tick stale.
type CachedHistory struct {
	next HistoryProvider
	lru  *cache.LRU[historyKey, []events.Event]
}

func NewCachedHistory(next HistoryProvider, capacity int, ttl time.Duration) *CachedHistory {
	return &CachedHistory{
		next: next,
		lru:  cache.NewLRU[historyKey, []events.Event](capacity, ttl),
	}
}

func (c *CachedHistory) RecentEvents(ctx context.Context, messageID string, limit int) ([]events.Event, error) {
	key := historyKey{messageID: messageID, limit: limit}
	if evts, ok := c.lru.Get(key); ok {
		metrics.AdminHistoryCache.WithLabelValues("hit").Inc()
		return evts, nil
	}
	metrics.AdminHistoryCache.WithLabelValues("miss").Inc()

	evts, err := c.next.RecentEvents(ctx, messageID, limit)
	if err != nil {
		return nil, err
	}
	c.lru.Put(key, evts)
	return evts, nil
}
