package tickets

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opsdesk/opsdesk-backend/internal/events"
	"github.com/opsdesk/opsdesk-backend/pkg/db/models"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

// Single-ticket cache keys. These names are shared with other processes,
// so they bypass the client-level namespace.
const (
	cacheKeyByIDPrefix     = "ticket:"
	cacheKeyByNumberPrefix = "ticket:number:"
)

// cacheStore is the subset of the redis client the cache needs.
type cacheStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Cache is the single-ticket read cache. Every failure is logged and
// swallowed: the database stays the source of truth and a cache outage must
// never fail a read or write path.
type Cache struct {
	store cacheStore
	ttl   time.Duration
	logg  *logger.Logger
}

// NewCache builds a cache with the given TTL. A nil store yields a cache
// that always misses.
func NewCache(store cacheStore, ttl time.Duration, logg *logger.Logger) *Cache {
	return &Cache{store: store, ttl: ttl, logg: logg}
}

func cacheKeyByID(id uuid.UUID) string {
	return cacheKeyByIDPrefix + id.String()
}

func cacheKeyByNumber(number string) string {
	return cacheKeyByNumberPrefix + number
}

// GetByID returns the cached snapshot, or nil on miss or error.
func (c *Cache) GetByID(ctx context.Context, id uuid.UUID) *models.Ticket {
	return c.fetch(ctx, cacheKeyByID(id))
}

// GetByNumber returns the cached snapshot, or nil on miss or error.
func (c *Cache) GetByNumber(ctx context.Context, number string) *models.Ticket {
	return c.fetch(ctx, cacheKeyByNumber(number))
}

// Hydrate stores the snapshot under both key shapes.
func (c *Cache) Hydrate(ctx context.Context, ticket *models.Ticket) {
	if c == nil || c.store == nil || ticket == nil {
		return
	}
	raw, err := json.Marshal(ticket)
	if err != nil {
		c.warn(ctx, "failed to encode ticket for cache", ticket.TicketNumber)
		return
	}
	if err := c.store.Set(ctx, cacheKeyByID(ticket.ID), string(raw), c.ttl); err != nil {
		c.warn(ctx, "failed to cache ticket by id", ticket.TicketNumber)
	}
	if err := c.store.Set(ctx, cacheKeyByNumber(ticket.TicketNumber), string(raw), c.ttl); err != nil {
		c.warn(ctx, "failed to cache ticket by number", ticket.TicketNumber)
	}
}

// Invalidate removes both key shapes for the ticket.
func (c *Cache) Invalidate(ctx context.Context, id uuid.UUID, number string) {
	if c == nil || c.store == nil {
		return
	}
	keys := []string{cacheKeyByID(id)}
	if number != "" {
		keys = append(keys, cacheKeyByNumber(number))
	}
	if err := c.store.Del(ctx, keys...); err != nil {
		c.warn(ctx, "failed to invalidate cached ticket", number)
	}
}

// Subscriber bridges the post-commit bus into the cache. Created, updated,
// and hydrate events refresh both keys; deletes invalidate them.
func (c *Cache) Subscriber() events.Subscriber {
	return func(ctx context.Context, event events.Event) {
		switch event.Kind {
		case events.KindCreated, events.KindUpdated, events.KindCacheHydrate:
			c.Hydrate(ctx, event.Snapshot)
		case events.KindDeleted:
			c.Invalidate(ctx, event.TicketID, event.BusinessKey)
		}
	}
}

func (c *Cache) fetch(ctx context.Context, key string) *models.Ticket {
	if c == nil || c.store == nil {
		return nil
	}
	raw, err := c.store.Get(ctx, key)
	if err != nil || raw == "" {
		return nil
	}
	var ticket models.Ticket
	if err := json.Unmarshal([]byte(raw), &ticket); err != nil {
		c.warn(ctx, "dropping undecodable cache entry", key)
		if delErr := c.store.Del(ctx, key); delErr != nil && c.logg != nil {
			c.logg.Warn(ctx, "failed to drop undecodable cache entry")
		}
		return nil
	}
	return &ticket
}

func (c *Cache) warn(ctx context.Context, msg, subject string) {
	if c.logg == nil {
		return
	}
	c.logg.Warn(c.logg.WithField(ctx, "cache_subject", subject), msg)
}
