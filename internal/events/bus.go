// Package events carries process-local notifications that fire only after
// the publishing unit of work commits. The single-ticket read cache is
// written exclusively by subscribers of this bus, which keeps rolled-back
// writes out of the cache.
package events

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/opsdesk/opsdesk-backend/pkg/db/models"
	"github.com/opsdesk/opsdesk-backend/pkg/logger"
)

// Kind discriminates bus events.
type Kind string

const (
	KindCreated      Kind = "ticket.created"
	KindUpdated      Kind = "ticket.updated"
	KindDeleted      Kind = "ticket.deleted"
	KindCacheHydrate Kind = "ticket.cache_hydrate"
	KindRolledback   Kind = "unit_of_work.rolledback"
)

// Event is one bus notification. Snapshot is set for created, updated, and
// hydrate kinds; Deleted carries only the identifiers needed to invalidate.
type Event struct {
	Kind        Kind
	TicketID    uuid.UUID
	BusinessKey string
	Snapshot    *models.Ticket
	Meta        map[string]string
}

// Created announces a committed insert.
func Created(ticket *models.Ticket) Event {
	return Event{Kind: KindCreated, TicketID: ticket.ID, BusinessKey: ticket.TicketNumber, Snapshot: ticket}
}

// Updated announces a committed update.
func Updated(ticket *models.Ticket) Event {
	return Event{Kind: KindUpdated, TicketID: ticket.ID, BusinessKey: ticket.TicketNumber, Snapshot: ticket}
}

// Deleted announces a committed delete.
func Deleted(id uuid.UUID, businessKey string) Event {
	return Event{Kind: KindDeleted, TicketID: id, BusinessKey: businessKey}
}

// CacheHydrate asks cache subscribers to store a fresh snapshot. It is also
// used on read misses, where no transaction is involved.
func CacheHydrate(ticket *models.Ticket) Event {
	return Event{Kind: KindCacheHydrate, TicketID: ticket.ID, BusinessKey: ticket.TicketNumber, Snapshot: ticket}
}

// Rolledback announces that a unit of work discarded its buffered events.
func Rolledback(meta map[string]string) Event {
	return Event{Kind: KindRolledback, Meta: meta}
}

// Subscriber receives bus events. Implementations must treat their own
// failures as non-fatal; the bus additionally recovers panics so one
// subscriber cannot break delivery to the rest.
type Subscriber func(ctx context.Context, event Event)

// Bus fans events out to subscribers in registration order on the calling
// goroutine.
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	logg        *logger.Logger
}

// NewBus builds an empty bus.
func NewBus(logg *logger.Logger) *Bus {
	return &Bus{logg: logg}
}

// Subscribe registers fn for all subsequent publishes.
func (b *Bus) Subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

// Publish delivers the event to every subscriber immediately. Use a
// Collector when delivery must wait for a transaction to commit.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	subscribers := make([]Subscriber, len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.RUnlock()

	for _, subscriber := range subscribers {
		b.deliver(ctx, subscriber, event)
	}
}

func (b *Bus) deliver(ctx context.Context, subscriber Subscriber, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil && b.logg != nil {
			b.logg.Error(ctx, "event subscriber panicked", fmt.Errorf("panic: %v", recovered))
		}
	}()
	subscriber(ctx, event)
}

// Collector buffers events raised inside one unit of work. Commit releases
// them in the order they were added; Rollback drops them and announces the
// rollback instead.
type Collector struct {
	bus    *Bus
	events []Event
}

// Collector starts an empty buffer bound to the bus.
func (b *Bus) Collector() *Collector {
	return &Collector{bus: b}
}

// Add buffers an event until Commit.
func (c *Collector) Add(event Event) {
	c.events = append(c.events, event)
}

// Commit publishes buffered events in publish order and empties the buffer.
func (c *Collector) Commit(ctx context.Context) {
	events := c.events
	c.events = nil
	for _, event := range events {
		c.bus.Publish(ctx, event)
	}
}

// Rollback discards buffered events and publishes a Rolledback marker
// carrying how many were dropped.
func (c *Collector) Rollback(ctx context.Context) {
	dropped := len(c.events)
	c.events = nil
	c.bus.Publish(ctx, Rolledback(map[string]string{
		"dropped_events": strconv.Itoa(dropped),
	}))
}
