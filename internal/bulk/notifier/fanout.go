package notifier

import (
	"context"

	"github.com/opsdesk/opsdesk-backend/internal/bulk/tracking"
)

// Target receives terminal batch snapshots. The Kafka notifier and the
// warehouse reporter both implement it.
type Target interface {
	BatchTerminal(ctx context.Context, snapshot *tracking.Snapshot)
}

// Fanout broadcasts one terminal snapshot to every target in order. Targets
// own their failure handling, so a slow or failing target never blocks the
// caller beyond its own timeout.
type Fanout []Target

// BatchTerminal delivers the snapshot to each non-nil target.
func (f Fanout) BatchTerminal(ctx context.Context, snapshot *tracking.Snapshot) {
	for _, target := range f {
		if target == nil {
			continue
		}
		target.BatchTerminal(ctx, snapshot)
	}
}
