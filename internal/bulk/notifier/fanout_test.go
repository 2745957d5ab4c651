package notifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opsdesk/opsdesk-backend/internal/bulk/tracking"
	"github.com/opsdesk/opsdesk-backend/pkg/enums"
)

type fakeTarget struct {
	snapshots []*tracking.Snapshot
}

func (f *fakeTarget) BatchTerminal(_ context.Context, snapshot *tracking.Snapshot) {
	f.snapshots = append(f.snapshots, snapshot)
}

func TestFanoutDeliversToEveryTarget(t *testing.T) {
	first := &fakeTarget{}
	second := &fakeTarget{}
	fanout := Fanout{first, nil, second}

	snapshot := &tracking.Snapshot{BatchID: "BATCH-1-AAAAAAAA", Status: enums.BatchStatusCompleted}
	fanout.BatchTerminal(context.Background(), snapshot)

	require.Len(t, first.snapshots, 1)
	require.Len(t, second.snapshots, 1)
	require.Same(t, snapshot, first.snapshots[0])
	require.Same(t, snapshot, second.snapshots[0])
}

func TestFanoutEmptyIsNoop(t *testing.T) {
	var fanout Fanout
	fanout.BatchTerminal(context.Background(), &tracking.Snapshot{BatchID: "BATCH-2-BBBBBBBB"})
}
