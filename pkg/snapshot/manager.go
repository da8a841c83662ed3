// Package snapshot bounds replay cost: it decides when a stream's folded
// state is worth persisting, stores snapshots through a keyed store, and
// compacts the log prefix a durable snapshot supersedes.
package snapshot

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/strand/pkg/errmodel"
	"github.com/wilhg/strand/pkg/store"
)

// Option configures the Manager.
type Option func(*Manager)

// WithInterval enables cadence-based snapshots every n appended events per
// stream. n <= 0 disables the cadence trigger.
func WithInterval(n int64) Option {
	return func(m *Manager) { m.interval = n }
}

// WithReplayThreshold marks a stream for snapshotting when a load had to
// replay more than n tail events. n <= 0 disables the trigger.
func WithReplayThreshold(n int) Option {
	return func(m *Manager) { m.replayThreshold = n }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(lg *zap.Logger) Option {
	return func(m *Manager) {
		if lg != nil {
			m.logger = lg
		}
	}
}

// Manager applies the snapshot policy for all streams sharing one snapshot
// store.
type Manager struct {
	snaps           store.SnapshotStore
	logger          *zap.Logger
	interval        int64
	replayThreshold int

	mu      sync.Mutex
	pending map[string]struct{} // streams whose last load was too expensive
}

// NewManager constructs a Manager. With no options it never snapshots on
// its own; MaybeSnapshot only fires for streams marked by replay cost.
func NewManager(snaps store.SnapshotStore, opts ...Option) *Manager {
	m := &Manager{
		snaps:   snaps,
		logger:  zap.NewNop(),
		pending: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordReplayCost notes how many tail events the last load of streamID
// replayed. Crossing the threshold marks the stream for a snapshot on the
// next MaybeSnapshot.
func (m *Manager) RecordReplayCost(streamID string, replayed int) {
	if m.replayThreshold <= 0 || replayed <= m.replayThreshold {
		return
	}
	m.mu.Lock()
	m.pending[streamID] = struct{}{}
	m.mu.Unlock()
}

// ShouldSnapshot reports whether policy calls for a snapshot of streamID at
// version atSequence. Callers use it to skip state encoding when no
// snapshot is due.
func (m *Manager) ShouldSnapshot(streamID string, atSequence int64) bool {
	if atSequence <= 0 {
		return false
	}
	if m.interval > 0 && atSequence%m.interval == 0 {
		return true
	}
	m.mu.Lock()
	_, ok := m.pending[streamID]
	m.mu.Unlock()
	return ok
}

// MaybeSnapshot persists state as the stream's current snapshot when policy
// calls for one. It returns whether a snapshot was written. The write goes
// through the keyed store synchronously: once MaybeSnapshot returns true,
// the log prefix up to atSequence is eligible for compaction.
func (m *Manager) MaybeSnapshot(ctx context.Context, streamID string, state json.RawMessage, schemaVersion int, atSequence int64) (bool, error) {
	if !m.ShouldSnapshot(streamID, atSequence) {
		return false, nil
	}
	err := m.snaps.SaveSnapshot(ctx, store.SnapshotRecord{
		StreamID:      streamID,
		SequenceAsOf:  atSequence,
		SchemaVersion: schemaVersion,
		State:         state,
		TakenAt:       time.Now().UTC(),
	})
	if err != nil {
		return false, errmodel.Durability("snapshot_write_failed", "snapshot store write failed",
			map[string]any{"stream_id": streamID, "sequence_as_of": atSequence}, err)
	}
	m.mu.Lock()
	delete(m.pending, streamID)
	m.mu.Unlock()
	m.logger.Debug("snapshot taken",
		zap.String("stream_id", streamID),
		zap.Int64("sequence_as_of", atSequence))
	return true, nil
}

// LoadLatest returns the stream's current snapshot, if any.
func (m *Manager) LoadLatest(ctx context.Context, streamID string) (store.SnapshotRecord, bool, error) {
	return m.snaps.LoadLatestSnapshot(ctx, streamID)
}
