// Package store defines persistence interfaces for events, snapshots and
// projection checkpoints. Implementations must provide identical semantics
// across backends to support deterministic replay and portability.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// NewEvent is an event handed to the store for appending. Sequence and
// global offset are assigned by the store; EventID and OccurredAt are filled
// in when left zero.
type NewEvent struct {
	EventID       string
	Type          string
	SchemaVersion int
	Payload       json.RawMessage
	OccurredAt    time.Time
	CausationID   string
}

// EventRecord is the persisted representation of an event.
type EventRecord struct {
	EventID       string
	StreamID      string
	Sequence      int64
	GlobalOffset  uint64
	Type          string
	SchemaVersion int
	Payload       json.RawMessage
	OccurredAt    time.Time
	CausationID   string
}

// SnapshotRecord is a persisted fold of aggregate state up to and including
// SequenceAsOf. At most one current snapshot is kept per stream.
type SnapshotRecord struct {
	StreamID      string
	SequenceAsOf  int64
	SchemaVersion int
	State         json.RawMessage
	TakenAt       time.Time
}

// EventStore persists and retrieves per-stream event histories with
// optimistic-concurrency appends.
type EventStore interface {
	// Append writes events to the stream iff expectedVersion equals the
	// stream's current version at the instant of the check. On success it
	// returns the new version; on mismatch it returns a conflict error and
	// writes nothing. The check-and-append is atomic per stream; distinct
	// streams append concurrently without coordination.
	Append(ctx context.Context, streamID string, expectedVersion int64, events []NewEvent) (int64, error)

	// LoadTail returns the stream's events with sequence > afterSequence, in
	// sequence order.
	LoadTail(ctx context.Context, streamID string, afterSequence int64) ([]EventRecord, error)

	// CurrentVersion returns the sequence of the stream's last event, or 0
	// for an unknown or empty stream.
	CurrentVersion(streamID string) int64
}

// CommitSource exposes the global, cross-stream commit order to projection
// consumers.
type CommitSource interface {
	// ReadCommitted returns up to limit committed events with global offset
	// >= from, plus the offset scanning should resume at. The resume offset
	// advances past non-event records, so it can move even when no events
	// are returned.
	ReadCommitted(ctx context.Context, from uint64, limit int) ([]EventRecord, uint64, error)

	// WaitCommitted blocks until the committed watermark exceeds after, then
	// returns it.
	WaitCommitted(ctx context.Context, after uint64) (uint64, error)

	// CommittedOffset returns the current committed watermark.
	CommittedOffset() uint64
}

// SnapshotStore persists and retrieves snapshots of folded state.
type SnapshotStore interface {
	// SaveSnapshot durably stores s, superseding any older snapshot for the
	// stream. A save with a lower SequenceAsOf than the stored one is a
	// no-op.
	SaveSnapshot(ctx context.Context, s SnapshotRecord) error

	// LoadLatestSnapshot returns the snapshot with the highest SequenceAsOf
	// for the stream, or ok=false if none exists.
	LoadLatestSnapshot(ctx context.Context, streamID string) (SnapshotRecord, bool, error)
}

// CheckpointStore persists per-projection progress through the global
// commit order. A checkpoint is advanced only after the projection's
// handler has durably applied the event's effect.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, projection string, globalOffset uint64) error
	LoadCheckpoint(ctx context.Context, projection string) (uint64, bool, error)
	ListCheckpoints(ctx context.Context) (map[string]uint64, error)
}
