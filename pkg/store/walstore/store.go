// Package walstore implements the event store on top of the write-ahead
// log. It maps logical streams onto the single global log, enforces gapless
// per-stream sequencing and optimistic-concurrency appends, and exposes the
// committed global order to projections.
package walstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/strand/pkg/errmodel"
	"github.com/wilhg/strand/pkg/store"
	"github.com/wilhg/strand/pkg/wal"
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(lg *zap.Logger) Option {
	return func(s *Store) {
		if lg != nil {
			s.logger = lg
		}
	}
}

// lane is the single-writer scope of one stream. Its mutex is held for the
// whole of "check version, append, commit, advance", serializing appends to
// the stream while other streams proceed in parallel.
type lane struct {
	mu      sync.Mutex
	version int64
	offsets []uint64 // global offset of sequence i+1 at index i
}

// Store is a WAL-backed event store. The per-stream version index is
// rebuilt by one linear scan at open and advanced only after a commit
// completes, so readers never observe an unflushed append.
type Store struct {
	log    *wal.Log
	logger *zap.Logger

	mu    sync.RWMutex
	lanes map[string]*lane
}

// Open builds the store's in-memory index by scanning the recovered log
// once. A per-stream sequence gap in the scan means the log and index can
// no longer be trusted and Open fails with a corruption error.
func Open(log *wal.Log, opts ...Option) (*Store, error) {
	s := &Store{
		log:    log,
		logger: zap.NewNop(),
		lanes:  make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(s)
	}

	for rec, err := range log.ReadFrom(0) {
		if err != nil {
			return nil, err
		}
		if rec.Kind != wal.KindEvent {
			continue
		}
		ev, err := decodeEnvelope(rec)
		if err != nil {
			return nil, err
		}
		ln := s.lanes[ev.StreamID]
		if ln == nil {
			ln = &lane{}
			s.lanes[ev.StreamID] = ln
		}
		if ev.Sequence != ln.version+1 {
			return nil, errmodel.Corruption("sequence_gap", "stream sequence is not gapless",
				map[string]any{"stream_id": ev.StreamID, "want": ln.version + 1, "got": ev.Sequence})
		}
		ln.version = ev.Sequence
		ln.offsets = append(ln.offsets, rec.Offset)
	}
	s.logger.Info("event store opened",
		zap.Int("streams", len(s.lanes)),
		zap.Uint64("committed_offset", log.Durable()))
	return s, nil
}

func (s *Store) lane(streamID string) *lane {
	s.mu.RLock()
	ln := s.lanes[streamID]
	s.mu.RUnlock()
	if ln != nil {
		return ln
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ln = s.lanes[streamID]; ln == nil {
		ln = &lane{}
		s.lanes[streamID] = ln
	}
	return ln
}

// Append implements store.EventStore. On a version mismatch or a batch
// validation failure nothing is written. Once bytes reach the log the
// commit wait is not cancellable: it ends in durability or in a sticky
// durability error, never in an acknowledged-but-absent append.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int64, events []store.NewEvent) (int64, error) {
	tr := otel.Tracer("strand/walstore")
	ctx, span := tr.Start(ctx, "Store.Append", trace.WithAttributes(
		attribute.String("stream.id", streamID),
		attribute.Int64("stream.expected_version", expectedVersion),
		attribute.Int("events.count", len(events)),
	))
	defer span.End()

	if streamID == "" {
		return 0, errmodel.Validation("stream_id_empty", "streamID is empty", nil)
	}
	if len(events) == 0 {
		return 0, errmodel.Validation("no_events", "append requires at least one event", nil)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ln := s.lane(streamID)
	ln.mu.Lock()
	defer ln.mu.Unlock()

	if ln.version != expectedVersion {
		return 0, errmodel.Conflict("version_mismatch", "expected version does not match stream",
			map[string]any{"stream_id": streamID, "expected": expectedVersion, "actual": ln.version})
	}

	// Encode and validate the whole batch before any byte reaches the log.
	// A record written under an assigned sequence and then abandoned would
	// collide with a retry of the same sequence and corrupt the stream on
	// the next index rebuild.
	bodies := make([][]byte, len(events))
	for i, e := range events {
		if e.EventID == "" {
			e.EventID = uuid.NewString()
		}
		if e.OccurredAt.IsZero() {
			e.OccurredAt = time.Now().UTC()
		}
		body, err := encodeEnvelope(streamID, e)
		if err != nil {
			return 0, errmodel.New(errmodel.CategoryValidation, "bad_payload",
				"event payload is not JSON-serializable", map[string]any{"type": e.Type}, err)
		}
		if len(body) > wal.MaxPayloadSize {
			return 0, errmodel.Validation("payload_too_large", "event envelope exceeds record limit",
				map[string]any{"type": e.Type, "size": len(body), "limit": wal.MaxPayloadSize})
		}
		bodies[i] = body
	}

	offsets := make([]uint64, 0, len(events))
	var last uint64
	for i, body := range bodies {
		seq := uint64(ln.version) + uint64(i) + 1
		off, err := s.log.Append(wal.KindEvent, seq, body)
		if err != nil {
			span.RecordError(err)
			return 0, err
		}
		offsets = append(offsets, off)
		last = off
	}

	// The write-ahead rule: nothing is committed until the shared flush
	// covering the last record returns.
	if err := s.log.Commit(ctx, last); err != nil {
		span.RecordError(err)
		s.logger.Error("append commit failed; rolling back index",
			zap.String("stream_id", streamID), zap.Error(err))
		return 0, err
	}

	ln.version += int64(len(events))
	ln.offsets = append(ln.offsets, offsets...)
	span.SetAttributes(attribute.Int64("stream.new_version", ln.version))
	return ln.version, nil
}

// LoadTail implements store.EventStore. It reads only the committed prefix
// and does not block concurrent appends.
func (s *Store) LoadTail(ctx context.Context, streamID string, afterSequence int64) ([]store.EventRecord, error) {
	if afterSequence < 0 {
		afterSequence = 0
	}
	ln := s.lane(streamID)
	ln.mu.Lock()
	version := ln.version
	var tail []uint64
	if afterSequence < version {
		tail = append(tail, ln.offsets[afterSequence:]...)
	}
	ln.mu.Unlock()
	if len(tail) == 0 {
		return nil, nil
	}
	if first := s.log.FirstOffset(); tail[0] < first {
		// Not damage: compaction dropped the prefix because a snapshot
		// supersedes it. The caller must load from that snapshot.
		return nil, errmodel.Validation("tail_compacted", "requested events precede the compacted log prefix; load from a snapshot",
			map[string]any{"stream_id": streamID, "after_sequence": afterSequence, "first_retained_offset": first})
	}

	out := make([]store.EventRecord, 0, len(tail))
	want := 0
	for rec, err := range s.log.ReadFrom(tail[0]) {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rec.Kind != wal.KindEvent || rec.Offset != tail[want] {
			continue
		}
		ev, err := decodeEnvelope(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
		want++
		if want == len(tail) {
			break
		}
	}
	if want != len(tail) {
		return nil, errmodel.Corruption("tail_incomplete", "indexed events missing from log",
			map[string]any{"stream_id": streamID, "want": len(tail), "got": want})
	}
	return out, nil
}

// CurrentVersion implements store.EventStore.
func (s *Store) CurrentVersion(streamID string) int64 {
	s.mu.RLock()
	ln := s.lanes[streamID]
	s.mu.RUnlock()
	if ln == nil {
		return 0
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.version
}

// Streams returns the IDs of all known streams.
func (s *Store) Streams() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.lanes))
	for id := range s.lanes {
		out = append(out, id)
	}
	return out
}

// OffsetOf returns the global offset of the event at the given sequence.
// Used by compaction to find the first log offset a stream still needs.
func (s *Store) OffsetOf(streamID string, sequence int64) (uint64, bool) {
	s.mu.RLock()
	ln := s.lanes[streamID]
	s.mu.RUnlock()
	if ln == nil || sequence < 1 {
		return 0, false
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	if sequence > int64(len(ln.offsets)) {
		return 0, false
	}
	return ln.offsets[sequence-1], true
}

// ReadCommitted implements store.CommitSource. Non-event records advance
// the resume offset but are not delivered.
func (s *Store) ReadCommitted(ctx context.Context, from uint64, limit int) ([]store.EventRecord, uint64, error) {
	if from == 0 {
		from = 1
	}
	next := from
	var out []store.EventRecord
	for rec, err := range s.log.ReadFrom(from) {
		if err != nil {
			return nil, next, err
		}
		if err := ctx.Err(); err != nil {
			return out, next, err
		}
		next = rec.Offset + 1
		if rec.Kind != wal.KindEvent {
			continue
		}
		ev, err := decodeEnvelope(rec)
		if err != nil {
			return nil, next, err
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, next, nil
}

// WaitCommitted implements store.CommitSource.
func (s *Store) WaitCommitted(ctx context.Context, after uint64) (uint64, error) {
	return s.log.WaitDurable(ctx, after)
}

// CommittedOffset implements store.CommitSource.
func (s *Store) CommittedOffset() uint64 {
	return s.log.Durable()
}
