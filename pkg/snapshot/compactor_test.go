package snapshot

import (
	"encoding/json"
	"testing"

	"github.com/wilhg/strand/pkg/store"
	"github.com/wilhg/strand/pkg/store/walstore"
	"github.com/wilhg/strand/pkg/wal"
)

// buildStack opens a one-record-per-segment log so compaction has whole
// files to drop, with n committed events on one stream.
func buildStack(t *testing.T, n int64) (*wal.Log, *walstore.Store) {
	t.Helper()
	log, err := wal.Open(t.TempDir(), wal.WithCommitWindow(0), wal.WithSegmentSize(1))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })
	st, err := walstore.Open(log)
	if err != nil {
		t.Fatal(err)
	}
	for v := int64(0); v < n; v++ {
		_, err := st.Append(t.Context(), "s1", v, []store.NewEvent{
			{Type: "tick", SchemaVersion: 1, Payload: json.RawMessage(`{}`)},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	return log, st
}

func countRecords(t *testing.T, log *wal.Log) int {
	t.Helper()
	n := 0
	for _, err := range log.ReadFrom(1) {
		if err != nil {
			t.Fatal(err)
		}
		n++
	}
	return n
}

func TestCompactDropsSnapshottedPrefix(t *testing.T) {
	log, st := buildStack(t, 6)
	db := openKeyed(t)
	ctx := t.Context()

	// Without a snapshot nothing is eligible.
	c := NewCompactor(log, st, db, nil, nil)
	dropped, err := c.Compact(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dropped != 0 {
		t.Fatalf("dropped %d segments without a snapshot", dropped)
	}

	// Snapshot through sequence 4: offsets 1..4 become garbage.
	err = db.SaveSnapshot(ctx, store.SnapshotRecord{
		StreamID: "s1", SequenceAsOf: 4, SchemaVersion: 1, State: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	dropped, err = c.Compact(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dropped == 0 {
		t.Fatal("no segments dropped behind the snapshot")
	}
	// The tail the stream still needs survives.
	if got := countRecords(t, log); got != 2 {
		t.Fatalf("records after compaction = %d, want 2", got)
	}
	tail, err := st.LoadTail(ctx, "s1", 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 || tail[0].Sequence != 5 {
		t.Fatalf("tail after compaction = %+v", tail)
	}
}

func TestCompactBoundedByCheckpoint(t *testing.T) {
	log, st := buildStack(t, 6)
	db := openKeyed(t)
	ctx := t.Context()

	err := db.SaveSnapshot(ctx, store.SnapshotRecord{
		StreamID: "s1", SequenceAsOf: 6, SchemaVersion: 1, State: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	// A projection has only processed offset 2; offsets 3.. must stay.
	if err := db.SaveCheckpoint(ctx, "slow", 2); err != nil {
		t.Fatal(err)
	}

	c := NewCompactor(log, st, db, db, nil)
	if _, err := c.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	if got := countRecords(t, log); got < 4 {
		t.Fatalf("records after compaction = %d, want >= 4", got)
	}
	recs, _, err := st.ReadCommitted(ctx, 3, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 || recs[0].GlobalOffset != 3 {
		t.Fatalf("committed read after compaction = %+v", recs)
	}

	// Once the projection catches up, the rest becomes eligible.
	if err := db.SaveCheckpoint(ctx, "slow", 6); err != nil {
		t.Fatal(err)
	}
	dropped, err := c.Compact(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dropped == 0 {
		t.Fatal("no segments dropped after checkpoint advanced")
	}
}

func TestCompactWholeStreamCovered(t *testing.T) {
	log, st := buildStack(t, 4)
	db := openKeyed(t)
	ctx := t.Context()

	err := db.SaveSnapshot(ctx, store.SnapshotRecord{
		StreamID: "s1", SequenceAsOf: 4, SchemaVersion: 1, State: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	c := NewCompactor(log, st, db, nil, nil)
	if _, err := c.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	// Only sealed segments are droppable; the active one stays.
	if got := countRecords(t, log); got != 1 {
		t.Fatalf("records after full compaction = %d, want 1", got)
	}
}
