package projection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wilhg/strand/pkg/aggregate"
	"github.com/wilhg/strand/pkg/keyed"
	"github.com/wilhg/strand/pkg/store"
	"github.com/wilhg/strand/pkg/store/walstore"
	"github.com/wilhg/strand/pkg/wal"
)

func openFixtures(t *testing.T) (*walstore.Store, *keyed.DB) {
	t.Helper()
	log, err := wal.Open(t.TempDir(), wal.WithCommitWindow(0))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = log.Close() })
	st, err := walstore.Open(log)
	if err != nil {
		t.Fatal(err)
	}
	dsn := "sqlite:file:" + t.Name() + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	db, err := keyed.Open(t.Context(), dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(t.Context()); err != nil {
		t.Fatal(err)
	}
	return st, db
}

func appendEvents(t *testing.T, st *walstore.Store, stream string, from int64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := st.Append(t.Context(), stream, from+int64(i), []store.NewEvent{
			{Type: "tick", SchemaVersion: 1, Payload: json.RawMessage(`{}`)},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

// recorder counts deliveries per event id and can fail the first delivery
// of one sequence to simulate a broken handler.
type recorder struct {
	mu       sync.Mutex
	delivery map[string]int
	order    []uint64
	failSeq  int64
	failed   bool
}

func newRecorder() *recorder {
	return &recorder{delivery: make(map[string]int)}
}

func (h *recorder) Handle(ctx context.Context, ev aggregate.Event, meta aggregate.Metadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failSeq != 0 && meta.Sequence == h.failSeq && !h.failed {
		h.failed = true
		return errors.New("transient handler failure")
	}
	h.delivery[meta.EventID]++
	h.order = append(h.order, meta.GlobalOffset)
	return nil
}

func (h *recorder) seen() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.delivery)
}

func (h *recorder) maxDeliveries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	max := 0
	for _, n := range h.delivery {
		if n > max {
			max = n
		}
	}
	return max
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCatchUpThenLive(t *testing.T) {
	st, db := openFixtures(t)
	appendEvents(t, st, "s1", 0, 5)

	h := newRecorder()
	r := NewRunner(st, db, WithBatchSize(2))
	if err := r.Register("p1", h); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	waitFor(t, "catch-up", func() bool {
		s, _ := r.Status("p1")
		return s.Checkpoint == 5 && s.State == StateLive
	})
	if h.seen() != 5 {
		t.Fatalf("delivered %d events, want 5", h.seen())
	}

	// New appends reach the live projection.
	appendEvents(t, st, "s1", 5, 2)
	waitFor(t, "live delivery", func() bool {
		s, _ := r.Status("p1")
		return s.Checkpoint == 7
	})
	if h.seen() != 7 {
		t.Fatalf("delivered %d events, want 7", h.seen())
	}

	// Delivery followed the global commit order.
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, off := range h.order {
		if off != uint64(i+1) {
			t.Fatalf("delivery %d at offset %d", i, off)
		}
	}
}

func TestStalledProjectionDoesNotAffectOthers(t *testing.T) {
	st, db := openFixtures(t)
	appendEvents(t, st, "s1", 0, 4)

	broken := newRecorder()
	broken.failSeq = 2
	healthy := newRecorder()

	r := NewRunner(st, db)
	if err := r.Register("broken", broken); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("healthy", healthy); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	waitFor(t, "stall", func() bool {
		s, _ := r.Status("broken")
		return s.State == StateStalled
	})
	s, _ := r.Status("broken")
	if s.Err == nil {
		t.Fatal("stalled projection has no error")
	}
	if s.Checkpoint != 1 {
		t.Fatalf("stalled checkpoint = %d, want 1", s.Checkpoint)
	}

	// The healthy projection and the write path keep going.
	waitFor(t, "healthy catch-up", func() bool {
		s, _ := r.Status("healthy")
		return s.Checkpoint == 4
	})
	appendEvents(t, st, "s1", 4, 1)
	waitFor(t, "healthy live delivery", func() bool {
		s, _ := r.Status("healthy")
		return s.Checkpoint == 5
	})
}

func TestResumeRedeliversFromCheckpoint(t *testing.T) {
	st, db := openFixtures(t)
	appendEvents(t, st, "s1", 0, 3)

	h := newRecorder()
	h.failSeq = 2
	r := NewRunner(st, db)
	if err := r.Register("p1", h); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	waitFor(t, "stall", func() bool {
		s, _ := r.Status("p1")
		return s.State == StateStalled
	})

	// Resuming a running projection is an error; a stalled one restarts.
	if err := r.Resume("p1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := r.Resume("p1"); err == nil {
		t.Fatal("resume of a non-stalled projection should fail")
	}

	waitFor(t, "recovery", func() bool {
		s, _ := r.Status("p1")
		return s.Checkpoint == 3
	})
	if h.seen() != 3 {
		t.Fatalf("delivered %d distinct events, want 3", h.seen())
	}
	// At-least-once: nothing was delivered more than necessary here, and
	// never less than once.
	if h.maxDeliveries() > 2 {
		t.Fatalf("an event was delivered %d times", h.maxDeliveries())
	}
}

func TestRunnerResumesFromDurableCheckpoint(t *testing.T) {
	st, db := openFixtures(t)
	appendEvents(t, st, "s1", 0, 4)

	first := newRecorder()
	r1 := NewRunner(st, db)
	if err := r1.Register("p1", first); err != nil {
		t.Fatal(err)
	}
	if err := r1.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first run", func() bool {
		s, _ := r1.Status("p1")
		return s.Checkpoint == 4
	})
	r1.Close()

	// A fresh runner, as after a restart, continues where the durable
	// checkpoint left off instead of replaying history.
	appendEvents(t, st, "s1", 4, 2)
	second := newRecorder()
	r2 := NewRunner(st, db)
	if err := r2.Register("p1", second); err != nil {
		t.Fatal(err)
	}
	if err := r2.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer r2.Close()

	waitFor(t, "second run", func() bool {
		s, _ := r2.Status("p1")
		return s.Checkpoint == 6
	})
	if second.seen() != 2 {
		t.Fatalf("restarted projection saw %d events, want 2", second.seen())
	}
}

// brokenTail serves an empty committed log whose tail wait fails, as it
// would after a sticky flush error.
type brokenTail struct {
	waitErr error
}

func (s *brokenTail) ReadCommitted(ctx context.Context, from uint64, limit int) ([]store.EventRecord, uint64, error) {
	return nil, from, nil
}

func (s *brokenTail) WaitCommitted(ctx context.Context, after uint64) (uint64, error) {
	return after, s.waitErr
}

func (s *brokenTail) CommittedOffset() uint64 { return 0 }

func TestWaitFailureStallsWithError(t *testing.T) {
	_, db := openFixtures(t)
	src := &brokenTail{waitErr: errors.New("fsync failed; log is no longer writable")}

	r := NewRunner(src, db)
	if err := r.Register("p1", newRecorder()); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	waitFor(t, "stall on wait failure", func() bool {
		s, _ := r.Status("p1")
		return s.State == StateStalled
	})
	s, _ := r.Status("p1")
	if s.Err == nil {
		t.Fatal("wait failure lost its error")
	}
}

func TestRegisterValidation(t *testing.T) {
	st, db := openFixtures(t)
	r := NewRunner(st, db)
	if err := r.Register("p1", newRecorder()); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("p1", newRecorder()); err == nil {
		t.Fatal("duplicate registration should fail")
	}
	if err := r.Register("", newRecorder()); err == nil {
		t.Fatal("empty name should fail")
	}
	if err := r.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.Register("late", newRecorder()); err == nil {
		t.Fatal("registration after start should fail")
	}
	if _, err := r.Status("nope"); err == nil {
		t.Fatal("unknown projection should fail")
	}
}
