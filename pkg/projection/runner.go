// Package projection drives read models off the committed event stream.
// Each registered projection owns a cursor over the global commit order and
// a durable checkpoint advanced only after its handler succeeds (effect
// first, checkpoint second), which makes delivery at-least-once and demands
// idempotent handlers.
package projection

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/strand/pkg/aggregate"
	"github.com/wilhg/strand/pkg/errmodel"
	"github.com/wilhg/strand/pkg/store"
)

// State is a projection's position in its lifecycle.
type State string

const (
	// StateCatchingUp: the cursor is behind the committed watermark and the
	// runner is reading historical records in batches.
	StateCatchingUp State = "catching_up"
	// StateLive: the cursor is at the tail, waiting for new commits.
	StateLive State = "live"
	// StateStalled: the handler failed; the cursor is frozen and no further
	// events are delivered until Resume.
	StateStalled State = "stalled"
	// StateStopped: the runner was closed or its context cancelled.
	StateStopped State = "stopped"
)

// Status is a point-in-time view of one projection.
type Status struct {
	State      State
	Checkpoint uint64
	Err        error
}

// Option configures the Runner.
type Option func(*Runner)

// WithBatchSize sets how many events a catch-up read requests at once.
func WithBatchSize(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(lg *zap.Logger) Option {
	return func(r *Runner) {
		if lg != nil {
			r.logger = lg
		}
	}
}

type projection struct {
	name    string
	handler aggregate.Handler

	mu         sync.Mutex
	state      State
	checkpoint uint64
	err        error
}

func (p *projection) set(state State, err error) {
	p.mu.Lock()
	p.state = state
	p.err = err
	p.mu.Unlock()
}

// Runner drives one cursor per registered projection over the global
// commit order. Projections are isolated: a stalled one does not affect
// the others or the write path.
type Runner struct {
	src    store.CommitSource
	cps    store.CheckpointStore
	batch  int
	logger *zap.Logger

	mu      sync.Mutex
	projs   map[string]*projection
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner constructs a Runner over a commit source and a checkpoint
// store.
func NewRunner(src store.CommitSource, cps store.CheckpointStore, opts ...Option) *Runner {
	r := &Runner{
		src:    src,
		cps:    cps,
		batch:  256,
		logger: zap.NewNop(),
		projs:  make(map[string]*projection),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a projection. All projections must be registered before
// Start.
func (r *Runner) Register(name string, handler aggregate.Handler) error {
	if name == "" || handler == nil {
		return errmodel.Validation("bad_projection", "projection needs a name and a handler", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errmodel.Validation("already_started", "register projections before Start", nil)
	}
	if _, dup := r.projs[name]; dup {
		return errmodel.Validation("duplicate_projection", "projection already registered",
			map[string]any{"name": name})
	}
	r.projs[name] = &projection{name: name, handler: handler, state: StateCatchingUp}
	return nil
}

// Start resumes every projection from its durable checkpoint and begins
// driving them concurrently.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errmodel.Validation("already_started", "runner already started", nil)
	}
	r.started = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	for _, p := range r.projs {
		r.wg.Add(1)
		go r.run(r.ctx, p)
	}
	return nil
}

// run is one projection's drive loop: read a batch, deliver each event,
// checkpoint after each successful delivery, wait at the tail.
func (r *Runner) run(ctx context.Context, p *projection) {
	defer r.wg.Done()

	checkpoint, _, err := r.cps.LoadCheckpoint(ctx, p.name)
	if err != nil {
		p.set(StateStalled, errmodel.Projection("checkpoint_load_failed", "cannot load checkpoint",
			map[string]any{"projection": p.name}, err))
		r.logger.Error("projection stalled loading checkpoint",
			zap.String("projection", p.name), zap.Error(err))
		return
	}
	p.mu.Lock()
	p.checkpoint = checkpoint
	p.mu.Unlock()

	// cursor tracks scan position; it can run ahead of the checkpoint past
	// non-event records, which are never delivered or checkpointed.
	cursor := checkpoint
	for {
		if ctx.Err() != nil {
			p.set(StateStopped, nil)
			return
		}
		records, next, err := r.src.ReadCommitted(ctx, cursor+1, r.batch)
		if err != nil {
			if ctx.Err() != nil {
				p.set(StateStopped, nil)
				return
			}
			p.set(StateStalled, errmodel.Projection("read_failed", "cannot read committed events",
				map[string]any{"projection": p.name}, err))
			r.logger.Error("projection stalled reading log",
				zap.String("projection", p.name), zap.Error(err))
			return
		}

		if len(records) == 0 {
			if next > cursor+1 {
				cursor = next - 1
				continue
			}
			p.set(StateLive, nil)
			if _, err := r.src.WaitCommitted(ctx, cursor); err != nil {
				if ctx.Err() != nil {
					p.set(StateStopped, nil)
					return
				}
				p.set(StateStalled, errmodel.Projection("wait_failed", "cannot wait for new commits",
					map[string]any{"projection": p.name}, err))
				r.logger.Error("projection stalled waiting for commits",
					zap.String("projection", p.name), zap.Error(err))
				return
			}
			continue
		}
		if len(records) == r.batch {
			p.set(StateCatchingUp, nil)
		} else {
			p.set(StateLive, nil)
		}

		if !r.deliver(ctx, p, records) {
			return
		}
		cursor = next - 1
	}
}

// deliver applies one batch. Returns false when the projection stalled or
// stopped.
func (r *Runner) deliver(ctx context.Context, p *projection, records []store.EventRecord) bool {
	tr := otel.Tracer("strand/projection")
	ctx, span := tr.Start(ctx, "Runner.deliver", trace.WithAttributes(
		attribute.String("projection.name", p.name),
		attribute.Int("events.count", len(records)),
	))
	defer span.End()

	for _, rec := range records {
		ev := aggregate.Event{
			Type:          rec.Type,
			SchemaVersion: rec.SchemaVersion,
			Payload:       rec.Payload,
			OccurredAt:    rec.OccurredAt,
			CausationID:   rec.CausationID,
		}
		meta := aggregate.Metadata{
			StreamID:     rec.StreamID,
			Sequence:     rec.Sequence,
			GlobalOffset: rec.GlobalOffset,
			EventID:      rec.EventID,
			OccurredAt:   rec.OccurredAt,
		}
		if err := p.handler.Handle(ctx, ev, meta); err != nil {
			// No retry here: a poison event would loop forever. The cursor
			// freezes and the failure is surfaced until a manual Resume.
			span.RecordError(err)
			p.set(StateStalled, errmodel.Projection("handler_failed", "projection handler returned an error",
				map[string]any{"projection": p.name, "stream_id": rec.StreamID, "sequence": rec.Sequence}, err))
			r.logger.Error("projection stalled",
				zap.String("projection", p.name),
				zap.String("stream_id", rec.StreamID),
				zap.Int64("sequence", rec.Sequence),
				zap.Uint64("global_offset", rec.GlobalOffset),
				zap.Error(err))
			return false
		}
		// Effect first, checkpoint second. A crash between the two means
		// redelivery, which idempotent handlers absorb.
		if err := r.cps.SaveCheckpoint(ctx, p.name, rec.GlobalOffset); err != nil {
			span.RecordError(err)
			p.set(StateStalled, errmodel.Projection("checkpoint_save_failed", "cannot persist checkpoint",
				map[string]any{"projection": p.name}, err))
			return false
		}
		p.mu.Lock()
		p.checkpoint = rec.GlobalOffset
		p.mu.Unlock()
	}
	return true
}

// Status reports the projection's state, checkpoint and terminal error.
func (r *Runner) Status(name string) (Status, error) {
	r.mu.Lock()
	p := r.projs[name]
	r.mu.Unlock()
	if p == nil {
		return Status{}, fmt.Errorf("unknown projection %q", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{State: p.state, Checkpoint: p.checkpoint, Err: p.err}, nil
}

// Resume restarts a stalled projection from its durable checkpoint. The
// event that stalled it will be redelivered.
func (r *Runner) Resume(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return errmodel.Validation("not_started", "runner is not started", nil)
	}
	p := r.projs[name]
	if p == nil {
		return fmt.Errorf("unknown projection %q", name)
	}
	p.mu.Lock()
	stalled := p.state == StateStalled
	if stalled {
		p.state = StateCatchingUp
		p.err = nil
	}
	p.mu.Unlock()
	if !stalled {
		return errmodel.Validation("not_stalled", "projection is not stalled",
			map[string]any{"name": name})
	}
	r.logger.Info("projection resumed", zap.String("projection", name))
	r.wg.Add(1)
	go r.run(r.ctx, p)
	return nil
}

// Close stops all projections and waits for their loops to exit.
func (r *Runner) Close() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
