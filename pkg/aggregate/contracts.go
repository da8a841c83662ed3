// Package aggregate defines the contracts between the storage engine and the
// domain layer that uses it. The engine never interprets event payloads; it
// moves opaque, versioned facts between the caller's pure functions and the
// durable log.
//
// The core protocol is fold-then-decide:
//   - a Folder rebuilds state by applying events in sequence order,
//   - a Decider turns (state, command) into zero or more new events,
//   - the engine appends those events with an optimistic version check.
//
// All three sides must be pure: no I/O, deterministic, and identical on
// replay. Side effects belong in projection Handlers, which consume the
// committed stream asynchronously.
//
// Example:
//
//	type AccountFolder struct{}
//	func (AccountFolder) Initial(streamID string) any { return Account{} }
//	func (AccountFolder) Apply(state any, ev aggregate.Event) any {
//		// pure state transition keyed on ev.Type
//		return next
//	}
package aggregate

import (
	"context"
	"encoding/json"
	"time"
)

// Event is the tagged variant the engine stores and replays. Payload holds
// the event body as JSON; the engine treats it as opaque bytes.
//
// Events must be:
//   - Immutable once appended
//   - Self-describing via Type and SchemaVersion
//   - Deterministically foldable in sequence order
type Event struct {
	// Type categorizes the event for fold dispatch, e.g. "account_opened".
	Type string `json:"type"`

	// SchemaVersion is the version of the payload schema. Schema changes are
	// additive; older versions are converted by an Upcaster before folding.
	SchemaVersion int `json:"schema_version"`

	// Payload is the event body. It is checksummed on disk and verified on
	// every read before it reaches a Folder or Handler.
	Payload json.RawMessage `json:"payload,omitempty"`

	// OccurredAt records when the event happened. Filled by the store at
	// append time when zero.
	OccurredAt time.Time `json:"occurred_at"`

	// CausationID links the event to the command or upstream event that
	// produced it. Optional.
	CausationID string `json:"causation_id,omitempty"`
}

// Metadata accompanies an event on delivery to a projection Handler.
type Metadata struct {
	// StreamID identifies the aggregate instance the event belongs to.
	StreamID string

	// Sequence is the event's per-stream position, starting at 1, gapless.
	Sequence int64

	// GlobalOffset is the cross-stream commit position. Projections
	// checkpoint against this value.
	GlobalOffset uint64

	// EventID is the stable unique ID assigned at append time.
	EventID string

	// OccurredAt mirrors the stored event timestamp.
	OccurredAt time.Time
}

// Folder rebuilds aggregate state from events. Apply must be pure and
// deterministic: replaying the same events from the same initial state must
// always yield the same result, or snapshots and live state diverge.
type Folder interface {
	// Initial returns the empty state for a stream that has no snapshot.
	Initial(streamID string) any

	// Apply folds one event into state and returns the next state. It must
	// not mutate the incoming state value in place.
	Apply(state any, ev Event) any
}

// Decider turns a command into new events. It is supplied by the domain
// layer per aggregate type and must be pure: validation and invariant checks
// only, no I/O.
//
// Returning an empty slice means the command is a no-op (for example,
// re-confirming an already-confirmed order). Returning an error rejects the
// command; the engine propagates it verbatim and appends nothing. Use
// errmodel.Domain for rejections so callers can classify them.
type Decider interface {
	Decide(state any, command any) ([]Event, error)
}

// Upcaster converts events written under older schema versions to the
// current shape before they are folded or delivered. It must be total: an
// event it does not recognize is returned unchanged.
type Upcaster interface {
	Upcast(ev Event) Event
}

// UpcasterFunc adapts a function to the Upcaster interface.
type UpcasterFunc func(Event) Event

// Upcast implements Upcaster.
func (f UpcasterFunc) Upcast(ev Event) Event { return f(ev) }

// Codec encodes and decodes aggregate state for durable snapshots.
type Codec interface {
	Encode(state any) ([]byte, error)
	Decode(streamID string, data []byte) (any, error)
}

// Handler applies one committed event to an external read model.
//
// Delivery is at-least-once: after a crash the runner resumes from its last
// durable checkpoint and may redeliver events the handler already applied.
// Handlers must therefore be idempotent: key writes by
// (meta.StreamID, meta.Sequence) or meta.GlobalOffset and upsert, never
// blindly increment.
//
// A non-nil error stalls the owning projection: its cursor freezes and no
// further events are delivered until it is resumed. Other projections and
// the write path are unaffected.
type Handler interface {
	Handle(ctx context.Context, ev Event, meta Metadata) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev Event, meta Metadata) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, ev Event, meta Metadata) error {
	return f(ctx, ev, meta)
}
