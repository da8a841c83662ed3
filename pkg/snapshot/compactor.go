package snapshot

import (
	"context"

	"go.uber.org/zap"

	"github.com/wilhg/strand/pkg/store"
	"github.com/wilhg/strand/pkg/wal"
)

// OffsetIndex is the slice of the event store compaction needs: which
// streams exist, how far each has advanced, and where a given sequence
// lives in the global log.
type OffsetIndex interface {
	Streams() []string
	CurrentVersion(streamID string) int64
	OffsetOf(streamID string, sequence int64) (uint64, bool)
}

// Compactor drops log segments that every stream and every projection has
// moved past. A segment is only eligible once the snapshot superseding it
// is durable in the keyed store and all registered checkpoints are beyond
// it; the floor is recomputed from durable state on every run rather than
// tracked incrementally.
type Compactor struct {
	log    *wal.Log
	index  OffsetIndex
	snaps  store.SnapshotStore
	cps    store.CheckpointStore
	logger *zap.Logger
}

// NewCompactor wires a compactor. cps may be nil when no projections run;
// compaction then considers stream snapshots only.
func NewCompactor(log *wal.Log, index OffsetIndex, snaps store.SnapshotStore, cps store.CheckpointStore, logger *zap.Logger) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{log: log, index: index, snaps: snaps, cps: cps, logger: logger}
}

// Compact computes the lowest global offset still needed and unlinks every
// sealed segment entirely below it. Returns the number of segments dropped.
func (c *Compactor) Compact(ctx context.Context) (int, error) {
	floor := c.log.NextOffset()

	for _, streamID := range c.index.Streams() {
		var upto int64
		snap, ok, err := c.snaps.LoadLatestSnapshot(ctx, streamID)
		if err != nil {
			return 0, err
		}
		if ok {
			upto = snap.SequenceAsOf
		}
		version := c.index.CurrentVersion(streamID)
		if version <= upto {
			// Whole stream is covered by its snapshot.
			continue
		}
		// The first event after the snapshot anchors this stream's floor.
		off, ok := c.index.OffsetOf(streamID, upto+1)
		if !ok {
			continue
		}
		if off < floor {
			floor = off
		}
	}

	if c.cps != nil {
		checkpoints, err := c.cps.ListCheckpoints(ctx)
		if err != nil {
			return 0, err
		}
		for name, cp := range checkpoints {
			if cp+1 < floor {
				c.logger.Debug("projection checkpoint bounds compaction",
					zap.String("projection", name),
					zap.Uint64("checkpoint", cp))
				floor = cp + 1
			}
		}
	}

	dropped, err := c.log.DropBefore(floor)
	if err != nil {
		return dropped, err
	}
	if dropped > 0 {
		c.logger.Info("compacted log prefix",
			zap.Uint64("floor", floor),
			zap.Int("segments_dropped", dropped))
	}
	return dropped, nil
}
