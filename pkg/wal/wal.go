// Package wal implements the durability layer: a segmented, append-only
// byte log with per-record checksums, group-commit fsync and idempotent
// crash recovery.
//
// Writers append records and then wait on Commit, which coalesces pending
// appends from all streams into a single fsync (group commit). A record is
// neither durable nor visible to readers until its commit completes. On
// every open, a linear scan validates checksums in order; the first invalid
// or truncated record defines the valid-data boundary and everything beyond
// it is discarded as an unfinished write.
package wal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/strand/pkg/errmodel"
)

const (
	defaultSegmentSize = 64 << 20
	defaultWindow      = 2 * time.Millisecond
	segmentSuffix      = ".wal"
)

// Option configures a Log at open time.
type Option func(*Log)

// WithSegmentSize sets the rotation threshold in bytes. Once the active
// segment reaches it, the segment is synced, closed and a new one opened so
// compaction can later drop whole files.
func WithSegmentSize(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.segmentSize = n
		}
	}
}

// WithCommitWindow sets the group-commit coalescing window. Zero flushes
// immediately on every commit request.
func WithCommitWindow(d time.Duration) Option {
	return func(l *Log) {
		if d >= 0 {
			l.window = d
		}
	}
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(lg *zap.Logger) Option {
	return func(l *Log) {
		if lg != nil {
			l.logger = lg
		}
	}
}

type segmentInfo struct {
	base uint64 // global offset of the segment's first record
	path string
	size int64
}

// Log is a segmented append-only log. Appends are serialized internally;
// reads operate on the already-flushed prefix and never block writers.
type Log struct {
	dir         string
	segmentSize int64
	window      time.Duration
	logger      *zap.Logger

	mu         sync.Mutex
	sealed     []segmentInfo // rotated segments, ascending base
	active     *os.File
	activeBase uint64
	activeSize int64
	nextOffset uint64
	closed     bool

	flushMu     sync.Mutex
	flushCond   *sync.Cond
	appended    uint64 // highest offset written to the OS
	durable     uint64 // highest offset known synced
	flushErr    error  // sticky: the log is unusable after a failed fsync
	flushClosed bool

	syncReq chan struct{}
	done    chan struct{}
	loopWG  sync.WaitGroup
}

// Open creates or recovers the log in dir. Recovery validates every record
// in segment order, truncates the file at the first invalid or incomplete
// record, removes any later segments, and resumes appending from there.
// Running it on an already-clean log is a no-op, so it is safe on every
// boot.
func Open(dir string, opts ...Option) (*Log, error) {
	l := &Log{
		dir:         dir,
		segmentSize: defaultSegmentSize,
		window:      defaultWindow,
		logger:      zap.NewNop(),
		syncReq:     make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.flushCond = sync.NewCond(&l.flushMu)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := l.recover(); err != nil {
		return nil, err
	}

	l.appended = l.nextOffset - 1
	l.durable = l.nextOffset - 1

	l.loopWG.Add(1)
	go l.flushLoop()
	return l, nil
}

func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segs []segmentInfo
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		base, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			return nil, err
		}
		segs = append(segs, segmentInfo{base: base, path: filepath.Join(dir, name), size: info.Size()})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].base < segs[j].base })
	return segs, nil
}

func segmentPath(dir string, base uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", base, segmentSuffix))
}

// recover scans segments in order, truncating at the valid-data boundary.
func (l *Log) recover() error {
	segs, err := listSegments(l.dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	if len(segs) == 0 {
		return l.startSegment(1)
	}

	expect := segs[0].base
	for i, seg := range segs {
		if seg.base != expect {
			// A gap between retained segments means lost data; everything
			// from here on is untrusted.
			l.logger.Warn("segment base does not continue the log; discarding tail",
				zap.String("segment", seg.path),
				zap.Uint64("expected_offset", expect))
			return l.discardFrom(segs, i, seg.base, -1)
		}
		validEnd, nextOffset, torn, err := scanSegment(seg.path, seg.base)
		if err != nil {
			return err
		}
		expect = nextOffset
		if torn != "" {
			l.logger.Warn("truncating log at valid-data boundary",
				zap.String("segment", seg.path),
				zap.Int64("byte_offset", validEnd),
				zap.Uint64("next_offset", nextOffset),
				zap.String("reason", torn))
			if err := os.Truncate(seg.path, validEnd); err != nil {
				return fmt.Errorf("truncate %s: %w", seg.path, err)
			}
			return l.discardFrom(segs, i+1, nextOffset, validEnd)
		}
		segs[i].size = validEnd
	}

	// Clean log: the last segment becomes active.
	last := segs[len(segs)-1]
	l.sealed = segs[:len(segs)-1]
	l.nextOffset = expect
	return l.resumeSegment(last)
}

// discardFrom removes segments[i:] (data beyond the boundary), then resumes
// appending in the segment that now ends the log. keepSize is the truncated
// size of that segment, or -1 when its scanned size already stands.
func (l *Log) discardFrom(segs []segmentInfo, i int, nextOffset uint64, keepSize int64) error {
	for _, seg := range segs[i:] {
		l.logger.Warn("removing segment beyond valid-data boundary", zap.String("segment", seg.path))
		if err := os.Remove(seg.path); err != nil {
			return fmt.Errorf("remove %s: %w", seg.path, err)
		}
	}
	l.nextOffset = nextOffset
	if i == 0 {
		return l.startSegment(nextOffset)
	}
	last := segs[i-1]
	if keepSize >= 0 {
		last.size = keepSize
	}
	l.sealed = segs[:i-1]
	return l.resumeSegment(last)
}

// scanSegment validates records sequentially. It returns the byte offset of
// the valid-data boundary, the next expected global offset, and a non-empty
// torn reason when the segment ends in an invalid record.
func scanSegment(path string, base uint64) (validEnd int64, nextOffset uint64, torn string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, "", err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	pos := int64(0)
	expect := base
	for {
		rec, n, rerr := readRecord(r)
		if rerr != nil {
			if rerr == io.EOF {
				return pos, expect, "", nil
			}
			var te *tornError
			if errors.As(rerr, &te) {
				return pos, expect, te.reason, nil
			}
			return 0, 0, "", fmt.Errorf("scan %s: %w", path, rerr)
		}
		if rec.Offset != expect {
			return pos, expect, "offset discontinuity", nil
		}
		pos += n
		expect++
	}
}

func (l *Log) startSegment(base uint64) error {
	f, err := os.OpenFile(segmentPath(l.dir, base), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	l.active = f
	l.activeBase = base
	l.activeSize = 0
	l.nextOffset = base
	return nil
}

func (l *Log) resumeSegment(seg segmentInfo) error {
	f, err := os.OpenFile(seg.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	l.active = f
	l.activeBase = seg.base
	l.activeSize = seg.size
	return nil
}

// Append assigns the next global offset and writes the record to the active
// segment. The record is not durable — and not visible to readers — until a
// Commit covering the returned offset completes.
func (l *Log) Append(kind Kind, streamSeq uint64, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, errmodel.Durability("log_closed", "append on closed log", nil, nil)
	}
	l.flushMu.Lock()
	ferr := l.flushErr
	l.flushMu.Unlock()
	if ferr != nil {
		// After a failed fsync nothing further may enter the log: a later
		// sync could make abandoned records durable behind the caller's back.
		return 0, ferr
	}
	if len(payload) > MaxPayloadSize {
		return 0, errmodel.Validation("payload_too_large", "record payload exceeds limit",
			map[string]any{"size": len(payload), "limit": MaxPayloadSize})
	}

	off := l.nextOffset
	buf := encodeRecord(Record{Offset: off, StreamSeq: streamSeq, Kind: kind, Payload: payload})

	if l.activeSize > 0 && l.activeSize+int64(len(buf)) > l.segmentSize {
		if err := l.rotateLocked(off); err != nil {
			return 0, err
		}
	}
	if _, err := l.active.Write(buf); err != nil {
		return 0, errmodel.Durability("write_failed", "segment write failed", nil, err)
	}
	l.activeSize += int64(len(buf))
	l.nextOffset++

	l.flushMu.Lock()
	l.appended = off
	l.flushMu.Unlock()
	return off, nil
}

// rotateLocked seals the active segment and opens a new one whose base is
// nextBase. The sealed segment is synced first, so every record in it is
// durable once rotation returns.
func (l *Log) rotateLocked(nextBase uint64) error {
	if err := l.active.Sync(); err != nil {
		l.failFlushLocked(err)
		return errmodel.Durability("fsync_failed", "fsync on rotation failed", nil, err)
	}
	if err := l.active.Close(); err != nil {
		return errmodel.Durability("close_failed", "segment close failed", nil, err)
	}
	l.sealed = append(l.sealed, segmentInfo{base: l.activeBase, path: segmentPath(l.dir, l.activeBase), size: l.activeSize})

	l.flushMu.Lock()
	if nextBase-1 > l.durable {
		l.durable = nextBase - 1
	}
	l.flushCond.Broadcast()
	l.flushMu.Unlock()

	l.logger.Debug("rotated segment",
		zap.Uint64("sealed_base", l.activeBase),
		zap.Uint64("next_base", nextBase))
	return l.startSegment(nextBase)
}

func (l *Log) failFlushLocked(err error) {
	l.flushMu.Lock()
	if l.flushErr == nil {
		l.flushErr = errmodel.Durability("fsync_failed", "fsync failed; log is no longer writable", nil, err)
	}
	l.flushCond.Broadcast()
	l.flushMu.Unlock()
}

// Commit blocks until every record up to and including off is durable.
// Concurrent committers share one fsync: the flush loop coalesces requests
// arriving within the commit window. Cancelling ctx does not abandon the
// wait: the record at off is already buffered, so returning early would
// leave it neither acknowledged nor absent. A commit always ends in
// durability, a sticky flush error, or log closure.
func (l *Log) Commit(ctx context.Context, off uint64) error {
	l.flushMu.Lock()
	if l.flushErr != nil {
		err := l.flushErr
		l.flushMu.Unlock()
		return err
	}
	if l.durable >= off {
		l.flushMu.Unlock()
		return nil
	}
	l.flushMu.Unlock()

	select {
	case l.syncReq <- struct{}{}:
	default:
	}

	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	for l.durable < off && l.flushErr == nil && !l.flushClosed {
		l.flushCond.Wait()
	}
	if l.flushErr != nil {
		return l.flushErr
	}
	if l.durable < off {
		return errmodel.Durability("log_closed", "log closed before commit completed", nil, nil)
	}
	return nil
}

// flushLoop services commit requests: it sleeps for the coalescing window,
// then syncs the active segment once for every append that landed so far.
func (l *Log) flushLoop() {
	defer l.loopWG.Done()
	for {
		select {
		case <-l.done:
			return
		case <-l.syncReq:
		}
		if l.window > 0 {
			timer := time.NewTimer(l.window)
			select {
			case <-l.done:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		l.mu.Lock()
		f := l.active
		l.flushMu.Lock()
		target := l.appended
		l.flushMu.Unlock()
		var err error
		if f != nil {
			err = f.Sync()
		}
		l.mu.Unlock()

		l.flushMu.Lock()
		if err != nil {
			if l.flushErr == nil {
				l.flushErr = errmodel.Durability("fsync_failed", "fsync failed; log is no longer writable", nil, err)
			}
			l.logger.Error("group commit fsync failed", zap.Error(err))
		} else if target > l.durable {
			l.durable = target
		}
		l.flushCond.Broadcast()
		l.flushMu.Unlock()
	}
}

// Durable returns the highest global offset known to be synced. Records at
// or below it are visible to readers.
func (l *Log) Durable() uint64 {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	return l.durable
}

// NextOffset returns the offset the next appended record will receive.
func (l *Log) NextOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextOffset
}

// FirstOffset returns the base offset of the oldest retained segment.
// Offsets below it were dropped by compaction and can only be served from a
// snapshot.
func (l *Log) FirstOffset() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sealed) > 0 {
		return l.sealed[0].base
	}
	return l.activeBase
}

// WaitDurable blocks until the durable watermark exceeds after, then
// returns it. It is the projection runner's tail-follow primitive.
func (l *Log) WaitDurable(ctx context.Context, after uint64) (uint64, error) {
	stop := context.AfterFunc(ctx, func() {
		l.flushMu.Lock()
		l.flushCond.Broadcast()
		l.flushMu.Unlock()
	})
	defer stop()

	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	for l.durable <= after && l.flushErr == nil && !l.flushClosed {
		if err := ctx.Err(); err != nil {
			return l.durable, err
		}
		l.flushCond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return l.durable, err
	}
	if l.flushErr != nil {
		return l.durable, l.flushErr
	}
	if l.flushClosed && l.durable <= after {
		return l.durable, errmodel.Durability("log_closed", "log closed", nil, nil)
	}
	return l.durable, nil
}

// DropBefore removes sealed segments every record of which precedes off.
// The active segment is never dropped. It returns the number of segments
// unlinked. Callers must ensure the dropped prefix is superseded by a
// durable snapshot and by every projection checkpoint first.
func (l *Log) DropBefore(off uint64) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	for len(l.sealed) > 0 {
		var end uint64 // first offset after this segment
		if len(l.sealed) > 1 {
			end = l.sealed[1].base
		} else {
			end = l.activeBase
		}
		if end > off {
			break
		}
		seg := l.sealed[0]
		if err := os.Remove(seg.path); err != nil {
			return dropped, fmt.Errorf("remove %s: %w", seg.path, err)
		}
		l.logger.Info("dropped compacted segment",
			zap.Uint64("base", seg.base),
			zap.Uint64("end", end-1))
		l.sealed = l.sealed[1:]
		dropped++
	}
	return dropped, nil
}

// Close stops the flush loop, syncs and closes the active segment.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.done)
	var err error
	if l.active != nil {
		if serr := l.active.Sync(); serr == nil {
			l.flushMu.Lock()
			if l.flushErr == nil && l.appended > l.durable {
				l.durable = l.appended
			}
			l.flushMu.Unlock()
		} else if err == nil {
			err = serr
		}
		if cerr := l.active.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	l.mu.Unlock()

	l.loopWG.Wait()
	l.flushMu.Lock()
	l.flushClosed = true
	l.flushCond.Broadcast()
	l.flushMu.Unlock()
	return err
}
