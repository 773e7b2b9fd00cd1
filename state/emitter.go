package state

import (
	"sync"
	"time"

	"github.com/go-playground/errors"
	"github.com/vskurikhin/go-pg-sync/internal/metric"
	"github.com/vskurikhin/go-pg-sync/logger"
	"github.com/vskurikhin/go-pg-sync/pq/message"
)

const DefaultSnapshotInterval = 60 * time.Second

// Writer is the line-oriented output protocol collaborator. Record and State
// calls arrive in source-consistent order from a single goroutine.
type Writer interface {
	Record(record *message.ChangeRecord) error
	State(bookmarks map[string]Bookmark) error
}

// Emitter aggregates per-stream counters and owns every stream's bookmark.
// State snapshots always carry the combined bookmark map so a downstream
// reader never observes a partial checkpoint.
type Emitter struct {
	writer       Writer
	metric       metric.Metric
	bookmarks    map[string]Bookmark
	counters     map[string]int64
	runStart     time.Time
	lastSnapshot time.Time
	interval     time.Duration
	mu           sync.Mutex
}

func NewEmitter(writer Writer, m metric.Metric, initial map[string]Bookmark, interval time.Duration) *Emitter {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}

	bookmarks := make(map[string]Bookmark, len(initial))
	for id, b := range initial {
		bookmarks[id] = b
	}

	now := time.Now()
	return &Emitter{
		writer:       writer,
		metric:       m,
		bookmarks:    bookmarks,
		counters:     make(map[string]int64),
		runStart:     now,
		lastSnapshot: now,
		interval:     interval,
	}
}

// Record emits one change record and advances its stream's bookmark. A
// snapshot follows when the wall-clock interval has elapsed.
func (e *Emitter) Record(record *message.ChangeRecord, bookmark Bookmark) error {
	if err := e.writer.Record(record); err != nil {
		return errors.Wrap(err, "write record")
	}

	e.mu.Lock()
	streamID := record.StreamID()
	e.counters[streamID]++
	e.advanceLocked(streamID, bookmark)
	due := time.Since(e.lastSnapshot) >= e.interval
	e.mu.Unlock()

	switch record.Operation {
	case message.InsertOp:
		e.metric.InsertOpIncrement(1)
	case message.UpdateOp:
		e.metric.UpdateOpIncrement(1)
	case message.DeleteOp:
		e.metric.DeleteOpIncrement(1)
	}

	if due {
		return e.Snapshot()
	}
	return nil
}

// Advance moves a stream's bookmark without emitting a record, e.g. when the
// source reports progress with no row changes.
func (e *Emitter) Advance(streamID string, bookmark Bookmark) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.advanceLocked(streamID, bookmark)
}

// advanceLocked enforces LSN monotonicity: a new LSN bookmark never moves a
// stream backwards.
func (e *Emitter) advanceLocked(streamID string, bookmark Bookmark) {
	if bookmark.IsZero() {
		return
	}

	if bookmark.LSN != nil {
		if prev, ok := e.bookmarks[streamID]; ok && prev.LSN != nil && *prev.LSN > *bookmark.LSN {
			return
		}
	}

	e.bookmarks[streamID] = bookmark
}

// Clear drops a stream's bookmark, used when a fast full-table scan starts
// over and any stale checkpoint must not survive.
func (e *Emitter) Clear(streamID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.bookmarks, streamID)
}

func (e *Emitter) Bookmark(streamID string) (Bookmark, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.bookmarks[streamID]
	return b, ok
}

func (e *Emitter) Count(streamID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counters[streamID]
}

// Snapshot emits the combined bookmark map for all streams.
func (e *Emitter) Snapshot() error {
	e.mu.Lock()
	combined := make(map[string]Bookmark, len(e.bookmarks))
	for id, b := range e.bookmarks {
		combined[id] = b
	}
	e.lastSnapshot = time.Now()
	elapsed := time.Since(e.runStart)
	e.mu.Unlock()

	logger.Debug("state snapshot", "streams", len(combined), "elapsed", elapsed.String())

	if err := e.writer.State(combined); err != nil {
		return errors.Wrap(err, "write state snapshot")
	}
	return nil
}

// Final emits the unconditional shutdown snapshot.
func (e *Emitter) Final() error {
	logger.Info("final state snapshot", "elapsed", time.Since(e.runStart).String())
	return e.Snapshot()
}
