package state

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vskurikhin/go-pg-sync/internal/metric"
	"github.com/vskurikhin/go-pg-sync/logger"
	"github.com/vskurikhin/go-pg-sync/pq"
	"github.com/vskurikhin/go-pg-sync/pq/message"
)

func TestMain(m *testing.M) {
	logger.InitLogger(logger.NewSlog(slog.LevelError))
	m.Run()
}

type fakeWriter struct {
	records []*message.ChangeRecord
	states  []map[string]Bookmark
}

func (w *fakeWriter) Record(record *message.ChangeRecord) error {
	w.records = append(w.records, record)
	return nil
}

func (w *fakeWriter) State(bookmarks map[string]Bookmark) error {
	copied := make(map[string]Bookmark, len(bookmarks))
	for id, b := range bookmarks {
		copied[id] = b
	}
	w.states = append(w.states, copied)
	return nil
}

func record(schema, table string, op message.Operation, lsn pq.LSN) *message.ChangeRecord {
	return &message.ChangeRecord{
		Namespace: schema,
		Table:     table,
		Operation: op,
		Position:  lsn,
	}
}

func TestRecordAdvancesBookmarkAndCounter(t *testing.T) {
	writer := &fakeWriter{}
	emitter := NewEmitter(writer, metric.NewMetric("test"), nil, time.Hour)

	rec := record("public", "users", message.InsertOp, 100)
	require.NoError(t, emitter.Record(rec, LSNBookmark(100)))

	assert.Len(t, writer.records, 1)
	assert.Equal(t, int64(1), emitter.Count("public.users"))

	b, ok := emitter.Bookmark("public.users")
	require.True(t, ok)
	require.NotNil(t, b.LSN)
	assert.Equal(t, pq.LSN(100), *b.LSN)
}

func TestSnapshotCombinesAllStreams(t *testing.T) {
	writer := &fakeWriter{}
	initial := map[string]Bookmark{
		"public.orders": KeyBookmark("id", 42),
	}
	emitter := NewEmitter(writer, metric.NewMetric("test"), initial, time.Hour)

	require.NoError(t, emitter.Record(record("public", "users", message.InsertOp, 200), LSNBookmark(200)))
	require.NoError(t, emitter.Snapshot())

	require.Len(t, writer.states, 1)
	state := writer.states[0]
	assert.Len(t, state, 2)
	assert.Contains(t, state, "public.orders")
	assert.Contains(t, state, "public.users")
	assert.Equal(t, "id", state["public.orders"].ReplicationKey)
}

func TestLSNBookmarkNeverMovesBackwards(t *testing.T) {
	writer := &fakeWriter{}
	emitter := NewEmitter(writer, metric.NewMetric("test"), nil, time.Hour)

	emitter.Advance("public.users", LSNBookmark(500))
	emitter.Advance("public.users", LSNBookmark(300))

	b, ok := emitter.Bookmark("public.users")
	require.True(t, ok)
	assert.Equal(t, pq.LSN(500), *b.LSN)

	emitter.Advance("public.users", LSNBookmark(700))
	b, _ = emitter.Bookmark("public.users")
	assert.Equal(t, pq.LSN(700), *b.LSN)
}

func TestZeroBookmarkDoesNotAdvance(t *testing.T) {
	writer := &fakeWriter{}
	emitter := NewEmitter(writer, metric.NewMetric("test"), nil, time.Hour)

	require.NoError(t, emitter.Record(record("public", "users", message.InsertOp, 0), Bookmark{}))

	_, ok := emitter.Bookmark("public.users")
	assert.False(t, ok)
	assert.Equal(t, int64(1), emitter.Count("public.users"))
}

func TestClearDropsBookmark(t *testing.T) {
	writer := &fakeWriter{}
	initial := map[string]Bookmark{"public.users": OrderingBookmark(12345)}
	emitter := NewEmitter(writer, metric.NewMetric("test"), initial, time.Hour)

	emitter.Clear("public.users")

	_, ok := emitter.Bookmark("public.users")
	assert.False(t, ok)
}

func TestIntervalDrivenSnapshot(t *testing.T) {
	writer := &fakeWriter{}
	emitter := NewEmitter(writer, metric.NewMetric("test"), nil, time.Nanosecond)

	time.Sleep(time.Millisecond)
	require.NoError(t, emitter.Record(record("public", "users", message.InsertOp, 10), LSNBookmark(10)))

	require.Len(t, writer.states, 1)
	assert.Contains(t, writer.states[0], "public.users")
}

func TestFinalAlwaysSnapshots(t *testing.T) {
	writer := &fakeWriter{}
	emitter := NewEmitter(writer, metric.NewMetric("test"), nil, time.Hour)

	emitter.Advance("public.users", OrderingBookmark(7))
	require.NoError(t, emitter.Final())

	require.Len(t, writer.states, 1)
	require.NotNil(t, writer.states[0]["public.users"].OrderingCheckpoint)
	assert.Equal(t, int64(7), *writer.states[0]["public.users"].OrderingCheckpoint)
}

func TestBookmarkIsZero(t *testing.T) {
	assert.True(t, Bookmark{}.IsZero())
	assert.False(t, LSNBookmark(0).IsZero())
	assert.False(t, KeyBookmark("id", 1).IsZero())
	assert.False(t, OrderingBookmark(0).IsZero())
}
