package replication

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vskurikhin/go-pg-sync/config"
	"github.com/vskurikhin/go-pg-sync/decode"
	"github.com/vskurikhin/go-pg-sync/internal/metric"
	"github.com/vskurikhin/go-pg-sync/logger"
	"github.com/vskurikhin/go-pg-sync/pq"
	"github.com/vskurikhin/go-pg-sync/pq/connmgr"
	"github.com/vskurikhin/go-pg-sync/pq/message"
	"github.com/vskurikhin/go-pg-sync/state"
)

func TestMain(m *testing.M) {
	logger.InitLogger(logger.NewSlog(slog.LevelError))
	m.Run()
}

type captureWriter struct {
	records []*message.ChangeRecord
	states  []map[string]state.Bookmark
}

func (w *captureWriter) Record(record *message.ChangeRecord) error {
	w.records = append(w.records, record)
	return nil
}

func (w *captureWriter) State(bookmarks map[string]state.Bookmark) error {
	w.states = append(w.states, bookmarks)
	return nil
}

func testConsumer(cfg config.Config) (*Consumer, *captureWriter) {
	return testConsumerWithMode(cfg, false)
}

func testConsumerWithMode(cfg config.Config, permissive bool) (*Consumer, *captureWriter) {
	cfg.SetDefault()

	manager := connmgr.NewManager(func(identity pq.TargetIdentity) string { return "" })
	caps := connmgr.NewCapabilities(manager)
	m := metric.NewMetric("test")
	dec := decode.NewDecoder(manager, caps, m, pq.TargetIdentity{Host: "db", Port: 5432, Database: "app"}, permissive)

	writer := &captureWriter{}
	em := state.NewEmitter(writer, m, nil, time.Hour)

	return NewConsumer(nil, cfg, m, dec, em, nil, 0, time.Now()), writer
}

func TestStopReasonPriority(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	// Caught-up wins over every other exceeded condition.
	c, _ := testConsumer(config.Config{Logical: config.LogicalConfig{BreakAtEndLSN: true, MaxPollSeconds: 1, MaxRunSeconds: 1}})
	c.flushed = 200
	c.runStart = time.Now().Add(-time.Minute)
	assert.Equal(t, StopCaughtUp, c.stopReason(cancelled, time.Now().Add(-time.Minute), pq.LSN(100)))

	// Not caught up: the poll window is checked next.
	c, _ = testConsumer(config.Config{Logical: config.LogicalConfig{BreakAtEndLSN: true, MaxPollSeconds: 1, MaxRunSeconds: 1}})
	c.flushed = 50
	c.runStart = time.Now().Add(-time.Minute)
	assert.Equal(t, StopPollWindow, c.stopReason(cancelled, time.Now().Add(-time.Minute), pq.LSN(100)))

	// Poll window still open: the run ceiling applies.
	c, _ = testConsumer(config.Config{Logical: config.LogicalConfig{MaxPollSeconds: 3600, MaxRunSeconds: 1}})
	c.runStart = time.Now().Add(-time.Minute)
	assert.Equal(t, StopRunCeiling, c.stopReason(cancelled, time.Now(), pq.LSN(100)))

	// Only the context is done.
	c, _ = testConsumer(config.Config{})
	assert.Equal(t, StopCancelled, c.stopReason(cancelled, time.Now(), pq.LSN(100)))

	// Nothing exceeded: keep streaming.
	c, _ = testConsumer(config.Config{})
	assert.Equal(t, StopReason(""), c.stopReason(context.Background(), time.Now(), pq.LSN(100)))
}

func TestStopReasonIgnoresEndLSNWithoutBreakFlag(t *testing.T) {
	c, _ := testConsumer(config.Config{})
	c.flushed = 200
	assert.Equal(t, StopReason(""), c.stopReason(context.Background(), time.Now(), pq.LSN(100)))
}

func TestMaybeKeepaliveCadence(t *testing.T) {
	c, _ := testConsumer(config.Config{Logical: config.LogicalConfig{PollIntervalSeconds: 10}})
	c.flushed = 42

	var sent []pq.LSN
	c.sendStatus = func(ctx context.Context, lsn pq.LSN) error {
		sent = append(sent, lsn)
		return nil
	}

	c.lastStatusAt = time.Now()
	require.NoError(t, c.maybeKeepalive(context.Background()))
	assert.Empty(t, sent)

	c.lastStatusAt = time.Now().Add(-time.Minute)
	require.NoError(t, c.maybeKeepalive(context.Background()))
	require.Len(t, sent, 1)
	assert.Equal(t, pq.LSN(42), sent[0])
	assert.WithinDuration(t, time.Now(), c.lastStatusAt, time.Second)

	// The cadence clock was just reset.
	require.NoError(t, c.maybeKeepalive(context.Background()))
	assert.Len(t, sent, 1)
}

func keepaliveData(walEnd pq.LSN, replyRequested bool) []byte {
	data := []byte{message.PrimaryKeepaliveMessageByteID}
	data = AppendUint64(data, uint64(walEnd))
	data = AppendUint64(data, timeToPgTime(time.Now()))
	if replyRequested {
		return append(data, 1)
	}
	return append(data, 0)
}

func TestHandleKeepaliveAdvancesFlushed(t *testing.T) {
	c, _ := testConsumer(config.Config{})
	c.flushed = 10

	var sent []pq.LSN
	c.sendStatus = func(ctx context.Context, lsn pq.LSN) error {
		sent = append(sent, lsn)
		return nil
	}

	err := c.handleMessage(context.Background(), &pgproto3.CopyData{Data: keepaliveData(500, false)})
	require.NoError(t, err)
	assert.Equal(t, pq.LSN(500), c.flushed)
	assert.Empty(t, sent)

	err = c.handleMessage(context.Background(), &pgproto3.CopyData{Data: keepaliveData(600, true)})
	require.NoError(t, err)
	assert.Equal(t, pq.LSN(600), c.flushed)
	require.Len(t, sent, 1)
	assert.Equal(t, pq.LSN(600), sent[0])
}

func TestHandleKeepaliveNeverRewindsFlushed(t *testing.T) {
	c, _ := testConsumer(config.Config{})
	c.flushed = 900

	err := c.handleMessage(context.Background(), &pgproto3.CopyData{Data: keepaliveData(500, false)})
	require.NoError(t, err)
	assert.Equal(t, pq.LSN(900), c.flushed)
}

func xlogData(walStart pq.LSN, payload string) []byte {
	data := []byte{message.XLogDataByteID}
	data = AppendUint64(data, uint64(walStart))
	data = AppendUint64(data, uint64(walStart))
	data = AppendUint64(data, timeToPgTime(time.Now()))
	return append(data, []byte(payload)...)
}

func TestHandleXLogDataEmitsRecords(t *testing.T) {
	c, writer := testConsumer(config.Config{})

	payload := `{"change":[{"kind":"insert","schema":"public","table":"users","columnnames":["id"],"columntypes":["integer"],"columnvalues":[7]}]}`
	err := c.handleMessage(context.Background(), &pgproto3.CopyData{Data: xlogData(1000, payload)})
	require.NoError(t, err)

	require.Len(t, writer.records, 1)
	assert.Equal(t, "public.users", writer.records[0].StreamID())
	assert.Equal(t, pq.LSN(1000), writer.records[0].Position)
	assert.Equal(t, pq.LSN(1000), c.flushed)

	b, ok := c.emitter.Bookmark("public.users")
	require.True(t, ok)
	assert.Equal(t, pq.LSN(1000), *b.LSN)
}

func TestHandleXLogDataSkipsMalformedPayload(t *testing.T) {
	c, writer := testConsumer(config.Config{})

	err := c.handleMessage(context.Background(), &pgproto3.CopyData{Data: xlogData(1000, "not json")})
	require.NoError(t, err)
	assert.Empty(t, writer.records)
	assert.Equal(t, pq.LSN(0), c.flushed)
}

func TestHandleXLogDataBadValueFailsRun(t *testing.T) {
	c, writer := testConsumer(config.Config{})

	payload := `{"change":[{"kind":"insert","schema":"public","table":"users","columnnames":["tags"],"columntypes":["integer[]"],"columnvalues":["{abc}"]}]}`
	err := c.handleMessage(context.Background(), &pgproto3.CopyData{Data: xlogData(1000, payload)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tags")
	assert.Contains(t, err.Error(), "abc")

	// Nothing was emitted and the failed position is not acknowledged.
	assert.Empty(t, writer.records)
	assert.Equal(t, pq.LSN(0), c.flushed)
}

func TestHandleXLogDataPermissiveNullsBadValue(t *testing.T) {
	c, writer := testConsumerWithMode(config.Config{}, true)

	payload := `{"change":[{"kind":"insert","schema":"public","table":"users","columnnames":["tags"],"columntypes":["integer[]"],"columnvalues":["{abc}"]}]}`
	err := c.handleMessage(context.Background(), &pgproto3.CopyData{Data: xlogData(1000, payload)})
	require.NoError(t, err)

	require.Len(t, writer.records, 1)
	assert.Equal(t, []any{nil}, writer.records[0].Values["tags"])
	assert.Equal(t, pq.LSN(1000), c.flushed)
}

func TestFlushPrior(t *testing.T) {
	c, _ := testConsumer(config.Config{})

	var sent []pq.LSN
	c.sendStatus = func(ctx context.Context, lsn pq.LSN) error {
		sent = append(sent, lsn)
		return nil
	}

	// A fresh slot has nothing to acknowledge.
	require.NoError(t, c.flushPrior(context.Background()))
	assert.Empty(t, sent)

	c.startLSN = 123
	require.NoError(t, c.flushPrior(context.Background()))
	assert.Equal(t, []pq.LSN{123}, sent)
}

func TestHandleXLogDataShortHeaderIsFatal(t *testing.T) {
	c, _ := testConsumer(config.Config{})

	err := c.handleMessage(context.Background(), &pgproto3.CopyData{Data: []byte{message.XLogDataByteID, 0, 0}})
	assert.Error(t, err)
}

func TestHandleEmptyCopyData(t *testing.T) {
	c, _ := testConsumer(config.Config{})

	err := c.handleMessage(context.Background(), &pgproto3.CopyData{Data: nil})
	assert.Error(t, err)
}

func TestHandleErrorResponse(t *testing.T) {
	c, _ := testConsumer(config.Config{})

	err := c.handleMessage(context.Background(), &pgproto3.ErrorResponse{Code: "55006", Message: "slot is active"})
	require.Error(t, err)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "55006", pgErr.Code)
}

func TestHandleUnexpectedMessage(t *testing.T) {
	c, _ := testConsumer(config.Config{})

	err := c.handleMessage(context.Background(), &pgproto3.NoticeResponse{})
	assert.NoError(t, err)
}
