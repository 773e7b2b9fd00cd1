package replication

import (
	"context"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/vskurikhin/go-pg-sync/config"
	"github.com/vskurikhin/go-pg-sync/decode"
	"github.com/vskurikhin/go-pg-sync/internal/metric"
	"github.com/vskurikhin/go-pg-sync/logger"
	"github.com/vskurikhin/go-pg-sync/pq"
	"github.com/vskurikhin/go-pg-sync/pq/message"
	"github.com/vskurikhin/go-pg-sync/pq/slot"
	"github.com/vskurikhin/go-pg-sync/state"
)

const receiveDeadline = 500 * time.Millisecond

const (
	StopCaughtUp   StopReason = "caught_up"
	StopPollWindow StopReason = "poll_window_exceeded"
	StopRunCeiling StopReason = "run_ceiling_exceeded"
	StopCancelled  StopReason = "cancelled"
)

type StopReason string

// Consumer drives log-based sync over one walsender session: slot attach,
// wal2json message decoding, the keepalive/flush protocol and time-bounded
// termination. It runs as a single cooperative loop; keepalive emission and
// message consumption never interleave out of order.
type Consumer struct {
	conn       pq.Connection
	cfg        config.Config
	metric     metric.Metric
	decoder    *decode.Decoder
	emitter    *state.Emitter
	slot       *slot.Slot
	sendStatus func(ctx context.Context, lsn pq.LSN) error

	startLSN     pq.LSN
	flushed      pq.LSN
	runStart     time.Time
	lastStatusAt time.Time
}

// NewConsumer wires a consumer for one run. startLSN is the previously
// persisted bookmark (zero on a fresh slot); runStart anchors the absolute
// run-time ceiling shared with the scan passes.
func NewConsumer(conn pq.Connection, cfg config.Config, m metric.Metric, dec *decode.Decoder, em *state.Emitter, sl *slot.Slot, startLSN pq.LSN, runStart time.Time) *Consumer {
	c := &Consumer{
		conn:     conn,
		cfg:      cfg,
		metric:   m,
		decoder:  dec,
		emitter:  em,
		slot:     sl,
		startLSN: startLSN,
		runStart: runStart,
	}
	c.sendStatus = func(ctx context.Context, lsn pq.LSN) error {
		return SendStandbyStatusUpdate(ctx, c.conn, uint64(lsn))
	}
	return c
}

// Run executes the full consumer lifecycle. It returns nil on every graceful
// stop, including partial progress under an exceeded time budget. Tearing
// down the shared connection manager is the caller's job so it happens on
// error paths too.
func (c *Consumer) Run(ctx context.Context) error {
	info, err := c.slot.Attach(ctx, c.cfg.Slot.CreateIfNotExists)
	if err != nil {
		return err
	}

	c.slot.PublishMetrics(ctx)

	c.flushed = c.startLSN

	endLSN := info.CurrentLSN

	repl := New(c.conn)
	if err = repl.Start(info.Name, c.startLSN); err != nil {
		return err
	}
	if err = repl.Test(ctx); err != nil {
		var pgErr *pgconn.PgError
		if goerrors.As(err, &pgErr) && pgErr.Code == "55006" {
			return errors.Wrap(slot.ErrSlotInUse, pgErr.Message)
		}
		return errors.Wrap(err, "replication start")
	}

	// Acknowledge the prior run's position before consuming anything, so
	// the source can reclaim WAL. This must happen after copy-both mode is
	// confirmed: the server ignores CopyData sent on an idle session.
	if err = c.flushPrior(ctx); err != nil {
		return err
	}

	logger.Info("replication started", "slot", info.Name, "startLSN", c.startLSN.String(), "endLSN", endLSN.String())

	stop, err := c.stream(ctx, endLSN)
	if err != nil {
		return err
	}

	// STOPPING: flush the final position so the bookmark and the source's
	// confirmed position agree. The engine emits the final combined
	// snapshot on every exit path, including this one.
	if err = c.sendStatus(ctx, c.flushed); err != nil {
		logger.Warn("final standby status update", "error", err)
	}

	logger.Info("replication stream stopped", "reason", string(stop), "lsn", c.flushed.String())
	return nil
}

// flushPrior acknowledges the previously persisted position once, at stream
// start. A fresh slot has nothing to flush.
func (c *Consumer) flushPrior(ctx context.Context) error {
	if c.startLSN == 0 {
		return nil
	}

	if err := c.sendStatus(ctx, c.startLSN); err != nil {
		return errors.Wrap(err, "flush previous run position")
	}

	logger.Info("flushed previous run position", "lsn", c.startLSN.String())
	return nil
}

func (c *Consumer) stream(ctx context.Context, endLSN pq.LSN) (StopReason, error) {
	pollStart := time.Now()
	c.lastStatusAt = pollStart

	for {
		if stop := c.stopReason(ctx, pollStart, endLSN); stop != "" {
			return stop, nil
		}

		msgCtx, cancel := context.WithDeadline(context.Background(), time.Now().Add(receiveDeadline))
		rawMsg, err := c.conn.ReceiveMessage(msgCtx)
		cancel()

		if err != nil {
			if !pgconn.Timeout(err) {
				return "", errors.Wrap(err, "receive replication message")
			}
		} else if err = c.handleMessage(ctx, rawMsg); err != nil {
			return "", err
		}

		// Cadence check runs whether or not a message arrived, so a silent
		// source still gets its keepalive before the next read wait.
		if err = c.maybeKeepalive(ctx); err != nil {
			return "", err
		}
	}
}

// stopReason checks the termination conditions in priority order at loop
// iteration boundaries only; in-flight reads are never interrupted.
func (c *Consumer) stopReason(ctx context.Context, pollStart time.Time, endLSN pq.LSN) StopReason {
	if c.cfg.Logical.BreakAtEndLSN && c.flushed >= endLSN {
		return StopCaughtUp
	}

	if max := c.cfg.Logical.MaxPollDuration(); max > 0 && time.Since(pollStart) > max {
		return StopPollWindow
	}

	if max := c.cfg.Logical.MaxRunDuration(); max > 0 && time.Since(c.runStart) > max {
		return StopRunCeiling
	}

	if ctx.Err() != nil {
		return StopCancelled
	}

	return ""
}

func (c *Consumer) handleMessage(ctx context.Context, rawMsg pgproto3.BackendMessage) error {
	if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
		return pgconn.ErrorResponseToPgError(errMsg)
	}

	msg, ok := rawMsg.(*pgproto3.CopyData)
	if !ok {
		logger.Warn(fmt.Sprintf("received unexpected message: %T", rawMsg))
		return nil
	}

	if len(msg.Data) == 0 {
		return errors.New("empty copy data message")
	}

	switch msg.Data[0] {
	case message.PrimaryKeepaliveMessageByteID:
		pk, err := ParsePrimaryKeepalive(msg.Data[1:])
		if err != nil {
			logger.Error("parse primary keepalive", "error", err)
			return nil
		}

		// Everything received so far has been processed, so the server's
		// reported WAL end is safe to acknowledge.
		c.advance(pk.ServerWALEnd)

		if pk.ReplyRequested {
			return c.keepalive(ctx)
		}
	case message.XLogDataByteID:
		xld, err := ParseXLogData(msg.Data[1:])
		if err != nil {
			return errors.Wrap(err, "parse xlog data")
		}
		return c.handleXLogData(ctx, xld)
	}

	return nil
}

func (c *Consumer) handleXLogData(ctx context.Context, xld XLogData) error {
	records, err := message.ParseWAL(ctx, xld.WALData, xld.WALStart, xld.ServerTime, c.decoder)
	if err != nil {
		// A value the decoder refused fails the run; dropping the owning
		// transaction here would lose data silently.
		var valueErr *decode.ValueError
		if goerrors.As(err, &valueErr) {
			return errors.Wrap(err, "decode change record")
		}

		// One malformed payload is skipped; the protocol framing is intact.
		logger.Error("skipping malformed wal payload", "walStart", xld.WALStart.String(), "error", err)
		return nil
	}

	for _, record := range records {
		if err = c.emitter.Record(record, state.LSNBookmark(record.Position)); err != nil {
			return err
		}
	}

	c.metric.SetCDCLatency(time.Now().UTC().Sub(xld.ServerTime).Nanoseconds())
	c.advance(xld.WALStart)

	return nil
}

func (c *Consumer) advance(lsn pq.LSN) {
	if lsn > c.flushed {
		c.flushed = lsn
	}
}

// maybeKeepalive sends a standby status update when the poll interval has
// elapsed since the last one, regardless of message arrival.
func (c *Consumer) maybeKeepalive(ctx context.Context) error {
	if time.Since(c.lastStatusAt) < c.cfg.Logical.PollInterval() {
		return nil
	}
	return c.keepalive(ctx)
}

func (c *Consumer) keepalive(ctx context.Context) error {
	if err := c.sendStatus(ctx, c.flushed); err != nil {
		return errors.Wrap(err, "send standby status update")
	}

	c.lastStatusAt = time.Now()
	c.metric.KeepaliveIncrement()
	logger.Debug("standby status update sent", "lsn", c.flushed.String())

	return nil
}
