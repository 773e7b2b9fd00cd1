package scan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq"
	"github.com/vskurikhin/go-pg-sync/config"
	"github.com/vskurikhin/go-pg-sync/decode"
	"github.com/vskurikhin/go-pg-sync/internal/metric"
	"github.com/vskurikhin/go-pg-sync/internal/retry"
	"github.com/vskurikhin/go-pg-sync/logger"
	pgsync "github.com/vskurikhin/go-pg-sync/pq"
	"github.com/vskurikhin/go-pg-sync/pq/connmgr"
	"github.com/vskurikhin/go-pg-sync/pq/message"
	"github.com/vskurikhin/go-pg-sync/state"
)

const (
	cursorName = "pgsync_cursor"
	// orderingColumn is the synthetic ordering key added to ordered
	// full-table scans so a resumed scan continues exactly where it left
	// off.
	orderingColumn = "_sync_xmin"
)

var typeMap = pgtype.NewMap()

// Scanner drives full-table and incremental sync through a server-side named
// cursor on the single connection owned by the connection manager.
type Scanner struct {
	manager  *connmgr.Manager
	cfg      config.Config
	metric   metric.Metric
	decoder  *decode.Decoder
	emitter  *state.Emitter
	identity pgsync.TargetIdentity
}

func NewScanner(manager *connmgr.Manager, cfg config.Config, m metric.Metric, dec *decode.Decoder, em *state.Emitter) *Scanner {
	return &Scanner{
		manager:  manager,
		cfg:      cfg,
		metric:   m,
		decoder:  dec,
		emitter:  em,
		identity: cfg.ScanIdentity(),
	}
}

// Sync runs one stream to completion. A failed batch fetch is retried once
// by reopening the cursor from the last persisted checkpoint; in fast mode
// the retry rescans from the start. Failure here is fatal for this stream
// only.
func (s *Scanner) Sync(ctx context.Context, stream Stream) error {
	retryConfig := retry.OnErrorConfig[struct{}](2, func(err error) bool { return err == nil })
	_, err := retryConfig.Do(func() (struct{}, error) {
		if err := s.syncOnce(ctx, stream); err != nil {
			logger.Error("scan pass failed", "stream", stream.ID(), "error", err)
			s.manager.Invalidate(ctx)
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	if err != nil {
		return errors.Wrap(err, "scan stream "+stream.ID())
	}
	return nil
}

func (s *Scanner) syncOnce(ctx context.Context, stream Stream) error {
	conn, err := s.manager.Acquire(ctx, s.identity)
	if err != nil {
		return err
	}

	ordered := stream.Mode == FullTable && !s.cfg.Scan.FastSync

	if stream.Mode == FullTable && s.cfg.Scan.FastSync {
		// Fast mode is not resumable; a stale checkpoint must not survive.
		s.emitter.Clear(stream.ID())
	}

	selectSQL, err := s.buildSelect(stream)
	if err != nil {
		return err
	}

	var setup strings.Builder
	setup.WriteString("BEGIN;")
	if ordered && s.cfg.Scan.WorkMem != "" {
		// The ordering sort runs server-side; without an explicit budget it
		// relies on the server default and risks spilling to disk.
		fmt.Fprintf(&setup, " SET LOCAL work_mem = %s;", pq.QuoteLiteral(s.cfg.Scan.WorkMem))
	}
	fmt.Fprintf(&setup, " DECLARE %s CURSOR FOR %s;", cursorName, selectSQL)

	if err = execAll(ctx, conn, setup.String()); err != nil {
		return errors.Wrap(err, "open cursor")
	}

	logger.Info("cursor opened", "stream", stream.ID(), "ordered", ordered, "batchSize", s.cfg.Scan.BatchSize)

	defer func() {
		if cerr := execAll(context.Background(), conn, fmt.Sprintf("CLOSE %s; COMMIT;", cursorName)); cerr != nil {
			logger.Warn("close cursor", "stream", stream.ID(), "error", cerr)
		}
	}()

	fetchSQL := fmt.Sprintf("FETCH FORWARD %d FROM %s;", s.cfg.Scan.BatchSize, cursorName)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		results, err := conn.Exec(ctx, fetchSQL).ReadAll()
		if err != nil {
			return errors.Wrap(err, "fetch batch")
		}

		latency := time.Since(start)
		s.metric.SetBatchFetchLatency(latency.Nanoseconds())

		if len(results) == 0 || len(results[0].Rows) == 0 {
			return nil
		}

		result := results[0]
		if err = s.emitBatch(ctx, stream, result); err != nil {
			return err
		}

		rows := len(result.Rows)
		s.metric.ScanRowIncrement(int64(rows))
		logger.Debug("batch fetched", "stream", stream.ID(), "rows", rows,
			"latency", latency.String(), "rowsPerSec", float64(rows)/latency.Seconds())

		if rows < s.cfg.Scan.BatchSize {
			return nil
		}
	}
}

// buildSelect renders the cursor query for the stream's mode, embedding the
// resume predicate from the current bookmark.
func (s *Scanner) buildSelect(stream Stream) (string, error) {
	table := pq.QuoteIdentifier(stream.Namespace) + "." + pq.QuoteIdentifier(stream.Name)

	switch stream.Mode {
	case Incremental:
		if stream.ReplicationKey == "" {
			return "", errors.New("incremental stream requires a replication key")
		}

		key := pq.QuoteIdentifier(stream.ReplicationKey)
		sql := fmt.Sprintf("SELECT * FROM %s", table)
		if b, ok := s.emitter.Bookmark(stream.ID()); ok && b.ReplicationKeyValue != nil {
			sql += fmt.Sprintf(" WHERE %s > %s", key, literal(b.ReplicationKeyValue))
		}
		return sql + fmt.Sprintf(" ORDER BY %s ASC", key), nil

	case FullTable:
		if s.cfg.Scan.FastSync {
			return fmt.Sprintf("SELECT * FROM %s", table), nil
		}

		sql := fmt.Sprintf("SELECT *, xmin::text::bigint AS %s FROM %s", orderingColumn, table)
		if b, ok := s.emitter.Bookmark(stream.ID()); ok && b.OrderingCheckpoint != nil {
			sql += fmt.Sprintf(" WHERE xmin::text::bigint >= %d", *b.OrderingCheckpoint)
		}
		return sql + " ORDER BY xmin::text::bigint ASC", nil

	default:
		return "", errors.Newf("stream %s: mode %q is not cursor-scannable", stream.ID(), stream.Mode)
	}
}

// emitBatch decodes and emits one fetched batch, then persists the batch
// checkpoint. Fast mode persists nothing.
func (s *Scanner) emitBatch(ctx context.Context, stream Stream, result *pgconn.Result) error {
	var bookmark state.Bookmark
	now := time.Now().UTC()

	for _, row := range result.Rows {
		values := make(map[string]any, len(result.FieldDescriptions))
		var checkpoint *int64

		for i, fd := range result.FieldDescriptions {
			val, err := s.decodeColumn(ctx, stream, fd, row[i])
			if err != nil {
				return err
			}

			if fd.Name == orderingColumn {
				if v, ok := val.(int64); ok {
					checkpoint = &v
				}
				continue
			}
			values[fd.Name] = val
		}

		record := &message.ChangeRecord{
			Namespace:   stream.Namespace,
			Table:       stream.Name,
			Operation:   message.InsertOp,
			Values:      values,
			MessageTime: now,
		}

		// Per-record bookmarks stay zero; the checkpoint advances once per
		// batch, after the batch fully emitted.
		if err := s.emitter.Record(record, state.Bookmark{}); err != nil {
			return err
		}

		switch {
		case stream.Mode == Incremental:
			if v, ok := values[stream.ReplicationKey]; ok && v != nil {
				bookmark = state.KeyBookmark(stream.ReplicationKey, v)
			}
		case checkpoint != nil:
			bookmark = state.OrderingBookmark(*checkpoint)
		}
	}

	if !bookmark.IsZero() {
		s.emitter.Advance(stream.ID(), bookmark)
	}

	return nil
}

func (s *Scanner) decodeColumn(ctx context.Context, stream Stream, fd pgconn.FieldDescription, data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}

	if columnType, ok := stream.ColumnTypes[fd.Name]; ok && decode.IsComposite(columnType) {
		raw := string(data)
		return s.decoder.DecodeValue(ctx, fd.Name, &raw, columnType)
	}

	if dt, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
		return dt.Codec.DecodeValue(typeMap, fd.DataTypeOID, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}

func execAll(ctx context.Context, conn pgsync.Connection, sql string) error {
	_, err := conn.Exec(ctx, sql).ReadAll()
	return err
}

// literal renders a bookmark value as a SQL literal for the resume
// predicate. Cursor declarations run over the simple query protocol, which
// takes no bind parameters.
func literal(v any) string {
	switch val := v.(type) {
	case string:
		return pq.QuoteLiteral(val)
	case time.Time:
		return pq.QuoteLiteral(val.Format("2006-01-02 15:04:05.999999-07"))
	case []byte:
		return pq.QuoteLiteral(string(val))
	default:
		return fmt.Sprintf("%v", val)
	}
}
