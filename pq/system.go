package pq

import (
	"context"
	"strconv"
	"sync"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

// IdentifySystemResult carries the server identity and the WAL flush position
// observed at connect time. xLogPos doubles as the "caught up" boundary when
// the run is configured to stop once it reaches the position seen at start.
type IdentifySystemResult struct {
	mu       *sync.RWMutex
	SystemID string
	Database string
	xLogPos  LSN
	Timeline int32
}

func IdentifySystem(ctx context.Context, conn Connection) (IdentifySystemResult, error) {
	res, err := ParseIdentifySystem(conn.Exec(ctx, "IDENTIFY_SYSTEM"))
	if err != nil {
		return IdentifySystemResult{}, errors.Wrap(err, "identify system command execute")
	}
	return res, nil
}

func ParseIdentifySystem(mrr *pgconn.MultiResultReader) (IdentifySystemResult, error) {
	var isr IdentifySystemResult
	results, err := mrr.ReadAll()
	if err != nil {
		return isr, err
	}

	if len(results) != 1 {
		return isr, errors.Newf("expected 1 result set, got %d", len(results))
	}

	result := results[0]
	if len(result.Rows) != 1 {
		return isr, errors.Newf("expected 1 result row, got %d", len(result.Rows))
	}

	row := result.Rows[0]
	if len(row) != 4 {
		return isr, errors.Newf("expected 4 result columns, got %d", len(row))
	}

	isr.SystemID = string(row[0])
	timeline, err := strconv.ParseInt(string(row[1]), 10, 32)
	if err != nil {
		return isr, errors.Wrap(err, "parse timeline")
	}
	isr.Timeline = int32(timeline)

	isr.xLogPos, err = ParseLSN(string(row[2]))
	if err != nil {
		return isr, errors.Wrap(err, "parse xlogpos as LSN")
	}

	isr.Database = string(row[3])

	isr.mu = &sync.RWMutex{}
	return isr, nil
}

func (isr *IdentifySystemResult) LoadXLogPos() LSN {
	isr.mu.RLock()
	defer isr.mu.RUnlock()
	return isr.xLogPos
}

func (isr *IdentifySystemResult) UpdateXLogPos(l LSN) {
	isr.mu.Lock()
	defer isr.mu.Unlock()
	if isr.xLogPos < l {
		isr.xLogPos = l
	}
}
