package replication

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/vskurikhin/go-pg-sync/pq"
)

const microSecFromUnixEpochToY2K = 946684800 * 1000000

const StandbyStatusUpdateByteID = 'r'

type XLogData struct {
	WALStart     pq.LSN
	ServerWALEnd pq.LSN
	ServerTime   time.Time
	WALData      []byte
}

// ParseXLogData decodes the fixed 'w' message header. A short header means
// message boundaries cannot be determined and is fatal for the stream.
func ParseXLogData(buf []byte) (XLogData, error) {
	var xld XLogData
	if len(buf) < 24 {
		return xld, errors.Newf("XLogData must be at least 24 bytes, got %d", len(buf))
	}

	xld.WALStart = pq.LSN(binary.BigEndian.Uint64(buf))
	xld.ServerWALEnd = pq.LSN(binary.BigEndian.Uint64(buf[8:]))
	xld.ServerTime = pgTimeToTime(int64(binary.BigEndian.Uint64(buf[16:])))
	xld.WALData = buf[24:]

	return xld, nil
}

// PrimaryKeepalive is the 'k' message sent by the primary: its current WAL
// end, send-time clock, and whether an immediate reply is requested.
type PrimaryKeepalive struct {
	ServerWALEnd   pq.LSN
	ServerTime     time.Time
	ReplyRequested bool
}

func ParsePrimaryKeepalive(buf []byte) (PrimaryKeepalive, error) {
	var pk PrimaryKeepalive
	if len(buf) != 17 {
		return pk, errors.Newf("primary keepalive message length must be 17 bytes, got %d", len(buf))
	}

	pk.ServerWALEnd = pq.LSN(binary.BigEndian.Uint64(buf))
	pk.ServerTime = pgTimeToTime(int64(binary.BigEndian.Uint64(buf[8:])))
	pk.ReplyRequested = buf[16] != 0

	return pk, nil
}

// SendStandbyStatusUpdate acknowledges walWritePosition to the source. This
// is both the liveness keepalive and the WAL-reclamation signal.
func SendStandbyStatusUpdate(_ context.Context, conn pq.Connection, walWritePosition uint64) error {
	data := make([]byte, 0, 34)
	data = append(data, StandbyStatusUpdateByteID)
	data = AppendUint64(data, walWritePosition)
	data = AppendUint64(data, walWritePosition)
	data = AppendUint64(data, walWritePosition)
	data = AppendUint64(data, timeToPgTime(time.Now()))
	data = append(data, 0)

	cd := &pgproto3.CopyData{Data: data}
	buf, err := cd.Encode(nil)
	if err != nil {
		return err
	}

	return conn.Frontend().SendUnbufferedEncodedCopyData(buf)
}

func AppendUint64(buf []byte, n uint64) []byte {
	wp := len(buf)
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint64(buf[wp:], n)
	return buf
}

func timeToPgTime(t time.Time) uint64 {
	return uint64(t.Unix()*1000000 + int64(t.Nanosecond())/1000 - microSecFromUnixEpochToY2K)
}

func pgTimeToTime(microSecSinceY2K int64) time.Time {
	return time.Unix(0, microSecFromUnixEpochToY2K+microSecSinceY2K*1000).UTC()
}
