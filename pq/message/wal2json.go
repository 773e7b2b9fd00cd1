package message

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"time"

	"github.com/go-playground/errors"
	"github.com/vskurikhin/go-pg-sync/decode"
	"github.com/vskurikhin/go-pg-sync/pq"
)

const (
	XLogDataByteID                = 'w'
	PrimaryKeepaliveMessageByteID = 'k'
)

// walMessage mirrors one wal2json (format version 1) transaction payload.
// A single payload batches every row change committed by the transaction.
type walMessage struct {
	Timestamp string      `json:"timestamp"`
	Change    []walChange `json:"change"`
	XID       uint32      `json:"xid"`
}

type walChange struct {
	Kind         string            `json:"kind"`
	Schema       string            `json:"schema"`
	Table        string            `json:"table"`
	ColumnNames  []string          `json:"columnnames"`
	ColumnTypes  []string          `json:"columntypes"`
	ColumnValues []json.RawMessage `json:"columnvalues"`
	OldKeys      *walOldKeys       `json:"oldkeys"`
}

type walOldKeys struct {
	KeyNames  []string          `json:"keynames"`
	KeyTypes  []string          `json:"keytypes"`
	KeyValues []json.RawMessage `json:"keyvalues"`
}

// ParseWAL decodes one wal2json payload into zero or more change records.
// Composite column values are delegated to the type decoding subsystem.
func ParseWAL(ctx context.Context, data []byte, pos pq.LSN, serverTime time.Time, dec *decode.Decoder) ([]*ChangeRecord, error) {
	var msg walMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "wal2json payload parse")
	}

	records := make([]*ChangeRecord, 0, len(msg.Change))
	for _, change := range msg.Change {
		record, err := parseChange(ctx, &change, pos, serverTime, dec)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, nil
}

func parseChange(ctx context.Context, change *walChange, pos pq.LSN, serverTime time.Time, dec *decode.Decoder) (*ChangeRecord, error) {
	var op Operation
	switch change.Kind {
	case "insert":
		op = InsertOp
	case "update":
		op = UpdateOp
	case "delete":
		op = DeleteOp
	default:
		return nil, errors.Newf("unsupported change kind %q", change.Kind)
	}

	values, err := decodeColumns(ctx, change.ColumnNames, change.ColumnTypes, change.ColumnValues, dec)
	if err != nil {
		return nil, relationError(err, change.Schema+"."+change.Table)
	}

	var oldKeys map[string]any
	if change.OldKeys != nil {
		oldKeys, err = decodeColumns(ctx, change.OldKeys.KeyNames, change.OldKeys.KeyTypes, change.OldKeys.KeyValues, dec)
		if err != nil {
			return nil, relationError(err, change.Schema+"."+change.Table+" old keys")
		}
	}

	return &ChangeRecord{
		Namespace:   change.Schema,
		Table:       change.Table,
		Operation:   op,
		Values:      values,
		OldKeys:     oldKeys,
		Position:    pos,
		MessageTime: serverTime,
	}, nil
}

// relationError adds relation context to a parse failure. A ValueError stays
// unwrapped so the consumer can still tell a bad value from a malformed
// payload.
func relationError(err error, relation string) error {
	var valueErr *decode.ValueError
	if goerrors.As(err, &valueErr) {
		return err
	}
	return errors.Wrap(err, relation)
}

func decodeColumns(ctx context.Context, names, types []string, rawValues []json.RawMessage, dec *decode.Decoder) (map[string]any, error) {
	if len(names) != len(types) || len(names) != len(rawValues) {
		return nil, errors.Newf("column name/type/value arity mismatch: %d/%d/%d", len(names), len(types), len(rawValues))
	}

	values := make(map[string]any, len(names))
	for i, name := range names {
		columnType := types[i]
		raw := rawValues[i]

		if decode.IsComposite(columnType) {
			var text *string
			if err := json.Unmarshal(raw, &text); err != nil {
				return nil, errors.Wrap(err, "composite column "+name)
			}

			val, err := dec.DecodeValue(ctx, name, text, columnType)
			if err != nil {
				return nil, err
			}
			values[name] = val
			continue
		}

		var val any
		if err := json.Unmarshal(raw, &val); err != nil {
			return nil, errors.Wrap(err, "column "+name)
		}
		values[name] = val
	}

	return values, nil
}
