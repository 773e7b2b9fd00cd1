package decode

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"strings"
	"sync/atomic"

	"github.com/go-playground/errors"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq"
	"github.com/vskurikhin/go-pg-sync/internal/metric"
	"github.com/vskurikhin/go-pg-sync/logger"
	pgsync "github.com/vskurikhin/go-pg-sync/pq"
	"github.com/vskurikhin/go-pg-sync/pq/connmgr"
)

var typeMap = pgtype.NewMap()

// fastPathTypes maps declared element type names to pgtype registry names.
// Values of any element type listed here decode without a round trip.
var fastPathTypes = map[string]string{
	"smallint":                    "int2",
	"integer":                     "int4",
	"bigint":                      "int8",
	"oid":                         "oid",
	"numeric":                     "numeric",
	"real":                        "float4",
	"double precision":            "float8",
	"boolean":                     "bool",
	"text":                        "text",
	"character varying":           "varchar",
	"character":                   "bpchar",
	"name":                        "name",
	"uuid":                        "uuid",
	"date":                        "date",
	"timestamp without time zone": "timestamp",
	"timestamp with time zone":    "timestamptz",
	"time without time zone":      "time",
}

var ErrHStoreUnavailable = goerrors.New("hstore extension is not installed on the source")

// ValueError reports one composite value that could not be decoded in strict
// mode. Callers use the type to tell a bad value apart from a malformed
// payload: a bad value fails the owning row, a malformed payload does not
// parse at all.
type ValueError struct {
	Err    error
	Column string
	Value  string
}

func (e *ValueError) Error() string {
	if e.Value == "" {
		return "decode column " + e.Column + ": " + e.Err.Error()
	}
	return "decode column " + e.Column + " value " + e.Value + ": " + e.Err.Error()
}

func (e *ValueError) Unwrap() error {
	return e.Err
}

// Decoder converts textual composite column values (arrays, hstore maps)
// into structured values. Simple element types parse locally; anything else
// is cast by the source database over the single cached connection owned by
// the connection manager.
type Decoder struct {
	metric          metric.Metric
	cast            func(ctx context.Context, sql string, raw string) (string, error)
	hstoreAvailable func(ctx context.Context) (bool, error)
	slowCalls       atomic.Int64
	permissive      bool
}

func NewDecoder(manager *connmgr.Manager, caps *connmgr.Capabilities, m metric.Metric, identity pgsync.TargetIdentity, permissive bool) *Decoder {
	d := &Decoder{
		metric:     m,
		permissive: permissive,
	}
	d.cast = func(ctx context.Context, sql string, raw string) (string, error) {
		conn, err := manager.Acquire(ctx, identity)
		if err != nil {
			return "", err
		}

		reader := conn.ExecParams(ctx, sql, [][]byte{[]byte(raw)})
		result := reader.Read()
		if result.Err != nil {
			if conn.IsClosed() {
				manager.Invalidate(ctx)
			}
			return "", result.Err
		}
		if len(result.Rows) != 1 || len(result.Rows[0]) != 1 {
			return "", errors.New("cast query returned unexpected shape")
		}
		return string(result.Rows[0][0]), nil
	}
	d.hstoreAvailable = func(ctx context.Context) (bool, error) {
		return caps.HStoreAvailable(ctx, identity)
	}
	return d
}

// IsComposite reports whether the declared column type is handled by this
// subsystem at all.
func IsComposite(columnType string) bool {
	return strings.HasSuffix(columnType, "[]") || columnType == "hstore"
}

// DecodeValue decodes one composite column value. A nil raw value decodes to
// nil without any work. The column name only feeds error context.
func (d *Decoder) DecodeValue(ctx context.Context, column string, raw *string, columnType string) (any, error) {
	if raw == nil {
		return nil, nil
	}

	switch {
	case strings.HasSuffix(columnType, "[]"):
		return d.decodeArray(ctx, column, *raw, columnType)
	case columnType == "hstore":
		return d.decodeHStore(ctx, column, *raw)
	default:
		return nil, errors.Newf("column %q: type %q is not a composite type", column, columnType)
	}
}

// SlowRoundTrips reports how many database-assisted casts have run.
func (d *Decoder) SlowRoundTrips() int64 {
	return d.slowCalls.Load()
}

func (d *Decoder) decodeArray(ctx context.Context, column, raw, columnType string) (any, error) {
	elemType := strings.TrimSuffix(columnType, "[]")

	pgName, fast := fastPathTypes[elemType]
	if !fast {
		return d.castArray(ctx, column, raw, columnType)
	}

	elems, err := ParseArrayLiteral(raw)
	if goerrors.Is(err, ErrNestedArray) {
		return d.castArray(ctx, column, raw, columnType)
	}
	if err != nil {
		return nil, d.fail(column, raw, err)
	}

	dt, ok := typeMap.TypeForName(pgName)
	if !ok {
		return d.castArray(ctx, column, raw, columnType)
	}

	decoded := make([]any, len(elems))
	for i, elem := range elems {
		if elem == nil {
			continue
		}

		val, err := dt.Codec.DecodeValue(typeMap, dt.OID, pgtype.TextFormatCode, []byte(*elem))
		if err != nil {
			if d.permissive {
				logger.Warn("nulling undecodable array element", "column", column, "value", *elem, "type", elemType)
				continue
			}
			return nil, d.fail(column, *elem, err)
		}
		decoded[i] = val
	}

	return decoded, nil
}

func (d *Decoder) castArray(ctx context.Context, column, raw, columnType string) (any, error) {
	sql := "SELECT array_to_json(($1::text)::" + quoteArrayType(columnType) + ")::text"

	out, err := d.castValue(ctx, column, raw, sql)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}

	var decoded []any
	if err = json.Unmarshal([]byte(*out), &decoded); err != nil {
		return nil, d.fail(column, raw, err)
	}

	return decoded, nil
}

func (d *Decoder) decodeHStore(ctx context.Context, column, raw string) (any, error) {
	available, err := d.hstoreAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if !available {
		return nil, &ValueError{Column: column, Err: ErrHStoreUnavailable}
	}

	out, err := d.castValue(ctx, column, raw, "SELECT hstore_to_json(($1::text)::hstore)::text")
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}

	var decoded map[string]any
	if err = json.Unmarshal([]byte(*out), &decoded); err != nil {
		return nil, d.fail(column, raw, err)
	}

	return decoded, nil
}

// castValue runs one database-assisted cast for one value. Returns nil when
// permissive mode swallowed a cast failure.
func (d *Decoder) castValue(ctx context.Context, column, raw, sql string) (*string, error) {
	d.slowCalls.Add(1)
	d.metric.SlowCastIncrement()

	out, err := d.cast(ctx, sql, raw)
	if err != nil {
		if d.permissive {
			logger.Warn("nulling uncastable value", "column", column, "value", raw, "error", err)
			return nil, nil
		}
		return nil, d.fail(column, raw, err)
	}

	return &out, nil
}

func (d *Decoder) fail(column, raw string, err error) error {
	return &ValueError{Column: column, Value: raw, Err: err}
}

func quoteArrayType(columnType string) string {
	elem := strings.TrimSuffix(columnType, "[]")
	if strings.ContainsAny(elem, `"';`) {
		return pq.QuoteIdentifier(elem) + "[]"
	}
	return columnType
}
