package decode

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vskurikhin/go-pg-sync/internal/metric"
	"github.com/vskurikhin/go-pg-sync/logger"
	pgsync "github.com/vskurikhin/go-pg-sync/pq"
	"github.com/vskurikhin/go-pg-sync/pq/connmgr"
)

func TestMain(m *testing.M) {
	logger.InitLogger(logger.NewSlog(slog.LevelError))
	os.Exit(m.Run())
}

func strPtr(s string) *string { return &s }

func newTestDecoder(t *testing.T, permissive bool, cast func(ctx context.Context, sql, raw string) (string, error)) *Decoder {
	t.Helper()

	manager := connmgr.NewManager(func(identity pgsync.TargetIdentity) string { return "" })
	caps := connmgr.NewCapabilities(manager)
	d := NewDecoder(manager, caps, metric.NewMetric("test"), pgsync.TargetIdentity{Host: "db", Port: 5432, Database: "app"}, permissive)
	if cast != nil {
		d.cast = cast
	}
	return d
}

func TestDecoder_FastPathArrays(t *testing.T) {
	ctx := context.Background()
	d := newTestDecoder(t, false, func(_ context.Context, _, _ string) (string, error) {
		t.Fatal("fast-path value must not reach the database")
		return "", nil
	})

	t.Run("integer array", func(t *testing.T) {
		val, err := d.DecodeValue(ctx, "ids", strPtr("{1,2,3}"), "integer[]")
		require.NoError(t, err)
		assert.Equal(t, []any{int32(1), int32(2), int32(3)}, val)
	})

	t.Run("empty array", func(t *testing.T) {
		val, err := d.DecodeValue(ctx, "ids", strPtr("{}"), "integer[]")
		require.NoError(t, err)
		assert.Equal(t, []any{}, val)
	})

	t.Run("null container", func(t *testing.T) {
		val, err := d.DecodeValue(ctx, "ids", nil, "integer[]")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("null element", func(t *testing.T) {
		val, err := d.DecodeValue(ctx, "ids", strPtr("{1,NULL,3}"), "integer[]")
		require.NoError(t, err)
		assert.Equal(t, []any{int32(1), nil, int32(3)}, val)
	})

	t.Run("quoted text elements", func(t *testing.T) {
		val, err := d.DecodeValue(ctx, "tags", strPtr(`{"a b","c\"d",NULL,plain}`), "text[]")
		require.NoError(t, err)
		assert.Equal(t, []any{"a b", `c"d`, nil, "plain"}, val)
	})

	t.Run("quoted NULL string stays a string", func(t *testing.T) {
		val, err := d.DecodeValue(ctx, "tags", strPtr(`{"NULL"}`), "text[]")
		require.NoError(t, err)
		assert.Equal(t, []any{"NULL"}, val)
	})

	t.Run("bigint array", func(t *testing.T) {
		val, err := d.DecodeValue(ctx, "ids", strPtr("{9000000000}"), "bigint[]")
		require.NoError(t, err)
		assert.Equal(t, []any{int64(9000000000)}, val)
	})

	t.Run("boolean array", func(t *testing.T) {
		val, err := d.DecodeValue(ctx, "flags", strPtr("{t,f}"), "boolean[]")
		require.NoError(t, err)
		assert.Equal(t, []any{true, false}, val)
	})

	assert.EqualValues(t, 0, d.SlowRoundTrips())
}

func TestDecoder_SlowPath(t *testing.T) {
	ctx := context.Background()

	t.Run("complex element type takes one round trip per value", func(t *testing.T) {
		casts := 0
		d := newTestDecoder(t, false, func(_ context.Context, sql, raw string) (string, error) {
			casts++
			assert.Contains(t, sql, "array_to_json")
			assert.Equal(t, "{happy,sad}", raw)
			return `["happy","sad"]`, nil
		})

		val, err := d.DecodeValue(ctx, "moods", strPtr("{happy,sad}"), "mood[]")
		require.NoError(t, err)
		assert.Equal(t, []any{"happy", "sad"}, val)
		assert.Equal(t, 1, casts)
		assert.EqualValues(t, 1, d.SlowRoundTrips())
	})

	t.Run("nested array falls back to the database", func(t *testing.T) {
		casts := 0
		d := newTestDecoder(t, false, func(_ context.Context, _, _ string) (string, error) {
			casts++
			return `[[1,2],[3,4]]`, nil
		})

		val, err := d.DecodeValue(ctx, "grid", strPtr("{{1,2},{3,4}}"), "integer[]")
		require.NoError(t, err)
		assert.Equal(t, []any{[]any{float64(1), float64(2)}, []any{float64(3), float64(4)}}, val)
		assert.Equal(t, 1, casts)
	})

	t.Run("null value skips the round trip", func(t *testing.T) {
		d := newTestDecoder(t, false, func(_ context.Context, _, _ string) (string, error) {
			t.Fatal("null value must not reach the database")
			return "", nil
		})

		val, err := d.DecodeValue(ctx, "moods", nil, "mood[]")
		require.NoError(t, err)
		assert.Nil(t, val)
	})
}

func TestDecoder_HStore(t *testing.T) {
	ctx := context.Background()

	t.Run("available extension casts through the database", func(t *testing.T) {
		casts := 0
		d := newTestDecoder(t, false, func(_ context.Context, sql, raw string) (string, error) {
			casts++
			assert.Contains(t, sql, "hstore_to_json")
			assert.Equal(t, `"a"=>"1", "b"=>NULL`, raw)
			return `{"a": "1", "b": null}`, nil
		})
		d.hstoreAvailable = func(_ context.Context) (bool, error) { return true, nil }

		val, err := d.DecodeValue(ctx, "attrs", strPtr(`"a"=>"1", "b"=>NULL`), "hstore")
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": "1", "b": nil}, val)
		assert.Equal(t, 1, casts)
	})

	t.Run("missing extension is an error", func(t *testing.T) {
		d := newTestDecoder(t, false, nil)
		d.hstoreAvailable = func(_ context.Context) (bool, error) { return false, nil }

		_, err := d.DecodeValue(ctx, "attrs", strPtr(`"a"=>"1"`), "hstore")
		require.ErrorIs(t, err, ErrHStoreUnavailable)
	})

	t.Run("null value skips both probe and cast", func(t *testing.T) {
		d := newTestDecoder(t, false, func(_ context.Context, _, _ string) (string, error) {
			t.Fatal("null value must not reach the database")
			return "", nil
		})
		d.hstoreAvailable = func(_ context.Context) (bool, error) {
			t.Fatal("null value must not probe capabilities")
			return false, nil
		}

		val, err := d.DecodeValue(ctx, "attrs", nil, "hstore")
		require.NoError(t, err)
		assert.Nil(t, val)
	})
}

func TestDecoder_Strictness(t *testing.T) {
	ctx := context.Background()

	t.Run("strict mode fails the value with context", func(t *testing.T) {
		d := newTestDecoder(t, false, nil)

		_, err := d.DecodeValue(ctx, "ids", strPtr("{not-a-number}"), "integer[]")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ids")
		assert.Contains(t, err.Error(), "not-a-number")

		var valueErr *ValueError
		require.ErrorAs(t, err, &valueErr)
		assert.Equal(t, "ids", valueErr.Column)
	})

	t.Run("permissive mode nulls the offending element", func(t *testing.T) {
		d := newTestDecoder(t, true, nil)

		val, err := d.DecodeValue(ctx, "ids", strPtr("{1,not-a-number,3}"), "integer[]")
		require.NoError(t, err)
		assert.Equal(t, []any{int32(1), nil, int32(3)}, val)
	})

	t.Run("non-composite type is rejected", func(t *testing.T) {
		d := newTestDecoder(t, false, nil)

		_, err := d.DecodeValue(ctx, "id", strPtr("42"), "integer")
		require.Error(t, err)
	})
}

func TestParseArrayLiteral_Malformed(t *testing.T) {
	for _, src := range []string{"", "1,2,3", "{1,2", `{"unterminated}`} {
		_, err := ParseArrayLiteral(src)
		assert.Error(t, err, "source %q", src)
	}
}

func TestIsComposite(t *testing.T) {
	assert.True(t, IsComposite("integer[]"))
	assert.True(t, IsComposite("hstore"))
	assert.False(t, IsComposite("integer"))
	assert.False(t, IsComposite("jsonb"))
}
