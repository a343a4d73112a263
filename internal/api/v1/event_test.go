package v1

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFields_GetMissingReturnsUnit(t *testing.T) {
	e := NewEvent(2)
	e.Set("status", Int(200))

	for _, name := range []string{"nonexistent", "", "STATUS", "status.code"} {
		got := e.Get(name)
		require.True(t, got.IsUnit(), "field %q", name)
	}

	var nilFields *Fields
	require.True(t, nilFields.Get("x").IsUnit())
}

func TestFields_SetPreservesPositionOnOverwrite(t *testing.T) {
	e := NewEvent(3)
	e.Set("a", Int(1))
	e.Set("b", Int(2))
	e.Set("c", Int(3))

	e.Set("a", String("one"))
	e.Set("d", Bool(true))

	require.Equal(t, []string{"a", "b", "c", "d"}, e.Keys())
	s, ok := e.Get("a").Str()
	require.True(t, ok)
	require.Equal(t, "one", s)
}

func TestFields_DeleteAndUnitStore(t *testing.T) {
	e := NewEvent(3)
	e.Set("a", Int(1))
	e.Set("b", Null())
	e.Set("c", Int(3))

	e.Delete("a")
	require.Equal(t, []string{"b", "c"}, e.Keys())
	require.True(t, e.Has("b"), "null is a stored state")
	require.True(t, e.Get("b").IsNull())

	e.Set("c", Unit())
	require.Equal(t, []string{"b"}, e.Keys())

	e.Delete("missing")
	require.Equal(t, 1, e.Len())

	e.Set("z", Int(26))
	require.Equal(t, []string{"b", "z"}, e.Keys())
	v, _ := e.Get("z").Int()
	require.Equal(t, int64(26), v)
}

func TestEvent_CloneIsDeep(t *testing.T) {
	inner := NewFields(1)
	inner.Set("id", Int(7))
	e := NewEvent(2)
	e.Set("user", Map(inner))
	e.Set("tags", Array(String("x")))
	ts := time.Date(2026, 2, 11, 10, 35, 42, 0, time.UTC)
	e.Timestamp = &ts

	c := e.Clone()
	require.True(t, c.Equal(e))

	inner.Set("id", Int(8))
	m, _ := c.Get("user").Map()
	id, _ := m.Get("id").Int()
	require.Equal(t, int64(7), id)
	require.False(t, c.Equal(e))
	require.Equal(t, ts, *c.Timestamp)
}

func TestFieldsFromNative_RestoresOrder(t *testing.T) {
	hint := NewFields(3)
	hint.Set("z", Int(1))
	hint.Set("a", Int(2))
	hint.Set("m", Int(3))

	native := hint.ToNative()
	delete(native, "a")
	native["new2"] = "x"
	native["new1"] = 1.5
	native["z"] = 10

	got, err := FieldsFromNative(native, hint)
	require.NoError(t, err)
	require.Equal(t, []string{"z", "m", "new1", "new2"}, got.Keys())
	z, _ := got.Get("z").Int()
	require.Equal(t, int64(10), z)
	f, ok := got.Get("new1").Float()
	require.True(t, ok)
	require.Equal(t, 1.5, f)
}

func TestFromNative(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    Value
		wantErr bool
	}{
		{name: "nil is null", in: nil, want: Null()},
		{name: "int", in: 5, want: Int(5)},
		{name: "int64", in: int64(-3), want: Int(-3)},
		{name: "float", in: 2.5, want: Float(2.5)},
		{name: "bool", in: true, want: Bool(true)},
		{name: "string", in: "hi", want: String("hi")},
		{name: "array", in: []any{1, "a"}, want: Array(Int(1), String("a"))},
		{name: "unsupported", in: struct{}{}, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FromNative(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.True(t, tc.want.Equal(got), "want=%s got=%s", tc.want, got)
		})
	}
}

func TestPromote(t *testing.T) {
	e := NewEvent(3)
	e.Set("ts", String("2026-02-11T10:35:42Z"))
	e.Set("lvl", String("ERROR"))
	e.Set("msg", String("disk full"))

	Promote(e)

	require.NotNil(t, e.Timestamp)
	require.Equal(t, time.Date(2026, 2, 11, 10, 35, 42, 0, time.UTC), *e.Timestamp)
	require.Equal(t, "ERROR", e.Level)
	require.Equal(t, "disk full", e.Message)
	require.Equal(t, []string{"ts", "lvl", "msg"}, e.Keys(), "promoted fields stay visible")
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want time.Time
		ok   bool
	}{
		{name: "rfc3339", in: String("2026-02-11T10:35:42Z"), want: time.Date(2026, 2, 11, 10, 35, 42, 0, time.UTC), ok: true},
		{name: "space layout", in: String("2026-02-11 10:35:42"), want: time.Date(2026, 2, 11, 10, 35, 42, 0, time.UTC), ok: true},
		{name: "epoch seconds", in: Int(1770806142), want: time.Unix(1770806142, 0).UTC(), ok: true},
		{name: "epoch millis", in: Int(1770806142000), want: time.UnixMilli(1770806142000).UTC(), ok: true},
		{name: "garbage", in: String("yesterday"), ok: false},
		{name: "unit", in: Unit(), ok: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseTimestamp(tc.in)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.True(t, tc.want.Equal(got), "want=%s got=%s", tc.want, got)
			}
		})
	}
}
