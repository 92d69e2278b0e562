package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vantagehq/vantage/pkg/verrors"
)

func TestWhereBuilderWindow(t *testing.T) {
	b := &whereBuilder{}
	b.addWindow(Window{StartNanos: 10, EndNanos: 20, Field: TimeFieldEvent}, "start_unix_nanos", "")
	require.Equal(t, "start_unix_nanos >= $1 AND start_unix_nanos < $2", b.sql())
	require.Equal(t, []any{int64(10), int64(20)}, b.args)
}

func TestWhereBuilderTimeFieldSelection(t *testing.T) {
	b := &whereBuilder{}
	b.addWindow(Window{StartNanos: 1, EndNanos: 2, Field: TimeFieldDB}, "start_unix_nanos", "")
	require.Contains(t, b.sql(), "db_time_unix_nanos >= $1")

	b = &whereBuilder{}
	b.addWindow(Window{StartNanos: 1, EndNanos: 2, Field: TimeFieldObserved}, "l.time_unix_nanos", "l.observed_unix_nanos")
	require.Contains(t, b.sql(), "l.observed_unix_nanos >= $1")

	// Signals without an observed timestamp fall back to event time.
	b = &whereBuilder{}
	b.addWindow(Window{StartNanos: 1, EndNanos: 2, Field: TimeFieldObserved}, "start_unix_nanos", "")
	require.Contains(t, b.sql(), "start_unix_nanos >= $1")
}

func TestWhereBuilderFilters(t *testing.T) {
	b := &whereBuilder{}
	err := b.addFilters([]Filter{
		{Field: "service_name", Op: OpEq, Value: "api"},
		{Field: "duration_ns", Op: OpGte, Value: "1000"},
		{Field: "name", Op: OpContains, Value: "GET"},
		{Field: "attr.http.method", Op: OpEq, Value: "POST"},
	}, spanFields, "attrs")
	require.NoError(t, err)

	sql := b.sql()
	require.Contains(t, sql, "service_name = $1")
	require.Contains(t, sql, "(end_unix_nanos - start_unix_nanos) >= $2")
	require.Contains(t, sql, "position($3 in name) > 0")
	require.Contains(t, sql, "(attrs ->> 'http.method') = $4")
	require.Equal(t, []any{"api", int64(1000), "GET", "POST"}, b.args)
}

func TestWhereBuilderRejectsUnknownField(t *testing.T) {
	b := &whereBuilder{}
	err := b.addFilters([]Filter{{Field: "bogus", Op: OpEq, Value: "x"}}, spanFields, "attrs")
	require.Error(t, err)
	require.Equal(t, verrors.KindInvalid, verrors.KindOf(err))
}

func TestWhereBuilderRejectsBadRegex(t *testing.T) {
	b := &whereBuilder{}
	err := b.addFilters([]Filter{{Field: "name", Op: OpRegex, Value: "("}}, spanFields, "attrs")
	require.Error(t, err)
	require.Equal(t, verrors.KindInvalid, verrors.KindOf(err))
}

func TestWhereBuilderRejectsNonIntegerOnIntField(t *testing.T) {
	b := &whereBuilder{}
	err := b.addFilters([]Filter{{Field: "duration_ns", Op: OpGt, Value: "fast"}}, spanFields, "attrs")
	require.Error(t, err)
	require.Equal(t, verrors.KindInvalid, verrors.KindOf(err))
}

func TestWhereBuilderQuotesAttributeKeys(t *testing.T) {
	b := &whereBuilder{}
	err := b.addFilters([]Filter{{Field: "attr.it's", Op: OpEq, Value: "v"}}, spanFields, "attrs")
	require.NoError(t, err)
	require.Contains(t, b.sql(), "(attrs ->> 'it''s')")
}

func TestWindowValidate(t *testing.T) {
	require.Error(t, Window{StartNanos: 5, EndNanos: 5}.Validate())
	require.Error(t, Window{StartNanos: 9, EndNanos: 2}.Validate())
	require.NoError(t, Window{StartNanos: 2, EndNanos: 9}.Validate())
}

func TestPageLimit(t *testing.T) {
	require.Equal(t, 20, Page{}.limit())
	require.Equal(t, 50, Page{Limit: 50}.limit())
	require.Equal(t, MaxPageLimit, Page{Limit: 5000}.limit())
}

func TestTrimPage(t *testing.T) {
	items, more := trimPage([]int{1, 2, 3, 4}, 3)
	require.Equal(t, []int{1, 2, 3}, items)
	require.True(t, more)

	items, more = trimPage([]int{1, 2}, 3)
	require.Equal(t, []int{1, 2}, items)
	require.False(t, more)
}
