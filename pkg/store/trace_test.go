package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssembleTrace(t *testing.T) {
	spans := []SpanResult{
		{
			TraceID: "0102", SpanID: "aaaaaaaaaaaaaaaa", ParentSpanID: "bbbbbbbbbbbbbbbb",
			Name: "child", Kind: "client", ServiceName: "web",
			StartUnixNanos: 150, EndUnixNanos: 300, StatusCode: "error",
		},
		{
			TraceID: "0102", SpanID: "bbbbbbbbbbbbbbbb",
			Name: "GET /", Kind: "server", ServiceName: "web",
			StartUnixNanos: 100, EndUnixNanos: 400, StatusCode: "ok",
		},
	}

	d := assembleTrace("0102", spans)
	require.Equal(t, "0102", d.TraceID)
	require.Equal(t, 2, d.SpanCount)
	require.Equal(t, 1, d.ErrorCount)
	require.EqualValues(t, 100, d.StartUnixNanos)
	require.EqualValues(t, 300, d.DurationNanos)
	require.InDelta(t, 3e-7, d.DurationSeconds, 1e-12)
	require.Equal(t, "web", d.RootServiceName)
	require.Equal(t, "GET /", d.RootSpanName)
}

func TestAssembleTraceNoCandidateFallsBackToEarliest(t *testing.T) {
	// Every span has a parent pointing outside the fetched set.
	spans := []SpanResult{
		{SpanID: "aaaaaaaaaaaaaaaa", ParentSpanID: "ffffffffffffffff", Name: "late", Kind: "client",
			ServiceName: "svc-b", StartUnixNanos: 200, EndUnixNanos: 250, StatusCode: "unset"},
		{SpanID: "bbbbbbbbbbbbbbbb", ParentSpanID: "ffffffffffffffff", Name: "early", Kind: "client",
			ServiceName: "svc-a", StartUnixNanos: 100, EndUnixNanos: 150, StatusCode: "unset"},
	}

	d := assembleTrace("0102", spans)
	require.Equal(t, "early", d.RootSpanName)
	require.Equal(t, "svc-a", d.RootServiceName)
}
