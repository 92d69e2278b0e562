package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vantagehq/vantage/pkg/model"
)

func TestWalkTraceEdges(t *testing.T) {
	// web --client--> api --client--> db
	trace := []mapSpan{
		{spanID: "01", kind: model.SpanKindServer, service: "web", duration: 100},
		{spanID: "02", parentID: "01", kind: model.SpanKindClient, service: "web", duration: 80},
		{spanID: "03", parentID: "02", kind: model.SpanKindServer, service: "api", duration: 70},
		{spanID: "04", parentID: "03", kind: model.SpanKindClient, service: "api", duration: 30},
		{spanID: "05", parentID: "04", kind: model.SpanKindServer, service: "db", duration: 20, isError: true},
	}

	edges := map[edgeKey]*edgeAgg{}
	walkTraceEdges(trace, edges)

	require.Len(t, edges, 2)
	webAPI := edges[edgeKey{caller: "web", callee: "api"}]
	require.NotNil(t, webAPI)
	require.EqualValues(t, 1, webAPI.calls)
	require.EqualValues(t, 0, webAPI.errors)
	require.Equal(t, []float64{80}, webAPI.samples)

	apiDB := edges[edgeKey{caller: "api", callee: "db"}]
	require.NotNil(t, apiDB)
	require.EqualValues(t, 1, apiDB.calls)
	require.EqualValues(t, 1, apiDB.errors)
}

func TestWalkTraceEdgesSkipsIntermediateInternal(t *testing.T) {
	// The client ancestor sits two hops above the server span.
	trace := []mapSpan{
		{spanID: "01", kind: model.SpanKindClient, service: "web", duration: 50},
		{spanID: "02", parentID: "01", kind: model.SpanKindInternal, service: "api", duration: 40},
		{spanID: "03", parentID: "02", kind: model.SpanKindServer, service: "api", duration: 30},
	}

	edges := map[edgeKey]*edgeAgg{}
	walkTraceEdges(trace, edges)
	require.Len(t, edges, 1)
	require.NotNil(t, edges[edgeKey{caller: "web", callee: "api"}])
}

func TestWalkTraceEdgesDedupesPerTrace(t *testing.T) {
	// Two calls web→api inside one trace count once.
	trace := []mapSpan{
		{spanID: "01", kind: model.SpanKindClient, service: "web", duration: 10},
		{spanID: "02", parentID: "01", kind: model.SpanKindServer, service: "api", duration: 9},
		{spanID: "03", kind: model.SpanKindClient, service: "web", duration: 12},
		{spanID: "04", parentID: "03", kind: model.SpanKindServer, service: "api", duration: 11},
	}

	edges := map[edgeKey]*edgeAgg{}
	walkTraceEdges(trace, edges)
	require.Len(t, edges, 1)
	require.EqualValues(t, 1, edges[edgeKey{caller: "web", callee: "api"}].calls)
}

func TestWalkTraceEdgesIgnoresSameService(t *testing.T) {
	trace := []mapSpan{
		{spanID: "01", kind: model.SpanKindClient, service: "api", duration: 10},
		{spanID: "02", parentID: "01", kind: model.SpanKindServer, service: "api", duration: 9},
	}

	edges := map[edgeKey]*edgeAgg{}
	walkTraceEdges(trace, edges)
	require.Empty(t, edges)
}

func TestWalkTraceEdgesSurvivesParentCycle(t *testing.T) {
	trace := []mapSpan{
		{spanID: "01", parentID: "02", kind: model.SpanKindServer, service: "api", duration: 10},
		{spanID: "02", parentID: "01", kind: model.SpanKindInternal, service: "api", duration: 9},
	}

	edges := map[edgeKey]*edgeAgg{}
	walkTraceEdges(trace, edges)
	require.Empty(t, edges)
}

func TestEdgeAggSpillsToDigest(t *testing.T) {
	agg := &edgeAgg{}
	for i := 0; i <= serviceMapExactLimit; i++ {
		agg.observe(int64(i), false)
	}
	require.Nil(t, agg.digest)

	agg.observe(1, false)
	require.NotNil(t, agg.digest)
	require.Nil(t, agg.samples)

	p50, p95, p99 := agg.quantiles()
	require.Greater(t, p95, p50)
	require.GreaterOrEqual(t, p99, p95)
}

func TestExactQuantile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	require.Equal(t, float64(25), exactQuantile(sorted, 0.5))
	require.Equal(t, float64(10), exactQuantile(sorted, 0))
	require.Equal(t, float64(40), exactQuantile(sorted, 1))
	require.Equal(t, float64(7), exactQuantile([]float64{7}, 0.99))
}
