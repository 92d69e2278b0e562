package otlp

import (
	"go.opentelemetry.io/collector/pdata/pmetric"

	"github.com/vantagehq/vantage/pkg/model"
)

// MetricsResult is the outcome of decoding one metric export.
type MetricsResult struct {
	Points   []model.MetricPoint
	Rejected int // data points with an empty payload
}

// Metrics converts a pdata metric payload into model points, one per data
// point, each carrying its descriptor.
func (n Normalizer) Metrics(md pmetric.Metrics) MetricsResult {
	var res MetricsResult
	rms := md.ResourceMetrics()
	for i := 0; i < rms.Len(); i++ {
		rm := rms.At(i)
		resource := convertResource(rm.Resource().Attributes())
		sms := rm.ScopeMetrics()
		for j := 0; j < sms.Len(); j++ {
			sm := sms.At(j)
			scope := convertScope(sm.Scope())
			metrics := sm.Metrics()
			for k := 0; k < metrics.Len(); k++ {
				n.convertMetric(metrics.At(k), resource, scope, &res)
			}
		}
	}
	return res
}

func (n Normalizer) convertMetric(m pmetric.Metric, resource model.Resource, scope model.Scope, res *MetricsResult) {
	desc := model.MetricDescriptor{
		Name:        m.Name(),
		Description: m.Description(),
		Unit:        m.Unit(),
	}

	base := func(attrs model.Attributes, ts, start uint64) model.MetricPoint {
		p := model.MetricPoint{
			Descriptor:         desc,
			Resource:           resource,
			Scope:              scope,
			TimeUnixNanos:      ts,
			StartTimeUnixNanos: start,
			Attributes:         attrs,
		}
		n.truncateAttrs(p.Attributes)
		return p
	}

	switch m.Type() {
	case pmetric.MetricTypeGauge:
		desc.Kind = model.MetricKindGauge
		dps := m.Gauge().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			p := base(convertAttributes(dp.Attributes()), uint64(dp.Timestamp()), uint64(dp.StartTimestamp()))
			p.Value = numberValue(dp)
			res.Points = append(res.Points, p)
		}

	case pmetric.MetricTypeSum:
		sum := m.Sum()
		desc.Kind = model.MetricKindSum
		desc.Temporality = convertTemporality(sum.AggregationTemporality())
		desc.Monotonic = sum.IsMonotonic()
		dps := sum.DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			p := base(convertAttributes(dp.Attributes()), uint64(dp.Timestamp()), uint64(dp.StartTimestamp()))
			p.Value = numberValue(dp)
			res.Points = append(res.Points, p)
		}

	case pmetric.MetricTypeHistogram:
		hist := m.Histogram()
		desc.Kind = model.MetricKindHistogram
		desc.Temporality = convertTemporality(hist.AggregationTemporality())
		dps := hist.DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			p := base(convertAttributes(dp.Attributes()), uint64(dp.Timestamp()), uint64(dp.StartTimestamp()))
			p.Histogram = &model.HistogramPayload{
				Count:        dp.Count(),
				Sum:          dp.Sum(),
				HasSum:       dp.HasSum(),
				Bounds:       dp.ExplicitBounds().AsRaw(),
				BucketCounts: dp.BucketCounts().AsRaw(),
			}
			res.Points = append(res.Points, p)
		}

	case pmetric.MetricTypeExponentialHistogram:
		hist := m.ExponentialHistogram()
		desc.Kind = model.MetricKindExponentialHistogram
		desc.Temporality = convertTemporality(hist.AggregationTemporality())
		dps := hist.DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			p := base(convertAttributes(dp.Attributes()), uint64(dp.Timestamp()), uint64(dp.StartTimestamp()))
			p.ExponentialHistogram = &model.ExponentialHistogramPayload{
				Count:     dp.Count(),
				Sum:       dp.Sum(),
				HasSum:    dp.HasSum(),
				Scale:     dp.Scale(),
				ZeroCount: dp.ZeroCount(),
				Positive: model.ExponentialBuckets{
					Offset: dp.Positive().Offset(),
					Counts: dp.Positive().BucketCounts().AsRaw(),
				},
				Negative: model.ExponentialBuckets{
					Offset: dp.Negative().Offset(),
					Counts: dp.Negative().BucketCounts().AsRaw(),
				},
			}
			res.Points = append(res.Points, p)
		}

	case pmetric.MetricTypeSummary:
		desc.Kind = model.MetricKindSummary
		dps := m.Summary().DataPoints()
		for i := 0; i < dps.Len(); i++ {
			dp := dps.At(i)
			p := base(convertAttributes(dp.Attributes()), uint64(dp.Timestamp()), uint64(dp.StartTimestamp()))
			payload := &model.SummaryPayload{
				Count: dp.Count(),
				Sum:   dp.Sum(),
			}
			qs := dp.QuantileValues()
			for q := 0; q < qs.Len(); q++ {
				payload.Quantiles = append(payload.Quantiles, model.SummaryQuantile{
					Quantile: qs.At(q).Quantile(),
					Value:    qs.At(q).Value(),
				})
			}
			p.Summary = payload
			res.Points = append(res.Points, p)
		}

	default:
		// empty metric: nothing to persist
		res.Rejected += 1
	}
}

func numberValue(dp pmetric.NumberDataPoint) float64 {
	if dp.ValueType() == pmetric.NumberDataPointValueTypeInt {
		return float64(dp.IntValue())
	}
	return dp.DoubleValue()
}

func convertTemporality(t pmetric.AggregationTemporality) model.Temporality {
	switch t {
	case pmetric.AggregationTemporalityDelta:
		return model.TemporalityDelta
	case pmetric.AggregationTemporalityCumulative:
		return model.TemporalityCumulative
	default:
		return model.TemporalityUnspecified
	}
}
