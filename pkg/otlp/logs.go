package otlp

import (
	"go.opentelemetry.io/collector/pdata/plog"

	"github.com/vantagehq/vantage/pkg/model"
)

const (
	severityMin = 0
	severityMax = 24

	// attrOriginalSeverity retains an out-of-range severity number.
	attrOriginalSeverity = "log.severity_number.original"
)

// LogsResult is the outcome of decoding one log export.
type LogsResult struct {
	Logs      []model.LogRecord
	Truncated int
}

// Logs converts a pdata log payload into model records. Severity numbers
// outside 0..24 are clamped with the original kept in attributes; a missing
// timestamp falls back to the observed timestamp.
func (n Normalizer) Logs(ld plog.Logs) LogsResult {
	var res LogsResult
	rls := ld.ResourceLogs()
	for i := 0; i < rls.Len(); i++ {
		rl := rls.At(i)
		resource := convertResource(rl.Resource().Attributes())
		sls := rl.ScopeLogs()
		for j := 0; j < sls.Len(); j++ {
			sl := sls.At(j)
			scope := convertScope(sl.Scope())
			recs := sl.LogRecords()
			for k := 0; k < recs.Len(); k++ {
				rec := n.convertLog(recs.At(k), resource, scope)
				if n.truncateAttrs(rec.Attributes) {
					res.Truncated++
				}
				res.Logs = append(res.Logs, rec)
			}
		}
	}
	return res
}

func (n Normalizer) convertLog(lr plog.LogRecord, resource model.Resource, scope model.Scope) model.LogRecord {
	out := model.LogRecord{
		TimeUnixNanos:         uint64(lr.Timestamp()),
		ObservedTimeUnixNanos: uint64(lr.ObservedTimestamp()),
		SeverityText:          lr.SeverityText(),
		Body:                  convertValue(lr.Body()),
		TraceID:               model.TraceID(lr.TraceID()),
		SpanID:                model.SpanID(lr.SpanID()),
		Resource:              resource,
		Scope:                 scope,
		Attributes:            convertAttributes(lr.Attributes()),
	}

	if out.TimeUnixNanos == 0 {
		out.TimeUnixNanos = out.ObservedTimeUnixNanos
	}

	sev := int32(lr.SeverityNumber())
	switch {
	case sev < severityMin:
		out.Attributes[attrOriginalSeverity] = model.IntValue(int64(sev))
		out.SeverityNumber = severityMin
	case sev > severityMax:
		out.Attributes[attrOriginalSeverity] = model.IntValue(int64(sev))
		out.SeverityNumber = severityMax
	default:
		out.SeverityNumber = sev
	}

	return out
}
