// Package model holds the canonical telemetry model: dimension entities
// deduplicated by fingerprint and append-only fact entities referencing
// them. OTLP decoders in pkg/otlp produce these types; the store persists
// them.
package model

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
)

// TraceID is a 16 byte trace identifier. The zero value means absent.
type TraceID [16]byte

// SpanID is an 8 byte span identifier. The zero value means absent.
type SpanID [8]byte

func (t TraceID) IsZero() bool   { return t == TraceID{} }
func (t TraceID) String() string { return hex.EncodeToString(t[:]) }
func (s SpanID) IsZero() bool    { return s == SpanID{} }
func (s SpanID) String() string  { return hex.EncodeToString(s[:]) }

// TraceIDFromHex parses a lowercase or uppercase hex trace id, left-padding
// short input the way the wire protocols allow.
func TraceIDFromHex(s string) (TraceID, error) {
	var id TraceID
	if err := idFromHex(id[:], s); err != nil {
		return TraceID{}, err
	}
	return id, nil
}

// SpanIDFromHex parses an 8 byte hex span id.
func SpanIDFromHex(s string) (SpanID, error) {
	var id SpanID
	if err := idFromHex(id[:], s); err != nil {
		return SpanID{}, err
	}
	return id, nil
}

func idFromHex(dst []byte, s string) error {
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) > len(dst) {
		return errIDTooLong
	}
	copy(dst[len(dst)-len(raw):], raw)
	return nil
}

type idLenError string

func (e idLenError) Error() string { return string(e) }

const errIDTooLong = idLenError("id longer than its fixed width")

// SpanKind mirrors the OTLP span kinds.
type SpanKind int

const (
	SpanKindUnspecified SpanKind = iota
	SpanKindInternal
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

func (k SpanKind) String() string {
	switch k {
	case SpanKindInternal:
		return "internal"
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	case SpanKindProducer:
		return "producer"
	case SpanKindConsumer:
		return "consumer"
	default:
		return "unspecified"
	}
}

// ParseSpanKind is the inverse of SpanKind.String. Unknown names map to
// SpanKindUnspecified.
func ParseSpanKind(s string) SpanKind {
	switch s {
	case "internal":
		return SpanKindInternal
	case "server":
		return SpanKindServer
	case "client":
		return SpanKindClient
	case "producer":
		return SpanKindProducer
	case "consumer":
		return SpanKindConsumer
	default:
		return SpanKindUnspecified
	}
}

// StatusCode mirrors the OTLP span status codes.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// Resource is the dimension describing the producing entity.
type Resource struct {
	Attributes Attributes
	fp         Fingerprint
}

// NewResource normalizes attrs into a Resource.
func NewResource(attrs Attributes) Resource {
	return Resource{Attributes: attrs, fp: FingerprintAttributes(attrs)}
}

func (r Resource) Fingerprint() Fingerprint { return r.fp }

// ServiceName returns service.name, or empty when the resource has none.
func (r Resource) ServiceName() string {
	s, _ := r.Attributes.Get("service.name")
	return s
}

// ServiceNamespace returns service.namespace or empty.
func (r Resource) ServiceNamespace() string {
	s, _ := r.Attributes.Get("service.namespace")
	return s
}

// Scope is the OTLP instrumentation scope dimension.
type Scope struct {
	Name       string
	Version    string
	Attributes Attributes
}

// Fingerprint hashes the scope identity: name, version and attributes.
func (s Scope) Fingerprint() Fingerprint {
	buf := appendLenPrefixed(nil, []byte(s.Name))
	buf = appendLenPrefixed(buf, []byte(s.Version))
	buf = s.Attributes.appendCanonical(buf)
	return fingerprintBytes(buf)
}

// MetricKind enumerates metric payload shapes.
type MetricKind int

const (
	MetricKindGauge MetricKind = iota
	MetricKindSum
	MetricKindHistogram
	MetricKindExponentialHistogram
	MetricKindSummary
)

func (k MetricKind) String() string {
	switch k {
	case MetricKindGauge:
		return "gauge"
	case MetricKindSum:
		return "sum"
	case MetricKindHistogram:
		return "histogram"
	case MetricKindExponentialHistogram:
		return "exponential_histogram"
	case MetricKindSummary:
		return "summary"
	}
	return "gauge"
}

// Temporality enumerates aggregation temporalities.
type Temporality int

const (
	TemporalityUnspecified Temporality = iota
	TemporalityDelta
	TemporalityCumulative
)

func (t Temporality) String() string {
	switch t {
	case TemporalityDelta:
		return "delta"
	case TemporalityCumulative:
		return "cumulative"
	}
	return "unspecified"
}

// MetricDescriptor is the fingerprinted metric identity dimension.
type MetricDescriptor struct {
	Name        string
	Description string
	Unit        string
	Kind        MetricKind
	Temporality Temporality
	Monotonic   bool
}

// Fingerprint hashes the descriptor identity. Description is excluded: two
// producers disagreeing on help text still describe the same metric.
func (d MetricDescriptor) Fingerprint() Fingerprint {
	buf := appendLenPrefixed(nil, []byte(d.Name))
	buf = appendLenPrefixed(buf, []byte(d.Unit))
	buf = append(buf, byte(d.Kind), byte(d.Temporality))
	if d.Monotonic {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return fingerprintBytes(buf)
}

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	TimeUnixNanos uint64     `json:"time_unix_nano"`
	Name          string     `json:"name"`
	Attributes    Attributes `json:"attributes,omitempty"`
}

// SpanLink points at another span.
type SpanLink struct {
	TraceID    string     `json:"trace_id"`
	SpanID     string     `json:"span_id"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Span is the trace fact entity.
type Span struct {
	TraceID        TraceID
	SpanID         SpanID
	ParentSpanID   SpanID // zero means root candidate
	Name           string
	Kind           SpanKind
	StartUnixNanos uint64
	EndUnixNanos   uint64
	StatusCode     StatusCode
	StatusMessage  string
	Resource       Resource
	Scope          Scope
	Attributes     Attributes
	Events         []SpanEvent
	Links          []SpanLink
}

// DurationNanos is derived, never stored independently.
func (s *Span) DurationNanos() uint64 {
	if s.EndUnixNanos < s.StartUnixNanos {
		return 0
	}
	return s.EndUnixNanos - s.StartUnixNanos
}

// IsRootCandidate reports whether the span can be chosen as its trace's
// root: no parent and a kind that can begin a request.
func (s *Span) IsRootCandidate() bool {
	if !s.ParentSpanID.IsZero() {
		return false
	}
	switch s.Kind {
	case SpanKindServer, SpanKindConsumer, SpanKindInternal:
		return true
	}
	return false
}

// ChooseRoot picks exactly one root span index for a trace, or -1 for an
// empty slice. Candidates win over non-candidates; ties break on earliest
// start, then lowest span id.
func ChooseRoot(spans []Span) int {
	best := -1
	bestCandidate := false
	for i := range spans {
		cand := spans[i].IsRootCandidate()
		switch {
		case best == -1:
		case cand && !bestCandidate:
		case cand == bestCandidate && spans[i].StartUnixNanos < spans[best].StartUnixNanos:
		case cand == bestCandidate && spans[i].StartUnixNanos == spans[best].StartUnixNanos &&
			bytes.Compare(spans[i].SpanID[:], spans[best].SpanID[:]) < 0:
		default:
			continue
		}
		best = i
		bestCandidate = cand
	}
	return best
}

// LogRecord is the log fact entity.
type LogRecord struct {
	TimeUnixNanos         uint64
	ObservedTimeUnixNanos uint64
	SeverityNumber        int32 // clamped to 0..24
	SeverityText          string
	Body                  Value
	TraceID               TraceID // optional
	SpanID                SpanID  // optional
	Resource              Resource
	Scope                 Scope
	Attributes            Attributes
}

// Fingerprint is the log idempotency key: timestamp, resource, body and
// attributes.
func (l *LogRecord) Fingerprint() Fingerprint {
	buf := binary.LittleEndian.AppendUint64(nil, l.TimeUnixNanos)
	rf := l.Resource.Fingerprint()
	buf = binary.LittleEndian.AppendUint64(buf, rf.Hi)
	buf = binary.LittleEndian.AppendUint64(buf, rf.Lo)
	buf = l.Body.appendCanonical(buf)
	buf = l.Attributes.appendCanonical(buf)
	return fingerprintBytes(buf)
}

// HistogramPayload carries explicit-bucket histogram data.
type HistogramPayload struct {
	Count        uint64    `json:"count"`
	Sum          float64   `json:"sum"`
	HasSum       bool      `json:"has_sum"`
	Bounds       []float64 `json:"bounds,omitempty"`
	BucketCounts []uint64  `json:"bucket_counts,omitempty"`
}

// ExponentialBuckets is one side of an exponential histogram.
type ExponentialBuckets struct {
	Offset int32    `json:"offset"`
	Counts []uint64 `json:"counts,omitempty"`
}

// ExponentialHistogramPayload carries exponential histogram data.
type ExponentialHistogramPayload struct {
	Count     uint64             `json:"count"`
	Sum       float64            `json:"sum"`
	HasSum    bool               `json:"has_sum"`
	Scale     int32              `json:"scale"`
	ZeroCount uint64             `json:"zero_count"`
	Positive  ExponentialBuckets `json:"positive"`
	Negative  ExponentialBuckets `json:"negative"`
}

// SummaryQuantile is one quantile of a summary point.
type SummaryQuantile struct {
	Quantile float64 `json:"quantile"`
	Value    float64 `json:"value"`
}

// SummaryPayload carries summary data.
type SummaryPayload struct {
	Count     uint64            `json:"count"`
	Sum       float64           `json:"sum"`
	Quantiles []SummaryQuantile `json:"quantiles,omitempty"`
}

// MetricPoint is the metric fact entity. Exactly one payload field is set
// according to Descriptor.Kind; gauge and sum use Value.
type MetricPoint struct {
	Descriptor         MetricDescriptor
	Resource           Resource
	Scope              Scope
	TimeUnixNanos      uint64
	StartTimeUnixNanos uint64
	Attributes         Attributes

	Value                float64
	Histogram            *HistogramPayload
	ExponentialHistogram *ExponentialHistogramPayload
	Summary              *SummaryPayload
}

// Fingerprint is the metric point idempotency key: descriptor, resource,
// scope, time and attributes.
func (p *MetricPoint) Fingerprint() Fingerprint {
	buf := make([]byte, 0, 64)
	for _, f := range []Fingerprint{
		p.Descriptor.Fingerprint(),
		p.Resource.Fingerprint(),
		p.Scope.Fingerprint(),
	} {
		buf = binary.LittleEndian.AppendUint64(buf, f.Hi)
		buf = binary.LittleEndian.AppendUint64(buf, f.Lo)
	}
	buf = binary.LittleEndian.AppendUint64(buf, p.TimeUnixNanos)
	buf = p.Attributes.appendCanonical(buf)
	return fingerprintBytes(buf)
}

// Batch groups facts that must commit atomically.
type Batch struct {
	Spans  []Span
	Logs   []LogRecord
	Points []MetricPoint
}

// Empty reports whether the batch carries no facts.
func (b *Batch) Empty() bool {
	return len(b.Spans) == 0 && len(b.Logs) == 0 && len(b.Points) == 0
}

// Len is the total fact count.
func (b *Batch) Len() int {
	return len(b.Spans) + len(b.Logs) + len(b.Points)
}
