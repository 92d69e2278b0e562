package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vantagehq/vantage/pkg/verrors"
)

// TimeField selects which timestamp participates in the window predicate.
type TimeField string

const (
	// TimeFieldEvent is the originating timestamp.
	TimeFieldEvent TimeField = "event"
	// TimeFieldDB is the ingest timestamp.
	TimeFieldDB TimeField = "db"
	// TimeFieldObserved is the collector-observed timestamp. Signals
	// without one fall back to the event timestamp.
	TimeFieldObserved TimeField = "observed"
)

// Window is a half-open time range [Start, End) over the selected field.
type Window struct {
	StartNanos int64
	EndNanos   int64
	Field      TimeField
}

// Validate rejects inverted windows.
func (w Window) Validate() error {
	if w.EndNanos <= w.StartNanos {
		return verrors.E(verrors.KindInvalid, "window start %d must be before end %d", w.StartNanos, w.EndNanos)
	}
	return nil
}

// Op is a filter operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpContains Op = "contains"
	OpRegex    Op = "regex"
)

// Filter is one predicate; a query ANDs all of its filters.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value string `json:"value"`
}

// Page bounds a result page. AfterSort/AfterID implement keyset paging: a
// cursor continues to exclude already-seen keys even when newer rows land.
type Page struct {
	Limit     int
	Offset    int
	AfterSort int64  // sort-column value of the last seen row
	AfterID   string // tiebreak id (hex) of the last seen row
}

// MaxPageLimit caps every search page.
const MaxPageLimit = 1000

func (p Page) limit() int {
	if p.Limit <= 0 {
		return 20
	}
	if p.Limit > MaxPageLimit {
		return MaxPageLimit
	}
	return p.Limit
}

type fieldType int

const (
	fieldText fieldType = iota
	fieldInt
)

type fieldDef struct {
	column string
	typ    fieldType
}

// attrPrefix addresses unpromoted attributes: attr.http.method filters on
// attrs ->> 'http.method'.
const attrPrefix = "attr."

var spanFields = map[string]fieldDef{
	"name":            {"name", fieldText},
	"kind":            {"kind", fieldInt},
	"status_code":     {"status_code", fieldInt},
	"status_message":  {"status_message", fieldText},
	"service_name":    {"service_name", fieldText},
	"trace_id":        {"encode(trace_id, 'hex')", fieldText},
	"span_id":         {"encode(span_id, 'hex')", fieldText},
	"duration_ns":     {"(end_unix_nanos - start_unix_nanos)", fieldInt},
	"start_unix_nano": {"start_unix_nanos", fieldInt},
}

var logFields = map[string]fieldDef{
	"severity_number": {"severity_number", fieldInt},
	"severity_text":   {"severity_text", fieldText},
	"body":            {"body #>> '{}'", fieldText},
	"trace_id":        {"encode(trace_id, 'hex')", fieldText},
	"span_id":         {"encode(span_id, 'hex')", fieldText},
	"service_name":    {"r.service_name", fieldText},
}

// whereBuilder accumulates predicates and positional args.
type whereBuilder struct {
	conds []string
	args  []any
}

func (b *whereBuilder) add(cond string, args ...any) {
	for _, a := range args {
		b.args = append(b.args, a)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(b.args)), 1)
	}
	b.conds = append(b.conds, cond)
}

func (b *whereBuilder) sql() string {
	if len(b.conds) == 0 {
		return "TRUE"
	}
	return strings.Join(b.conds, " AND ")
}

// addWindow appends the window predicate over the signal's column mapping.
func (b *whereBuilder) addWindow(w Window, eventCol, observedCol string) {
	col := eventCol
	switch w.Field {
	case TimeFieldDB:
		col = "db_time_unix_nanos"
	case TimeFieldObserved:
		if observedCol != "" {
			col = observedCol
		}
	}
	b.add(col+" >= ?", w.StartNanos)
	b.add(col+" < ?", w.EndNanos)
}

// addFilters translates the AND-composed filter predicates. Unknown fields
// and uncompilable regexes return Invalid.
func (b *whereBuilder) addFilters(filters []Filter, fields map[string]fieldDef, attrsCol string) error {
	for _, f := range filters {
		def, ok := fields[f.Field]
		if !ok {
			if !strings.HasPrefix(f.Field, attrPrefix) {
				return verrors.E(verrors.KindInvalid, "unknown filter field %q", f.Field)
			}
			key := strings.TrimPrefix(f.Field, attrPrefix)
			def = fieldDef{column: fmt.Sprintf("(%s ->> %s)", attrsCol, quoteLiteral(key)), typ: fieldText}
		}

		switch f.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
			op := map[Op]string{OpEq: "=", OpNe: "<>", OpGt: ">", OpGte: ">=", OpLt: "<", OpLte: "<="}[f.Op]
			if def.typ == fieldInt {
				n, err := strconv.ParseInt(f.Value, 10, 64)
				if err != nil {
					return verrors.E(verrors.KindInvalid, "filter %s expects an integer: %q", f.Field, f.Value)
				}
				b.add(fmt.Sprintf("%s %s ?", def.column, op), n)
			} else {
				b.add(fmt.Sprintf("%s %s ?", def.column, op), f.Value)
			}
		case OpContains:
			b.add(fmt.Sprintf("position(? in %s) > 0", def.column), f.Value)
		case OpRegex:
			if _, err := regexp.Compile(f.Value); err != nil {
				return verrors.E(verrors.KindInvalid, "invalid regex %q", f.Value, err)
			}
			b.add(fmt.Sprintf("%s ~ ?", def.column), f.Value)
		default:
			return verrors.E(verrors.KindInvalid, "unknown filter operator %q", f.Op)
		}
	}
	return nil
}

// quoteLiteral single-quotes an attribute key for use inside the ->>
// extraction. Keys are data, not SQL, so quoting is enough.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// attrsJSON is the JSON rendering of a stored attribute column.
type attrsJSON = json.RawMessage
