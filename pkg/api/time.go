package api

import (
	"strconv"
	"time"

	"github.com/vantagehq/vantage/pkg/model"
	"github.com/vantagehq/vantage/pkg/verrors"
)

// jsonTime accepts both wire forms of a timestamp: an integer of
// nanoseconds since epoch (v2 surface) or an RFC3339 string (legacy
// surface).
type jsonTime struct {
	Nanos int64
}

func (t jsonTime) IsZero() bool { return t.Nanos == 0 }

func (t jsonTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(t.Nanos, 10)), nil
}

func (t *jsonTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Nanos = n
		return nil
	}
	unquoted, err := strconv.Unquote(s)
	if err != nil {
		return verrors.E(verrors.KindInvalid, "invalid timestamp %s", s)
	}
	parsed, err := time.Parse(time.RFC3339Nano, unquoted)
	if err != nil {
		return verrors.E(verrors.KindInvalid, "invalid timestamp %q", unquoted, err)
	}
	t.Nanos = parsed.UnixNano()
	return nil
}

// ParseHexTraceID normalizes a caller-supplied trace id to the canonical
// 32-character lowercase hex used on the wire and in filters.
func ParseHexTraceID(s string) (string, error) {
	id, err := model.TraceIDFromHex(s)
	if err != nil {
		return "", verrors.E(verrors.KindInvalid, "invalid trace_id %q", s, err)
	}
	return id.String(), nil
}
