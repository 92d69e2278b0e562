package api

import (
	"encoding/base64"

	jsoniter "github.com/json-iterator/go"

	"github.com/vantagehq/vantage/pkg/verrors"
)

// Cursor is the opaque continuation token for keyset pagination. It encodes
// the sort value and id of the last row the caller saw, so a page boundary
// stays stable while new rows keep arriving.
type Cursor struct {
	Sort int64  `json:"s"`
	ID   string `json:"id"`
}

// EncodeCursor renders the token as URL-safe base64 JSON.
func EncodeCursor(c Cursor) string {
	b, _ := jsoniter.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(s string) (Cursor, error) {
	var c Cursor
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, verrors.E(verrors.KindInvalid, "malformed cursor", err)
	}
	if err := jsoniter.Unmarshal(b, &c); err != nil {
		return c, verrors.E(verrors.KindInvalid, "malformed cursor", err)
	}
	return c, nil
}
