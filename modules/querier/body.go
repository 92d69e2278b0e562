package querier

import (
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/vantagehq/vantage/pkg/verrors"
)

// maxRequestBody bounds a read API POST body.
const maxRequestBody = 1 << 20

func decodeJSONBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return verrors.E(verrors.KindInvalid, "reading request body", err)
	}
	if len(body) == 0 {
		return verrors.E(verrors.KindInvalid, "request body is required")
	}
	if err := jsoniter.Unmarshal(body, v); err != nil {
		return verrors.E(verrors.KindInvalid, "malformed request body", err)
	}
	return nil
}
