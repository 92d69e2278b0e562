package api

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/vantagehq/vantage/pkg/verrors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ListEnvelope wraps every list response.
type ListEnvelope struct {
	Items   any    `json:"items"`
	Count   int    `json:"count"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
	Cursor  string `json:"cursor,omitempty"`
}

// ErrorBody is the JSON error rendering shared by all endpoints.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteJSON renders v with the proper content type.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(HeaderContentType, HeaderAcceptJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteList renders a page of items in the standard envelope. items must be
// a slice; a nil slice renders as an empty array.
func WriteList(w http.ResponseWriter, items any, count, limit, offset int, hasMore bool, cursor string) {
	if items == nil {
		items = []struct{}{}
	}
	WriteJSON(w, http.StatusOK, ListEnvelope{
		Items:   items,
		Count:   count,
		Limit:   limit,
		Offset:  offset,
		HasMore: hasMore,
		Cursor:  cursor,
	})
}

// WriteError maps the error's kind to an HTTP status and renders the error
// body. Fatal details never leak to the client.
func WriteError(w http.ResponseWriter, err error) {
	kind := verrors.KindOf(err)
	body := ErrorBody{Code: kind.String(), Message: err.Error()}
	if kind == verrors.KindFatal || kind == verrors.KindUnknown {
		body.Message = "internal error"
	}
	WriteJSON(w, verrors.HTTPStatus(err), body)
}
