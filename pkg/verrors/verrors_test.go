package verrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", base, KindUnknown},
		{"direct", E(KindInvalid, "bad filter"), KindInvalid},
		{"wrapped once", fmt.Errorf("outer: %w", E(KindUnavailable, "queue full")), KindUnavailable},
		{"wrap helper", Wrap(KindConflict, base), KindConflict},
		{"context cancel", context.Canceled, KindCancelled},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), KindCancelled},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, KindOf(tc.err))
		})
	}
}

func TestEFormatsAndWraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := E(KindUnavailable, "writing batch of %d spans", 12, cause)
	require.EqualError(t, err, "writing batch of 12 spans: connection refused")
	require.ErrorIs(t, err, cause)
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(KindFatal, nil))
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, HTTPStatus(E(KindInvalid, "x")))
	require.Equal(t, http.StatusNotFound, HTTPStatus(E(KindNotFound, "x")))
	require.Equal(t, http.StatusConflict, HTTPStatus(E(KindConflict, "x")))
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(E(KindUnavailable, "x")))
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(E(KindFatal, "x")))
	require.Equal(t, http.StatusGatewayTimeout, HTTPStatus(context.DeadlineExceeded))
}

func TestGRPCCode(t *testing.T) {
	require.Equal(t, codes.InvalidArgument, GRPCCode(E(KindInvalid, "x")))
	require.Equal(t, codes.Unavailable, GRPCCode(E(KindUnavailable, "x")))
	require.Equal(t, codes.DeadlineExceeded, GRPCCode(context.Canceled))
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(E(KindUnavailable, "db down")))
	require.False(t, IsRetryable(E(KindInvalid, "bad span")))
}
