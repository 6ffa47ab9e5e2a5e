package durablestreams

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFromStatus_MapsKnownStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusNotFound, KindNotFound},
		{http.StatusConflict, KindConflictExists},
		{http.StatusGone, KindRetentionGone},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusServiceUnavailable, KindBusy},
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindForbidden},
		{http.StatusBadRequest, KindBadRequest},
		{http.StatusInternalServerError, KindHTTPError},
	}
	for _, c := range cases {
		err := errorFromStatus("read", c.status, nil)
		assert.Equal(t, c.kind, err.Kind, "status %d", c.status)
		assert.Equal(t, c.status, err.Status)
	}
}

func TestErrorFromStatus_IncludesShortBodyInMessage(t *testing.T) {
	err := errorFromStatus("append", http.StatusBadRequest, []byte("bad seq"))
	assert.Contains(t, err.Message, "bad seq")
}

func TestAsError_UnwrapsThroughWrapping(t *testing.T) {
	base := wrapError(KindNetworkError, "dial failed", errors.New("connection refused"))
	wrapped := errors.Join(errors.New("context"), base)

	e, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, KindNetworkError, e.Kind)
	assert.True(t, IsKind(wrapped, KindNetworkError))
	assert.False(t, IsKind(wrapped, KindBadRequest))
}
