package response

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fatflowers/memberledger/pkg/apperr"
)

func TestFromError_MapsKinds(t *testing.T) {
	status, body := FromError(apperr.Conflict(apperr.CodeInsufficientPoints, "need 6 points, have 5"))
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, APIResponseCodeConflict, body.Code)
	require.Equal(t, apperr.CodeInsufficientPoints, body.Reason)
	require.Equal(t, "need 6 points, have 5", body.Message)

	status, body = FromError(apperr.Unauthenticated("missing bearer token"))
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, APIResponseCodeUnauthorized, body.Code)
}

func TestFromError_HidesInternalDetails(t *testing.T) {
	status, body := FromError(errors.New("pq: connection refused"))
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, apperr.CodeInternal, body.Reason)
	require.NotContains(t, body.Message, "pq")
}
