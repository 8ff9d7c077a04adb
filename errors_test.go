package alarik

import (
	"encoding/xml"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeStatuses(t *testing.T) {
	for code, status := range map[ErrorCode]int{
		ErrInvalidArgument:       http.StatusBadRequest,
		ErrBadDigest:             http.StatusBadRequest,
		ErrMalformedXML:          http.StatusBadRequest,
		ErrInvalidRequest:        http.StatusBadRequest,
		ErrInvalidPartOrder:      http.StatusBadRequest,
		ErrInvalidPart:           http.StatusBadRequest,
		ErrAccessDenied:          http.StatusForbidden,
		ErrSignatureDoesNotMatch: http.StatusForbidden,
		ErrNoSuchBucket:          http.StatusNotFound,
		ErrNoSuchKey:             http.StatusNotFound,
		ErrNoSuchUpload:          http.StatusNotFound,
		ErrBucketAlreadyExists:   http.StatusConflict,
		ErrBucketNotEmpty:        http.StatusConflict,
		ErrPreconditionFailed:    http.StatusPreconditionFailed,
		ErrNotModified:           http.StatusNotModified,
		ErrInvalidRange:          http.StatusRequestedRangeNotSatisfiable,
		ErrInternal:              http.StatusInternalServerError,
	} {
		assert.Equal(t, status, code.Status(), string(code))
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	resp := ensureErrorResponse(ResourceError(ErrNoSuchKey, "/b/k"), "00000000000000AB")

	out, err := xml.Marshal(resp)
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, "<Error>")
	assert.Contains(t, s, "<Code>NoSuchKey</Code>")
	assert.Contains(t, s, "<Message>The specified key does not exist.</Message>")
	assert.Contains(t, s, "<Resource>/b/k</Resource>")
	assert.Contains(t, s, "<RequestId>00000000000000AB</RequestId>")
}

func TestEnsureErrorResponse(t *testing.T) {
	// Bare codes become full envelopes.
	resp := ensureErrorResponse(ErrAccessDenied, "1")
	assert.Equal(t, ErrAccessDenied, resp.ErrorCode())

	// Unknown errors are never leaked to clients.
	resp = ensureErrorResponse(assert.AnError, "2")
	assert.Equal(t, ErrInternal, resp.ErrorCode())
}

func TestHasErrorCode(t *testing.T) {
	assert.True(t, HasErrorCode(KeyNotFound("k"), ErrNoSuchKey))
	assert.True(t, HasErrorCode(ErrNoSuchKey, ErrNoSuchKey))
	assert.False(t, HasErrorCode(KeyNotFound("k"), ErrNoSuchBucket))
	assert.False(t, HasErrorCode(assert.AnError, ErrNoSuchKey))
	assert.False(t, HasErrorCode(nil, ErrNoSuchKey))
}
