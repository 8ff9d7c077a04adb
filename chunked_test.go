package alarik

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(sig, data string) string {
	return strings.Join([]string{
		len16(data) + ";chunk-signature=" + sig, data, "",
	}, "\r\n")
}

func len16(s string) string {
	const digits = "0123456789abcdef"
	n := len(s)
	if n == 0 {
		return "0"
	}
	var out []byte
	for n > 0 {
		out = append([]byte{digits[n%16]}, out...)
		n /= 16
	}
	return string(out)
}

func TestChunkedReader(t *testing.T) {
	for _, tc := range []struct {
		name     string
		body     string
		expected string
	}{
		{
			name:     "single chunk",
			body:     chunk("sig1", "Hello, World!") + chunk("sig2", ""),
			expected: "Hello, World!",
		},
		{
			name:     "multiple chunks",
			body:     chunk("a", "Hello, ") + chunk("b", "World!") + chunk("c", ""),
			expected: "Hello, World!",
		},
		{
			name:     "empty payload",
			body:     chunk("only", ""),
			expected: "",
		},
		{
			name: "chunk larger than read buffer",
			body: chunk("big", strings.Repeat("x", 256*1024)) + chunk("end", ""),
			expected: strings.Repeat("x", 256*1024),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out, err := io.ReadAll(newChunkedReader(strings.NewReader(tc.body)))
			require.NoError(t, err)
			assert.Equal(t, tc.expected, string(out))
		})
	}
}

func TestChunkedReaderTrailersIgnored(t *testing.T) {
	body := chunk("a", "data") +
		"0;chunk-signature=final\r\n" +
		"x-amz-checksum-crc32:AAAAAA==\r\n\r\n"

	out, err := io.ReadAll(newChunkedReader(strings.NewReader(body)))
	require.NoError(t, err)
	assert.Equal(t, "data", string(out))
}

func TestChunkedReaderMalformed(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
	}{
		{name: "bad size", body: "zz;chunk-signature=x\r\ndata\r\n"},
		{name: "truncated data", body: "10;chunk-signature=x\r\nshort"},
		{name: "missing terminator crlf", body: "4;chunk-signature=x\r\ndataXX"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := io.ReadAll(newChunkedReader(strings.NewReader(tc.body)))
			require.Error(t, err)
			if s3err, ok := err.(Error); ok {
				assert.Equal(t, ErrInvalidRequest, s3err.ErrorCode())
			}
		})
	}
}

func TestIsChunkedPayload(t *testing.T) {
	r := newTestRequest(t, "PUT", "/b/k", nil)
	assert.False(t, isChunkedPayload(r))

	r.Header.Set("X-Amz-Content-Sha256", "STREAMING-AWS4-HMAC-SHA256-PAYLOAD")
	assert.True(t, isChunkedPayload(r))

	r = newTestRequest(t, "PUT", "/b/k", nil)
	r.Header.Set("Content-Encoding", "aws-chunked,gzip")
	assert.True(t, isChunkedPayload(r))
}
