package alarik

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRangeHeader(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected *ObjectRangeRequest
		fails    bool
	}{
		{in: "", expected: nil},
		{in: "bytes=0-9", expected: &ObjectRangeRequest{Start: 0, End: 9}},
		{in: "bytes=10-", expected: &ObjectRangeRequest{Start: 10, End: -1}},
		{in: "bytes=-5", expected: &ObjectRangeRequest{End: 5, FromEnd: true}},
		{in: "bytes=5-5", expected: &ObjectRangeRequest{Start: 5, End: 5}},

		// Unsupported units and multi-range fall back to a full-body 200:
		{in: "lines=1-2", expected: nil},
		{in: "bytes=0-1,5-6", expected: nil},

		{in: "bytes=9-5", fails: true},
		{in: "bytes=abc-5", fails: true},
		{in: "bytes=-0", fails: true},
		{in: "bytes=5", fails: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			rnge, err := parseRangeHeader(tc.in)
			if tc.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, rnge)
		})
	}
}

func TestRangeResolution(t *testing.T) {
	const size = 16

	for _, tc := range []struct {
		name          string
		in            ObjectRangeRequest
		start, length int64
		unsatisfiable bool
	}{
		{name: "prefix", in: ObjectRangeRequest{Start: 0, End: 9}, start: 0, length: 10},
		{name: "interior", in: ObjectRangeRequest{Start: 10, End: 15}, start: 10, length: 6},
		{name: "open end", in: ObjectRangeRequest{Start: 10, End: -1}, start: 10, length: 6},
		{name: "end beyond size", in: ObjectRangeRequest{Start: 10, End: 50}, start: 10, length: 6},
		{name: "suffix", in: ObjectRangeRequest{End: 5, FromEnd: true}, start: 11, length: 5},
		{name: "suffix larger than object", in: ObjectRangeRequest{End: 64, FromEnd: true}, start: 0, length: 16},
		{name: "start at size", in: ObjectRangeRequest{Start: 16, End: -1}, unsatisfiable: true},
		{name: "start beyond size", in: ObjectRangeRequest{Start: 64, End: 70}, unsatisfiable: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rnge, err := tc.in.Range(size)
			if tc.unsatisfiable {
				require.Error(t, err)
				assert.True(t, HasErrorCode(err, ErrInvalidRange))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.start, rnge.Start)
			assert.Equal(t, tc.length, rnge.Length)
		})
	}
}

func TestRangeWriteHeader(t *testing.T) {
	w := httptest.NewRecorder()
	rnge := &ObjectRange{Start: 10, Length: 6}
	rnge.writeHeader(16, w)

	assert.Equal(t, 206, w.Code)
	assert.Equal(t, "bytes 10-15/16", w.Header().Get("Content-Range"))
	assert.Equal(t, "6", w.Header().Get("Content-Length"))
}

func TestNilRangeWritesFullLength(t *testing.T) {
	w := httptest.NewRecorder()
	var rnge *ObjectRange
	rnge.writeHeader(16, w)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "16", w.Header().Get("Content-Length"))
	assert.Empty(t, w.Header().Get("Content-Range"))
}
