package alarik

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConditionalEvaluation(t *testing.T) {
	const etag = "65a8e27d8879283831b664bd8b7f0ad4"
	lastModified := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	httpDate := func(t time.Time) string { return t.UTC().Format(http.TimeFormat) }

	for _, tc := range []struct {
		name     string
		headers  map[string]string
		read     bool
		expected ErrorCode
	}{
		{name: "no conditions", headers: nil, read: true, expected: ""},

		{name: "if-match hit", headers: map[string]string{"If-Match": `"` + etag + `"`}, read: true, expected: ""},
		{name: "if-match unquoted hit", headers: map[string]string{"If-Match": etag}, read: true, expected: ""},
		{name: "if-match star", headers: map[string]string{"If-Match": "*"}, read: true, expected: ""},
		{name: "if-match miss", headers: map[string]string{"If-Match": `"wrong"`}, read: true, expected: ErrPreconditionFailed},

		{name: "if-none-match hit read", headers: map[string]string{"If-None-Match": `"` + etag + `"`}, read: true, expected: ErrNotModified},
		{name: "if-none-match hit write", headers: map[string]string{"If-None-Match": `"` + etag + `"`}, read: false, expected: ErrPreconditionFailed},
		{name: "if-none-match miss", headers: map[string]string{"If-None-Match": `"other"`}, read: true, expected: ""},

		{
			name:     "unmodified-since holds",
			headers:  map[string]string{"If-Unmodified-Since": httpDate(lastModified.Add(time.Hour))},
			read:     true,
			expected: "",
		},
		{
			name:     "unmodified-since fails",
			headers:  map[string]string{"If-Unmodified-Since": httpDate(lastModified.Add(-time.Hour))},
			read:     true,
			expected: ErrPreconditionFailed,
		},
		{
			name:     "modified-since not modified",
			headers:  map[string]string{"If-Modified-Since": httpDate(lastModified.Add(time.Hour))},
			read:     true,
			expected: ErrNotModified,
		},
		{
			name:     "modified-since modified",
			headers:  map[string]string{"If-Modified-Since": httpDate(lastModified.Add(-time.Hour))},
			read:     true,
			expected: "",
		},

		{
			name: "if-match wins over if-none-match",
			headers: map[string]string{
				"If-Match":      `"wrong"`,
				"If-None-Match": `"` + etag + `"`,
			},
			read:     true,
			expected: ErrPreconditionFailed,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tc.headers {
				h.Set(k, v)
			}
			err := conditionsFromHeaders(h).evaluate(etag, lastModified, tc.read)
			if tc.expected == "" {
				assert.NoError(t, err)
			} else {
				assert.True(t, HasErrorCode(err, tc.expected), "expected %s, got %v", tc.expected, err)
			}
		})
	}
}

func TestCopySourceConditions(t *testing.T) {
	const etag = "abc123"
	lastModified := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	h := http.Header{}
	h.Set("x-amz-copy-source-if-match", `"nope"`)
	err := copySourceConditions(h).evaluate(etag, lastModified, false)
	assert.True(t, HasErrorCode(err, ErrPreconditionFailed))

	h = http.Header{}
	h.Set("x-amz-copy-source-if-none-match", `"`+etag+`"`)
	err = copySourceConditions(h).evaluate(etag, lastModified, false)
	assert.True(t, HasErrorCode(err, ErrPreconditionFailed),
		"copy conditions never yield 304, even for If-None-Match")
}
