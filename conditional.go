package alarik

import (
	"net/http"
	"strings"
	"time"
)

// conditionalHeaders is one set of If-* preconditions. The same evaluation
// applies to plain reads and to copy sources; only the header names differ.
type conditionalHeaders struct {
	ifMatch           string
	ifNoneMatch       string
	ifModifiedSince   time.Time
	ifUnmodifiedSince time.Time
}

func conditionsFromHeaders(h http.Header) conditionalHeaders {
	return conditionalHeaders{
		ifMatch:           h.Get("If-Match"),
		ifNoneMatch:       h.Get("If-None-Match"),
		ifModifiedSince:   parseHTTPTime(h.Get("If-Modified-Since")),
		ifUnmodifiedSince: parseHTTPTime(h.Get("If-Unmodified-Since")),
	}
}

func copySourceConditions(h http.Header) conditionalHeaders {
	return conditionalHeaders{
		ifMatch:           h.Get("x-amz-copy-source-if-match"),
		ifNoneMatch:       h.Get("x-amz-copy-source-if-none-match"),
		ifModifiedSince:   parseHTTPTime(h.Get("x-amz-copy-source-if-modified-since")),
		ifUnmodifiedSince: parseHTTPTime(h.Get("x-amz-copy-source-if-unmodified-since")),
	}
}

func (c conditionalHeaders) empty() bool {
	return c.ifMatch == "" && c.ifNoneMatch == "" &&
		c.ifModifiedSince.IsZero() && c.ifUnmodifiedSince.IsZero()
}

// evaluate applies the preconditions in the order S3 documents them; the
// first failing condition decides the response. readMethod selects the 304
// (GET/HEAD) versus 412 behaviour of If-None-Match.
func (c conditionalHeaders) evaluate(etag string, lastModified time.Time, readMethod bool) error {
	if c.ifMatch != "" && !etagMatches(c.ifMatch, etag) {
		return ErrPreconditionFailed
	}

	if !c.ifUnmodifiedSince.IsZero() && lastModified.Truncate(time.Second).After(c.ifUnmodifiedSince) {
		return ErrPreconditionFailed
	}

	if c.ifNoneMatch != "" && etagMatches(c.ifNoneMatch, etag) {
		if readMethod {
			return ErrNotModified
		}
		return ErrPreconditionFailed
	}

	if !c.ifModifiedSince.IsZero() && !lastModified.Truncate(time.Second).After(c.ifModifiedSince) {
		return ErrNotModified
	}

	return nil
}

// etagMatches compares a client-supplied ETag value against the object's,
// tolerating the presence or absence of surrounding quotes and the '*' form.
func etagMatches(supplied, etag string) bool {
	if supplied == "*" {
		return true
	}
	return unquoteETag(supplied) == unquoteETag(etag)
}

func unquoteETag(s string) string {
	return strings.Trim(s, `"`)
}

func parseHTTPTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{http.TimeFormat, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
