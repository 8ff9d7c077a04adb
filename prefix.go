package alarik

import (
	"net/url"
	"strings"
)

// Prefix is the prefix/delimiter pair of a listing request. HasPrefix and
// HasDelimiter distinguish "absent" from "present but empty", which S3
// treats differently in its responses.
type Prefix struct {
	HasPrefix bool
	Prefix    string

	HasDelimiter bool
	Delimiter    string
}

func NewPrefix(prefix, delim *string) (p Prefix) {
	if prefix != nil {
		p.Prefix, p.HasPrefix = *prefix, true
	}
	if delim != nil {
		p.Delimiter, p.HasDelimiter = *delim, true
	}
	return p
}

func NewFolderPrefix(prefix string) (p Prefix) {
	p.Prefix, p.HasPrefix = prefix, true
	p.Delimiter, p.HasDelimiter = "/", true
	return p
}

func prefixFromQuery(query url.Values) Prefix {
	prefix := Prefix{
		Prefix:    query.Get("prefix"),
		Delimiter: query.Get("delimiter"),
	}
	_, prefix.HasPrefix = query["prefix"]
	_, prefix.HasDelimiter = query["delimiter"]
	return prefix
}

// PrefixMatch is the result of a successful Prefix.Match.
type PrefixMatch struct {
	// Key is the key passed to Match.
	Key string

	// CommonPrefix is true if the match rolled the key up into a delimited
	// group rather than matching it directly.
	CommonPrefix bool

	// MatchedPart is the key itself for a direct match, or the group prefix
	// (including the trailing delimiter) for a common-prefix match.
	MatchedPart string
}

// Match tests key against the prefix/delimiter pair. It returns false when
// the key does not start with the prefix. On success, match (which may be
// nil when the caller only needs the boolean) is filled with whether the key
// rolled up into a common prefix.
func (p Prefix) Match(key string, match *PrefixMatch) (ok bool) {
	if !p.HasPrefix && !p.HasDelimiter {
		if match != nil {
			*match = PrefixMatch{Key: key, MatchedPart: key}
		}
		return true
	}

	if !strings.HasPrefix(key, p.Prefix) {
		return false
	}

	if !p.HasDelimiter || p.Delimiter == "" {
		if match != nil {
			*match = PrefixMatch{Key: key, MatchedPart: key}
		}
		return true
	}

	rest := key[len(p.Prefix):]
	idx := strings.Index(rest, p.Delimiter)
	if idx < 0 {
		if match != nil {
			*match = PrefixMatch{Key: key, MatchedPart: key}
		}
		return true
	}

	if match != nil {
		*match = PrefixMatch{
			Key:          key,
			CommonPrefix: true,
			MatchedPart:  p.Prefix + rest[:idx+len(p.Delimiter)],
		}
	}
	return true
}

func (p Prefix) String() string {
	if p.HasDelimiter {
		return "prefix:" + p.Prefix + ", delim:" + p.Delimiter
	}
	return "prefix:" + p.Prefix
}

// URLEncode percent-encodes a string the way S3 does for encoding-type=url
// responses: like a query value, but with spaces as %20 rather than '+'.
func URLEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
