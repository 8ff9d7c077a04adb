// Package signature verifies AWS Signature Version 4 on incoming requests,
// for both the Authorization-header form and the presigned query form.
//
// Credentials are pushed into the package by the credential cache layer;
// verification itself never touches the catalog.
package signature

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	// unsignedPayload is the sentinel for bodies excluded from signing.
	unsignedPayload = "UNSIGNED-PAYLOAD"

	// streamingPayload is the sentinel for aws-chunked bodies, where each
	// chunk carries its own signature and the outer signature covers only
	// the sentinel.
	streamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"

	// skewLimit is the maximum tolerated clock difference.
	skewLimit = 15 * time.Minute
)

// V4SignVerify authenticates the request and returns the access key that
// signed it. ErrNone means the signature is genuine; any other code maps to
// an APIError via GetAPIError.
func V4SignVerify(r *http.Request) (string, ErrorCode) {
	if v4Auth := r.Header.Get("Authorization"); v4Auth != "" {
		return verifyHeaderForm(r, v4Auth)
	}
	if r.URL.Query().Get("X-Amz-Algorithm") != "" {
		return verifyQueryForm(r)
	}
	return "", ErrAccessDenied
}

func verifyHeaderForm(r *http.Request, v4Auth string) (string, ErrorCode) {
	signV4Values, errCode := parseSignV4(v4Auth)
	if errCode != ErrNone {
		return "", errCode
	}

	// The request must carry a parseable date within the skew window.
	date := r.Header.Get("X-Amz-Date")
	var reqTime time.Time
	var err error
	if date != "" {
		reqTime, err = time.Parse(iso8601Format, date)
		if err != nil {
			return "", ErrMalformedDate
		}
	} else if date = r.Header.Get("Date"); date != "" {
		reqTime, err = time.Parse(time.RFC1123, date)
		if err != nil {
			return "", ErrMalformedDate
		}
	} else {
		return "", ErrMissingDateHeader
	}

	if skewed(reqTime) {
		return "", ErrRequestTimeTooSkewed
	}

	// A security token that is present but unsigned would let a client swap
	// tokens after signing.
	if r.Header.Get("X-Amz-Security-Token") != "" &&
		!containsFold(signV4Values.SignedHeaders, "x-amz-security-token") {
		return "", ErrUnsignedHeaders
	}

	hashedPayload, errCode := resolvePayloadHash(r)
	if errCode != ErrNone {
		return "", errCode
	}

	return verifySignature(r, signV4Values, reqTime.Format(iso8601Format), hashedPayload, r.URL.Query())
}

func verifyQueryForm(r *http.Request) (string, ErrorCode) {
	query := r.URL.Query()

	psv, errCode := parsePreSignV4(query)
	if errCode != ErrNone {
		return "", errCode
	}

	if skewed(psv.Date) && TimeNow().Before(psv.Date) {
		// A signature dated in the future beyond the skew window is not
		// ready for use; one in the past is governed by Expires below.
		return "", ErrRequestTimeTooSkewed
	}
	if TimeNow().After(psv.Date.Add(psv.Expires)) {
		return "", ErrExpiredRequest
	}

	// Query-signed GET/HEAD carry no signed payload.
	hashedPayload := unsignedPayload
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		if h := query.Get("X-Amz-Content-Sha256"); h != "" {
			hashedPayload = h
		}
	}

	canonicalQuery := make(url.Values, len(query))
	for k, v := range query {
		if k == "X-Amz-Signature" {
			continue
		}
		canonicalQuery[k] = v
	}

	return verifySignature(r, psv, psv.Date.Format(iso8601Format), hashedPayload, canonicalQuery)
}

// verifySignature recomputes the signature over the canonical request and
// compares it in constant time against the one supplied.
func verifySignature(r *http.Request, sv signValues, amzDate, hashedPayload string, query url.Values) (string, ErrorCode) {
	secret, ok := lookupSecret(sv.Credential.accessKey)
	if !ok {
		return "", ErrInvalidAccessKeyID
	}

	extractedHeaders, errCode := extractSignedHeaders(sv.SignedHeaders, r)
	if errCode != ErrNone {
		return "", errCode
	}

	canonicalRequest := getCanonicalRequest(
		r.Method,
		r.URL.Path,
		query,
		extractedHeaders,
		sv.SignedHeaders,
		hashedPayload,
	)

	stringToSign := getStringToSign(canonicalRequest, amzDate, sv.Credential.getScope())

	signingKey := cachedSigningKey(
		secret,
		sv.Credential.scope.date.Format(yyyymmdd),
		sv.Credential.scope.region,
		sv.Credential.scope.service,
	)
	expected := hex.EncodeToString(sumHMAC(signingKey, []byte(stringToSign)))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sv.Signature)) != 1 {
		return "", ErrSignatureDoesNotMatch
	}

	return sv.Credential.accessKey, ErrNone
}

// resolvePayloadHash determines the payload hash for a header-signed
// request: the x-amz-content-sha256 header when present (verified against
// the actual body unless it is a sentinel), computed from the body
// otherwise.
func resolvePayloadHash(r *http.Request) (string, ErrorCode) {
	supplied := r.Header.Get("X-Amz-Content-Sha256")
	if supplied == unsignedPayload || strings.HasPrefix(supplied, "STREAMING-") {
		return supplied, ErrNone
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", errInternalError
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	computed := hexSHA256(body)
	if supplied == "" {
		return computed, ErrNone
	}
	if supplied != computed {
		return "", ErrContentSHA256Mismatch
	}
	return supplied, ErrNone
}

// getCanonicalRequest assembles the byte-exact canonical request:
//
//	<HTTPMethod>\n
//	<CanonicalURI>\n
//	<CanonicalQueryString>\n
//	<CanonicalHeaders>\n
//	<SignedHeaders>\n
//	<HashedPayload>
func getCanonicalRequest(method, urlPath string, query url.Values, extractedHeaders http.Header, signedHeaders []string, hashedPayload string) string {
	return strings.Join([]string{
		method,
		encodePath(urlPath),
		getCanonicalQuery(query),
		getCanonicalHeaders(extractedHeaders),
		getSignedHeaders(signedHeaders),
		hashedPayload,
	}, "\n")
}

// getCanonicalQuery encodes and sorts the query pairs. A key with no value
// encodes as "key=".
func getCanonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(query))
	for key, vals := range query {
		encKey := uriEncode(key)
		if len(vals) == 0 {
			pairs = append(pairs, encKey+"=")
			continue
		}
		for _, val := range vals {
			pairs = append(pairs, encKey+"="+uriEncode(val))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// getCanonicalHeaders renders "name:value\n" lines for every signed header,
// names lowercase and sorted, values trimmed and comma-joined when repeated.
func getCanonicalHeaders(signedHeaders http.Header) string {
	headers := make([]string, 0, len(signedHeaders))
	for k := range signedHeaders {
		headers = append(headers, strings.ToLower(k))
	}
	sort.Strings(headers)

	var buf bytes.Buffer
	for _, k := range headers {
		buf.WriteString(k)
		buf.WriteByte(':')
		for idx, v := range signedHeaders[k] {
			if idx > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(signV4TrimAll(v))
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// getSignedHeaders renders the sorted semicolon-joined header name list.
func getSignedHeaders(signedHeaders []string) string {
	headers := make([]string, 0, len(signedHeaders))
	for _, h := range signedHeaders {
		headers = append(headers, strings.ToLower(h))
	}
	sort.Strings(headers)
	return strings.Join(headers, ";")
}

// getStringToSign derives the final signing input from the canonical
// request.
func getStringToSign(canonicalRequest, amzDate, scope string) string {
	return signV4Algorithm + "\n" +
		amzDate + "\n" +
		scope + "\n" +
		hexSHA256([]byte(canonicalRequest))
}

func skewed(reqTime time.Time) bool {
	skew := TimeNow().Sub(reqTime)
	if skew < 0 {
		skew = -skew
	}
	return skew > skewLimit
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}
