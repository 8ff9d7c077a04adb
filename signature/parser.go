package signature

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	signV4Algorithm = "AWS4-HMAC-SHA256"
	iso8601Format   = "20060102T150405Z"
	yyyymmdd        = "20060102"

	// Presigned URLs expire after at most a week.
	maximumExpires = 604800 * time.Second
)

// credentialHeader is the parsed Credential component of an authorization:
// accessKey/date/region/service/aws4_request.
type credentialHeader struct {
	accessKey string
	scope     struct {
		date    time.Time
		region  string
		service string
		request string
	}
}

func (c credentialHeader) getScope() string {
	return strings.Join([]string{
		c.scope.date.Format(yyyymmdd),
		c.scope.region,
		c.scope.service,
		c.scope.request,
	}, "/")
}

func parseCredentialHeader(credElement string) (credentialHeader, ErrorCode) {
	creds := strings.SplitN(strings.TrimSpace(credElement), "=", 2)
	if len(creds) != 2 {
		return credentialHeader{}, ErrMissingFields
	}
	if creds[0] != "Credential" {
		return credentialHeader{}, ErrMissingCredTag
	}
	credElements := strings.Split(strings.TrimSpace(creds[1]), "/")
	if len(credElements) != 5 {
		return credentialHeader{}, ErrCredMalformed
	}

	cred := credentialHeader{accessKey: credElements[0]}
	var e error
	cred.scope.date, e = time.Parse(yyyymmdd, credElements[1])
	if e != nil {
		return credentialHeader{}, ErrMalformedDate
	}
	cred.scope.region = credElements[2]
	cred.scope.service = credElements[3]
	cred.scope.request = credElements[4]
	if cred.scope.request != "aws4_request" {
		return credentialHeader{}, ErrCredMalformed
	}
	return cred, ErrNone
}

// signValues is the complete parsed authorization metadata from either the
// Authorization header or the presign query parameters.
type signValues struct {
	Credential    credentialHeader
	SignedHeaders []string
	Signature     string

	// presigned is true for query-form authentication.
	presigned bool
	// Expires is only meaningful when presigned.
	Expires time.Duration
	// Date is the parsed X-Amz-Date.
	Date time.Time
}

// parseSignV4 parses the header-form authorization:
//
//	Authorization: AWS4-HMAC-SHA256 Credential=.../aws4_request,
//	    SignedHeaders=host;x-amz-date, Signature=hex
func parseSignV4(v4Auth string) (signValues, ErrorCode) {
	if !strings.HasPrefix(v4Auth, signV4Algorithm) {
		return signValues{}, ErrUnsupportAlgorithm
	}
	rawFields := strings.TrimPrefix(v4Auth, signV4Algorithm)
	if rawFields == v4Auth {
		return signValues{}, ErrUnsupportAlgorithm
	}

	authFields := strings.Split(strings.TrimSpace(rawFields), ",")
	if len(authFields) != 3 {
		return signValues{}, ErrMissingFields
	}

	signV4Values := signValues{}
	var errCode ErrorCode

	signV4Values.Credential, errCode = parseCredentialHeader(strings.TrimSpace(authFields[0]))
	if errCode != ErrNone {
		return signValues{}, errCode
	}

	signV4Values.SignedHeaders, errCode = parseSignedHeader(strings.TrimSpace(authFields[1]))
	if errCode != ErrNone {
		return signValues{}, errCode
	}

	signV4Values.Signature, errCode = parseSignature(strings.TrimSpace(authFields[2]))
	if errCode != ErrNone {
		return signValues{}, errCode
	}

	return signV4Values, ErrNone
}

// parsePreSignV4 parses the query-form (presigned URL) authorization.
func parsePreSignV4(query url.Values) (signValues, ErrorCode) {
	if query.Get("X-Amz-Algorithm") != signV4Algorithm {
		return signValues{}, ErrUnsupportAlgorithm
	}

	psv := signValues{presigned: true}
	var errCode ErrorCode

	psv.Credential, errCode = parseCredentialHeader("Credential=" + query.Get("X-Amz-Credential"))
	if errCode != ErrNone {
		return signValues{}, errCode
	}

	var e error
	psv.Date, e = time.Parse(iso8601Format, query.Get("X-Amz-Date"))
	if e != nil {
		return signValues{}, ErrMalformedDate
	}

	expiresStr := query.Get("X-Amz-Expires")
	if expiresStr == "" {
		return signValues{}, ErrMissingFields
	}
	expiresInt, e := strconv.ParseInt(expiresStr, 10, 64)
	if e != nil {
		return signValues{}, ErrMalformedExpires
	}
	if expiresInt < 1 {
		return signValues{}, ErrNegativeExpires
	}
	psv.Expires = time.Duration(expiresInt) * time.Second
	if psv.Expires > maximumExpires {
		return signValues{}, ErrMaximumExpires
	}

	signedHeaders := query.Get("X-Amz-SignedHeaders")
	if signedHeaders == "" {
		return signValues{}, ErrMissingFields
	}
	psv.SignedHeaders = strings.Split(signedHeaders, ";")

	psv.Signature = query.Get("X-Amz-Signature")
	if psv.Signature == "" {
		return signValues{}, ErrMissingFields
	}

	return psv, ErrNone
}

func parseSignedHeader(hdrElement string) ([]string, ErrorCode) {
	sh := strings.SplitN(strings.TrimSpace(hdrElement), "=", 2)
	if len(sh) != 2 || sh[0] != "SignedHeaders" || sh[1] == "" {
		return nil, ErrMissingFields
	}
	return strings.Split(sh[1], ";"), ErrNone
}

func parseSignature(signElement string) (string, ErrorCode) {
	sig := strings.SplitN(strings.TrimSpace(signElement), "=", 2)
	if len(sig) != 2 || sig[0] != "Signature" || sig[1] == "" {
		return "", ErrMissingFields
	}
	return sig[1], ErrNone
}

// extractSignedHeaders picks the headers named in SignedHeaders out of the
// request, failing when a signed header is absent. The host header is
// served from r.Host, where Go's http server stores it.
func extractSignedHeaders(signedHeaders []string, r *http.Request) (http.Header, ErrorCode) {
	// Keys are stored lowercase, bypassing http.Header canonicalisation, as
	// the canonical request needs them that way.
	reqHeaders := r.Header
	extracted := make(http.Header)
	for _, header := range signedHeaders {
		header = strings.ToLower(header)
		switch header {
		case "host":
			extracted[header] = []string{r.Host}
		case "content-length":
			extracted[header] = []string{strconv.FormatInt(r.ContentLength, 10)}
		case "transfer-encoding":
			extracted[header] = append([]string(nil), r.TransferEncoding...)
		case "expect":
			// Go's server consumes Expect: 100-continue before the handler
			// runs; reconstruct the value clients sign.
			extracted[header] = []string{"100-continue"}
		default:
			vals, ok := reqHeaders[http.CanonicalHeaderKey(header)]
			if !ok {
				return nil, ErrUnsignedHeaders
			}
			extracted[header] = vals
		}
	}
	if _, ok := extracted["host"]; !ok {
		return nil, ErrUnsignedHeaders
	}
	return extracted, ErrNone
}
