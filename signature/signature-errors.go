package signature

import (
	"bytes"
	"encoding/xml"
	"net/http"
)

// ErrorCode is the enumeration of verification outcomes. ErrNone means the
// request is authentic.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrAccessDenied
	ErrMissingFields
	ErrMissingCredTag
	ErrCredMalformed
	ErrInvalidAccessKeyID
	ErrMalformedDate
	ErrMalformedExpires
	ErrNegativeExpires
	ErrMaximumExpires
	ErrExpiredRequest
	ErrUnsignedHeaders
	ErrMissingDateHeader
	ErrContentSHA256Mismatch
	ErrSignatureDoesNotMatch
	ErrRequestTimeTooSkewed
	ErrUnsupportAlgorithm
	errInternalError
)

// APIError is the wire-facing form of an ErrorCode.
type APIError struct {
	Code           string
	Description    string
	HTTPStatusCode int
}

var errorCodeResponse = map[ErrorCode]APIError{
	ErrAccessDenied: {
		Code:           "AccessDenied",
		Description:    "Access Denied.",
		HTTPStatusCode: http.StatusForbidden,
	},
	ErrMissingFields: {
		Code:           "MissingFields",
		Description:    "Missing fields in request.",
		HTTPStatusCode: http.StatusBadRequest,
	},
	ErrMissingCredTag: {
		Code:           "InvalidRequest",
		Description:    "Missing Credential field for this request.",
		HTTPStatusCode: http.StatusBadRequest,
	},
	ErrCredMalformed: {
		Code:           "AuthorizationQueryParametersError",
		Description:    `Error parsing the X-Amz-Credential parameter; the Credential is mal-formed; expecting "<YOUR-AKID>/YYYYMMDD/REGION/SERVICE/aws4_request".`,
		HTTPStatusCode: http.StatusBadRequest,
	},
	ErrInvalidAccessKeyID: {
		Code:           "InvalidAccessKeyId",
		Description:    "The Access Key Id you provided does not exist in our records.",
		HTTPStatusCode: http.StatusForbidden,
	},
	ErrMalformedDate: {
		Code:           "MalformedDate",
		Description:    "Invalid date format header, expected to be in ISO8601, RFC1123 or RFC1123Z time format.",
		HTTPStatusCode: http.StatusBadRequest,
	},
	ErrMalformedExpires: {
		Code:           "AuthorizationQueryParametersError",
		Description:    "X-Amz-Expires should be a number",
		HTTPStatusCode: http.StatusBadRequest,
	},
	ErrNegativeExpires: {
		Code:           "AuthorizationQueryParametersError",
		Description:    "X-Amz-Expires must be a positive number of seconds",
		HTTPStatusCode: http.StatusBadRequest,
	},
	ErrMaximumExpires: {
		Code:           "AuthorizationQueryParametersError",
		Description:    "X-Amz-Expires must not exceed a week (in seconds); that is, the given X-Amz-Expires must be at most 604800 seconds",
		HTTPStatusCode: http.StatusBadRequest,
	},
	ErrExpiredRequest: {
		Code:           "AccessDenied",
		Description:    "Request has expired",
		HTTPStatusCode: http.StatusForbidden,
	},
	ErrUnsignedHeaders: {
		Code:           "AccessDenied",
		Description:    "There were headers present in the request which were not signed",
		HTTPStatusCode: http.StatusBadRequest,
	},
	ErrMissingDateHeader: {
		Code:           "AccessDenied",
		Description:    "AWS authentication requires a valid Date or x-amz-date header",
		HTTPStatusCode: http.StatusBadRequest,
	},
	ErrContentSHA256Mismatch: {
		Code:           "XAmzContentSHA256Mismatch",
		Description:    "The provided 'x-amz-content-sha256' header does not match what was computed.",
		HTTPStatusCode: http.StatusBadRequest,
	},
	ErrSignatureDoesNotMatch: {
		Code:           "SignatureDoesNotMatch",
		Description:    "The request signature we calculated does not match the signature you provided. Check your key and signing method.",
		HTTPStatusCode: http.StatusForbidden,
	},
	ErrRequestTimeTooSkewed: {
		Code:           "RequestTimeTooSkewed",
		Description:    "The difference between the request time and the server's time is too large.",
		HTTPStatusCode: http.StatusForbidden,
	},
	ErrUnsupportAlgorithm: {
		Code:           "InvalidRequest",
		Description:    "The authorization mechanism you have provided is not supported.",
		HTTPStatusCode: http.StatusBadRequest,
	},
	errInternalError: {
		Code:           "InternalError",
		Description:    "We encountered an internal error, please try again.",
		HTTPStatusCode: http.StatusInternalServerError,
	},
}

// GetAPIError maps an ErrorCode to its wire form.
func GetAPIError(errCode ErrorCode) APIError {
	if apiErr, ok := errorCodeResponse[errCode]; ok {
		return apiErr
	}
	return errorCodeResponse[errInternalError]
}

type errorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string
	Message   string
	Resource  string
	RequestID string `xml:"RequestId"`
}

// EncodeAPIErrorToResponse renders the <Error> envelope for an APIError.
func EncodeAPIErrorToResponse(err APIError, resource, requestID string) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if encodeErr := xml.NewEncoder(&buf).Encode(errorResponse{
		Code:      err.Code,
		Message:   err.Description,
		Resource:  resource,
		RequestID: requestID,
	}); encodeErr != nil {
		return []byte(xml.Header)
	}
	return buf.Bytes()
}
