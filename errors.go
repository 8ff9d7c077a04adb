package alarik

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"time"
)

// Error is the interface implemented by every S3-visible failure. Handlers
// return plain errors; anything that does not implement Error is reported to
// the client as ErrInternal.
type Error interface {
	error
	ErrorCode() ErrorCode
}

// ErrorCode is the wire-level <Code> of an S3 error.
type ErrorCode string

func (e ErrorCode) ErrorCode() ErrorCode { return e }
func (e ErrorCode) Error() string        { return string(e) }

// Message returns the canonical human-readable message for the code.
func (e ErrorCode) Message() string {
	switch e {
	case ErrAccessDenied:
		return "Access Denied"
	case ErrBadDigest:
		return "The Content-MD5 you specified did not match what we received."
	case ErrBucketAlreadyExists:
		return "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again."
	case ErrBucketNotEmpty:
		return "The bucket you tried to delete is not empty."
	case ErrInvalidArgument:
		return "Invalid Argument"
	case ErrInvalidBucketName:
		return "The specified bucket is not valid."
	case ErrInvalidPart:
		return "One or more of the specified parts could not be found. The part may not have been uploaded, or the specified entity tag may not match the part's entity tag."
	case ErrInvalidPartOrder:
		return "The list of parts was not in ascending order. Parts list must be specified in order by part number."
	case ErrInvalidRange:
		return "The requested range is not satisfiable."
	case ErrInvalidRequest:
		return "Invalid Request"
	case ErrMalformedXML:
		return "The XML you provided was not well-formed or did not validate against our published schema."
	case ErrMissingContentLength:
		return "You must provide the Content-Length HTTP header."
	case ErrNoSuchBucket:
		return "The specified bucket does not exist."
	case ErrNoSuchKey:
		return "The specified key does not exist."
	case ErrNoSuchUpload:
		return "The specified multipart upload does not exist. The upload ID may be invalid, or the upload may have been aborted or completed."
	case ErrNoSuchVersion:
		return "The specified version does not exist."
	case ErrNotImplemented:
		return "A header or query you provided implies functionality that is not implemented."
	case ErrPreconditionFailed:
		return "At least one of the preconditions you specified did not hold."
	case ErrRequestTimeTooSkewed:
		return "The difference between the request time and the current time is too large."
	case ErrSignatureDoesNotMatch:
		return "The request signature we calculated does not match the signature you provided. Check your key and signing method."
	case ErrInternal:
		return "We encountered an internal error. Please try again."
	}
	return "An error occurred."
}

// Status maps the code to its HTTP status per the taxonomy in the S3 docs.
func (e ErrorCode) Status() int {
	switch e {
	case ErrBadDigest,
		ErrInvalidArgument,
		ErrInvalidBucketName,
		ErrInvalidPart,
		ErrInvalidPartOrder,
		ErrInvalidRequest,
		ErrInvalidToken,
		ErrInvalidURI,
		ErrKeyTooLong,
		ErrMetadataTooLarge,
		ErrMalformedXML,
		ErrIncompleteBody,
		ErrIncorrectNumberOfFilesInPostRequest:
		return http.StatusBadRequest

	case ErrRequestTimeTooSkewed,
		ErrAccessDenied,
		ErrSignatureDoesNotMatch,
		ErrExpiredToken:
		return http.StatusForbidden

	case ErrNoSuchBucket,
		ErrNoSuchKey,
		ErrNoSuchUpload,
		ErrNoSuchVersion:
		return http.StatusNotFound

	case ErrBucketAlreadyExists, ErrBucketNotEmpty:
		return http.StatusConflict

	case ErrMissingContentLength:
		return http.StatusLengthRequired

	case ErrPreconditionFailed:
		return http.StatusPreconditionFailed

	case ErrNotModified:
		return http.StatusNotModified

	case ErrInvalidRange:
		return http.StatusRequestedRangeNotSatisfiable

	case ErrNotImplemented:
		return http.StatusNotImplemented

	case ErrInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

const (
	ErrAccessDenied                        ErrorCode = "AccessDenied"
	ErrBadDigest                           ErrorCode = "BadDigest"
	ErrBucketAlreadyExists                 ErrorCode = "BucketAlreadyExists"
	ErrBucketNotEmpty                      ErrorCode = "BucketNotEmpty"
	ErrExpiredToken                        ErrorCode = "ExpiredToken"
	ErrIncompleteBody                      ErrorCode = "IncompleteBody"
	ErrIncorrectNumberOfFilesInPostRequest ErrorCode = "IncorrectNumberOfFilesInPostRequest"
	ErrInternal                            ErrorCode = "InternalError"
	ErrInvalidArgument                     ErrorCode = "InvalidArgument"
	ErrInvalidBucketName                   ErrorCode = "InvalidBucketName"
	ErrInvalidPart                         ErrorCode = "InvalidPart"
	ErrInvalidPartOrder                    ErrorCode = "InvalidPartOrder"
	ErrInvalidRange                        ErrorCode = "InvalidRange"
	ErrInvalidRequest                      ErrorCode = "InvalidRequest"
	ErrInvalidToken                        ErrorCode = "InvalidToken"
	ErrInvalidURI                          ErrorCode = "InvalidURI"
	ErrKeyTooLong                          ErrorCode = "KeyTooLongError"
	ErrMalformedXML                        ErrorCode = "MalformedXML"
	ErrMetadataTooLarge                    ErrorCode = "MetadataTooLarge"
	ErrMissingContentLength                ErrorCode = "MissingContentLength"
	ErrNoSuchBucket                        ErrorCode = "NoSuchBucket"
	ErrNoSuchKey                           ErrorCode = "NoSuchKey"
	ErrNoSuchUpload                        ErrorCode = "NoSuchUpload"
	ErrNoSuchVersion                       ErrorCode = "NoSuchVersion"
	ErrNotImplemented                      ErrorCode = "NotImplemented"
	ErrPreconditionFailed                  ErrorCode = "PreconditionFailed"
	ErrRequestTimeTooSkewed                ErrorCode = "RequestTimeTooSkewed"
	ErrSignatureDoesNotMatch               ErrorCode = "SignatureDoesNotMatch"

	// ErrNotModified is not an error envelope on the wire; it maps to a bare
	// 304 response with no body.
	ErrNotModified ErrorCode = "NotModified"
)

// ErrorResponse is the uniform S3 <Error> envelope.
type ErrorResponse struct {
	XMLName xml.Name `xml:"Error"`

	Code      ErrorCode
	Message   string `xml:",omitempty"`
	RequestID string `xml:"RequestId,omitempty"`
	HostID    string `xml:"HostId,omitempty"`
}

func (e *ErrorResponse) ErrorCode() ErrorCode { return e.Code }

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ErrorResponse) enrich(requestID string) {
	e.RequestID = requestID
}

// ErrorMessage returns an ErrorResponse with a custom message.
func ErrorMessage(code ErrorCode, message string) error {
	return &ErrorResponse{Code: code, Message: message}
}

func ErrorMessagef(code ErrorCode, format string, args ...interface{}) error {
	return &ErrorResponse{Code: code, Message: fmt.Sprintf(format, args...)}
}

// resourceErrorResponse carries the <Resource> element in addition to the
// basic envelope.
type resourceErrorResponse struct {
	XMLName xml.Name `xml:"Error"`

	Code      ErrorCode
	Message   string `xml:",omitempty"`
	Resource  string `xml:",omitempty"`
	RequestID string `xml:"RequestId,omitempty"`
}

var _ Error = &resourceErrorResponse{}

func (e *resourceErrorResponse) ErrorCode() ErrorCode { return e.Code }

func (e *resourceErrorResponse) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Resource)
}

func (e *resourceErrorResponse) enrich(requestID string) {
	e.RequestID = requestID
}

// ResourceError wraps the code with the resource it relates to.
func ResourceError(code ErrorCode, resource string) error {
	return &resourceErrorResponse{Code: code, Message: code.Message(), Resource: resource}
}

func ResourceErrorf(code ErrorCode, format string, args ...interface{}) error {
	return &resourceErrorResponse{
		Code:     code,
		Message:  code.Message(),
		Resource: fmt.Sprintf(format, args...),
	}
}

func BucketNotFound(bucket string) error { return ResourceError(ErrNoSuchBucket, bucket) }
func KeyNotFound(key string) error       { return ResourceError(ErrNoSuchKey, key) }
func UploadNotFound(id UploadID) error   { return ResourceError(ErrNoSuchUpload, string(id)) }
func VersionNotFound(key string, version VersionID) error {
	return ResourceErrorf(ErrNoSuchVersion, "%s?versionId=%s", key, version)
}

// ErrorInvalidArgument produces the InvalidArgument envelope S3 uses for a
// named argument with an unacceptable value.
func ErrorInvalidArgument(name, value, message string) error {
	return &ErrorResponse{
		Code:    ErrInvalidArgument,
		Message: fmt.Sprintf("%s (%s: %q)", message, name, value),
	}
}

func requestTimeTooSkewed(at time.Time, max time.Duration) error {
	return &ErrorResponse{
		Code: ErrRequestTimeTooSkewed,
		Message: fmt.Sprintf("The difference between the request time and the server's time %s is larger than %s.",
			at.Format(time.RFC3339), max),
	}
}

// HasErrorCode reports whether err carries the given S3 error code.
func HasErrorCode(err error, code ErrorCode) bool {
	if err == nil && code == "" {
		return true
	}
	s3err, ok := err.(Error)
	if !ok {
		return false
	}
	return s3err.ErrorCode() == code
}

// IsAlreadyExists reports BucketAlreadyExists, which several backend paths
// need to tolerate.
func IsAlreadyExists(err error) bool {
	return HasErrorCode(err, ErrBucketAlreadyExists)
}

type errorResponder interface {
	Error
	enrich(requestID string)
}

// ensureErrorResponse normalises any error into something that can be
// serialised as the <Error> envelope, stamping the request id.
func ensureErrorResponse(err error, requestID string) Error {
	switch err := err.(type) {
	case errorResponder:
		err.enrich(requestID)
		return err

	case ErrorCode:
		return &ErrorResponse{
			Code:      err,
			Message:   err.Message(),
			RequestID: requestID,
		}

	default:
		return &ErrorResponse{
			Code:      ErrInternal,
			Message:   ErrInternal.Message(),
			RequestID: requestID,
		}
	}
}
