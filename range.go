package alarik

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// ObjectRangeRequest is a parsed Range header, before it has been resolved
// against an object's size.
type ObjectRangeRequest struct {
	Start, End int64
	FromEnd    bool
}

// Range resolves the request against the actual object size, producing the
// concrete byte window to serve. An unsatisfiable range yields InvalidRange
// with the "bytes */size" form carried for the Content-Range header.
func (o *ObjectRangeRequest) Range(size int64) (*ObjectRange, error) {
	if o == nil {
		return nil, nil
	}

	var start, length int64

	if !o.FromEnd {
		start = o.Start
		end := o.End

		if start >= size {
			return nil, invalidRange(size)
		}
		if end >= size || end < 0 {
			end = size - 1
		}
		length = end - start + 1

	} else {
		// Suffix range: the last N bytes.
		n := o.End
		if n > size {
			n = size
		}
		if n <= 0 {
			return nil, invalidRange(size)
		}
		start = size - n
		length = n
	}

	return &ObjectRange{Start: start, Length: length}, nil
}

// ObjectRange is a resolved byte window within an object.
type ObjectRange struct {
	Start, Length int64
}

// writeHeader emits Content-Length, and Content-Range plus the 206 status
// when the response is a partial one.
func (o *ObjectRange) writeHeader(sz int64, w http.ResponseWriter) {
	if o != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(o.Length, 10))
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", o.Start, o.Start+o.Length-1, sz))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(sz, 10))
	}
}

func invalidRange(size int64) error {
	return &rangeError{size: size}
}

// rangeError carries the object size so the dispatcher can emit the
// "Content-Range: bytes */size" header mandated for 416 responses. The
// dispatcher unwraps it into a plain InvalidRange envelope before encoding.
type rangeError struct {
	size int64
}

var _ Error = &rangeError{}

func (e *rangeError) ErrorCode() ErrorCode { return ErrInvalidRange }
func (e *rangeError) Error() string        { return string(ErrInvalidRange) }

// parseRangeHeader parses "bytes=a-b", "bytes=a-" and "bytes=-n". Multiple
// ranges and non-bytes units are not supported; those requests fall back to
// a full-body 200 by returning a nil range, matching observed S3 behaviour
// for unsupported units.
func parseRangeHeader(s string) (*ObjectRangeRequest, error) {
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "bytes=") {
		return nil, nil
	}

	spec := strings.TrimPrefix(s, "bytes=")
	if strings.Contains(spec, ",") {
		// Multi-range requests are ignored rather than rejected.
		return nil, nil
	}

	dash := strings.IndexByte(spec, '-')
	if dash < 0 {
		return nil, ErrorInvalidArgument("Range", s, "Invalid Range header.")
	}

	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix form, bytes=-n.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, ErrorInvalidArgument("Range", s, "Invalid Range header.")
		}
		return &ObjectRangeRequest{End: n, FromEnd: true}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, ErrorInvalidArgument("Range", s, "Invalid Range header.")
	}

	end := int64(-1)
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, ErrorInvalidArgument("Range", s, "Invalid Range header.")
		}
	}

	return &ObjectRangeRequest{Start: start, End: end}, nil
}
