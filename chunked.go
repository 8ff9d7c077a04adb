package alarik

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// When an SDK sends a body with x-amz-content-sha256 set to
// STREAMING-AWS4-HMAC-SHA256-PAYLOAD (or Content-Encoding: aws-chunked), the
// payload arrives in AWS's own chunked framing, distinct from HTTP/1.1
// Transfer-Encoding:
//
//	<hex-size>;chunk-signature=<sig>\r\n
//	<data>\r\n
//
// terminated by a zero-size chunk. The framing must be stripped before the
// bytes reach the storage layer. Per-chunk signatures are not verified; trust
// is rooted in the outer SigV4 signature over the streaming sentinel.

// isChunkedPayload reports whether the request body uses AWS chunked framing.
func isChunkedPayload(r *http.Request) bool {
	if strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), "STREAMING-") {
		return true
	}
	return strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked")
}

// chunkedReader yields the concatenated chunk payloads of an aws-chunked
// body. Malformed framing surfaces as ErrInvalidRequest.
type chunkedReader struct {
	rdr   *bufio.Reader
	chunk io.Reader
	done  bool
}

func newChunkedReader(r io.Reader) *chunkedReader {
	return &chunkedReader{rdr: bufio.NewReaderSize(r, 64*1024)}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	for {
		if c.done {
			return 0, io.EOF
		}

		if c.chunk != nil {
			n, err := c.chunk.Read(p)
			if n > 0 {
				return n, nil
			}
			if err != io.EOF {
				return n, err
			}

			// Chunk drained; consume the trailing CRLF.
			c.chunk = nil
			var crlf [2]byte
			if _, err := io.ReadFull(c.rdr, crlf[:]); err != nil {
				return 0, ErrorMessage(ErrInvalidRequest, "malformed aws-chunked payload")
			}
			if crlf[0] != '\r' || crlf[1] != '\n' {
				return 0, ErrorMessage(ErrInvalidRequest, "malformed aws-chunked payload")
			}
			continue
		}

		size, err := c.readChunkHeader()
		if err != nil {
			return 0, err
		}
		if size == 0 {
			c.done = true
			// Trailing checksum headers may follow the final chunk; they are
			// not part of the payload.
			_, _ = io.Copy(io.Discard, c.rdr)
			return 0, io.EOF
		}

		c.chunk = io.LimitReader(c.rdr, size)
	}
}

// readChunkHeader consumes one "<hex-size>;chunk-signature=...\r\n" line.
func (c *chunkedReader) readChunkHeader() (int64, error) {
	line, err := c.rdr.ReadBytes('\n')
	if err != nil {
		return 0, ErrorMessage(ErrInvalidRequest, "malformed aws-chunked payload")
	}
	line = bytes.TrimRight(line, "\r\n")

	hexSize := line
	if idx := bytes.IndexByte(line, ';'); idx >= 0 {
		hexSize = line[:idx]
	}

	size, err := strconv.ParseInt(string(bytes.TrimSpace(hexSize)), 16, 64)
	if err != nil || size < 0 {
		return 0, ErrorMessage(ErrInvalidRequest, "malformed aws-chunked payload")
	}
	return size, nil
}
