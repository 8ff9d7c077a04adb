package alarik

import (
	"crypto/md5"
	"encoding/base64"
	"hash"
	"io"
)

// hashingReader computes the MD5 of everything read through it. When the
// request carried a Content-MD5 header, the expected sum is checked once the
// stream is fully consumed and a mismatch surfaces as BadDigest.
type hashingReader struct {
	rdr      io.Reader
	hash     hash.Hash
	expected []byte
}

func newHashingReader(rdr io.Reader, md5Base64 string) (*hashingReader, error) {
	var expected []byte
	if md5Base64 != "" {
		var err error
		expected, err = base64.StdEncoding.DecodeString(md5Base64)
		if err != nil || len(expected) != md5.Size {
			return nil, ErrorMessage(ErrInvalidRequest, "The Content-MD5 you specified was invalid.")
		}
	}
	return &hashingReader{
		rdr:      rdr,
		hash:     md5.New(),
		expected: expected,
	}, nil
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.rdr.Read(p)
	if n > 0 {
		h.hash.Write(p[:n])
	}
	if err == io.EOF && h.expected != nil {
		if !hashEqual(h.hash.Sum(nil), h.expected) {
			return n, ErrBadDigest
		}
	}
	return n, err
}

// Sum returns the MD5 of the bytes read so far.
func (h *hashingReader) Sum(b []byte) []byte {
	return h.hash.Sum(b)
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
