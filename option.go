package alarik

import (
	"time"
)

// Option is a self-referential function used to configure a Server.
type Option func(s *Server)

// WithTimeSource replaces the server's clock: the Last-Modified metadata
// stamp, multipart initiation and part times, credential expiry checks and
// the x-amz-date skew middleware. The backend and the signature package keep
// their own clocks.
func WithTimeSource(timeSource TimeSource) Option {
	return func(s *Server) { s.timeSource = timeSource }
}

// WithTimeSkewLimit sets the maximum amount the x-amz-date header may differ
// from the server clock. Pass 0 to disable this check; when credentials are
// configured, SigV4 verification still applies its own 15-minute window.
func WithTimeSkewLimit(skew time.Duration) Option {
	return func(s *Server) { s.timeSkew = skew }
}

// WithMetadataSizeLimit bounds the total size (names plus values) of the
// headers retained as object metadata on a write. Pass 0 to disable.
func WithMetadataSizeLimit(size int) Option {
	return func(s *Server) { s.metadataSizeLimit = size }
}

// WithIntegrityCheck controls validation of the Content-MD5 header. Content
// is hashed for the ETag either way.
func WithIntegrityCheck(check bool) Option {
	return func(s *Server) { s.integrityCheck = check }
}

// WithMaxBodySize bounds the request body. The default is 5 TiB.
func WithMaxBodySize(size int64) Option {
	return func(s *Server) { s.maxBodySize = size }
}

// WithRegion sets the region echoed in LocationConstraint responses. The
// credential scope region is always taken from the request itself.
func WithRegion(region string) Option {
	return func(s *Server) { s.region = region }
}

// WithLogger sets the logger. The default swallows all output.
func WithLogger(log Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithGlobalLog routes logs through the logrus standard logger.
func WithGlobalLog() Option {
	return WithLogger(GlobalLog())
}

// WithHostBucket forces the server to interpret the first label of the Host
// header as the bucket name (virtual-host-style addressing).
func WithHostBucket(enabled bool) Option {
	return func(s *Server) { s.hostBucket = enabled }
}

// WithoutVersioning disables the versioned surface even when the backend
// supports it.
func WithoutVersioning() Option {
	return func(s *Server) { s.versioned = nil }
}

// WithUnauthenticated disables SigV4 verification entirely. Intended for
// tests; every request is attributed to no owner and authorisation is
// skipped.
func WithUnauthenticated() Option {
	return func(s *Server) { s.creds = nil }
}
