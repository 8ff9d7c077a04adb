// Package alarik implements a self-hosted S3-compatible object storage
// server: SigV4 authentication, a filesystem-backed object engine with
// optional per-bucket versioning, multipart uploads, and the path-style S3
// REST dispatch surface.
//
// Storage is delegated to a pluggable Backend; authentication and
// authorization to a CredentialStore.
package alarik

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/lazoart/alarik/signature"
)

// CredentialStore is the authorization surface consulted on every request:
// it resolves access keys to owners and decides which buckets a key may
// touch. Bucket creation and deletion are reported back so ownership stays
// current. The catalog package provides the production implementation.
type CredentialStore interface {
	// Authorize returns the owning user when the access key exists, has not
	// expired, and may touch the bucket.
	Authorize(accessKeyID, bucket string, now time.Time) (ownerUserID string, ok bool)

	// Owner resolves the owning user of a live access key.
	Owner(accessKeyID string, now time.Time) (ownerUserID string, ok bool)

	// OwnerBuckets lists the bucket names the owner holds.
	OwnerBuckets(ownerUserID string) []string

	// BucketCreated durably records a new bucket and grants it to the owner.
	BucketCreated(ownerUserID, bucket string) error

	// BucketDeleted durably removes the bucket from every owner.
	BucketDeleted(bucket string) error
}

// Server implements HTTP handlers for processing S3 requests and returning
// S3 responses.
//
// Logic is delegated to other components, like Backend or uploader.
type Server struct {
	requestID uint64

	storage   Backend
	versioned VersionedBackend
	uploader  *uploader
	creds     CredentialStore

	timeSource        TimeSource
	timeSkew          time.Duration
	metadataSizeLimit int
	integrityCheck    bool
	hostBucket        bool
	maxBodySize       int64
	region            string
	log               Logger
}

// New creates a Server over the supplied Backend. The multipart scratch
// area lives on multipartFs, rooted at the multipart directory.
func New(backend Backend, multipartFs afero.Fs, options ...Option) *Server {
	s3 := &Server{
		storage:           backend,
		timeSkew:          DefaultSkewLimit,
		metadataSizeLimit: DefaultMetadataSizeLimit,
		integrityCheck:    true,
		maxBodySize:       DefaultMaxBodySize,
		region:            "us-east-1",
	}

	// versioned MUST be set before options as one of the options disables it:
	s3.versioned, _ = backend.(VersionedBackend)

	for _, opt := range options {
		opt(s3)
	}

	if s3.log == nil {
		s3.log = DiscardLog()
	}
	if s3.timeSource == nil {
		s3.timeSource = DefaultTimeSource()
	}
	s3.uploader = newUploader(multipartFs, s3.timeSource)

	return s3
}

// WithCredentials wires the credential store in. Without one the server
// accepts unauthenticated requests.
func WithCredentials(creds CredentialStore) Option {
	return func(s *Server) { s.creds = creds }
}

func (g *Server) nextRequestID() string {
	return fmt.Sprintf("%016X", atomic.AddUint64(&g.requestID, 1))
}

type contextKey int

const (
	accessKeyContextKey contextKey = iota
	requestIDContextKey
)

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDContextKey).(string)
	return id
}

func accessKeyID(r *http.Request) string {
	key, _ := r.Context().Value(accessKeyContextKey).(string)
	return key
}

// Server assembles the middleware chain into the http.Handler to serve.
func (g *Server) Server() http.Handler {
	var handler http.Handler = http.HandlerFunc(g.routeBase)

	if g.timeSkew != 0 {
		handler = g.timeSkewMiddleware(handler)
	}
	if g.hostBucket {
		handler = g.hostBucketMiddleware(handler)
	}

	return g.requestIDMiddleware(g.authMiddleware(handler))
}

func (g *Server) requestIDMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, rq *http.Request) {
		id := g.nextRequestID()
		w.Header().Set("x-amz-request-id", id)
		rq = rq.WithContext(context.WithValue(rq.Context(), requestIDContextKey, id))

		if g.maxBodySize > 0 {
			rq.Body = http.MaxBytesReader(w, rq.Body, g.maxBodySize)
		}

		handler.ServeHTTP(w, rq)
	})
}

func (g *Server) authMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, rq *http.Request) {
		if g.creds != nil {
			accessKey, result := signature.V4SignVerify(rq)
			if result != signature.ErrNone {
				g.log.Print(LogWarn, "access denied:", rq.RemoteAddr, "=>", rq.URL)

				resp := signature.GetAPIError(result)
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(resp.HTTPStatusCode)
				_, _ = w.Write(signature.EncodeAPIErrorToResponse(resp, rq.URL.Path, requestID(rq)))
				return
			}
			rq = rq.WithContext(context.WithValue(rq.Context(), accessKeyContextKey, accessKey))
		}

		handler.ServeHTTP(w, rq)
	})
}

func (g *Server) timeSkewMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, rq *http.Request) {
		timeHdr := rq.Header.Get("x-amz-date")

		if timeHdr != "" {
			rqTime, _ := time.Parse("20060102T150405Z", timeHdr)
			at := g.timeSource.Now()
			skew := at.Sub(rqTime)

			if skew < -g.timeSkew || skew > g.timeSkew {
				g.httpError(w, rq, requestTimeTooSkewed(at, g.timeSkew))
				return
			}
		}

		handler.ServeHTTP(w, rq)
	})
}

// hostBucketMiddleware forces the server to use VirtualHost-style bucket URLs:
// https://docs.aws.amazon.com/AmazonS3/latest/dev/UsingBucket.html
func (g *Server) hostBucketMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, rq *http.Request) {
		parts := strings.SplitN(rq.Host, ".", 2)
		bucket := parts[0]

		p := rq.URL.Path
		rq.URL.Path = "/" + bucket
		if p != "/" {
			rq.URL.Path += p
		}
		g.log.Print(LogInfo, p, "=>", rq.URL)

		handler.ServeHTTP(w, rq)
	})
}

// authorizeBucket gates every bucket-scoped operation on the access key's
// grant set.
func (g *Server) authorizeBucket(r *http.Request, bucket string) error {
	if g.creds == nil {
		return nil
	}
	if _, ok := g.creds.Authorize(accessKeyID(r), bucket, g.timeSource.Now()); !ok {
		return ResourceError(ErrAccessDenied, bucket)
	}
	return nil
}

func (g *Server) httpError(w http.ResponseWriter, r *http.Request, err error) {
	// A 416 carries the total size in Content-Range; the error itself
	// serialises as a plain InvalidRange envelope.
	if rerr, ok := err.(*rangeError); ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rerr.size))
		err = ErrInvalidRange
	}

	resp := ensureErrorResponse(err, requestID(r))
	if resp.ErrorCode() == ErrInternal {
		g.log.Print(LogErr, err)
	}

	code := resp.ErrorCode()

	// A 304 carries no body.
	if code == ErrNotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(code.Status())

	if r.Method != http.MethodHead {
		if err := g.xmlEncoder(w).Encode(resp); err != nil {
			g.log.Print(LogErr, err)
			return
		}
	}
}

/* -------------------------------------------------------------------------
Bucket handlers
------------------------------------------------------------------------- */

func (g *Server) listBuckets(w http.ResponseWriter, r *http.Request) error {
	buckets, err := g.storage.ListBuckets(r.Context())
	if err != nil {
		return err
	}

	owner := &UserInfo{ID: "alarik", DisplayName: "alarik"}

	if g.creds != nil {
		ownerID, ok := g.creds.Owner(accessKeyID(r), g.timeSource.Now())
		if !ok {
			return ErrAccessDenied
		}
		owner = &UserInfo{ID: ownerID, DisplayName: ownerID}

		granted := map[string]bool{}
		for _, name := range g.creds.OwnerBuckets(ownerID) {
			granted[name] = true
		}
		kept := buckets[:0]
		for _, b := range buckets {
			if granted[b.Name] {
				kept = append(kept, b)
			}
		}
		buckets = kept
	}

	s := &Storage{
		Xmlns:   Xmlns,
		Buckets: buckets,
		Owner:   owner,
	}
	return g.xmlEncoder(w).Encode(s)
}

// S3 has two versions of the list API, both of which are close to
// identical. We manage that jank in here so the Backend doesn't have to:
//
// - Hiding the NextMarker inside the ContinuationToken for V2 calls
//
// The Owner of each entry is passed through from the backend unchanged in
// both versions.
//
// - https://docs.aws.amazon.com/AmazonS3/latest/API/RESTBucketGET.html
// - https://docs.aws.amazon.com/AmazonS3/latest/API/v2-RESTBucketGET.html
func (g *Server) listBucket(bucketName string, w http.ResponseWriter, r *http.Request) error {
	g.log.Print(LogInfo, "LIST BUCKET", bucketName)

	if err := g.ensureBucketExists(r, bucketName); err != nil {
		return err
	}

	q := r.URL.Query()
	prefix := prefixFromQuery(q)
	page, err := listBucketPageFromQuery(q)
	if err != nil {
		return err
	}

	isVersion2 := q.Get("list-type") == "2"

	objects, err := g.storage.ListBucket(r.Context(), bucketName, &prefix, page)
	if err != nil {
		return err
	}

	base := ListBucketResultBase{
		Xmlns:          Xmlns,
		Name:           bucketName,
		CommonPrefixes: objects.CommonPrefixes,
		Contents:       objects.Contents,
		IsTruncated:    objects.IsTruncated,
		Delimiter:      prefix.Delimiter,
		Prefix:         prefix.Prefix,
		MaxKeys:        page.MaxKeys,
	}

	if !isVersion2 {
		var result = &ListBucketResult{
			ListBucketResultBase: base,
			Marker:               page.Marker,
		}
		if base.Delimiter != "" {
			// From the S3 docs: "This element is returned only if you
			// specify a delimiter request parameter."
			result.NextMarker = objects.NextMarker
		}
		return g.xmlEncoder(w).Encode(result)
	}

	var result = &ListBucketResultV2{
		ListBucketResultBase: base,
		KeyCount:             int64(len(objects.CommonPrefixes) + len(objects.Contents)),
		StartAfter:           q.Get("start-after"),
		ContinuationToken:    q.Get("continuation-token"),
	}
	if objects.NextMarker != "" {
		// The continuation token is just the next marker in disguise; it is
		// opaque to clients either way.
		result.NextContinuationToken = base64.URLEncoding.EncodeToString([]byte(objects.NextMarker))
	}
	return g.xmlEncoder(w).Encode(result)
}

func (g *Server) getBucketLocation(bucketName string, w http.ResponseWriter, r *http.Request) error {
	g.log.Print(LogInfo, "GET BUCKET LOCATION", bucketName)

	if err := g.ensureBucketExists(r, bucketName); err != nil {
		return err
	}

	result := GetBucketLocation{Xmlns: Xmlns}
	if g.region != "us-east-1" {
		// us-east-1 serialises as an empty constraint, matching AWS.
		result.LocationConstraint = g.region
	}
	return g.xmlEncoder(w).Encode(result)
}

func (g *Server) listBucketVersions(bucketName string, w http.ResponseWriter, r *http.Request) error {
	if g.versioned == nil {
		return ErrNotImplemented
	}

	if err := g.ensureBucketExists(r, bucketName); err != nil {
		return err
	}

	q := r.URL.Query()
	prefix := prefixFromQuery(q)
	page, err := listBucketVersionsPageFromQuery(q)
	if err != nil {
		return err
	}

	if page.HasVersionIDMarker {
		if page.VersionIDMarker == "" {
			return ErrorInvalidArgument("version-id-marker", "", "A version-id marker cannot be empty.")
		} else if !page.HasKeyMarker {
			return ErrorInvalidArgument("version-id-marker", "", "A version-id marker cannot be specified without a key marker.")
		}
	} else if page.HasKeyMarker && page.KeyMarker == "" {
		// S3 ignores everything if you pass an empty key marker, so hide
		// that bit of ugliness from the Backend.
		page = ListBucketVersionsPage{}
	}

	bucket, err := g.versioned.ListBucketVersions(r.Context(), bucketName, &prefix, &page)
	if err != nil {
		return err
	}

	for _, ver := range bucket.Versions {
		// S3 returns the _string_ 'null' for the version ID of records
		// written while versioning was not enabled.
		if ver.GetVersionID() == "" {
			ver.setVersionID("null")
		}
	}

	return g.xmlEncoder(w).Encode(bucket)
}

func (g *Server) createBucket(bucket string, w http.ResponseWriter, r *http.Request) error {
	g.log.Print(LogInfo, "CREATE BUCKET:", bucket)

	if err := ValidateBucketName(bucket); err != nil {
		return err
	}

	var owner string
	if g.creds != nil {
		var ok bool
		owner, ok = g.creds.Owner(accessKeyID(r), g.timeSource.Now())
		if !ok {
			return ResourceError(ErrAccessDenied, bucket)
		}
	}

	if err := g.storage.CreateBucket(r.Context(), bucket); err != nil {
		return err
	}
	if g.creds != nil {
		if err := g.creds.BucketCreated(owner, bucket); err != nil {
			return err
		}
	}

	w.Header().Set("Location", "/"+bucket)
	_, err := w.Write([]byte{})
	return err
}

// deleteBucket deletes the bucket in the underlying backend, if and only if
// it contains no items.
func (g *Server) deleteBucket(bucket string, w http.ResponseWriter, r *http.Request) error {
	g.log.Print(LogInfo, "DELETE BUCKET:", bucket)

	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}
	if err := g.storage.DeleteBucket(r.Context(), bucket); err != nil {
		return err
	}
	if g.creds != nil {
		if err := g.creds.BucketDeleted(bucket); err != nil {
			return err
		}
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// headBucket checks whether a bucket exists.
func (g *Server) headBucket(bucket string, w http.ResponseWriter, r *http.Request) error {
	g.log.Print(LogInfo, "HEAD BUCKET", bucket)

	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	_, err := w.Write([]byte{})
	return err
}

func (g *Server) getBucketVersioning(bucket string, w http.ResponseWriter, r *http.Request) error {
	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	var config VersioningConfiguration

	if g.versioned != nil {
		var err error
		config, err = g.versioned.VersioningConfiguration(r.Context(), bucket)
		if err != nil {
			return err
		}
	}

	return g.xmlEncoder(w).Encode(config)
}

func (g *Server) putBucketVersioning(bucket string, w http.ResponseWriter, r *http.Request) error {
	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	var in VersioningConfiguration
	if err := g.xmlDecodeBody(r.Body, &in); err != nil {
		return err
	}

	if g.versioned == nil {
		if in.MFADelete == MFADeleteEnabled || in.Status == VersioningEnabled {
			// Only refuse when there's an attempt to enable; a disable
			// request matches the current state and has no effect.
			return ErrNotImplemented
		}
		return nil
	}

	g.log.Print(LogInfo, "PUT VERSIONING:", bucket, in.Status)
	return g.versioned.SetVersioningConfiguration(r.Context(), bucket, in)
}

/* -------------------------------------------------------------------------
Object handlers
------------------------------------------------------------------------- */

// CheckClose is a utility function used to check the return from Close in a
// defer statement.
func CheckClose(c io.Closer, err *error) {
	cerr := c.Close()
	if *err == nil {
		*err = cerr
	}
}

func (g *Server) getObject(
	bucket, object string,
	versionID VersionID,
	w http.ResponseWriter,
	r *http.Request,
) (err error) {

	g.log.Print(LogInfo, "GET OBJECT", "Bucket:", bucket, "Object:", object)

	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	rnge, err := parseRangeHeader(r.Header.Get("Range"))
	if err != nil {
		return err
	}

	var obj *Object

	if versionID == "" {
		obj, err = g.storage.GetObject(r.Context(), bucket, object, rnge)
		if err != nil {
			return err
		}
	} else {
		if g.versioned == nil {
			return ErrNotImplemented
		}
		obj, err = g.versioned.GetObjectVersion(r.Context(), bucket, object, versionID, rnge)
		if err != nil {
			return err
		}
	}

	if obj == nil {
		g.log.Print(LogErr, "unexpected nil object for key", bucket, object)
		return ErrInternal
	}
	defer CheckClose(obj.Contents, &err)

	if err := g.writeGetOrHeadObjectResponse(obj, versionID, w, r); err != nil {
		return err
	}

	// Writes Content-Length, and Content-Range if applicable:
	obj.Range.writeHeader(obj.Size, w)

	if _, err := io.Copy(w, obj.Contents); err != nil {
		return err
	}

	return nil
}

// writeGetOrHeadObjectResponse contains the logic shared by GET and HEAD on
// a /bucket/object URL: delete-marker masking, conditional evaluation and
// the metadata headers.
func (g *Server) writeGetOrHeadObjectResponse(obj *Object, versionID VersionID, w http.ResponseWriter, r *http.Request) error {
	// "If the current version of the object is a delete marker, Amazon S3
	// behaves as if the object was deleted and includes
	// x-amz-delete-marker: true in the response."
	if obj.IsDeleteMarker {
		if obj.VersionID != "" {
			w.Header().Set("x-amz-version-id", string(obj.VersionID))
		}
		w.Header().Set("x-amz-delete-marker", "true")
		return KeyNotFound(obj.Name)
	}

	etag := obj.etagValue()

	if err := conditionsFromHeaders(r.Header).evaluate(obj.ETag, obj.LastModified, true); err != nil {
		if HasErrorCode(err, ErrNotModified) {
			w.Header().Set("ETag", etag)
		}
		return err
	}

	for mk, mv := range obj.Metadata {
		w.Header().Set(mk, mv)
	}

	if obj.VersionID != "" && (versionID != "" || string(obj.VersionID) != "null") {
		w.Header().Set("x-amz-version-id", string(obj.VersionID))
	}

	w.Header().Set("ETag", etag)
	w.Header().Set("Accept-Ranges", "bytes")

	return nil
}

// headObject retrieves only the metadata of an object, not the whole body.
func (g *Server) headObject(
	bucket, object string,
	versionID VersionID,
	w http.ResponseWriter,
	r *http.Request,
) (err error) {

	g.log.Print(LogInfo, "HEAD OBJECT", bucket, object)

	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	var obj *Object

	if versionID == "" {
		obj, err = g.storage.HeadObject(r.Context(), bucket, object)
		if err != nil {
			return err
		}
	} else {
		if g.versioned == nil {
			return ErrNotImplemented
		}
		obj, err = g.versioned.GetObjectVersion(r.Context(), bucket, object, versionID, nil)
		if err != nil {
			return err
		}
	}

	if obj == nil {
		g.log.Print(LogErr, "unexpected nil object for key", bucket, object)
		return ErrInternal
	}
	defer CheckClose(obj.Contents, &err)

	if err := g.writeGetOrHeadObjectResponse(obj, versionID, w, r); err != nil {
		return err
	}

	w.Header().Set("Content-Length", fmt.Sprintf("%d", obj.Size))

	return nil
}

// createObject creates a new S3 object, or dispatches to copyObject when
// the request carries an x-amz-copy-source header.
func (g *Server) createObject(bucket, object string, w http.ResponseWriter, r *http.Request) (err error) {
	g.log.Print(LogInfo, "CREATE OBJECT:", bucket, object)

	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	if r.Header.Get("x-amz-copy-source") != "" {
		return g.copyObject(bucket, object, w, r)
	}

	meta, err := metadataHeaders(r.Header, g.timeSource.Now(), g.metadataSizeLimit)
	if err != nil {
		return err
	}

	// Go promotes Content-Length into ContentLength; -1 means the client
	// never sent one.
	size := r.ContentLength
	if size < 0 {
		return ErrMissingContentLength
	}

	var md5Base64 string
	if g.integrityCheck {
		md5Base64 = r.Header.Get("Content-MD5")

		if _, ok := r.Header[textproto.CanonicalMIMEHeaderKey("Content-MD5")]; ok && md5Base64 == "" {
			return ErrorMessage(ErrInvalidRequest, "The Content-MD5 you specified was invalid.")
		}
	}

	var reader io.Reader = r.Body
	if isChunkedPayload(r) {
		reader = newChunkedReader(r.Body)
		size, err = strconv.ParseInt(r.Header.Get("X-Amz-Decoded-Content-Length"), 10, 64)
		if err != nil || size < 0 {
			return ErrorMessage(ErrInvalidRequest, "Invalid X-Amz-Decoded-Content-Length")
		}
	}

	// hashingReader validates Content-MD5 while the backend streams the
	// body to disk.
	rdr, err := newHashingReader(reader, md5Base64)
	defer CheckClose(r.Body, &err)
	if err != nil {
		return err
	}

	result, err := g.storage.PutObject(r.Context(), bucket, object, meta, rdr, size)
	if err != nil {
		return err
	}

	if result.VersionID != "" {
		g.log.Print(LogInfo, "CREATED VERSION:", bucket, object, result.VersionID)
		w.Header().Set("x-amz-version-id", string(result.VersionID))
	}
	w.Header().Set("ETag", `"`+result.ETag+`"`)

	return nil
}

// copyObject copies an existing object, honouring the copy-source
// conditional headers and the metadata directive.
func (g *Server) copyObject(bucket, object string, w http.ResponseWriter, r *http.Request) (err error) {
	source := r.Header.Get("x-amz-copy-source")
	g.log.Print(LogInfo, "COPY:", source, "TO", bucket, object)

	srcBucket, srcKey, srcVersion, err := parseCopySource(source)
	if err != nil {
		return err
	}
	if err := ValidateObjectKey(srcKey); err != nil {
		return err
	}
	if err := g.authorizeBucket(r, srcBucket); err != nil {
		return err
	}
	if err := g.ensureBucketExists(r, srcBucket); err != nil {
		return err
	}

	ctx := r.Context()

	var srcObj *Object
	if srcVersion == "" {
		srcObj, err = g.storage.HeadObject(ctx, srcBucket, srcKey)
	} else {
		if g.versioned == nil {
			return ErrNotImplemented
		}
		srcObj, err = g.versioned.GetObjectVersion(ctx, srcBucket, srcKey, srcVersion, nil)
	}
	if err != nil {
		return err
	}
	defer CheckClose(srcObj.Contents, &err)

	if srcObj.IsDeleteMarker {
		return KeyNotFound(srcKey)
	}

	if err := copySourceConditions(r.Header).evaluate(srcObj.ETag, srcObj.LastModified, false); err != nil {
		return err
	}

	// The metadata directive selects between carrying the source metadata
	// over and replacing it with the request's.
	var meta map[string]string
	directive := strings.ToUpper(r.Header.Get("x-amz-metadata-directive"))
	switch directive {
	case "", "COPY":
		if srcBucket == bucket && srcKey == object && srcVersion == "" {
			return ErrorMessage(ErrInvalidRequest,
				"This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata.")
		}
		meta = srcObj.Metadata
	case "REPLACE":
		meta, err = metadataHeaders(r.Header, g.timeSource.Now(), g.metadataSizeLimit)
		if err != nil {
			return err
		}
	default:
		return ErrorInvalidArgument("x-amz-metadata-directive", directive, "Unknown metadata directive.")
	}

	var result CopyObjectResult
	if srcVersion == "" {
		result, err = g.storage.CopyObject(ctx, srcBucket, srcKey, bucket, object, meta)
		if err != nil {
			return err
		}
	} else {
		// A versioned source streams through GetObjectVersion; CopyObject
		// only sees the latest.
		srcData, err := g.versioned.GetObjectVersion(ctx, srcBucket, srcKey, srcVersion, nil)
		if err != nil {
			return err
		}
		putResult, err := g.storage.PutObject(ctx, bucket, object, meta, srcData.Contents, srcData.Size)
		_ = srcData.Contents.Close()
		if err != nil {
			return err
		}
		result = CopyObjectResult{
			ETag:         `"` + putResult.ETag + `"`,
			LastModified: NewContentTime(putResult.LastModified),
		}
		if putResult.VersionID != "" {
			w.Header().Set("x-amz-version-id", string(putResult.VersionID))
		}
	}

	if srcObj.VersionID != "" {
		w.Header().Set("x-amz-copy-source-version-id", string(srcObj.VersionID))
	}

	return g.xmlEncoder(w).Encode(result)
}

func (g *Server) deleteObject(bucket, object string, w http.ResponseWriter, r *http.Request) error {
	g.log.Print(LogInfo, "DELETE:", bucket, object)

	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	result, err := g.storage.DeleteObject(r.Context(), bucket, object)
	if err != nil {
		return err
	}

	if result.IsDeleteMarker {
		w.Header().Set("x-amz-delete-marker", "true")
	}
	if result.VersionID != "" {
		w.Header().Set("x-amz-version-id", string(result.VersionID))
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (g *Server) deleteObjectVersion(bucket, object string, version VersionID, w http.ResponseWriter, r *http.Request) error {
	if g.versioned == nil {
		return ErrNotImplemented
	}

	g.log.Print(LogInfo, "DELETE VERSION:", bucket, object, version)

	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	result, err := g.versioned.DeleteObjectVersion(r.Context(), bucket, object, version)
	if err != nil {
		return err
	}

	if result.IsDeleteMarker {
		w.Header().Set("x-amz-delete-marker", "true")
	}
	if result.VersionID != "" {
		w.Header().Set("x-amz-version-id", string(result.VersionID))
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// deleteMulti deletes multiple S3 objects from the bucket.
// https://docs.aws.amazon.com/AmazonS3/latest/API/multiobjectdeleteapi.html
func (g *Server) deleteMulti(bucket string, w http.ResponseWriter, r *http.Request) (err error) {
	g.log.Print(LogInfo, "delete multi", bucket)

	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	var in DeleteRequest
	if err := g.xmlDecodeBody(r.Body, &in); err != nil {
		return err
	}

	keys := make([]string, len(in.Objects))
	for i, o := range in.Objects {
		keys[i] = o.Key
	}

	out, err := g.storage.DeleteMulti(r.Context(), bucket, keys...)
	if err != nil {
		return err
	}

	if in.Quiet {
		out.Deleted = nil
	}

	return g.xmlEncoder(w).Encode(out)
}

/* -------------------------------------------------------------------------
Multipart handlers
------------------------------------------------------------------------- */

func (g *Server) initiateMultipartUpload(bucket, object string, w http.ResponseWriter, r *http.Request) error {
	g.log.Print(LogInfo, "initiate multipart upload", bucket, object)

	meta, err := metadataHeaders(r.Header, g.timeSource.Now(), g.metadataSizeLimit)
	if err != nil {
		return err
	}
	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	upload, err := g.uploader.Begin(bucket, object, meta, g.timeSource.Now())
	if err != nil {
		return err
	}
	out := InitiateMultipartUploadResult{
		Xmlns:    Xmlns,
		Bucket:   bucket,
		Key:      object,
		UploadID: upload.ID,
	}
	return g.xmlEncoder(w).Encode(out)
}

// From the docs:
//
//	A part number uniquely identifies a part and also defines its position
//	within the object being created. If you upload a new part using the same
//	part number that was used with a previous part, the previously uploaded
//	part is overwritten.
func (g *Server) putMultipartUploadPart(bucket, object string, uploadID UploadID, w http.ResponseWriter, r *http.Request) (err error) {
	g.log.Print(LogInfo, "put multipart upload", bucket, object, uploadID)

	partNumber, err := strconv.ParseInt(r.URL.Query().Get("partNumber"), 10, 0)
	if err != nil || partNumber < 1 || partNumber > MaxUploadPartNumber {
		return ErrorInvalidArgument("partNumber", r.URL.Query().Get("partNumber"),
			"Part number must be an integer between 1 and 10000, inclusive.")
	}

	size := r.ContentLength
	if size < 0 {
		return ErrMissingContentLength
	}

	upload, err := g.uploader.Get(bucket, object, uploadID)
	if err != nil {
		return err
	}

	defer CheckClose(r.Body, &err)

	var rdr io.Reader = r.Body
	if isChunkedPayload(r) {
		rdr = newChunkedReader(r.Body)
		size, err = strconv.ParseInt(r.Header.Get("X-Amz-Decoded-Content-Length"), 10, 64)
		if err != nil || size < 0 {
			return ErrorMessage(ErrInvalidRequest, "Invalid X-Amz-Decoded-Content-Length")
		}
	}

	if g.integrityCheck {
		md5Base64 := r.Header.Get("Content-MD5")
		if _, ok := r.Header[textproto.CanonicalMIMEHeaderKey("Content-MD5")]; ok && md5Base64 == "" {
			return ErrorMessage(ErrInvalidRequest, "The Content-MD5 you specified was invalid.")
		}

		if md5Base64 != "" {
			rdr, err = newHashingReader(rdr, md5Base64)
			if err != nil {
				return err
			}
		}
	}

	etag, err := g.uploader.AddPart(upload, int(partNumber), g.timeSource.Now(), rdr, size)
	if err != nil {
		return err
	}

	w.Header().Add("ETag", etag)
	return nil
}

func (g *Server) abortMultipartUpload(bucket, object string, uploadID UploadID, w http.ResponseWriter, r *http.Request) error {
	g.log.Print(LogInfo, "abort multipart upload", bucket, object, uploadID)

	upload, err := g.uploader.Get(bucket, object, uploadID)
	if err != nil {
		return err
	}
	if err := g.uploader.Abort(upload); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (g *Server) completeMultipartUpload(bucket, object string, uploadID UploadID, w http.ResponseWriter, r *http.Request) error {
	g.log.Print(LogInfo, "complete multipart upload", bucket, object, uploadID)

	var in CompleteMultipartUploadRequest
	if err := g.xmlDecodeBody(r.Body, &in); err != nil {
		return err
	}

	upload, err := g.uploader.Get(bucket, object, uploadID)
	if err != nil {
		return err
	}

	ctx := r.Context()
	result, etag, err := g.uploader.Complete(upload, &in,
		func(rdr io.Reader, size int64, etag string) (PutObjectResult, error) {
			meta := make(map[string]string, len(upload.Meta)+1)
			for k, v := range upload.Meta {
				meta[k] = v
			}
			meta[MetaETagOverride] = etag
			return g.storage.PutObject(ctx, bucket, object, meta, rdr, size)
		})
	if err != nil {
		return err
	}

	if result.VersionID != "" {
		w.Header().Set("x-amz-version-id", string(result.VersionID))
	}

	return g.xmlEncoder(w).Encode(&CompleteMultipartUploadResult{
		Xmlns:    Xmlns,
		Location: "/" + bucket + "/" + object,
		Bucket:   bucket,
		Key:      object,
		ETag:     `"` + etag + `"`,
	})
}

func (g *Server) listMultipartUploads(bucket string, w http.ResponseWriter, r *http.Request) error {
	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	query := r.URL.Query()
	prefix := prefixFromQuery(query)
	marker := uploadListMarkerFromQuery(query)

	maxUploads, err := parseClampedInt(query.Get("max-uploads"), DefaultMaxUploads, 0, MaxUploadsLimit)
	if err != nil {
		return ErrInvalidURI
	}
	if maxUploads == 0 {
		maxUploads = DefaultMaxUploads
	}

	out, err := g.uploader.List(bucket, marker, prefix, maxUploads)
	if err != nil {
		return err
	}

	return g.xmlEncoder(w).Encode(out)
}

func (g *Server) listMultipartUploadParts(bucket, object string, uploadID UploadID, w http.ResponseWriter, r *http.Request) error {
	if err := g.ensureBucketExists(r, bucket); err != nil {
		return err
	}

	query := r.URL.Query()

	marker, err := parseClampedInt(query.Get("part-number-marker"), 0, 0, MaxUploadPartNumber)
	if err != nil {
		return ErrInvalidURI
	}

	maxParts, err := parseClampedInt(query.Get("max-parts"), DefaultMaxUploadParts, 0, MaxUploadPartsLimit)
	if err != nil {
		return ErrInvalidURI
	}

	out, err := g.uploader.ListParts(bucket, object, uploadID, int(marker), maxParts)
	if err != nil {
		return err
	}

	return g.xmlEncoder(w).Encode(out)
}

/* -------------------------------------------------------------------------
Shared plumbing
------------------------------------------------------------------------- */

func (g *Server) ensureBucketExists(r *http.Request, bucket string) error {
	exists, err := g.storage.BucketExists(r.Context(), bucket)
	if err != nil {
		return err
	}
	if !exists {
		return ResourceError(ErrNoSuchBucket, bucket)
	}
	return nil
}

func (g *Server) xmlEncoder(w http.ResponseWriter) *xml.Encoder {
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))

	xe := xml.NewEncoder(w)
	xe.Indent("", "  ")
	return xe
}

func (g *Server) xmlDecodeBody(rdr io.ReadCloser, into interface{}) (err error) {
	body, err := io.ReadAll(rdr)
	defer CheckClose(rdr, &err)
	if err != nil {
		return err
	}

	if err := xml.Unmarshal(body, into); err != nil {
		return ErrorMessage(ErrMalformedXML, err.Error())
	}

	return nil
}

// parseCopySource splits an x-amz-copy-source header value into its bucket,
// key and optional versionId subresource.
func parseCopySource(source string) (bucket, key string, versionID VersionID, err error) {
	source = strings.TrimPrefix(source, "/")

	if idx := strings.IndexByte(source, '?'); idx >= 0 {
		rawQuery := source[idx+1:]
		source = source[:idx]
		if vals, qerr := url.ParseQuery(rawQuery); qerr == nil {
			versionID = VersionID(vals.Get("versionId"))
		}
	}

	source, err = url.QueryUnescape(source)
	if err != nil {
		return "", "", "", ErrorInvalidArgument("x-amz-copy-source", source, "Invalid copy source encoding.")
	}

	parts := strings.SplitN(source, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", ErrorInvalidArgument("x-amz-copy-source", source, "Copy source must be of the form /bucket/key.")
	}
	return parts[0], parts[1], versionID, nil
}

func metadataSize(meta map[string]string) int {
	total := 0
	for k, v := range meta {
		total += len(k) + len(v)
	}
	return total
}

// metadataHeaders filters the headers an object write should retain:
// Content-*, Cache-Control and the x-amz-* metadata family.
func metadataHeaders(headers map[string][]string, at time.Time, sizeLimit int) (map[string]string, error) {
	meta := make(map[string]string)
	for hk, hv := range headers {
		if strings.HasPrefix(hk, "X-Amz-") || strings.HasPrefix(hk, "Content-") || hk == "Cache-Control" {
			meta[hk] = hv[0]
		}
	}
	meta["Last-Modified"] = formatHeaderTime(at)

	if sizeLimit > 0 && metadataSize(meta) > sizeLimit {
		return meta, ResourceError(ErrMetadataTooLarge, "")
	}

	return meta, nil
}

func formatHeaderTime(t time.Time) string {
	// https://github.com/aws/aws-sdk-go/issues/1937 - FIXED
	// https://github.com/aws/aws-sdk-go-v2/issues/178 - Still open
	// .Format("Mon, 2 Jan 2006 15:04:05 MST")

	tc := t.In(time.UTC)
	return tc.Format("Mon, 02 Jan 2006 15:04:05") + " GMT"
}

func listBucketPageFromQuery(query url.Values) (page ListBucketPage, rerr error) {
	maxKeys, err := parseClampedInt(query.Get("max-keys"), DefaultMaxBucketKeys, 0, MaxBucketKeys)
	if err != nil {
		return page, err
	}

	page.MaxKeys = maxKeys

	if _, page.HasMarker = query["marker"]; page.HasMarker {
		// List Objects V1 uses marker only:
		page.Marker = query.Get("marker")

	} else if _, page.HasMarker = query["continuation-token"]; page.HasMarker {
		// List Objects V2 uses continuation-token preferentially, or
		// start-after if continuation-token is missing. The token is opaque
		// to clients; ours is just the next marker base64ed.
		tok, err := base64.URLEncoding.DecodeString(query.Get("continuation-token"))
		if err != nil {
			return page, ErrInvalidToken
		}
		page.Marker = string(tok)

	} else if _, page.HasMarker = query["start-after"]; page.HasMarker {
		page.Marker = query.Get("start-after")
	}

	return page, nil
}

func listBucketVersionsPageFromQuery(query url.Values) (page ListBucketVersionsPage, rerr error) {
	maxKeys, err := parseClampedInt(query.Get("max-keys"), DefaultMaxBucketVersionKeys, 0, MaxBucketVersionKeys)
	if err != nil {
		return page, err
	}

	page.MaxKeys = maxKeys
	page.KeyMarker = query.Get("key-marker")
	page.VersionIDMarker = VersionID(query.Get("version-id-marker"))
	_, page.HasKeyMarker = query["key-marker"]
	_, page.HasVersionIDMarker = query["version-id-marker"]

	return page, nil
}
