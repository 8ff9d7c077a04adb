package alarik

import (
	"context"
	"io"
	"strconv"
	"time"
)

const (
	// DefaultMaxBucketKeys is the default and maximum value of max-keys for
	// object listings.
	DefaultMaxBucketKeys = 1000

	// DefaultMaxBucketVersionKeys is the same limit for version listings.
	DefaultMaxBucketVersionKeys = 1000

	DefaultMaxUploads     = 1000
	DefaultMaxUploadParts = 1000

	MaxBucketKeys        = 1000
	MaxBucketVersionKeys = 1000
	MaxUploadsLimit      = 1000
	MaxUploadPartsLimit  = 1000

	// MaxUploadPartNumber is the largest part number accepted by UploadPart.
	MaxUploadPartNumber = 10000

	// DefaultSkewLimit is how far x-amz-date may drift from the server clock.
	DefaultSkewLimit = 15 * time.Minute

	// DefaultMetadataSizeLimit bounds the total size (names plus values) of
	// the headers retained as object metadata.
	DefaultMetadataSizeLimit = 2 << 10

	// DefaultMaxBodySize bounds the request body; 5 TiB matches the S3
	// single-object ceiling.
	DefaultMaxBodySize = 5 << 40
)

// Object is the result of a GetObject or HeadObject call against a Backend.
//
// Contents is always non-nil; HeadObject returns an empty reader. Hash is the
// raw MD5 of the stored bytes unless the object was assembled from a
// multipart upload, in which case ETag carries the composite form and Hash is
// nil.
type Object struct {
	Name           string
	Metadata       map[string]string
	LastModified   time.Time
	Size           int64
	Contents       io.ReadCloser
	Hash           []byte
	ETag           string
	Range          *ObjectRange
	VersionID      VersionID
	IsDeleteMarker bool
}

// etagValue returns the quoted wire form of the object's ETag.
func (o *Object) etagValue() string {
	return `"` + unquoteETag(o.ETag) + `"`
}

// PutObjectResult is returned by Backend.PutObject and CopyObject.
type PutObjectResult struct {
	// VersionID is set when the write created a version; the empty string
	// means the bucket stores a single current object per key.
	VersionID VersionID

	// ETag of the stored object, unquoted.
	ETag string

	LastModified time.Time
}

// ObjectDeleteResult is returned by Backend.DeleteObject.
type ObjectDeleteResult struct {
	// IsDeleteMarker is true when versioning turned the delete into a marker
	// version rather than removing data.
	IsDeleteMarker bool

	// VersionID of the delete marker, when one was created.
	VersionID VersionID
}

// ObjectList collects the results of a bucket object listing.
type ObjectList struct {
	CommonPrefixes []CommonPrefix
	Contents       []*Content
	IsTruncated    bool
	NextMarker     string

	prefixes map[string]bool
}

func NewObjectList() *ObjectList {
	return &ObjectList{}
}

func (b *ObjectList) Add(item *Content) {
	b.Contents = append(b.Contents, item)
}

func (b *ObjectList) AddPrefix(prefix string) {
	if b.prefixes == nil {
		b.prefixes = map[string]bool{}
	} else if b.prefixes[prefix] {
		return
	}
	b.prefixes[prefix] = true
	b.CommonPrefixes = append(b.CommonPrefixes, CommonPrefix{Prefix: prefix})
}

// ListBucketPage carries the pagination inputs of an object listing.
type ListBucketPage struct {
	Marker    string
	HasMarker bool
	MaxKeys   int64
}

func (p ListBucketPage) IsEmpty() bool {
	return p == ListBucketPage{}
}

// ListBucketVersionsPage carries the two-field pagination of a version
// listing.
type ListBucketVersionsPage struct {
	KeyMarker          string
	HasKeyMarker       bool
	VersionIDMarker    VersionID
	HasVersionIDMarker bool
	MaxKeys            int64
}

// MetaETagOverride is the reserved meta-map entry recognised by
// Backend.PutObject. See the Backend documentation.
const MetaETagOverride = "ETag"

// Backend is the object storage engine as seen by the dispatcher. All
// methods take the request context and may be cancelled by client
// disconnect.
//
// PutObject recognises a reserved "ETag" entry in the meta map: when
// present it is stored verbatim as the object's ETag instead of the computed
// MD5. The multipart engine uses this to persist composite ETags; the entry
// never reaches user metadata.
type Backend interface {
	ListBuckets(ctx context.Context) (Buckets, error)

	ListBucket(ctx context.Context, name string, prefix *Prefix, page ListBucketPage) (*ObjectList, error)

	BucketExists(ctx context.Context, name string) (bool, error)

	// CreateBucket creates the bucket if it does not already exist. Existing
	// buckets fail with ErrBucketAlreadyExists.
	CreateBucket(ctx context.Context, name string) error

	// DeleteBucket deletes the bucket if it contains no current,
	// non-delete-marker keys, otherwise fails with ErrBucketNotEmpty.
	DeleteBucket(ctx context.Context, name string) error

	GetObject(ctx context.Context, bucketName, objectName string, rangeRequest *ObjectRangeRequest) (*Object, error)

	// HeadObject fetches metadata only. Contents of the returned Object is an
	// empty, valid ReadCloser.
	HeadObject(ctx context.Context, bucketName, objectName string) (*Object, error)

	PutObject(ctx context.Context, bucketName, key string, meta map[string]string, input io.Reader, size int64) (PutObjectResult, error)

	// DeleteObject removes the current object, or writes a delete marker when
	// the bucket has versioning enabled. Deleting a missing key succeeds.
	DeleteObject(ctx context.Context, bucketName, objectName string) (ObjectDeleteResult, error)

	DeleteMulti(ctx context.Context, bucketName string, objects ...string) (MultiDeleteResult, error)

	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) (CopyObjectResult, error)
}

// VersionedBackend is implemented by backends that support multi-version
// object history.
//
// Version ids are opaque 32-character lowercase hex strings, except the
// sentinel "null" denoting the unversioned current object of a bucket in
// Suspended state.
type VersionedBackend interface {
	// VersioningConfiguration returns the bucket's current state. A bucket
	// that has never had versioning configured reports an empty Status.
	VersioningConfiguration(ctx context.Context, bucket string) (VersioningConfiguration, error)

	// SetVersioningConfiguration transitions the bucket between Enabled and
	// Suspended. Disabling outright is not possible once enabled, matching
	// S3.
	SetVersioningConfiguration(ctx context.Context, bucket string, v VersioningConfiguration) error

	GetObjectVersion(ctx context.Context, bucketName, objectName string, versionID VersionID, rangeRequest *ObjectRangeRequest) (*Object, error)

	// DeleteObjectVersion permanently removes one version or delete marker.
	// Removing a version that does not exist succeeds.
	DeleteObjectVersion(ctx context.Context, bucketName, objectName string, versionID VersionID) (ObjectDeleteResult, error)

	// ListBucketVersions enumerates every version of every key under the
	// prefix, keys in ASCII order, versions newest first within a key.
	ListBucketVersions(ctx context.Context, bucketName string, prefix *Prefix, page *ListBucketVersionsPage) (*ListBucketVersionsResult, error)
}

// parseClampedInt parses a query-string integer, applying the default when
// absent and clamping the result to [min, max].
func parseClampedInt(in string, defaultValue, min, max int64) (int64, error) {
	if in == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseInt(in, 10, 0)
	if err != nil {
		return defaultValue, err
	}
	if v < min {
		v = min
	} else if v > max {
		v = max
	}
	return v, nil
}
