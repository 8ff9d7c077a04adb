// Package s3afero provides a filesystem-backed storage engine over an
// afero.Fs. Object bytes live at the key's path inside the bucket
// directory with a JSON sidecar next to them; versioned history lives in a
// parallel "<key>.versions/" tree. Writes go through a temp file and an
// atomic rename: object bytes are spooled at the bucket root and renamed to
// their final path, sidecars are written beside their target. Deletes remove
// files directly.
package s3afero

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/lazoart/alarik"
)

// Backend is the engine. It implements alarik.Backend and
// alarik.VersionedBackend.
type Backend struct {
	fs         afero.Fs
	timeSource alarik.TimeSource

	// mu guards the versioning-state cache. The state itself is persisted
	// per bucket; this map only avoids re-reading the file on every write.
	mu         sync.RWMutex
	versioning map[string]alarik.VersioningStatus
}

var _ alarik.Backend = &Backend{}
var _ alarik.VersionedBackend = &Backend{}

type Option func(b *Backend)

func WithTimeSource(ts alarik.TimeSource) Option {
	return func(b *Backend) { b.timeSource = ts }
}

// New creates a Backend over the given filesystem, which should be rooted
// at the buckets directory (e.g. afero.NewBasePathFs(afero.NewOsFs(),
// bucketsRoot)).
func New(fs afero.Fs, opts ...Option) *Backend {
	b := &Backend{
		fs:         fs,
		versioning: map[string]alarik.VersioningStatus{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.timeSource == nil {
		b.timeSource = alarik.DefaultTimeSource()
	}
	return b
}

// MultipartFs returns a scratch filesystem rooted at the given OS path,
// sized for the uploader. Provided here so callers configure both roots the
// same way.
func MultipartFs(root string) (afero.Fs, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	return afero.NewBasePathFs(afero.NewOsFs(), root), nil
}

/* -------------------------------------------------------------------------
Buckets
------------------------------------------------------------------------- */

func (b *Backend) ListBuckets(ctx context.Context) (alarik.Buckets, error) {
	entries, err := afero.ReadDir(b.fs, ".")
	if err != nil {
		return nil, errors.Wrap(err, "s3afero: list buckets")
	}

	var buckets alarik.Buckets
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		buckets = append(buckets, alarik.BucketInfo{
			Name:         name,
			CreationDate: alarik.NewContentTime(entry.ModTime()),
		})
	}
	return buckets, nil
}

func (b *Backend) BucketExists(ctx context.Context, name string) (bool, error) {
	return afero.DirExists(b.fs, bucketPath(name))
}

func (b *Backend) CreateBucket(ctx context.Context, name string) error {
	exists, err := b.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return alarik.ResourceError(alarik.ErrBucketAlreadyExists, name)
	}
	return errors.Wrap(b.fs.MkdirAll(bucketPath(name), 0755), "s3afero: create bucket")
}

func (b *Backend) DeleteBucket(ctx context.Context, name string) error {
	exists, err := b.BucketExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return alarik.BucketNotFound(name)
	}

	hasObjects, err := b.hasAnyObjects(name)
	if err != nil {
		return err
	}
	if hasObjects {
		return alarik.ResourceError(alarik.ErrBucketNotEmpty, name)
	}

	b.mu.Lock()
	delete(b.versioning, name)
	b.mu.Unlock()

	return errors.Wrap(b.fs.RemoveAll(bucketPath(name)), "s3afero: delete bucket")
}

/* -------------------------------------------------------------------------
Versioning state
------------------------------------------------------------------------- */

func (b *Backend) VersioningConfiguration(ctx context.Context, bucket string) (alarik.VersioningConfiguration, error) {
	exists, err := b.BucketExists(ctx, bucket)
	if err != nil {
		return alarik.VersioningConfiguration{}, err
	}
	if !exists {
		return alarik.VersioningConfiguration{}, alarik.BucketNotFound(bucket)
	}
	status, err := b.versioningStatus(bucket)
	if err != nil {
		return alarik.VersioningConfiguration{}, err
	}
	return alarik.VersioningConfiguration{Status: status}, nil
}

func (b *Backend) SetVersioningConfiguration(ctx context.Context, bucket string, v alarik.VersioningConfiguration) error {
	exists, err := b.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if !exists {
		return alarik.BucketNotFound(bucket)
	}
	if v.MFADelete == alarik.MFADeleteEnabled {
		return alarik.ErrNotImplemented
	}
	if v.Status != alarik.VersioningEnabled && v.Status != alarik.VersioningSuspended {
		return alarik.ErrorMessage(alarik.ErrMalformedXML, "VersioningConfiguration requires a Status of Enabled or Suspended")
	}

	raw, err := json.Marshal(bucketVersioning{Status: v.Status})
	if err != nil {
		return errors.Wrap(err, "s3afero: encode versioning state")
	}
	if err := writeFileAtomic(b.fs, path.Join(bucketPath(bucket), versioningFile), raw); err != nil {
		return err
	}

	b.mu.Lock()
	b.versioning[bucket] = v.Status
	b.mu.Unlock()
	return nil
}

// versioningStatus resolves the bucket's current state, reading through the
// in-memory cache.
func (b *Backend) versioningStatus(bucket string) (alarik.VersioningStatus, error) {
	b.mu.RLock()
	status, ok := b.versioning[bucket]
	b.mu.RUnlock()
	if ok {
		return status, nil
	}

	raw, err := afero.ReadFile(b.fs, path.Join(bucketPath(bucket), versioningFile))
	if err != nil {
		if os.IsNotExist(err) {
			b.mu.Lock()
			b.versioning[bucket] = alarik.VersioningNone
			b.mu.Unlock()
			return alarik.VersioningNone, nil
		}
		return alarik.VersioningNone, errors.Wrap(err, "s3afero: read versioning state")
	}

	var state bucketVersioning
	if err := json.Unmarshal(raw, &state); err != nil {
		return alarik.VersioningNone, errors.Wrap(err, "s3afero: decode versioning state")
	}
	status = state.Status

	b.mu.Lock()
	b.versioning[bucket] = status
	b.mu.Unlock()
	return status, nil
}

/* -------------------------------------------------------------------------
Objects
------------------------------------------------------------------------- */

func (b *Backend) GetObject(ctx context.Context, bucketName, objectName string, rangeRequest *alarik.ObjectRangeRequest) (*alarik.Object, error) {
	meta, dataPath, err := b.resolveLatest(bucketName, objectName)
	if err != nil {
		return nil, err
	}
	return b.openObject(objectName, meta, dataPath, rangeRequest, true)
}

func (b *Backend) HeadObject(ctx context.Context, bucketName, objectName string) (*alarik.Object, error) {
	meta, dataPath, err := b.resolveLatest(bucketName, objectName)
	if err != nil {
		return nil, err
	}
	return b.openObject(objectName, meta, dataPath, nil, false)
}

func (b *Backend) GetObjectVersion(ctx context.Context, bucketName, objectName string, versionID alarik.VersionID, rangeRequest *alarik.ObjectRangeRequest) (*alarik.Object, error) {
	meta, dataPath, err := b.resolveVersion(bucketName, objectName, versionID)
	if err != nil {
		return nil, err
	}
	return b.openObject(objectName, meta, dataPath, rangeRequest, true)
}

// openObject turns a resolved sidecar into a served Object, slicing by
// range when one was requested. Delete markers are returned as-is; the
// dispatcher decides how to surface them.
func (b *Backend) openObject(objectName string, meta *objectMeta, dataPath string, rangeRequest *alarik.ObjectRangeRequest, withContents bool) (*alarik.Object, error) {
	obj := &alarik.Object{
		Name:           objectName,
		Metadata:       meta.responseMetadata(),
		LastModified:   meta.UpdatedAt,
		Size:           meta.Size,
		ETag:           meta.ETag,
		VersionID:      alarik.VersionID(meta.VersionID),
		IsDeleteMarker: meta.IsDeleteMarker,
		Contents:       noOpReadCloser{},
	}
	if hash, err := hex.DecodeString(meta.ETag); err == nil && len(hash) == md5.Size {
		obj.Hash = hash
	}

	if meta.IsDeleteMarker || !withContents {
		return obj, nil
	}

	rnge, err := rangeRequest.Range(meta.Size)
	if err != nil {
		return nil, err
	}
	obj.Range = rnge

	f, err := b.fs.Open(dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, alarik.KeyNotFound(objectName)
		}
		return nil, errors.Wrap(err, "s3afero: open object")
	}

	if rnge != nil {
		if _, err := f.Seek(rnge.Start, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "s3afero: seek")
		}
		obj.Contents = limitReadCloser{Reader: io.LimitReader(f, rnge.Length), closer: f}
	} else {
		obj.Contents = f
	}
	return obj, nil
}

func (b *Backend) PutObject(ctx context.Context, bucketName, key string, meta map[string]string, input io.Reader, size int64) (alarik.PutObjectResult, error) {
	var result alarik.PutObjectResult

	kp, err := keyPath(bucketName, key)
	if err != nil {
		return result, err
	}

	exists, err := b.BucketExists(ctx, bucketName)
	if err != nil {
		return result, err
	}
	if !exists {
		return result, alarik.BucketNotFound(bucketName)
	}

	status, err := b.versioningStatus(bucketName)
	if err != nil {
		return result, err
	}

	// Spool the body into a temp file in the bucket directory, hashing as
	// it streams, then rename into the final location.
	tmp, sum, written, err := b.spool(bucketPath(bucketName), input)
	if err != nil {
		return result, err
	}
	defer func() {
		if tmp != "" {
			_ = b.fs.Remove(tmp)
		}
	}()

	if size >= 0 && written != size {
		return result, alarik.ErrIncompleteBody
	}

	now := b.timeSource.Now()
	om := &objectMeta{
		Bucket:       bucketName,
		Key:          key,
		Size:         written,
		ContentType:  meta["Content-Type"],
		ETag:         hex.EncodeToString(sum),
		UpdatedAt:    now,
		UserMetadata: userMetadata(meta),
		IsLatest:     true,
	}
	if override, ok := meta[alarik.MetaETagOverride]; ok && override != "" {
		om.ETag = override
	}

	switch status {
	case alarik.VersioningEnabled:
		versionID := newVersionID()
		om.VersionID = string(versionID)

		vdir := kp + versionsSuffix
		if err := b.fs.MkdirAll(vdir, 0755); err != nil {
			return result, errors.Wrap(err, "s3afero: mkdir versions")
		}
		if err := b.clearLatest(bucketName, key, kp); err != nil {
			return result, err
		}
		if err := b.fs.Rename(tmp, path.Join(vdir, string(versionID))); err != nil {
			return result, errors.Wrap(err, "s3afero: rename version")
		}
		tmp = ""
		if err := writeMeta(b.fs, path.Join(vdir, string(versionID)+metaSuffix), om); err != nil {
			return result, err
		}
		result.VersionID = versionID

	case alarik.VersioningSuspended:
		om.VersionID = nullVersionID
		if err := b.clearLatest(bucketName, key, kp); err != nil {
			return result, err
		}
		if err := b.renameIntoPlace(tmp, kp); err != nil {
			return result, err
		}
		tmp = ""
		if err := writeMeta(b.fs, kp+metaSuffix, om); err != nil {
			return result, err
		}
		result.VersionID = alarik.VersionID(nullVersionID)

	default:
		if err := b.renameIntoPlace(tmp, kp); err != nil {
			return result, err
		}
		tmp = ""
		if err := writeMeta(b.fs, kp+metaSuffix, om); err != nil {
			return result, err
		}
	}

	result.ETag = om.ETag
	result.LastModified = now
	return result, nil
}

func (b *Backend) DeleteObject(ctx context.Context, bucketName, objectName string) (alarik.ObjectDeleteResult, error) {
	var result alarik.ObjectDeleteResult

	kp, err := keyPath(bucketName, objectName)
	if err != nil {
		return result, err
	}

	status, err := b.versioningStatus(bucketName)
	if err != nil {
		return result, err
	}

	if status == alarik.VersioningEnabled {
		// Versioning turns the delete into a marker version that masks the
		// key without destroying data.
		versionID := newVersionID()
		vdir := kp + versionsSuffix
		if err := b.fs.MkdirAll(vdir, 0755); err != nil {
			return result, errors.Wrap(err, "s3afero: mkdir versions")
		}
		if err := b.clearLatest(bucketName, objectName, kp); err != nil {
			return result, err
		}
		marker := &objectMeta{
			Bucket:         bucketName,
			Key:            objectName,
			Size:           0,
			ETag:           emptyMD5Hex,
			UpdatedAt:      b.timeSource.Now(),
			VersionID:      string(versionID),
			IsLatest:       true,
			IsDeleteMarker: true,
		}
		if err := writeMeta(b.fs, path.Join(vdir, string(versionID)+metaSuffix), marker); err != nil {
			return result, err
		}
		result.IsDeleteMarker = true
		result.VersionID = versionID
		return result, nil
	}

	// Disabled or Suspended: remove the current object and any history.
	// Deleting a missing key succeeds.
	_ = b.fs.Remove(kp)
	_ = b.fs.Remove(kp + metaSuffix)
	if err := b.fs.RemoveAll(kp + versionsSuffix); err != nil && !os.IsNotExist(err) {
		return result, errors.Wrap(err, "s3afero: remove versions")
	}
	return result, nil
}

func (b *Backend) DeleteObjectVersion(ctx context.Context, bucketName, objectName string, versionID alarik.VersionID) (alarik.ObjectDeleteResult, error) {
	var result alarik.ObjectDeleteResult

	kp, err := keyPath(bucketName, objectName)
	if err != nil {
		return result, err
	}

	var wasLatest, wasDeleteMarker bool

	if string(versionID) == nullVersionID {
		if meta, err := readMeta(b.fs, kp+metaSuffix); err == nil {
			wasLatest = meta.IsLatest
			wasDeleteMarker = meta.IsDeleteMarker
		}
		_ = b.fs.Remove(kp)
		_ = b.fs.Remove(kp + metaSuffix)
	} else {
		vdir := kp + versionsSuffix
		metaPath := path.Join(vdir, string(versionID)+metaSuffix)
		if meta, err := readMeta(b.fs, metaPath); err == nil {
			wasLatest = meta.IsLatest
			wasDeleteMarker = meta.IsDeleteMarker
		}
		_ = b.fs.Remove(path.Join(vdir, string(versionID)))
		_ = b.fs.Remove(metaPath)
		b.removeDirIfEmpty(vdir)
	}

	if wasLatest {
		if err := b.promoteNewestVersion(bucketName, objectName, kp); err != nil {
			return result, err
		}
	}

	result.IsDeleteMarker = wasDeleteMarker
	result.VersionID = versionID
	return result, nil
}

func (b *Backend) DeleteMulti(ctx context.Context, bucketName string, objects ...string) (alarik.MultiDeleteResult, error) {
	result := alarik.MultiDeleteResult{Xmlns: alarik.Xmlns}

	for _, object := range objects {
		dres, err := b.DeleteObject(ctx, bucketName, object)
		if err != nil {
			errResult := alarik.ErrorResultFromError(err)
			errResult.Key = object
			result.Error = append(result.Error, errResult)
			continue
		}
		result.Deleted = append(result.Deleted, alarik.ObjectID{
			Key:       object,
			VersionID: string(dres.VersionID),
		})
	}
	return result, nil
}

func (b *Backend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) (alarik.CopyObjectResult, error) {
	srcObj, err := b.GetObject(ctx, srcBucket, srcKey, nil)
	if err != nil {
		return alarik.CopyObjectResult{}, err
	}
	defer srcObj.Contents.Close()

	if srcObj.IsDeleteMarker {
		return alarik.CopyObjectResult{}, alarik.KeyNotFound(srcKey)
	}

	result, err := b.PutObject(ctx, dstBucket, dstKey, meta, srcObj.Contents, srcObj.Size)
	if err != nil {
		return alarik.CopyObjectResult{}, err
	}

	return alarik.CopyObjectResult{
		ETag:         `"` + result.ETag + `"`,
		LastModified: alarik.NewContentTime(result.LastModified),
	}, nil
}

/* -------------------------------------------------------------------------
Internals
------------------------------------------------------------------------- */

const emptyMD5Hex = "d41d8cd98f00b204e9800998ecf8427e"

// spool streams input into a temp file inside dir, returning the temp path,
// the MD5 of the bytes, and the byte count.
func (b *Backend) spool(dir string, input io.Reader) (tmp string, sum []byte, written int64, err error) {
	tmp = path.Join(dir, tmpPrefix+string(newVersionID()))

	f, err := b.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", nil, 0, errors.Wrap(err, "s3afero: create temp")
	}

	hash := md5.New()
	written, err = io.Copy(io.MultiWriter(f, hash), input)
	cerr := f.Close()
	if err != nil {
		_ = b.fs.Remove(tmp)
		return "", nil, 0, err
	}
	if cerr != nil {
		_ = b.fs.Remove(tmp)
		return "", nil, 0, errors.Wrap(cerr, "s3afero: close temp")
	}
	return tmp, hash.Sum(nil), written, nil
}

func (b *Backend) renameIntoPlace(tmp, target string) error {
	if dir := path.Dir(target); dir != "." {
		if err := b.fs.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "s3afero: mkdir")
		}
	}
	return errors.Wrap(b.fs.Rename(tmp, target), "s3afero: rename")
}

// resolveLatest finds the current version of a key: the versioned sidecar
// flagged isLatest when one exists, the unversioned sidecar otherwise, with
// a final fallback to a bare data file carried over from a tree written
// before sidecars existed.
func (b *Backend) resolveLatest(bucketName, objectName string) (*objectMeta, string, error) {
	kp, err := keyPath(bucketName, objectName)
	if err != nil {
		return nil, "", err
	}

	vdir := kp + versionsSuffix
	if ok, _ := afero.DirExists(b.fs, vdir); ok {
		metas, err := b.versionMetas(vdir)
		if err != nil {
			return nil, "", err
		}
		for _, m := range metas {
			if m.IsLatest {
				return m, path.Join(vdir, m.VersionID), nil
			}
		}
	}

	if meta, err := readMeta(b.fs, kp+metaSuffix); err == nil {
		return meta, kp, nil
	} else if !os.IsNotExist(err) {
		return nil, "", err
	}

	// Bare file without a sidecar.
	if info, err := b.fs.Stat(kp); err == nil && !info.IsDir() {
		return &objectMeta{
			Bucket:    bucketName,
			Key:       objectName,
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
			IsLatest:  true,
		}, kp, nil
	}

	return nil, "", alarik.KeyNotFound(objectName)
}

func (b *Backend) resolveVersion(bucketName, objectName string, versionID alarik.VersionID) (*objectMeta, string, error) {
	kp, err := keyPath(bucketName, objectName)
	if err != nil {
		return nil, "", err
	}

	if string(versionID) == nullVersionID {
		if meta, err := readMeta(b.fs, kp+metaSuffix); err == nil {
			return meta, kp, nil
		}
		return nil, "", alarik.VersionNotFound(objectName, versionID)
	}

	vdir := kp + versionsSuffix
	meta, err := readMeta(b.fs, path.Join(vdir, string(versionID)+metaSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", alarik.VersionNotFound(objectName, versionID)
		}
		return nil, "", err
	}
	return meta, path.Join(vdir, string(versionID)), nil
}

// versionMetas reads every sidecar in a version directory, newest first.
func (b *Backend) versionMetas(vdir string) ([]*objectMeta, error) {
	entries, err := afero.ReadDir(b.fs, vdir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "s3afero: read versions")
	}

	var metas []*objectMeta
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(b.fs, path.Join(vdir, entry.Name()))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].UpdatedAt.Equal(metas[j].UpdatedAt) {
			return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
		}
		return metas[i].VersionID > metas[j].VersionID
	})
	return metas, nil
}

// clearLatest drops the isLatest flag from whichever record currently
// carries it, so the caller can install a new latest as part of the same
// write sequence.
func (b *Backend) clearLatest(bucketName, objectName, kp string) error {
	vdir := kp + versionsSuffix
	metas, err := b.versionMetas(vdir)
	if err != nil {
		return err
	}
	for _, m := range metas {
		if m.IsLatest {
			m.IsLatest = false
			if err := writeMeta(b.fs, path.Join(vdir, m.VersionID+metaSuffix), m); err != nil {
				return err
			}
		}
	}

	if meta, err := readMeta(b.fs, kp+metaSuffix); err == nil && meta.IsLatest {
		meta.IsLatest = false
		if err := writeMeta(b.fs, kp+metaSuffix, meta); err != nil {
			return err
		}
	}
	return nil
}

// promoteNewestVersion makes the most recent remaining record the latest
// after a permanent version delete.
func (b *Backend) promoteNewestVersion(bucketName, objectName, kp string) error {
	vdir := kp + versionsSuffix
	metas, err := b.versionMetas(vdir)
	if err != nil {
		return err
	}
	if len(metas) > 0 {
		newest := metas[0]
		if !newest.IsLatest {
			newest.IsLatest = true
			return writeMeta(b.fs, path.Join(vdir, newest.VersionID+metaSuffix), newest)
		}
		return nil
	}

	if meta, err := readMeta(b.fs, kp+metaSuffix); err == nil && !meta.IsLatest {
		meta.IsLatest = true
		return writeMeta(b.fs, kp+metaSuffix, meta)
	}
	return nil
}

func (b *Backend) removeDirIfEmpty(dir string) {
	entries, err := afero.ReadDir(b.fs, dir)
	if err == nil && len(entries) == 0 {
		_ = b.fs.Remove(dir)
	}
}

// userMetadata extracts x-amz-meta-* entries from a request meta map,
// lowercasing the suffix keys.
func userMetadata(meta map[string]string) map[string]string {
	var out map[string]string
	for k, v := range meta {
		lower := strings.ToLower(k)
		if name, ok := strings.CutPrefix(lower, "x-amz-meta-"); ok && name != "" {
			if out == nil {
				out = map[string]string{}
			}
			out[name] = v
		}
	}
	return out
}

type noOpReadCloser struct{}

func (noOpReadCloser) Read(b []byte) (n int, err error) { return 0, io.EOF }
func (noOpReadCloser) Close() error                     { return nil }

type limitReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l limitReadCloser) Close() error { return l.closer.Close() }
