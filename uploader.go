package alarik

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/ryszard/goskiplist/skiplist"
	"github.com/spf13/afero"
)

// uploader is the multipart engine. Parts are spooled into a per-upload
// scratch directory ("<bucket>/<uploadID>/" under the multipart root) and
// concatenated into the destination object on Complete. An in-memory
// skiplist keyed by object name keeps uploads listable in (key, uploadID)
// order without touching the disk.
type uploader struct {
	fs         afero.Fs
	timeSource TimeSource

	mu      sync.Mutex
	buckets map[string]*bucketUploads
}

type bucketUploads struct {
	uploads map[UploadID]*multipartUpload

	// objectIndex maps object key -> []*multipartUpload, ordered by
	// uploadID within the key.
	objectIndex *skiplist.SkipList
}

func newBucketUploads() *bucketUploads {
	return &bucketUploads{
		uploads:     map[UploadID]*multipartUpload{},
		objectIndex: skiplist.NewStringMap(),
	}
}

// multipartUpload is the in-memory handle of one open upload. Part data and
// part metadata live on disk in the scratch directory; the handle carries
// identity and the completion latch.
type multipartUpload struct {
	ID        UploadID
	Bucket    string
	Object    string
	Meta      map[string]string
	Initiated time.Time

	// mu serialises part writes and completion. completed flips exactly
	// once; a second Complete or Abort for the same ID fails with
	// NoSuchUpload.
	mu        sync.Mutex
	completed bool
}

// uploadRecord is the meta.json persisted in the scratch directory.
type uploadRecord struct {
	UploadID    UploadID          `json:"uploadId"`
	Bucket      string            `json:"bucket"`
	Key         string            `json:"key"`
	Meta        map[string]string `json:"meta,omitempty"`
	InitiatedAt time.Time         `json:"initiatedAt"`
}

// partRecord is the "part-<n>.meta" sidecar.
type partRecord struct {
	PartNumber   int       `json:"partNumber"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

func newUploader(fs afero.Fs, timeSource TimeSource) *uploader {
	u := &uploader{
		fs:         fs,
		timeSource: timeSource,
		buckets:    map[string]*bucketUploads{},
	}
	u.rescan()
	return u
}

// rescan rebuilds the in-memory index from scratch directories left behind
// by a previous process, so open uploads survive a restart.
func (u *uploader) rescan() {
	bucketDirs, err := afero.ReadDir(u.fs, ".")
	if err != nil {
		return
	}
	for _, bucketDir := range bucketDirs {
		if !bucketDir.IsDir() {
			continue
		}
		uploadDirs, err := afero.ReadDir(u.fs, bucketDir.Name())
		if err != nil {
			continue
		}
		for _, uploadDir := range uploadDirs {
			if !uploadDir.IsDir() {
				continue
			}
			raw, err := afero.ReadFile(u.fs, path.Join(bucketDir.Name(), uploadDir.Name(), "meta.json"))
			if err != nil {
				continue
			}
			var rec uploadRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			u.index(&multipartUpload{
				ID:        rec.UploadID,
				Bucket:    rec.Bucket,
				Object:    rec.Key,
				Meta:      rec.Meta,
				Initiated: rec.InitiatedAt,
			})
		}
	}
}

func newUploadID() UploadID {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return UploadID(hex.EncodeToString(b[:]))
}

func (u *uploader) scratchDir(bucket string, id UploadID) string {
	return path.Join(bucket, string(id))
}

// Begin opens a new upload and persists its record.
func (u *uploader) Begin(bucket, object string, meta map[string]string, initiated time.Time) (*multipartUpload, error) {
	upload := &multipartUpload{
		ID:        newUploadID(),
		Bucket:    bucket,
		Object:    object,
		Meta:      meta,
		Initiated: initiated,
	}

	dir := u.scratchDir(bucket, upload.ID)
	if err := u.fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "uploader: scratch dir")
	}

	raw, err := json.Marshal(uploadRecord{
		UploadID:    upload.ID,
		Bucket:      bucket,
		Key:         object,
		Meta:        meta,
		InitiatedAt: initiated,
	})
	if err != nil {
		return nil, errors.Wrap(err, "uploader: encode record")
	}
	if err := afero.WriteFile(u.fs, path.Join(dir, "meta.json"), raw, 0644); err != nil {
		return nil, errors.Wrap(err, "uploader: write record")
	}

	u.index(upload)
	return upload, nil
}

func (u *uploader) index(upload *multipartUpload) {
	u.mu.Lock()
	defer u.mu.Unlock()

	bucket := u.buckets[upload.Bucket]
	if bucket == nil {
		bucket = newBucketUploads()
		u.buckets[upload.Bucket] = bucket
	}
	bucket.uploads[upload.ID] = upload

	var uploads []*multipartUpload
	if existing, ok := bucket.objectIndex.Get(upload.Object); ok {
		uploads = existing.([]*multipartUpload)
	}
	uploads = append(uploads, upload)
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].ID < uploads[j].ID })
	bucket.objectIndex.Set(upload.Object, uploads)
}

func (u *uploader) unindex(upload *multipartUpload) {
	u.mu.Lock()
	defer u.mu.Unlock()

	bucket := u.buckets[upload.Bucket]
	if bucket == nil {
		return
	}
	delete(bucket.uploads, upload.ID)

	existing, ok := bucket.objectIndex.Get(upload.Object)
	if !ok {
		return
	}
	uploads := existing.([]*multipartUpload)
	kept := uploads[:0]
	for _, cur := range uploads {
		if cur.ID != upload.ID {
			kept = append(kept, cur)
		}
	}
	if len(kept) == 0 {
		bucket.objectIndex.Delete(upload.Object)
	} else {
		bucket.objectIndex.Set(upload.Object, kept)
	}
}

// Get resolves an open upload, checking it belongs to the given bucket and
// object.
func (u *uploader) Get(bucket, object string, id UploadID) (*multipartUpload, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	bucketUploads := u.buckets[bucket]
	if bucketUploads == nil {
		return nil, UploadNotFound(id)
	}
	upload := bucketUploads.uploads[id]
	if upload == nil || upload.Object != object {
		return nil, UploadNotFound(id)
	}
	return upload, nil
}

// AddPart spools one part to disk. Parts may be overwritten and may arrive
// in any order; part numbers outside [1, MaxUploadPartNumber] are rejected
// at the dispatch layer. When declaredSize is non-negative, a body of any
// other length fails with IncompleteBody.
func (u *uploader) AddPart(upload *multipartUpload, partNumber int, at time.Time, body io.Reader, declaredSize int64) (etag string, err error) {
	upload.mu.Lock()
	defer upload.mu.Unlock()
	if upload.completed {
		return "", UploadNotFound(upload.ID)
	}

	dir := u.scratchDir(upload.Bucket, upload.ID)
	partPath := path.Join(dir, fmt.Sprintf("part-%d", partNumber))
	tmpPath := partPath + ".tmp"

	f, err := u.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", errors.Wrap(err, "uploader: create part")
	}

	hash := md5.New()
	size, err := io.Copy(io.MultiWriter(f, hash), body)
	cerr := f.Close()
	if err != nil {
		_ = u.fs.Remove(tmpPath)
		return "", err
	}
	if cerr != nil {
		_ = u.fs.Remove(tmpPath)
		return "", errors.Wrap(cerr, "uploader: close part")
	}
	if declaredSize >= 0 && size != declaredSize {
		_ = u.fs.Remove(tmpPath)
		return "", ErrIncompleteBody
	}
	if err := u.fs.Rename(tmpPath, partPath); err != nil {
		_ = u.fs.Remove(tmpPath)
		return "", errors.Wrap(err, "uploader: rename part")
	}

	etag = `"` + hex.EncodeToString(hash.Sum(nil)) + `"`
	raw, err := json.Marshal(partRecord{
		PartNumber:   partNumber,
		ETag:         etag,
		Size:         size,
		LastModified: at,
	})
	if err != nil {
		return "", errors.Wrap(err, "uploader: encode part record")
	}
	if err := afero.WriteFile(u.fs, partPath+".meta", raw, 0644); err != nil {
		return "", errors.Wrap(err, "uploader: write part record")
	}

	return etag, nil
}

// partRecords reads the stored part sidecars, ordered by part number.
func (u *uploader) partRecords(upload *multipartUpload) ([]partRecord, error) {
	dir := u.scratchDir(upload.Bucket, upload.ID)
	entries, err := afero.ReadDir(u.fs, dir)
	if err != nil {
		return nil, errors.Wrap(err, "uploader: read scratch")
	}

	var records []partRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta") || entry.Name() == "meta.json" {
			continue
		}
		raw, err := afero.ReadFile(u.fs, path.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var rec partRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].PartNumber < records[j].PartNumber })
	return records, nil
}

// Complete validates the caller's part list against the stored parts,
// streams the concatenation through put, and tears the scratch area down on
// success. A failed put or a part mismatch leaves everything intact so the
// client can retry; a second Complete after a successful one fails with
// NoSuchUpload.
func (u *uploader) Complete(
	upload *multipartUpload,
	in *CompleteMultipartUploadRequest,
	put func(rdr io.Reader, size int64, etag string) (PutObjectResult, error),
) (PutObjectResult, string, error) {

	upload.mu.Lock()
	defer upload.mu.Unlock()
	if upload.completed {
		return PutObjectResult{}, "", UploadNotFound(upload.ID)
	}

	if len(in.Parts) == 0 {
		return PutObjectResult{}, "", ErrorMessage(ErrMalformedXML, "You must specify at least one part")
	}

	// Parts may arrive in any order and are sorted by number here;
	// duplicates are rejected, gaps are fine.
	sorted := append([]CompletedPart(nil), in.Parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].PartNumber == sorted[i-1].PartNumber {
			return PutObjectResult{}, "", ErrInvalidPartOrder
		}
	}

	stored, err := u.partRecords(upload)
	if err != nil {
		return PutObjectResult{}, "", err
	}
	byNumber := make(map[int]partRecord, len(stored))
	for _, rec := range stored {
		byNumber[rec.PartNumber] = rec
	}

	dir := u.scratchDir(upload.Bucket, upload.ID)

	var size int64
	var readers []io.Reader
	var files []io.Closer
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	etagHash := md5.New()
	for _, part := range sorted {
		rec, ok := byNumber[part.PartNumber]
		if !ok || unquoteETag(rec.ETag) != unquoteETag(part.ETag) {
			closeAll()
			return PutObjectResult{}, "", ErrInvalidPart
		}

		binaryETag, err := hex.DecodeString(unquoteETag(rec.ETag))
		if err != nil {
			closeAll()
			return PutObjectResult{}, "", ErrInvalidPart
		}
		etagHash.Write(binaryETag)

		f, err := u.fs.Open(path.Join(dir, fmt.Sprintf("part-%d", part.PartNumber)))
		if err != nil {
			closeAll()
			return PutObjectResult{}, "", errors.Wrap(err, "uploader: open part")
		}
		readers = append(readers, f)
		files = append(files, f)
		size += rec.Size
	}

	etag := fmt.Sprintf("%s-%d", hex.EncodeToString(etagHash.Sum(nil)), len(sorted))

	result, err := put(io.MultiReader(readers...), size, etag)
	closeAll()
	if err != nil {
		return PutObjectResult{}, "", err
	}

	upload.completed = true
	u.unindex(upload)
	u.removeScratch(upload)
	return result, etag, nil
}

// Abort tears the upload down without completing it.
func (u *uploader) Abort(upload *multipartUpload) error {
	upload.mu.Lock()
	defer upload.mu.Unlock()
	if upload.completed {
		return UploadNotFound(upload.ID)
	}
	upload.completed = true
	u.unindex(upload)
	u.removeScratch(upload)
	return nil
}

func (u *uploader) removeScratch(upload *multipartUpload) {
	_ = u.fs.RemoveAll(u.scratchDir(upload.Bucket, upload.ID))

	// Drop the per-bucket parent once its last upload is gone.
	entries, err := afero.ReadDir(u.fs, upload.Bucket)
	if err == nil && len(entries) == 0 {
		_ = u.fs.Remove(upload.Bucket)
	}
}

// ListParts pages through the stored parts of an open upload.
func (u *uploader) ListParts(bucket, object string, id UploadID, marker int, maxParts int64) (*ListMultipartUploadPartsResult, error) {
	upload, err := u.Get(bucket, object, id)
	if err != nil {
		return nil, err
	}

	records, err := u.partRecords(upload)
	if err != nil {
		return nil, err
	}

	result := &ListMultipartUploadPartsResult{
		Xmlns:            Xmlns,
		Bucket:           bucket,
		Key:              object,
		UploadID:         id,
		MaxParts:         maxParts,
		PartNumberMarker: marker,
		StorageClass:     StorageStandard,
	}

	var count int64
	for _, rec := range records {
		if rec.PartNumber <= marker {
			continue
		}
		if count >= maxParts {
			result.IsTruncated = true
			break
		}
		result.Parts = append(result.Parts, ListMultipartUploadPartItem{
			PartNumber:   rec.PartNumber,
			LastModified: NewContentTime(rec.LastModified),
			ETag:         rec.ETag,
			Size:         rec.Size,
		})
		result.NextPartNumberMarker = rec.PartNumber
		count++
	}

	return result, nil
}

// uploadListMarker is the (key, uploadID) resume point of an upload
// listing.
type uploadListMarker struct {
	object   string
	uploadID UploadID
}

func uploadListMarkerFromQuery(q map[string][]string) *uploadListMarker {
	first := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	keyMarker := first("key-marker")
	if keyMarker == "" {
		return nil
	}
	return &uploadListMarker{object: keyMarker, uploadID: UploadID(first("upload-id-marker"))}
}

// List pages through the bucket's open uploads in (key, uploadID) order.
func (u *uploader) List(bucket string, marker *uploadListMarker, prefix Prefix, limit int64) (*ListMultipartUploadsResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	result := &ListMultipartUploadsResult{
		Xmlns:      Xmlns,
		Bucket:     bucket,
		Delimiter:  prefix.Delimiter,
		Prefix:     prefix.Prefix,
		MaxUploads: limit,
	}
	if marker != nil {
		result.KeyMarker = marker.object
		result.UploadIDMarker = marker.uploadID
	}

	bucketUploads := u.buckets[bucket]
	if bucketUploads == nil {
		return result, nil
	}

	var count int64
	var truncated bool
	var lastPrefix string

	iter := bucketUploads.objectIndex.Iterator()
	defer iter.Close()

done:
	for iter.Next() {
		object := iter.Key().(string)
		uploads := iter.Value().([]*multipartUpload)

		if marker != nil && object < marker.object {
			continue
		}

		var match PrefixMatch
		if !prefix.Match(object, &match) {
			continue
		}
		if match.CommonPrefix {
			if match.MatchedPart != lastPrefix {
				lastPrefix = match.MatchedPart
				result.CommonPrefixes = append(result.CommonPrefixes, CommonPrefix{Prefix: match.MatchedPart})
			}
			continue
		}

		for _, upload := range uploads {
			if marker != nil && object == marker.object && upload.ID <= marker.uploadID {
				continue
			}
			if count >= limit {
				truncated = true
				break done
			}
			result.Uploads = append(result.Uploads, ListMultipartUploadItem{
				Key:          object,
				UploadID:     upload.ID,
				Initiated:    NewContentTime(upload.Initiated),
				StorageClass: StorageStandard,
			})
			result.NextKeyMarker = object
			result.NextUploadIDMarker = upload.ID
			count++
		}
	}

	result.IsTruncated = truncated
	if !truncated {
		result.NextKeyMarker = ""
		result.NextUploadIDMarker = ""
	}
	return result, nil
}
