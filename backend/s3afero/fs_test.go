package s3afero

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazoart/alarik"
)

func newTestBackend(t *testing.T) (*Backend, *alarik.FixedTimeSource) {
	t.Helper()
	ts := alarik.FixedTimeSourceAt("2024-03-10T12:00:00Z")
	b := New(afero.NewMemMapFs(), WithTimeSource(ts))
	require.NoError(t, b.CreateBucket(context.Background(), "bucket"))
	return b, ts
}

func put(t *testing.T, b *Backend, bucket, key, body string) alarik.PutObjectResult {
	t.Helper()
	result, err := b.PutObject(context.Background(), bucket, key,
		map[string]string{"Content-Type": "text/plain"},
		strings.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	return result
}

func get(t *testing.T, b *Backend, bucket, key string) (*alarik.Object, string) {
	t.Helper()
	obj, err := b.GetObject(context.Background(), bucket, key, nil)
	require.NoError(t, err)
	defer obj.Contents.Close()
	body, err := io.ReadAll(obj.Contents)
	require.NoError(t, err)
	return obj, string(body)
}

func enableVersioning(t *testing.T, b *Backend, bucket string) {
	t.Helper()
	require.NoError(t, b.SetVersioningConfiguration(context.Background(), bucket,
		alarik.VersioningConfiguration{Status: alarik.VersioningEnabled}))
}

func suspendVersioning(t *testing.T, b *Backend, bucket string) {
	t.Helper()
	require.NoError(t, b.SetVersioningConfiguration(context.Background(), bucket,
		alarik.VersioningConfiguration{Status: alarik.VersioningSuspended}))
}

func TestPutGetRoundTrip(t *testing.T) {
	b, _ := newTestBackend(t)

	result := put(t, b, "bucket", "k", "Hello, World!")
	assert.Equal(t, "65a8e27d8879283831b664bd8b7f0ad4", result.ETag)
	assert.Empty(t, result.VersionID)

	obj, body := get(t, b, "bucket", "k")
	assert.Equal(t, "Hello, World!", body)
	assert.Equal(t, "65a8e27d8879283831b664bd8b7f0ad4", obj.ETag)
	assert.EqualValues(t, 13, obj.Size)
	assert.Equal(t, "text/plain", obj.Metadata["Content-Type"])
}

func TestPutNestedKeyAndRange(t *testing.T) {
	b, _ := newTestBackend(t)
	put(t, b, "bucket", "a/b/c/f.txt", "0123456789ABCDEF")

	obj, err := b.GetObject(context.Background(), "bucket", "a/b/c/f.txt",
		&alarik.ObjectRangeRequest{Start: 10, End: -1})
	require.NoError(t, err)
	defer obj.Contents.Close()

	body, err := io.ReadAll(obj.Contents)
	require.NoError(t, err)
	assert.Equal(t, "ABCDEF", string(body))
	require.NotNil(t, obj.Range)
	assert.EqualValues(t, 10, obj.Range.Start)
	assert.EqualValues(t, 6, obj.Range.Length)
	assert.EqualValues(t, 16, obj.Size)
}

func TestIncompleteBodyRejected(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.PutObject(context.Background(), "bucket", "k", nil,
		strings.NewReader("short"), 100)
	assert.True(t, alarik.HasErrorCode(err, alarik.ErrIncompleteBody))

	_, err = b.GetObject(context.Background(), "bucket", "k", nil)
	assert.True(t, alarik.HasErrorCode(err, alarik.ErrNoSuchKey),
		"failed put must not leave a visible object")
}

func TestUserMetadataRoundTrip(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.PutObject(context.Background(), "bucket", "k",
		map[string]string{
			"Content-Type":      "application/json",
			"X-Amz-Meta-Rating": "5",
			"x-amz-meta-colour": "green",
		},
		strings.NewReader("{}"), 2)
	require.NoError(t, err)

	obj, _ := get(t, b, "bucket", "k")
	assert.Equal(t, "5", obj.Metadata["x-amz-meta-rating"])
	assert.Equal(t, "green", obj.Metadata["x-amz-meta-colour"])
}

func TestVersioningLifecycle(t *testing.T) {
	b, ts := newTestBackend(t)
	ctx := context.Background()
	enableVersioning(t, b, "bucket")

	r1 := put(t, b, "bucket", "k", "v1")
	ts.Advance(time.Second)
	r2 := put(t, b, "bucket", "k", "v2")

	require.NotEmpty(t, r1.VersionID)
	require.NotEmpty(t, r2.VersionID)
	assert.NotEqual(t, r1.VersionID, r2.VersionID)
	assert.Len(t, string(r1.VersionID), 32)

	// Latest is v2; each version retrievable by id.
	_, body := get(t, b, "bucket", "k")
	assert.Equal(t, "v2", body)

	obj, err := b.GetObjectVersion(ctx, "bucket", "k", r1.VersionID, nil)
	require.NoError(t, err)
	v1body, _ := io.ReadAll(obj.Contents)
	obj.Contents.Close()
	assert.Equal(t, "v1", string(v1body))

	// Unversioned delete appends a delete marker.
	ts.Advance(time.Second)
	dres, err := b.DeleteObject(ctx, "bucket", "k")
	require.NoError(t, err)
	assert.True(t, dres.IsDeleteMarker)
	require.NotEmpty(t, dres.VersionID)

	latest, err := b.GetObject(ctx, "bucket", "k", nil)
	require.NoError(t, err)
	assert.True(t, latest.IsDeleteMarker)

	// v2 remains retrievable by id behind the marker.
	obj, err = b.GetObjectVersion(ctx, "bucket", "k", r2.VersionID, nil)
	require.NoError(t, err)
	v2body, _ := io.ReadAll(obj.Contents)
	obj.Contents.Close()
	assert.Equal(t, "v2", string(v2body))

	// Permanently deleting the marker re-exposes v2.
	_, err = b.DeleteObjectVersion(ctx, "bucket", "k", dres.VersionID)
	require.NoError(t, err)
	_, body = get(t, b, "bucket", "k")
	assert.Equal(t, "v2", body)
}

func TestExactlyOneLatest(t *testing.T) {
	b, ts := newTestBackend(t)
	enableVersioning(t, b, "bucket")

	for i := 0; i < 4; i++ {
		put(t, b, "bucket", "k", "content")
		ts.Advance(time.Second)
	}

	metas, err := b.keyVersionMetas("bucket", "k")
	require.NoError(t, err)
	require.Len(t, metas, 4)

	latestCount := 0
	for _, m := range metas {
		if m.IsLatest {
			latestCount++
		}
	}
	assert.Equal(t, 1, latestCount)
}

func TestSuspendedPreservation(t *testing.T) {
	b, ts := newTestBackend(t)
	ctx := context.Background()
	enableVersioning(t, b, "bucket")

	r1 := put(t, b, "bucket", "k", "versioned-1")
	ts.Advance(time.Second)
	r2 := put(t, b, "bucket", "k", "versioned-2")
	ts.Advance(time.Second)

	suspendVersioning(t, b, "bucket")
	rs := put(t, b, "bucket", "k", "suspended-write")
	assert.EqualValues(t, "null", rs.VersionID)

	// The null version is now current...
	_, body := get(t, b, "bucket", "k")
	assert.Equal(t, "suspended-write", body)

	// ...and the older versions survive, fetchable by id.
	for id, expected := range map[alarik.VersionID]string{
		r1.VersionID: "versioned-1",
		r2.VersionID: "versioned-2",
	} {
		obj, err := b.GetObjectVersion(ctx, "bucket", "k", id, nil)
		require.NoError(t, err)
		got, _ := io.ReadAll(obj.Contents)
		obj.Contents.Close()
		assert.Equal(t, expected, string(got))
	}

	// And they appear in the version listing.
	listing, err := b.ListBucketVersions(ctx, "bucket", nil, nil)
	require.NoError(t, err)
	assert.Len(t, listing.Versions, 3)
}

func TestVersionListingNewestFirst(t *testing.T) {
	b, ts := newTestBackend(t)
	enableVersioning(t, b, "bucket")

	var order []alarik.VersionID
	for _, body := range []string{"one", "two", "three"} {
		r := put(t, b, "bucket", "k", body)
		order = append(order, r.VersionID)
		ts.Advance(time.Second)
	}

	listing, err := b.ListBucketVersions(context.Background(), "bucket", nil, nil)
	require.NoError(t, err)
	require.Len(t, listing.Versions, 3)

	assert.Equal(t, order[2], listing.Versions[0].GetVersionID())
	assert.Equal(t, order[1], listing.Versions[1].GetVersionID())
	assert.Equal(t, order[0], listing.Versions[2].GetVersionID())
}

func TestListObjects(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	for _, key := range []string{
		"boat/x.txt",
		"nested/a.txt",
		"nested/b.txt",
		"nested/deep/c.txt",
		"top.txt",
	} {
		put(t, b, "bucket", key, "content of "+key)
	}

	t.Run("flat", func(t *testing.T) {
		out, err := b.ListBucket(ctx, "bucket", nil, alarik.ListBucketPage{MaxKeys: 1000})
		require.NoError(t, err)
		require.Len(t, out.Contents, 5)
		assert.Equal(t, "boat/x.txt", out.Contents[0].Key)
		assert.Equal(t, "top.txt", out.Contents[4].Key)
	})

	t.Run("delimited", func(t *testing.T) {
		prefix := alarik.NewFolderPrefix("")
		out, err := b.ListBucket(ctx, "bucket", &prefix, alarik.ListBucketPage{MaxKeys: 1000})
		require.NoError(t, err)
		require.Len(t, out.Contents, 1)
		assert.Equal(t, "top.txt", out.Contents[0].Key)
		require.Len(t, out.CommonPrefixes, 2)
		assert.Equal(t, "boat/", out.CommonPrefixes[0].Prefix)
		assert.Equal(t, "nested/", out.CommonPrefixes[1].Prefix)
	})

	t.Run("prefix and delimiter", func(t *testing.T) {
		prefix := alarik.NewFolderPrefix("nested/")
		out, err := b.ListBucket(ctx, "bucket", &prefix, alarik.ListBucketPage{MaxKeys: 1000})
		require.NoError(t, err)
		require.Len(t, out.Contents, 2)
		require.Len(t, out.CommonPrefixes, 1)
		assert.Equal(t, "nested/deep/", out.CommonPrefixes[0].Prefix)
	})

	t.Run("pagination", func(t *testing.T) {
		out, err := b.ListBucket(ctx, "bucket", nil, alarik.ListBucketPage{MaxKeys: 2})
		require.NoError(t, err)
		require.Len(t, out.Contents, 2)
		assert.True(t, out.IsTruncated)
		assert.Equal(t, "nested/a.txt", out.NextMarker)

		out, err = b.ListBucket(ctx, "bucket", nil,
			alarik.ListBucketPage{MaxKeys: 1000, Marker: out.NextMarker, HasMarker: true})
		require.NoError(t, err)
		require.Len(t, out.Contents, 3)
		assert.False(t, out.IsTruncated)
	})
}

func TestListObjectsHidesDeleteMarkers(t *testing.T) {
	b, ts := newTestBackend(t)
	ctx := context.Background()
	enableVersioning(t, b, "bucket")

	put(t, b, "bucket", "kept", "kept")
	ts.Advance(time.Second)
	put(t, b, "bucket", "masked", "masked")
	ts.Advance(time.Second)

	_, err := b.DeleteObject(ctx, "bucket", "masked")
	require.NoError(t, err)

	out, err := b.ListBucket(ctx, "bucket", nil, alarik.ListBucketPage{MaxKeys: 1000})
	require.NoError(t, err)
	require.Len(t, out.Contents, 1)
	assert.Equal(t, "kept", out.Contents[0].Key)

	// The version listing still shows the masked key's marker and version.
	versions, err := b.ListBucketVersions(ctx, "bucket", nil, nil)
	require.NoError(t, err)
	assert.Len(t, versions.Versions, 3)
}

func TestDeleteBucketGating(t *testing.T) {
	b, ts := newTestBackend(t)
	ctx := context.Background()

	put(t, b, "bucket", "k", "content")
	err := b.DeleteBucket(ctx, "bucket")
	assert.True(t, alarik.HasErrorCode(err, alarik.ErrBucketNotEmpty))

	_, err = b.DeleteObject(ctx, "bucket", "k")
	require.NoError(t, err)
	require.NoError(t, b.DeleteBucket(ctx, "bucket"))

	exists, err := b.BucketExists(ctx, "bucket")
	require.NoError(t, err)
	assert.False(t, exists)

	// A bucket whose only current key is a delete marker deletes fine.
	require.NoError(t, b.CreateBucket(ctx, "bucket2"))
	enableVersioning(t, b, "bucket2")
	put(t, b, "bucket2", "k", "content")
	ts.Advance(time.Second)
	_, err = b.DeleteObject(ctx, "bucket2", "k")
	require.NoError(t, err)
	assert.NoError(t, b.DeleteBucket(ctx, "bucket2"))
}

func TestCopyObject(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.CreateBucket(ctx, "other"))

	put(t, b, "bucket", "src", "copy me")
	result, err := b.CopyObject(ctx, "bucket", "src", "other", "dst",
		map[string]string{"Content-Type": "text/plain"})
	require.NoError(t, err)

	obj, body := get(t, b, "other", "dst")
	assert.Equal(t, "copy me", body)
	assert.Equal(t, result.ETag, `"`+obj.ETag+`"`)

	srcObj, _ := get(t, b, "bucket", "src")
	assert.Equal(t, srcObj.ETag, obj.ETag, "copy preserves the MD5 ETag")
}

func TestDeleteIdempotent(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	_, err := b.DeleteObject(ctx, "bucket", "never-existed")
	assert.NoError(t, err)

	_, err = b.DeleteObjectVersion(ctx, "bucket", "never-existed", "0123456789abcdef0123456789abcdef")
	assert.NoError(t, err)
}

func TestKeyPathTraversalRejected(t *testing.T) {
	b, _ := newTestBackend(t)
	ctx := context.Background()

	for _, key := range []string{"../escape", "a/../../escape", "/rooted"} {
		_, err := b.PutObject(ctx, "bucket", key, nil, strings.NewReader("x"), 1)
		assert.True(t, alarik.HasErrorCode(err, alarik.ErrInvalidArgument), key)
	}
}

func TestBucketCreateConflict(t *testing.T) {
	b, _ := newTestBackend(t)
	err := b.CreateBucket(context.Background(), "bucket")
	assert.True(t, alarik.HasErrorCode(err, alarik.ErrBucketAlreadyExists))
}
