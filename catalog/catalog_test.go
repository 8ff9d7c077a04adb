package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazoart/alarik/signature"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreAccessKeys(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	key := AccessKey{
		ID:              "k1",
		OwnerUserID:     "alice",
		AccessKeyID:     "AKIAEXAMPLE000000001",
		SecretAccessKey: "secret-1",
		CreatedAt:       now,
	}
	require.NoError(t, store.AddAccessKey(key))

	// accessKeyId is a unique index.
	err := store.AddAccessKey(key)
	assert.ErrorIs(t, err, ErrExists)

	got, err := store.GetAccessKey("AKIAEXAMPLE000000001")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerUserID)
	assert.Equal(t, "secret-1", got.SecretAccessKey)

	require.NoError(t, store.DeleteAccessKey("AKIAEXAMPLE000000001"))
	_, err = store.GetAccessKey("AKIAEXAMPLE000000001")
	assert.ErrorIs(t, err, ErrNotExist)

	// Idempotent delete.
	assert.NoError(t, store.DeleteAccessKey("AKIAEXAMPLE000000001"))
}

func TestStoreBuckets(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.CreateBucket(Bucket{Name: "b1", OwnerUserID: "alice", CreatedAt: now}))
	require.NoError(t, store.CreateBucket(Bucket{Name: "b2", OwnerUserID: "bob", CreatedAt: now}))
	require.NoError(t, store.CreateBucket(Bucket{Name: "b3", OwnerUserID: "alice", CreatedAt: now}))

	err := store.CreateBucket(Bucket{Name: "b1", OwnerUserID: "mallory", CreatedAt: now})
	assert.ErrorIs(t, err, ErrExists)

	all, err := store.ListBuckets()
	require.NoError(t, err)
	assert.Len(t, all, 3)

	alices, err := store.ListBucketsByOwner("alice")
	require.NoError(t, err)
	require.Len(t, alices, 2)
	assert.Equal(t, "b1", alices[0].Name)
	assert.Equal(t, "b3", alices[1].Name)

	require.NoError(t, store.DeleteBucket("b1"))
	all, err = store.ListBuckets()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCacheAuthorize(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.AddAccessKey(AccessKey{
		ID: "k1", OwnerUserID: "alice", AccessKeyID: "AKALICE", SecretAccessKey: "s1", CreatedAt: now,
	}))
	require.NoError(t, store.AddAccessKey(AccessKey{
		ID: "k2", OwnerUserID: "bob", AccessKeyID: "AKBOB", SecretAccessKey: "s2", CreatedAt: now,
	}))
	require.NoError(t, store.CreateBucket(Bucket{Name: "alice-stuff", OwnerUserID: "alice", CreatedAt: now}))

	cache, err := LoadCache(store, now)
	require.NoError(t, err)

	owner, ok := cache.Authorize("AKALICE", "alice-stuff", now)
	require.True(t, ok)
	assert.Equal(t, "alice", owner)

	_, ok = cache.Authorize("AKBOB", "alice-stuff", now)
	assert.False(t, ok, "bob's key must not touch alice's bucket")

	_, ok = cache.Authorize("AKUNKNOWN", "alice-stuff", now)
	assert.False(t, ok)

	secret, ok := cache.GetSecret("AKALICE", now)
	require.True(t, ok)
	assert.Equal(t, "s1", secret)

	// LoadCache pushes the key set into the signature store.
	assert.GreaterOrEqual(t, signature.KeyCount(), 2)
}

func TestCacheExpiredKeys(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	require.NoError(t, store.AddAccessKey(AccessKey{
		ID: "k1", OwnerUserID: "alice", AccessKeyID: "AKDEAD", SecretAccessKey: "s1",
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: &past,
	}))
	require.NoError(t, store.AddAccessKey(AccessKey{
		ID: "k2", OwnerUserID: "alice", AccessKeyID: "AKLIVE", SecretAccessKey: "s2",
		CreatedAt: now, ExpiresAt: &future,
	}))
	require.NoError(t, store.CreateBucket(Bucket{Name: "b", OwnerUserID: "alice", CreatedAt: now}))

	cache, err := LoadCache(store, now)
	require.NoError(t, err)

	// Keys already expired at load time never make it into the cache.
	_, ok := cache.GetSecret("AKDEAD", now)
	assert.False(t, ok)

	// Live keys work until their deadline passes...
	_, ok = cache.Authorize("AKLIVE", "b", now)
	assert.True(t, ok)

	// ...and stop authenticating the moment it does.
	_, ok = cache.Authorize("AKLIVE", "b", now.Add(2*time.Hour))
	assert.False(t, ok)
	_, ok = cache.GetSecret("AKLIVE", now.Add(2*time.Hour))
	assert.False(t, ok)
}

func TestCacheBucketLifecycle(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.AddAccessKey(AccessKey{
		ID: "k1", OwnerUserID: "alice", AccessKeyID: "AKALICE", SecretAccessKey: "s1", CreatedAt: now,
	}))

	cache, err := LoadCache(store, now)
	require.NoError(t, err)

	require.NoError(t, cache.BucketCreated("alice", "fresh"))

	_, ok := cache.Authorize("AKALICE", "fresh", now)
	assert.True(t, ok)
	assert.Equal(t, []string{"fresh"}, cache.OwnerBuckets("alice"))

	// The grant survives a cache rebuild because the row was persisted.
	cache2, err := LoadCache(store, now)
	require.NoError(t, err)
	_, ok = cache2.Authorize("AKALICE", "fresh", now)
	assert.True(t, ok)

	require.NoError(t, cache.BucketDeleted("fresh"))
	_, ok = cache.Authorize("AKALICE", "fresh", now)
	assert.False(t, ok)

	rows, err := store.ListBuckets()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCacheKeyMutations(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()

	cache, err := LoadCache(store, now)
	require.NoError(t, err)

	cache.AddKey(AccessKey{
		ID: "k1", OwnerUserID: "carol", AccessKeyID: "AKCAROL", SecretAccessKey: "sc", CreatedAt: now,
	})
	cache.AddBucketForOwner("carol", "carols-bucket")

	owner, ok := cache.Authorize("AKCAROL", "carols-bucket", now)
	require.True(t, ok)
	assert.Equal(t, "carol", owner)

	cache.RemoveKey("AKCAROL")
	_, ok = cache.Authorize("AKCAROL", "carols-bucket", now)
	assert.False(t, ok)
}
