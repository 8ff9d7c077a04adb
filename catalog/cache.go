package catalog

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lazoart/alarik/signature"
)

// Cache fronts the Store with the in-memory maps the request pipeline needs
// on every call: access key → secret, access key → owner, and access key →
// the set of buckets the key may touch. Lookups take a shared lock;
// mutations take the exclusive lock and push the current key set into the
// signature package.
//
// The cache is strictly derived state. The Store stays the source of truth
// and the cache is rebuilt from it on process start.
type Cache struct {
	store *Store

	mu sync.RWMutex

	secrets map[string]string    // accessKeyID -> secret
	owners  map[string]string    // accessKeyID -> ownerUserID
	expiry  map[string]time.Time // accessKeyID -> hard deadline, zero if none

	ownerBuckets map[string]map[string]bool // ownerUserID -> bucket set
}

// LoadCache builds a Cache from the store, filtered to non-expired keys as
// of now.
func LoadCache(store *Store, now time.Time) (*Cache, error) {
	c := &Cache{
		store:        store,
		secrets:      map[string]string{},
		owners:       map[string]string{},
		expiry:       map[string]time.Time{},
		ownerBuckets: map[string]map[string]bool{},
	}

	keys, err := store.ListAccessKeys()
	if err != nil {
		return nil, err
	}
	for i := range keys {
		k := &keys[i]
		if k.Expired(now) {
			continue
		}
		c.secrets[k.AccessKeyID] = k.SecretAccessKey
		c.owners[k.AccessKeyID] = k.OwnerUserID
		if k.ExpiresAt != nil {
			c.expiry[k.AccessKeyID] = *k.ExpiresAt
		}
	}

	buckets, err := store.ListBuckets()
	if err != nil {
		return nil, err
	}
	for _, b := range buckets {
		c.addBucketLocked(b.OwnerUserID, b.Name)
	}

	signature.ReloadKeys(c.secrets)
	return c, nil
}

// AddKey registers a new credential pair.
func (c *Cache) AddKey(k AccessKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secrets[k.AccessKeyID] = k.SecretAccessKey
	c.owners[k.AccessKeyID] = k.OwnerUserID
	if k.ExpiresAt != nil {
		c.expiry[k.AccessKeyID] = *k.ExpiresAt
	} else {
		delete(c.expiry, k.AccessKeyID)
	}
	signature.StoreKeys(map[string]string{k.AccessKeyID: k.SecretAccessKey})
}

// RemoveKey drops a credential pair.
func (c *Cache) RemoveKey(accessKeyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.secrets, accessKeyID)
	delete(c.owners, accessKeyID)
	delete(c.expiry, accessKeyID)
	signature.RemoveKeys([]string{accessKeyID})
}

// AddBucketForOwner grants the owner's keys access to the bucket.
func (c *Cache) AddBucketForOwner(ownerUserID, bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addBucketLocked(ownerUserID, bucket)
}

// OwnerBuckets lists the owner's bucket names in sorted order.
func (c *Cache) OwnerBuckets(ownerUserID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.ownerBuckets[ownerUserID]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BucketCreated durably records a new bucket row and grants it to the
// owner's keys.
func (c *Cache) BucketCreated(ownerUserID, bucket string) error {
	if c.store != nil {
		err := c.store.CreateBucket(Bucket{
			Name:        bucket,
			OwnerUserID: ownerUserID,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil && !errors.Is(err, ErrExists) {
			return err
		}
	}
	c.AddBucketForOwner(ownerUserID, bucket)
	return nil
}

// BucketDeleted drops the bucket row and revokes all grants.
func (c *Cache) BucketDeleted(bucket string) error {
	if c.store != nil {
		if err := c.store.DeleteBucket(bucket); err != nil {
			return err
		}
	}
	c.RemoveBucket(bucket)
	return nil
}

func (c *Cache) addBucketLocked(ownerUserID, bucket string) {
	set := c.ownerBuckets[ownerUserID]
	if set == nil {
		set = map[string]bool{}
		c.ownerBuckets[ownerUserID] = set
	}
	set[bucket] = true
}

// RemoveBucket revokes the bucket from every owner.
func (c *Cache) RemoveBucket(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, set := range c.ownerBuckets {
		delete(set, bucket)
	}
}

// GetSecret resolves the secret for an access key, when the key is known
// and not expired.
func (c *Cache) GetSecret(accessKeyID string, now time.Time) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.expiredLocked(accessKeyID, now) {
		return "", false
	}
	secret, ok := c.secrets[accessKeyID]
	return secret, ok
}

// Owner resolves the owning user of an access key.
func (c *Cache) Owner(accessKeyID string, now time.Time) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.expiredLocked(accessKeyID, now) {
		return "", false
	}
	owner, ok := c.owners[accessKeyID]
	return owner, ok
}

// Authorize checks that the access key may touch the bucket, returning the
// owning user on success.
func (c *Cache) Authorize(accessKeyID, bucket string, now time.Time) (ownerUserID string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.expiredLocked(accessKeyID, now) {
		return "", false
	}
	owner, ok := c.owners[accessKeyID]
	if !ok {
		return "", false
	}
	if !c.ownerBuckets[owner][bucket] {
		return "", false
	}
	return owner, true
}

func (c *Cache) expiredLocked(accessKeyID string, now time.Time) bool {
	deadline, ok := c.expiry[accessKeyID]
	return ok && deadline.Before(now)
}
