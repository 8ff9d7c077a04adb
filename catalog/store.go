package catalog

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	usersBucket      = []byte("users")
	accessKeysBucket = []byte("access_keys")
	bucketsBucket    = []byte("buckets")
)

// ErrNotExist is returned by lookups that find nothing.
var ErrNotExist = errors.New("catalog: no such record")

// ErrExists is returned by inserts that collide on a unique index.
var ErrExists = errors.New("catalog: record already exists")

// Store persists the catalog in a bbolt database. Every write transaction
// is durable before the call returns.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the catalog database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "catalog: open")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{usersBucket, accessKeysBucket, bucketsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "catalog: init")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutUser inserts or replaces a user row.
func (s *Store) PutUser(u User) error {
	return s.put(usersBucket, []byte(u.ID), u)
}

func (s *Store) GetUser(id string) (User, error) {
	var u User
	err := s.get(usersBucket, []byte(id), &u)
	return u, err
}

// AddAccessKey inserts a new access key. The accessKeyId is the unique
// index; inserting a duplicate fails with ErrExists.
func (s *Store) AddAccessKey(k AccessKey) error {
	return s.insert(accessKeysBucket, []byte(k.AccessKeyID), k)
}

func (s *Store) GetAccessKey(accessKeyID string) (AccessKey, error) {
	var k AccessKey
	err := s.get(accessKeysBucket, []byte(accessKeyID), &k)
	return k, err
}

// DeleteAccessKey removes the key; deleting a missing key succeeds.
func (s *Store) DeleteAccessKey(accessKeyID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(accessKeysBucket).Delete([]byte(accessKeyID))
	})
}

// ListAccessKeys returns every key row in accessKeyId order.
func (s *Store) ListAccessKeys() ([]AccessKey, error) {
	var out []AccessKey
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(accessKeysBucket).ForEach(func(_, v []byte) error {
			var k AccessKey
			if err := json.Unmarshal(v, &k); err != nil {
				return errors.Wrap(err, "catalog: decode access key")
			}
			out = append(out, k)
			return nil
		})
	})
	return out, err
}

// CreateBucket inserts a bucket row; the name is the unique index.
func (s *Store) CreateBucket(b Bucket) error {
	return s.insert(bucketsBucket, []byte(b.Name), b)
}

func (s *Store) GetBucket(name string) (Bucket, error) {
	var b Bucket
	err := s.get(bucketsBucket, []byte(name), &b)
	return b, err
}

// DeleteBucket removes the bucket row; deleting a missing row succeeds.
func (s *Store) DeleteBucket(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketsBucket).Delete([]byte(name))
	})
}

// ListBuckets returns every bucket row in name order.
func (s *Store) ListBuckets() ([]Bucket, error) {
	var out []Bucket
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketsBucket).ForEach(func(_, v []byte) error {
			var b Bucket
			if err := json.Unmarshal(v, &b); err != nil {
				return errors.Wrap(err, "catalog: decode bucket")
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

// ListBucketsByOwner returns the owner's bucket rows in name order.
func (s *Store) ListBucketsByOwner(ownerUserID string) ([]Bucket, error) {
	all, err := s.ListBuckets()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, b := range all {
		if b.OwnerUserID == ownerUserID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *Store) put(bucket, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "catalog: encode")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, raw)
	})
}

func (s *Store) insert(bucket, key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "catalog: encode")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get(key) != nil {
			return ErrExists
		}
		return b.Put(key, raw)
	})
}

func (s *Store) get(bucket, key []byte, v interface{}) error {
	return s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get(key)
		if raw == nil {
			return ErrNotExist
		}
		return errors.Wrap(json.Unmarshal(raw, v), "catalog: decode")
	})
}
