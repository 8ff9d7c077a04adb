package s3afero

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/lazoart/alarik"
)

// enumerateKeys walks the bucket tree and returns every object key in ASCII
// order. A key exists when its data file exists, or when its
// "<key>.versions/" directory does (keys only ever written or deleted in
// Enabled mode have no data file at the key's own path).
func (b *Backend) enumerateKeys(bucketName string) ([]string, error) {
	root := bucketPath(bucketName)

	exists, err := afero.DirExists(b.fs, root)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, alarik.BucketNotFound(bucketName)
	}

	seen := map[string]bool{}
	var keys []string
	add := func(key string) {
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	var walk func(dir string) error
	walk = func(dir string) error {
		entries, err := afero.ReadDir(b.fs, dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errors.Wrap(err, "s3afero: walk")
		}

		for _, entry := range entries {
			name := entry.Name()
			full := path.Join(dir, name)
			rel := strings.TrimPrefix(strings.TrimPrefix(full, root), "/")

			if entry.IsDir() {
				if strings.HasSuffix(name, versionsSuffix) {
					add(strings.TrimSuffix(rel, versionsSuffix))
					continue
				}
				if err := walk(full); err != nil {
					return err
				}
				continue
			}

			if isInternalName(name) {
				continue
			}
			add(rel)
		}
		return nil
	}

	if err := walk(root); err != nil {
		return nil, err
	}

	sort.Strings(keys)
	return keys, nil
}

func (b *Backend) hasAnyObjects(bucketName string) (bool, error) {
	keys, err := b.enumerateKeys(bucketName)
	if err != nil {
		return false, err
	}
	for _, key := range keys {
		meta, _, err := b.resolveLatest(bucketName, key)
		if err != nil {
			if alarik.HasErrorCode(err, alarik.ErrNoSuchKey) {
				continue
			}
			return false, err
		}
		if !meta.IsDeleteMarker {
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) ListBucket(ctx context.Context, name string, prefix *alarik.Prefix, page alarik.ListBucketPage) (*alarik.ObjectList, error) {
	if prefix == nil {
		prefix = &alarik.Prefix{}
	}

	keys, err := b.enumerateKeys(name)
	if err != nil {
		return nil, err
	}

	response := alarik.NewObjectList()
	var count int64
	var lastMatchedPart string

	for _, key := range keys {
		if page.HasMarker && key <= page.Marker {
			continue
		}

		var match alarik.PrefixMatch
		if !prefix.Match(key, &match) {
			continue
		}

		// A rolled-up group only counts once against MaxKeys.
		if match.CommonPrefix && match.MatchedPart == lastMatchedPart {
			continue
		}

		meta, _, err := b.resolveLatest(name, key)
		if err != nil {
			if alarik.HasErrorCode(err, alarik.ErrNoSuchKey) {
				continue
			}
			return nil, err
		}
		if meta.IsDeleteMarker {
			continue
		}

		if page.MaxKeys > 0 && count >= page.MaxKeys {
			response.IsTruncated = true
			break
		}

		if match.CommonPrefix {
			response.AddPrefix(match.MatchedPart)
			lastMatchedPart = match.MatchedPart
		} else {
			response.Add(&alarik.Content{
				Key:          key,
				LastModified: alarik.NewContentTime(meta.UpdatedAt),
				ETag:         `"` + meta.ETag + `"`,
				Size:         meta.Size,
				StorageClass: alarik.StorageStandard,
			})
		}
		response.NextMarker = key
		count++
	}

	if !response.IsTruncated {
		response.NextMarker = ""
	}
	return response, nil
}

func (b *Backend) ListBucketVersions(ctx context.Context, bucketName string, prefix *alarik.Prefix, page *alarik.ListBucketVersionsPage) (*alarik.ListBucketVersionsResult, error) {
	if prefix == nil {
		prefix = &alarik.Prefix{}
	}
	if page == nil {
		page = &alarik.ListBucketVersionsPage{}
	}

	keys, err := b.enumerateKeys(bucketName)
	if err != nil {
		return nil, err
	}

	result := alarik.NewListBucketVersionsResult(bucketName, prefix, page)

	var count int64
	maxKeys := page.MaxKeys
	if maxKeys <= 0 {
		maxKeys = alarik.DefaultMaxBucketVersionKeys
	}

	// Pagination resumes strictly after (keyMarker, versionIdMarker). With
	// no version marker, the whole marker key is skipped.
	skipKey := func(key string) bool {
		if !page.HasKeyMarker {
			return false
		}
		if key < page.KeyMarker {
			return true
		}
		if key == page.KeyMarker && !page.HasVersionIDMarker {
			return true
		}
		return false
	}

	var lastMatchedPart string

truncated:
	for _, key := range keys {
		if skipKey(key) {
			continue
		}

		var match alarik.PrefixMatch
		if !prefix.Match(key, &match) {
			continue
		}

		if match.CommonPrefix {
			if match.MatchedPart == lastMatchedPart {
				continue
			}
			if count >= maxKeys {
				result.IsTruncated = true
				break truncated
			}
			result.AddPrefix(match.MatchedPart)
			lastMatchedPart = match.MatchedPart
			result.NextKeyMarker = key
			result.NextVersionIDMarker = ""
			count++
			continue
		}

		versions, err := b.keyVersionMetas(bucketName, key)
		if err != nil {
			return nil, err
		}

		// When resuming within the marker key, drop versions up to and
		// including the version marker.
		if page.HasVersionIDMarker && key == page.KeyMarker {
			idx := -1
			for i, m := range versions {
				if m.VersionID == string(page.VersionIDMarker) {
					idx = i
					break
				}
			}
			versions = versions[idx+1:]
		}

		for _, m := range versions {
			if count >= maxKeys {
				result.IsTruncated = true
				break truncated
			}

			versionID := alarik.VersionID(m.VersionID)
			if versionID == "" {
				versionID = nullVersionID
			}

			if m.IsDeleteMarker {
				result.Versions = append(result.Versions, &alarik.DeleteMarker{
					Key:          key,
					VersionID:    versionID,
					IsLatest:     m.IsLatest,
					LastModified: alarik.NewContentTime(m.UpdatedAt),
				})
			} else {
				result.Versions = append(result.Versions, &alarik.Version{
					Key:          key,
					VersionID:    versionID,
					IsLatest:     m.IsLatest,
					LastModified: alarik.NewContentTime(m.UpdatedAt),
					Size:         m.Size,
					ETag:         `"` + m.ETag + `"`,
					StorageClass: alarik.StorageStandard,
				})
			}
			result.NextKeyMarker = key
			result.NextVersionIDMarker = versionID
			count++
		}
	}

	if !result.IsTruncated {
		result.NextKeyMarker = ""
		result.NextVersionIDMarker = ""
	}
	return result, nil
}

// keyVersionMetas returns every record of a key, newest first: the
// versioned sidecars followed (or led, by timestamp) by the unversioned
// record when one exists.
func (b *Backend) keyVersionMetas(bucketName, key string) ([]*objectMeta, error) {
	kp, err := keyPath(bucketName, key)
	if err != nil {
		return nil, err
	}

	metas, err := b.versionMetas(kp + versionsSuffix)
	if err != nil {
		return nil, err
	}

	if meta, err := readMeta(b.fs, kp+metaSuffix); err == nil {
		if meta.VersionID == "" {
			meta.VersionID = nullVersionID
		}
		metas = append(metas, meta)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}
