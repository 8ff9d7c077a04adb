package s3afero

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/lazoart/alarik"
)

const (
	// metaSuffix is appended to a key's filesystem path to form its sidecar.
	metaSuffix = ".meta.json"

	// versionsSuffix is appended to a key's filesystem path to form its
	// version directory.
	versionsSuffix = ".versions"

	// versioningFile holds the bucket's versioning state, at the bucket
	// root.
	versioningFile = ".versioning.json"

	// nullVersionID is the sentinel for the unversioned current object of a
	// bucket in Suspended state.
	nullVersionID = "null"

	tmpPrefix = ".tmp-"
)

// objectMeta is the sidecar record stored next to every object's bytes.
type objectMeta struct {
	Bucket         string            `json:"bucket"`
	Key            string            `json:"key"`
	Size           int64             `json:"size"`
	ContentType    string            `json:"contentType,omitempty"`
	ETag           string            `json:"etag"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	UserMetadata   map[string]string `json:"userMetadata,omitempty"`
	VersionID      string            `json:"versionId,omitempty"`
	IsLatest       bool              `json:"isLatest"`
	IsDeleteMarker bool              `json:"isDeleteMarker,omitempty"`
}

// responseMetadata renders the sidecar into the header map attached to a
// served Object.
func (m *objectMeta) responseMetadata() map[string]string {
	out := make(map[string]string, len(m.UserMetadata)+2)
	if m.ContentType != "" {
		out["Content-Type"] = m.ContentType
	}
	out["Last-Modified"] = formatHeaderTime(m.UpdatedAt)
	for k, v := range m.UserMetadata {
		out["x-amz-meta-"+k] = v
	}
	return out
}

func formatHeaderTime(t time.Time) string {
	return t.In(time.UTC).Format("Mon, 02 Jan 2006 15:04:05") + " GMT"
}

// bucketVersioning is the state file at the bucket root.
type bucketVersioning struct {
	Status alarik.VersioningStatus `json:"status"`
}

// newVersionID mints a fresh 32-character lowercase hex version id.
func newVersionID() alarik.VersionID {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return alarik.VersionID(hex.EncodeToString(b[:]))
}

// bucketPath maps a bucket name onto its directory under the root.
func bucketPath(bucket string) string {
	return url.PathEscape(bucket)
}

// keyPath maps an object key onto a filesystem path inside the bucket
// directory. The key has already passed ValidateObjectKey at the dispatch
// layer, but the mapping re-checks so the engine can never escape the
// bucket root even if called directly.
func keyPath(bucket, key string) (string, error) {
	if err := alarik.ValidateObjectKey(key); err != nil {
		return "", err
	}
	p := path.Join(bucketPath(bucket), key)
	if !strings.HasPrefix(p, bucketPath(bucket)+"/") {
		return "", alarik.ErrorInvalidArgument("key", key, "Object key resolves outside the bucket.")
	}
	return p, nil
}

// isInternalName reports whether a directory entry is engine bookkeeping
// rather than object data.
func isInternalName(name string) bool {
	return strings.HasSuffix(name, metaSuffix) ||
		strings.HasSuffix(name, versionsSuffix) ||
		name == versioningFile ||
		strings.HasPrefix(name, tmpPrefix)
}

// writeFileAtomic writes data to a temp file in the target's directory and
// renames it into place, so a crash leaves either the old or the new
// content, never a torn file.
func writeFileAtomic(fs afero.Fs, target string, data []byte) error {
	dir, base := path.Split(target)
	dir = strings.TrimSuffix(dir, "/")

	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return errors.Wrap(err, "s3afero: temp name")
	}
	tmp := path.Join(dir, tmpPrefix+base+"-"+hex.EncodeToString(suffix[:]))

	if err := afero.WriteFile(fs, tmp, data, 0644); err != nil {
		return errors.Wrap(err, "s3afero: write temp")
	}
	if err := fs.Rename(tmp, target); err != nil {
		_ = fs.Remove(tmp)
		return errors.Wrap(err, "s3afero: rename")
	}
	return nil
}

func readMeta(fs afero.Fs, metaPath string) (*objectMeta, error) {
	raw, err := afero.ReadFile(fs, metaPath)
	if err != nil {
		return nil, err
	}
	var meta objectMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errors.Wrapf(err, "s3afero: decode sidecar %s", metaPath)
	}
	return &meta, nil
}

func writeMeta(fs afero.Fs, metaPath string, meta *objectMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "s3afero: encode sidecar")
	}
	return writeFileAtomic(fs, metaPath, raw)
}
