package alarik

import (
	"net/http"
	"strings"
)

// routeBase is the upstream route for every request that passed the
// middleware chain. Routing is path-style: the first path segment is the
// bucket, the rest is the object key, and the query string's subresource
// keys discriminate between operations on the same verb and path.
func (g *Server) routeBase(w http.ResponseWriter, r *http.Request) {
	var (
		path   = strings.Trim(r.URL.Path, "/")
		parts  = strings.SplitN(path, "/", 2)
		bucket = parts[0]
		object = ""
		err    error
	)

	if len(parts) == 2 {
		object = parts[1]
	}

	if bucket == "" {
		err = g.routeRoot(w, r)
	} else if object != "" {
		err = g.routeObject(bucket, object, w, r)
	} else {
		err = g.routeBucket(bucket, w, r)
	}

	if err != nil {
		g.httpError(w, r, err)
	}
}

func (g *Server) routeRoot(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet:
		return g.listBuckets(w, r)
	default:
		return ErrNotImplemented
	}
}

func (g *Server) routeBucket(bucket string, w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query()

	switch r.Method {
	case http.MethodGet:
		if err := g.authorizeBucket(r, bucket); err != nil {
			return err
		}
		switch {
		case query.Has("uploads"):
			return g.listMultipartUploads(bucket, w, r)
		case query.Has("versioning"):
			return g.getBucketVersioning(bucket, w, r)
		case query.Has("versions"):
			return g.listBucketVersions(bucket, w, r)
		case query.Has("location"):
			return g.getBucketLocation(bucket, w, r)
		case query.Has("policy"):
			return ErrNotImplemented
		default:
			return g.listBucket(bucket, w, r)
		}

	case http.MethodPut:
		if query.Has("versioning") {
			if err := g.authorizeBucket(r, bucket); err != nil {
				return err
			}
			return g.putBucketVersioning(bucket, w, r)
		}
		return g.createBucket(bucket, w, r)

	case http.MethodDelete:
		if err := g.authorizeBucket(r, bucket); err != nil {
			return err
		}
		return g.deleteBucket(bucket, w, r)

	case http.MethodHead:
		if err := g.authorizeBucket(r, bucket); err != nil {
			return err
		}
		return g.headBucket(bucket, w, r)

	case http.MethodPost:
		if err := g.authorizeBucket(r, bucket); err != nil {
			return err
		}
		if query.Has("delete") {
			return g.deleteMulti(bucket, w, r)
		}
		return ErrNotImplemented

	default:
		return ErrNotImplemented
	}
}

func (g *Server) routeObject(bucket, object string, w http.ResponseWriter, r *http.Request) (err error) {
	if err := ValidateObjectKey(object); err != nil {
		return err
	}
	if err := g.authorizeBucket(r, bucket); err != nil {
		return err
	}

	query := r.URL.Query()
	uploadID := UploadID(query.Get("uploadId"))
	versionID := VersionID(query.Get("versionId"))

	switch r.Method {
	case http.MethodGet:
		if uploadID != "" {
			return g.listMultipartUploadParts(bucket, object, uploadID, w, r)
		}
		return g.getObject(bucket, object, versionID, w, r)

	case http.MethodHead:
		return g.headObject(bucket, object, versionID, w, r)

	case http.MethodPut:
		if uploadID != "" {
			return g.putMultipartUploadPart(bucket, object, uploadID, w, r)
		}
		return g.createObject(bucket, object, w, r)

	case http.MethodPost:
		switch {
		case query.Has("uploads"):
			return g.initiateMultipartUpload(bucket, object, w, r)
		case uploadID != "":
			return g.completeMultipartUpload(bucket, object, uploadID, w, r)
		default:
			return ErrNotImplemented
		}

	case http.MethodDelete:
		if uploadID != "" && versionID == "" {
			return g.abortMultipartUpload(bucket, object, uploadID, w, r)
		}
		if versionID != "" {
			return g.deleteObjectVersion(bucket, object, versionID, w, r)
		}
		return g.deleteObject(bucket, object, w, r)

	default:
		return ErrNotImplemented
	}
}
