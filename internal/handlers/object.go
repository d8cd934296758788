package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	s3err "github.com/litebucket/litebucket/internal/errors"
	"github.com/litebucket/litebucket/internal/metrics"
	"github.com/litebucket/litebucket/internal/registry"
	"github.com/litebucket/litebucket/internal/store"
	"github.com/litebucket/litebucket/internal/xmlutil"
)

// ObjectHandler contains handlers for S3 object-level operations.
type ObjectHandler struct {
	reg           *registry.Registry
	store         *store.Store
	maxObjectSize int64
}

// NewObjectHandler creates a new ObjectHandler with the given dependencies.
func NewObjectHandler(reg *registry.Registry, st *store.Store, maxObjectSize int64) *ObjectHandler {
	return &ObjectHandler{
		reg:           reg,
		store:         st,
		maxObjectSize: maxObjectSize,
	}
}

// PutObject handles PUT /{bucket}/{key}: the body becomes the new current
// version of the key in one atomic transaction.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	bucket := resolveBucket(w, r, h.reg)
	if bucket == nil {
		return
	}

	key := extractObjectKey(r)
	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if len(key) > maxKeyLength {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrKeyTooLongError)
		return
	}

	if r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	// LimitReader with one spare byte so an oversized chunked body is
	// detected without reading it all.
	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxObjectSize+1))
	if err != nil {
		slog.Error("PutObject read error", "bucket", bucket.Name, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if int64(len(data)) > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}
	metrics.BytesReceivedTotal.Add(float64(len(data)))

	v, err := h.store.Upload(r.Context(), bucket.Name, key, data, r.Header.Get("Content-Type"))
	if err != nil {
		writeStoreError(w, r, "PutObject", bucket.Name, key, err)
		return
	}

	w.Header().Set("ETag", v.ETag)
	if v.VersionID != store.NullVersionID {
		w.Header().Set("x-amz-version-id", v.VersionID)
	}
	w.WriteHeader(http.StatusOK)
}

// GetObject handles GET /{bucket}/{key} with optional versionId. A key whose
// current version is a delete marker reads as absent; an explicitly
// addressed delete marker answers 405 with the marker flagged in headers.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	h.serveObject(w, r, true)
}

// HeadObject handles HEAD /{bucket}/{key}: GetObject without the body.
func (h *ObjectHandler) HeadObject(w http.ResponseWriter, r *http.Request) {
	h.serveObject(w, r, false)
}

func (h *ObjectHandler) serveObject(w http.ResponseWriter, r *http.Request, withBody bool) {
	bucket := resolveBucket(w, r, h.reg)
	if bucket == nil {
		return
	}

	key := extractObjectKey(r)
	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	versionID := r.URL.Query().Get("versionId")

	var (
		v   *store.Version
		err error
	)
	if withBody {
		v, err = h.store.Download(r.Context(), bucket.Name, key, versionID)
	} else {
		v, err = h.store.Head(r.Context(), bucket.Name, key, versionID)
	}
	if err != nil {
		writeStoreError(w, r, "GetObject", bucket.Name, key, err)
		return
	}
	if v == nil {
		if versionID != "" {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchVersion)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	if v.DeleteMarker {
		w.Header().Set("x-amz-delete-marker", "true")
		if versionID == "" {
			// The key's current version is a marker: the object reads as
			// absent.
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
			return
		}
		w.Header().Set("x-amz-version-id", v.VersionID)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMethodNotAllowed)
		return
	}

	if status, skip := checkConditionalHeaders(r, v.ETag, v.CreatedAt); skip {
		setObjectResponseHeaders(w, v)
		w.Header().Del("Content-Length")
		w.WriteHeader(status)
		return
	}

	setObjectResponseHeaders(w, v)

	// Range requests apply to GET only.
	if rangeHeader := r.Header.Get("Range"); withBody && rangeHeader != "" {
		start, end, rangeErr := parseRange(rangeHeader, v.Size)
		if rangeErr != nil {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(v.Size, 10))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range",
			"bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(v.Size, 10))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		n, _ := w.Write(v.Data[start : end+1])
		metrics.BytesSentTotal.Add(float64(n))
		return
	}

	w.WriteHeader(http.StatusOK)
	if withBody {
		n, _ := w.Write(v.Data)
		metrics.BytesSentTotal.Add(float64(n))
	}
}

// DeleteObject handles DELETE /{bucket}/{key} with optional versionId. In a
// versioned bucket a plain delete inserts a delete marker; with a versionId
// the targeted version is removed for good. Deleting an absent key still
// answers 204.
func (h *ObjectHandler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	bucket := resolveBucket(w, r, h.reg)
	if bucket == nil {
		return
	}

	key := extractObjectKey(r)
	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	versionID := r.URL.Query().Get("versionId")

	out, err := h.store.Delete(r.Context(), bucket.Name, key, versionID)
	if err != nil {
		writeStoreError(w, r, "DeleteObject", bucket.Name, key, err)
		return
	}

	if out.VersionID != "" {
		w.Header().Set("x-amz-version-id", out.VersionID)
	}
	if out.DeleteMarker {
		w.Header().Set("x-amz-delete-marker", "true")
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError maps store-layer failures onto S3 error responses. An
// exhausted retry budget or a context deadline surfaces as 503 so clients
// know to back off and retry; a broken latest-version invariant is an
// internal error, never silently repaired.
func writeStoreError(w http.ResponseWriter, r *http.Request, op, bucket, key string, err error) {
	switch {
	case errors.Is(err, store.ErrInconsistentLatest):
		slog.Error(op+" invariant violation", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
	case r.Context().Err() != nil || errors.Is(err, store.ErrRetriesExhausted):
		slog.Warn(op+" unavailable", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrServiceUnavailable)
	default:
		slog.Error(op+" error", "bucket", bucket, "key", key, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
	}
}
