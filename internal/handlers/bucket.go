package handlers

import (
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"

	s3err "github.com/litebucket/litebucket/internal/errors"
	"github.com/litebucket/litebucket/internal/registry"
	"github.com/litebucket/litebucket/internal/store"
	"github.com/litebucket/litebucket/internal/xmlutil"
)

// BucketHandler contains handlers for S3 bucket-level operations. The bucket
// set is fixed at startup: requests for names outside the registry fail
// closed with NoSuchBucket.
type BucketHandler struct {
	reg          *registry.Registry
	store        *store.Store
	ownerID      string
	ownerDisplay string
	region       string
}

// NewBucketHandler creates a new BucketHandler with the given dependencies.
func NewBucketHandler(reg *registry.Registry, st *store.Store, ownerID, ownerDisplay, region string) *BucketHandler {
	return &BucketHandler{
		reg:          reg,
		store:        st,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		region:       region,
	}
}

// ListBuckets handles GET / and returns all configured buckets.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var xmlBuckets []xmlutil.Bucket
	for _, b := range h.reg.List() {
		createdAt, err := h.store.BucketCreatedAt(ctx, b.Name)
		if err != nil {
			slog.Error("ListBuckets error", "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
			return
		}
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(createdAt),
		})
	}

	result := &xmlutil.ListAllMyBucketsResult{
		Owner: xmlutil.Owner{
			ID:          h.ownerID,
			DisplayName: h.ownerDisplay,
		},
		Buckets: xmlBuckets,
	}

	xmlutil.RenderListBuckets(w, result)
}

// HeadBucket handles HEAD /{bucket} and checks whether the specified bucket
// exists. HEAD responses carry no body, status code only.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	bucket, err := h.reg.Lookup(extractBucketName(r))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if bucket == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("x-amz-bucket-region", h.region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location and returns the region
// constraint for the specified bucket.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	if resolveBucket(w, r, h.reg) == nil {
		return
	}

	// us-east-1 quirk: return empty LocationConstraint (effectively null).
	location := h.region
	if location == "us-east-1" {
		location = ""
	}

	xmlutil.RenderLocationConstraint(w, location)
}

// GetBucketVersioning handles GET /{bucket}?versioning. A bucket that never
// left the unversioned state returns an empty configuration with no Status
// element.
func (h *BucketHandler) GetBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucket := resolveBucket(w, r, h.reg)
	if bucket == nil {
		return
	}

	state, err := h.store.GetVersioning(r.Context(), bucket.Name)
	if err != nil {
		slog.Error("GetBucketVersioning error", "bucket", bucket.Name, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.VersioningConfiguration{}
	if state != store.VersioningDisabled {
		result.Status = string(state)
	}
	xmlutil.RenderVersioningConfiguration(w, result)
}

// PutBucketVersioning handles PUT /{bucket}?versioning. Only Enabled and
// Suspended can be requested; a configuration with no Status asks for the
// unversioned state, which is only legal while the bucket is still in it.
func (h *BucketHandler) PutBucketVersioning(w http.ResponseWriter, r *http.Request) {
	bucket := resolveBucket(w, r, h.reg)
	if bucket == nil {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var cfg xmlutil.VersioningConfiguration
	if err := xml.Unmarshal(body, &cfg); err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	var target store.VersioningState
	switch cfg.Status {
	case "Enabled":
		target = store.VersioningEnabled
	case "Suspended":
		target = store.VersioningSuspended
	case "":
		target = store.VersioningDisabled
	default:
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	if err := h.store.SetVersioning(r.Context(), bucket.Name, target); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrIllegalVersioningConfiguration)
			return
		}
		slog.Error("PutBucketVersioning error", "bucket", bucket.Name, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ListObjects handles GET /{bucket} (V1 list) with prefix, delimiter, marker,
// and max-keys parameters.
func (h *BucketHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	bucket := resolveBucket(w, r, h.reg)
	if bucket == nil {
		return
	}

	q := r.URL.Query()
	maxKeys, err := parseMaxKeys(q.Get("max-keys"))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	opts := store.ListOptions{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		Marker:    q.Get("marker"),
		MaxKeys:   maxKeys,
	}

	listing, err := h.store.ListObjects(r.Context(), bucket.Name, opts)
	if err != nil {
		slog.Error("ListObjects error", "bucket", bucket.Name, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	encodingType := q.Get("encoding-type")
	result := &xmlutil.ListBucketResult{
		Name:         bucket.Name,
		Prefix:       xmlutil.EncodeKeyURL(opts.Prefix, encodingType),
		Marker:       xmlutil.EncodeKeyURL(opts.Marker, encodingType),
		MaxKeys:      maxKeys,
		Delimiter:    opts.Delimiter,
		EncodingType: encodingType,
		IsTruncated:  listing.IsTruncated,
	}
	// V1 quirk: NextMarker appears only in delimiter listings; without a
	// delimiter clients resume from the last returned key.
	if listing.IsTruncated && opts.Delimiter != "" {
		result.NextMarker = xmlutil.EncodeKeyURL(listing.NextMarker, encodingType)
	}
	result.Contents = xmlObjects(listing.Objects, encodingType)
	result.CommonPrefixes = xmlCommonPrefixes(listing.CommonPrefixes, encodingType)

	xmlutil.RenderListObjects(w, result)
}

// ListObjectsV2 handles GET /{bucket}?list-type=2 with continuation-token and
// start-after pagination.
func (h *BucketHandler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	bucket := resolveBucket(w, r, h.reg)
	if bucket == nil {
		return
	}

	q := r.URL.Query()
	maxKeys, err := parseMaxKeys(q.Get("max-keys"))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	token := q.Get("continuation-token")
	startAfter := q.Get("start-after")

	// The continuation token wins over start-after when both are present.
	marker := startAfter
	if token != "" {
		marker, err = decodeContinuationToken(token)
		if err != nil {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
			return
		}
	}

	opts := store.ListOptions{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		Marker:    marker,
		MaxKeys:   maxKeys,
	}

	listing, err := h.store.ListObjects(r.Context(), bucket.Name, opts)
	if err != nil {
		slog.Error("ListObjectsV2 error", "bucket", bucket.Name, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	encodingType := q.Get("encoding-type")
	result := &xmlutil.ListBucketV2Result{
		Name:              bucket.Name,
		Prefix:            xmlutil.EncodeKeyURL(opts.Prefix, encodingType),
		StartAfter:        xmlutil.EncodeKeyURL(startAfter, encodingType),
		ContinuationToken: token,
		KeyCount:          len(listing.Objects) + len(listing.CommonPrefixes),
		MaxKeys:           maxKeys,
		Delimiter:         opts.Delimiter,
		EncodingType:      encodingType,
		IsTruncated:       listing.IsTruncated,
	}
	if listing.IsTruncated {
		result.NextContinuationToken = encodeContinuationToken(listing.NextMarker)
	}
	result.Contents = xmlObjects(listing.Objects, encodingType)
	result.CommonPrefixes = xmlCommonPrefixes(listing.CommonPrefixes, encodingType)

	xmlutil.RenderListObjectsV2(w, result)
}

// ListObjectVersions handles GET /{bucket}?versions and returns every stored
// version, delete markers included.
func (h *BucketHandler) ListObjectVersions(w http.ResponseWriter, r *http.Request) {
	bucket := resolveBucket(w, r, h.reg)
	if bucket == nil {
		return
	}

	q := r.URL.Query()
	maxKeys, err := parseMaxKeys(q.Get("max-keys"))
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	opts := store.ListVersionsOptions{
		Prefix:          q.Get("prefix"),
		Delimiter:       q.Get("delimiter"),
		KeyMarker:       q.Get("key-marker"),
		VersionIDMarker: q.Get("version-id-marker"),
		MaxKeys:         maxKeys,
	}

	listing, err := h.store.ListVersions(r.Context(), bucket.Name, opts)
	if err != nil {
		slog.Error("ListObjectVersions error", "bucket", bucket.Name, "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	encodingType := q.Get("encoding-type")
	result := &xmlutil.ListVersionsResult{
		Name:            bucket.Name,
		Prefix:          xmlutil.EncodeKeyURL(opts.Prefix, encodingType),
		KeyMarker:       xmlutil.EncodeKeyURL(opts.KeyMarker, encodingType),
		VersionIDMarker: opts.VersionIDMarker,
		MaxKeys:         maxKeys,
		Delimiter:       opts.Delimiter,
		EncodingType:    encodingType,
		IsTruncated:     listing.IsTruncated,
	}
	if listing.IsTruncated {
		result.NextKeyMarker = xmlutil.EncodeKeyURL(listing.NextKeyMarker, encodingType)
		result.NextVersionIDMarker = listing.NextVersionIDMarker
	}
	owner := &xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay}
	for _, v := range listing.Versions {
		if v.DeleteMarker {
			result.DeleteMarkers = append(result.DeleteMarkers, xmlutil.DeleteMarkerEntry{
				Key:          xmlutil.EncodeKeyURL(v.Key, encodingType),
				VersionID:    v.VersionID,
				IsLatest:     v.IsLatest,
				LastModified: xmlutil.FormatTimeS3(v.LastModified),
				Owner:        owner,
			})
			continue
		}
		result.Versions = append(result.Versions, xmlutil.ObjectVersion{
			Key:          xmlutil.EncodeKeyURL(v.Key, encodingType),
			VersionID:    v.VersionID,
			IsLatest:     v.IsLatest,
			LastModified: xmlutil.FormatTimeS3(v.LastModified),
			ETag:         v.ETag,
			Size:         v.Size,
			StorageClass: "STANDARD",
			Owner:        owner,
		})
	}
	result.CommonPrefixes = xmlCommonPrefixes(listing.CommonPrefixes, encodingType)

	xmlutil.RenderListVersions(w, result)
}

func xmlObjects(objs []store.ObjectInfo, encodingType string) []xmlutil.Object {
	var out []xmlutil.Object
	for _, o := range objs {
		out = append(out, xmlutil.Object{
			Key:          xmlutil.EncodeKeyURL(o.Key, encodingType),
			LastModified: xmlutil.FormatTimeS3(o.LastModified),
			ETag:         o.ETag,
			Size:         o.Size,
			StorageClass: "STANDARD",
		})
	}
	return out
}

func xmlCommonPrefixes(prefixes []string, encodingType string) []xmlutil.CommonPrefix {
	var out []xmlutil.CommonPrefix
	for _, p := range prefixes {
		out = append(out, xmlutil.CommonPrefix{Prefix: xmlutil.EncodeKeyURL(p, encodingType)})
	}
	return out
}
