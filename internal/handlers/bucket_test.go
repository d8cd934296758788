package handlers

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/litebucket/litebucket/internal/xmlutil"
)

// putObject uploads a body through the object handler and fails the test on
// any non-200 response.
func putObject(t *testing.T, h *ObjectHandler, bucket, key, body string) {
	t.Helper()
	req := httptest.NewRequest("PUT", (&url.URL{Path: "/" + bucket + "/" + key}).String(), strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.PutObject(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PutObject(%s/%s) status = %d: %s", bucket, key, rec.Code, rec.Body.String())
	}
}

func TestListBuckets(t *testing.T) {
	bh, _ := newTestHandlers(t)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	bh.ListBuckets(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var result xmlutil.ListAllMyBucketsResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Buckets) != 2 {
		t.Fatalf("got %d buckets, want 2", len(result.Buckets))
	}
	// Buckets come back in name order.
	if result.Buckets[0].Name != "test-bucket" || result.Buckets[1].Name != "versioned-bucket" {
		t.Errorf("bucket names = %q, %q", result.Buckets[0].Name, result.Buckets[1].Name)
	}
	for _, b := range result.Buckets {
		if b.CreationDate == "" {
			t.Errorf("bucket %q has empty CreationDate", b.Name)
		}
	}
	if result.Owner.ID != "litebucket" {
		t.Errorf("owner id = %q, want litebucket", result.Owner.ID)
	}
}

func TestHeadBucket(t *testing.T) {
	bh, _ := newTestHandlers(t)

	tests := []struct {
		path string
		want int
	}{
		{"/test-bucket", http.StatusOK},
		{"/Test-Bucket", http.StatusOK}, // sanitizes to a configured name
		{"/unknown-bucket", http.StatusNotFound},
		{"/ab", http.StatusBadRequest},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("HEAD", tt.path, nil)
		rec := httptest.NewRecorder()
		bh.HeadBucket(rec, req)
		if rec.Code != tt.want {
			t.Errorf("HeadBucket(%s) status = %d, want %d", tt.path, rec.Code, tt.want)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("HeadBucket(%s) wrote a body", tt.path)
		}
	}
}

func TestGetBucketLocation(t *testing.T) {
	bh, _ := newTestHandlers(t)

	req := httptest.NewRequest("GET", "/test-bucket?location", nil)
	rec := httptest.NewRecorder()
	bh.GetBucketLocation(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var result xmlutil.LocationConstraint
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// us-east-1 reads back as an empty constraint.
	if result.Location != "" {
		t.Errorf("location = %q, want empty", result.Location)
	}
}

func TestGetBucketVersioning(t *testing.T) {
	bh, _ := newTestHandlers(t)

	req := httptest.NewRequest("GET", "/test-bucket?versioning", nil)
	rec := httptest.NewRecorder()
	bh.GetBucketVersioning(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var cfg xmlutil.VersioningConfiguration
	if err := xml.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Status != "" {
		t.Errorf("unversioned bucket Status = %q, want empty", cfg.Status)
	}

	req = httptest.NewRequest("GET", "/versioned-bucket?versioning", nil)
	rec = httptest.NewRecorder()
	bh.GetBucketVersioning(rec, req)
	if err := xml.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Status != "Enabled" {
		t.Errorf("versioned bucket Status = %q, want Enabled", cfg.Status)
	}
}

func TestPutBucketVersioning(t *testing.T) {
	bh, _ := newTestHandlers(t)

	put := func(bucket, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("PUT", "/"+bucket+"?versioning", strings.NewReader(body))
		rec := httptest.NewRecorder()
		bh.PutBucketVersioning(rec, req)
		return rec
	}

	const xmlns = `xmlns="http://s3.amazonaws.com/doc/2006-03-01/"`

	// Enable on an unversioned bucket.
	rec := put("test-bucket", `<VersioningConfiguration `+xmlns+`><Status>Enabled</Status></VersioningConfiguration>`)
	if rec.Code != http.StatusOK {
		t.Fatalf("enable status = %d: %s", rec.Code, rec.Body.String())
	}

	// Suspend.
	rec = put("test-bucket", `<VersioningConfiguration `+xmlns+`><Status>Suspended</Status></VersioningConfiguration>`)
	if rec.Code != http.StatusOK {
		t.Fatalf("suspend status = %d: %s", rec.Code, rec.Body.String())
	}

	// Once versioning was enabled the bucket can never return to the
	// unversioned state.
	rec = put("test-bucket", `<VersioningConfiguration `+xmlns+`></VersioningConfiguration>`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("disable status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Code>IllegalVersioningConfigurationException</Code>") {
		t.Errorf("body = %s, want IllegalVersioningConfigurationException", rec.Body.String())
	}

	// Unknown status values are malformed.
	rec = put("versioned-bucket", `<VersioningConfiguration `+xmlns+`><Status>Paused</Status></VersioningConfiguration>`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status code = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Code>MalformedXML</Code>") {
		t.Errorf("body = %s, want MalformedXML", rec.Body.String())
	}

	// So are bodies that do not parse at all.
	rec = put("versioned-bucket", `not xml`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage body status = %d, want 400", rec.Code)
	}
}

func TestListObjectsV1(t *testing.T) {
	bh, oh := newTestHandlers(t)

	for _, key := range []string{"docs/a.txt", "docs/b.txt", "readme.md"} {
		putObject(t, oh, "test-bucket", key, "x")
	}

	req := httptest.NewRequest("GET", "/test-bucket", nil)
	rec := httptest.NewRecorder()
	bh.ListObjects(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var result xmlutil.ListBucketResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Name != "test-bucket" {
		t.Errorf("Name = %q", result.Name)
	}
	if len(result.Contents) != 3 {
		t.Fatalf("got %d objects, want 3", len(result.Contents))
	}
	if result.Contents[0].Key != "docs/a.txt" || result.Contents[2].Key != "readme.md" {
		t.Errorf("keys out of order: %v", result.Contents)
	}
	if result.IsTruncated {
		t.Error("IsTruncated = true for a complete listing")
	}

	// Delimiter listing collapses docs/ into a common prefix.
	req = httptest.NewRequest("GET", "/test-bucket?delimiter=/", nil)
	rec = httptest.NewRecorder()
	bh.ListObjects(rec, req)
	result = xmlutil.ListBucketResult{}
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Contents) != 1 || result.Contents[0].Key != "readme.md" {
		t.Errorf("Contents = %v, want [readme.md]", result.Contents)
	}
	if len(result.CommonPrefixes) != 1 || result.CommonPrefixes[0].Prefix != "docs/" {
		t.Errorf("CommonPrefixes = %v, want [docs/]", result.CommonPrefixes)
	}
}

func TestListObjectsV1Pagination(t *testing.T) {
	bh, oh := newTestHandlers(t)

	for i := 0; i < 5; i++ {
		putObject(t, oh, "test-bucket", fmt.Sprintf("key-%d", i), "x")
	}

	req := httptest.NewRequest("GET", "/test-bucket?max-keys=2&delimiter=/", nil)
	rec := httptest.NewRecorder()
	bh.ListObjects(rec, req)
	var page1 xmlutil.ListBucketResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &page1); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !page1.IsTruncated {
		t.Fatal("page 1 not truncated")
	}
	if page1.NextMarker != "key-1" {
		t.Fatalf("NextMarker = %q, want key-1", page1.NextMarker)
	}

	req = httptest.NewRequest("GET", "/test-bucket?max-keys=2&delimiter=/&marker="+page1.NextMarker, nil)
	rec = httptest.NewRecorder()
	bh.ListObjects(rec, req)
	var page2 xmlutil.ListBucketResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &page2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page2.Contents) != 2 || page2.Contents[0].Key != "key-2" {
		t.Errorf("page 2 contents = %v", page2.Contents)
	}

	// Bad max-keys is rejected.
	req = httptest.NewRequest("GET", "/test-bucket?max-keys=banana", nil)
	rec = httptest.NewRecorder()
	bh.ListObjects(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad max-keys status = %d, want 400", rec.Code)
	}
}

func TestListObjectsV2(t *testing.T) {
	bh, oh := newTestHandlers(t)

	for i := 0; i < 4; i++ {
		putObject(t, oh, "test-bucket", fmt.Sprintf("obj-%d", i), "x")
	}

	req := httptest.NewRequest("GET", "/test-bucket?list-type=2&max-keys=3", nil)
	rec := httptest.NewRecorder()
	bh.ListObjectsV2(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var page1 xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &page1); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if page1.KeyCount != 3 {
		t.Errorf("KeyCount = %d, want 3", page1.KeyCount)
	}
	if !page1.IsTruncated || page1.NextContinuationToken == "" {
		t.Fatalf("page 1: IsTruncated=%v token=%q", page1.IsTruncated, page1.NextContinuationToken)
	}

	req = httptest.NewRequest("GET", "/test-bucket?list-type=2&continuation-token="+page1.NextContinuationToken, nil)
	rec = httptest.NewRecorder()
	bh.ListObjectsV2(rec, req)
	var page2 xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &page2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if page2.KeyCount != 1 || page2.Contents[0].Key != "obj-3" {
		t.Errorf("page 2 = %+v, want single obj-3", page2)
	}
	if page2.IsTruncated {
		t.Error("page 2 truncated")
	}

	// start-after behaves like a V1 marker.
	req = httptest.NewRequest("GET", "/test-bucket?list-type=2&start-after=obj-2", nil)
	rec = httptest.NewRecorder()
	bh.ListObjectsV2(rec, req)
	var after xmlutil.ListBucketV2Result
	if err := xml.Unmarshal(rec.Body.Bytes(), &after); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if after.KeyCount != 1 || after.Contents[0].Key != "obj-3" {
		t.Errorf("start-after result = %+v, want single obj-3", after)
	}

	// Garbage continuation token is rejected.
	req = httptest.NewRequest("GET", "/test-bucket?list-type=2&continuation-token=%21%21", nil)
	rec = httptest.NewRecorder()
	bh.ListObjectsV2(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad token status = %d, want 400", rec.Code)
	}
}

func TestListObjectVersionsHandler(t *testing.T) {
	bh, oh := newTestHandlers(t)

	putObject(t, oh, "versioned-bucket", "k", "v1")
	putObject(t, oh, "versioned-bucket", "k", "v2")

	req := httptest.NewRequest("DELETE", "/versioned-bucket/k", nil)
	rec := httptest.NewRecorder()
	oh.DeleteObject(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DeleteObject status = %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/versioned-bucket?versions", nil)
	rec = httptest.NewRecorder()
	bh.ListObjectVersions(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var result xmlutil.ListVersionsResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Versions) != 2 {
		t.Fatalf("got %d versions, want 2", len(result.Versions))
	}
	if len(result.DeleteMarkers) != 1 {
		t.Fatalf("got %d delete markers, want 1", len(result.DeleteMarkers))
	}
	if !result.DeleteMarkers[0].IsLatest {
		t.Error("delete marker is not latest")
	}
	for _, v := range result.Versions {
		if v.IsLatest {
			t.Errorf("version %s marked latest behind a delete marker", v.VersionID)
		}
		if v.VersionID == "" || v.VersionID == "null" {
			t.Errorf("version id = %q, want a real id", v.VersionID)
		}
	}
}

func TestListObjectsEncodingTypeURL(t *testing.T) {
	bh, oh := newTestHandlers(t)

	putObject(t, oh, "test-bucket", "dir/a b.txt", "x")

	req := httptest.NewRequest("GET", "/test-bucket?encoding-type=url", nil)
	rec := httptest.NewRecorder()
	bh.ListObjects(rec, req)
	var result xmlutil.ListBucketResult
	if err := xml.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Contents) != 1 {
		t.Fatalf("got %d objects, want 1", len(result.Contents))
	}
	if got := result.Contents[0].Key; !strings.Contains(got, "%20") && !strings.Contains(got, "+") {
		t.Errorf("key %q not url-encoded", got)
	}
}
