package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestUploadDownloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "photos", VersioningDisabled)

	data := []byte("hello world")
	v, err := s.Upload(ctx, "photos", "greeting.txt", data, "text/plain")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if v.VersionID != NullVersionID {
		t.Errorf("VersionID = %q, want %q in an unversioned bucket", v.VersionID, NullVersionID)
	}
	// MD5 of "hello world", quoted.
	wantETag := `"5eb63bbbe01eeed093cb22bb8f5acdc3"`
	if v.ETag != wantETag {
		t.Errorf("ETag = %q, want %q", v.ETag, wantETag)
	}

	got, err := s.Download(ctx, "photos", "greeting.txt", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if got == nil {
		t.Fatal("Download returned nil for existing object")
	}
	if !bytes.Equal(got.Data, data) {
		t.Errorf("Data = %q, want %q", got.Data, data)
	}
	if got.ContentType != "text/plain" {
		t.Errorf("ContentType = %q, want text/plain", got.ContentType)
	}
	if got.Size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", got.Size, len(data))
	}
}

func TestHeadOmitsData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "photos", VersioningDisabled)

	if _, err := s.Upload(ctx, "photos", "a.bin", []byte{1, 2, 3}, ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	v, err := s.Head(ctx, "photos", "a.bin", "")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if v == nil {
		t.Fatal("Head returned nil for existing object")
	}
	if v.Data != nil {
		t.Errorf("Head populated Data (%d bytes), want nil", len(v.Data))
	}
	if v.Size != 3 {
		t.Errorf("Size = %d, want 3", v.Size)
	}
}

func TestDownloadMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "photos", VersioningDisabled)

	v, err := s.Download(ctx, "photos", "nope.txt", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if v != nil {
		t.Errorf("Download(missing) = %v, want nil", v)
	}

	v, err = s.Download(ctx, "photos", "nope.txt", "some-version")
	if err != nil {
		t.Fatalf("Download by version: %v", err)
	}
	if v != nil {
		t.Errorf("Download(missing version) = %v, want nil", v)
	}
}

func TestUnversionedOverwriteReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "photos", VersioningDisabled)

	if _, err := s.Upload(ctx, "photos", "k", []byte("one"), ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := s.Upload(ctx, "photos", "k", []byte("two"), ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	listing, err := s.ListVersions(ctx, "photos", ListVersionsOptions{MaxKeys: 100})
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(listing.Versions) != 1 {
		t.Fatalf("stored versions = %d after overwrite, want 1", len(listing.Versions))
	}

	got, err := s.Download(ctx, "photos", "k", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(got.Data) != "two" {
		t.Errorf("Data = %q, want %q", got.Data, "two")
	}
}

func TestVersionedUploadAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "docs", VersioningEnabled)

	v1, err := s.Upload(ctx, "docs", "k", []byte("one"), "")
	if err != nil {
		t.Fatalf("Upload v1: %v", err)
	}
	v2, err := s.Upload(ctx, "docs", "k", []byte("two"), "")
	if err != nil {
		t.Fatalf("Upload v2: %v", err)
	}
	if v1.VersionID == v2.VersionID {
		t.Fatalf("both uploads got version id %q", v1.VersionID)
	}
	if v1.VersionID == NullVersionID || v2.VersionID == NullVersionID {
		t.Error("versioned upload produced the null version id")
	}

	// Current version is the second upload.
	latest, err := s.Download(ctx, "docs", "k", "")
	if err != nil {
		t.Fatalf("Download latest: %v", err)
	}
	if latest.VersionID != v2.VersionID {
		t.Errorf("latest version = %q, want %q", latest.VersionID, v2.VersionID)
	}
	if string(latest.Data) != "two" {
		t.Errorf("latest data = %q, want two", latest.Data)
	}

	// The first version remains addressable.
	old, err := s.Download(ctx, "docs", "k", v1.VersionID)
	if err != nil {
		t.Fatalf("Download old version: %v", err)
	}
	if old == nil {
		t.Fatal("old version no longer addressable")
	}
	if string(old.Data) != "one" {
		t.Errorf("old data = %q, want one", old.Data)
	}
	if old.IsLatest {
		t.Error("superseded version still marked latest")
	}
}

func TestSuspendedUploadStillAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "docs", VersioningEnabled)

	if _, err := s.Upload(ctx, "docs", "k", []byte("one"), ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := s.SetVersioning(ctx, "docs", VersioningSuspended); err != nil {
		t.Fatalf("SetVersioning: %v", err)
	}
	if _, err := s.Upload(ctx, "docs", "k", []byte("two"), ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	listing, err := s.ListVersions(ctx, "docs", ListVersionsOptions{MaxKeys: 100})
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(listing.Versions) != 2 {
		t.Errorf("stored versions = %d, want 2: history survives suspension", len(listing.Versions))
	}
}

func TestDeleteUnversioned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "photos", VersioningDisabled)

	if _, err := s.Upload(ctx, "photos", "k", []byte("x"), ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	out, err := s.Delete(ctx, "photos", "k", "")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !out.Removed {
		t.Error("Removed = false, want true")
	}
	if out.DeleteMarker {
		t.Error("DeleteMarker = true for unversioned delete")
	}

	v, err := s.Download(ctx, "photos", "k", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if v != nil {
		t.Errorf("object still present after delete: %v", v)
	}

	// Deleting again is not an error.
	out, err = s.Delete(ctx, "photos", "k", "")
	if err != nil {
		t.Fatalf("Delete of absent key: %v", err)
	}
	if out.Removed {
		t.Error("Removed = true for absent key")
	}
}

func TestDeleteVersionedInsertsMarker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "docs", VersioningEnabled)

	v1, err := s.Upload(ctx, "docs", "k", []byte("one"), "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	out, err := s.Delete(ctx, "docs", "k", "")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !out.DeleteMarker {
		t.Fatal("DeleteMarker = false, want marker inserted")
	}
	if out.VersionID == "" || out.VersionID == v1.VersionID {
		t.Errorf("marker version id = %q", out.VersionID)
	}

	// The key now reads as absent via the latest path.
	latest, err := s.Download(ctx, "docs", "k", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if latest == nil {
		t.Fatal("Download returned nil; the marker itself should surface")
	}
	if !latest.DeleteMarker {
		t.Error("latest version is not the delete marker")
	}

	// The old version is still there behind the marker.
	old, err := s.Download(ctx, "docs", "k", v1.VersionID)
	if err != nil {
		t.Fatalf("Download old: %v", err)
	}
	if old == nil || string(old.Data) != "one" {
		t.Errorf("old version = %v, want data one", old)
	}
}

func TestDeleteSpecificVersionPromotesLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "docs", VersioningEnabled)

	v1, err := s.Upload(ctx, "docs", "k", []byte("one"), "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	v2, err := s.Upload(ctx, "docs", "k", []byte("two"), "")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	// Removing the latest version promotes the previous one.
	out, err := s.Delete(ctx, "docs", "k", v2.VersionID)
	if err != nil {
		t.Fatalf("Delete version: %v", err)
	}
	if !out.Removed {
		t.Fatal("Removed = false")
	}

	latest, err := s.Download(ctx, "docs", "k", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if latest == nil {
		t.Fatal("no latest version after promotion")
	}
	if latest.VersionID != v1.VersionID {
		t.Errorf("latest = %q, want promoted %q", latest.VersionID, v1.VersionID)
	}
	if string(latest.Data) != "one" {
		t.Errorf("latest data = %q, want one", latest.Data)
	}

	// Removing an unknown version id is a no-op.
	out, err = s.Delete(ctx, "docs", "k", "no-such-version")
	if err != nil {
		t.Fatalf("Delete unknown version: %v", err)
	}
	if out.Removed {
		t.Error("Removed = true for unknown version id")
	}
}

func TestDeleteMarkerRemovalRestoresKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "docs", VersioningEnabled)

	if _, err := s.Upload(ctx, "docs", "k", []byte("one"), ""); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	marker, err := s.Delete(ctx, "docs", "k", "")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}

	out, err := s.Delete(ctx, "docs", "k", marker.VersionID)
	if err != nil {
		t.Fatalf("Delete marker: %v", err)
	}
	if !out.Removed || !out.DeleteMarker {
		t.Fatalf("outcome = %+v, want removed marker", out)
	}

	latest, err := s.Download(ctx, "docs", "k", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if latest == nil || latest.DeleteMarker {
		t.Fatalf("latest = %v, want restored real version", latest)
	}
	if string(latest.Data) != "one" {
		t.Errorf("restored data = %q, want one", latest.Data)
	}
}

// Concurrent uploads to the same key must serialize: exactly one version ends
// up latest and the full history is intact.
func TestConcurrentUploadsSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "docs", VersioningEnabled)

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data := []byte(fmt.Sprintf("payload-%d", i))
			if _, err := s.Upload(ctx, "docs", "contended", data, ""); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Upload: %v", err)
	}

	var versions []VersionInfo
	opts := ListVersionsOptions{MaxKeys: MaxKeysCeiling}
	for {
		page, err := s.ListVersions(ctx, "docs", opts)
		if err != nil {
			t.Fatalf("ListVersions: %v", err)
		}
		versions = append(versions, page.Versions...)
		if !page.IsTruncated {
			break
		}
		opts.KeyMarker = page.NextKeyMarker
		opts.VersionIDMarker = page.NextVersionIDMarker
	}

	if len(versions) != writers {
		t.Fatalf("stored versions = %d, want %d", len(versions), writers)
	}
	latestCount := 0
	seen := make(map[string]bool, writers)
	for _, v := range versions {
		if v.IsLatest {
			latestCount++
		}
		if seen[v.VersionID] {
			t.Errorf("duplicate version id %q", v.VersionID)
		}
		seen[v.VersionID] = true
	}
	if latestCount != 1 {
		t.Errorf("versions marked latest = %d, want exactly 1", latestCount)
	}

	// The latest pointer resolves to a real upload.
	latest, err := s.Download(ctx, "docs", "contended", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if latest == nil {
		t.Fatal("no latest version after concurrent uploads")
	}
}

func TestConcurrentUploadDistinctKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "photos", VersioningDisabled)

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k-%03d", i)
			if _, err := s.Upload(ctx, "photos", key, []byte("x"), ""); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Upload: %v", err)
	}

	_, objects, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if objects != writers {
		t.Errorf("objects = %d, want %d", objects, writers)
	}
}

func TestConcurrentLargeUploadsSameKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "docs", VersioningEnabled)

	// Large bodies keep each write transaction holding the lock long
	// enough that writers genuinely queue on busy_timeout.
	const writers = 120
	payload := bytes.Repeat([]byte("litebucket"), 20*1024)

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Upload(ctx, "docs", "big", payload, ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	failed := 0
	for err := range errs {
		failed++
		t.Errorf("concurrent Upload: %v", err)
	}
	if failed > 0 {
		t.Fatalf("%d/%d concurrent uploads failed", failed, writers)
	}

	latest, err := s.Download(ctx, "docs", "big", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if latest == nil || !bytes.Equal(latest.Data, payload) {
		t.Fatal("latest version does not match an uploaded payload")
	}
}

func TestConcurrentMixedOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBucket(t, s, "docs", VersioningEnabled)

	keys := []string{"shared/a", "shared/b", "shared/c"}
	for _, k := range keys {
		if _, err := s.Upload(ctx, "docs", k, []byte("seed"), ""); err != nil {
			t.Fatalf("seeding %q: %v", k, err)
		}
	}

	// Writers, deleters, readers, and listers hammer the same keys. No
	// operation may fail, and no read may observe a half-applied write:
	// a missing key reads as (nil, nil), never as an inconsistency error.
	const perKey = 10
	var wg sync.WaitGroup
	errs := make(chan error, len(keys)*perKey*4)
	for _, key := range keys {
		for i := 0; i < perKey; i++ {
			wg.Add(4)
			go func(key string, i int) {
				defer wg.Done()
				data := []byte(fmt.Sprintf("%s-%d", key, i))
				if _, err := s.Upload(ctx, "docs", key, data, ""); err != nil {
					errs <- fmt.Errorf("Upload %q: %w", key, err)
				}
			}(key, i)
			go func(key string) {
				defer wg.Done()
				if _, err := s.Delete(ctx, "docs", key, ""); err != nil {
					errs <- fmt.Errorf("Delete %q: %w", key, err)
				}
			}(key)
			go func(key string) {
				defer wg.Done()
				if _, err := s.Download(ctx, "docs", key, ""); err != nil {
					errs <- fmt.Errorf("Download %q: %w", key, err)
				}
			}(key)
			go func() {
				defer wg.Done()
				opts := ListOptions{Prefix: "shared/", MaxKeys: MaxKeysCeiling}
				if _, err := s.ListObjects(ctx, "docs", opts); err != nil {
					errs <- fmt.Errorf("ListObjects: %w", err)
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent operation: %v", err)
	}

	// Settled state: every key resolves cleanly, each with exactly one
	// latest row in its surviving history.
	for _, key := range keys {
		if _, err := s.Download(ctx, "docs", key, ""); err != nil {
			t.Errorf("Download %q after settling: %v", key, err)
		}
	}
	listing, err := s.ListVersions(ctx, "docs", ListVersionsOptions{Prefix: "shared/", MaxKeys: MaxKeysCeiling})
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	latest := make(map[string]int)
	for _, v := range listing.Versions {
		if v.IsLatest {
			latest[v.Key]++
		}
	}
	for _, key := range keys {
		if latest[key] != 1 {
			t.Errorf("key %q has %d latest rows, want 1", key, latest[key])
		}
	}
}
