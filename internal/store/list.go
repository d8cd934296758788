package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MaxKeysCeiling caps the page size of every listing operation.
const MaxKeysCeiling = 1000

// ObjectInfo is a single entry in an object listing.
type ObjectInfo struct {
	Key          string
	VersionID    string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ListOptions control a single page of an object listing.
type ListOptions struct {
	Prefix    string
	Delimiter string
	Marker    string
	MaxKeys   int
}

// Listing is one page of objects and collapsed common prefixes.
type Listing struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
	IsTruncated    bool
	NextMarker     string
}

// ListObjects returns one page of latest, non-deleted objects under the
// prefix, in byte-wise key order. When a delimiter is set, keys containing
// the delimiter past the prefix collapse into common prefixes, and a common
// prefix counts as one entry against MaxKeys. NextMarker is the last entry
// emitted, whether a key or a common prefix.
func (s *Store) ListObjects(ctx context.Context, bucket string, opts ListOptions) (*Listing, error) {
	limit := clampMaxKeys(opts.MaxKeys)

	query := `SELECT key, version_id, size, etag, created_at
		FROM versions
		WHERE bucket = ? AND is_latest = 1 AND delete_marker = 0`
	args := []any{bucket}
	if opts.Prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLikePattern(opts.Prefix)+"%")
	}
	if opts.Marker != "" {
		query += ` AND key > ?`
		args = append(args, opts.Marker)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
	}
	defer rows.Close()

	listing := &Listing{}
	count := 0
	lastPrefix := ""
	for rows.Next() {
		var (
			obj     ObjectInfo
			created string
		)
		if err := rows.Scan(&obj.Key, &obj.VersionID, &obj.Size, &obj.ETag, &created); err != nil {
			return nil, fmt.Errorf("scanning object row: %w", err)
		}

		if opts.Delimiter != "" {
			rest := obj.Key[len(opts.Prefix):]
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				cp := opts.Prefix + rest[:idx+len(opts.Delimiter)]
				// Keys under an already-returned common prefix sort after
				// the marker, so the group would reappear on the next page
				// without this skip.
				if opts.Marker != "" && cp <= opts.Marker {
					continue
				}
				if cp == lastPrefix {
					continue
				}
				if count >= limit {
					listing.IsTruncated = true
					break
				}
				listing.CommonPrefixes = append(listing.CommonPrefixes, cp)
				listing.NextMarker = cp
				lastPrefix = cp
				count++
				continue
			}
		}

		if count >= limit {
			listing.IsTruncated = true
			break
		}
		obj.LastModified, err = time.Parse(timeFormat, created)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp for %q: %w", obj.Key, err)
		}
		listing.Objects = append(listing.Objects, obj)
		listing.NextMarker = obj.Key
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing objects in %q: %w", bucket, err)
	}
	if !listing.IsTruncated {
		listing.NextMarker = ""
	}
	return listing, nil
}

// VersionInfo is a single entry in a version listing, covering both real
// versions and delete markers.
type VersionInfo struct {
	Key          string
	VersionID    string
	IsLatest     bool
	DeleteMarker bool
	Size         int64
	ETag         string
	LastModified time.Time
}

// ListVersionsOptions control a single page of a version listing.
type ListVersionsOptions struct {
	Prefix          string
	Delimiter       string
	KeyMarker       string
	VersionIDMarker string
	MaxKeys         int
}

// VersionListing is one page of versions, delete markers included.
type VersionListing struct {
	Versions            []VersionInfo
	CommonPrefixes      []string
	IsTruncated         bool
	NextKeyMarker       string
	NextVersionIDMarker string
}

// ListVersions returns one page of every stored version under the prefix,
// keys in byte-wise order and versions within a key from newest to oldest.
// A key marker alone resumes after the whole key; with a version-id marker
// the page resumes after that exact version.
func (s *Store) ListVersions(ctx context.Context, bucket string, opts ListVersionsOptions) (*VersionListing, error) {
	limit := clampMaxKeys(opts.MaxKeys)

	query := `SELECT key, version_id, size, etag, content_type, created_at, is_latest, delete_marker
		FROM versions
		WHERE bucket = ?`
	args := []any{bucket}
	if opts.Prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLikePattern(opts.Prefix)+"%")
	}
	if opts.KeyMarker != "" {
		if opts.VersionIDMarker != "" {
			query += ` AND key >= ?`
		} else {
			query += ` AND key > ?`
		}
		args = append(args, opts.KeyMarker)
	}
	query += ` ORDER BY key, seq DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing versions in %q: %w", bucket, err)
	}
	defer rows.Close()

	listing := &VersionListing{}
	count := 0
	lastPrefix := ""
	skipping := opts.KeyMarker != "" && opts.VersionIDMarker != ""
	for rows.Next() {
		var (
			v           VersionInfo
			contentType string
			created     string
		)
		if err := rows.Scan(&v.Key, &v.VersionID, &v.Size, &v.ETag, &contentType,
			&created, &v.IsLatest, &v.DeleteMarker); err != nil {
			return nil, fmt.Errorf("scanning version row: %w", err)
		}

		if skipping {
			if v.Key != opts.KeyMarker {
				skipping = false
			} else {
				if v.VersionID == opts.VersionIDMarker {
					skipping = false
				}
				continue
			}
		}

		if opts.Delimiter != "" {
			rest := v.Key[len(opts.Prefix):]
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				cp := opts.Prefix + rest[:idx+len(opts.Delimiter)]
				if opts.KeyMarker != "" && cp <= opts.KeyMarker {
					continue
				}
				if cp == lastPrefix {
					continue
				}
				if count >= limit {
					listing.IsTruncated = true
					break
				}
				listing.CommonPrefixes = append(listing.CommonPrefixes, cp)
				listing.NextKeyMarker = cp
				listing.NextVersionIDMarker = ""
				lastPrefix = cp
				count++
				continue
			}
		}

		if count >= limit {
			listing.IsTruncated = true
			break
		}
		v.LastModified, err = time.Parse(timeFormat, created)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp for %q: %w", v.Key, err)
		}
		listing.Versions = append(listing.Versions, v)
		listing.NextKeyMarker = v.Key
		listing.NextVersionIDMarker = v.VersionID
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing versions in %q: %w", bucket, err)
	}
	if !listing.IsTruncated {
		listing.NextKeyMarker = ""
		listing.NextVersionIDMarker = ""
	}
	return listing, nil
}

func clampMaxKeys(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxKeysCeiling {
		return MaxKeysCeiling
	}
	return n
}
