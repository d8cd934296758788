package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Upload stores data as the new current version of (bucket, key) and
// returns the committed version. The whole operation is one transaction:
// versioning state read, latest-pointer flip, and row insert commit
// together or not at all. In a Disabled bucket the prior content is
// discarded and the version id is "null"; in an Enabled or Suspended bucket
// a fresh version is appended.
func (s *Store) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (*Version, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	sum := md5.Sum(data)
	v := &Version{
		Bucket:      bucket,
		Key:         key,
		Size:        int64(len(data)),
		ETag:        fmt.Sprintf("%q", fmt.Sprintf("%x", sum)),
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
		IsLatest:    true,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		state, err := versioningTx(ctx, tx, bucket)
		if err != nil {
			return err
		}

		if state == VersioningDisabled {
			// Replace in place: old content is discarded, not retained.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM versions WHERE bucket = ? AND key = ?`, bucket, key,
			); err != nil {
				return fmt.Errorf("replacing object %q/%q: %w", bucket, key, err)
			}
			v.VersionID = NullVersionID
			v.Seq = 1
		} else {
			var maxSeq int64
			err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(seq), 0) FROM versions WHERE bucket = ? AND key = ?`,
				bucket, key,
			).Scan(&maxSeq)
			if err != nil {
				return fmt.Errorf("reading version chain %q/%q: %w", bucket, key, err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE versions SET is_latest = 0 WHERE bucket = ? AND key = ? AND is_latest = 1`,
				bucket, key,
			); err != nil {
				return fmt.Errorf("superseding latest %q/%q: %w", bucket, key, err)
			}
			v.VersionID = uuid.NewString()
			v.Seq = maxSeq + 1
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO versions
				(bucket, key, version_id, seq, data, size, etag, content_type, created_at, is_latest, delete_marker)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0)`,
			bucket, key, v.VersionID, v.Seq, data, v.Size, v.ETag, v.ContentType,
			v.CreatedAt.Format(timeFormat),
		)
		if err != nil {
			return fmt.Errorf("inserting version %q/%q: %w", bucket, key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Download retrieves a version with its content bytes. An empty versionID
// selects the current version; (nil, nil) means no such key or version. A
// returned delete marker carries DeleteMarker=true and no data; the caller
// decides how to surface it.
func (s *Store) Download(ctx context.Context, bucket, key, versionID string) (*Version, error) {
	return s.getVersion(ctx, bucket, key, versionID, true)
}

// Head is the metadata-only variant of Download: the content BLOB is never
// read from the database.
func (s *Store) Head(ctx context.Context, bucket, key, versionID string) (*Version, error) {
	return s.getVersion(ctx, bucket, key, versionID, false)
}

func (s *Store) getVersion(ctx context.Context, bucket, key, versionID string, withData bool) (*Version, error) {
	cols := `bucket, key, version_id, seq, size, etag, content_type, created_at, is_latest, delete_marker`
	if withData {
		cols += `, data`
	}

	var row *sql.Row
	if versionID == "" {
		// One statement sees one snapshot: sorting the latest row first
		// distinguishes "no versions at all" from a broken latest pointer
		// without a second query racing concurrent writers.
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM versions WHERE bucket = ? AND key = ?
			 ORDER BY is_latest DESC, seq DESC LIMIT 1`,
			bucket, key,
		)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM versions WHERE bucket = ? AND key = ? AND version_id = ?`,
			bucket, key, versionID,
		)
	}

	v, err := scanVersion(row, withData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %q/%q: %w", bucket, key, err)
	}
	if versionID == "" && !v.IsLatest {
		return nil, fmt.Errorf("object %q/%q: %w", bucket, key, ErrInconsistentLatest)
	}
	return v, nil
}

// DeleteOutcome describes the effect of a Delete call.
type DeleteOutcome struct {
	// VersionID is the removed version, or the inserted delete marker's id.
	VersionID string
	// DeleteMarker is true when a delete marker was inserted, or when an
	// explicitly targeted removal hit a marker row.
	DeleteMarker bool
	// Removed is true when at least one row was permanently removed.
	Removed bool
}

// Delete removes an object or a specific version. With an empty versionID:
// an unversioned bucket drops the object outright, a versioned bucket
// inserts a delete marker as the new latest version. With an explicit
// versionID the targeted row is permanently removed and, if it was latest,
// the highest remaining seq is promoted within the same transaction.
// Deleting something that does not exist is not an error; the outcome
// reports Removed=false.
func (s *Store) Delete(ctx context.Context, bucket, key, versionID string) (*DeleteOutcome, error) {
	out := &DeleteOutcome{}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		*out = DeleteOutcome{}

		if versionID != "" {
			return s.deleteVersionTx(ctx, tx, bucket, key, versionID, out)
		}

		state, err := versioningTx(ctx, tx, bucket)
		if err != nil {
			return err
		}

		if state == VersioningDisabled {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM versions WHERE bucket = ? AND key = ?`, bucket, key,
			)
			if err != nil {
				return fmt.Errorf("deleting object %q/%q: %w", bucket, key, err)
			}
			n, _ := res.RowsAffected()
			out.Removed = n > 0
			return nil
		}

		// Versioned bucket: a plain delete hides the key behind a marker
		// without touching version history.
		var maxSeq int64
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM versions WHERE bucket = ? AND key = ?`,
			bucket, key,
		).Scan(&maxSeq)
		if err != nil {
			return fmt.Errorf("reading version chain %q/%q: %w", bucket, key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE versions SET is_latest = 0 WHERE bucket = ? AND key = ? AND is_latest = 1`,
			bucket, key,
		); err != nil {
			return fmt.Errorf("superseding latest %q/%q: %w", bucket, key, err)
		}

		markerID := uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO versions
				(bucket, key, version_id, seq, data, size, etag, content_type, created_at, is_latest, delete_marker)
			 VALUES (?, ?, ?, ?, NULL, 0, '', 'application/octet-stream', ?, 1, 1)`,
			bucket, key, markerID, maxSeq+1, time.Now().UTC().Format(timeFormat),
		)
		if err != nil {
			return fmt.Errorf("inserting delete marker %q/%q: %w", bucket, key, err)
		}
		out.VersionID = markerID
		out.DeleteMarker = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// deleteVersionTx permanently removes one version row and repairs the
// latest pointer if the removed row held it.
func (s *Store) deleteVersionTx(ctx context.Context, tx *sql.Tx, bucket, key, versionID string, out *DeleteOutcome) error {
	var wasLatest, wasMarker int
	err := tx.QueryRowContext(ctx,
		`SELECT is_latest, delete_marker FROM versions WHERE bucket = ? AND key = ? AND version_id = ?`,
		bucket, key, versionID,
	).Scan(&wasLatest, &wasMarker)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading version %q/%q@%q: %w", bucket, key, versionID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM versions WHERE bucket = ? AND key = ? AND version_id = ?`,
		bucket, key, versionID,
	); err != nil {
		return fmt.Errorf("deleting version %q/%q@%q: %w", bucket, key, versionID, err)
	}

	if wasLatest == 1 {
		_, err := tx.ExecContext(ctx,
			`UPDATE versions SET is_latest = 1
			 WHERE bucket = ? AND key = ?
			   AND seq = (SELECT MAX(seq) FROM versions WHERE bucket = ? AND key = ?)`,
			bucket, key, bucket, key,
		)
		if err != nil {
			return fmt.Errorf("promoting latest %q/%q: %w", bucket, key, err)
		}
	}

	out.VersionID = versionID
	out.DeleteMarker = wasMarker == 1
	out.Removed = true
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for version scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner, withData bool) (*Version, error) {
	var v Version
	var createdAtStr string
	var isLatest, deleteMarker int

	dest := []any{
		&v.Bucket, &v.Key, &v.VersionID, &v.Seq, &v.Size, &v.ETag,
		&v.ContentType, &createdAtStr, &isLatest, &deleteMarker,
	}
	if withData {
		dest = append(dest, &v.Data)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	v.CreatedAt, _ = time.Parse(timeFormat, createdAtStr)
	v.IsLatest = isLatest != 0
	v.DeleteMarker = deleteMarker != 0
	return &v, nil
}
