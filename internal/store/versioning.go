package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetVersioning returns the persisted versioning state for the bucket.
func (s *Store) GetVersioning(ctx context.Context, bucket string) (VersioningState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT versioning FROM buckets WHERE name = ?`, bucket,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("bucket %q has no registry row", bucket)
	}
	if err != nil {
		return "", fmt.Errorf("reading versioning for %q: %w", bucket, err)
	}
	return VersioningState(state), nil
}

// SetVersioning transitions the bucket's versioning state. Once a bucket has
// ever left Disabled it can only move between Enabled and Suspended; any
// transition back to Disabled fails with ErrInvalidTransition. Setting the
// current state again is a no-op. The read and the update share one
// transaction so concurrent transitions cannot interleave.
func (s *Store) SetVersioning(ctx context.Context, bucket string, target VersioningState) error {
	switch target {
	case VersioningDisabled, VersioningEnabled, VersioningSuspended:
	default:
		return fmt.Errorf("unknown versioning state %q: %w", target, ErrInvalidTransition)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := versioningTx(ctx, tx, bucket)
		if err != nil {
			return err
		}
		if current == target {
			return nil
		}
		if target == VersioningDisabled {
			return fmt.Errorf("bucket %q: %s -> Disabled: %w", bucket, current, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE buckets SET versioning = ? WHERE name = ?`,
			string(target), bucket,
		); err != nil {
			return fmt.Errorf("updating versioning for %q: %w", bucket, err)
		}
		return nil
	})
}

// versioningTx reads the bucket's versioning state inside a transaction so
// mutations act on the state they will commit against.
func versioningTx(ctx context.Context, tx *sql.Tx, bucket string) (VersioningState, error) {
	var state string
	err := tx.QueryRowContext(ctx,
		`SELECT versioning FROM buckets WHERE name = ?`, bucket,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("bucket %q has no registry row", bucket)
	}
	if err != nil {
		return "", fmt.Errorf("reading versioning for %q: %w", bucket, err)
	}
	return VersioningState(state), nil
}
