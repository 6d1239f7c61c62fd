package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetImportedFileHash returns the content hash recorded for a previously imported
// file, or an empty string if the file was never imported into the organisation.
func (s *Store) GetImportedFileHash(ctx context.Context, orgID, path string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT hash FROM imported_files WHERE org_id = ? AND path = ?`, orgID, path,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash records the content hash of an imported file.
func (s *Store) SetImportedFileHash(ctx context.Context, orgID, path, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO imported_files (org_id, path, hash) VALUES (?, ?, ?)
		 ON CONFLICT(org_id, path) DO UPDATE SET hash = excluded.hash`,
		orgID, path, hash,
	)
	return err
}
