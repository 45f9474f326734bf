package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertFileRecord creates or overwrites the client's file record. A
// re-upload of the same logical file replaces the previous row and resets
// its verified flag.
func (s *Store) UpsertFileRecord(file FileRecord) error {
	if err := file.Validate(); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO files (client_id, file_name, path_name, verified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			file_name = excluded.file_name,
			path_name = excluded.path_name,
			verified  = excluded.verified`,
		file.ClientID,
		file.FileName,
		file.PathName,
		boolToInt(file.Verified),
	)
	if err != nil {
		return fmt.Errorf("upsert file record %q: %w", file.PathName, err)
	}

	return nil
}

// GetFileRecord returns the client's file record.
func (s *Store) GetFileRecord(clientID []byte) (FileRecord, error) {
	var (
		file     FileRecord
		verified int
	)
	err := s.db.QueryRow(
		"SELECT client_id, file_name, path_name, verified FROM files WHERE client_id = ?",
		clientID,
	).Scan(&file.ClientID, &file.FileName, &file.PathName, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, ErrNotFound
	}
	if err != nil {
		return FileRecord{}, fmt.Errorf("get file record: %w", err)
	}

	file.Verified = verified != 0
	return file, nil
}

// SetFileVerified updates the verified flag of the record at pathName.
func (s *Store) SetFileVerified(pathName string, verified bool) error {
	res, err := s.db.Exec(
		"UPDATE files SET verified = ? WHERE path_name = ?",
		boolToInt(verified),
		pathName,
	)
	if err != nil {
		return fmt.Errorf("set file verified %q: %w", pathName, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set file verified rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveFileRecord deletes the client's file record, if any.
func (s *Store) RemoveFileRecord(clientID []byte) error {
	if _, err := s.db.Exec("DELETE FROM files WHERE client_id = ?", clientID); err != nil {
		return fmt.Errorf("remove file record: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
