package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/throw-if-null/snapdiff/internal/api"
	"github.com/throw-if-null/snapdiff/internal/snapshot"
)

type Store struct {
	db *sql.DB
}

var ErrNotFound = errors.New("not found")

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// v1 schema
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS snapshots (
  id TEXT NOT NULL,
  filepath TEXT NOT NULL,
  hash TEXT NOT NULL,
  PRIMARY KEY (id, filepath)
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS snapshot_index (
  id TEXT PRIMARY KEY,
  source TEXT NOT NULL,
  file_count INTEGER NOT NULL,
  created_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}

	return tx.Commit()
}

// SaveSnapshot stores entries under id, replacing any previous snapshot with
// the same id. source records where the files came from (a path or "upload").
func (s *Store) SaveSnapshot(id, source string, entries []snapshot.Entry) error {
	// Retry on SQLITE_BUSY so a concurrent capture does not fail the request.
	const maxRetries = 5
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := s.saveSnapshot(id, source, entries)
		if err == nil {
			return nil
		}
		lastErr = err
		if isSqliteBusy(err) {
			time.Sleep(time.Duration(10*(1<<i)) * time.Millisecond)
			continue
		}
		return err
	}
	return lastErr
}

func (s *Store) saveSnapshot(id, source string, entries []snapshot.Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM snapshots WHERE id = ?`, id); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO snapshots (id, filepath, hash) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.Exec(id, e.Path, e.Hash); err != nil {
			return fmt.Errorf("insert %s: %w", e.Path, err)
		}
	}

	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		`INSERT INTO snapshot_index (id, source, file_count, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET source = excluded.source, file_count = excluded.file_count, created_at = excluded.created_at`,
		id, source, len(entries), createdAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetSnapshot returns the path -> hash map of a snapshot, or ErrNotFound.
func (s *Store) GetSnapshot(id string) (map[string]string, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT 1 FROM snapshot_index WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.Query(`SELECT filepath, hash FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var p, h string
		if err := rows.Scan(&p, &h); err != nil {
			return nil, err
		}
		out[p] = h
	}
	return out, rows.Err()
}

// ListSnapshots returns snapshots ordered newest first. If limit <= 0, return all.
func (s *Store) ListSnapshots(limit int) ([]*api.SnapshotInfo, error) {
	q := `SELECT id, source, file_count, created_at FROM snapshot_index ORDER BY created_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		q = q + ` LIMIT ?`
		rows, err = s.db.Query(q, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*api.SnapshotInfo{}
	for rows.Next() {
		var info api.SnapshotInfo
		if err := rows.Scan(&info.ID, &info.Source, &info.FileCount, &info.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &info)
	}
	return out, rows.Err()
}

func isSqliteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "database is locked" || msg == "database is busy" || strings.Contains(msg, "SQLITE_BUSY")
}
