//go:build !bolt

package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS uploads (
    source_channel_id TEXT NOT NULL,
    source_ts         TEXT NOT NULL,
    dest_channel_id   TEXT NOT NULL,
    dest_ts           TEXT NOT NULL,
    run_id            TEXT NOT NULL,
    uploaded_at       TIMESTAMP NOT NULL,
    PRIMARY KEY (source_channel_id, source_ts)
);
`

type sqliteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the upload ledger at the given path.
func Open(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	// SQLite doesn't handle multiple writers well.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing ledger schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) MarkUploaded(rec UploadRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO uploads
		    (source_channel_id, source_ts, dest_channel_id, dest_ts, run_id, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SourceChannelID, rec.SourceTS, rec.DestChannelID, rec.DestTS, rec.RunID, rec.UploadedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording upload: %w", err)
	}

	return nil
}

func (s *sqliteStore) GetUpload(sourceChannelID, sourceTS string) (*UploadRecord, error) {
	row := s.db.QueryRow(`
		SELECT source_channel_id, source_ts, dest_channel_id, dest_ts, run_id, uploaded_at
		FROM uploads
		WHERE source_channel_id = ? AND source_ts = ?`,
		sourceChannelID, sourceTS)

	var rec UploadRecord

	err := row.Scan(&rec.SourceChannelID, &rec.SourceTS, &rec.DestChannelID, &rec.DestTS, &rec.RunID, &rec.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading upload record: %w", err)
	}

	return &rec, nil
}

func (s *sqliteStore) ListUploads(sourceChannelID string) ([]UploadRecord, error) {
	rows, err := s.db.Query(`
		SELECT source_channel_id, source_ts, dest_channel_id, dest_ts, run_id, uploaded_at
		FROM uploads
		WHERE source_channel_id = ?
		ORDER BY source_ts`,
		sourceChannelID)
	if err != nil {
		return nil, fmt.Errorf("listing upload records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []UploadRecord

	for rows.Next() {
		var rec UploadRecord
		if err := rows.Scan(&rec.SourceChannelID, &rec.SourceTS, &rec.DestChannelID, &rec.DestTS, &rec.RunID, &rec.UploadedAt); err != nil {
			return nil, fmt.Errorf("scanning upload record: %w", err)
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (s *sqliteStore) CountUploads(sourceChannelID string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM uploads WHERE source_channel_id = ?`, sourceChannelID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting upload records: %w", err)
	}

	return n, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
