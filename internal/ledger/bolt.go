//go:build bolt

package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// Records are keyed "<source_channel_id>:<source_ts>" so a channel's records
// share a prefix and timestamps within it sort lexically.
const bucketUploads = "uploads"

type boltStore struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the upload ledger at the given path.
func Open(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketUploads))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing ledger bucket: %w", err)
	}

	return &boltStore{db: db}, nil
}

func uploadKey(sourceChannelID, sourceTS string) []byte {
	return []byte(sourceChannelID + ":" + sourceTS)
}

func (s *boltStore) MarkUploaded(rec UploadRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding upload record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketUploads)).Put(uploadKey(rec.SourceChannelID, rec.SourceTS), data)
	})
}

func (s *boltStore) GetUpload(sourceChannelID, sourceTS string) (*UploadRecord, error) {
	var rec *UploadRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucketUploads)).Get(uploadKey(sourceChannelID, sourceTS))
		if data == nil {
			return nil
		}

		rec = &UploadRecord{}

		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("reading upload record: %w", err)
	}

	return rec, nil
}

func (s *boltStore) ListUploads(sourceChannelID string) ([]UploadRecord, error) {
	var records []UploadRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketUploads)).Cursor()
		prefix := []byte(sourceChannelID + ":")

		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			var rec UploadRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			records = append(records, rec)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing upload records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].SourceTS < records[j].SourceTS })

	return records, nil
}

func (s *boltStore) CountUploads(sourceChannelID string) (int, error) {
	records, err := s.ListUploads(sourceChannelID)
	if err != nil {
		return 0, err
	}

	return len(records), nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
