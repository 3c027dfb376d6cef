// Package ledger records which source messages have already been posted to
// the destination workspace, so a rerun of the upload skips them instead of
// duplicating them.
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// UploadRecord ties a source message to the message it became on the
// destination side. The (SourceChannelID, SourceTS) pair is the identity.
type UploadRecord struct {
	RunID           string    `json:"run_id"`
	SourceChannelID string    `json:"source_channel_id"`
	SourceTS        string    `json:"source_ts"`
	DestChannelID   string    `json:"dest_channel_id"`
	DestTS          string    `json:"dest_ts"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

// Store is the persistence surface for upload bookkeeping.
type Store interface {
	// MarkUploaded upserts a record; a later run for the same source
	// message replaces the earlier one.
	MarkUploaded(rec UploadRecord) error

	// GetUpload returns the record for a source message, or nil when the
	// message has never been uploaded.
	GetUpload(sourceChannelID, sourceTS string) (*UploadRecord, error)

	// ListUploads returns every record for a source channel, ordered by
	// source timestamp.
	ListUploads(sourceChannelID string) ([]UploadRecord, error)

	// CountUploads returns the number of records for a source channel.
	CountUploads(sourceChannelID string) (int, error)

	Close() error
}

// NewRunID returns a fresh identifier tagged onto every record written
// during one upload invocation.
func NewRunID() string {
	return uuid.NewString()
}
