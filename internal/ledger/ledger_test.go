package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestMarkAndGetUpload(t *testing.T) {
	s := openTestStore(t)

	run := NewRunID()
	rec := UploadRecord{
		RunID:           run,
		SourceChannelID: "C100",
		SourceTS:        "1000.000100",
		DestChannelID:   "C900",
		DestTS:          "2000.000100",
		UploadedAt:      time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.MarkUploaded(rec))

	got, err := s.GetUpload("C100", "1000.000100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run, got.RunID)
	assert.Equal(t, "2000.000100", got.DestTS)
	assert.Equal(t, "C900", got.DestChannelID)
}

func TestGetUploadMissing(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetUpload("C100", "1.000001")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarkUploadedReplaces(t *testing.T) {
	s := openTestStore(t)

	rec := UploadRecord{
		RunID:           NewRunID(),
		SourceChannelID: "C100",
		SourceTS:        "1.000001",
		DestChannelID:   "C900",
		DestTS:          "9.000001",
		UploadedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.MarkUploaded(rec))

	rec.DestTS = "9.000002"
	require.NoError(t, s.MarkUploaded(rec))

	got, err := s.GetUpload("C100", "1.000001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "9.000002", got.DestTS)

	n, err := s.CountUploads("C100")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListUploadsOrderedAndScoped(t *testing.T) {
	s := openTestStore(t)

	run := NewRunID()
	for _, ts := range []string{"3.000003", "1.000001", "2.000002"} {
		require.NoError(t, s.MarkUploaded(UploadRecord{
			RunID:           run,
			SourceChannelID: "C100",
			SourceTS:        ts,
			DestChannelID:   "C900",
			DestTS:          "d" + ts,
			UploadedAt:      time.Now().UTC(),
		}))
	}

	// A different channel must not bleed into the listing.
	require.NoError(t, s.MarkUploaded(UploadRecord{
		RunID:           run,
		SourceChannelID: "C200",
		SourceTS:        "1.000001",
		DestChannelID:   "C901",
		DestTS:          "x",
		UploadedAt:      time.Now().UTC(),
	}))

	records, err := s.ListUploads("C100")
	require.NoError(t, err)
	require.Len(t, records, 3)

	for i := 1; i < len(records); i++ {
		assert.LessOrEqual(t, records[i-1].SourceTS, records[i].SourceTS)
	}
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.MarkUploaded(UploadRecord{
		RunID:           NewRunID(),
		SourceChannelID: "C100",
		SourceTS:        "1.000001",
		DestChannelID:   "C900",
		DestTS:          "9.000001",
		UploadedAt:      time.Now().UTC(),
	}))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)

	defer func() { _ = s2.Close() }()

	got, err := s2.GetUpload("C100", "1.000001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "9.000001", got.DestTS)
}

func TestNewRunIDUnique(t *testing.T) {
	assert.NotEqual(t, NewRunID(), NewRunID())
}
