// Package download drives the per-channel download state machine. Every
// fetched page is merged into the on-disk log and persisted before the next
// page is requested, so an interruption loses at most one in-flight batch.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arefed/slackmigrate/internal/archive"
	"github.com/arefed/slackmigrate/internal/files"
	"github.com/arefed/slackmigrate/internal/slack"
)

// State describes where a channel sits in the download lifecycle. Failure is
// a property of a run, not of the data: a Failed channel still holds
// everything captured before the failure.
type State int

const (
	StateNotStarted State = iota
	StateInProgress
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInProgress:
		return "in progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "not started"
	}
}

// StateOf derives the lifecycle state from a persisted channel record.
func StateOf(data *archive.ChannelData) State {
	switch {
	case data.DownloadCompleted:
		return StateCompleted
	case data.Error != "":
		return StateFailed
	case len(data.Messages) > 0:
		return StateInProgress
	default:
		return StateNotStarted
	}
}

// SourceClient is the read surface the downloader needs from the API client.
type SourceClient interface {
	ChannelHistory(ctx context.Context, opts slack.HistoryOptions, onBatch slack.BatchFunc) ([]slack.Message, error)
	ThreadReplies(ctx context.Context, channelID, threadTS string, onBatch slack.BatchFunc) ([]slack.Message, error)
}

// FileFetcher is the attachment surface; *files.Transfer satisfies it.
type FileFetcher interface {
	DownloadMessageFiles(ctx context.Context, messages []slack.Message, destDir string) ([]slack.Message, files.DownloadResult, error)
}

// Downloader downloads channels into an archive.
type Downloader struct {
	client   SourceClient
	archive  *archive.Archive
	transfer FileFetcher
	logger   *slog.Logger
}

// Options configures a Downloader.
type Options struct {
	Logger *slog.Logger
}

// New creates a Downloader.
func New(client SourceClient, arch *archive.Archive, transfer FileFetcher, opts Options) *Downloader {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Downloader{
		client:   client,
		archive:  arch,
		transfer: transfer,
		logger:   logger,
	}
}

// DownloadChannel runs the full download state machine for one channel:
// top-level history (resumed past the newest stored timestamp), thread
// replies, then attachments. Already-completed channels are skipped unless
// force is set.
func (d *Downloader) DownloadChannel(ctx context.Context, ch slack.Channel, force bool) (*archive.ChannelData, error) {
	data := d.archive.LoadChannelData(ch)

	if data.DownloadCompleted && !force {
		d.logger.Info("channel already completed, skipping", "channel", ch.Name)
		return data, nil
	}

	// Refresh the metadata snapshot; the log itself is preserved.
	data.ChannelInfo = ch

	oldest := ""
	if !force {
		if oldest = data.LastTimestamp(); oldest != "" {
			d.logger.Info("resuming channel download", "channel", ch.Name, "oldest", oldest)
		}
	}

	// Merge-and-persist runs synchronously after every fetched page. The
	// completion flag stays false until both passes and the file pass are
	// done.
	persist := func(batch []slack.Message) error {
		added := data.MergeMessages(batch)
		data.DownloadCompleted = false

		if err := d.archive.SaveChannelData(data); err != nil {
			return err
		}

		d.logger.Debug("persisted batch", "channel", ch.Name, "new", added, "total", len(data.Messages))

		return nil
	}

	if _, err := d.client.ChannelHistory(ctx, slack.HistoryOptions{
		Channel: ch.ID,
		Oldest:  oldest,
	}, persist); err != nil {
		return data, d.abort(ctx, data, err)
	}

	if err := d.fetchThreads(ctx, data, persist); err != nil {
		return data, d.abort(ctx, data, err)
	}

	if err := d.fetchFiles(ctx, data); err != nil {
		return data, d.abort(ctx, data, err)
	}

	data.DownloadCompleted = true
	data.Error = ""

	if err := d.archive.SaveChannelData(data); err != nil {
		return data, err
	}

	d.logger.Info("channel download completed",
		"channel", ch.Name, "messages", len(data.Messages), "files", data.FileCount())

	return data, nil
}

// fetchThreads runs the secondary pass: every stored message with replies
// gets its thread paginated and merged through the same persistence callback.
// Replies land in their timestamp-sorted position, not insertion order.
func (d *Downloader) fetchThreads(ctx context.Context, data *archive.ChannelData, persist slack.BatchFunc) error {
	// Snapshot the parents first; merging mutates the log.
	var parents []slack.Message

	for _, msg := range data.Messages {
		if msg.ReplyCount > 0 {
			parents = append(parents, msg)
		}
	}

	for _, parent := range parents {
		d.logger.Debug("fetching thread replies",
			"channel", data.ChannelInfo.Name, "thread", parent.TS, "replies", parent.ReplyCount)

		if _, err := d.client.ThreadReplies(ctx, data.ChannelInfo.ID, parent.TS, persist); err != nil {
			return err
		}
	}

	return nil
}

func (d *Downloader) fetchFiles(ctx context.Context, data *archive.ChannelData) error {
	if data.FileCount() == 0 {
		data.FilesDownloaded = true
		return nil
	}

	dir, err := d.archive.FilesDir(data.ChannelInfo.Name)
	if err != nil {
		return err
	}

	updated, res, err := d.transfer.DownloadMessageFiles(ctx, data.Messages, dir)

	data.Messages = updated

	if err != nil {
		return err
	}

	data.FilesDownloaded = true

	d.logger.Info("attachment pass finished",
		"channel", data.ChannelInfo.Name, "downloaded", res.Downloaded, "failed", res.Failed)

	return nil
}

// abort persists whatever partial log exists before surfacing the failure.
// Cancellation is propagated as-is (a later run resumes automatically);
// anything else is additionally recorded in the channel's error field.
func (d *Downloader) abort(ctx context.Context, data *archive.ChannelData, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) || ctx.Err() != nil {
		d.logger.Warn("download interrupted, progress preserved",
			"channel", data.ChannelInfo.Name, "messages", len(data.Messages))

		if err := d.archive.SaveChannelData(data); err != nil {
			d.logger.Error("failed to persist partial log", "error", err)
		}

		return cause
	}

	data.Error = cause.Error()
	data.DownloadCompleted = false

	if err := d.archive.SaveChannelData(data); err != nil {
		d.logger.Error("failed to persist partial log", "error", err)
	}

	return fmt.Errorf("channel %s download failed: %w", data.ChannelInfo.Name, cause)
}
