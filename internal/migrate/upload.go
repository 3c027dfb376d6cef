package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arefed/slackmigrate/internal/archive"
	"github.com/arefed/slackmigrate/internal/ledger"
	"github.com/arefed/slackmigrate/internal/slack"
	"github.com/arefed/slackmigrate/internal/thread"
)

// UploadOptions scopes an upload run.
type UploadOptions struct {
	// Channels restricts the run to these channel names. Empty means all
	// downloaded channels.
	Channels []string

	// DryRun renders every message without posting anything.
	DryRun bool

	// Limit caps the number of source messages taken per channel. Thread
	// parents of selected replies are still pulled in beyond the cap.
	Limit int

	// Force re-posts messages the ledger already records. This duplicates
	// them on the destination side.
	Force bool
}

// UploadStats aggregates the outcome of an upload run.
type UploadStats struct {
	ChannelsDone    int
	ChannelsSkipped int
	ChannelsFailed  int

	Posted           int
	AlreadyUploaded  int
	SkippedMessages  int
	DroppedOrphans   int
	ReactionFailures int
}

// UploadWorkspace posts every downloaded channel to the destination.
// Posting is strictly sequential: ordering and thread-parent availability
// depend on it.
func (m *Migrator) UploadWorkspace(ctx context.Context, opts UploadOptions) (*UploadStats, error) {
	sourceUsers, err := m.archive.LoadUsers()
	if err != nil {
		return nil, fmt.Errorf("loading source users (run download first): %w", err)
	}

	destUsers, err := m.dest.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching destination users: %w", err)
	}

	users := BuildUserIndex(sourceUsers, destUsers, m.logger)

	destChannels, err := m.dest.ListChannels(ctx, slack.ListChannelsOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetching destination channels: %w", err)
	}

	byName := make(map[string]slack.Channel, len(destChannels))
	for _, ch := range destChannels {
		byName[ch.Name] = ch
	}

	records, err := m.selectChannelData(opts.Channels)
	if err != nil {
		return nil, err
	}

	runID := ledger.NewRunID()
	stats := &UploadStats{}

	for _, data := range records {
		if !data.DownloadCompleted {
			m.logger.Warn("channel download incomplete, skipping upload", "channel", data.ChannelInfo.Name)
			stats.ChannelsSkipped++

			continue
		}

		// Earlier runs' records gate per-message re-posting: a channel that
		// failed midway resumes past what is already on the destination.
		uploaded := thread.Mapping{}

		if !opts.Force {
			prior, err := m.ledger.ListUploads(data.ChannelInfo.ID)
			if err != nil {
				return stats, err
			}

			for _, rec := range prior {
				uploaded.Record(rec.SourceTS, rec.DestTS)
			}
		}

		destID, err := m.ensureDestChannel(ctx, byName, users, data.ChannelInfo, opts.DryRun)
		if err != nil {
			m.logger.Error("cannot resolve destination channel", "channel", data.ChannelInfo.Name, "error", err)
			stats.ChannelsFailed++

			continue
		}

		posted, err := m.uploadChannel(ctx, users, data, destID, runID, uploaded, opts, stats)
		if err != nil {
			if ctx.Err() != nil {
				return stats, err
			}

			m.recordUploadError(data, err)
			stats.ChannelsFailed++

			continue
		}

		if posted == 0 && len(uploaded) > 0 {
			m.logger.Info("channel already uploaded, skipping", "channel", data.ChannelInfo.Name, "posted", len(uploaded))
			stats.ChannelsSkipped++

			continue
		}

		stats.ChannelsDone++

		// A stale failure annotation from an earlier run is cleared once the
		// channel goes through cleanly.
		if data.Error != "" && !opts.DryRun {
			data.Error = ""

			if err := m.archive.SaveChannelData(data); err != nil {
				m.logger.Error("failed to clear upload error", "channel", data.ChannelInfo.Name, "error", err)
			}
		}
	}

	m.logger.Info("upload run finished",
		"channels", stats.ChannelsDone,
		"posted", stats.Posted,
		"orphans", stats.DroppedOrphans,
		"reactionFailures", stats.ReactionFailures)

	return stats, nil
}

// uploadChannel reconstructs threads and posts one channel's messages in
// ascending timestamp order. Messages already present in uploaded are
// skipped, with their recorded destination timestamps seeding the thread
// mapping so late replies still attach. Returns the number of messages
// newly posted.
func (m *Migrator) uploadChannel(ctx context.Context, users *UserIndex, data *archive.ChannelData, destID, runID string, uploaded thread.Mapping, opts UploadOptions, stats *UploadStats) (int, error) {
	selected := data.Messages
	if opts.Limit > 0 && len(selected) > opts.Limit {
		selected = selected[:opts.Limit]
	}

	outgoing := thread.Reconstruct(selected, data.Messages)
	mapping := thread.Mapping{}

	for ts, destTS := range uploaded {
		mapping.Record(ts, destTS)
	}

	if len(uploaded) > 0 {
		m.logger.Info("resuming channel upload",
			"channel", data.ChannelInfo.Name, "alreadyPosted", len(uploaded))
	}

	m.logger.Info("uploading channel",
		"channel", data.ChannelInfo.Name, "messages", len(outgoing), "dryRun", opts.DryRun)

	posted := 0

	for _, msg := range outgoing {
		if _, ok := uploaded.Resolve(msg.TS); ok {
			stats.AlreadyUploaded++
			continue
		}

		if msg.Subtype == slack.SubtypeChannelJoin || msg.Subtype == slack.SubtypeChannelLeave {
			stats.SkippedMessages++
			continue
		}

		text := msg.Text

		if len(msg.Files) > 0 {
			if refs := m.fileRefs(ctx, msg, opts.DryRun); len(refs) > 0 {
				text = strings.TrimRight(text+"\n"+strings.Join(refs, "\n"), "\n")
			}
		}

		if strings.TrimSpace(text) == "" {
			stats.SkippedMessages++
			continue
		}

		// A reply whose parent was never posted is dropped, not deferred.
		destThreadTS := ""

		if msg.IsThreadReply() {
			parent, ok := mapping.Resolve(msg.ThreadTS)
			if !ok {
				m.logger.Warn("dropping reply with unposted parent",
					"channel", data.ChannelInfo.Name, "ts", msg.TS, "parent", msg.ThreadTS)
				stats.DroppedOrphans++

				continue
			}

			destThreadTS = parent
		}

		username := m.renderUsername(users, msg)

		if opts.DryRun {
			m.logger.Info("would post message",
				"channel", data.ChannelInfo.Name, "ts", msg.TS, "username", username,
				"thread", destThreadTS, "broadcast", msg.Broadcast)
			// Record the source timestamp so replies still resolve.
			mapping.Record(msg.TS, msg.TS)
			stats.Posted++
			posted++

			continue
		}

		destTS, err := m.dest.PostMessage(ctx, slack.PostMessageOptions{
			Channel:        destID,
			Text:           text,
			Username:       username,
			IconURL:        users.IconURL(msg.User),
			ThreadTS:       destThreadTS,
			ReplyBroadcast: msg.Broadcast,
		})
		if err != nil {
			var apiErr *slack.APIError
			if errors.As(err, &apiErr) && apiErr.Kind == slack.KindValidation {
				m.logger.Warn("message rejected, skipping",
					"channel", data.ChannelInfo.Name, "ts", msg.TS, "error", err)
				stats.SkippedMessages++

				continue
			}

			return posted, fmt.Errorf("posting message %s: %w", msg.TS, err)
		}

		mapping.Record(msg.TS, destTS)
		stats.Posted++
		posted++

		if err := m.ledger.MarkUploaded(ledger.UploadRecord{
			RunID:           runID,
			SourceChannelID: data.ChannelInfo.ID,
			SourceTS:        msg.TS,
			DestChannelID:   destID,
			DestTS:          destTS,
			UploadedAt:      time.Now().UTC(),
		}); err != nil {
			return posted, fmt.Errorf("recording upload of %s: %w", msg.TS, err)
		}

		m.applyReactions(ctx, data.ChannelInfo.Name, destID, destTS, msg.Reactions, stats)
	}

	return posted, nil
}

// fileRefs returns the attachment reference lines to embed in a message. A
// dry run uploads nothing; downloaded files are rendered as placeholders so
// the preview counts the same messages a real run would post.
func (m *Migrator) fileRefs(ctx context.Context, msg slack.Message, dryRun bool) []string {
	if !dryRun {
		return m.transfer.UploadPermalinks(ctx, m.dest, msg)
	}

	var refs []string

	for _, file := range msg.Files {
		if file.DownloadStatus != slack.DownloadStatusSuccess || file.LocalPath == "" {
			continue
		}

		name := file.Name
		if name == "" {
			name = "file_" + file.ID
		}

		refs = append(refs, "<not-uploaded|"+name+">")
	}

	return refs
}

// renderUsername combines the original author and the original post time so
// both survive the platform attributing the post to the migration
// credential.
func (m *Migrator) renderUsername(users *UserIndex, msg slack.Message) string {
	name := users.DisplayName(msg.User)

	t, err := slack.ParseTimestamp(msg.TS)
	if err != nil {
		return name
	}

	return fmt.Sprintf("%s [%s]", name, t.In(m.loc).Format("2006/01/02 15:04:05 MST"))
}

// applyReactions re-adds reactions to a posted message, one call per
// distinct name. Failures are categorized and never fatal to the message.
func (m *Migrator) applyReactions(ctx context.Context, channelName, destID, destTS string, reactions []slack.Reaction, stats *UploadStats) {
	for _, r := range reactions {
		if err := m.dest.AddReaction(ctx, destID, destTS, r.Name); err != nil {
			stats.ReactionFailures++
			m.logger.Warn("reaction not applied",
				"channel", channelName, "ts", destTS, "reaction", r.Name,
				"reason", reactionFailureReason(err), "error", err)
		}
	}
}

func reactionFailureReason(err error) string {
	var apiErr *slack.APIError
	if !errors.As(err, &apiErr) {
		return "transport"
	}

	switch apiErr.Code {
	case "invalid_name", "no_emoji":
		return "unknown emoji"
	case "already_reacted":
		return "duplicate"
	case "channel_not_found", "not_in_channel":
		return "channel access"
	case "missing_scope", "restricted_action":
		return "permission"
	default:
		if apiErr.Kind == slack.KindAuth {
			return "permission"
		}

		return apiErr.Code
	}
}

// recordUploadError annotates the channel record with the upload failure.
// The download flags are left untouched: the captured data is still valid.
func (m *Migrator) recordUploadError(data *archive.ChannelData, cause error) {
	m.logger.Error("channel upload failed", "channel", data.ChannelInfo.Name, "error", cause)

	data.Error = cause.Error()

	if err := m.archive.SaveChannelData(data); err != nil {
		m.logger.Error("failed to persist upload error", "channel", data.ChannelInfo.Name, "error", err)
	}
}

// selectChannelData loads the downloaded channel records scoped to the
// given names.
func (m *Migrator) selectChannelData(names []string) ([]*archive.ChannelData, error) {
	all, err := m.archive.ListChannelData()
	if err != nil {
		return nil, err
	}

	if len(names) == 0 {
		return all, nil
	}

	byName := make(map[string]*archive.ChannelData, len(all))
	for _, data := range all {
		byName[data.ChannelInfo.Name] = data
	}

	selected := make([]*archive.ChannelData, 0, len(names))

	for _, name := range names {
		data, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("channel %q has not been downloaded", name)
		}

		selected = append(selected, data)
	}

	return selected, nil
}
