// Package migrate drives a workspace migration end to end: workspace
// metadata and channel downloads on the source side, identity mapping, and
// sequential message posting on the destination side.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arefed/slackmigrate/internal/archive"
	"github.com/arefed/slackmigrate/internal/files"
	"github.com/arefed/slackmigrate/internal/ledger"
	"github.com/arefed/slackmigrate/internal/slack"
)

// SourceAPI is the read surface used against the source workspace.
type SourceAPI interface {
	AuthTest(ctx context.Context) (*slack.AuthTestResult, error)
	WorkspaceInfo(ctx context.Context) (*slack.Workspace, error)
	ListUsers(ctx context.Context) ([]slack.User, error)
	ListChannels(ctx context.Context, opts slack.ListChannelsOptions) ([]slack.Channel, error)
	ChannelInfo(ctx context.Context, channelID string) (*slack.Channel, error)
	ChannelHistory(ctx context.Context, opts slack.HistoryOptions, onBatch slack.BatchFunc) ([]slack.Message, error)
	JoinChannel(ctx context.Context, channelID string) error
}

// DestAPI is the write surface used against the destination workspace.
type DestAPI interface {
	ListUsers(ctx context.Context) ([]slack.User, error)
	ListChannels(ctx context.Context, opts slack.ListChannelsOptions) ([]slack.Channel, error)
	JoinChannel(ctx context.Context, channelID string) error
	CreateChannel(ctx context.Context, name string, private bool) (*slack.Channel, error)
	InviteUsers(ctx context.Context, channelID string, userIDs []string) error
	SetTopic(ctx context.Context, channelID, topic string) error
	SetPurpose(ctx context.Context, channelID, purpose string) error
	PostMessage(ctx context.Context, opts slack.PostMessageOptions) (string, error)
	AddReaction(ctx context.Context, channelID, messageTS, name string) error
	UploadForPermalink(ctx context.Context, opts slack.UploadOptions) (string, error)
}

// ChannelDownloader runs the per-channel download state machine.
type ChannelDownloader interface {
	DownloadChannel(ctx context.Context, ch slack.Channel, force bool) (*archive.ChannelData, error)
}

// PermalinkRenderer re-uploads a message's downloaded attachments and
// returns the reference lines to embed. *files.Transfer satisfies it.
type PermalinkRenderer interface {
	UploadPermalinks(ctx context.Context, uploader files.PermalinkUploader, msg slack.Message) []string
}

// Migrator sequences the whole pipeline. It runs on a single logical thread
// of control: one channel completes before the next begins.
type Migrator struct {
	source     SourceAPI
	dest       DestAPI
	archive    *archive.Archive
	downloader ChannelDownloader
	transfer   PermalinkRenderer
	ledger     ledger.Store
	loc        *time.Location
	logger     *slog.Logger
}

// Options configures a Migrator.
type Options struct {
	// Location is the timezone stamped into rendered usernames.
	Location *time.Location
	Logger   *slog.Logger
}

// New creates a Migrator. The destination client and ledger may be nil when
// only download-side operations will be invoked.
func New(source SourceAPI, dest DestAPI, arch *archive.Archive, dl ChannelDownloader, transfer PermalinkRenderer, lg ledger.Store, opts Options) *Migrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	return &Migrator{
		source:     source,
		dest:       dest,
		archive:    arch,
		downloader: dl,
		transfer:   transfer,
		ledger:     lg,
		loc:        loc,
		logger:     logger,
	}
}

// DownloadOptions scopes a download run.
type DownloadOptions struct {
	// Channels restricts the run to these channel names. Empty means all.
	Channels []string

	// Force re-downloads channels already marked completed.
	Force bool
}

// DownloadSummary reports the outcome of a download run.
type DownloadSummary struct {
	Completed int
	Skipped   int
	Failed    int
}

// DownloadWorkspace captures workspace metadata, then downloads every
// selected channel. A failing channel is recorded and the run moves on;
// cancellation stops the run.
func (m *Migrator) DownloadWorkspace(ctx context.Context, opts DownloadOptions) (*DownloadSummary, error) {
	channels, err := m.downloadMetadata(ctx, opts.Force)
	if err != nil {
		return nil, err
	}

	selected, err := selectChannels(channels, opts.Channels)
	if err != nil {
		return nil, err
	}

	summary := &DownloadSummary{}

	for _, ch := range selected {
		if ch.IsArchived {
			m.logger.Info("skipping archived channel", "channel", ch.Name)
			summary.Skipped++

			continue
		}

		if err := m.ensureSourceMembership(ctx, ch); err != nil {
			m.logger.Warn("channel not accessible, skipping", "channel", ch.Name, "error", err)
			summary.Skipped++

			continue
		}

		if _, err := m.downloader.DownloadChannel(ctx, ch, opts.Force); err != nil {
			if ctx.Err() != nil {
				return summary, err
			}

			m.logger.Error("channel download failed", "channel", ch.Name, "error", err)
			summary.Failed++

			continue
		}

		summary.Completed++
	}

	m.logger.Info("download run finished",
		"completed", summary.Completed, "skipped", summary.Skipped, "failed", summary.Failed)

	return summary, nil
}

// downloadMetadata persists the workspace, user, and channel records, then
// returns the channel list. Existing records are reused unless force is set.
func (m *Migrator) downloadMetadata(ctx context.Context, force bool) ([]slack.Channel, error) {
	if force || !m.archive.HasWorkspace() {
		ws, err := m.source.WorkspaceInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching workspace info: %w", err)
		}

		if err := m.archive.SaveWorkspace(ws); err != nil {
			return nil, err
		}

		m.logger.Info("captured workspace metadata", "workspace", ws.Name)
	}

	if force || !m.archive.HasUsers() {
		users, err := m.source.ListUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching users: %w", err)
		}

		if err := m.archive.SaveUsers(users); err != nil {
			return nil, err
		}

		m.logger.Info("captured user list", "users", len(users))
	}

	if force || !m.archive.HasChannels() {
		channels, err := m.source.ListChannels(ctx, slack.ListChannelsOptions{})
		if err != nil {
			return nil, fmt.Errorf("fetching channels: %w", err)
		}

		if err := m.archive.SaveChannels(channels); err != nil {
			return nil, err
		}

		m.logger.Info("captured channel list", "channels", len(channels))
	}

	return m.archive.LoadChannels()
}

// ensureSourceMembership joins a public channel the source credential is not
// yet a member of. Private channels need a manual invitation.
func (m *Migrator) ensureSourceMembership(ctx context.Context, ch slack.Channel) error {
	if ch.IsMember {
		return nil
	}

	if ch.IsPrivate {
		return fmt.Errorf("private channel %s requires an invitation for the source credential", ch.Name)
	}

	m.logger.Info("joining source channel", "channel", ch.Name)

	if err := m.source.JoinChannel(ctx, ch.ID); err != nil {
		return fmt.Errorf("joining channel %s: %w", ch.Name, err)
	}

	return nil
}

// MigrateOptions scopes a combined download-then-upload run.
type MigrateOptions struct {
	Channels []string
	Force    bool
	DryRun   bool
	Limit    int
}

// Migrate downloads the selected channels and then uploads them.
func (m *Migrator) Migrate(ctx context.Context, opts MigrateOptions) (*UploadStats, error) {
	if _, err := m.DownloadWorkspace(ctx, DownloadOptions{Channels: opts.Channels, Force: opts.Force}); err != nil {
		return nil, err
	}

	return m.UploadWorkspace(ctx, UploadOptions{
		Channels: opts.Channels,
		Force:    opts.Force,
		DryRun:   opts.DryRun,
		Limit:    opts.Limit,
	})
}

// selectChannels filters the channel list by name. Names that match nothing
// are an error: a typo should not silently migrate nothing.
func selectChannels(channels []slack.Channel, names []string) ([]slack.Channel, error) {
	if len(names) == 0 {
		return channels, nil
	}

	byName := make(map[string]slack.Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name] = ch
	}

	selected := make([]slack.Channel, 0, len(names))

	for _, name := range names {
		ch, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("channel %q not found in workspace", name)
		}

		selected = append(selected, ch)
	}

	return selected, nil
}
