// Package archive owns the on-disk layout of downloaded workspace data.
// The files it writes are the sole source of truth for resumption: there is
// no separate cursor store, and the resume point of a channel is derived
// from the newest timestamp already present in its log.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/arefed/slackmigrate/internal/slack"
)

const (
	workspaceFile = "workspace_info.json"
	usersFile     = "users.json"
	channelsFile  = "channels.json"
	messagesDir   = "messages"
	filesDir      = "files"
)

// ChannelData is the persisted migration state of one channel.
type ChannelData struct {
	ChannelInfo slack.Channel   `json:"channel_info"`
	Messages    []slack.Message `json:"messages"`

	DownloadCompleted bool      `json:"download_completed"`
	FilesDownloaded   bool      `json:"files_downloaded"`
	LastUpdate        time.Time `json:"last_update,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// MergeMessages unions a batch into the log by timestamp, drops duplicates,
// and keeps the log sorted ascending. Returns the number of new messages.
func (d *ChannelData) MergeMessages(batch []slack.Message) int {
	seen := make(map[string]bool, len(d.Messages))
	for _, m := range d.Messages {
		seen[m.TS] = true
	}

	added := 0

	for _, m := range batch {
		if m.TS == "" || seen[m.TS] {
			continue
		}

		d.Messages = append(d.Messages, m)
		seen[m.TS] = true
		added++
	}

	sort.SliceStable(d.Messages, func(i, j int) bool {
		return slack.TSFloat(d.Messages[i].TS) < slack.TSFloat(d.Messages[j].TS)
	})

	return added
}

// LastTimestamp returns the newest timestamp in the log, or "" when empty.
// This is the resume point for an interrupted download.
func (d *ChannelData) LastTimestamp() string {
	if len(d.Messages) == 0 {
		return ""
	}

	// Messages are kept sorted ascending.
	return d.Messages[len(d.Messages)-1].TS
}

// FileCount counts attachment references across the log.
func (d *ChannelData) FileCount() int {
	n := 0
	for _, m := range d.Messages {
		n += len(m.Files)
	}

	return n
}

// Archive is a workspace archive rooted at one output directory.
type Archive struct {
	root string
}

// Open creates (if needed) and returns the archive at root.
func Open(root string) (*Archive, error) {
	for _, dir := range []string{root, filepath.Join(root, messagesDir), filepath.Join(root, filesDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
	}

	return &Archive{root: root}, nil
}

// Root returns the archive root directory.
func (a *Archive) Root() string {
	return a.root
}

// FilesDir returns (and creates) the attachment directory for a channel.
func (a *Archive) FilesDir(channelName string) (string, error) {
	dir := filepath.Join(a.root, filesDir, safeName(channelName))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create files directory: %w", err)
	}

	return dir, nil
}

// HasWorkspace reports whether workspace metadata was already captured.
func (a *Archive) HasWorkspace() bool {
	return a.exists(workspaceFile)
}

// SaveWorkspace persists workspace metadata.
func (a *Archive) SaveWorkspace(ws *slack.Workspace) error {
	return a.writeJSON(workspaceFile, ws)
}

// LoadWorkspace reads workspace metadata.
func (a *Archive) LoadWorkspace() (*slack.Workspace, error) {
	var ws slack.Workspace
	if err := a.readJSON(workspaceFile, &ws); err != nil {
		return nil, err
	}

	return &ws, nil
}

// HasUsers reports whether the user list was already captured.
func (a *Archive) HasUsers() bool {
	return a.exists(usersFile)
}

// SaveUsers persists the user list.
func (a *Archive) SaveUsers(users []slack.User) error {
	return a.writeJSON(usersFile, users)
}

// LoadUsers reads the user list.
func (a *Archive) LoadUsers() ([]slack.User, error) {
	var users []slack.User
	if err := a.readJSON(usersFile, &users); err != nil {
		return nil, err
	}

	return users, nil
}

// HasChannels reports whether the channel list was already captured.
func (a *Archive) HasChannels() bool {
	return a.exists(channelsFile)
}

// SaveChannels persists the channel list.
func (a *Archive) SaveChannels(channels []slack.Channel) error {
	return a.writeJSON(channelsFile, channels)
}

// LoadChannels reads the channel list.
func (a *Archive) LoadChannels() ([]slack.Channel, error) {
	var channels []slack.Channel
	if err := a.readJSON(channelsFile, &channels); err != nil {
		return nil, err
	}

	return channels, nil
}

// LoadChannelData reads a channel's persisted state. A missing or unreadable
// record yields an empty state carrying the given channel metadata, so a
// fresh download starts cleanly.
func (a *Archive) LoadChannelData(ch slack.Channel) *ChannelData {
	var data ChannelData
	if err := a.readJSON(a.channelFile(ch.Name, ch.ID), &data); err != nil {
		return &ChannelData{ChannelInfo: ch}
	}

	return &data
}

// SaveChannelData writes a channel's state. The write is atomic (temp file +
// rename) so an interruption never leaves a torn record behind.
func (a *Archive) SaveChannelData(data *ChannelData) error {
	data.LastUpdate = time.Now().UTC()

	return a.writeJSON(a.channelFile(data.ChannelInfo.Name, data.ChannelInfo.ID), data)
}

// ListChannelData loads every persisted channel record. Lookups key on the
// channel id embedded in the document, never on the filename, so channel
// names containing underscores stay unambiguous.
func (a *Archive) ListChannelData() ([]*ChannelData, error) {
	dir := filepath.Join(a.root, messagesDir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages directory: %w", err)
	}

	var out []*ChannelData

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		var data ChannelData
		if err := a.readJSON(filepath.Join(messagesDir, entry.Name()), &data); err != nil {
			return nil, fmt.Errorf("failed to read channel record %s: %w", entry.Name(), err)
		}

		if data.ChannelInfo.ID == "" {
			continue
		}

		out = append(out, &data)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ChannelInfo.Name < out[j].ChannelInfo.Name
	})

	return out, nil
}

// FindChannelData loads the record whose embedded channel id matches.
func (a *Archive) FindChannelData(channelID string) (*ChannelData, error) {
	all, err := a.ListChannelData()
	if err != nil {
		return nil, err
	}

	for _, data := range all {
		if data.ChannelInfo.ID == channelID {
			return data, nil
		}
	}

	return nil, fmt.Errorf("no archived data for channel %s", channelID)
}

func (a *Archive) channelFile(name, id string) string {
	return filepath.Join(messagesDir, fmt.Sprintf("%s_%s.json", safeName(name), id))
}

func (a *Archive) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(a.root, rel))
	return err == nil
}

func (a *Archive) writeJSON(rel string, v any) error {
	path := filepath.Join(a.root, rel)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", rel, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", rel, err)
	}

	return nil
}

func (a *Archive) readJSON(rel string, v any) error {
	data, err := os.ReadFile(filepath.Join(a.root, rel))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", rel, err)
	}

	return nil
}

// safeName strips characters that are unsafe in filenames.
func safeName(name string) string {
	if name == "" {
		return "unnamed"
	}

	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}

		return r
	}, name)
}
