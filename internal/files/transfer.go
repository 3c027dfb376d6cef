// Package files moves message attachments: downloads them into the archive's
// content tree, and on the write side obtains unpublished permalinks so a
// file reference can ride inside its message text.
package files

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arefed/slackmigrate/internal/slack"
)

// maxFilenameLen caps sanitized filenames to stay clear of filesystem limits.
const maxFilenameLen = 200

// downloadTimeout bounds a single attachment request. This is the only
// timeout in the whole pipeline; the migration itself has none.
const downloadTimeout = 30 * time.Second

// PermalinkUploader uploads a local file without publishing it and returns a
// durable reference URL. *slack.Client satisfies this.
type PermalinkUploader interface {
	UploadForPermalink(ctx context.Context, opts slack.UploadOptions) (string, error)
}

// Transfer downloads and re-uploads message attachments.
type Transfer struct {
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	// downloaded caches remote file id -> local path so a file referenced by
	// several messages is fetched at most once per run.
	downloaded map[string]string
}

// TransferOptions configures a Transfer.
type TransferOptions struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// NewTransfer creates a Transfer using the given source-workspace token for
// authenticated downloads.
func NewTransfer(token string, opts TransferOptions) *Transfer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: downloadTimeout}
	}

	return &Transfer{
		token:      token,
		httpClient: httpClient,
		logger:     logger,
		downloaded: make(map[string]string),
	}
}

// DownloadResult summarizes one channel's attachment pass.
type DownloadResult struct {
	Downloaded int
	Failed     int
}

// DownloadMessageFiles fetches every attachment referenced by the messages
// into destDir, annotating each file with its local path and download
// status. A failed attachment never fails the message or the channel.
func (t *Transfer) DownloadMessageFiles(ctx context.Context, messages []slack.Message, destDir string) ([]slack.Message, DownloadResult, error) {
	var res DownloadResult

	for mi := range messages {
		for fi := range messages[mi].Files {
			if err := ctx.Err(); err != nil {
				return messages, res, err
			}

			file := &messages[mi].Files[fi]

			localPath, err := t.downloadFile(ctx, file, destDir)
			if err != nil {
				t.logger.Error("attachment download failed",
					"file", file.Name, "id", file.ID, "error", err)

				file.DownloadStatus = slack.DownloadStatusFailed
				res.Failed++

				continue
			}

			file.LocalPath = localPath
			file.DownloadStatus = slack.DownloadStatusSuccess
			res.Downloaded++
		}
	}

	return messages, res, nil
}

// downloadFile streams one attachment to disk, serving repeats from the
// per-run cache.
func (t *Transfer) downloadFile(ctx context.Context, file *slack.File, destDir string) (string, error) {
	if file.ID == "" {
		return "", fmt.Errorf("attachment has no id")
	}

	if path, ok := t.downloaded[file.ID]; ok {
		return path, nil
	}

	downloadURL := pickURL(file)
	if downloadURL == "" {
		return "", fmt.Errorf("no download URL for file %s", file.ID)
	}

	localPath := uniquePath(destDir, SafeFilename(downloadName(file)))

	if err := t.fetch(ctx, downloadURL, localPath); err != nil {
		return "", err
	}

	t.downloaded[file.ID] = localPath

	t.logger.Debug("downloaded attachment", "file", file.Name, "path", localPath)

	return localPath, nil
}

func (t *Transfer) fetch(ctx context.Context, downloadURL, localPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create download request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned HTTP %d", resp.StatusCode)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		// Never leave a truncated file behind.
		_ = os.Remove(localPath)

		return fmt.Errorf("failed to write local file: %w", err)
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(localPath)
		return fmt.Errorf("failed to close local file: %w", err)
	}

	return nil
}

// UploadPermalinks performs the first phase of message posting: every
// successfully downloaded attachment of the message is uploaded without a
// destination channel, yielding reference links to append to the message
// text. Attachments that never downloaded are skipped, not fatal.
func (t *Transfer) UploadPermalinks(ctx context.Context, uploader PermalinkUploader, msg slack.Message) []string {
	var refs []string

	for _, file := range msg.Files {
		if file.DownloadStatus != slack.DownloadStatusSuccess || file.LocalPath == "" {
			continue
		}

		if _, err := os.Stat(file.LocalPath); err != nil {
			t.logger.Warn("local attachment missing, skipping", "path", file.LocalPath)
			continue
		}

		title := file.Title
		if title == "" {
			title = file.Name
		}

		if title == "" {
			title = "File"
		}

		permalink, err := uploader.UploadForPermalink(ctx, slack.UploadOptions{
			Path:     file.LocalPath,
			Filename: file.Name,
			Title:    title,
		})
		if err != nil {
			t.logger.Error("permalink upload failed", "file", file.Name, "error", err)
			continue
		}

		refs = append(refs, fmt.Sprintf("<%s|%s>", permalink, title))
	}

	return refs
}

// pickURL selects the first present of the ranked download URL fields.
func pickURL(file *slack.File) string {
	for _, u := range []string{file.URLPrivateDownload, file.URLPrivate, file.PermalinkPublic} {
		if u != "" {
			return u
		}
	}

	return ""
}

// downloadName derives the on-disk name, appending the platform filetype as
// an extension when the original name lacks it.
func downloadName(file *slack.File) string {
	name := file.Name
	if name == "" {
		name = "file_" + file.ID
	}

	if file.Filetype != "" && !strings.HasSuffix(strings.ToLower(name), "."+strings.ToLower(file.Filetype)) {
		name = name + "." + file.Filetype
	}

	return name
}

// SafeFilename strips forbidden characters and caps the length while keeping
// the extension.
func SafeFilename(name string) string {
	safe := strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}

		return r
	}, name)

	if len(safe) > maxFilenameLen {
		ext := filepath.Ext(safe)
		if len(ext) >= maxFilenameLen {
			ext = ""
		}

		safe = safe[:maxFilenameLen-len(ext)] + ext
	}

	return safe
}

// uniquePath appends a numeric suffix until the name does not collide inside
// dir.
func uniquePath(dir, name string) string {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 1; ; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
