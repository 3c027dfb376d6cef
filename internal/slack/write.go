package slack

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// JoinChannel joins a public channel.
func (c *Client) JoinChannel(ctx context.Context, channelID string) error {
	params := url.Values{}
	params.Set("channel", channelID)

	return c.call(ctx, "conversations.join", func() error {
		return c.do(ctx, http.MethodPost, "conversations.join", params, nil)
	})
}

// CreateChannel creates a channel and returns it.
func (c *Client) CreateChannel(ctx context.Context, name string, private bool) (*Channel, error) {
	params := url.Values{}
	params.Set("name", name)
	params.Set("is_private", strconv.FormatBool(private))

	var resp struct {
		slackResponse

		Channel Channel `json:"channel"`
	}

	if err := c.call(ctx, "conversations.create", func() error {
		return c.do(ctx, http.MethodPost, "conversations.create", params, &resp)
	}); err != nil {
		return nil, err
	}

	return &resp.Channel, nil
}

// InviteUsers invites users to a channel.
func (c *Client) InviteUsers(ctx context.Context, channelID string, userIDs []string) error {
	params := url.Values{}
	params.Set("channel", channelID)
	params.Set("users", strings.Join(userIDs, ","))

	return c.call(ctx, "conversations.invite", func() error {
		return c.do(ctx, http.MethodPost, "conversations.invite", params, nil)
	})
}

// SetTopic sets a channel topic.
func (c *Client) SetTopic(ctx context.Context, channelID, topic string) error {
	params := url.Values{}
	params.Set("channel", channelID)
	params.Set("topic", topic)

	return c.call(ctx, "conversations.setTopic", func() error {
		return c.do(ctx, http.MethodPost, "conversations.setTopic", params, nil)
	})
}

// SetPurpose sets a channel purpose.
func (c *Client) SetPurpose(ctx context.Context, channelID, purpose string) error {
	params := url.Values{}
	params.Set("channel", channelID)
	params.Set("purpose", purpose)

	return c.call(ctx, "conversations.setPurpose", func() error {
		return c.do(ctx, http.MethodPost, "conversations.setPurpose", params, nil)
	})
}

// PostMessageOptions configures PostMessage.
type PostMessageOptions struct {
	Channel string
	Text    string

	// Username and IconURL override the displayed author.
	Username string
	IconURL  string

	// ThreadTS attaches the message as a reply to a destination thread
	// parent. ReplyBroadcast is only honored for thread replies.
	ThreadTS       string
	ReplyBroadcast bool
}

// PostMessage posts a message and returns the timestamp the destination
// workspace assigned to it.
func (c *Client) PostMessage(ctx context.Context, opts PostMessageOptions) (string, error) {
	params := url.Values{}
	params.Set("channel", opts.Channel)
	params.Set("text", opts.Text)

	if opts.Username != "" {
		params.Set("username", opts.Username)
	}

	if opts.IconURL != "" {
		params.Set("icon_url", opts.IconURL)
	}

	if opts.ThreadTS != "" {
		params.Set("thread_ts", opts.ThreadTS)

		if opts.ReplyBroadcast {
			params.Set("reply_broadcast", "true")
		}
	}

	var resp struct {
		slackResponse

		TS string `json:"ts"`
	}

	if err := c.call(ctx, "chat.postMessage", func() error {
		return c.do(ctx, http.MethodPost, "chat.postMessage", params, &resp)
	}); err != nil {
		return "", err
	}

	return resp.TS, nil
}

// AddReaction adds an emoji reaction to a posted message. Unknown emoji
// names surface as KindValidation errors; callers treat those as non-fatal.
func (c *Client) AddReaction(ctx context.Context, channelID, messageTS, name string) error {
	params := url.Values{}
	params.Set("channel", channelID)
	params.Set("timestamp", messageTS)
	params.Set("name", name)

	return c.call(ctx, "reactions.add", func() error {
		return c.do(ctx, http.MethodPost, "reactions.add", params, nil)
	})
}

// UploadOptions configures UploadForPermalink.
type UploadOptions struct {
	Path     string
	Filename string
	Title    string
}

// UploadForPermalink uploads a local file WITHOUT a destination channel and
// returns its permalink. Attaching a channel at upload time publishes the
// file immediately, before the surrounding message text exists; the
// permalink is instead embedded into the message posted afterwards.
//
// The upload is the three-step external flow: reserve an upload URL, send
// the bytes, then complete the upload.
func (c *Client) UploadForPermalink(ctx context.Context, opts UploadOptions) (string, error) {
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	filename := opts.Filename
	if filename == "" {
		filename = filepath.Base(opts.Path)
	}

	// Step 1: reserve an upload URL.
	params := url.Values{}
	params.Set("filename", filename)
	params.Set("length", strconv.Itoa(len(data)))

	var reserve struct {
		slackResponse

		UploadURL string `json:"upload_url"`
		FileID    string `json:"file_id"`
	}

	if err := c.call(ctx, "files.getUploadURLExternal", func() error {
		return c.do(ctx, http.MethodGet, "files.getUploadURLExternal", params, &reserve)
	}); err != nil {
		return "", err
	}

	// Step 2: send the bytes to the reserved URL. This is a plain HTTP
	// endpoint, not an API method, so it bypasses the envelope handling.
	if err := c.uploadBytes(ctx, reserve.UploadURL, data); err != nil {
		return "", err
	}

	// Step 3: complete the upload. No channel_id is passed, which keeps the
	// file unpublished and yields the permalink.
	completeParams := url.Values{}
	completeParams.Set("files", fmt.Sprintf(`[{"id":%q,"title":%q}]`, reserve.FileID, opts.Title))

	var complete struct {
		slackResponse

		Files []File `json:"files"`
	}

	if err := c.call(ctx, "files.completeUploadExternal", func() error {
		return c.do(ctx, http.MethodPost, "files.completeUploadExternal", completeParams, &complete)
	}); err != nil {
		return "", err
	}

	if len(complete.Files) == 0 {
		return "", fmt.Errorf("upload of %s completed without file metadata", filename)
	}

	permalink := complete.Files[0].Permalink
	if permalink == "" {
		permalink = complete.Files[0].URLPrivate
	}

	if permalink == "" {
		return "", fmt.Errorf("upload of %s completed without a permalink", filename)
	}

	return permalink, nil
}

func (c *Client) uploadBytes(ctx context.Context, uploadURL string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload file bytes: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("file byte upload returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
