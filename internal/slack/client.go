// Package slack is the single point of contact with the Slack Web API.
// Every call goes through a per-method rate limiter and a bounded retry
// policy; nothing here persists state.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://slack.com/api"

// rateLimitFallbackWait is used when a rate-limited response carries no
// Retry-After header.
const rateLimitFallbackWait = 60 * time.Second

// Minimum inter-call intervals per API method, from the published rate-limit
// tiers. Methods not listed fall back to the client's default delay.
var defaultMethodDelays = map[string]time.Duration{
	"conversations.history": 1200 * time.Millisecond, // Tier 1 for non-Marketplace apps
	"conversations.replies": 1200 * time.Millisecond,
	"conversations.list":    3 * time.Second, // Tier 2
	"conversations.info":    3 * time.Second,
	"conversations.create":  3 * time.Second,
	"conversations.invite":  3 * time.Second,
	"users.list":            3 * time.Second,
	"team.info":             60 * time.Second, // Tier 1
	"chat.postMessage":      time.Second,      // 1/sec per channel
}

// Client is a rate-limited Slack API client for one workspace.
type Client struct {
	token        string
	baseURL      string
	httpClient   *http.Client
	logger       *slog.Logger
	maxRetries   int
	retryBackoff time.Duration
	defaultDelay time.Duration
	delays       map[string]time.Duration

	// last call time per method. The migration pipeline is a single logical
	// thread of control, so no locking is needed here.
	lastCall map[string]time.Time
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Logger *slog.Logger

	// BaseURL overrides the API endpoint (tests).
	BaseURL string

	// MaxRetries bounds attempts per call. Defaults to 3.
	MaxRetries int

	// DefaultDelay is the minimum inter-call interval for methods without a
	// specific tier. Defaults to 1s.
	DefaultDelay time.Duration

	// RetryBackoff is the base of the exponential backoff applied to
	// transient failures. Defaults to 1s.
	RetryBackoff time.Duration

	HTTPClient *http.Client
}

// NewClient creates a Slack API client.
func NewClient(token string, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	defaultDelay := opts.DefaultDelay
	if defaultDelay <= 0 {
		defaultDelay = time.Second
	}

	retryBackoff := opts.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = time.Second
	}

	delays := make(map[string]time.Duration, len(defaultMethodDelays))
	for m, d := range defaultMethodDelays {
		delays[m] = d
	}

	return &Client{
		token:        token,
		baseURL:      baseURL,
		httpClient:   httpClient,
		logger:       logger,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
		defaultDelay: defaultDelay,
		delays:       delays,
		lastCall:     make(map[string]time.Time),
	}
}

// SetMethodDelay overrides the minimum inter-call interval for one method.
func (c *Client) SetMethodDelay(method string, delay time.Duration) {
	c.delays[method] = delay
}

// Workspace identifies one Slack workspace.
type Workspace struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// Topic represents a channel topic or purpose value.
type Topic struct {
	Value   string `json:"value"`
	Creator string `json:"creator,omitempty"`
	LastSet int64  `json:"last_set,omitempty"`
}

// Channel represents a Slack channel.
type Channel struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	IsPrivate  bool   `json:"is_private"`
	IsArchived bool   `json:"is_archived"`
	IsMember   bool   `json:"is_member"`
	NumMembers int    `json:"num_members,omitempty"`
	Topic      Topic  `json:"topic,omitempty"`
	Purpose    Topic  `json:"purpose,omitempty"`
	Created    int64  `json:"created,omitempty"`
	Creator    string `json:"creator,omitempty"`
}

// UserProfile carries the profile fields the migration depends on.
type UserProfile struct {
	Email       string `json:"email,omitempty"`
	RealName    string `json:"real_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Image32     string `json:"image_32,omitempty"`
	Image48     string `json:"image_48,omitempty"`
	Image72     string `json:"image_72,omitempty"`
}

// User represents a workspace member.
type User struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Deleted bool        `json:"deleted,omitempty"`
	IsBot   bool        `json:"is_bot,omitempty"`
	Profile UserProfile `json:"profile"`
}

// Reaction represents one emoji reaction on a message.
type Reaction struct {
	Name  string   `json:"name"`
	Users []string `json:"users,omitempty"`
	Count int      `json:"count"`
}

// File represents an attachment referenced by a message. LocalPath and
// DownloadStatus are filled in by the file transfer manager and round-trip
// through the archive.
type File struct {
	ID                 string `json:"id"`
	Name               string `json:"name,omitempty"`
	Title              string `json:"title,omitempty"`
	Filetype           string `json:"filetype,omitempty"`
	Mimetype           string `json:"mimetype,omitempty"`
	Size               int64  `json:"size,omitempty"`
	URLPrivate         string `json:"url_private,omitempty"`
	URLPrivateDownload string `json:"url_private_download,omitempty"`
	Permalink          string `json:"permalink,omitempty"`
	PermalinkPublic    string `json:"permalink_public,omitempty"`

	LocalPath      string `json:"local_path,omitempty"`
	DownloadStatus string `json:"download_status,omitempty"`
}

// File download statuses recorded by the transfer manager.
const (
	DownloadStatusSuccess = "success"
	DownloadStatusFailed  = "failed"
)

// Message subtypes the engine branches on.
const (
	SubtypeThreadBroadcast = "thread_broadcast"
	SubtypeChannelJoin     = "channel_join"
	SubtypeChannelLeave    = "channel_leave"
)

// Message represents a channel-scoped message. The timestamp is both its
// identity key and its sort key.
type Message struct {
	Type       string     `json:"type,omitempty"`
	Subtype    string     `json:"subtype,omitempty"`
	User       string     `json:"user,omitempty"`
	BotID      string     `json:"bot_id,omitempty"`
	Text       string     `json:"text,omitempty"`
	TS         string     `json:"ts"`
	ThreadTS   string     `json:"thread_ts,omitempty"`
	ReplyCount int        `json:"reply_count,omitempty"`
	Reactions  []Reaction `json:"reactions,omitempty"`
	Files      []File     `json:"files,omitempty"`

	// Broadcast marks a normalized thread-broadcast reply that must be
	// re-posted with reply_broadcast set. Never sent to the API.
	Broadcast bool `json:"reply_broadcast_flag,omitempty"`
}

// IsThreadReply reports whether the message is a reply inside a thread
// (as opposed to a thread parent or a plain message).
func (m Message) IsThreadReply() bool {
	return m.ThreadTS != "" && m.ThreadTS != m.TS
}

// ResponseMetadata carries the pagination cursor.
type ResponseMetadata struct {
	NextCursor string `json:"next_cursor"`
}

// slackResponse is the common envelope of every API response.
type slackResponse struct {
	OK               bool              `json:"ok"`
	Error            string            `json:"error,omitempty"`
	ResponseMetadata *ResponseMetadata `json:"response_metadata,omitempty"`
}

func (r slackResponse) nextCursor() string {
	if r.ResponseMetadata == nil {
		return ""
	}

	return r.ResponseMetadata.NextCursor
}

// WorkspaceInfo fetches workspace metadata (team.info).
func (c *Client) WorkspaceInfo(ctx context.Context) (*Workspace, error) {
	var resp struct {
		slackResponse

		Team Workspace `json:"team"`
	}

	if err := c.call(ctx, "team.info", func() error {
		return c.do(ctx, http.MethodGet, "team.info", nil, &resp)
	}); err != nil {
		return nil, err
	}

	return &resp.Team, nil
}

// AuthTestResult identifies the calling credential.
type AuthTestResult struct {
	URL    string `json:"url"`
	Team   string `json:"team"`
	User   string `json:"user"`
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
}

// AuthTest verifies the token and identifies its workspace.
func (c *Client) AuthTest(ctx context.Context) (*AuthTestResult, error) {
	var resp struct {
		slackResponse

		AuthTestResult
	}

	if err := c.call(ctx, "auth.test", func() error {
		return c.do(ctx, http.MethodGet, "auth.test", nil, &resp)
	}); err != nil {
		return nil, err
	}

	return &resp.AuthTestResult, nil
}

// ListUsers fetches every workspace member, following the cursor to
// exhaustion.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var users []User

	cursor := ""

	for {
		params := url.Values{}
		params.Set("limit", "200")

		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp struct {
			slackResponse

			Members []User `json:"members"`
		}

		if err := c.call(ctx, "users.list", func() error {
			return c.do(ctx, http.MethodGet, "users.list", params, &resp)
		}); err != nil {
			return nil, err
		}

		users = append(users, resp.Members...)

		cursor = resp.nextCursor()
		if cursor == "" {
			break
		}
	}

	return users, nil
}

// ListChannelsOptions configures ListChannels.
type ListChannelsOptions struct {
	ExcludeArchived bool

	// Types is comma-separated (public_channel,private_channel). Defaults to
	// both channel kinds.
	Types string
}

// ListChannels fetches every conversation, following the cursor to
// exhaustion.
func (c *Client) ListChannels(ctx context.Context, opts ListChannelsOptions) ([]Channel, error) {
	types := opts.Types
	if types == "" {
		types = "public_channel,private_channel"
	}

	var channels []Channel

	cursor := ""

	for {
		params := url.Values{}
		params.Set("exclude_archived", strconv.FormatBool(opts.ExcludeArchived))
		params.Set("types", types)
		params.Set("limit", "200")

		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp struct {
			slackResponse

			Channels []Channel `json:"channels"`
		}

		if err := c.call(ctx, "conversations.list", func() error {
			return c.do(ctx, http.MethodGet, "conversations.list", params, &resp)
		}); err != nil {
			return nil, err
		}

		channels = append(channels, resp.Channels...)

		cursor = resp.nextCursor()
		if cursor == "" {
			break
		}
	}

	return channels, nil
}

// ChannelInfo fetches one channel's metadata.
func (c *Client) ChannelInfo(ctx context.Context, channelID string) (*Channel, error) {
	params := url.Values{}
	params.Set("channel", channelID)

	var resp struct {
		slackResponse

		Channel Channel `json:"channel"`
	}

	if err := c.call(ctx, "conversations.info", func() error {
		return c.do(ctx, http.MethodGet, "conversations.info", params, &resp)
	}); err != nil {
		return nil, err
	}

	return &resp.Channel, nil
}

// HistoryOptions configures ChannelHistory.
type HistoryOptions struct {
	Channel string

	// Oldest restricts the fetch to messages strictly after this timestamp;
	// used to resume a partial download.
	Oldest string

	// Limit is the page size. Defaults to 15, the documented maximum for
	// non-Marketplace apps.
	Limit int
}

// BatchFunc receives each fetched page of messages. A non-nil error aborts
// the fetch.
type BatchFunc func(batch []Message) error

// ChannelHistory fetches all top-level messages of a channel, oldest bound
// respected, invoking onBatch after every page so the caller can persist
// incrementally. The full accumulated set is returned.
func (c *Client) ChannelHistory(ctx context.Context, opts HistoryOptions, onBatch BatchFunc) ([]Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 15
	}

	var messages []Message

	cursor := ""

	for {
		params := url.Values{}
		params.Set("channel", opts.Channel)
		params.Set("limit", strconv.Itoa(limit))

		if opts.Oldest != "" {
			params.Set("oldest", opts.Oldest)
		}

		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp struct {
			slackResponse

			Messages []Message `json:"messages"`
			HasMore  bool      `json:"has_more"`
		}

		if err := c.call(ctx, "conversations.history", func() error {
			return c.do(ctx, http.MethodGet, "conversations.history", params, &resp)
		}); err != nil {
			return nil, err
		}

		messages = append(messages, resp.Messages...)

		if onBatch != nil && len(resp.Messages) > 0 {
			if err := onBatch(resp.Messages); err != nil {
				return messages, err
			}
		}

		cursor = resp.nextCursor()
		if cursor == "" {
			break
		}
	}

	return messages, nil
}

// ThreadReplies fetches every reply of a thread, dropping the echoed parent
// message, invoking onBatch after every page.
func (c *Client) ThreadReplies(ctx context.Context, channelID, threadTS string, onBatch BatchFunc) ([]Message, error) {
	var replies []Message

	cursor := ""

	for {
		params := url.Values{}
		params.Set("channel", channelID)
		params.Set("ts", threadTS)
		params.Set("limit", "200")

		if cursor != "" {
			params.Set("cursor", cursor)
		}

		var resp struct {
			slackResponse

			Messages []Message `json:"messages"`
		}

		if err := c.call(ctx, "conversations.replies", func() error {
			return c.do(ctx, http.MethodGet, "conversations.replies", params, &resp)
		}); err != nil {
			return nil, err
		}

		batch := resp.Messages
		// The first element of each page is the parent, which the caller
		// already holds.
		for len(batch) > 0 && batch[0].TS == threadTS {
			batch = batch[1:]
		}

		replies = append(replies, batch...)

		if onBatch != nil && len(batch) > 0 {
			if err := onBatch(batch); err != nil {
				return replies, err
			}
		}

		cursor = resp.nextCursor()
		if cursor == "" {
			break
		}
	}

	return replies, nil
}

// call runs one logical API operation under the rate limiter and retry
// policy. The minimum inter-call delay is enforced before every attempt,
// retries included.
func (c *Client) call(ctx context.Context, method string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.waitTurn(ctx, method); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Kind {
			case KindAuth:
				c.logger.Error("authentication error", "method", method, "code", apiErr.Code)
				return err
			case KindValidation:
				c.logger.Debug("validation error", "method", method, "code", apiErr.Code)
				return err
			case KindRateLimited:
				wait := apiErr.RetryAfter
				if wait < 0 {
					wait = rateLimitFallbackWait
				}

				c.logger.Warn("rate limited", "method", method, "wait", wait)

				if err := sleepCtx(ctx, wait); err != nil {
					return err
				}

				continue
			}
		}

		if attempt < c.maxRetries-1 {
			backoff := c.retryBackoff << attempt

			c.logger.Warn("API call failed, retrying",
				"method", method, "attempt", attempt+1, "max", c.maxRetries, "error", err)

			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", method, c.maxRetries, lastErr)
}

// waitTurn blocks until the method's minimum inter-call interval has elapsed
// since its previous call.
func (c *Client) waitTurn(ctx context.Context, method string) error {
	delay, ok := c.delays[method]
	if !ok {
		delay = c.defaultDelay
	}

	if last, ok := c.lastCall[method]; ok {
		if wait := delay - time.Since(last); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
		}
	}

	c.lastCall[method] = time.Now()

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do performs one HTTP round trip against an API method and decodes the
// envelope, mapping failures to APIError.
func (c *Client) do(ctx context.Context, httpMethod, method string, params url.Values, result any) error {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, method)

	var (
		req *http.Request
		err error
	)

	if httpMethod == http.MethodGet {
		if params != nil {
			endpoint = endpoint + "?" + params.Encode()
		}

		req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	} else {
		body := ""
		if params != nil {
			body = params.Encode()
		}

		req, err = http.NewRequestWithContext(ctx, httpMethod, endpoint, strings.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}

	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.Debug("slack API request", "method", method)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &APIError{
			Method:     method,
			Code:       "ratelimited",
			Kind:       KindRateLimited,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			StatusCode: resp.StatusCode,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{Method: method, Kind: KindTransient, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env slackResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if !env.OK {
		apiErr := &APIError{Method: method, Code: env.Error, Kind: classifyCode(env.Error)}
		if apiErr.Kind == KindRateLimited {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}

		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// parseRetryAfter returns the server-directed wait, or -1 when the header is
// absent or unparseable. "Retry-After: 0" is a real instruction to retry
// immediately, not a missing value.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return -1
	}

	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return -1
	}

	return time.Duration(secs) * time.Second
}

// ParseTimestamp parses a Slack timestamp ("1234567890.123456") to time.Time.
func ParseTimestamp(ts string) (time.Time, error) {
	var sec, usec int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &usec); err != nil {
		if s, parseErr := strconv.ParseInt(ts, 10, 64); parseErr == nil {
			return time.Unix(s, 0), nil
		}

		return time.Time{}, fmt.Errorf("invalid timestamp: %s", ts)
	}

	return time.Unix(sec, usec*1000), nil
}

// FormatTimestamp formats a time.Time as a Slack timestamp.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

// TSFloat converts a Slack timestamp to a comparable float. Malformed
// timestamps sort first.
func TSFloat(ts string) float64 {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return 0
	}

	return f
}
