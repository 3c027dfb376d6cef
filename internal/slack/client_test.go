package slack

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient("xoxb-test", ClientOptions{
		BaseURL:      srv.URL,
		DefaultDelay: time.Millisecond,
		RetryBackoff: time.Millisecond,
	})

	// Production tiers are far too slow for tests.
	for method := range defaultMethodDelays {
		client.SetMethodDelay(method, time.Millisecond)
	}

	return client, srv
}

func TestListUsersPaginatesToExhaustion(t *testing.T) {
	var calls int

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++

		assert.Equal(t, "/users.list", r.URL.Path)
		assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))

		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprint(w, `{"ok":true,"members":[{"id":"U1"},{"id":"U2"}],"response_metadata":{"next_cursor":"c2"}}`)
		case "c2":
			fmt.Fprint(w, `{"ok":true,"members":[{"id":"U3"}]}`)
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))

	users, err := client.ListUsers(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	require.Len(t, users, 3)
	assert.Equal(t, "U3", users[2].ID)
}

func TestRateLimiterEnforcesFloor(t *testing.T) {
	var starts []time.Time

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		starts = append(starts, time.Now())
		fmt.Fprint(w, `{"ok":true,"members":[]}`)
	}))

	const floor = 40 * time.Millisecond

	client.SetMethodDelay("users.list", floor)

	for range 3 {
		_, err := client.ListUsers(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, starts, 3)

	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		assert.GreaterOrEqual(t, gap, floor-5*time.Millisecond, "call %d started too early", i)
	}
}

func TestRateLimitedResponseIsRetried(t *testing.T) {
	var calls int

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++

		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		fmt.Fprint(w, `{"ok":true,"channels":[{"id":"C1","name":"general"}]}`)
	}))

	channels, err := client.ListChannels(context.Background(), ListChannelsOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	require.Len(t, channels, 1)
	assert.Equal(t, "general", channels[0].Name)
}

func TestRetryAfterZeroRetriesImmediately(t *testing.T) {
	var calls int

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++

		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		fmt.Fprint(w, `{"ok":true,"members":[]}`)
	}))

	start := time.Now()

	_, err := client.ListUsers(context.Background())
	require.NoError(t, err)

	// A zero wait is honored as-is; the fallback wait only applies when the
	// server named no wait at all.
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 2, calls)
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", -1},
		{"junk", -1},
		{"-5", -1},
		{"0", 0},
		{"3", 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.header))
		})
	}
}

func TestAuthErrorFailsImmediately(t *testing.T) {
	var calls int

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"ok":false,"error":"invalid_auth"}`)
	}))

	_, err := client.ListUsers(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindAuth, apiErr.Kind)
	assert.Equal(t, 1, calls, "auth errors must not be retried")
}

func TestValidationErrorFailsImmediately(t *testing.T) {
	var calls int

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"ok":false,"error":"invalid_name"}`)
	}))

	err := client.AddReaction(context.Background(), "C1", "1.000001", "bogus_emoji")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, KindValidation, apiErr.Kind)
	assert.False(t, apiErr.Retryable())
	assert.Equal(t, 1, calls)
}

func TestTransientErrorRetriesWithBackoff(t *testing.T) {
	var calls int

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++

		if calls < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		fmt.Fprint(w, `{"ok":true,"members":[{"id":"U1"}]}`)
	}))

	users, err := client.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, users, 1)
}

func TestTransientErrorExhaustsAttempts(t *testing.T) {
	var calls int

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.ListUsers(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
}

func TestChannelHistoryInvokesBatchCallbackPerPage(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations.history", r.URL.Path)
		assert.Equal(t, "15", r.URL.Query().Get("limit"))

		if r.URL.Query().Get("cursor") == "" {
			fmt.Fprint(w, `{"ok":true,"messages":[{"ts":"2.0"},{"ts":"1.0"}],"response_metadata":{"next_cursor":"n"}}`)
			return
		}

		fmt.Fprint(w, `{"ok":true,"messages":[{"ts":"0.5"}]}`)
	}))

	var batches [][]Message

	msgs, err := client.ChannelHistory(context.Background(), HistoryOptions{Channel: "C1"}, func(batch []Message) error {
		batches = append(batches, batch)
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, msgs, 3)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)
}

func TestChannelHistoryPassesOldest(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000.000100", r.URL.Query().Get("oldest"))
		fmt.Fprint(w, `{"ok":true,"messages":[]}`)
	}))

	_, err := client.ChannelHistory(context.Background(), HistoryOptions{Channel: "C1", Oldest: "1000.000100"}, nil)
	require.NoError(t, err)
}

func TestThreadRepliesDropsEchoedParent(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations.replies", r.URL.Path)
		assert.Equal(t, "10.0", r.URL.Query().Get("ts"))
		fmt.Fprint(w, `{"ok":true,"messages":[{"ts":"10.0"},{"ts":"11.0","thread_ts":"10.0"},{"ts":"12.0","thread_ts":"10.0"}]}`)
	}))

	replies, err := client.ThreadReplies(context.Background(), "C1", "10.0", nil)
	require.NoError(t, err)

	require.Len(t, replies, 2)
	assert.Equal(t, "11.0", replies[0].TS)
	assert.Equal(t, "12.0", replies[1].TS)
}

func TestPostMessageReturnsAssignedTimestamp(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		assert.Equal(t, "C9", r.PostForm.Get("channel"))
		assert.Equal(t, "hello", r.PostForm.Get("text"))
		assert.Equal(t, "5.0", r.PostForm.Get("thread_ts"))
		assert.Equal(t, "true", r.PostForm.Get("reply_broadcast"))

		fmt.Fprint(w, `{"ok":true,"ts":"99.000001"}`)
	}))

	ts, err := client.PostMessage(context.Background(), PostMessageOptions{
		Channel:        "C9",
		Text:           "hello",
		ThreadTS:       "5.0",
		ReplyBroadcast: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "99.000001", ts)
}

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		code string
		kind ErrorKind
	}{
		{"ratelimited", KindRateLimited},
		{"rate_limited", KindRateLimited},
		{"invalid_auth", KindAuth},
		{"token_revoked", KindAuth},
		{"missing_scope", KindAuth},
		{"invalid_name", KindValidation},
		{"no_reaction", KindValidation},
		{"already_reacted", KindValidation},
		{"name_taken", KindValidation},
		{"fatal_error", KindTransient},
		{"internal_error", KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.kind, classifyCode(tt.code))
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("1700000000.123456")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts.Unix())

	_, err = ParseTimestamp("garbage")
	assert.Error(t, err)
}

func TestCancellationStopsRetryLoop(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.ListUsers(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
