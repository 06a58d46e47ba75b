package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatdesk/internal/metrics"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BaseURL:     srv.URL + "/api",
		MaxRetries:  2,
		BackoffBase: time.Millisecond,
		Logger:      zerolog.Nop(),
		Metrics:     metrics.New(prometheus.NewRegistry()),
	})
	require.NoError(t, err)
	return c
}

func TestGetRetriesTemporaryStatus(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/api/ChatSession/active", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]ChatSessionListItem{{ID: "s1", Title: "First"}})
	}))

	items, err := c.ActiveSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "s1", items[0].ID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWithoutRetryMakesSingleAttempt(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.SessionMessages(WithoutRetry(context.Background()), "s1", MessageQuery{PageNumber: 1, PageSize: 50})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, http.StatusBadGateway, StatusCode(err))
}

func TestPostIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.SendMessage(context.Background(), SendMessageRequest{SessionID: "s1", Message: "hi"})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHTTPErrorUnwrapsSentinels(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/ChatSession/missing":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"session not found"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))

	_, err := c.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "session not found", he.Message())

	_, err = c.ActiveSessions(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestSessionMessagesQuery(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/api/ChatMessage/session/s1", r.URL.Path)
		assert.Equal(t, "2", q.Get("pageNumber"))
		assert.Equal(t, "50", q.Get("pageSize"))
		assert.Equal(t, "false", q.Get("includeDeleted"))
		assert.Equal(t, "2026-01-02T03:04:05Z", q.Get("startDate"))
		_, _ = w.Write([]byte(`{"totalCount":3,"currentPage":2,"pageSize":50,"items":[
			{"id":"m1","sessionId":"s1","content":"hi","senderType":1,"createdDate":"2026-01-02T03:04:05.1234567"}
		]}`))
	}))

	page, err := c.SessionMessages(context.Background(), "s1", MessageQuery{PageNumber: 2, PageSize: 50, StartDate: start})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Count())
	require.Len(t, page.Items, 1)
	assert.Equal(t, SenderUser, page.Items[0].SenderType)
	assert.Equal(t, 2026, page.Items[0].CreatedDate.Year())
	assert.Equal(t, time.UTC, page.Items[0].CreatedDate.Location())
}

func TestRejectsQueryInPath(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler())
	err := c.base.call(context.Background(), http.MethodGet, "/ChatSession?x=1", nil, nil, nil)
	require.Error(t, err)
}

func TestSendMessageResultDecoding(t *testing.T) {
	var bare SendMessageResult
	require.NoError(t, json.Unmarshal([]byte(`{"id":"m1","content":"hello","senderType":1}`), &bare))
	require.NotNil(t, bare.UserMessage)
	assert.Nil(t, bare.AssistantMessage)
	assert.False(t, bare.Complete())

	var envelope SendMessageResult
	require.NoError(t, json.Unmarshal([]byte(`{
		"userMessage":{"id":"m1","content":"hello","senderType":1},
		"assistantMessage":{"id":"m2","content":"hi there","senderType":2}
	}`), &envelope))
	assert.True(t, envelope.Complete())
	assert.Equal(t, "hi there", envelope.AssistantMessage.Content)

	var empty SendMessageResult
	require.NoError(t, json.Unmarshal([]byte(`{}`), &empty))
	assert.Nil(t, empty.UserMessage)
}

func TestTimeFormats(t *testing.T) {
	cases := map[string]time.Time{
		`"2026-03-01T10:00:00Z"`:        time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		`"2026-03-01T12:00:00+02:00"`:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		`"2026-03-01T10:00:00"`:         time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		`"2026-03-01T10:00:00.5000000"`: time.Date(2026, 3, 1, 10, 0, 0, 5e8, time.UTC),
	}
	for in, want := range cases {
		var got Time
		require.NoError(t, json.Unmarshal([]byte(in), &got), in)
		assert.True(t, want.Equal(got.Time), "%s: got %s", in, got.Time)
	}

	var null Time
	require.NoError(t, json.Unmarshal([]byte(`null`), &null))
	assert.True(t, null.IsZero())

	var bad Time
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &bad))
}
