package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"chatdesk/internal/api"
	"chatdesk/internal/metrics"
)

var (
	base       = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	errBackend = errors.New("backend down")
)

func dto(id string, sender api.SenderType, content string, at time.Time) api.ChatMessageDto {
	return api.ChatMessageDto{
		ID:          id,
		SessionID:   "s1",
		Content:     content,
		SenderType:  sender,
		CreatedDate: api.NewTime(at),
		IsActive:    true,
	}
}

func page(total int, items ...api.ChatMessageDto) api.Paginated[api.ChatMessageDto] {
	return api.Paginated[api.ChatMessageDto]{TotalCount: total, CurrentPage: 1, PageSize: 50, Items: items}
}

// fakeBackend implements SessionAPI and MessageAPI.
type fakeBackend struct {
	mu sync.Mutex

	sendGate   chan struct{}
	sendResult api.SendMessageResult
	sendErr    error
	sent       []api.SendMessageRequest

	pageFn    func(call int, q api.MessageQuery) (api.Paginated[api.ChatMessageDto], error)
	pageCalls int

	deleteErr error
	deleted   []string
	cleared   bool

	updateErr error
	updates   []api.UpdateSessionRequest
	models    []api.UpdateSessionModelRequest
	items     []api.ChatSessionListItem
	created   api.ChatSessionResponse
}

func (f *fakeBackend) SendMessage(ctx context.Context, req api.SendMessageRequest) (api.SendMessageResult, error) {
	if f.sendGate != nil {
		select {
		case <-f.sendGate:
		case <-ctx.Done():
			return api.SendMessageResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return f.sendResult, f.sendErr
}

func (f *fakeBackend) SessionMessages(_ context.Context, _ string, q api.MessageQuery) (api.Paginated[api.ChatMessageDto], error) {
	f.mu.Lock()
	f.pageCalls++
	call := f.pageCalls
	fn := f.pageFn
	f.mu.Unlock()
	if fn == nil {
		return page(0), nil
	}
	return fn(call, q)
}

func (f *fakeBackend) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageCalls
}

func (f *fakeBackend) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeBackend) DeleteMessages(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeBackend) DeleteSessionMessages(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.cleared = true
	return nil
}

func (f *fakeBackend) CountSessionMessages(context.Context, string) (int, error) {
	return 3, nil
}

func (f *fakeBackend) SessionMessageStats(context.Context, string) (api.MessageStats, error) {
	return api.MessageStats{TotalMessages: 3, UserMessages: 2, AssistantMessages: 1}, nil
}

func (f *fakeBackend) SearchSessionMessages(_ context.Context, _ string, term string) ([]api.ChatMessageDto, error) {
	return []api.ChatMessageDto{
		dto("m2", api.SenderAssistant, term+" answer", base.Add(time.Second)),
		dto("m1", api.SenderUser, term, base),
	}, nil
}

func (f *fakeBackend) SessionMessagesBySender(_ context.Context, _ string, sender api.SenderType) ([]api.ChatMessageDto, error) {
	all := []api.ChatMessageDto{
		dto("m2", api.SenderAssistant, "answer", base.Add(time.Second)),
		dto("m1", api.SenderUser, "question", base),
		dto("m3", api.SenderUser, "follow up", base.Add(2*time.Second)),
	}
	var out []api.ChatMessageDto
	for _, d := range all {
		if d.SenderType == sender {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeBackend) GetMessage(_ context.Context, id string) (api.ChatMessageDto, error) {
	switch id {
	case "m1":
		return dto("m1", api.SenderUser, "question", base), nil
	case "other":
		d := dto("other", api.SenderUser, "elsewhere", base)
		d.SessionID = "s2"
		return d, nil
	}
	return api.ChatMessageDto{}, api.ErrNotFound
}

func (f *fakeBackend) ActiveSessions(context.Context) ([]api.ChatSessionListItem, error) {
	return append([]api.ChatSessionListItem(nil), f.items...), nil
}

func (f *fakeBackend) ListSessions(_ context.Context, page, size int) ([]api.ChatSessionListItem, error) {
	start := (page - 1) * size
	if start >= len(f.items) {
		return nil, nil
	}
	return f.items[start:min(start+size, len(f.items))], nil
}

func (f *fakeBackend) GetSession(_ context.Context, id string) (api.ChatSessionResponse, error) {
	for _, it := range f.items {
		if it.ID == id {
			return api.ChatSessionResponse{ID: it.ID, Title: it.Title + " (fresh)", ModelUsed: it.ModelUsed}, nil
		}
	}
	return api.ChatSessionResponse{}, &api.HTTPError{StatusCode: 404}
}

func (f *fakeBackend) SearchSessions(_ context.Context, term string) ([]api.ChatSessionListItem, error) {
	var out []api.ChatSessionListItem
	for _, it := range f.items {
		if it.Title == term {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeBackend) SessionsBetween(context.Context, time.Time, time.Time) ([]api.ChatSessionListItem, error) {
	return f.items, nil
}

func (f *fakeBackend) CreateSession(_ context.Context, req api.CreateSessionRequest) (api.ChatSessionResponse, error) {
	out := f.created
	if out.ID == "" {
		out = api.ChatSessionResponse{ID: "new", Title: req.Title, ModelUsed: req.ModelUsed}
	}
	return out, nil
}

func (f *fakeBackend) UpdateSession(_ context.Context, req api.UpdateSessionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	return f.updateErr
}

func (f *fakeBackend) UpdateSessionModel(_ context.Context, req api.UpdateSessionModelRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, req)
	return f.updateErr
}

func (f *fakeBackend) CloneSession(_ context.Context, id string) (api.ChatSessionResponse, error) {
	return api.ChatSessionResponse{ID: id + "-copy", Title: "copy"}, nil
}

func (f *fakeBackend) DeleteSession(context.Context, string) error {
	return f.updateErr
}

func (f *fakeBackend) SoftDeleteSession(context.Context, string) error {
	return f.updateErr
}

// sleepRecorder records requested delays without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func(n int)
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	n := len(s.delays)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func newTestConversation(f *fakeBackend, sleeper *sleepRecorder) *Conversation {
	return NewConversation(ConversationConfig{
		API:             f,
		SessionID:       "s1",
		TolerableErrors: 2,
		Sleep:           sleeper.Sleep,
		Now:             func() time.Time { return base.Add(time.Minute) },
		Logger:          zerolog.Nop(),
		Metrics:         testMetrics(),
	})
}
