package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatdesk/internal/api"
	"chatdesk/internal/metrics"
)

// SessionAPI is the part of the REST client the directory needs.
type SessionAPI interface {
	ActiveSessions(ctx context.Context) ([]api.ChatSessionListItem, error)
	ListSessions(ctx context.Context, page, size int) ([]api.ChatSessionListItem, error)
	GetSession(ctx context.Context, id string) (api.ChatSessionResponse, error)
	SearchSessions(ctx context.Context, term string) ([]api.ChatSessionListItem, error)
	SessionsBetween(ctx context.Context, start, end time.Time) ([]api.ChatSessionListItem, error)
	CreateSession(ctx context.Context, req api.CreateSessionRequest) (api.ChatSessionResponse, error)
	UpdateSession(ctx context.Context, req api.UpdateSessionRequest) error
	UpdateSessionModel(ctx context.Context, req api.UpdateSessionModelRequest) error
	CloneSession(ctx context.Context, id string) (api.ChatSessionResponse, error)
	DeleteSession(ctx context.Context, id string) error
	SoftDeleteSession(ctx context.Context, id string) error
}

type DirectoryConfig struct {
	API          SessionAPI
	DefaultTitle string
	DefaultModel string
	Now          func() time.Time
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

// Directory is the client-side list of the user's sessions, most recent
// first.
type Directory struct {
	api          SessionAPI
	defaultTitle string
	defaultModel string
	now          func() time.Time
	logger       zerolog.Logger
	metrics      *metrics.Metrics

	mu       sync.Mutex
	sessions []Session
}

func NewDirectory(cfg DirectoryConfig) *Directory {
	if cfg.DefaultTitle == "" {
		cfg.DefaultTitle = "New Chat"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Directory{
		api:          cfg.API,
		defaultTitle: cfg.DefaultTitle,
		defaultModel: cfg.DefaultModel,
		now:          cfg.Now,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
}

// Load replaces the list with the active sessions in server order.
func (d *Directory) Load(ctx context.Context) ([]Session, error) {
	items, err := d.api.ActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return d.replace(items), nil
}

func (d *Directory) LoadPage(ctx context.Context, page, size int) ([]Session, error) {
	items, err := d.api.ListSessions(ctx, page, size)
	if err != nil {
		return nil, fmt.Errorf("load sessions page %d: %w", page, err)
	}
	return d.replace(items), nil
}

func (d *Directory) replace(items []api.ChatSessionListItem) []Session {
	list := sessionsFrom(items)
	d.mu.Lock()
	d.sessions = list
	d.mu.Unlock()
	return d.Sessions()
}

// Sessions returns a copy of the current list.
func (d *Directory) Sessions() []Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Session(nil), d.sessions...)
}

// Find looks a session up in the local list by id or unique id prefix.
func (d *Directory) Find(ref string) (Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Session{}, false
	}
	var match *Session
	for i := range d.sessions {
		s := &d.sessions[i]
		if s.ID == ref {
			return *s, true
		}
		if strings.HasPrefix(s.ID, ref) {
			if match != nil {
				return Session{}, false
			}
			match = s
		}
	}
	if match == nil {
		return Session{}, false
	}
	return *match, true
}

// Get fetches one session and refreshes its local entry.
func (d *Directory) Get(ctx context.Context, id string) (Session, error) {
	resp, err := d.api.GetSession(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	s := sessionFromResponse(resp)
	d.mu.Lock()
	if i := d.index(id); i >= 0 {
		d.sessions[i] = s
	}
	d.mu.Unlock()
	return s, nil
}

func (d *Directory) Create(ctx context.Context, title, model string) (Session, error) {
	if strings.TrimSpace(title) == "" {
		title = d.defaultTitle
	}
	if strings.TrimSpace(model) == "" {
		model = d.defaultModel
	}
	resp, err := d.api.CreateSession(ctx, api.CreateSessionRequest{Title: title, ModelUsed: model})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	s := sessionFromResponse(resp)
	if s.Title == "" {
		s.Title = title
	}
	if s.Model == "" {
		s.Model = model
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = d.now()
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.CreatedAt
	}
	d.prepend(s)
	return s, nil
}

func (d *Directory) Clone(ctx context.Context, id string) (Session, error) {
	resp, err := d.api.CloneSession(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("clone session %s: %w", id, err)
	}
	s := sessionFromResponse(resp)
	d.prepend(s)
	return s, nil
}

func (d *Directory) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title is empty")
	}
	var model string
	return d.transact(ctx, "rename", func() (func(), error) {
		i := d.index(id)
		if i < 0 {
			return noop, nil
		}
		prev := d.sessions[i].Title
		model = d.sessions[i].Model
		d.sessions[i].Title = title
		return func() {
			if j := d.index(id); j >= 0 && d.sessions[j].Title == title {
				d.sessions[j].Title = prev
			}
		}, nil
	}, func(ctx context.Context) error {
		return d.api.UpdateSession(ctx, api.UpdateSessionRequest{SessionID: id, NewTitle: title, ModelUsed: model})
	})
}

func (d *Directory) ChangeModel(ctx context.Context, id, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return fmt.Errorf("model is empty")
	}
	return d.transact(ctx, "change model", func() (func(), error) {
		i := d.index(id)
		if i < 0 {
			return noop, nil
		}
		prev := d.sessions[i].Model
		d.sessions[i].Model = model
		return func() {
			if j := d.index(id); j >= 0 && d.sessions[j].Model == model {
				d.sessions[j].Model = prev
			}
		}, nil
	}, func(ctx context.Context) error {
		return d.api.UpdateSessionModel(ctx, api.UpdateSessionModelRequest{SessionID: id, ModelUsed: model})
	})
}

func (d *Directory) SoftDelete(ctx context.Context, id string) error {
	return d.transact(ctx, "soft delete", d.splice(id), func(ctx context.Context) error {
		return d.api.SoftDeleteSession(ctx, id)
	})
}

func (d *Directory) Delete(ctx context.Context, id string) error {
	return d.transact(ctx, "delete", d.splice(id), func(ctx context.Context) error {
		return d.api.DeleteSession(ctx, id)
	})
}

// Touch records a sent message against the session. The count is an
// estimate until the next Load.
func (d *Directory) Touch(id, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.index(id)
	if i < 0 {
		return
	}
	d.sessions[i].LastMessage = preview(text)
	d.sessions[i].LastActivity = d.now()
	d.sessions[i].MessageCount++
}

// Search and Between query the backend without touching the local list.
func (d *Directory) Search(ctx context.Context, term string) ([]Session, error) {
	items, err := d.api.SearchSessions(ctx, strings.TrimSpace(term))
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	return sessionsFrom(items), nil
}

func (d *Directory) Between(ctx context.Context, start, end time.Time) ([]Session, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("range end %s is before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	items, err := d.api.SessionsBetween(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("list sessions in range: %w", err)
	}
	return sessionsFrom(items), nil
}

// transact applies a speculative change under the lock, confirms it with
// the backend and replays the returned undo when confirmation fails.
func (d *Directory) transact(ctx context.Context, op string, apply func() (func(), error), confirm func(context.Context) error) error {
	d.mu.Lock()
	undo, err := apply()
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if err := confirm(ctx); err != nil {
		d.mu.Lock()
		undo()
		d.mu.Unlock()
		d.metrics.RollbacksTotal.Inc()
		d.logger.Warn().Err(err).Str("op", op).Msg("session change rolled back")
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (d *Directory) splice(id string) func() (func(), error) {
	return func() (func(), error) {
		i := d.index(id)
		if i < 0 {
			return noop, nil
		}
		removed := d.sessions[i]
		d.sessions = append(d.sessions[:i], d.sessions[i+1:]...)
		return func() {
			if d.index(id) >= 0 {
				return
			}
			at := min(i, len(d.sessions))
			d.sessions = append(d.sessions, Session{})
			copy(d.sessions[at+1:], d.sessions[at:])
			d.sessions[at] = removed
		}, nil
	}
}

func (d *Directory) prepend(s Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i := d.index(s.ID); i >= 0 {
		d.sessions = append(d.sessions[:i], d.sessions[i+1:]...)
	}
	d.sessions = append([]Session{s}, d.sessions...)
}

// index must be called with mu held.
func (d *Directory) index(id string) int {
	for i := range d.sessions {
		if d.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func noop() {}

func sessionsFrom(items []api.ChatSessionListItem) []Session {
	out := make([]Session, 0, len(items))
	for _, it := range items {
		out = append(out, sessionFromItem(it))
	}
	return out
}
