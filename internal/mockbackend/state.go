package mockbackend

import (
	"cmp"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatdesk/internal/api"
)

var (
	errNotFound     = errors.New("not found")
	errDuplicate    = errors.New("user already exists")
	errInvalidLogin = errors.New("invalid username or password")
)

type account struct {
	user     api.User
	password string
	models   []string
}

type session struct {
	owner string
	data  api.ChatSessionResponse
}

// state is the in-memory backend data set. Messages are kept per session
// in insertion order.
type state struct {
	mu       sync.Mutex
	accounts map[string]*account
	refresh  map[string]string
	sessions map[string]*session
	messages map[string][]api.ChatMessageDto
	plans    []api.PlanResponse
}

func newState() *state {
	return &state{
		accounts: map[string]*account{},
		refresh:  map[string]string{},
		sessions: map[string]*session{},
		messages: map[string][]api.ChatMessageDto{},
	}
}

func (st *state) hasUser(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.accounts[id]
	return ok
}

func (st *state) addAccount(req api.RegisterRequest, models []string, now time.Time) (api.User, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, a := range st.accounts {
		if strings.EqualFold(a.user.UserName, req.UserName) || strings.EqualFold(a.user.Email, req.Email) {
			return api.User{}, errDuplicate
		}
	}
	role := req.RoleName
	if role == "" {
		role = "User"
	}
	u := api.User{
		ID:          uuid.NewString(),
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		UserName:    req.UserName,
		Email:       req.Email,
		PhoneNumber: req.PhoneNumber,
		Address:     req.Address,
		City:        req.City,
		Region:      req.Region,
		Country:     req.Country,
		PostalCode:  req.PostalCode,
		CreatedDate: api.NewTime(now),
		Roles:       []string{role},
	}
	st.accounts[u.ID] = &account{user: u, password: req.Password, models: models}
	return u, nil
}

func (st *state) authenticate(login, password string) (api.User, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, a := range st.accounts {
		if strings.EqualFold(a.user.UserName, login) || strings.EqualFold(a.user.Email, login) {
			if a.password != password {
				return api.User{}, errInvalidLogin
			}
			return a.user, nil
		}
	}
	return api.User{}, errInvalidLogin
}

func (st *state) issueRefresh(userID string) string {
	st.mu.Lock()
	defer st.mu.Unlock()
	tok := uuid.NewString()
	st.refresh[tok] = userID
	return tok
}

// redeemRefresh consumes a refresh token; each token is good for one use.
func (st *state) redeemRefresh(tok string) (api.User, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	userID, ok := st.refresh[tok]
	if !ok {
		return api.User{}, errNotFound
	}
	delete(st.refresh, tok)
	a, ok := st.accounts[userID]
	if !ok {
		return api.User{}, errNotFound
	}
	return a.user, nil
}

func (st *state) modelsOf(userID string) []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	if a, ok := st.accounts[userID]; ok {
		return slices.Clone(a.models)
	}
	return nil
}

// ownedSession must be called with mu held.
func (st *state) ownedSession(owner, id string) (*session, bool) {
	s, ok := st.sessions[id]
	if !ok || s.owner != owner {
		return nil, false
	}
	return s, true
}

func (st *state) listItem(s *session) api.ChatSessionListItem {
	item := api.ChatSessionListItem{
		ID:          s.data.ID,
		Title:       s.data.Title,
		ModelUsed:   s.data.ModelUsed,
		Status:      s.data.Status,
		IsDeleted:   s.data.IsDeleted,
		CreatedDate: s.data.CreatedDate,
		UpdatedDate: s.data.UpdatedDate,
	}
	for _, m := range st.messages[s.data.ID] {
		if !m.IsActive {
			continue
		}
		item.MessageCount++
		if m.CreatedDate.After(item.LastMessageDate.Time) {
			item.LastMessageDate = m.CreatedDate
		}
	}
	return item
}

func lastActivity(item api.ChatSessionListItem) time.Time {
	if item.LastMessageDate.After(item.CreatedDate.Time) {
		return item.LastMessageDate.Time
	}
	return item.CreatedDate.Time
}

// sessions lists the owner's sessions, most recently active first.
func (st *state) sessionsOf(owner string, keep func(api.ChatSessionListItem) bool) []api.ChatSessionListItem {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := []api.ChatSessionListItem{}
	for _, s := range st.sessions {
		if s.owner != owner || s.data.IsDeleted {
			continue
		}
		item := st.listItem(s)
		if keep == nil || keep(item) {
			out = append(out, item)
		}
	}
	slices.SortFunc(out, func(a, b api.ChatSessionListItem) int {
		if c := lastActivity(b).Compare(lastActivity(a)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (st *state) sessionResponse(s *session) api.ChatSessionResponse {
	resp := s.data
	resp.Messages = []api.ChatMessageDto{}
	for _, m := range st.messages[s.data.ID] {
		if m.IsActive {
			resp.Messages = append(resp.Messages, m)
		}
	}
	return resp
}

func (st *state) createSession(owner, title, model string, now time.Time) api.ChatSessionResponse {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := &session{owner: owner, data: api.ChatSessionResponse{
		ID:          uuid.NewString(),
		Title:       title,
		ModelUsed:   model,
		UserID:      owner,
		Status:      1,
		CreatedDate: api.NewTime(now),
		UpdatedDate: api.NewTime(now),
	}}
	st.sessions[s.data.ID] = s
	return st.sessionResponse(s)
}

func (st *state) getSession(owner, id string) (api.ChatSessionResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.ownedSession(owner, id)
	if !ok || s.data.IsDeleted {
		return api.ChatSessionResponse{}, errNotFound
	}
	return st.sessionResponse(s), nil
}

func (st *state) updateSession(owner, id string, now time.Time, apply func(*api.ChatSessionResponse)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.ownedSession(owner, id)
	if !ok || s.data.IsDeleted {
		return errNotFound
	}
	apply(&s.data)
	s.data.UpdatedDate = api.NewTime(now)
	return nil
}

func (st *state) deleteSession(owner, id string, soft bool, now time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.ownedSession(owner, id)
	if !ok || s.data.IsDeleted {
		return errNotFound
	}
	if soft {
		s.data.IsDeleted = true
		s.data.DeleteDate = api.NewTime(now)
		return nil
	}
	delete(st.sessions, id)
	delete(st.messages, id)
	return nil
}

func (st *state) cloneSession(owner, id string, now time.Time) (api.ChatSessionResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	src, ok := st.ownedSession(owner, id)
	if !ok || src.data.IsDeleted {
		return api.ChatSessionResponse{}, errNotFound
	}
	dst := &session{owner: owner, data: src.data}
	dst.data.ID = uuid.NewString()
	dst.data.Title = src.data.Title + " (copy)"
	dst.data.CreatedDate = api.NewTime(now)
	dst.data.UpdatedDate = api.NewTime(now)
	st.sessions[dst.data.ID] = dst
	for _, m := range st.messages[id] {
		if !m.IsActive {
			continue
		}
		m.ID = uuid.NewString()
		m.SessionID = dst.data.ID
		st.messages[dst.data.ID] = append(st.messages[dst.data.ID], m)
	}
	return st.sessionResponse(dst), nil
}

func (st *state) appendMessage(owner string, m api.ChatMessageDto) (api.ChatMessageDto, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.ownedSession(owner, m.SessionID)
	if !ok || s.data.IsDeleted {
		return api.ChatMessageDto{}, errNotFound
	}
	m.ID = uuid.NewString()
	m.UserID = owner
	m.IsActive = true
	st.messages[m.SessionID] = append(st.messages[m.SessionID], m)
	return m, nil
}

// sessionMessages returns the messages matching keep, newest first.
func (st *state) sessionMessages(owner, id string, keep func(api.ChatMessageDto) bool) ([]api.ChatMessageDto, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.ownedSession(owner, id); !ok || s.data.IsDeleted {
		return nil, errNotFound
	}
	out := []api.ChatMessageDto{}
	all := st.messages[id]
	for i := len(all) - 1; i >= 0; i-- {
		if keep == nil || keep(all[i]) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (st *state) findMessage(owner, id string) (string, int, bool) {
	for sid, msgs := range st.messages {
		s, ok := st.sessions[sid]
		if !ok || s.owner != owner {
			continue
		}
		for i, m := range msgs {
			if m.ID == id && m.IsActive {
				return sid, i, true
			}
		}
	}
	return "", 0, false
}

func (st *state) getMessage(owner, id string) (api.ChatMessageDto, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sid, i, ok := st.findMessage(owner, id)
	if !ok {
		return api.ChatMessageDto{}, errNotFound
	}
	return st.messages[sid][i], nil
}

// deleteMessages soft deletes every listed message. Unknown ids fail the
// whole call before anything changes.
func (st *state) deleteMessages(owner string, ids []string, now time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	type loc struct {
		sid string
		i   int
	}
	locs := make([]loc, 0, len(ids))
	for _, id := range ids {
		sid, i, ok := st.findMessage(owner, id)
		if !ok {
			return errNotFound
		}
		locs = append(locs, loc{sid, i})
	}
	for _, l := range locs {
		m := &st.messages[l.sid][l.i]
		m.IsActive = false
		m.DeleteDate = api.NewTime(now)
	}
	return nil
}

func (st *state) clearSession(owner, id string, now time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.ownedSession(owner, id); !ok || s.data.IsDeleted {
		return errNotFound
	}
	for i := range st.messages[id] {
		m := &st.messages[id][i]
		if m.IsActive {
			m.IsActive = false
			m.DeleteDate = api.NewTime(now)
		}
	}
	return nil
}

func (st *state) activePlans(onlyActive bool) []api.PlanResponse {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := []api.PlanResponse{}
	for _, p := range st.plans {
		if !onlyActive || p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

func (st *state) plan(id string) (api.PlanResponse, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, p := range st.plans {
		if p.ID == id {
			return p, nil
		}
	}
	return api.PlanResponse{}, errNotFound
}
