package chat

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatdesk/internal/api"
	"chatdesk/internal/metrics"
)

// MessageAPI is the part of the REST client a conversation needs.
type MessageAPI interface {
	SendMessage(ctx context.Context, req api.SendMessageRequest) (api.SendMessageResult, error)
	SessionMessages(ctx context.Context, sessionID string, q api.MessageQuery) (api.Paginated[api.ChatMessageDto], error)
	DeleteMessage(ctx context.Context, id string) error
	DeleteMessages(ctx context.Context, ids []string) error
	DeleteSessionMessages(ctx context.Context, sessionID string) error
	CountSessionMessages(ctx context.Context, sessionID string) (int, error)
	SessionMessageStats(ctx context.Context, sessionID string) (api.MessageStats, error)
	SearchSessionMessages(ctx context.Context, sessionID, term string) ([]api.ChatMessageDto, error)
	SessionMessagesBySender(ctx context.Context, sessionID string, sender api.SenderType) ([]api.ChatMessageDto, error)
	GetMessage(ctx context.Context, id string) (api.ChatMessageDto, error)
}

// DefaultPollDelays is the wait before each poll for an assistant reply.
var DefaultPollDelays = []time.Duration{
	time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second,
}

type ConversationConfig struct {
	API       MessageAPI
	SessionID string
	PageSize  int
	// PollDelays holds one entry per poll attempt.
	PollDelays []time.Duration
	// TolerableErrors is how many leading poll attempts may fail without
	// ending the poll. Negative means 2.
	TolerableErrors int
	Flight          Flight
	// Directory, when set, is touched after every send.
	Directory *Directory
	Sleep     func(ctx context.Context, d time.Duration) error
	Now       func() time.Time
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Conversation holds the ordered messages of one session and runs the
// send/poll cycle against it.
type Conversation struct {
	api       MessageAPI
	sessionID string
	pageSize  int
	delays    []time.Duration
	tolerable int
	flight    Flight
	directory *Directory
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	messages []Message
	page     int
	total    int
}

func NewConversation(cfg ConversationConfig) *Conversation {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if len(cfg.PollDelays) == 0 {
		cfg.PollDelays = DefaultPollDelays
	}
	if cfg.TolerableErrors < 0 {
		cfg.TolerableErrors = 2
	}
	if cfg.Flight == nil {
		cfg.Flight = NewLocalFlight()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Conversation{
		api:       cfg.API,
		sessionID: cfg.SessionID,
		pageSize:  cfg.PageSize,
		delays:    append([]time.Duration(nil), cfg.PollDelays...),
		tolerable: cfg.TolerableErrors,
		flight:    cfg.Flight,
		directory: cfg.Directory,
		sleep:     cfg.Sleep,
		now:       cfg.Now,
		logger:    cfg.Logger.With().Str("session_id", cfg.SessionID).Logger(),
		metrics:   cfg.Metrics,
	}
}

func (c *Conversation) SessionID() string {
	return c.sessionID
}

// Messages returns a copy of the ordered message list.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// HasMore reports whether older pages remain on the server.
func (c *Conversation) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page*c.pageSize < c.total
}

func (c *Conversation) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// LoadPage fetches one page. Page 1 replaces the list; later pages are
// merged into it.
func (c *Conversation) LoadPage(ctx context.Context, page int) error {
	if page < 1 {
		page = 1
	}
	resp, err := c.api.SessionMessages(ctx, c.sessionID, api.MessageQuery{PageNumber: page, PageSize: c.pageSize})
	if err != nil {
		return fmt.Errorf("load messages page %d: %w", page, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	incoming := messagesFromDTOs(resp.Items)
	c.mu.Lock()
	defer c.mu.Unlock()
	if page == 1 {
		c.messages = merge(nil, incoming)
	} else {
		c.messages = merge(c.messages, incoming)
	}
	c.page = page
	c.total = max(resp.TotalCount, c.confirmedLocked())
	return nil
}

// LoadOlder fetches the next page when one remains and reports whether it
// did.
func (c *Conversation) LoadOlder(ctx context.Context) (bool, error) {
	c.mu.Lock()
	next := c.page + 1
	more := c.page*c.pageSize < c.total
	c.mu.Unlock()
	if !more {
		return false, nil
	}
	if err := c.LoadPage(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// Send appends a provisional copy of the message and returns before any
// network I/O. The text is sent as given; blank text without images is
// refused. The exchange completes when the reply arrives, the fallback is
// appended, the send fails or ctx ends.
func (c *Conversation) Send(ctx context.Context, text string, images []string) (*Exchange, error) {
	var imgs []string
	for _, img := range images {
		if strings.TrimSpace(img) != "" {
			imgs = append(imgs, img)
		}
	}
	if strings.TrimSpace(text) == "" && len(imgs) == 0 {
		return nil, ErrEmptyMessage
	}

	release, ok, err := c.flight.Acquire(ctx, c.sessionID)
	if err != nil {
		return nil, fmt.Errorf("acquire send slot: %w", err)
	}
	if !ok {
		return nil, ErrSendInFlight
	}

	msg := NewMessage(RoleUser, c.sessionID, text, c.now())
	msg.Images = imgs
	msg.Provisional = true

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	if c.directory != nil {
		c.directory.Touch(c.sessionID, text)
	}
	c.metrics.MessagesSent.Inc()

	ex := newExchange(msg)
	go func() {
		defer release()
		c.run(ctx, ex)
	}()
	return ex, nil
}

func (c *Conversation) run(ctx context.Context, ex *Exchange) {
	res, err := c.api.SendMessage(ctx, api.SendMessageRequest{
		SessionID:    c.sessionID,
		Message:      ex.Provisional.Content,
		Base64Images: ex.Provisional.Images,
	})
	if ctx.Err() != nil {
		ex.finish(Message{}, ctx.Err())
		return
	}
	if err != nil {
		c.mu.Lock()
		c.removeLocked(ex.Provisional.ID)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("send failed, provisional message withdrawn")
		ex.finish(Message{}, fmt.Errorf("send message: %w", err))
		return
	}

	c.mu.Lock()
	baseline := max(c.total, c.confirmedLocked()) + 1
	if res.UserMessage != nil {
		c.replaceLocked(ex.Provisional.ID, messageFromDTO(*res.UserMessage))
	}
	c.total = baseline
	if res.Complete() {
		reply := messageFromDTO(*res.AssistantMessage)
		c.messages = merge(c.messages, []Message{reply})
		c.total++
		c.mu.Unlock()
		ex.finish(reply, nil)
		return
	}
	c.mu.Unlock()

	c.poll(ctx, ex, baseline)
}

// poll waits for a new assistant message. A count above baseline without
// one (a system notice, say) moves the baseline and polling goes on.
func (c *Conversation) poll(ctx context.Context, ex *Exchange, baseline int) {
	for attempt, delay := range c.delays {
		if err := c.sleep(ctx, delay); err != nil {
			ex.finish(Message{}, err)
			return
		}
		c.metrics.PollAttempts.Inc()

		page, err := c.api.SessionMessages(api.WithoutRetry(ctx), c.sessionID, api.MessageQuery{PageNumber: 1, PageSize: c.pageSize})
		if ctx.Err() != nil {
			ex.finish(Message{}, ctx.Err())
			return
		}
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt+1).Msg("poll failed")
			if attempt < c.tolerable {
				continue
			}
			break
		}
		if page.Count() > baseline {
			if reply, ok := c.absorb(page); ok {
				ex.finish(reply, nil)
				return
			}
			c.logger.Debug().Int("count", page.Count()).Msg("count grew without an assistant reply")
			baseline = page.Count()
		}
	}

	fallback := NewMessage(RoleAssistant, c.sessionID, FallbackReply, c.now())
	fallback.Synthesized = true
	c.mu.Lock()
	c.messages = append(c.messages, fallback)
	c.mu.Unlock()
	c.metrics.ReplyFallbacks.Inc()
	c.logger.Info().Int("attempts", len(c.delays)).Msg("no assistant reply, fallback shown")
	ex.finish(fallback, nil)
}

// absorb merges the first page into the list and returns the newest
// assistant message it introduced, if any.
func (c *Conversation) absorb(page api.Paginated[api.ChatMessageDto]) (Message, bool) {
	incoming := messagesFromDTOs(page.Items)

	c.mu.Lock()
	defer c.mu.Unlock()
	known := make(map[string]struct{}, len(c.messages))
	for _, m := range c.messages {
		known[m.ID] = struct{}{}
	}
	c.messages = merge(c.messages, incoming)
	c.total = max(page.Count(), c.total)
	if c.page == 0 {
		c.page = 1
	}

	var reply Message
	for _, m := range incoming {
		if _, seen := known[m.ID]; seen || m.Role() != RoleAssistant {
			continue
		}
		if reply.ID == "" || !m.CreatedAt.Before(reply.CreatedAt) {
			reply = m
		}
	}
	return reply, reply.ID != ""
}

// Delete removes a message locally first and restores it if the backend
// refuses. Local-only messages never reach the backend.
func (c *Conversation) Delete(ctx context.Context, id string) error {
	return c.DeleteBulk(ctx, []string{id})
}

func (c *Conversation) DeleteBulk(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	c.mu.Lock()
	before := append([]Message(nil), c.messages...)
	kept := c.messages[:0:0]
	var remote []string
	for _, m := range c.messages {
		if _, ok := want[m.ID]; !ok {
			kept = append(kept, m)
			continue
		}
		if !m.Local() {
			remote = append(remote, m.ID)
		}
	}
	c.messages = kept
	c.mu.Unlock()

	if len(remote) == 0 {
		return nil
	}
	var err error
	if len(remote) == 1 {
		err = c.api.DeleteMessage(ctx, remote[0])
	} else {
		err = c.api.DeleteMessages(ctx, remote)
	}
	if err != nil {
		c.restore(before, want)
		return fmt.Errorf("delete messages: %w", err)
	}

	c.mu.Lock()
	c.total = max(c.total-len(remote), 0)
	c.mu.Unlock()
	return nil
}

// Clear deletes every message of the session.
func (c *Conversation) Clear(ctx context.Context) error {
	c.mu.Lock()
	before := c.messages
	total := c.total
	c.messages = nil
	c.total = 0
	c.mu.Unlock()

	if err := c.api.DeleteSessionMessages(ctx, c.sessionID); err != nil {
		c.mu.Lock()
		if len(c.messages) == 0 {
			c.messages = before
			c.total = total
		}
		c.mu.Unlock()
		c.metrics.RollbacksTotal.Inc()
		return fmt.Errorf("clear session messages: %w", err)
	}
	return nil
}

func (c *Conversation) Count(ctx context.Context) (int, error) {
	n, err := c.api.CountSessionMessages(ctx, c.sessionID)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (c *Conversation) Stats(ctx context.Context) (api.MessageStats, error) {
	st, err := c.api.SessionMessageStats(ctx, c.sessionID)
	if err != nil {
		return api.MessageStats{}, fmt.Errorf("message stats: %w", err)
	}
	return st, nil
}

func (c *Conversation) Search(ctx context.Context, term string) ([]Message, error) {
	found, err := c.api.SearchSessionMessages(ctx, c.sessionID, strings.TrimSpace(term))
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return merge(nil, messagesFromDTOs(found)), nil
}

// BySender returns every active message of the session sent by role.
func (c *Conversation) BySender(ctx context.Context, role Role) ([]Message, error) {
	found, err := c.api.SessionMessagesBySender(ctx, c.sessionID, senderFromRole(role))
	if err != nil {
		return nil, fmt.Errorf("list %s messages: %w", role, err)
	}
	return merge(nil, messagesFromDTOs(found)), nil
}

// Message fetches one message from the backend. A message of another
// session reads as not found.
func (c *Conversation) Message(ctx context.Context, id string) (Message, error) {
	d, err := c.api.GetMessage(ctx, id)
	if err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	if d.SessionID != c.sessionID {
		return Message{}, fmt.Errorf("get message %s: %w", id, api.ErrNotFound)
	}
	return messageFromDTO(d), nil
}

// restore puts back the messages named in ids that are still missing.
func (c *Conversation) restore(before []Message, ids map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	present := make(map[string]struct{}, len(c.messages))
	for _, m := range c.messages {
		present[m.ID] = struct{}{}
	}
	var back []Message
	for _, m := range before {
		_, wanted := ids[m.ID]
		_, there := present[m.ID]
		if wanted && !there {
			back = append(back, m)
		}
	}
	c.messages = merge(c.messages, back)
	c.metrics.RollbacksTotal.Inc()
}

func (c *Conversation) removeLocked(id string) {
	c.messages = slices.DeleteFunc(c.messages, func(m Message) bool { return m.ID == id })
}

func (c *Conversation) replaceLocked(id string, m Message) {
	c.removeLocked(id)
	c.messages = merge(c.messages, []Message{m})
}

func (c *Conversation) confirmedLocked() int {
	n := 0
	for _, m := range c.messages {
		if !m.Local() {
			n++
		}
	}
	return n
}

// merge folds incoming into current: entries are keyed by ID with the
// incoming copy winning, a provisional message is dropped once a newly
// arrived user message with the same content confirms it, and the result
// is ordered by creation time with users before assistants on ties.
func merge(current, incoming []Message) []Message {
	out := make([]Message, 0, len(current)+len(incoming))
	index := make(map[string]int, len(current)+len(incoming))
	for _, m := range current {
		index[m.ID] = len(out)
		out = append(out, m)
	}

	confirming := map[string]int{}
	for _, m := range incoming {
		if i, ok := index[m.ID]; ok {
			out[i] = m
			continue
		}
		index[m.ID] = len(out)
		out = append(out, m)
		if m.Role() == RoleUser && !m.Local() {
			confirming[m.Content]++
		}
	}

	if len(confirming) > 0 {
		out = slices.DeleteFunc(out, func(m Message) bool {
			if !m.Provisional || confirming[m.Content] == 0 {
				return false
			}
			confirming[m.Content]--
			return true
		})
	}

	slices.SortStableFunc(out, func(a, b Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Role().rank(), b.Role().rank())
	})
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
