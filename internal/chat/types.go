package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"chatdesk/internal/api"
)

var (
	ErrSendInFlight    = errors.New("a message is already being sent in this session")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrSessionNotFound = errors.New("session not found")
)

// FallbackReply is shown when no assistant reply arrives in time.
const FallbackReply = "Sorry, I can't reach the AI service right now. Please try again later."

const (
	previewLimit = 50
	localPrefix  = "local-"
)

type Role int

const (
	RoleUser Role = iota + 1
	RoleAssistant
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleSystem:
		return "system"
	}
	return "unknown"
}

// rank orders messages sharing a timestamp.
func (r Role) rank() int {
	switch r {
	case RoleUser:
		return 0
	case RoleAssistant:
		return 1
	}
	return 2
}

func roleFromSender(s api.SenderType) Role {
	switch s {
	case api.SenderUser:
		return RoleUser
	case api.SenderAssistant:
		return RoleAssistant
	}
	return RoleSystem
}

func senderFromRole(r Role) api.SenderType {
	switch r {
	case RoleUser:
		return api.SenderUser
	case RoleAssistant:
		return api.SenderAssistant
	}
	return api.SenderSystem
}

// ParseRole reads a role name as printed by Role.String.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	case "system":
		return RoleSystem, nil
	}
	return 0, fmt.Errorf("unknown role %q, want user, assistant or system", s)
}

type Session struct {
	ID           string
	Title        string
	Model        string
	MessageCount int
	LastMessage  string
	LastActivity time.Time
	Deleted      bool
	CreatedAt    time.Time
}

func sessionFromItem(it api.ChatSessionListItem) Session {
	s := Session{
		ID:           it.ID,
		Title:        it.Title,
		Model:        it.ModelUsed,
		MessageCount: it.MessageCount,
		Deleted:      it.IsDeleted,
		CreatedAt:    it.CreatedDate.Time,
		LastActivity: it.LastMessageDate.Time,
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = it.UpdatedDate.Time
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.CreatedAt
	}
	return s
}

func sessionFromResponse(r api.ChatSessionResponse) Session {
	s := sessionFromItem(r.ListItem())
	if n := len(r.Messages); n > 0 {
		s.LastMessage = preview(r.Messages[n-1].Content)
	}
	return s
}

// Message is one entry of a conversation. Its role is fixed at
// construction.
type Message struct {
	ID           string
	SessionID    string
	Content      string
	Images       []string
	CreatedAt    time.Time
	Status       int
	Active       bool
	InputTokens  *int
	OutputTokens *int

	// Provisional marks the optimistic copy shown until the backend
	// confirms the send.
	Provisional bool
	// Synthesized marks the locally generated fallback reply.
	Synthesized bool

	role Role
}

func NewMessage(role Role, sessionID, content string, at time.Time) Message {
	return Message{
		ID:        localID(),
		SessionID: sessionID,
		Content:   content,
		CreatedAt: at,
		Active:    true,
		role:      role,
	}
}

func (m Message) Role() Role {
	return m.role
}

// Local reports whether the message exists only on this client.
func (m Message) Local() bool {
	return m.Provisional || m.Synthesized || strings.HasPrefix(m.ID, localPrefix)
}

func messageFromDTO(d api.ChatMessageDto) Message {
	m := Message{
		ID:           d.ID,
		SessionID:    d.SessionID,
		Content:      d.Content,
		CreatedAt:    d.Timestamp(),
		Status:       d.MessageStatus,
		Active:       d.IsActive,
		InputTokens:  d.InputToken,
		OutputTokens: d.OutputToken,
		role:         roleFromSender(d.SenderType),
	}
	for _, src := range [][]string{d.ImageURL, d.Base64Images} {
		for _, img := range src {
			if strings.TrimSpace(img) != "" {
				m.Images = append(m.Images, img)
			}
		}
	}
	return m
}

func messagesFromDTOs(in []api.ChatMessageDto) []Message {
	out := make([]Message, 0, len(in))
	for _, d := range in {
		out = append(out, messageFromDTO(d))
	}
	return out
}

func localID() string {
	return localPrefix + uuid.NewString()
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= previewLimit {
		return text
	}
	r := []rune(text)
	return string(r[:previewLimit]) + "..."
}
