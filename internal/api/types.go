package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SenderType is the numeric role code the backend uses for messages.
type SenderType int

const (
	SenderNone      SenderType = 0
	SenderUser      SenderType = 1
	SenderAssistant SenderType = 2
	SenderSystem    SenderType = 3
)

func (s SenderType) String() string {
	switch s {
	case SenderUser:
		return "user"
	case SenderAssistant:
		return "assistant"
	case SenderSystem:
		return "system"
	default:
		return "none"
	}
}

// Time accepts the backend's timestamps, which may omit the zone
// designator; zoneless values are read as UTC.
type Time struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (t *Time) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func NewTime(v time.Time) Time {
	return Time{Time: v.UTC()}
}

type User struct {
	ID                     string   `json:"id"`
	FirstName              string   `json:"firstName"`
	LastName               string   `json:"lastName"`
	UserName               string   `json:"userName"`
	Email                  string   `json:"email"`
	PhoneNumber            string   `json:"phoneNumber,omitempty"`
	Address                string   `json:"address,omitempty"`
	City                   string   `json:"city,omitempty"`
	Region                 string   `json:"region,omitempty"`
	Country                string   `json:"country,omitempty"`
	PostalCode             string   `json:"postalCode,omitempty"`
	IsEmailConfirmed       bool     `json:"isEmailConfirmed"`
	IsPhoneNumberConfirmed bool     `json:"isPhoneNumberConfirmed"`
	CreatedDate            Time     `json:"createdDate"`
	Roles                  []string `json:"roles"`
}

type LoginRequest struct {
	EmailOrUsername string `json:"EmailOrUsername"`
	Password        string `json:"password"`
	RememberMe      bool   `json:"rememberMe"`
}

type LoginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    Time   `json:"expiresAt"`
	TokenType    string `json:"tokenType"`
	User         User   `json:"user"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type RegisterRequest struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Address     string `json:"address,omitempty"`
	City        string `json:"city,omitempty"`
	Region      string `json:"region,omitempty"`
	Country     string `json:"country,omitempty"`
	PostalCode  string `json:"postalCode,omitempty"`
	UserName    string `json:"userName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	RoleName    string `json:"roleName,omitempty"`
}

type RegisterResponse struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
	Email    string `json:"email"`
	Message  string `json:"message,omitempty"`
}

type CreateSessionRequest struct {
	Title     string `json:"title"`
	ModelUsed string `json:"modelUsed"`
}

type UpdateSessionRequest struct {
	SessionID string `json:"sessionId"`
	NewTitle  string `json:"newTitle"`
	ModelUsed string `json:"modelUsed"`
}

type UpdateSessionModelRequest struct {
	SessionID string `json:"sessionId"`
	ModelUsed string `json:"modelUsed"`
}

type ChatSessionListItem struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	ModelUsed       string `json:"modelUsed"`
	Status          int    `json:"status"`
	IsDeleted       bool   `json:"isDeleted"`
	CreatedDate     Time   `json:"createdDate"`
	UpdatedDate     Time   `json:"updatedDate"`
	MessageCount    int    `json:"messageCount"`
	LastMessageDate Time   `json:"lastMessageDate"`
}

type ChatSessionResponse struct {
	ID          string           `json:"id"`
	Title       string           `json:"title"`
	ModelUsed   string           `json:"modelUsed"`
	UserID      string           `json:"userId"`
	Status      int              `json:"status"`
	IsDeleted   bool             `json:"isDeleted"`
	CreatedDate Time             `json:"createdDate"`
	UpdatedDate Time             `json:"updatedDate"`
	DeleteDate  Time             `json:"deleteDate"`
	Messages    []ChatMessageDto `json:"messages"`
}

// ListItem collapses a full session response to its directory entry.
func (s ChatSessionResponse) ListItem() ChatSessionListItem {
	item := ChatSessionListItem{
		ID:           s.ID,
		Title:        s.Title,
		ModelUsed:    s.ModelUsed,
		Status:       s.Status,
		IsDeleted:    s.IsDeleted,
		CreatedDate:  s.CreatedDate,
		UpdatedDate:  s.UpdatedDate,
		MessageCount: len(s.Messages),
	}
	for _, m := range s.Messages {
		if m.CreatedDate.After(item.LastMessageDate.Time) {
			item.LastMessageDate = m.CreatedDate
		}
	}
	return item
}

type SendMessageRequest struct {
	SessionID    string   `json:"sessionId"`
	Message      string   `json:"message"`
	Base64Images []string `json:"base64Images"`
}

type ChatMessageDto struct {
	ID              string     `json:"id"`
	SessionID       string     `json:"sessionId"`
	UserID          string     `json:"userId"`
	Content         string     `json:"content"`
	ImageURL        []string   `json:"imageUrl,omitempty"`
	Base64Images    []string   `json:"base64Images,omitempty"`
	HasImage        bool       `json:"hasImage"`
	SenderType      SenderType `json:"senderType"`
	MessageStatus   int        `json:"messageStatus"`
	InputToken      *int       `json:"inputToken"`
	OutputToken     *int       `json:"outputToken"`
	SentAt          Time       `json:"sentAt"`
	CreatedDate     Time       `json:"createdDate"`
	UpdatedDate     Time       `json:"updatedDate"`
	DeleteDate      Time       `json:"deleteDate"`
	UpdatedByUserID *string    `json:"updatedByUserId"`
	IsActive        bool       `json:"isActive"`
}

// Timestamp is the creation instant used for ordering, falling back to
// the send instant when the backend leaves createdDate empty.
func (m ChatMessageDto) Timestamp() time.Time {
	if !m.CreatedDate.IsZero() {
		return m.CreatedDate.Time
	}
	return m.SentAt.Time
}

// SendMessageResult is what POST /ChatMessage/send yields. Depending on the
// backend build the body is either the persisted user message alone or an
// envelope carrying the user message and, when already generated, the
// assistant reply.
type SendMessageResult struct {
	UserMessage      *ChatMessageDto
	AssistantMessage *ChatMessageDto
}

func (r *SendMessageResult) UnmarshalJSON(b []byte) error {
	var envelope struct {
		UserMessage      *ChatMessageDto `json:"userMessage"`
		AssistantMessage *ChatMessageDto `json:"assistantMessage"`
	}
	if err := json.Unmarshal(b, &envelope); err != nil {
		return err
	}
	if envelope.UserMessage != nil || envelope.AssistantMessage != nil {
		r.UserMessage = envelope.UserMessage
		r.AssistantMessage = envelope.AssistantMessage
		return nil
	}

	var bare ChatMessageDto
	if err := json.Unmarshal(b, &bare); err != nil {
		return err
	}
	if bare.ID == "" && bare.Content == "" {
		return nil
	}
	if bare.SenderType == SenderAssistant {
		r.AssistantMessage = &bare
		return nil
	}
	r.UserMessage = &bare
	return nil
}

func (r SendMessageResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		UserMessage      *ChatMessageDto `json:"userMessage,omitempty"`
		AssistantMessage *ChatMessageDto `json:"assistantMessage,omitempty"`
	}{r.UserMessage, r.AssistantMessage})
}

// Complete reports whether the reply arrived together with the send.
func (r SendMessageResult) Complete() bool {
	return r.UserMessage != nil && r.AssistantMessage != nil
}

type Paginated[T any] struct {
	TotalCount      int  `json:"totalCount"`
	TotalPages      int  `json:"totalPages"`
	CurrentPage     int  `json:"currentPage"`
	PageSize        int  `json:"pageSize"`
	HasPreviousPage bool `json:"hasPreviousPage"`
	HasNextPage     bool `json:"hasNextPage"`
	Items           []T  `json:"items"`
}

// Count is the best available total: the server's totalCount, or the
// number of items when the server omits it.
func (p Paginated[T]) Count() int {
	if p.TotalCount > 0 {
		return p.TotalCount
	}
	return len(p.Items)
}

type MessageQuery struct {
	PageNumber     int
	PageSize       int
	StartDate      time.Time
	EndDate        time.Time
	IncludeDeleted bool
}

type BulkDeleteRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type MessageCount struct {
	SessionID string `json:"sessionId"`
	Count     int    `json:"count"`
}

type MessageStats struct {
	TotalMessages     int `json:"totalMessages"`
	UserMessages      int `json:"userMessages"`
	AssistantMessages int `json:"assistantMessages"`
	TotalInputTokens  int `json:"totalInputTokens"`
	TotalOutputTokens int `json:"totalOutputTokens"`
	ImageMessages     int `json:"imageMessages"`
}

type PlanResponse struct {
	ID                       string           `json:"id"`
	Name                     string           `json:"name"`
	Description              string           `json:"description"`
	Duration                 int              `json:"duration"`
	Price                    decimal.Decimal  `json:"price"`
	DiscountRate             *decimal.Decimal `json:"discountRate"`
	IsActive                 bool             `json:"isActive"`
	DisplayOrder             int              `json:"displayOrder"`
	ColorCode                string           `json:"colorCode"`
	ValidFrom                Time             `json:"validFrom"`
	ValidTo                  Time             `json:"validTo"`
	Models                   json.RawMessage  `json:"models"`
	AllowedUsageTypes        string           `json:"allowedUsageTypes"`
	WeeklyInputTokenLimit    int64            `json:"weeklyInputTokenLimit"`
	WeeklyOutputTokenLimit   int64            `json:"weeklyOutputTokenLimit"`
	WeeklyImageLimit         int64            `json:"weeklyImageLimit"`
	WeeklyAudioMinutesLimit  int64            `json:"weeklyAudioMinutesLimit"`
	MonthlyInputTokenLimit   int64            `json:"monthlyInputTokenLimit"`
	MonthlyOutputTokenLimit  int64            `json:"monthlyOutputTokenLimit"`
	MonthlyImageLimit        int64            `json:"monthlyImageLimit"`
	MonthlyAudioMinutesLimit int64            `json:"monthlyAudioMinutesLimit"`
	YearlyInputTokenLimit    int64            `json:"yearlyInputTokenLimit"`
	YearlyOutputTokenLimit   int64            `json:"yearlyOutputTokenLimit"`
	YearlyImageLimit         int64            `json:"yearlyImageLimit"`
	YearlyAudioMinutesLimit  int64            `json:"yearlyAudioMinutesLimit"`
	InputTokenFee            decimal.Decimal  `json:"inputTokenFee"`
	OutputTokenFee           decimal.Decimal  `json:"outputTokenFee"`
	ImageFee                 decimal.Decimal  `json:"imageFee"`
	AudioTTSFee              decimal.Decimal  `json:"audioTTSFee"`
	AudioTranscriptFee       decimal.Decimal  `json:"audioTranscriptFee"`
	CreatedDate              Time             `json:"createdDate"`
}

// PlanModelsResponse carries the models the user's plan allows, encoded
// by the backend as a JSON array inside a string.
type PlanModelsResponse struct {
	Models string `json:"models"`
}
