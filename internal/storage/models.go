package storage

import "time"

// CredentialRow is the persisted access credential of one profile. The
// token is a sealed envelope.
type CredentialRow struct {
	Profile     string
	AccessToken string
	ExpiresAt   time.Time
	UserJSON    string
	RememberMe  bool
	UpdatedAt   time.Time
}

// Binding links a Telegram chat to a chatdesk profile and the session the
// chat is currently talking to.
type Binding struct {
	ChatID          int64
	Profile         string
	ActiveSessionID string
	Model           string
	UpdatedAt       time.Time
}

type AuditEntry struct {
	Profile  string
	Action   string
	MetaJSON string
}

type AuditRecord struct {
	ID        int64
	Profile   string
	Action    string
	MetaJSON  string
	CreatedAt time.Time
}
