package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stepLoginUser     = "login_user"
	stepLoginPassword = "login_password"
	stepRename        = "rename"
)

// wizardState is the pending multi-message input of one chat.
type wizardState struct {
	Step      string `json:"step"`
	UserName  string `json:"user_name,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type wizardStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newWizardStore(rdb *redis.Client, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, ttl: ttl}
}

func (w *wizardStore) key(chatID int64) string {
	return fmt.Sprintf("chatdesk:wizard:%d", chatID)
}

func (w *wizardStore) Set(ctx context.Context, chatID int64, state wizardState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.key(chatID), string(b), w.ttl).Err()
}

func (w *wizardStore) Get(ctx context.Context, chatID int64) (*wizardState, error) {
	raw, err := w.redis.Get(ctx, w.key(chatID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state wizardState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) Clear(ctx context.Context, chatID int64) error {
	return w.redis.Del(ctx, w.key(chatID)).Err()
}
