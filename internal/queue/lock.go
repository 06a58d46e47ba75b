package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// SessionLock admits one send/poll cycle per chat session across every
// worker sharing the Redis instance. The TTL bounds how long a crashed
// holder blocks the session.
type SessionLock struct {
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewSessionLock(rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) *SessionLock {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &SessionLock{redis: rdb, ttl: ttl, logger: logger}
}

func (l *SessionLock) Acquire(ctx context.Context, sessionID string) (func(), bool, error) {
	key := keyPrefix + "send:" + sessionID
	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("session lock setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(ctx, l.redis, []string{key}, token).Err(); err != nil {
			l.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to release session lock")
		}
	}, true, nil
}
