package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript counts one send in KEYS[1] and returns the new count. The key
// lives until the end of its window (ARGV[1] milliseconds).
var takeScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Usage is the state of one member's hourly send window.
type Usage struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// Remaining is how many sends are left in the window; zero when unlimited.
func (u Usage) Remaining() int64 {
	if u.Limit <= 0 || u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

// SendQuota caps how many chat messages a Telegram member may queue for
// the backend per clock hour. Commands are not counted.
type SendQuota struct {
	redis   *redis.Client
	perHour int64
}

// NewSendQuota returns a quota of perHour sends; zero or less disables it.
func NewSendQuota(rdb *redis.Client, perHour int64) *SendQuota {
	return &SendQuota{redis: rdb, perHour: perHour}
}

// Take counts one send for the member and reports whether it fits.
func (q *SendQuota) Take(ctx context.Context, chatID, userID int64, now time.Time) (Usage, error) {
	start := now.UTC().Truncate(time.Hour)
	u := Usage{Allowed: true, Limit: q.perHour, ResetAt: start.Add(time.Hour)}
	if q.perHour <= 0 {
		return u, nil
	}

	ttl := max(u.ResetAt.Sub(now.UTC()).Milliseconds(), 1)
	key := fmt.Sprintf("%squota:%d:%d:%s", keyPrefix, chatID, userID, start.Format("2006010215"))
	n, err := takeScript.Run(ctx, q.redis, []string{key}, ttl).Int64()
	if err != nil {
		return Usage{}, fmt.Errorf("take send quota: %w", err)
	}
	u.Used = n
	u.Allowed = n <= q.perHour
	return u, nil
}
