package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "paystream:presence"

// RedisOptions configures a RedisCounter.
type RedisOptions struct {
	Addr      string
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	Window    time.Duration
	Client    redis.UniversalClient
	Clock     func() time.Time
}

// RedisCounter stores presence in one sorted set per session (member = token,
// score = last seen in unix milliseconds) plus an index set of session ids so
// Decay can find every key without SCAN. It lets several API processes share
// viewer counts.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
	now    func() time.Time
	owned  bool
}

// NewRedisCounter connects to Redis using opts.
func NewRedisCounter(opts RedisOptions) (*RedisCounter, error) {
	client := opts.Client
	owned := false
	if client == nil {
		addrs := opts.Addrs
		if len(addrs) == 0 && strings.TrimSpace(opts.Addr) != "" {
			addrs = []string{strings.TrimSpace(opts.Addr)}
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("redis address required")
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Username: opts.Username,
			Password: opts.Password,
			DB:       opts.DB,
		})
		owned = true
	}
	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	window := opts.Window
	if window <= 0 {
		window = Window
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &RedisCounter{client: client, prefix: prefix, window: window, now: now, owned: owned}, nil
}

// Close releases the client when the counter created it.
func (r *RedisCounter) Close() error {
	if r == nil || !r.owned {
		return nil
	}
	return r.client.Close()
}

func (r *RedisCounter) sessionKey(sessionID string) string {
	return r.prefix + ":" + sessionID
}

func (r *RedisCounter) indexKey() string {
	return r.prefix + ":sessions"
}

func (r *RedisCounter) score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Activity records token for sessionID.
func (r *RedisCounter) Activity(ctx context.Context, sessionID, token string) error {
	if sessionID == "" || token == "" {
		return nil
	}
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.sessionKey(sessionID), redis.Z{Score: r.score(r.now()), Member: token})
	pipe.SAdd(ctx, r.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record presence: %w", err)
	}
	return nil
}

// Current counts tokens seen within the window.
func (r *RedisCounter) Current(ctx context.Context, sessionID string) (int, error) {
	min := strconv.FormatFloat(r.score(r.now().Add(-r.window)), 'f', 0, 64)
	n, err := r.client.ZCount(ctx, r.sessionKey(sessionID), min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count presence: %w", err)
	}
	return int(n), nil
}

// dropIfEmpty trims expired tokens and, when none remain, deletes the
// session key and its index entry in one step so a concurrent Activity is
// never lost.
var dropIfEmpty = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) == 0 then
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// Decay trims expired tokens and forgets empty sessions.
func (r *RedisCounter) Decay(ctx context.Context) error {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return fmt.Errorf("list presence sessions: %w", err)
	}
	cutoff := "(" + strconv.FormatFloat(r.score(r.now().Add(-r.window)), 'f', 0, 64)
	for _, id := range ids {
		keys := []string{r.sessionKey(id), r.indexKey()}
		if err := dropIfEmpty.Run(ctx, r.client, keys, cutoff, id).Err(); err != nil {
			return fmt.Errorf("decay presence %s: %w", id, err)
		}
	}
	return nil
}
