// Package cache keeps disposable Redis projections of conversation history
// and of the online-user set. Nothing here is a source of truth: every read
// degrades to a miss and every write to a no-op when Redis is unavailable, so
// callers always fall through to the store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/whisper/securechat/internal/metrics"
	"github.com/whisper/securechat/internal/protocol"
)

const (
	// HistoryPrefix is the Redis key prefix for cached conversation history.
	HistoryPrefix = "messages:"

	// GenerationPrefix is the Redis key prefix for a conversation's
	// invalidation counter.
	GenerationPrefix = "messages:gen:"

	// OnlineKey holds the JSON list of online user IDs.
	OnlineKey = "online:users"

	// HistoryTTL bounds how long a history entry lives, and therefore the
	// worst-case staleness if an invalidation is lost.
	HistoryTTL = 1 * time.Hour

	// OnlineTTL is the lifetime of the online-user mirror.
	OnlineTTL = 5 * time.Minute

	// GenerationTTL is refreshed on every invalidation and must outlive any
	// history read that started before it.
	GenerationTTL = 24 * time.Hour
)

// putIfCurrent sets KEYS[2] only while KEYS[1] still holds the generation the
// reader observed. A missing counter is generation 0.
var putIfCurrent = redis.NewScript(`
local gen = redis.call('GET', KEYS[1])
if (gen or '0') ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

var log = logrus.WithField("component", "cache")

// Config holds the TTLs applied by Cache.
type Config struct {
	HistoryTTL time.Duration
	OnlineTTL  time.Duration
}

// DefaultConfig returns the default TTLs.
func DefaultConfig() Config {
	return Config{HistoryTTL: HistoryTTL, OnlineTTL: OnlineTTL}
}

// Cache is the read-through cache for decrypted history and the online-user
// mirror.
type Cache struct {
	client *redis.Client
	config Config
}

// NewClient connects to Redis at addr and verifies the connection.
func NewClient(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis connection failed: %w", err)
	}
	return client, nil
}

// New creates a Cache on top of an existing Redis client.
func New(client *redis.Client, config Config) *Cache {
	return &Cache{client: client, config: config}
}

// ConversationKey identifies a conversation independently of which
// participant is asking: the two IDs are sorted and joined with "_".
func ConversationKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// GetHistory returns the cached views for a conversation. The boolean is false
// on a miss, on a decode failure, and when Redis is unreachable.
func (c *Cache) GetHistory(ctx context.Context, conversationKey string) ([]protocol.MessageView, bool) {
	key := HistoryPrefix + conversationKey

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}
	if err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		log.WithError(err).WithField("key", key).Warn("get history failed, treating as miss")
		return nil, false
	}

	var views []protocol.MessageView
	if err := json.Unmarshal(data, &views); err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		log.WithError(err).WithField("key", key).Warn("corrupt history entry, treating as miss")
		return nil, false
	}

	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return views, true
}

// Generation returns the invalidation counter for a conversation. Read it
// before loading history from the store and hand it to PutHistory. The
// boolean is false when Redis is unreachable, and the caller should then skip
// the put.
func (c *Cache) Generation(ctx context.Context, conversationKey string) (int64, bool) {
	key := GenerationPrefix + conversationKey

	gen, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("get generation failed")
		return 0, false
	}
	return gen, true
}

// PutHistory caches the views for a conversation if no invalidation has run
// since gen was read. A non-positive ttl uses the configured history TTL.
// Failures are logged and ignored.
func (c *Cache) PutHistory(ctx context.Context, conversationKey string, views []protocol.MessageView, ttl time.Duration, gen int64) {
	if ttl <= 0 {
		ttl = c.config.HistoryTTL
	}
	if views == nil {
		views = []protocol.MessageView{}
	}

	data, err := json.Marshal(views)
	if err != nil {
		log.WithError(err).Warn("marshal history failed")
		return
	}

	key := HistoryPrefix + conversationKey
	keys := []string{GenerationPrefix + conversationKey, key}
	set, err := putIfCurrent.Run(ctx, c.client, keys, gen, data, ttl.Milliseconds()).Int()
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("put history failed")
		return
	}
	if set == 0 {
		log.WithFields(logrus.Fields{"key": key, "generation": gen}).Debug("history changed during read, not cached")
		return
	}
	log.WithFields(logrus.Fields{"key": key, "count": len(views)}).Debug("cached history")
}

// Invalidate removes the cached history for a conversation and bumps its
// generation in the same transaction, so a read that started earlier cannot
// put its result back. The error is returned so the send path can record a
// stale-entry window; it is never surfaced to end users.
func (c *Cache) Invalidate(ctx context.Context, conversationKey string) error {
	key := HistoryPrefix + conversationKey
	genKey := GenerationPrefix + conversationKey

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.PExpire(ctx, genKey, GenerationTTL)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: invalidate %s: %w", key, err)
	}
	return nil
}

// CacheOnlineUsers overwrites the online-user mirror. Failures are logged and
// ignored.
func (c *Cache) CacheOnlineUsers(ctx context.Context, users []string) {
	if users == nil {
		users = []string{}
	}
	data, err := json.Marshal(users)
	if err != nil {
		log.WithError(err).Warn("marshal online users failed")
		return
	}
	if err := c.client.Set(ctx, OnlineKey, data, c.config.OnlineTTL).Err(); err != nil {
		log.WithError(err).Warn("cache online users failed")
	}
}

// GetCachedOnlineUsers returns the online-user mirror. It is a best-effort
// view and never decides who receives a live push.
func (c *Cache) GetCachedOnlineUsers(ctx context.Context) ([]string, bool) {
	data, err := c.client.Get(ctx, OnlineKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		log.WithError(err).Warn("get online users failed")
		return nil, false
	}

	var users []string
	if err := json.Unmarshal(data, &users); err != nil {
		log.WithError(err).Warn("corrupt online users entry")
		return nil, false
	}
	return users, true
}

// Ping reports whether Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
