// Package ratelimit provides Redis-backed admission control using the
// INCR + PEXPIRE fixed-window algorithm. Counters are keyed per client address
// and route, and the limiter fails open so that a Redis outage never blocks
// legitimate traffic.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// KeyPrefix is prepended to every counter key.
const KeyPrefix = "rate_limit:"

var log = logrus.WithField("component", "ratelimit")

// Rule defines a rate limiting policy: a name used for metrics, the maximum
// number of requests allowed in the window, and the window duration.
type Rule struct {
	Name    string
	Limit   int
	Window  time.Duration
	Message string // body of the 429 response

	// Route, when set, replaces the request URI in the counter key so that
	// every request under the rule shares one budget per client.
	Route string
}

// Standard admission rules.
var (
	// RuleAPI allows 100 requests per 15 minutes per client address and route.
	RuleAPI = Rule{
		Name:    "api",
		Limit:   100,
		Window:  15 * time.Minute,
		Message: "Too many requests, please try again later.",
	}

	// RuleSend allows 30 sends per minute per client address, whatever the
	// receiver.
	RuleSend = Rule{
		Name:    "send",
		Limit:   30,
		Window:  1 * time.Minute,
		Message: "Too many messages sent, please slow down.",
		Route:   "send",
	}
)

// Result is the outcome of a single admission check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// Limiter performs admission checks against Redis.
type Limiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client, now: time.Now}
}

// Check counts one request against key in a fixed window of the given
// length. The counter is created with the window as its expiry on the first
// request, so the window starts at the first request and resets when the key
// expires.
//
// On Redis errors the check fails open: the request is allowed and Remaining
// reports the full budget.
func (l *Limiter) Check(ctx context.Context, key string, window time.Duration, max int) Result {
	now := l.now()
	open := Result{Allowed: true, Remaining: max, ResetTime: now.Add(window)}

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("redis INCR failed, failing open")
		return open
	}

	if count == 1 {
		if err := l.client.PExpire(ctx, key, window).Err(); err != nil {
			log.WithError(err).WithField("key", key).Warn("redis PEXPIRE failed, failing open")
			// Without a TTL the key would persist and throttle the client forever.
			l.client.Del(ctx, key)
			return open
		}
	}

	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("redis PTTL failed")
		ttl = window
	}
	if ttl < 0 {
		// A previous PEXPIRE was lost; restore the window boundary.
		l.client.PExpire(ctx, key, window)
		ttl = window
	}

	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   int(count) <= max,
		Remaining: remaining,
		ResetTime: now.Add(ttl),
	}
}

// Allow counts one request from clientAddr against route under rule. The
// counter key is "rate_limit:<clientAddr>:<route>", with rule.Route taking
// the place of route when set.
func (l *Limiter) Allow(ctx context.Context, clientAddr, route string, rule Rule) Result {
	if rule.Route != "" {
		route = rule.Route
	}
	return l.Check(ctx, Key(clientAddr, route), rule.Window, rule.Limit)
}

// Key returns the counter key for a client address and route.
func Key(clientAddr, route string) string {
	return KeyPrefix + clientAddr + ":" + route
}
