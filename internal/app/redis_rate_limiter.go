package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	donationRateLimitScope  = "donations"
	defaultRateLimitPrefix  = "soutien:rate_limit"
	donationRateLimitWindow = time.Minute
)

var donationRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisDonationRateLimiter caps how many donations one donor may attempt per window.
// The counter lives in redis so every replica shares it.
type RedisDonationRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

// NewRedisDonationRateLimiter creates a limiter allowing limitPerMinute attempts per donor.
// A nil client or a non-positive limit disables limiting.
func NewRedisDonationRateLimiter(client redis.UniversalClient, prefix string, limitPerMinute int) *RedisDonationRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = defaultRateLimitPrefix
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisDonationRateLimiter{
		client: client,
		prefix: trimmedPrefix,
		limit:  limitPerMinute,
		window: donationRateLimitWindow,
	}
}

// Allow consumes one attempt for donorID. When the donor is over the limit it returns
// false and the number of seconds until the window resets.
func (r *RedisDonationRateLimiter) Allow(ctx context.Context, donorID uuid.UUID) (bool, int, error) {
	count, retryAfter, err := r.consume(ctx, donationRateLimitScope, donorID.String())
	if err != nil {
		return true, 0, err
	}
	if r.limit > 0 && count > r.limit {
		return false, retryAfter, nil
	}
	return true, 0, nil
}

func (r *RedisDonationRateLimiter) key(scope, subject string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
}

func (r *RedisDonationRateLimiter) consume(ctx context.Context, scope, subject string) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	rawResult, err := donationRateLimitScript.Run(ctx, r.client, []string{r.key(normalizedScope, normalizedSubject)}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}

	return int(currentCount), retryAfter, nil
}
