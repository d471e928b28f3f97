package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRedisDonationRateLimiterKey(t *testing.T) {
	cases := []struct {
		prefix string
		want   string
	}{
		{prefix: "", want: "soutien:rate_limit:donations:abc"},
		{prefix: "  custom:", want: "custom:donations:abc"},
		{prefix: "svc:limits", want: "svc:limits:donations:abc"},
	}
	for _, tc := range cases {
		limiter := NewRedisDonationRateLimiter(nil, tc.prefix, 5)
		assert.Equal(t, tc.want, limiter.key(donationRateLimitScope, "abc"))
	}
}

func TestRedisDonationRateLimiterDisabled(t *testing.T) {
	ctx := context.Background()

	allowed, retryAfter, err := NewRedisDonationRateLimiter(nil, "", 5).Allow(ctx, uuid.New())
	assert.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	allowed, _, err = NewRedisDonationRateLimiter(client, "", 0).Allow(ctx, uuid.New())
	assert.NoError(t, err, "a zero limit never reaches redis")
	assert.True(t, allowed)
}

func TestRedisDonationRateLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	allowed, _, err := NewRedisDonationRateLimiter(client, "", 5).Allow(context.Background(), uuid.New())
	assert.Error(t, err)
	assert.True(t, allowed)
}
