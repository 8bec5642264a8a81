package withdraw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisChallenges stores challenges in Redis under a per-process namespace,
// so challenges issued before a restart are never honoured.
type RedisChallenges struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisChallenges(rdb *redis.Client, ttl time.Duration) *RedisChallenges {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &RedisChallenges{
		rdb:    rdb,
		prefix: fmt.Sprintf("lightning-box:k1:%s:", uuid.NewString()),
		ttl:    ttl,
	}
}

func (r *RedisChallenges) key(k1 string) string { return r.prefix + k1 }

func (r *RedisChallenges) Put(ctx context.Context, k1 string, c Challenge) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(k1), raw, r.ttl).Err()
}

func (r *RedisChallenges) Take(ctx context.Context, k1 string) (Challenge, bool, error) {
	raw, err := r.rdb.GetDel(ctx, r.key(k1)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Challenge{}, false, nil
	}
	if err != nil {
		return Challenge{}, false, err
	}
	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return Challenge{}, false, fmt.Errorf("decode challenge: %w", err)
	}
	return c, true, nil
}
