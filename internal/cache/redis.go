package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Redis caches question sets as JSON strings under questionset:{org}:{test}.
// Redis errors degrade to loading from the backing store.
type Redis struct {
	client *redis.Client
	loader Loader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRedis(client *redis.Client, loader Loader, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Redis) key(orgID, testID string) string {
	return "questionset:" + orgID + ":" + testID
}

func (r *Redis) cached(ctx context.Context, key string) (QuestionSet, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("question set cache read failed", "key", key, "error", err)
		}
		return QuestionSet{}, false
	}
	var set QuestionSet
	if err := json.Unmarshal(raw, &set); err != nil {
		slog.Warn("discarding undecodable question set", "key", key, "error", err)
		return QuestionSet{}, false
	}
	return set, true
}

func (r *Redis) Get(ctx context.Context, orgID, testID string) (QuestionSet, error) {
	key := r.key(orgID, testID)
	if set, ok := r.cached(ctx, key); ok {
		return set, nil
	}

	result, err, _ := r.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if set, ok := r.cached(ctx, key); ok {
			return set, nil
		}
		set, err := r.loader.LoadQuestionSet(ctx, orgID, testID)
		if err != nil {
			return QuestionSet{}, err
		}
		raw, err := json.Marshal(set)
		if err != nil {
			return QuestionSet{}, err
		}
		r.mu.Lock()
		ttl := ttlWithJitter(r.ttl, r.rnd)
		r.mu.Unlock()
		if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
			slog.Warn("question set cache write failed", "key", key, "error", err)
		}
		return set, nil
	})
	if err != nil {
		return QuestionSet{}, err
	}
	return result.(QuestionSet), nil
}

func (r *Redis) Invalidate(ctx context.Context, orgID, testID string) error {
	return r.client.Del(ctx, r.key(orgID, testID)).Err()
}

func (r *Redis) InvalidateOrg(ctx context.Context, orgID string) error {
	iter := r.client.Scan(ctx, 0, "questionset:"+orgID+":*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}
