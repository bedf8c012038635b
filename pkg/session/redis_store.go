package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "medshield:session:"
	lockKeySuffix    = ":lock"
	lockPollInterval = 25 * time.Millisecond
)

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares sessions between service replicas. Session keys carry
// the inactivity timeout as TTL, so Sweep has nothing to do. Updates are
// serialized by a SET NX lock per session.
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
	lockTTL time.Duration
	now     func() time.Time
}

func NewRedisStore(client *redis.Client, timeout, lockTTL time.Duration, opts ...StoreOption) *RedisStore {
	o := buildOptions(opts)
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &RedisStore{client: client, timeout: timeout, lockTTL: lockTTL, now: o.now}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func (r *RedisStore) Create(ctx context.Context) (*Session, error) {
	s := newSession(r.now().UTC())
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if s.expired(r.now(), r.timeout) {
		r.client.Del(ctx, sessionKey(id))
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (r *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	release, err := r.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.LastActivityAt = r.now().UTC()
	if err := r.save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, sessionKey(id)).Err()
}

func (r *RedisStore) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}

func (r *RedisStore) Count(ctx context.Context) (int, error) {
	count := 0
	iter := r.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if !strings.HasSuffix(iter.Val(), lockKeySuffix) {
			count++
		}
	}
	return count, iter.Err()
}

func (r *RedisStore) save(ctx context.Context, s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, sessionKey(s.ID), raw, r.timeout).Err()
}

// lock polls SET NX until the session lock is ours, the context ends, or a
// full lock TTL has passed.
func (r *RedisStore) lock(ctx context.Context, id string) (func(), error) {
	key := sessionKey(id) + lockKeySuffix
	token := uuid.New().String()
	deadline := time.Now().Add(r.lockTTL)

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				releaseScript.Run(context.Background(), r.client, []string{key}, token)
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
