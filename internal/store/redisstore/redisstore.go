// Package redisstore backs idempotency keys and token sequences with Redis so
// several service replicas agree on both.
package redisstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"qms/visit-service/internal/store"

	"github.com/redis/go-redis/v9"
)

const (
	pendingValue  = "pending"
	settledPrefix = "done:"
)

// putScript settles a key unless another payload already settled it.
const putScript = `
local current = redis.call("get", KEYS[1])
if current == false or current == ARGV[1] then
	redis.call("set", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// incrScript advances an existing day counter and returns -1 when the
// counter is missing.
const incrScript = `
if redis.call("exists", KEYS[1]) == 0 then
	return -1
end
local n = redis.call("incr", KEYS[1])
redis.call("pexpire", KEYS[1], ARGV[1])
return n
`

// seedScript creates the day's counter at ARGV[1] unless a concurrent caller
// already did, then advances it.
const seedScript = `
redis.call("set", KEYS[1], ARGV[1], "NX")
local n = redis.call("incr", KEYS[1])
redis.call("pexpire", KEYS[1], ARGV[2])
return n
`

type Options struct {
	Prefix       string
	Wait         time.Duration
	PendingTTL   time.Duration
	TTL          time.Duration
	PollInterval time.Duration
	TokenStart   int64
	TokenTTL     time.Duration
}

type IdempotencyStore struct {
	client       *redis.Client
	prefix       string
	wait         time.Duration
	pendingTTL   time.Duration
	ttl          time.Duration
	pollInterval time.Duration
}

func NewIdempotencyStore(client *redis.Client, options Options) *IdempotencyStore {
	options = withDefaults(options)
	return &IdempotencyStore{
		client:       client,
		prefix:       options.Prefix,
		wait:         options.Wait,
		pendingTTL:   options.PendingTTL,
		ttl:          options.TTL,
		pollInterval: options.PollInterval,
	}
}

func (s *IdempotencyStore) key(scope, key string) string {
	return s.prefix + "idem:" + scope + ":" + key
}

func (s *IdempotencyStore) Get(ctx context.Context, scope, key string) (string, bool, error) {
	raw, err := s.client.Get(ctx, s.key(scope, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	if !strings.HasPrefix(raw, settledPrefix) {
		return "", false, nil
	}
	return strings.TrimPrefix(raw, settledPrefix), true, nil
}

// Reserve claims the key with SETNX. The pending marker expires after
// PendingTTL so a crashed owner cannot block the key forever.
func (s *IdempotencyStore) Reserve(ctx context.Context, scope, key string) (string, bool, error) {
	redisKey := s.key(scope, key)
	deadline := time.Now().Add(s.wait)
	for {
		ok, err := s.client.SetNX(ctx, redisKey, pendingValue, s.pendingTTL).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return "", true, nil
		}

		raw, err := s.client.Get(ctx, redisKey).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			return "", false, err
		case strings.HasPrefix(raw, settledPrefix):
			return strings.TrimPrefix(raw, settledPrefix), false, nil
		}

		if time.Now().After(deadline) {
			return "", false, store.ErrRequestInProgress
		}
		timer := time.NewTimer(s.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *IdempotencyStore) Put(ctx context.Context, scope, key, payload string) error {
	return s.client.Eval(ctx, putScript, []string{s.key(scope, key)},
		pendingValue, settledPrefix+payload, s.ttl.Milliseconds()).Err()
}

func (s *IdempotencyStore) Release(ctx context.Context, scope, key string) error {
	return s.client.Eval(ctx, releaseScript, []string{s.key(scope, key)}, pendingValue).Err()
}

// VisitStore decorates another VisitStore so token numbers come from Redis
// counters shared by every replica.
type VisitStore struct {
	store.VisitStore
	client     *redis.Client
	prefix     string
	tokenStart int64
	tokenTTL   time.Duration
}

func NewVisitStore(visits store.VisitStore, client *redis.Client, options Options) *VisitStore {
	options = withDefaults(options)
	return &VisitStore{
		VisitStore: visits,
		client:     client,
		prefix:     options.Prefix,
		tokenStart: options.TokenStart,
		tokenTTL:   options.TokenTTL,
	}
}

func (s *VisitStore) NextTokenNumber(ctx context.Context, departmentID string, now time.Time) (string, error) {
	if strings.TrimSpace(departmentID) == "" {
		return "", store.ErrInvalidDepartment
	}
	key := s.prefix + "visit:token:" + departmentID + ":" + store.DayKey(now)
	n, err := s.client.Eval(ctx, incrScript, []string{key}, s.tokenTTL.Milliseconds()).Int64()
	if err != nil {
		return "", err
	}
	if n >= 0 {
		return store.FormatToken(departmentID, n), nil
	}

	seed, err := s.seed(ctx, departmentID, now)
	if err != nil {
		return "", err
	}
	n, err = s.client.Eval(ctx, seedScript, []string{key}, seed, s.tokenTTL.Milliseconds()).Int64()
	if err != nil {
		return "", err
	}
	return store.FormatToken(departmentID, n), nil
}

// seed is where a missing counter restarts. After a flush or a restart
// without persistence it resumes above the tokens the backing store holds.
func (s *VisitStore) seed(ctx context.Context, departmentID string, now time.Time) (int64, error) {
	seed := s.tokenStart
	highWater, ok := s.VisitStore.(store.TokenHighWater)
	if !ok {
		return seed, nil
	}
	highest, err := highWater.HighestTokenNumber(ctx, departmentID, now)
	if err != nil {
		return 0, err
	}
	if highest > seed {
		seed = highest
	}
	return seed, nil
}

func withDefaults(options Options) Options {
	if options.Wait <= 0 {
		options.Wait = 5 * time.Second
	}
	if options.PendingTTL <= 0 {
		options.PendingTTL = 30 * time.Second
	}
	if options.TTL <= 0 {
		options.TTL = 24 * time.Hour
	}
	if options.PollInterval <= 0 {
		options.PollInterval = 50 * time.Millisecond
	}
	if options.TokenTTL <= 0 {
		options.TokenTTL = 48 * time.Hour
	}
	return options
}
