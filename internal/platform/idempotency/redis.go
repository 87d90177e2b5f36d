package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix   = "rasoibox:idempotency:"
	defaultRedisAttempts = 3
)

// RedisStore keeps records as JSON strings whose Redis TTL mirrors Record.ExpiresAt.
type RedisStore struct {
	client      redis.UniversalClient
	prefix      string
	maxAttempts int
}

// RedisStoreConfig configures NewRedisStore.
type RedisStoreConfig struct {
	Prefix      string
	MaxAttempts int
}

func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis client is required")
	}
	store := &RedisStore{client: client, prefix: cfg.Prefix, maxAttempts: cfg.MaxAttempts}
	if store.prefix == "" {
		store.prefix = defaultRedisPrefix
	}
	if store.maxAttempts <= 0 {
		store.maxAttempts = defaultRedisAttempts
	}
	return store, nil
}

// stringGetter is satisfied by both the client and a WATCH transaction.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + recordID(key)
}

// Reserve uses SET NX so exactly one caller wins a fresh key.
func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rk := s.redisKey(key)
	pending := newPendingRecord(key, fingerprint, now, ttl)
	payload, err := json.Marshal(pending)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: encode record: %w", err)
	}

	for range s.maxAttempts {
		created, err := s.client.SetNX(ctx, rk, payload, ttl).Result()
		if err != nil {
			return Reservation{}, err
		}
		if created {
			return Reservation{State: ReservationStateNew, Record: pending}, nil
		}

		existing, found, err := s.load(ctx, s.client, rk)
		if err != nil {
			return Reservation{}, err
		}
		if !found {
			// expired between SETNX and GET
			continue
		}
		if existing.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		if existing.Status == StatusCompleted {
			return Reservation{State: ReservationStateCompleted, Record: existing}, nil
		}
		return Reservation{State: ReservationStatePending, Record: existing}, nil
	}
	return Reservation{}, errors.New("idempotency: reservation contended")
}

// SaveResponse rewrites the record under WATCH so a concurrent Release or fingerprint change aborts it.
func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rk := s.redisKey(key)

	var err error
	for range s.maxAttempts {
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			existing, found, err := s.load(ctx, tx, rk)
			if err != nil {
				return err
			}
			if found && existing.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			payload, err := json.Marshal(completeRecord(existing, key, fingerprint, resp, now, ttl))
			if err != nil {
				return fmt.Errorf("idempotency: encode record: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, rk, payload, ttl)
				return nil
			})
			return err
		}, rk)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) Release(ctx context.Context, key, _ string) error {
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

// CleanupExpired is a no-op: Redis evicts records through their TTL.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, cmd stringGetter, rk string) (Record, bool, error) {
	raw, err := cmd.Get(ctx, rk).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return record, true, nil
}
