package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var (
	ErrInvalidConfig = errors.New("transfer/redisstore: invalid config")
	ErrContention    = errors.New("transfer/redisstore: too much write contention")
)

const (
	defaultPrefix     = "cctp"
	maxUpsertAttempts = 16
)

// Pool is satisfied by *redis.Pool.
type Pool interface {
	GetContext(ctx context.Context) (redis.Conn, error)
}

// Store keeps each record as a JSON value under <prefix>:transfer:<hash> and
// the insertion order in the list <prefix>:transfers.
type Store struct {
	pool   Pool
	prefix string
	now    func() time.Time
}

func New(pool Pool, prefix string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{pool: pool, prefix: prefix, now: time.Now}, nil
}

// NewPool dials redis lazily from a redis:// URL.
func NewPool(url string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second),
			)
		},
	}
}

func (s *Store) recordKey(hash string) string { return s.prefix + ":transfer:" + hash }
func (s *Store) indexKey() string            { return s.prefix + ":transfers" }

func (s *Store) Upsert(ctx context.Context, burnTxHash string, p transfer.Patch) (transfer.Record, bool, error) {
	key := transfer.NormalizeHash(burnTxHash)
	if key == "" {
		return transfer.Record{}, false, transfer.ErrInvalidInput
	}
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return transfer.Record{}, false, fmt.Errorf("transfer/redisstore: get conn: %w", err)
	}
	defer conn.Close()

	rk := s.recordKey(key)
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		if _, err := redis.DoContext(conn, ctx, "WATCH", rk); err != nil {
			return transfer.Record{}, false, fmt.Errorf("transfer/redisstore: watch: %w", err)
		}

		cur := transfer.Record{BurnTxHash: key}
		created := false
		raw, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", rk))
		switch {
		case errors.Is(err, redis.ErrNil):
			created = true
		case err != nil:
			_, _ = redis.DoContext(conn, ctx, "UNWATCH")
			return transfer.Record{}, false, fmt.Errorf("transfer/redisstore: get: %w", err)
		default:
			if err := json.Unmarshal(raw, &cur); err != nil {
				_, _ = redis.DoContext(conn, ctx, "UNWATCH")
				return transfer.Record{}, false, fmt.Errorf("transfer/redisstore: decode %s: %w", key, err)
			}
		}

		next, err := transfer.Apply(cur, p, s.now())
		if err != nil {
			_, _ = redis.DoContext(conn, ctx, "UNWATCH")
			return transfer.Record{}, false, err
		}
		b, err := json.Marshal(next)
		if err != nil {
			_, _ = redis.DoContext(conn, ctx, "UNWATCH")
			return transfer.Record{}, false, fmt.Errorf("transfer/redisstore: encode: %w", err)
		}

		if err := conn.Send("MULTI"); err != nil {
			return transfer.Record{}, false, fmt.Errorf("transfer/redisstore: multi: %w", err)
		}
		if err := conn.Send("SET", rk, b); err != nil {
			return transfer.Record{}, false, fmt.Errorf("transfer/redisstore: set: %w", err)
		}
		if created {
			if err := conn.Send("RPUSH", s.indexKey(), key); err != nil {
				return transfer.Record{}, false, fmt.Errorf("transfer/redisstore: rpush: %w", err)
			}
		}
		_, err = redis.Values(redis.DoContext(conn, ctx, "EXEC"))
		if errors.Is(err, redis.ErrNil) {
			// Watched key changed; retry against the new value.
			continue
		}
		if err != nil {
			return transfer.Record{}, false, fmt.Errorf("transfer/redisstore: exec: %w", err)
		}
		return next, created, nil
	}
	return transfer.Record{}, false, ErrContention
}

func (s *Store) Get(ctx context.Context, burnTxHash string) (transfer.Record, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return transfer.Record{}, fmt.Errorf("transfer/redisstore: get conn: %w", err)
	}
	defer conn.Close()

	raw, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", s.recordKey(transfer.NormalizeHash(burnTxHash))))
	if errors.Is(err, redis.ErrNil) {
		return transfer.Record{}, transfer.ErrNotFound
	}
	if err != nil {
		return transfer.Record{}, fmt.Errorf("transfer/redisstore: get: %w", err)
	}
	var r transfer.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return transfer.Record{}, fmt.Errorf("transfer/redisstore: decode: %w", err)
	}
	return r, nil
}

func (s *Store) List(ctx context.Context) ([]transfer.Record, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("transfer/redisstore: get conn: %w", err)
	}
	defer conn.Close()

	hashes, err := redis.Strings(redis.DoContext(conn, ctx, "LRANGE", s.indexKey(), 0, -1))
	if err != nil {
		return nil, fmt.Errorf("transfer/redisstore: lrange: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(hashes))
	for _, h := range hashes {
		args = append(args, s.recordKey(h))
	}
	values, err := redis.ByteSlices(redis.DoContext(conn, ctx, "MGET", args...))
	if err != nil {
		return nil, fmt.Errorf("transfer/redisstore: mget: %w", err)
	}

	out := make([]transfer.Record, 0, len(values))
	for i, raw := range values {
		if raw == nil {
			// Index entry without a record: removed concurrently.
			continue
		}
		var r transfer.Record
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("transfer/redisstore: decode %s: %w", hashes[i], err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) Remove(ctx context.Context, burnTxHash string) error {
	key := transfer.NormalizeHash(burnTxHash)
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("transfer/redisstore: get conn: %w", err)
	}
	defer conn.Close()

	if err := conn.Send("MULTI"); err != nil {
		return fmt.Errorf("transfer/redisstore: multi: %w", err)
	}
	if err := conn.Send("DEL", s.recordKey(key)); err != nil {
		return fmt.Errorf("transfer/redisstore: del: %w", err)
	}
	if err := conn.Send("LREM", s.indexKey(), 0, key); err != nil {
		return fmt.Errorf("transfer/redisstore: lrem: %w", err)
	}
	if _, err := redis.DoContext(conn, ctx, "EXEC"); err != nil {
		return fmt.Errorf("transfer/redisstore: exec: %w", err)
	}
	return nil
}
