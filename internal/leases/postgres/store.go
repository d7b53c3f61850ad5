package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/cctp-orchestrator/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

// Store keeps leases in postgres. Expiry is evaluated against the database
// clock so engines with skewed clocks agree on ownership.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := validateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	var l leases.Lease
	err := s.pool.QueryRow(ctx, `
		INSERT INTO cctp_leases (name, owner, expires_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
		ON CONFLICT (name) DO UPDATE
		SET acquired_at = CASE WHEN cctp_leases.owner = EXCLUDED.owner THEN cctp_leases.acquired_at ELSE now() END,
			owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE cctp_leases.owner = EXCLUDED.owner OR cctp_leases.expires_at <= now()
		RETURNING name, owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&l.Name, &l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := s.Get(ctx, name)
		if gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return cur, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: try acquire %q: %w", name, err)
	}
	return l, true, nil
}

func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (leases.Lease, bool, error) {
	if err := validateInput(name, owner, ttl); err != nil {
		return leases.Lease{}, false, err
	}

	var l leases.Lease
	err := s.pool.QueryRow(ctx, `
		UPDATE cctp_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING name, owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&l.Name, &l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, name); gerr != nil {
			return leases.Lease{}, false, gerr
		}
		return leases.Lease{}, false, leases.ErrNotOwner
	}
	if err != nil {
		return leases.Lease{}, false, fmt.Errorf("leases/postgres: renew %q: %w", name, err)
	}
	return l, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM cctp_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leases/postgres: release %q: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Get(ctx, name); errors.Is(err, leases.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	return leases.ErrNotOwner
}

func (s *Store) Get(ctx context.Context, name string) (leases.Lease, error) {
	if name == "" {
		return leases.Lease{}, leases.ErrInvalidInput
	}

	l := leases.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM cctp_leases WHERE name = $1`, name).Scan(&l.Owner, &l.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return leases.Lease{}, leases.ErrNotFound
	}
	if err != nil {
		return leases.Lease{}, fmt.Errorf("leases/postgres: get %q: %w", name, err)
	}
	return l, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

func validateInput(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return leases.ErrInvalidInput
	}
	return nil
}
