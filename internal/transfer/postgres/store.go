package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var ErrInvalidConfig = errors.New("transfer/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("transfer/postgres: ensure schema: %w", err)
	}
	return nil
}

const selectColumns = `
	burn_tx_hash,
	origin_chain,
	origin_family,
	target_chain,
	target_address,
	sender,
	amount,
	protocol_version,
	transfer_speed,
	max_fee,
	source_domain,
	destination_domain,
	status,
	steps,
	nonce,
	message,
	attestation,
	attestation_expired,
	failure_reason,
	claim_hash,
	completed_at,
	created_at,
	updated_at`

func (s *Store) Upsert(ctx context.Context, burnTxHash string, p transfer.Patch) (transfer.Record, bool, error) {
	if s == nil || s.pool == nil {
		return transfer.Record{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	key := transfer.NormalizeHash(burnTxHash)
	if key == "" {
		return transfer.Record{}, false, transfer.ErrInvalidInput
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return transfer.Record{}, false, fmt.Errorf("transfer/postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO cctp_transfers (burn_tx_hash, status, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (burn_tx_hash) DO NOTHING
	`, key, int16(transfer.StatusPending))
	if err != nil {
		return transfer.Record{}, false, fmt.Errorf("transfer/postgres: insert: %w", err)
	}
	created := tag.RowsAffected() == 1

	cur, err := scanRecord(tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM cctp_transfers WHERE burn_tx_hash = $1 FOR UPDATE`, key))
	if err != nil {
		return transfer.Record{}, false, err
	}
	if created {
		// Let Apply stamp creation time consistently with the other drivers.
		cur.CreatedAt = time.Time{}
	}

	next, err := transfer.Apply(cur, p, s.now())
	if err != nil {
		return transfer.Record{}, false, err
	}
	if next.Amount > math.MaxInt64 || next.MaxFee > math.MaxInt64 {
		return transfer.Record{}, false, fmt.Errorf("%w: amount too large", transfer.ErrInvalidInput)
	}
	steps, err := json.Marshal(nonNilSteps(next.Steps))
	if err != nil {
		return transfer.Record{}, false, fmt.Errorf("transfer/postgres: marshal steps: %w", err)
	}

	completedAt := next.CompletedAt

	_, err = tx.Exec(ctx, `
		UPDATE cctp_transfers SET
			origin_chain = $2,
			origin_family = $3,
			target_chain = $4,
			target_address = $5,
			sender = $6,
			amount = $7,
			protocol_version = $8,
			transfer_speed = $9,
			max_fee = $10,
			source_domain = $11,
			destination_domain = $12,
			status = $13,
			steps = $14,
			nonce = $15,
			message = $16,
			attestation = $17,
			attestation_expired = $18,
			failure_reason = $19,
			claim_hash = $20,
			completed_at = $21,
			created_at = $22,
			updated_at = $23
		WHERE burn_tx_hash = $1
	`,
		key,
		next.OriginChain,
		int16(next.OriginFamily),
		next.TargetChain,
		next.TargetAddress,
		next.Sender,
		int64(next.Amount),
		int16(next.ProtocolVersion),
		int16(next.TransferSpeed),
		int64(next.MaxFee),
		int64(next.SourceDomain),
		int64(next.DestinationDomain),
		int16(next.Status),
		steps,
		next.Nonce,
		next.Message,
		next.Attestation,
		next.AttestationExpired,
		next.FailureReason,
		next.ClaimHash,
		completedAt,
		next.CreatedAt,
		next.UpdatedAt,
	)
	if err != nil {
		return transfer.Record{}, false, fmt.Errorf("transfer/postgres: update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return transfer.Record{}, false, fmt.Errorf("transfer/postgres: commit: %w", err)
	}
	return next, created, nil
}

func (s *Store) Get(ctx context.Context, burnTxHash string) (transfer.Record, error) {
	if s == nil || s.pool == nil {
		return transfer.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return scanRecord(s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM cctp_transfers WHERE burn_tx_hash = $1`, transfer.NormalizeHash(burnTxHash)))
}

func (s *Store) List(ctx context.Context) ([]transfer.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+selectColumns+` FROM cctp_transfers ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("transfer/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []transfer.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transfer/postgres: list rows: %w", err)
	}
	return out, nil
}

func (s *Store) Remove(ctx context.Context, burnTxHash string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM cctp_transfers WHERE burn_tx_hash = $1`, transfer.NormalizeHash(burnTxHash))
	if err != nil {
		return fmt.Errorf("transfer/postgres: remove: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (transfer.Record, error) {
	var (
		r transfer.Record

		family, version, speed, status int16
		amount, maxFee, srcDom, dstDom int64
		stepsRaw                       []byte
		completedAt                    *time.Time
	)
	err := row.Scan(
		&r.BurnTxHash,
		&r.OriginChain,
		&family,
		&r.TargetChain,
		&r.TargetAddress,
		&r.Sender,
		&amount,
		&version,
		&speed,
		&maxFee,
		&srcDom,
		&dstDom,
		&status,
		&stepsRaw,
		&r.Nonce,
		&r.Message,
		&r.Attestation,
		&r.AttestationExpired,
		&r.FailureReason,
		&r.ClaimHash,
		&completedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return transfer.Record{}, transfer.ErrNotFound
		}
		return transfer.Record{}, fmt.Errorf("transfer/postgres: scan: %w", err)
	}
	if amount < 0 || maxFee < 0 || srcDom < 0 || dstDom < 0 {
		return transfer.Record{}, fmt.Errorf("transfer/postgres: negative values in db")
	}

	r.OriginFamily = transfer.Family(family)
	r.ProtocolVersion = transfer.Version(version)
	r.TransferSpeed = transfer.Speed(speed)
	r.Status = transfer.Status(status)
	r.Amount = uint64(amount)
	r.MaxFee = uint64(maxFee)
	r.SourceDomain = uint32(srcDom)
	r.DestinationDomain = uint32(dstDom)
	if completedAt != nil {
		t := completedAt.UTC()
		r.CompletedAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()

	if len(stepsRaw) > 0 {
		if err := json.Unmarshal(stepsRaw, &r.Steps); err != nil {
			return transfer.Record{}, fmt.Errorf("transfer/postgres: decode steps: %w", err)
		}
	}
	if len(r.Steps) == 0 {
		r.Steps = nil
	}
	return r, nil
}

func nonNilSteps(s []transfer.Step) []transfer.Step {
	if s == nil {
		return []transfer.Step{}
	}
	return s
}
