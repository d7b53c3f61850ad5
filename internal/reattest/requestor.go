// Package reattest asks the attestation service to re-issue an expired v2
// attestation and puts the transfer back into the polling state.
package reattest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var ErrInvalidConfig = errors.New("reattest: invalid config")

type Store interface {
	transfer.Getter
	transfer.Upserter
}

// Service is the attestation service endpoint used here.
type Service interface {
	Reattest(ctx context.Context, nonce string) error
}

type Requestor struct {
	store Store
	iris  Service
	log   *slog.Logger

	// Resume restarts attestation polling after a successful request.
	Resume func(ctx context.Context, rec transfer.Record)
}

func New(store Store, iris Service, log *slog.Logger) (*Requestor, error) {
	if store == nil || iris == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Requestor{store: store, iris: iris, log: log}, nil
}

// Reattest requests a fresh attestation for the transfer's nonce. On failure
// the record keeps its expired state so the request can be repeated.
func (r *Requestor) Reattest(ctx context.Context, burnTxHash string) (transfer.Record, error) {
	hash := transfer.NormalizeHash(burnTxHash)
	rec, err := r.store.Get(ctx, hash)
	if err != nil {
		return transfer.Record{}, err
	}
	if rec.ProtocolVersion != transfer.V2 {
		return rec, transfer.NewFailure(transfer.FailureUnsupported, "reattestation is only available for v2 transfers", nil)
	}
	if rec.Status.Terminal() {
		return rec, transfer.NewFailure(transfer.FailurePrecondition, fmt.Sprintf("transfer is %s", rec.Status), nil)
	}
	if rec.Nonce == "" {
		return rec, transfer.NewFailure(transfer.FailurePrecondition, "transfer nonce is not known yet", nil)
	}

	if err := r.iris.Reattest(ctx, rec.Nonce); err != nil {
		r.log.Warn("reattestation request failed", "burnTxHash", hash, "nonce", rec.Nonce, "err", err)
		return rec, transfer.NewFailure(transfer.FailureService, "reattestation request failed", err)
	}

	updated, _, err := r.store.Upsert(ctx, hash, transfer.Patch{
		ResetAttestation:   true,
		AttestationExpired: transfer.BoolPtr(false),
	})
	if err != nil {
		return rec, err
	}
	r.log.Info("reattestation requested", "burnTxHash", hash, "nonce", rec.Nonce)
	if r.Resume != nil {
		r.Resume(ctx, updated)
	}
	return updated, nil
}
