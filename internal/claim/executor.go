// Package claim submits the destination mint for a transfer.
//
// A mint transaction is sent at most once per claim. When its receipt does
// not arrive within SubmitTimeout, the executor falls back to read-only
// nonce checks and never sends a second transaction.
package claim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/juno-intents/cctp-orchestrator/internal/chain"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var ErrInvalidConfig = errors.New("claim: invalid config")

type Store interface {
	transfer.Getter
	transfer.Upserter
}

type Config struct {
	SubmitTimeout    time.Duration
	FallbackInterval time.Duration
	FallbackWindow   time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Result is the outcome of a claim.
type Result struct {
	Success       bool
	MintTxHash    string
	AlreadyMinted bool
	// Pending is set when the mint was submitted but neither its receipt
	// nor a used nonce was observed in time. The transfer stays pending.
	Pending bool
}

type Executor struct {
	cfg    Config
	store  Store
	chains *chain.Registry
	log    *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(cfg Config, store Store, chains *chain.Registry, log *slog.Logger) (*Executor, error) {
	if store == nil || chains == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.SubmitTimeout == 0 {
		cfg.SubmitTimeout = 15 * time.Second
	}
	if cfg.FallbackInterval == 0 {
		cfg.FallbackInterval = 5 * time.Second
	}
	if cfg.FallbackWindow == 0 {
		cfg.FallbackWindow = 45 * time.Second
	}
	if cfg.SubmitTimeout < 0 || cfg.FallbackInterval < 0 || cfg.FallbackWindow < 0 {
		return nil, fmt.Errorf("%w: durations must be > 0", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Executor{cfg: cfg, store: store, chains: chains, log: log, inflight: make(map[string]struct{})}, nil
}

// Claim mints the transfer on its destination chain. Precondition failures
// are *transfer.Failure values with Kind FailurePrecondition; the transfer
// record is left untouched for them.
func (e *Executor) Claim(ctx context.Context, burnTxHash string) (Result, error) {
	hash := transfer.NormalizeHash(burnTxHash)
	if !e.begin(hash) {
		return Result{}, transfer.NewFailure(transfer.FailurePrecondition, "a claim for this transfer is already in progress", nil)
	}
	defer e.end(hash)

	rec, err := e.store.Get(ctx, hash)
	if err != nil {
		return Result{}, err
	}
	switch rec.Status {
	case transfer.StatusClaimed:
		return claimedResult(rec), nil
	case transfer.StatusFailed:
		return Result{}, transfer.NewFailure(transfer.FailurePrecondition, "transfer failed and cannot be claimed", nil)
	}
	if rec.AttestationExpired {
		return Result{}, transfer.NewFailure(transfer.FailurePrecondition, "attestation expired; request reattestation first", nil)
	}
	if rec.StepState(transfer.StageFetchAttestation) != transfer.StepSuccess || rec.Message == "" || rec.Attestation == "" {
		return Result{}, transfer.NewFailure(transfer.FailurePrecondition, "attestation is not ready yet", nil)
	}
	dest, err := e.chains.Get(rec.TargetChain)
	if err != nil {
		return Result{}, transfer.NewFailure(transfer.FailurePrecondition, "destination chain is not configured", err)
	}
	if dest.Minter == nil {
		return Result{}, transfer.NewFailure(transfer.FailurePrecondition,
			fmt.Sprintf("cannot sign on %s; switch to a wallet on the destination chain", dest.Name), chain.ErrUnsupported)
	}

	// A mint sent by an earlier claim whose outcome is unknown is only
	// watched, never sent again.
	if mint, ok := rec.Step(transfer.StageMint); ok && mint.TxHash != "" && mint.State == transfer.StepPending {
		e.log.Info("resuming wait for submitted mint", "burnTxHash", hash, "mintTxHash", mint.TxHash)
		return e.await(ctx, rec, dest, mint.TxHash)
	}

	if used, _ := e.nonceUsed(ctx, rec, dest); used {
		return e.alreadyMinted(ctx, hash, "")
	}

	msg, err := chain.DecodeHex(rec.Message)
	if err != nil {
		return Result{}, transfer.NewFailure(transfer.FailurePrecondition, "stored message is malformed", err)
	}
	att, err := chain.DecodeHex(rec.Attestation)
	if err != nil {
		return Result{}, transfer.NewFailure(transfer.FailurePrecondition, "stored attestation is malformed", err)
	}

	if _, _, err := e.store.Upsert(ctx, hash, transfer.Patch{
		Observations: []transfer.Observation{{Name: "Mint", State: transfer.StepPending}},
	}); err != nil {
		return Result{}, err
	}

	txHash, err := dest.Minter.SubmitMint(ctx, rec.ProtocolVersion, msg, att)
	if err != nil {
		return e.submitFailed(ctx, hash, err)
	}
	e.log.Info("mint submitted", "burnTxHash", hash, "mintTxHash", txHash, "chain", dest.Name)
	if _, _, err := e.store.Upsert(ctx, hash, transfer.Patch{
		Observations: []transfer.Observation{{Name: "Mint", State: transfer.StepPending, TxHash: txHash}},
	}); err != nil {
		return Result{MintTxHash: txHash, Pending: true}, err
	}
	return e.await(ctx, rec, dest, txHash)
}

// await races the mint receipt against SubmitTimeout and falls back to
// nonce checks.
func (e *Executor) await(ctx context.Context, rec transfer.Record, dest chain.Chain, txHash string) (Result, error) {
	hash := rec.BurnTxHash

	wctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	receipt, err := dest.Minter.WaitMint(wctx, txHash)
	cancel()
	if err == nil {
		if receipt.Success {
			return e.confirmed(ctx, hash, txHash)
		}
		if used, _ := e.nonceUsed(ctx, rec, dest); used {
			return e.alreadyMinted(ctx, hash, "")
		}
		reason := receipt.Reason
		if reason == "" {
			reason = "mint transaction reverted"
		}
		if _, _, uerr := e.store.Upsert(ctx, hash, transfer.Patch{
			Observations: []transfer.Observation{{Name: "Mint", State: transfer.StepError, TxHash: txHash, ErrorMessage: reason}},
		}); uerr != nil {
			e.log.Error("record mint failure", "burnTxHash", hash, "err", uerr)
		}
		return Result{MintTxHash: txHash}, transfer.NewFailure(transfer.FailureReverted, reason, nil)
	}
	if ctx.Err() != nil {
		return Result{MintTxHash: txHash, Pending: true}, ctx.Err()
	}
	if transfer.IsNonceUsedErr(err) {
		return e.alreadyMinted(ctx, hash, txHash)
	}
	e.log.Info("mint receipt not observed, checking nonce", "burnTxHash", hash, "mintTxHash", txHash, "err", err)

	if dest.NonceChecker == nil || rec.Nonce == "" {
		return Result{MintTxHash: txHash, Pending: true}, nil
	}
	deadline := e.cfg.Now().Add(e.cfg.FallbackWindow)
	for {
		used, err := e.nonceUsed(ctx, rec, dest)
		if err == nil && used {
			return e.confirmed(ctx, hash, txHash)
		}
		if !e.cfg.Now().Before(deadline) {
			break
		}
		if err := e.cfg.Sleep(ctx, e.cfg.FallbackInterval); err != nil {
			return Result{MintTxHash: txHash, Pending: true}, err
		}
	}
	e.log.Warn("mint outcome unknown after fallback window", "burnTxHash", hash, "mintTxHash", txHash)
	return Result{MintTxHash: txHash, Pending: true}, nil
}

func (e *Executor) submitFailed(ctx context.Context, hash string, err error) (Result, error) {
	if transfer.IsNonceUsedErr(err) {
		return e.alreadyMinted(ctx, hash, "")
	}
	var f *transfer.Failure
	switch {
	case transfer.IsUserRejected(err):
		f = transfer.NewFailure(transfer.FailureUserRejected, "mint was rejected in the wallet", err)
	case errors.Is(err, chain.ErrUnsupported):
		f = transfer.NewFailure(transfer.FailureUnsupported, "minting is not supported on this chain", err)
	case strings.Contains(strings.ToLower(err.Error()), "revert"):
		f = transfer.NewFailure(transfer.FailureReverted, "mint transaction would revert", err)
	default:
		f = transfer.NewFailure(transfer.FailureService, "mint submission failed", err)
	}
	if _, _, uerr := e.store.Upsert(ctx, hash, transfer.Patch{
		Observations: []transfer.Observation{{Name: "Mint", State: transfer.StepError, ErrorMessage: f.Message}},
	}); uerr != nil {
		e.log.Error("record mint failure", "burnTxHash", hash, "err", uerr)
	}
	e.log.Warn("mint submission failed", "burnTxHash", hash, "kind", f.Kind.String(), "err", err)
	return Result{}, f
}

func (e *Executor) confirmed(ctx context.Context, hash, txHash string) (Result, error) {
	rec, _, err := e.store.Upsert(ctx, hash, transfer.Patch{
		Status:       transfer.StatusClaimed,
		ClaimHash:    txHash,
		Observations: []transfer.Observation{{Name: "Mint", State: transfer.StepSuccess, TxHash: txHash}},
	})
	if err != nil {
		return Result{MintTxHash: txHash}, err
	}
	e.log.Info("mint confirmed", "burnTxHash", hash, "mintTxHash", txHash)
	return claimedResult(rec), nil
}

// alreadyMinted records a mint completed by another party. txHash is the
// mint this executor sent, if any.
func (e *Executor) alreadyMinted(ctx context.Context, hash, txHash string) (Result, error) {
	p := transfer.Patch{
		Status:       transfer.StatusClaimed,
		ClaimHash:    txHash,
		Observations: []transfer.Observation{{Name: "Mint", State: transfer.StepSuccess, TxHash: txHash, ErrorMessage: transfer.AlreadyMintedMessage}},
	}
	rec, _, err := e.store.Upsert(ctx, hash, p)
	if err != nil {
		return Result{}, err
	}
	e.log.Info("transfer already minted", "burnTxHash", hash)
	out := claimedResult(rec)
	out.AlreadyMinted = true
	return out, nil
}

func (e *Executor) nonceUsed(ctx context.Context, rec transfer.Record, dest chain.Chain) (bool, error) {
	if dest.NonceChecker == nil || rec.Nonce == "" {
		return false, nil
	}
	used, err := dest.NonceChecker.NonceUsed(ctx, rec.ProtocolVersion, rec.SourceDomain, rec.Nonce)
	if err != nil {
		e.log.Warn("nonce check failed", "burnTxHash", rec.BurnTxHash, "err", err)
	}
	return used, err
}

func (e *Executor) begin(hash string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[hash]; ok {
		return false
	}
	e.inflight[hash] = struct{}{}
	return true
}

func (e *Executor) end(hash string) {
	e.mu.Lock()
	delete(e.inflight, hash)
	e.mu.Unlock()
}

func claimedResult(rec transfer.Record) Result {
	out := Result{Success: true}
	if rec.ClaimHash != transfer.ExternalClaimHash {
		out.MintTxHash = rec.ClaimHash
	} else {
		out.AlreadyMinted = true
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
