// Package initiator starts transfers: it submits the burn on the origin
// chain and inserts the transfer record before any confirmation arrives.
package initiator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/juno-intents/cctp-orchestrator/internal/attestation"
	"github.com/juno-intents/cctp-orchestrator/internal/chain"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var ErrInvalidConfig = errors.New("initiator: invalid config")

// FeeQuoter quotes fast-transfer fees for a route.
type FeeQuoter interface {
	FastFees(ctx context.Context, sourceDomain, destinationDomain uint32) ([]attestation.FeeTier, error)
}

type Config struct {
	// FastFeeBufferBps is added to the quoted fast-transfer fee.
	FastFeeBufferBps uint32

	// OnCreated runs after a new transfer record was inserted.
	OnCreated func(ctx context.Context, rec transfer.Record)
}

// Request starts a transfer from a wallet held by this process.
type Request struct {
	OriginChain   string
	TargetChain   string
	TargetAddress string
	Amount        uint64
	Version       transfer.Version
	Speed         transfer.Speed
}

// TrackRequest registers a burn submitted elsewhere.
type TrackRequest struct {
	BurnTxHash    string
	OriginChain   string
	TargetChain   string
	TargetAddress string
	Sender        string
	Amount        uint64
	Version       transfer.Version
	Speed         transfer.Speed
	MaxFee        uint64
	// ApproveTxHash is empty when no approval was needed.
	ApproveTxHash string
}

type Initiator struct {
	cfg    Config
	store  transfer.Upserter
	chains *chain.Registry
	fees   FeeQuoter
	log    *slog.Logger
}

func New(cfg Config, store transfer.Upserter, chains *chain.Registry, fees FeeQuoter, log *slog.Logger) (*Initiator, error) {
	if store == nil || chains == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.FastFeeBufferBps >= 10_000 {
		return nil, fmt.Errorf("%w: fast fee buffer must be < 10000 bps", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Initiator{cfg: cfg, store: store, chains: chains, fees: fees, log: log}, nil
}

type route struct {
	origin    chain.Chain
	target    chain.Chain
	recipient [32]byte
}

func (in *Initiator) resolve(originName, targetName, targetAddress string, amount uint64, v transfer.Version, speed transfer.Speed) (route, error) {
	if amount == 0 {
		return route{}, transfer.NewFailure(transfer.FailurePrecondition, "amount must be greater than zero", transfer.ErrInvalidInput)
	}
	if v != transfer.V1 && v != transfer.V2 {
		return route{}, transfer.NewFailure(transfer.FailurePrecondition, "protocol version must be v1 or v2", transfer.ErrInvalidInput)
	}
	if speed == transfer.SpeedFast && v != transfer.V2 {
		return route{}, transfer.NewFailure(transfer.FailureUnsupported, "fast transfers require protocol v2", transfer.ErrInvalidInput)
	}
	origin, err := in.chains.Get(originName)
	if err != nil {
		return route{}, transfer.NewFailure(transfer.FailurePrecondition, "origin chain is not configured", err)
	}
	target, err := in.chains.Get(targetName)
	if err != nil {
		return route{}, transfer.NewFailure(transfer.FailurePrecondition, "target chain is not configured", err)
	}
	if origin.Name == target.Name {
		return route{}, transfer.NewFailure(transfer.FailurePrecondition, "origin and target chain must differ", transfer.ErrInvalidInput)
	}
	recipient, err := chain.MintRecipient(target.Family, targetAddress)
	if err != nil {
		return route{}, transfer.NewFailure(transfer.FailurePrecondition, "target address is invalid for the target chain", err)
	}
	return route{origin: origin, target: target, recipient: recipient}, nil
}

// Initiate approves and burns on the origin chain, then records the
// transfer with Burn pending. The burn is submitted once; a failure leaves
// no record behind.
func (in *Initiator) Initiate(ctx context.Context, req Request) (transfer.Record, error) {
	rt, err := in.resolve(req.OriginChain, req.TargetChain, req.TargetAddress, req.Amount, req.Version, req.Speed)
	if err != nil {
		return transfer.Record{}, err
	}
	if rt.origin.Burner == nil {
		return transfer.Record{}, transfer.NewFailure(transfer.FailureUnsupported,
			fmt.Sprintf("cannot sign on %s", rt.origin.Name), chain.ErrUnsupported)
	}

	burn := chain.BurnRequest{
		Version:           req.Version,
		Amount:            req.Amount,
		DestinationDomain: rt.target.Domain,
		MintRecipient:     rt.recipient,
	}
	if req.Version == transfer.V2 {
		burn.MinFinalityThreshold = attestation.FinalityStandard
		if req.Speed == transfer.SpeedFast {
			fee, err := in.fastFee(ctx, rt, req.Amount)
			if err != nil {
				return transfer.Record{}, err
			}
			burn.MaxFee = fee
			burn.MinFinalityThreshold = attestation.FinalityFast
		}
	}

	sub, err := rt.origin.Burner.Burn(ctx, burn)
	if err != nil {
		return transfer.Record{}, burnFailure(err)
	}
	in.log.Info("burn submitted",
		"burnTxHash", sub.BurnTxHash,
		"origin", rt.origin.Name,
		"target", rt.target.Name,
		"amount", req.Amount,
		"version", req.Version.String(),
		"speed", req.Speed.String(),
	)

	return in.seed(ctx, sub.BurnTxHash, rt, seedFields{
		targetAddress: req.TargetAddress,
		sender:        sub.Sender,
		amount:        req.Amount,
		version:       req.Version,
		speed:         req.Speed,
		maxFee:        burn.MaxFee,
		approveTxHash: sub.ApproveTxHash,
	})
}

// Track records a burn that was submitted outside this process.
func (in *Initiator) Track(ctx context.Context, req TrackRequest) (transfer.Record, error) {
	hash := transfer.NormalizeHash(req.BurnTxHash)
	if hash == "" {
		return transfer.Record{}, transfer.NewFailure(transfer.FailurePrecondition, "burn transaction hash is required", transfer.ErrInvalidInput)
	}
	rt, err := in.resolve(req.OriginChain, req.TargetChain, req.TargetAddress, req.Amount, req.Version, req.Speed)
	if err != nil {
		return transfer.Record{}, err
	}
	return in.seed(ctx, hash, rt, seedFields{
		targetAddress: req.TargetAddress,
		sender:        req.Sender,
		amount:        req.Amount,
		version:       req.Version,
		speed:         req.Speed,
		maxFee:        req.MaxFee,
		approveTxHash: req.ApproveTxHash,
	})
}

type seedFields struct {
	targetAddress string
	sender        string
	amount        uint64
	version       transfer.Version
	speed         transfer.Speed
	maxFee        uint64
	approveTxHash string
}

func (in *Initiator) seed(ctx context.Context, hash string, rt route, f seedFields) (transfer.Record, error) {
	hash = transfer.NormalizeHash(hash)
	var obs []transfer.Observation
	if rt.origin.Family.RequiresApproval() {
		if f.approveTxHash != "" {
			obs = append(obs, transfer.Observation{Name: "Approve", State: transfer.StepSuccess, TxHash: f.approveTxHash})
		} else {
			obs = append(obs, transfer.Observation{Name: "Approve", State: transfer.StepNoop})
		}
	}
	obs = append(obs, transfer.Observation{Name: "Burn", State: transfer.StepPending, TxHash: hash})

	p := transfer.Patch{
		OriginChain:       rt.origin.Name,
		OriginFamily:      rt.origin.Family,
		TargetChain:       rt.target.Name,
		TargetAddress:     strings.TrimSpace(f.targetAddress),
		Sender:            f.sender,
		Amount:            f.amount,
		ProtocolVersion:   f.version,
		TransferSpeed:     transfer.SpeedPtr(f.speed),
		SourceDomain:      transfer.Uint32Ptr(rt.origin.Domain),
		DestinationDomain: transfer.Uint32Ptr(rt.target.Domain),
		Observations:      obs,
	}
	if f.maxFee > 0 {
		p.MaxFee = transfer.Uint64Ptr(f.maxFee)
	}
	rec, created, err := in.store.Upsert(ctx, hash, p)
	if err != nil {
		return transfer.Record{}, err
	}
	if created && in.cfg.OnCreated != nil {
		in.cfg.OnCreated(ctx, rec)
	}
	return rec, nil
}

func (in *Initiator) fastFee(ctx context.Context, rt route, amount uint64) (uint64, error) {
	if in.fees == nil {
		return 0, transfer.NewFailure(transfer.FailureUnsupported, "fast transfer fees are unavailable", chain.ErrUnsupported)
	}
	tiers, err := in.fees.FastFees(ctx, rt.origin.Domain, rt.target.Domain)
	if err != nil {
		return 0, transfer.NewFailure(transfer.FailureService, "fast transfer fee quote failed", err)
	}
	fee, err := attestation.MaxFee(tiers, attestation.FinalityFast, amount, in.cfg.FastFeeBufferBps)
	if err != nil {
		return 0, transfer.NewFailure(transfer.FailureUnsupported, "fast transfer is not available for this route", err)
	}
	if fee >= amount {
		return 0, transfer.NewFailure(transfer.FailurePrecondition, "amount does not cover the fast transfer fee", transfer.ErrInvalidInput)
	}
	return fee, nil
}

func burnFailure(err error) error {
	switch {
	case transfer.IsUserRejected(err):
		return transfer.NewFailure(transfer.FailureUserRejected, "burn was rejected in the wallet", err)
	case errors.Is(err, chain.ErrUnsupported):
		return transfer.NewFailure(transfer.FailureUnsupported, "burn is not supported on this chain", err)
	case strings.Contains(strings.ToLower(err.Error()), "revert"):
		return transfer.NewFailure(transfer.FailureBurnFailed, "burn transaction would revert", err)
	default:
		return transfer.NewFailure(transfer.FailureService, "burn submission failed", err)
	}
}
