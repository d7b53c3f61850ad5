// Package poller watches a transfer's attestation until the mint can be
// executed, was executed elsewhere, or the attestation expired.
//
// Each transfer is polled by at most one task in this process (scheduler
// names) and, when a lease guard is configured, by at most one process.
// Every tick re-reads the record from the store and checks that it is still
// current before writing, so a late response never overwrites newer state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/juno-intents/cctp-orchestrator/internal/attestation"
	"github.com/juno-intents/cctp-orchestrator/internal/chain"
	"github.com/juno-intents/cctp-orchestrator/internal/leases"
	"github.com/juno-intents/cctp-orchestrator/internal/scheduler"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var ErrInvalidConfig = errors.New("poller: invalid config")

// Outcome is the result of one poll.
type Outcome uint8

const (
	// OutcomeIdle means there is nothing to poll: the transfer is terminal,
	// expired, unknown, or lacks the identifiers needed to query.
	OutcomeIdle Outcome = iota
	OutcomePending
	OutcomeReady
	OutcomeAlreadyMinted
	OutcomeExpired
	OutcomeFailed
	// OutcomeLeased means another process holds the poll lease.
	OutcomeLeased
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeReady:
		return "attestation_ready"
	case OutcomeAlreadyMinted:
		return "already_minted"
	case OutcomeExpired:
		return "message_expired"
	case OutcomeFailed:
		return "failed"
	case OutcomeLeased:
		return "leased"
	default:
		return "idle"
	}
}

// Stops reports whether polling ends after o.
func (o Outcome) Stops() bool {
	switch o {
	case OutcomeIdle, OutcomeAlreadyMinted, OutcomeExpired, OutcomeFailed:
		return true
	default:
		return false
	}
}

// Attestations is the read side of the attestation service.
type Attestations interface {
	Messages(ctx context.Context, version transfer.Version, sourceDomain uint32, txHash string) ([]attestation.Message, error)
}

type Store interface {
	transfer.Getter
	transfer.Upserter
}

type Hooks struct {
	// OnReady runs when the attestation first becomes usable.
	OnReady func(ctx context.Context, rec transfer.Record)
	// OnExpired runs when a v2 message needs reattestation.
	OnExpired func(ctx context.Context, rec transfer.Record)
	// OnStop runs when the poll task for a transfer ends.
	OnStop func(burnTxHash string, reason scheduler.StopReason)
}

type Config struct {
	Interval    time.Duration
	MaxDuration time.Duration

	Hooks Hooks
}

type Poller struct {
	cfg    Config
	store  Store
	chains *chain.Registry
	iris   Attestations
	sched  *scheduler.Scheduler
	guard  *leases.Guard
	log    *slog.Logger
}

// New returns a Poller. guard may be nil for a single-process deployment.
func New(cfg Config, store Store, chains *chain.Registry, iris Attestations, sched *scheduler.Scheduler, guard *leases.Guard, log *slog.Logger) (*Poller, error) {
	if store == nil || chains == nil || iris == nil || sched == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = time.Hour
	}
	if cfg.Interval < 0 || cfg.MaxDuration < 0 {
		return nil, fmt.Errorf("%w: interval and max duration must be > 0", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Poller{cfg: cfg, store: store, chains: chains, iris: iris, sched: sched, guard: guard, log: log}, nil
}

// TaskName is the scheduler name of the poller for a transfer.
func TaskName(burnTxHash string) string { return "attest:" + burnTxHash }

// Start begins polling burnTxHash, replacing any poll already running for it.
func (p *Poller) Start(ctx context.Context, burnTxHash string) (*scheduler.Handle, error) {
	hash := transfer.NormalizeHash(burnTxHash)
	return p.sched.Start(ctx, TaskName(hash), scheduler.Task{
		Interval:    p.cfg.Interval,
		MaxDuration: p.cfg.MaxDuration,
		Run: func(ctx context.Context, t scheduler.Tick) (bool, error) {
			out, err := p.poll(ctx, hash, t.Current)
			return out.Stops(), err
		},
		OnStop: func(reason scheduler.StopReason) {
			if p.guard != nil {
				dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := p.guard.Drop(dctx, leases.PollName(hash)); err != nil {
					p.log.Warn("release poll lease", "burnTxHash", hash, "err", err)
				}
				cancel()
			}
			p.log.Debug("poller stopped", "burnTxHash", hash, "reason", reason.String())
			if p.cfg.Hooks.OnStop != nil {
				p.cfg.Hooks.OnStop(hash, reason)
			}
		},
	})
}

func (p *Poller) Stop(burnTxHash string) {
	p.sched.Cancel(TaskName(transfer.NormalizeHash(burnTxHash)))
}

func (p *Poller) Running(burnTxHash string) bool {
	return p.sched.Running(TaskName(transfer.NormalizeHash(burnTxHash)))
}

// Poll runs one poll outside the scheduler.
func (p *Poller) Poll(ctx context.Context, burnTxHash string) (Outcome, error) {
	return p.poll(ctx, transfer.NormalizeHash(burnTxHash), func() bool { return true })
}

func (p *Poller) poll(ctx context.Context, hash string, current func() bool) (Outcome, error) {
	rec, err := p.store.Get(ctx, hash)
	if errors.Is(err, transfer.ErrNotFound) {
		return OutcomeIdle, nil
	}
	if err != nil {
		return OutcomePending, err
	}
	if rec.Status.Terminal() || rec.AttestationExpired || rec.StepState(transfer.StageBurn) == transfer.StepError {
		return OutcomeIdle, nil
	}
	if rec.OriginChain == "" || rec.TargetChain == "" || rec.ProtocolVersion == transfer.VersionUnknown {
		p.log.Debug("transfer lacks identifiers for polling", "burnTxHash", hash)
		return OutcomeIdle, nil
	}
	origin, err := p.chains.Get(rec.OriginChain)
	if err != nil {
		return OutcomeIdle, err
	}
	dest, err := p.chains.Get(rec.TargetChain)
	if err != nil {
		return OutcomeIdle, err
	}

	if p.guard != nil {
		held, err := p.guard.Hold(ctx, leases.PollName(hash))
		if err != nil {
			return OutcomePending, fmt.Errorf("poller: hold lease: %w", err)
		}
		if !held {
			return OutcomeLeased, nil
		}
	}

	msgs, err := p.iris.Messages(ctx, rec.ProtocolVersion, origin.Domain, hash)
	if errors.Is(err, attestation.ErrNotFound) {
		return OutcomePending, nil
	}
	if err != nil {
		return OutcomePending, err
	}
	msg := msgs[0]

	var patch transfer.Patch
	if msg.Nonce != "" && msg.Nonce != rec.Nonce {
		patch.Nonce = msg.Nonce
		rec.Nonce = msg.Nonce
	}
	if rec.SourceDomain != origin.Domain {
		patch.SourceDomain = transfer.Uint32Ptr(origin.Domain)
	}
	if msg.DestinationDomain != nil && *msg.DestinationDomain != rec.DestinationDomain {
		patch.DestinationDomain = transfer.Uint32Ptr(*msg.DestinationDomain)
	}
	if msg.DelayReason != "" && rec.TransferSpeed == transfer.SpeedFast {
		patch.TransferSpeed = transfer.SpeedPtr(transfer.SpeedStandard)
		p.log.Info("fast transfer delayed, continuing at standard finality", "burnTxHash", hash, "delayReason", msg.DelayReason)
	}
	// The service only reports messages for burns it observed on-chain.
	if !rec.StepState(transfer.StageBurn).Resolved() {
		patch.Observations = append(patch.Observations, transfer.Observation{Name: "Burn", State: transfer.StepSuccess, TxHash: hash})
	}

	if rec.Nonce != "" && dest.NonceChecker != nil {
		used, err := dest.NonceChecker.NonceUsed(ctx, rec.ProtocolVersion, origin.Domain, rec.Nonce)
		if err != nil {
			p.log.Warn("nonce check failed", "burnTxHash", hash, "err", err)
		} else if used {
			return p.alreadyMinted(ctx, rec, patch, current)
		}
	}

	if !msg.Ready() {
		return OutcomePending, p.write(ctx, hash, patch, current)
	}

	if dest.MintSimulator != nil {
		msgBytes, err := chain.DecodeHex(msg.Message)
		if err != nil {
			return OutcomePending, fmt.Errorf("poller: message: %w", err)
		}
		attBytes, err := chain.DecodeHex(msg.Attestation)
		if err != nil {
			return OutcomePending, fmt.Errorf("poller: attestation: %w", err)
		}
		sim, err := dest.MintSimulator.SimulateMint(ctx, rec.ProtocolVersion, msgBytes, attBytes)
		if err != nil {
			return OutcomePending, errors.Join(err, p.write(ctx, hash, patch, current))
		}
		switch sim.Outcome {
		case chain.SimAlreadyUsed:
			return p.alreadyMinted(ctx, rec, patch, current)
		case chain.SimExpired:
			return p.expired(ctx, rec, patch, sim.Reason, current)
		case chain.SimReverted:
			p.log.Warn("mint simulation reverted", "burnTxHash", hash, "reason", sim.Reason)
			return OutcomePending, p.write(ctx, hash, patch, current)
		}
	}

	wasReady := rec.StepState(transfer.StageFetchAttestation) == transfer.StepSuccess && rec.Attestation == msg.Attestation
	patch.Message = msg.Message
	patch.Attestation = msg.Attestation
	patch.Observations = append(patch.Observations, transfer.Observation{Name: "FetchAttestation", State: transfer.StepSuccess})
	if !current() {
		return OutcomeIdle, nil
	}
	updated, _, err := p.store.Upsert(ctx, hash, patch)
	if err != nil {
		return OutcomePending, err
	}
	if !wasReady {
		p.log.Info("attestation ready", "burnTxHash", hash, "nonce", updated.Nonce)
		if p.cfg.Hooks.OnReady != nil {
			p.cfg.Hooks.OnReady(ctx, updated)
		}
	}
	return OutcomeReady, nil
}

func (p *Poller) write(ctx context.Context, hash string, patch transfer.Patch, current func() bool) error {
	if isEmpty(patch) || !current() {
		return nil
	}
	_, _, err := p.store.Upsert(ctx, hash, patch)
	return err
}

// alreadyMinted records a consumed nonce as a claim. A mint this engine
// submitted earlier keeps its own tx hash as the claim hash.
func (p *Poller) alreadyMinted(ctx context.Context, rec transfer.Record, patch transfer.Patch, current func() bool) (Outcome, error) {
	if !current() {
		return OutcomeIdle, nil
	}
	hash := rec.BurnTxHash
	mint := transfer.Observation{Name: "Mint", State: transfer.StepSuccess, ErrorMessage: transfer.AlreadyMintedMessage}
	if own, ok := rec.Step(transfer.StageMint); ok && own.TxHash != "" && own.State != transfer.StepError {
		patch.ClaimHash = own.TxHash
		mint = transfer.Observation{Name: "Mint", State: transfer.StepSuccess, TxHash: own.TxHash}
	}
	patch.Status = transfer.StatusClaimed
	patch.Observations = append(patch.Observations,
		transfer.Observation{Name: "FetchAttestation", State: transfer.StepSuccess},
		mint,
	)
	_, _, err := p.store.Upsert(ctx, hash, patch)
	if errors.Is(err, transfer.ErrInvalidTransition) {
		return OutcomeIdle, nil
	}
	if err != nil {
		return OutcomePending, err
	}
	p.log.Info("transfer already minted", "burnTxHash", hash)
	return OutcomeAlreadyMinted, nil
}

// expired handles a message whose attestation can no longer be used. V2
// messages can be reattested; v1 messages cannot and the transfer fails.
func (p *Poller) expired(ctx context.Context, rec transfer.Record, patch transfer.Patch, reason string, current func() bool) (Outcome, error) {
	if !current() {
		return OutcomeIdle, nil
	}
	if reason == "" {
		reason = "message expired"
	}
	if rec.ProtocolVersion != transfer.V2 {
		patch.Status = transfer.StatusFailed
		patch.FailureReason = "message expired: " + reason
		patch.Observations = append(patch.Observations, transfer.Observation{Name: "FetchAttestation", State: transfer.StepError, ErrorMessage: reason})
		_, _, err := p.store.Upsert(ctx, rec.BurnTxHash, patch)
		if err != nil && !errors.Is(err, transfer.ErrInvalidTransition) {
			return OutcomePending, err
		}
		p.log.Warn("v1 message expired", "burnTxHash", rec.BurnTxHash, "reason", reason)
		return OutcomeFailed, nil
	}

	patch.AttestationExpired = transfer.BoolPtr(true)
	patch.Observations = append(patch.Observations, transfer.Observation{Name: "FetchAttestation", State: transfer.StepError, ErrorMessage: "attestation expired: " + reason})
	updated, _, err := p.store.Upsert(ctx, rec.BurnTxHash, patch)
	if err != nil {
		return OutcomePending, err
	}
	p.log.Info("attestation expired, reattestation required", "burnTxHash", rec.BurnTxHash)
	if p.cfg.Hooks.OnExpired != nil {
		p.cfg.Hooks.OnExpired(ctx, updated)
	}
	return OutcomeExpired, nil
}

func isEmpty(p transfer.Patch) bool {
	return p.Nonce == "" && p.SourceDomain == nil && p.DestinationDomain == nil &&
		p.TransferSpeed == nil && len(p.Observations) == 0
}
