// Package burnwatch detects burns that fail on-chain after being accepted by
// the network. A failed burn never produces an attestation, so the transfer
// is marked failed here rather than by the attestation poller.
package burnwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/juno-intents/cctp-orchestrator/internal/chain"
	"github.com/juno-intents/cctp-orchestrator/internal/scheduler"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var ErrInvalidConfig = errors.New("burnwatch: invalid config")

type Outcome uint8

const (
	OutcomeIdle Outcome = iota
	OutcomePending
	OutcomeConfirmed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	default:
		return "idle"
	}
}

type Store interface {
	transfer.Getter
	transfer.Upserter
}

type Config struct {
	Interval    time.Duration
	MaxDuration time.Duration

	// OnFailed runs after a burn failure has been recorded.
	OnFailed func(ctx context.Context, rec transfer.Record)
}

type Watcher struct {
	cfg    Config
	store  Store
	chains *chain.Registry
	sched  *scheduler.Scheduler
	log    *slog.Logger
}

func New(cfg Config, store Store, chains *chain.Registry, sched *scheduler.Scheduler, log *slog.Logger) (*Watcher, error) {
	if store == nil || chains == nil || sched == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
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
	return &Watcher{cfg: cfg, store: store, chains: chains, sched: sched, log: log}, nil
}

// TaskName is the scheduler name of the watcher for a transfer.
func TaskName(burnTxHash string) string { return "burn:" + burnTxHash }

// Start watches the burn of burnTxHash until it resolves, the transfer
// becomes terminal, or MaxDuration elapses.
func (w *Watcher) Start(ctx context.Context, burnTxHash string) (*scheduler.Handle, error) {
	hash := transfer.NormalizeHash(burnTxHash)
	return w.sched.Start(ctx, TaskName(hash), scheduler.Task{
		Interval:    w.cfg.Interval,
		MaxDuration: w.cfg.MaxDuration,
		Run: func(ctx context.Context, t scheduler.Tick) (bool, error) {
			out, err := w.check(ctx, hash, t.Current)
			return out != OutcomePending, err
		},
	})
}

func (w *Watcher) Stop(burnTxHash string) {
	w.sched.Cancel(TaskName(transfer.NormalizeHash(burnTxHash)))
}

// Check runs one confirmation check outside the scheduler.
func (w *Watcher) Check(ctx context.Context, burnTxHash string) (Outcome, error) {
	return w.check(ctx, transfer.NormalizeHash(burnTxHash), func() bool { return true })
}

func (w *Watcher) check(ctx context.Context, hash string, current func() bool) (Outcome, error) {
	rec, err := w.store.Get(ctx, hash)
	if errors.Is(err, transfer.ErrNotFound) {
		return OutcomeIdle, nil
	}
	if err != nil {
		return OutcomePending, err
	}
	if rec.Status.Terminal() {
		return OutcomeIdle, nil
	}
	if rec.StepState(transfer.StageBurn).Resolved() {
		return OutcomeConfirmed, nil
	}

	origin, err := w.chains.Get(rec.OriginChain)
	if err != nil {
		return OutcomeIdle, err
	}
	if origin.BurnChecker == nil {
		w.log.Debug("no burn checker for chain", "burnTxHash", hash, "chain", origin.Name)
		return OutcomeIdle, nil
	}

	res, err := origin.BurnChecker.BurnStatus(ctx, hash)
	if err != nil {
		return OutcomePending, err
	}
	if !current() {
		return OutcomeIdle, nil
	}

	switch res.Status {
	case chain.BurnConfirmed:
		if _, _, err := w.store.Upsert(ctx, hash, transfer.Patch{
			Observations: []transfer.Observation{{Name: "Burn", State: transfer.StepSuccess, TxHash: hash}},
		}); err != nil {
			return OutcomePending, err
		}
		w.log.Info("burn confirmed", "burnTxHash", hash, "chain", origin.Name)
		return OutcomeConfirmed, nil

	case chain.BurnFailed:
		reason := res.Reason
		if reason == "" {
			reason = "burn transaction failed"
		}
		rec, _, err := w.store.Upsert(ctx, hash, transfer.Patch{
			Status:        transfer.StatusFailed,
			FailureReason: reason,
			Observations:  []transfer.Observation{{Name: "Burn", State: transfer.StepError, TxHash: hash, ErrorMessage: reason}},
		})
		if errors.Is(err, transfer.ErrInvalidTransition) {
			// Claimed or failed by another observer in the meantime.
			return OutcomeIdle, nil
		}
		if err != nil {
			return OutcomePending, err
		}
		w.log.Warn("burn failed", "burnTxHash", hash, "chain", origin.Name, "reason", reason)
		if w.cfg.OnFailed != nil {
			w.cfg.OnFailed(ctx, rec)
		}
		return OutcomeFailed, nil

	default:
		return OutcomePending, nil
	}
}
