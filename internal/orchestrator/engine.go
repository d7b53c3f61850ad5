// Package orchestrator wires the transfer engine: the record store, burn
// watchers, attestation pollers, the claim executor and the reattestation
// requestor, and resumes unfinished transfers on start.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/juno-intents/cctp-orchestrator/internal/attestation"
	"github.com/juno-intents/cctp-orchestrator/internal/burnwatch"
	"github.com/juno-intents/cctp-orchestrator/internal/chain"
	"github.com/juno-intents/cctp-orchestrator/internal/claim"
	"github.com/juno-intents/cctp-orchestrator/internal/initiator"
	"github.com/juno-intents/cctp-orchestrator/internal/leases"
	"github.com/juno-intents/cctp-orchestrator/internal/metrics"
	"github.com/juno-intents/cctp-orchestrator/internal/poller"
	"github.com/juno-intents/cctp-orchestrator/internal/queue"
	"github.com/juno-intents/cctp-orchestrator/internal/reattest"
	"github.com/juno-intents/cctp-orchestrator/internal/scheduler"
	"github.com/juno-intents/cctp-orchestrator/internal/stepevents"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var (
	ErrInvalidConfig = errors.New("orchestrator: invalid config")
	ErrNotStarted    = errors.New("orchestrator: engine not started")
)

// Attestations is the attestation service surface the engine uses.
type Attestations interface {
	Messages(ctx context.Context, version transfer.Version, sourceDomain uint32, txHash string) ([]attestation.Message, error)
	Reattest(ctx context.Context, nonce string) error
	FastFees(ctx context.Context, sourceDomain, destinationDomain uint32) ([]attestation.FeeTier, error)
}

type Config struct {
	// AutoClaim submits the mint as soon as an attestation is ready.
	AutoClaim bool

	// UpdatesTopic receives a transfer update envelope per store write.
	// Empty disables publishing.
	UpdatesTopic string

	FastFeeBufferBps uint32

	PollInterval     time.Duration
	PollMaxDuration  time.Duration
	BurnInterval     time.Duration
	BurnMaxDuration  time.Duration
	Claim            claim.Config
	StepEventAckWait time.Duration
}

type Deps struct {
	Store  transfer.Store
	Chains *chain.Registry
	Iris   Attestations

	// Optional.
	Guard    *leases.Guard
	Producer queue.Producer
	Metrics  *metrics.Registry
}

type Engine struct {
	cfg     Config
	store   *publishingStore
	chains  *chain.Registry
	sched   *scheduler.Scheduler
	metrics *metrics.Registry
	log     *slog.Logger

	watcher   *burnwatch.Watcher
	poller    *poller.Poller
	claimer   *claim.Executor
	reattest  *reattest.Requestor
	initiator *initiator.Initiator
	applier   *stepevents.Applier

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps, log *slog.Logger) (*Engine, error) {
	if deps.Store == nil || deps.Chains == nil || deps.Iris == nil {
		return nil, fmt.Errorf("%w: store, chains and attestation client are required", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}

	e := &Engine{
		cfg:     cfg,
		chains:  deps.Chains,
		sched:   scheduler.New(scheduler.Config{}, log.With("component", "scheduler")),
		metrics: m,
		log:     log,
	}
	e.store = newPublishingStore(deps.Store, deps.Producer, cfg.UpdatesTopic, m, log.With("component", "updates"))

	var err error
	e.watcher, err = burnwatch.New(burnwatch.Config{
		Interval:    cfg.BurnInterval,
		MaxDuration: cfg.BurnMaxDuration,
		OnFailed: func(_ context.Context, rec transfer.Record) {
			e.poller.Stop(rec.BurnTxHash)
		},
	}, e.store, deps.Chains, e.sched, log.With("component", "burnwatch"))
	if err != nil {
		return nil, err
	}
	e.poller, err = poller.New(poller.Config{
		Interval:    cfg.PollInterval,
		MaxDuration: cfg.PollMaxDuration,
		Hooks: poller.Hooks{
			OnReady: func(_ context.Context, rec transfer.Record) {
				e.metrics.PollOutcome("ready")
				if e.cfg.AutoClaim {
					e.goClaim(rec.BurnTxHash)
				}
			},
			OnExpired: func(_ context.Context, rec transfer.Record) {
				e.metrics.PollOutcome("expired")
				e.log.Info("attestation expired, reattestation required", "burnTxHash", rec.BurnTxHash)
			},
			OnStop: func(_ string, reason scheduler.StopReason) {
				e.metrics.PollOutcome("stopped_" + reason.String())
			},
		},
	}, e.store, deps.Chains, deps.Iris, e.sched, deps.Guard, log.With("component", "poller"))
	if err != nil {
		return nil, err
	}
	e.claimer, err = claim.New(cfg.Claim, e.store, deps.Chains, log.With("component", "claim"))
	if err != nil {
		return nil, err
	}
	e.reattest, err = reattest.New(e.store, deps.Iris, log.With("component", "reattest"))
	if err != nil {
		return nil, err
	}
	e.reattest.Resume = func(_ context.Context, rec transfer.Record) {
		e.startPoller(rec.BurnTxHash)
	}
	e.initiator, err = initiator.New(initiator.Config{
		FastFeeBufferBps: cfg.FastFeeBufferBps,
		OnCreated: func(_ context.Context, rec transfer.Record) {
			e.watch(rec)
		},
	}, e.store, deps.Chains, deps.Iris, log.With("component", "initiator"))
	if err != nil {
		return nil, err
	}
	e.applier, err = stepevents.NewApplier(stepevents.ApplierConfig{
		AckTimeout: cfg.StepEventAckWait,
		OnApplied: func(_ context.Context, rec transfer.Record) {
			e.watch(rec)
		},
	}, e.store, log.With("component", "stepevents"))
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Start resumes every unfinished transfer. Tasks run until Stop or until
// ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return nil
	}
	e.baseCtx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	recs, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: list transfers: %w", err)
	}
	resumed := 0
	for _, rec := range recs {
		if rec.Status.Terminal() {
			continue
		}
		e.watch(rec)
		resumed++
	}
	e.log.Info("engine started", "transfers", len(recs), "resumed", resumed, "autoClaim", e.cfg.AutoClaim)
	return nil
}

// Stop cancels all tasks and waits for in-flight auto-claims.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.sched.Stop()
	e.wg.Wait()
}

func (e *Engine) ctx() (context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseCtx == nil || e.baseCtx.Err() != nil {
		return nil, false
	}
	return e.baseCtx, true
}

// watch starts whatever tasks rec still needs.
func (e *Engine) watch(rec transfer.Record) {
	if rec.Status.Terminal() {
		e.stopTasks(rec.BurnTxHash)
		return
	}
	burn := rec.StepState(transfer.StageBurn)
	if burn == transfer.StepError {
		return
	}
	if !burn.Resolved() && !e.sched.Running(burnwatch.TaskName(rec.BurnTxHash)) {
		e.startWatcher(rec.BurnTxHash)
	}
	if rec.AttestationExpired {
		return
	}
	// Polling continues after the attestation is ready so that a mint made
	// elsewhere or an expiry is still observed.
	if !e.poller.Running(rec.BurnTxHash) {
		e.startPoller(rec.BurnTxHash)
	}
	ready := rec.StepState(transfer.StageFetchAttestation) == transfer.StepSuccess && rec.Attestation != ""
	if ready && e.cfg.AutoClaim && rec.StepState(transfer.StageMint) != transfer.StepError {
		e.goClaim(rec.BurnTxHash)
	}
}

func (e *Engine) startWatcher(hash string) {
	ctx, ok := e.ctx()
	if !ok {
		return
	}
	h, err := e.watcher.Start(ctx, hash)
	if err != nil {
		e.log.Error("start burn watcher", "burnTxHash", hash, "err", err)
		return
	}
	e.trackTask("burn", h)
}

func (e *Engine) startPoller(hash string) {
	ctx, ok := e.ctx()
	if !ok {
		return
	}
	h, err := e.poller.Start(ctx, hash)
	if err != nil {
		e.log.Error("start attestation poller", "burnTxHash", hash, "err", err)
		return
	}
	e.trackTask("attest", h)
}

func (e *Engine) trackTask(kind string, h *scheduler.Handle) {
	e.metrics.TaskStarted(kind)
	go func() {
		<-h.Done()
		e.metrics.TaskStopped(kind)
	}()
}

func (e *Engine) stopTasks(hash string) {
	e.watcher.Stop(hash)
	e.poller.Stop(hash)
}

func (e *Engine) goClaim(hash string) {
	ctx, ok := e.ctx()
	if !ok {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Claim(ctx, hash); err != nil && transfer.FailureKindOf(err) != transfer.FailurePrecondition {
			e.log.Warn("auto-claim failed", "burnTxHash", hash, "err", err)
		}
	}()
}

func (e *Engine) Initiate(ctx context.Context, req initiator.Request) (transfer.Record, error) {
	if _, ok := e.ctx(); !ok {
		return transfer.Record{}, ErrNotStarted
	}
	return e.initiator.Initiate(ctx, req)
}

// Track registers an externally submitted burn and starts watching it.
// Tracking a known burn restarts any tasks it still needs.
func (e *Engine) Track(ctx context.Context, req initiator.TrackRequest) (transfer.Record, error) {
	if _, ok := e.ctx(); !ok {
		return transfer.Record{}, ErrNotStarted
	}
	rec, err := e.initiator.Track(ctx, req)
	if err != nil {
		return rec, err
	}
	e.watch(rec)
	return rec, nil
}

func (e *Engine) Claim(ctx context.Context, burnTxHash string) (claim.Result, error) {
	res, err := e.claimer.Claim(ctx, burnTxHash)
	switch {
	case err != nil:
		e.metrics.Claim(transfer.FailureKindOf(err).String())
	case res.Pending:
		e.metrics.Claim("pending")
	case res.AlreadyMinted:
		e.metrics.Claim("already_minted")
	default:
		e.metrics.Claim("success")
	}
	if err == nil && res.Success {
		e.stopTasks(transfer.NormalizeHash(burnTxHash))
	}
	return res, err
}

func (e *Engine) Reattest(ctx context.Context, burnTxHash string) (transfer.Record, error) {
	if _, ok := e.ctx(); !ok {
		return transfer.Record{}, ErrNotStarted
	}
	rec, err := e.reattest.Reattest(ctx, burnTxHash)
	if err != nil {
		e.metrics.Reattest(transfer.FailureKindOf(err).String())
		return rec, err
	}
	e.metrics.Reattest("requested")
	return rec, nil
}

// Remove stops a transfer's tasks and deletes its record.
func (e *Engine) Remove(ctx context.Context, burnTxHash string) error {
	hash := transfer.NormalizeHash(burnTxHash)
	e.stopTasks(hash)
	return e.store.Remove(ctx, hash)
}

func (e *Engine) Get(ctx context.Context, burnTxHash string) (transfer.Record, error) {
	return e.store.Get(ctx, burnTxHash)
}

func (e *Engine) List(ctx context.Context) ([]transfer.Record, error) {
	return e.store.List(ctx)
}

// ApplyStepEvent merges a reported stage observation.
func (e *Engine) ApplyStepEvent(ctx context.Context, ev stepevents.Event) (transfer.Record, error) {
	return e.applier.Apply(ctx, ev)
}

// ConsumeStepEvents applies events from consumer until ctx is done.
func (e *Engine) ConsumeStepEvents(ctx context.Context, consumer queue.Consumer) error {
	return e.applier.Run(ctx, consumer)
}

// Chains returns the configured chain names.
func (e *Engine) Chains() []string { return e.chains.Names() }

// Running reports which tasks are active for a transfer.
func (e *Engine) Running(burnTxHash string) (burnWatch, attestPoll bool) {
	hash := transfer.NormalizeHash(burnTxHash)
	return e.sched.Running(burnwatch.TaskName(hash)), e.poller.Running(hash)
}

func (e *Engine) Metrics() *metrics.Registry { return e.metrics }
