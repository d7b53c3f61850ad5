package stepevents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/juno-intents/cctp-orchestrator/internal/queue"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

// ErrUnknownTransfer is returned for events about burns the store has
// never seen. Events never create records.
var ErrUnknownTransfer = errors.New("stepevents: unknown transfer")

type Store interface {
	transfer.Getter
	transfer.Upserter
}

type ApplierConfig struct {
	AckTimeout time.Duration
	// OnApplied runs after an event changed a record.
	OnApplied func(ctx context.Context, rec transfer.Record)
}

type Applier struct {
	cfg   ApplierConfig
	store Store
	log   *slog.Logger
}

func NewApplier(cfg ApplierConfig, store Store, log *slog.Logger) (*Applier, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Applier{cfg: cfg, store: store, log: log}, nil
}

// Apply merges ev into its transfer record.
func (a *Applier) Apply(ctx context.Context, ev Event) (transfer.Record, error) {
	obs, err := ev.Observation()
	if err != nil {
		return transfer.Record{}, err
	}
	if _, err := a.store.Get(ctx, ev.BurnTxHash); err != nil {
		if errors.Is(err, transfer.ErrNotFound) {
			return transfer.Record{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, ev.BurnTxHash)
		}
		return transfer.Record{}, err
	}
	rec, _, err := a.store.Upsert(ctx, ev.BurnTxHash, transfer.Patch{Observations: []transfer.Observation{obs}})
	if err != nil {
		return transfer.Record{}, err
	}
	if a.cfg.OnApplied != nil {
		a.cfg.OnApplied(ctx, rec)
	}
	return rec, nil
}

// Run applies events from consumer until ctx is done or the consumer
// closes. Malformed and unknown-transfer events are acked and dropped;
// store failures leave the message unacked for redelivery.
func (a *Applier) Run(ctx context.Context, consumer queue.Consumer) error {
	msgCh := consumer.Messages()
	errCh := consumer.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			a.log.Error("step event consumer", "err", err)
		case msg, ok := <-msgCh:
			if !ok {
				return nil
			}
			a.handle(ctx, msg)
		}
	}
}

func (a *Applier) handle(ctx context.Context, msg queue.Message) {
	ev, err := Decode(msg.Value)
	if err != nil {
		a.log.Warn("drop step event", "topic", msg.Topic, "err", err)
		a.ack(msg)
		return
	}
	rec, err := a.Apply(ctx, ev)
	switch {
	case err == nil:
		a.log.Info("step event applied", "burnTxHash", rec.BurnTxHash, "eventId", ev.EventID, "stage", ev.Stage, "state", ev.State)
		a.ack(msg)
	case errors.Is(err, ErrUnknownTransfer), errors.Is(err, transfer.ErrInvalidInput), errors.Is(err, transfer.ErrRecordMismatch), errors.Is(err, transfer.ErrInvalidTransition):
		a.log.Warn("drop step event", "burnTxHash", ev.BurnTxHash, "eventId", ev.EventID, "err", err)
		a.ack(msg)
	default:
		a.log.Error("apply step event", "burnTxHash", ev.BurnTxHash, "eventId", ev.EventID, "err", err)
	}
}

func (a *Applier) ack(msg queue.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.AckTimeout)
	defer cancel()
	if err := msg.Ack(ctx); err != nil {
		a.log.Error("ack queue message", "topic", msg.Topic, "err", err)
	}
}
