package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juno-intents/cctp-orchestrator/internal/metrics"
	"github.com/juno-intents/cctp-orchestrator/internal/queue"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

const UpdateVersion = "cctp.transfer_updated.v1"

// Update is published after every successful store mutation.
type Update struct {
	Version    string           `json:"version"`
	EventID    string           `json:"eventId"`
	BurnTxHash string           `json:"burnTxHash"`
	Created    bool             `json:"created,omitempty"`
	Removed    bool             `json:"removed,omitempty"`
	Transfer   *transfer.Record `json:"transfer,omitempty"`
	At         time.Time        `json:"at"`
}

// publishingStore fans every mutation out to the update topic and the
// metrics registry. Publish failures are logged and counted; they never
// fail the write.
type publishingStore struct {
	transfer.Store

	producer       queue.Producer
	topic          string
	publishTimeout time.Duration
	metrics        *metrics.Registry
	now            func() time.Time
	log            *slog.Logger
}

func newPublishingStore(inner transfer.Store, producer queue.Producer, topic string, m *metrics.Registry, log *slog.Logger) *publishingStore {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &publishingStore{
		Store:          inner,
		producer:       producer,
		topic:          topic,
		publishTimeout: 5 * time.Second,
		metrics:        m,
		now:            time.Now,
		log:            log,
	}
}

func (s *publishingStore) Upsert(ctx context.Context, burnTxHash string, p transfer.Patch) (transfer.Record, bool, error) {
	prev := transfer.StatusUnknown
	if cur, err := s.Store.Get(ctx, burnTxHash); err == nil {
		prev = cur.Status
	} else if !errors.Is(err, transfer.ErrNotFound) {
		return transfer.Record{}, false, err
	}

	rec, created, err := s.Store.Upsert(ctx, burnTxHash, p)
	if err != nil {
		return rec, created, err
	}
	if created {
		s.metrics.TransferCreated(rec.OriginChain, rec.TargetChain, rec.ProtocolVersion.String())
	}
	if rec.Status != prev && rec.Status.Terminal() {
		s.metrics.StatusReached(rec.Status.String())
	}
	out := rec.Clone()
	s.publish(Update{BurnTxHash: rec.BurnTxHash, Created: created, Transfer: &out})
	return rec, created, nil
}

func (s *publishingStore) Remove(ctx context.Context, burnTxHash string) error {
	if err := s.Store.Remove(ctx, burnTxHash); err != nil {
		return err
	}
	s.publish(Update{BurnTxHash: transfer.NormalizeHash(burnTxHash), Removed: true})
	return nil
}

func (s *publishingStore) publish(u Update) {
	if s.producer == nil || s.topic == "" {
		return
	}
	u.Version = UpdateVersion
	u.EventID = uuid.NewString()
	u.At = s.now().UTC()
	b, err := json.Marshal(u)
	if err != nil {
		s.log.Error("encode transfer update", "burnTxHash", u.BurnTxHash, "err", err)
		s.metrics.EventDropped()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
	defer cancel()
	if err := s.producer.Publish(ctx, s.topic, []byte(u.BurnTxHash), b); err != nil {
		s.log.Warn("publish transfer update", "burnTxHash", u.BurnTxHash, "err", err)
		s.metrics.EventDropped()
	}
}
