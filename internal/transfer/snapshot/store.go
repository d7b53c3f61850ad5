// Package snapshot persists the transfer list as a single JSON document in a
// blobstore. The in-memory copy is authoritative; persistence failures are
// logged and reported to OnPersistError but never fail a store operation.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/juno-intents/cctp-orchestrator/internal/blobstore"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
)

var ErrInvalidConfig = errors.New("transfer/snapshot: invalid config")

const (
	DefaultKey      = "transfers.json"
	snapshotVersion = "cctp.transfers.v1"
)

type Config struct {
	Key string

	// OnPersistError is called after each failed write.
	OnPersistError func(error)

	Now func() time.Time
}

type document struct {
	Version   string            `json:"version"`
	SavedAt   time.Time         `json:"savedAt"`
	Transfers []transfer.Record `json:"transfers"`
}

type Store struct {
	cfg   Config
	mem   *transfer.MemoryStore
	blobs blobstore.Store
	log   *slog.Logger

	persistMu sync.Mutex
}

// Open loads the persisted list (if any) and returns a store seeded with it.
func Open(ctx context.Context, blobs blobstore.Store, cfg Config, log *slog.Logger) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("%w: nil blobstore", ErrInvalidConfig)
	}
	cfg.Key = strings.TrimSpace(cfg.Key)
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Store{
		cfg:   cfg,
		mem:   transfer.NewMemoryStore(cfg.Now),
		blobs: blobs,
		log:   log,
	}

	obj, err := blobs.Get(ctx, cfg.Key)
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("transfer/snapshot: load: %w", err)
	}

	var doc document
	if err := json.Unmarshal(obj.Data, &doc); err != nil {
		return nil, fmt.Errorf("transfer/snapshot: decode: %w", err)
	}
	if doc.Version != snapshotVersion {
		return nil, fmt.Errorf("transfer/snapshot: unsupported snapshot version %q", doc.Version)
	}
	s.mem.Load(doc.Transfers)
	log.Info("loaded transfer snapshot", "key", cfg.Key, "transfers", len(doc.Transfers), "savedAt", doc.SavedAt)
	return s, nil
}

func (s *Store) Upsert(ctx context.Context, burnTxHash string, p transfer.Patch) (transfer.Record, bool, error) {
	r, created, err := s.mem.Upsert(ctx, burnTxHash, p)
	if err != nil {
		return transfer.Record{}, false, err
	}
	s.persist(ctx)
	return r, created, nil
}

func (s *Store) Get(ctx context.Context, burnTxHash string) (transfer.Record, error) {
	return s.mem.Get(ctx, burnTxHash)
}

func (s *Store) List(ctx context.Context) ([]transfer.Record, error) {
	return s.mem.List(ctx)
}

func (s *Store) Remove(ctx context.Context, burnTxHash string) error {
	if err := s.mem.Remove(ctx, burnTxHash); err != nil {
		return err
	}
	s.persist(ctx)
	return nil
}

// persist writes the current list. Writes are serialized and each one reads
// the latest state, so the last write always carries every prior mutation.
func (s *Store) persist(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	records, _ := s.mem.List(ctx)
	b, err := json.Marshal(document{
		Version:   snapshotVersion,
		SavedAt:   s.cfg.Now().UTC(),
		Transfers: records,
	})
	if err == nil {
		err = s.blobs.Put(context.WithoutCancel(ctx), s.cfg.Key, b, "application/json")
	}
	if err != nil {
		s.log.Error("persist transfer snapshot", "key", s.cfg.Key, "err", err)
		if s.cfg.OnPersistError != nil {
			s.cfg.OnPersistError(err)
		}
	}
}
