package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/cctp-orchestrator/internal/blobstore"
	"github.com/juno-intents/cctp-orchestrator/internal/chain"
	"github.com/juno-intents/cctp-orchestrator/internal/eth"
	"github.com/juno-intents/cctp-orchestrator/internal/leases"
	leasespg "github.com/juno-intents/cctp-orchestrator/internal/leases/postgres"
	"github.com/juno-intents/cctp-orchestrator/internal/metrics"
	"github.com/juno-intents/cctp-orchestrator/internal/secrets"
	"github.com/juno-intents/cctp-orchestrator/internal/solana"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer"
	transferpg "github.com/juno-intents/cctp-orchestrator/internal/transfer/postgres"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer/redisstore"
	"github.com/juno-intents/cctp-orchestrator/internal/transfer/snapshot"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"
	storeRedis    = "redis"
	storeSnapshot = "snapshot"

	leasesNone     = "none"
	leasesMemory   = "memory"
	leasesPostgres = "postgres"
)

var errUsage = errors.New("usage")

// buildRegistry dials every configured chain. Chains with a signer-key
// secret can burn and mint; the rest are read-only.
func buildRegistry(ctx context.Context, cfg chain.Config, sp secrets.Provider, log *slog.Logger) (*chain.Registry, func(), error) {
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	chains := make([]chain.Chain, 0, len(cfg.Chains))
	for _, name := range cfg.Names() {
		cc := cfg.Chains[name]
		family, err := transfer.ParseFamily(cc.Family)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		domain, err := cfg.DomainOf(name)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		base := chain.Chain{Name: name, Domain: domain, Family: family}

		switch family {
		case transfer.FamilyEVM:
			key, err := loadSignerKey(ctx, sp, cc.SignerKey)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("%s: %w", name, err)
			}
			a, closeFn, err := eth.Dial(ctx, cc, key)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("%s: %w", name, err)
			}
			closers = append(closers, closeFn)
			chains = append(chains, a.Capabilities(base))
			log.Info("chain configured", "chain", name, "domain", domain, "family", family.String(), "signing", key != nil)
		case transfer.FamilySolana:
			if strings.TrimSpace(cc.SignerKey) != "" {
				log.Warn("solana signing is not supported; chain is read-only", "chain", name)
			}
			a, err := solana.Dial(cc)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("%s: %w", name, err)
			}
			chains = append(chains, a.Capabilities(base))
			log.Info("chain configured", "chain", name, "domain", domain, "family", family.String(), "signing", false)
		default:
			closeAll()
			return nil, nil, fmt.Errorf("%w: %s: unsupported family", chain.ErrInvalidChain, name)
		}
	}

	reg, err := chain.NewRegistry(chains...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return reg, closeAll, nil
}

func loadSignerKey(ctx context.Context, sp secrets.Provider, ref string) (*ecdsa.PrivateKey, error) {
	raw, err := secrets.Optional(ctx, sp, ref)
	if err != nil {
		return nil, fmt.Errorf("load signer key: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	return eth.ParsePrivateKeyHex(raw)
}

type storeOptions struct {
	Driver      string
	RedisURL    string
	RedisPrefix string

	BlobDriver string
	BlobBucket string
	BlobPrefix string
	BlobDir    string
	Key        string
}

func normalizeStoreDriver(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return storeMemory
	}
	return v
}

// openStore returns the transfer store for opts. The close func releases
// any connections it opened.
func openStore(ctx context.Context, opts storeOptions, pool *pgxpool.Pool, m *metrics.Registry, log *slog.Logger) (transfer.Store, func(), error) {
	noop := func() {}
	switch normalizeStoreDriver(opts.Driver) {
	case storeMemory:
		return transfer.NewMemoryStore(nil), noop, nil
	case storePostgres:
		if pool == nil {
			return nil, nil, fmt.Errorf("%w: --postgres-dsn is required for the postgres store", errUsage)
		}
		s, err := transferpg.New(pool)
		if err != nil {
			return nil, nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure transfer schema: %w", err)
		}
		return s, noop, nil
	case storeRedis:
		if strings.TrimSpace(opts.RedisURL) == "" {
			return nil, nil, fmt.Errorf("%w: --redis-url is required for the redis store", errUsage)
		}
		p := redisstore.NewPool(opts.RedisURL)
		s, err := redisstore.New(p, opts.RedisPrefix)
		if err != nil {
			_ = p.Close()
			return nil, nil, err
		}
		return s, func() { _ = p.Close() }, nil
	case storeSnapshot:
		blobs, err := newBlobStore(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		s, err := snapshot.Open(ctx, blobs, snapshot.Config{
			Key:            opts.Key,
			OnPersistError: m.PersistError,
		}, log.With("component", "snapshot"))
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	default:
		return nil, nil, fmt.Errorf("%w: unsupported store driver %q", errUsage, opts.Driver)
	}
}

func newBlobStore(ctx context.Context, opts storeOptions) (blobstore.Store, error) {
	cfg := blobstore.Config{
		Driver: strings.ToLower(strings.TrimSpace(opts.BlobDriver)),
		Bucket: strings.TrimSpace(opts.BlobBucket),
		Prefix: strings.TrimSpace(opts.BlobPrefix),
		Dir:    strings.TrimSpace(opts.BlobDir),
	}
	if cfg.Driver == blobstore.DriverS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		cfg.S3Client = awss3.NewFromConfig(awsCfg)
	}
	return blobstore.New(cfg)
}

func newLeaseGuard(ctx context.Context, driver, owner string, ttl time.Duration, pool *pgxpool.Pool) (*leases.Guard, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case leasesNone, "":
		return nil, nil
	case leasesMemory:
		return leases.NewGuard(leases.NewMemoryStore(nil), owner, ttl)
	case leasesPostgres:
		if pool == nil {
			return nil, fmt.Errorf("%w: --postgres-dsn is required for postgres leases", errUsage)
		}
		s, err := leasespg.New(pool)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure lease schema: %w", err)
		}
		return leases.NewGuard(s, owner, ttl)
	default:
		return nil, fmt.Errorf("%w: unsupported lease driver %q", errUsage, driver)
	}
}
