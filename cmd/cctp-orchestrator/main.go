package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/cctp-orchestrator/internal/api"
	"github.com/juno-intents/cctp-orchestrator/internal/attestation"
	"github.com/juno-intents/cctp-orchestrator/internal/chain"
	"github.com/juno-intents/cctp-orchestrator/internal/claim"
	"github.com/juno-intents/cctp-orchestrator/internal/metrics"
	"github.com/juno-intents/cctp-orchestrator/internal/orchestrator"
	"github.com/juno-intents/cctp-orchestrator/internal/queue"
	"github.com/juno-intents/cctp-orchestrator/internal/secrets"
)

func main() {
	var (
		chainsFile     = flag.String("chains", "", "chains YAML file (required)")
		secretsDriver  = flag.String("secrets-driver", secrets.DriverEnv, "secret provider for signer keys and tokens: env|aws")
		apiTokenRef    = flag.String("api-token-secret", "", "secret reference holding the API bearer token (optional)")
		irisAPIKeyRef  = flag.String("attestation-api-key-secret", "", "secret reference overriding circle.api-key (optional)")
		irisTimeout    = flag.Duration("attestation-timeout", 10*time.Second, "attestation service request timeout")
		irisMaxResp    = flag.Int64("attestation-max-response-bytes", 4<<20, "max attestation service response size (bytes)")
		postgresDSN    = flag.String("postgres-dsn", "", "Postgres DSN (required for postgres store or leases)")
		storeDriver    = flag.String("store-driver", storeMemory, "transfer store: memory|postgres|redis|snapshot")
		redisURL       = flag.String("redis-url", "", "redis URL (redis store)")
		redisPrefix    = flag.String("redis-prefix", "cctp", "redis key prefix (redis store)")
		blobDriver     = flag.String("snapshot-blob-driver", "file", "snapshot blobstore driver: memory|file|s3")
		blobBucket     = flag.String("snapshot-bucket", "", "snapshot S3 bucket (s3 driver)")
		blobPrefix     = flag.String("snapshot-prefix", "", "snapshot object key prefix")
		blobDir        = flag.String("snapshot-dir", "", "snapshot directory (file driver)")
		snapshotKey    = flag.String("snapshot-key", "", "snapshot object key (default transfers.json)")
		leaseDriver    = flag.String("lease-driver", leasesNone, "poll lease driver: none|memory|postgres")
		leaseTTL       = flag.Duration("lease-ttl", 30*time.Second, "poll lease TTL")
		owner          = flag.String("owner", "", "unique instance id for leases (default random)")
		autoClaim      = flag.Bool("auto-claim", false, "submit the mint as soon as the attestation is ready")
		pollInterval   = flag.Duration("poll-interval", 5*time.Second, "attestation poll interval")
		pollMax        = flag.Duration("poll-max-duration", time.Hour, "maximum attestation polling per transfer")
		burnInterval   = flag.Duration("burn-interval", 10*time.Second, "burn confirmation check interval")
		burnMax        = flag.Duration("burn-max-duration", time.Hour, "maximum burn watching per transfer")
		claimTimeout   = flag.Duration("claim-submit-timeout", 15*time.Second, "wait for the mint receipt before falling back to nonce checks")
		queueDriver    = flag.String("queue-driver", queue.DriverKafka, "queue driver: kafka|amqp|stdio")
		queueBrokers   = flag.String("queue-brokers", "", "comma-separated kafka brokers")
		queueURL       = flag.String("queue-url", "", "amqp URL")
		queueExchange  = flag.String("queue-exchange", "", "amqp exchange (default cctp)")
		queueGroup     = flag.String("queue-group", "cctp-orchestrator", "consumer group / amqp queue name")
		stepTopic      = flag.String("step-events-topic", "", "topic of step events to apply; empty disables ingestion")
		updatesTopic   = flag.String("updates-topic", "", "topic receiving transfer updates; empty disables publishing")
		listenAddr     = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")
		rateLimit      = flag.Float64("rate-limit-per-second", 20, "per-IP request rate")
		rateBurst      = flag.Int("rate-limit-burst", 40, "per-IP request burst")
		readHeaderTime = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		writeTimeout   = flag.Duration("write-timeout", 3*time.Minute, "http.Server WriteTimeout")
		idleTimeout    = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if strings.TrimSpace(*chainsFile) == "" {
		fmt.Fprintln(os.Stderr, "error: --chains is required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *pollInterval <= 0 || *pollMax <= 0 || *burnInterval <= 0 || *burnMax <= 0 || *claimTimeout <= 0 || *leaseTTL <= 0 {
		fmt.Fprintln(os.Stderr, "error: intervals and durations must be > 0")
		os.Exit(2)
	}
	if *readHeaderTime <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 || *irisTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *rateLimit <= 0 || *rateBurst <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *owner == "" {
		*owner = "cctp-" + uuid.NewString()
	}

	cfg, err := chain.LoadConfig(*chainsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sp, err := secrets.New(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets", "err", err)
		os.Exit(2)
	}
	apiToken, err := secrets.Optional(ctx, sp, *apiTokenRef)
	if err != nil {
		log.Error("load api token", "err", err)
		os.Exit(2)
	}
	irisKey := cfg.Circle.APIKey
	if v, err := secrets.Optional(ctx, sp, *irisAPIKeyRef); err != nil {
		log.Error("load attestation api key", "err", err)
		os.Exit(2)
	} else if v != "" {
		irisKey = v
	}

	m := metrics.New()

	var pool *pgxpool.Pool
	if *postgresDSN != "" {
		pool, err = pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()
	}

	store, closeStore, err := openStore(ctx, storeOptions{
		Driver:      *storeDriver,
		RedisURL:    *redisURL,
		RedisPrefix: *redisPrefix,
		BlobDriver:  *blobDriver,
		BlobBucket:  *blobBucket,
		BlobPrefix:  *blobPrefix,
		BlobDir:     *blobDir,
		Key:         *snapshotKey,
	}, pool, m, log)
	if err != nil {
		exitSetup(log, "init transfer store", err)
	}
	defer closeStore()

	guard, err := newLeaseGuard(ctx, *leaseDriver, *owner, *leaseTTL, pool)
	if err != nil {
		exitSetup(log, "init lease guard", err)
	}

	reg, closeChains, err := buildRegistry(ctx, cfg, sp, log)
	if err != nil {
		log.Error("init chains", "err", err)
		os.Exit(2)
	}
	defer closeChains()

	iris, err := attestation.NewClient(cfg.Circle.AttestationBaseURL,
		attestation.WithHTTPClient(&http.Client{Timeout: *irisTimeout}),
		attestation.WithMaxResponseBytes(*irisMaxResp),
		attestation.WithAPIKey(irisKey),
	)
	if err != nil {
		log.Error("init attestation client", "err", err)
		os.Exit(2)
	}

	var producer queue.Producer
	if strings.TrimSpace(*updatesTopic) != "" {
		producer, err = queue.NewProducer(queue.ProducerConfig{
			Driver:   *queueDriver,
			Brokers:  queue.SplitCommaList(*queueBrokers),
			URL:      *queueURL,
			Exchange: *queueExchange,
			Writer:   os.Stdout,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = producer.Close() }()
	}

	engine, err := orchestrator.New(orchestrator.Config{
		AutoClaim:        *autoClaim,
		UpdatesTopic:     *updatesTopic,
		FastFeeBufferBps: cfg.Circle.FastFeeBufferBps,
		PollInterval:     *pollInterval,
		PollMaxDuration:  *pollMax,
		BurnInterval:     *burnInterval,
		BurnMaxDuration:  *burnMax,
		Claim:            claim.Config{SubmitTimeout: *claimTimeout},
	}, orchestrator.Deps{
		Store:    store,
		Chains:   reg,
		Iris:     iris,
		Guard:    guard,
		Producer: producer,
		Metrics:  m,
	}, log)
	if err != nil {
		log.Error("init engine", "err", err)
		os.Exit(2)
	}
	if err := engine.Start(ctx); err != nil {
		log.Error("start engine", "err", err)
		os.Exit(1)
	}
	defer engine.Stop()

	if strings.TrimSpace(*stepTopic) != "" {
		consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:   *queueDriver,
			Topics:   []string{*stepTopic},
			Brokers:  queue.SplitCommaList(*queueBrokers),
			Group:    *queueGroup,
			URL:      *queueURL,
			Exchange: *queueExchange,
			Queue:    *queueGroup,
			Reader:   os.Stdin,
		})
		if err != nil {
			log.Error("init step event consumer", "err", err)
			os.Exit(2)
		}
		defer func() { _ = consumer.Close() }()
		go func() {
			if err := engine.ConsumeStepEvents(ctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("step event consumer stopped", "err", err)
				stop()
			}
		}()
	}

	handler, err := api.NewHandler(api.Config{
		AuthToken:               apiToken,
		ClaimTimeout:            *claimTimeout + time.Minute,
		RateLimitPerIPPerSecond: *rateLimit,
		RateLimitBurst:          *rateBurst,
		Metrics:                 m,
	}, engine, log.With("component", "api"))
	if err != nil {
		log.Error("init api", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTime,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
	}

	log.Info("cctp orchestrator started",
		"listen", *listenAddr,
		"chains", reg.Names(),
		"store", normalizeStoreDriver(*storeDriver),
		"leases", *leaseDriver,
		"owner", *owner,
		"autoClaim", *autoClaim,
		"stepEventsTopic", *stepTopic,
		"updatesTopic", *updatesTopic,
		"auth", apiToken != "",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func exitSetup(log *slog.Logger, msg string, err error) {
	if errors.Is(err, errUsage) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	log.Error(msg, "err", err)
	os.Exit(2)
}
