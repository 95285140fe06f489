package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"admission-service/internal/audit"
	"admission-service/internal/bucketing"
	"admission-service/internal/client"
	"admission-service/internal/config"
	"admission-service/internal/encryption"
	"admission-service/internal/hashing"
	"admission-service/internal/metrics"
	"admission-service/internal/notify"
	"admission-service/internal/repository"
	"admission-service/internal/repository/memory"
	"admission-service/internal/repository/postgres"
	redisrepo "admission-service/internal/repository/redis"
	"admission-service/internal/repository/scylla"
	"admission-service/internal/service"
	"admission-service/internal/tls"
	"admission-service/internal/util"
	"admission-service/internal/worker"
)

const initTimeout = 30 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	postgresClient   *client.PostgresClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	kmsClient        *kms.Client

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	metrics           *metrics.Metrics
	otelExporter      *metrics.OTelExporter

	// Repositories
	blockStore repository.BlockStore
	members    service.MemberDirectory

	dispatcher     *audit.Dispatcher
	recorder       *audit.Recorder
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory loads configuration and initializes all application dependencies
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg}
	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg)
	}

	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	f.initializeManagers()
	if err := f.initializeRepositories(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}
	f.initializeAudit()
	f.initializeServices()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("tenant", cfg.TenantCode),
		util.String("block_store", cfg.IPBlock.Store),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("audit_enabled", cfg.Audit.Enabled),
	)

	return f, nil
}

func (f *Factory) needsPostgres() bool {
	// The member directory lives in Postgres; only development may run without it.
	return f.config.IPBlock.Store == config.BlockStorePostgres || f.config.IsProduction()
}

// initializeClients connects every configured backend in parallel. Redis and
// the block store are required; the audit sinks are optional outside
// production.
func (f *Factory) initializeClients(ctx context.Context) error {
	cfg := f.config
	logger := util.Get()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c, err := client.NewRedisClient(cfg, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = c
		return nil
	})

	if f.needsPostgres() {
		g.Go(func() error {
			c, err := client.NewPostgresClient(cfg, logger)
			if err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			f.postgresClient = c
			if err := c.HealthCheck(gctx); err != nil {
				return fmt.Errorf("postgres health check: %w", err)
			}
			return nil
		})
	}

	if cfg.IPBlock.Store == config.BlockStoreScylla {
		g.Go(func() error {
			c, err := scylla.NewScyllaClient(cfg, logger)
			if err != nil {
				return fmt.Errorf("scylla: %w", err)
			}
			f.scyllaClient = c
			return nil
		})
	}

	if cfg.KMS.Enabled {
		g.Go(func() error {
			c, err := encryption.NewKMSClient(gctx, cfg)
			if err != nil {
				return fmt.Errorf("kms: %w", err)
			}
			f.kmsClient = c
			return nil
		})
	}

	if cfg.Kafka.Enabled {
		g.Go(func() error {
			p, err := client.NewKafkaProducer(cfg, logger)
			if err == nil {
				if err = p.HealthCheck(gctx); err != nil {
					_ = p.Close()
				} else {
					f.kafkaProducer = p
				}
			}
			return f.optional("kafka", err)
		})
	}

	if cfg.Elasticsearch.Enabled {
		g.Go(func() error {
			c, err := client.NewElasticsearchClient(cfg, logger)
			if err == nil {
				if err = c.HealthCheck(gctx); err != nil {
					c.Close()
				} else {
					f.esClient = c
				}
			}
			return f.optional("elasticsearch", err)
		})
	}

	if cfg.Clickhouse.Enabled {
		g.Go(func() error {
			c, err := client.NewClickHouseClient(cfg, logger)
			if err == nil {
				f.clickhouseClient = c
			}
			return f.optional("clickhouse", err)
		})
	}

	return g.Wait()
}

// optional turns an audit-sink failure into a warning outside production.
func (f *Factory) optional(name string, err error) error {
	if err == nil {
		util.Info("Audit sink client initialized", util.String("sink", name))
		return nil
	}
	if f.config.IsProduction() {
		return fmt.Errorf("%s: %w", name, err)
	}
	util.Warn("Audit sink unavailable - proceeding without it",
		util.String("sink", name),
		util.ErrorField(err))
	return nil
}

func (f *Factory) initializeManagers() {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.metrics = metrics.New()

	var kmsAPI encryption.KMSAPI
	if f.kmsClient != nil {
		kmsAPI = f.kmsClient
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsAPI)

	exporter, err := metrics.NewOTelExporter(otel.Meter("admission-service"), f.metrics)
	if err != nil {
		util.Warn("OpenTelemetry metrics export disabled", util.ErrorField(err))
	} else {
		f.otelExporter = exporter
	}

	util.Info("Managers initialized successfully",
		util.Int("ledger_buckets", f.bucketingManager.LedgerBuckets()),
		util.Bool("kms_envelope", f.kmsClient != nil),
		util.Bool("otel_export", f.otelExporter != nil),
	)
}

func (f *Factory) initializeRepositories(ctx context.Context) error {
	cfg := f.config
	opTimeout := cfg.Postgres.OpTimeout

	if f.postgresClient != nil {
		members := postgres.NewMemberRepository(f.postgresClient.DB, opTimeout)
		if cfg.Postgres.AutoMigrate {
			if err := members.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate members: %w", err)
			}
		}
		f.members = members
	} else {
		util.Warn("Member directory is in memory; signup and recovery checks see no members")
		f.members = memory.NewMemberDirectory()
	}

	switch cfg.IPBlock.Store {
	case config.BlockStorePostgres:
		store := postgres.NewIPBlockRepository(f.postgresClient.DB, opTimeout)
		if cfg.Postgres.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate ip blocks: %w", err)
			}
		}
		f.blockStore = store
	case config.BlockStoreScylla:
		f.blockStore = scylla.NewIPBlockRepository(f.scyllaClient, f.bucketingManager)
	case config.BlockStoreMemory:
		util.Warn("IP block ledger is in memory; blocks are lost on restart")
		f.blockStore = memory.NewBlockStore()
	default:
		return fmt.Errorf("unknown block store %q", cfg.IPBlock.Store)
	}
	return nil
}

func (f *Factory) initializeAudit() {
	var sinks audit.MultiSink
	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient))
	}
	if f.clickhouseClient != nil {
		sinks = append(sinks, audit.NewClickHouseSink(f.clickhouseClient))
	}
	if len(sinks) == 0 || f.config.IsDevelopment() {
		sinks = append(sinks, audit.NewLogSink(util.Get()))
	}

	var sink audit.Sink = sinks
	if len(sinks) == 1 {
		sink = sinks[0]
	}

	f.dispatcher = audit.NewDispatcher(audit.Config{
		Enabled:    f.config.Audit.Enabled,
		BufferSize: f.config.Audit.BufferSize,
		DropIfFull: f.config.Audit.DropIfFull,
	}, sink, f.encryptionManager)
	f.metrics.ObserveAuditDropped(f.dispatcher.Dropped)
	f.recorder = audit.NewRecorder(f.dispatcher, f.config.TenantCode, nil)

	util.Info("Audit pipeline initialized",
		util.Bool("enabled", f.dispatcher != nil),
		util.Int("sinks", len(sinks)),
	)
}

func (f *Factory) initializeServices() {
	f.serviceFactory = service.NewServiceFactory(service.Dependencies{
		Config:     f.config,
		RateLimits: redisrepo.NewRateLimitCache(f.redisClient, f.config.TenantCode),
		BlockFlags: redisrepo.NewBlockCache(f.redisClient, f.config.TenantCode),
		OTPCache:   redisrepo.NewOTPCache(f.redisClient, f.config.TenantCode),
		BlockStore: f.blockStore,
		Members:    f.members,
		Hasher:     f.hasher,
		Gateway:    notify.NewGateway(f.config),
		Metrics:    f.metrics,
		Recorder:   f.recorder,
	})
}

// ==============================
// Health Checks
// ==============================

// HealthStatus checks every initialized backend.
func (f *Factory) HealthStatus(ctx context.Context) map[string]error {
	status := make(map[string]error)

	if f.redisClient != nil {
		status["redis"] = f.redisClient.HealthCheck(ctx)
	} else {
		status["redis"] = errors.New("redis client not initialized")
	}
	if f.blockStore != nil {
		status["block_store"] = f.blockStore.HealthCheck(ctx)
	} else {
		status["block_store"] = errors.New("block store not initialized")
	}
	if f.postgresClient != nil {
		status["postgres"] = f.postgresClient.HealthCheck(ctx)
	}
	if f.kafkaProducer != nil {
		status["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}
	if f.esClient != nil {
		status["elasticsearch"] = f.esClient.HealthCheck(ctx)
	}
	if f.clickhouseClient != nil {
		status["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	}
	return status
}

// HealthCheck fails only when a backend the admission path depends on is
// down. Audit sinks are reported in the log.
func (f *Factory) HealthCheck(ctx context.Context) error {
	var errs []error
	for name, err := range f.HealthStatus(ctx) {
		if err == nil {
			continue
		}
		switch name {
		case "redis", "block_store", "postgres":
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		default:
			util.Warn("Audit sink unhealthy", util.String("sink", name), util.ErrorField(err))
		}
	}
	return errors.Join(errs...)
}

func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		// Drain buffered events while the sinks are still open.
		f.dispatcher.Close()
		if n := f.dispatcher.Dropped(); n > 0 {
			util.Warn("Security events dropped during run", util.Int64("dropped", int64(n)))
		}

		if f.otelExporter != nil {
			if err := f.otelExporter.Close(); err != nil {
				util.Error("Failed to unregister metrics exporter", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}
		if f.esClient != nil {
			f.esClient.Close()
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		if f.postgresClient != nil {
			if err := f.postgresClient.Close(); err != nil {
				util.Error("Failed to close Postgres client", util.ErrorField(err))
			}
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}
		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	return f.serviceFactory
}

func (f *Factory) Encryption() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) Recorder() *audit.Recorder {
	return f.recorder
}

func (f *Factory) Reconciler() *worker.Reconciler {
	return worker.NewReconciler(f.serviceFactory.IPBlockRegistry(), f.config.IPBlock)
}
