package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"identity-service/internal/audit"
	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/config"
	"identity-service/internal/hashing"
	"identity-service/internal/identity"
	"identity-service/internal/ledger"
	"identity-service/internal/notify"
	"identity-service/internal/repository/scylla"
	"identity-service/internal/search"
	"identity-service/internal/service"
	"identity-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	bucketingManager *bucketing.BucketingManager
	otpLedger        ledger.Ledger
	tokenVerifier    identity.TokenVerifier

	// Repositories and services
	profileRepository scylla.ProfileRepository
	resolver          *service.IdentityResolver
	challenges        *service.OtpChallengeService
	coordinator       *service.ProfileLinkCoordinator

	janitorCancel context.CancelFunc
	closeOnce     sync.Once
}

// NewFactory loads config and initializes all application dependencies.
// Scylla is mandatory; Redis, Kafka, ClickHouse and Elasticsearch degrade
// gracefully outside production.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{config: cfg}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := factory.initializeManagers(); err != nil {
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("redis_ledger", factory.redisClient != nil),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
	)

	return factory, nil
}

func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// ScyllaDB holds the profiles; nothing works without it.
	scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get())
	if err != nil {
		return fmt.Errorf("scylla: %w", err)
	}
	f.scyllaClient = scyllaClient
	if err := f.scyllaClient.HealthCheck(); err != nil {
		return fmt.Errorf("scylla health check: %w", err)
	}
	util.Info("ScyllaDB client initialized and healthy")

	// Redis backs the OTP ledger; without it the in-memory ledger kicks in.
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			f.redisClient = nil
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// Kafka carries OTP delivery jobs and identity events.
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch backs the recruiter candidate directory.
	if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
	} else {
		f.esClient = esClient
		if err := f.esClient.HealthCheck(); err != nil {
			f.esClient = nil
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse records the identity decision trail.
	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
	} else {
		f.clickhouseClient = chClient
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			f.clickhouseClient = nil
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}

	if f.redisClient != nil {
		f.otpLedger = ledger.NewRedis(f.redisClient)
		util.Info("OTP ledger backed by Redis")
	} else {
		memory := ledger.NewMemory()
		janitorCtx, cancel := context.WithCancel(context.Background())
		f.janitorCancel = cancel
		memory.StartJanitor(janitorCtx, time.Minute)
		f.otpLedger = memory
		util.Warn("OTP ledger is in-memory; pending codes do not survive restarts")
	}

	verifier, err := identity.NewTokenVerifier(f.config.Auth)
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}
	f.tokenVerifier = verifier

	return nil
}

func (f *Factory) ProfileRepository() scylla.ProfileRepository {
	if f.profileRepository == nil {
		f.profileRepository = scylla.NewProfileRepository(f.scyllaClient, f.bucketingManager)
	}
	return f.profileRepository
}

func (f *Factory) Resolver() *service.IdentityResolver {
	if f.resolver == nil {
		f.resolver = service.NewIdentityResolver(f.ProfileRepository())
	}
	return f.resolver
}

func (f *Factory) ChallengeService() *service.OtpChallengeService {
	if f.challenges == nil {
		emailSender := notify.NewKafkaEmailSender(f.kafkaProducer, f.config.Kafka.EmailTopic, f.config.Otp.EmailFrom)
		smsSender := notify.NewKafkaSMSSender(f.kafkaProducer, f.config.Kafka.SMSTopic, f.config.Otp.SMSSenderID)
		f.challenges = service.NewOtpChallengeService(
			f.otpLedger,
			f.hasher,
			emailSender,
			smsSender,
			f.config.Otp.Expiry,
		)
	}
	return f.challenges
}

func (f *Factory) Coordinator() *service.ProfileLinkCoordinator {
	if f.coordinator == nil {
		recorder := audit.NewNoopRecorder()
		if f.clickhouseClient != nil {
			recorder = audit.NewClickhouseRecorder(f.clickhouseClient)
		}

		indexer := search.NewNoopIndexer()
		if f.esClient != nil {
			indexer = search.NewESIndexer(f.esClient, f.config.Elasticsearch.ProfileIndex)
		}

		f.coordinator = service.NewProfileLinkCoordinator(
			f.ProfileRepository(),
			f.Resolver(),
			f.ChallengeService(),
			recorder,
			indexer,
			f.kafkaProducer,
			f.config.Kafka.EventsTopic,
			f.config.Otp.PhoneRegion,
		)
	}
	return f.coordinator
}

// AuthMiddleware returns the request authenticator built on the provider
// token verifier.
func (f *Factory) AuthMiddleware() func(http.Handler) http.Handler {
	return identity.Middleware(f.tokenVerifier)
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	} else {
		healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
	}

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// Close shuts down all clients. Safe to call more than once.
func (f *Factory) Close() {
	f.closeOnce.Do(func() {
		if f.janitorCancel != nil {
			f.janitorCancel()
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
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
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}
		util.Info("Factory closed")
		util.Sync()
	})
}
