package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"

	"mailer-service/internal/auth"
	"mailer-service/internal/bucketing"
	"mailer-service/internal/client"
	"mailer-service/internal/config"
	"mailer-service/internal/delivery"
	"mailer-service/internal/encryption"
	"mailer-service/internal/handler"
	"mailer-service/internal/hashing"
	"mailer-service/internal/mail"
	"mailer-service/internal/ratelimit"
	"mailer-service/internal/repository/postgres"
	redisrepo "mailer-service/internal/repository/redis"
	"mailer-service/internal/service"
	"mailer-service/internal/storage"
	"mailer-service/internal/util"
)

const (
	initTimeout     = 30 * time.Second
	providerTimeout = 30 * time.Second
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config
	logger *zap.Logger

	// Clients
	redisClient      *client.RedisClient
	db               *postgres.DB
	kafkaProducer    *client.KafkaProducer
	kafkaConsumer    *client.KafkaConsumer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	issuer            *auth.TokenIssuer
	limiter           *ratelimit.Manager
	requestLimiter    handler.RequestLimiter

	// Repositories
	users      *postgres.UserRepository
	emails     *postgres.EmailRepository
	templates  *postgres.TemplateRepository
	tokens     *postgres.TokenRepository
	queue      *redisrepo.QueueStore
	tmplCache  *redisrepo.TemplateCache
	objects    *storage.S3Storage
	tokenCache *mail.TokenProvider
	sender     *mail.GmailSender

	// Delivery
	worker     *delivery.Worker
	lanes      *delivery.LaneDispatcher
	dispatcher delivery.Dispatcher

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory loads configuration, connects every backing service and builds
// the object graph shared by the serve, worker and migrate commands.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{config: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	if err := f.initializeClients(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeManagers(ctx); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	f.initializeRepositories()
	f.initializeDelivery()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("dispatch_mode", cfg.Queue.DispatchMode),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("elasticsearch_enabled", f.esClient != nil),
		util.Bool("clickhouse_enabled", f.clickhouseClient != nil),
	)
	return f, nil
}

// initializeClients connects Redis and Postgres, which are required, and the
// optional Kafka, Elasticsearch and ClickHouse clients.
func (f *Factory) initializeClients(ctx context.Context) error {
	redisClient, err := client.NewRedisClient(f.config, f.logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	f.redisClient = redisClient

	db, err := postgres.Connect(ctx, f.config, f.logger)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	f.db = db

	var optionalErrors []error

	if f.config.Queue.DispatchMode == "kafka" {
		producer, err := client.NewKafkaProducer(f.config, f.logger)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		f.kafkaProducer = producer
	}

	if f.config.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(f.config, f.logger); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
		}
	}

	if f.config.Clickhouse.Enabled {
		if chc, err := client.NewClickHouseClient(f.config, f.logger); err != nil {
			optionalErrors = append(optionalErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chc
		}
	}

	if len(optionalErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(optionalErrors...))
		}
		for _, err := range optionalErrors {
			util.Warn("Optional service unavailable, continuing without it", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers initializes hashing, encryption, bucketing, tokens and rate limiting
func (f *Factory) initializeManagers(ctx context.Context) error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.issuer = auth.NewTokenIssuer(f.config.JWT)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config for KMS: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	em, err := encryption.NewEncryptionManager(f.config, kmsClient, f.logger)
	if err != nil {
		return err
	}
	f.encryptionManager = em

	objects, err := storage.NewS3Storage(ctx, f.config, f.logger)
	if err != nil {
		return fmt.Errorf("s3: %w", err)
	}
	f.objects = objects

	rl := f.config.RateLimit
	limiter, err := ratelimit.NewManager(ratelimit.Config{
		RatePerSecond: rl.RatePerSecond,
		Capacity:      rl.Capacity,
		IdleTTL:       rl.IdleTTL,
		SweepInterval: rl.SweepInterval,
	}, ratelimit.WithLogger(f.logger))
	if err != nil {
		return err
	}
	f.limiter = limiter
	f.requestLimiter = limiter
	if rl.Backend == "redis" {
		f.requestLimiter = ratelimit.NewSharedLimiter(redisrepo.NewRateLimitCache(f.redisClient), limiter)
	}

	util.Info("Managers initialized successfully",
		util.Int("delivery_lanes", f.bucketingManager.Lanes()),
		util.Bool("kms_enabled", f.config.KMS.Enabled),
		util.String("rate_limit_backend", rl.Backend),
	)
	return nil
}

func (f *Factory) initializeRepositories() {
	f.users = postgres.NewUserRepository(f.db)
	f.emails = postgres.NewEmailRepository(f.db)
	f.templates = postgres.NewTemplateRepository(f.db)
	f.tokens = postgres.NewTokenRepository(f.db, f.encryptionManager)

	f.queue = redisrepo.NewQueueStore(f.redisClient, redisrepo.QueueTTLs{
		Pending: f.config.Queue.PendingTTL,
		Failed:  f.config.Queue.FailedTTL,
		Dead:    f.config.Queue.DeadTTL,
	})
	f.tmplCache = redisrepo.NewTemplateCache(f.redisClient)

	oauthCfg := mail.NewOAuthConfig(f.config.Google)
	f.tokenCache = mail.NewTokenProvider(f.tokens, mail.NewOAuthRefresher(oauthCfg), f.logger)
	f.sender = mail.NewGmailSender(f.tokenCache, f.config.Google.GmailBaseURL,
		&http.Client{Timeout: providerTimeout}, f.logger)
}

// initializeDelivery builds the worker and picks the dispatcher for the
// configured mode. In kafka mode the API publishes and worker processes run
// the lanes fed by the consumer.
func (f *Factory) initializeDelivery() {
	var observers []delivery.Observer
	if f.esClient != nil {
		observers = append(observers, f.esClient)
	}
	if f.clickhouseClient != nil {
		observers = append(observers, f.clickhouseClient)
	}

	f.worker = delivery.NewWorker(delivery.WorkerDeps{
		Queue:     f.queue,
		Sender:    f.sender,
		Store:     f.emails,
		Users:     f.users,
		Files:     f.objects,
		Observers: observers,
		Logger:    f.logger,
	}, delivery.WithRetryCeiling(f.config.Queue.RetryCeiling))

	f.lanes = delivery.NewLaneDispatcher(f.worker, f.bucketingManager,
		f.config.Queue.LaneBuffer, f.config.Queue.RunTimeout, f.logger)

	if f.kafkaProducer != nil {
		f.dispatcher = delivery.NewKafkaDispatcher(f.kafkaProducer, f.bucketingManager, f.config.Kafka.RunTopic, f.logger)
	} else {
		f.dispatcher = f.lanes
	}
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		deps := service.ServiceDeps{
			Users:         f.users,
			Emails:        f.emails,
			Templates:     f.templates,
			TemplateCache: f.tmplCache,
			Tokens:        f.tokens,
			Queue:         f.queue,
			Hasher:        f.hasher,
			Issuer:        f.issuer,
			Storage:       f.objects,
			AccessToken:   f.tokenCache,
			Sender:        f.sender,
			Dispatcher:    f.dispatcher,
			OAuth:         mail.NewOAuthConfig(f.config.Google),
			UserInfoURL:   f.config.Google.UserInfoURL,
		}
		// Left as a nil interface when search is off so the service reports it as disabled.
		if f.esClient != nil {
			deps.Searcher = f.esClient
		}
		f.serviceFactory = service.NewServiceFactory(deps, f.logger)
	}
	return f.serviceFactory
}

// Router builds the HTTP surface.
func (f *Factory) Router() http.Handler {
	sf := f.ServiceFactory()
	secure := f.config.IsProduction()
	return handler.NewRouter(handler.RouterDeps{
		Config:  f.config,
		Issuer:  f.issuer,
		Limiter: f.requestLimiter,
		Health:  f.healthCheckers(),
		Handlers: []handler.RouteRegistrar{
			handler.NewUserHandler(sf.UserService(), sf.AuthService(), secure, f.logger),
			handler.NewOAuthHandler(sf.OAuthService(), f.config.Server.FrontendURL, secure, f.logger),
			handler.NewTemplateHandler(sf.TemplateService(), f.logger),
			handler.NewEmailHandler(sf.EmailService(), f.config.Server.PublicBaseURL, f.logger),
			handler.NewQueueHandler(sf.QueueService(), f.logger),
		},
		Logger: f.logger,
	})
}

// ServeTasks are the background loops of the API process: the limiter
// sweeper, and in inprocess mode the delivery lanes and the retry scheduler.
func (f *Factory) ServeTasks(ctx context.Context) []func() error {
	tasks := []func() error{f.limiter.Run(ctx)}
	if f.config.Queue.DispatchMode != "kafka" {
		tasks = append(tasks, f.lanes.Run(ctx), f.retryScheduler().Run(ctx))
	}
	return tasks
}

// WorkerTasks are the loops of a dedicated delivery process in kafka mode.
func (f *Factory) WorkerTasks(ctx context.Context) ([]func() error, error) {
	if f.config.Queue.DispatchMode != "kafka" {
		return nil, errors.New("worker command requires QUEUE_DISPATCH_MODE=kafka")
	}
	if f.kafkaConsumer == nil {
		consumer, err := client.NewKafkaConsumer(f.config, f.config.Kafka.RunTopic, f.config.Kafka.GroupID, f.logger)
		if err != nil {
			return nil, fmt.Errorf("kafka consumer: %w", err)
		}
		f.kafkaConsumer = consumer
	}
	consumer := delivery.NewRunConsumer(f.kafkaConsumer, f.lanes, f.logger)
	// Retry passes run on the local lanes. Failed jobs are popped one at a
	// time, so workers scanning the same user never take the same job.
	scheduler := delivery.NewRetryScheduler(f.queue, f.lanes, f.config.Queue.RetryInterval, f.logger)
	return []func() error{f.lanes.Run(ctx), consumer.Run(ctx), scheduler.Run(ctx)}, nil
}

func (f *Factory) retryScheduler() *delivery.RetryScheduler {
	return delivery.NewRetryScheduler(f.queue, f.dispatcher, f.config.Queue.RetryInterval, f.logger)
}

// Migrate applies the embedded schema migrations. It connects to Postgres
// only, so it can run before the other backing services are up.
func Migrate(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	db, err := postgres.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate(ctx)
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) healthCheckers() map[string]handler.HealthChecker {
	checks := map[string]handler.HealthChecker{
		"redis":    f.redisClient,
		"postgres": f.db,
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient
	}
	return checks
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)
	for name, c := range f.healthCheckers() {
		if err := c.HealthCheck(ctx); err != nil {
			healthErrors[name] = err
		}
	}
	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.kafkaConsumer != nil {
			if err := f.kafkaConsumer.Close(); err != nil {
				util.Error("Failed to close Kafka consumer", util.ErrorField(err))
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.db != nil {
			f.db.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Logger() *zap.Logger {
	return f.logger
}
