package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/campaign-dispatch/internal/config"
	"github.com/acme/campaign-dispatch/internal/domain"
	"github.com/acme/campaign-dispatch/internal/infra/db"
	"github.com/acme/campaign-dispatch/internal/infra/redis"
	"github.com/acme/campaign-dispatch/internal/lock"
	"github.com/acme/campaign-dispatch/internal/queue"
	"github.com/acme/campaign-dispatch/internal/repository"
	pgrepo "github.com/acme/campaign-dispatch/internal/repository/postgres"
	scyllarepo "github.com/acme/campaign-dispatch/internal/repository/scylla"
	campaignsvc "github.com/acme/campaign-dispatch/internal/service/campaign"
	outcomesvc "github.com/acme/campaign-dispatch/internal/service/outcome"
	"github.com/acme/campaign-dispatch/internal/telephony"
	telephonyMock "github.com/acme/campaign-dispatch/internal/telephony/mock"
	"github.com/acme/campaign-dispatch/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Database *db.Database
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publishers   *publishers
		providers    *providers
		mutex        *lock.Mutex
	}
}

type repositories struct {
	Campaign      repository.CampaignRepository
	BusinessHours repository.BusinessHourRepository
	Queue         repository.CallQueueStore
	Stats         repository.CampaignStatisticsRepository
	Attempts      repository.AttemptLog
}

type services struct {
	Campaign *campaignsvc.Service
	Outcome  *outcomesvc.Service
}

type publishers struct {
	Failures *queue.FailurePublisher
	Outcomes *queue.OutcomePublisher
}

type providers struct {
	Gateway telephony.Gateway
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	container := &Container{Config: cfg, Logger: lg}

	container.Database, err = db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}

	if cfg.Scylla.Enabled {
		container.Scylla, err = db.NewScylla(cfg.Scylla)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla: %w", err)
		}
	}

	if cfg.Lock.Backend == config.LockBackendRedis {
		container.Redis, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			_ = container.Close(ctx)
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
	}

	container.Kafka, err = queue.NewKafka(cfg.Kafka)
	if err != nil {
		_ = container.Close(ctx)
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	return container, nil
}

// DefaultRetryPolicy is applied to campaigns that do not set their own.
func (c *Container) DefaultRetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts: c.Config.Retry.MaxAttempts,
		BaseDelay:   c.Config.Retry.BaseDelay,
		MaxDelay:    c.Config.Retry.MaxDelay,
		Jitter:      c.Config.Retry.Jitter,
	}.Normalize()
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		sqlDB := c.Database.DB()

		repos := &repositories{
			Campaign:      pgrepo.NewCampaignRepository(sqlDB),
			BusinessHours: pgrepo.NewBusinessHourRepository(sqlDB),
			Queue:         pgrepo.NewQueueStore(sqlDB, c.Config.Scheduler.ClaimTTL),
			Stats:         pgrepo.NewCampaignStatisticsRepository(sqlDB),
			Attempts:      repository.NopAttemptLog{},
		}
		if c.Scylla != nil {
			repos.Attempts = scyllarepo.NewAttemptStore(c.Scylla.Session())
		}

		pubs := &publishers{
			Failures: queue.NewFailurePublisher(c.Kafka, c.Config.Kafka.FailureTopic),
			Outcomes: queue.NewOutcomePublisher(c.Kafka, c.Config.Kafka.OutcomeTopic),
		}

		var store lock.Store
		switch c.Config.Lock.Backend {
		case config.LockBackendSQL:
			store = pgrepo.NewLockStore(sqlDB)
		default:
			store = lock.NewRedisStore(c.Redis.Inner())
		}
		c.components.mutex = lock.NewMutex(store,
			lock.WithKeyPrefix(c.Config.Lock.KeyPrefix),
			lock.WithOperationTimeout(c.Config.Lock.OperationTimeout),
			lock.WithLogger(c.Logger.Named("lock").Logger),
		)

		defaultRetry := c.DefaultRetryPolicy()

		svcs := &services{
			Campaign: campaignsvc.NewService(
				repos.Campaign,
				repos.BusinessHours,
				repos.Queue,
				repos.Stats,
				repos.Attempts,
				defaultRetry,
				c.Config.Throttle.DefaultPerCampaign,
			),
			Outcome: outcomesvc.NewService(
				repos.Queue,
				repos.Campaign,
				repos.Stats,
				repos.Attempts,
				pubs.Failures,
				defaultRetry,
				c.Logger.Named("outcome"),
			),
		}

		provs := &providers{
			Gateway: telephonyMock.NewProvider(c.Config.Provider, pubs.Outcomes, c.Logger.Named("provider").Logger),
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = svcs
		c.components.providers = provs
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Mutex exposes the per-contact dispatch mutex.
func (c *Container) Mutex() *lock.Mutex {
	c.initComponents()
	return c.components.mutex
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	// simulated calls still owe their outcomes to the publisher
	if p := c.components.providers; p != nil {
		if w, ok := p.Gateway.(interface{ Wait() }); ok {
			w.Wait()
		}
	}
	if p := c.components.publishers; p != nil {
		if err := p.Failures.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failure publisher close: %w", err))
		}
		if err := p.Outcomes.Close(); err != nil {
			errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Database != nil {
		if err := c.Database.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.OutcomeTopic, c.Config.Kafka.FailureTopic}
	return c.Kafka.EnsureTopics(ctx, topics, c.Config.Kafka.Partitions, 1)
}
