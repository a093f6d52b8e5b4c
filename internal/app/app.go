package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sqlgateway/internal/config"
	"sqlgateway/internal/dbclient"
	"sqlgateway/internal/introspect"
	mcpserver "sqlgateway/internal/mcp"
	"sqlgateway/internal/ratelimit"
	"sqlgateway/internal/secret"
	"sqlgateway/internal/service"
	"sqlgateway/internal/storage"
)

// App wires configuration, storage, secrets and services into a running
// gateway. CLI commands and the MCP server both go through it.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	db      *storage.DB
	records *storage.DataSourceStore
	secrets secret.SecretStore

	factory   *dbclient.Factory
	limiter   *ratelimit.Limiter
	notifier  *mcpserver.Notifier
	sources   *service.DataSourceService
	workflows *service.WorkflowRegistry

	stopSweeper func()
	stopWatch   context.CancelFunc
}

// Option customizes App construction.
type Option func(*App)

// WithSecretStore replaces the store selected by configuration.
func WithSecretStore(s secret.SecretStore) Option {
	return func(a *App) { a.secrets = s }
}

// New creates an App. Nothing is opened until Startup.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Startup opens the records database, builds the services and registers
// every stored and file-defined data source. Adapters connect lazily.
func (a *App) Startup(ctx context.Context) error {
	db, err := storage.New(a.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open records database: %w", err)
	}
	a.db = db
	a.records = storage.NewDataSourceStore(db)

	if a.secrets == nil {
		switch a.cfg.SecretStore {
		case config.SecretsMemory:
			a.secrets = secret.NewMemoryStore()
		default:
			a.secrets = secret.NewKeychainStore()
		}
	}

	cache, err := a.introspectionCache(ctx)
	if err != nil {
		db.Close()
		return err
	}
	a.factory = dbclient.NewFactory(
		dbclient.WithLogger(a.logger.Named("dbclient")),
		dbclient.WithWarmPool(dbclient.NewWarmPool(dbclient.DefaultPoolSize, a.cfg.SnowflakeIdleTimeout, a.logger.Named("warmpool"))),
		dbclient.WithIntrospection(introspect.WithCache(cache), introspect.WithTTL(a.cfg.Introspection.CacheTTL)),
	)

	a.limiter = ratelimit.New(a.logger.Named("ratelimit"))
	a.limiter.Configure(ratelimit.SQLExecution, a.cfg.RateLimit)
	a.notifier = mcpserver.NewNotifier()

	opts := []service.Option{
		service.WithLogger(a.logger.Named("service")),
		service.WithEmitter(a.notifier),
		service.WithRateLimit(a.limiter, a.cfg.RateLimit),
	}
	a.sources = service.NewDataSourceService(a.factory, opts...)
	a.workflows = service.NewWorkflowRegistry(a.factory, secret.NewStoreResolver(a.records, a.secrets), opts...)

	if err := a.registerStored(ctx); err != nil {
		a.Shutdown(ctx)
		return err
	}
	if a.cfg.DataSourcesFile != "" {
		if err := a.sources.LoadFile(a.cfg.DataSourcesFile); err != nil {
			a.Shutdown(ctx)
			return err
		}
	}
	return nil
}

func (a *App) introspectionCache(ctx context.Context) (introspect.SnapshotCache, error) {
	ic := a.cfg.Introspection
	switch ic.CacheBackend {
	case config.CacheBigcache:
		c, err := introspect.NewBigcacheStore(ctx, ic.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("bigcache: %w", err)
		}
		return c, nil
	case config.CacheRedis:
		return introspect.NewRedisStore(ic.RedisAddr, ic.RedisPassword, ic.RedisDB), nil
	default:
		return introspect.NewMemoryCache(), nil
	}
}

// StartBackground starts the workflow sweeper and, when a data source file
// is configured, the file watcher. Both stop in Shutdown.
func (a *App) StartBackground(ctx context.Context) error {
	stop, err := a.workflows.StartSweeper(a.cfg.WorkflowSweepSchedule, a.cfg.WorkflowMaxAge)
	if err != nil {
		return err
	}
	a.stopSweeper = stop

	if a.cfg.DataSourcesFile != "" {
		watchCtx, cancel := context.WithCancel(ctx)
		if err := a.sources.WatchFile(watchCtx, a.cfg.DataSourcesFile); err != nil {
			cancel()
			return err
		}
		a.stopWatch = cancel
	}
	return nil
}

// Sources exposes the data source facade.
func (a *App) Sources() *service.DataSourceService { return a.sources }

// Workflows exposes the workflow connection registry.
func (a *App) Workflows() *service.WorkflowRegistry { return a.workflows }

// Shutdown stops background work and closes every connection. ctx bounds
// the wait for in-flight workflow queries.
func (a *App) Shutdown(ctx context.Context) error {
	if a.stopWatch != nil {
		a.stopWatch()
		a.stopWatch = nil
	}
	if a.stopSweeper != nil {
		a.stopSweeper()
		a.stopSweeper = nil
	}

	var errs []error
	if a.workflows != nil {
		errs = append(errs, a.workflows.CloseAll(ctx))
	}
	if a.sources != nil {
		errs = append(errs, a.sources.CloseAll())
	}
	if a.factory != nil {
		errs = append(errs, a.factory.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	return errors.Join(errs...)
}
