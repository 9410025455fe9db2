package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libredis "powersave/backend/libs/redis"
	"powersave/backend/services/savings-service/internal/baseline"
	"powersave/backend/services/savings-service/internal/clients"
	"powersave/backend/services/savings-service/internal/config"
	"powersave/backend/services/savings-service/internal/db"
	"powersave/backend/services/savings-service/internal/events"
	httpserver "powersave/backend/services/savings-service/internal/http"
	"powersave/backend/services/savings-service/internal/http/handlers"
	"powersave/backend/services/savings-service/internal/http/middleware"
	"powersave/backend/services/savings-service/internal/ledger"
	"powersave/backend/services/savings-service/internal/metering"
	"powersave/backend/services/savings-service/internal/metrics"
	redisstore "powersave/backend/services/savings-service/internal/redis"
	"powersave/backend/services/savings-service/internal/repository"
	"powersave/backend/services/savings-service/internal/savings"
	"powersave/backend/services/savings-service/internal/service"
)

const migrateTimeout = 30 * time.Second

// App wires savings-service dependencies.
type App struct {
	server      *httpserver.Server
	db          *sql.DB
	redisClient *redis.Client
	publisher   *events.Publisher
	logger      *zap.Logger
}

// New constructs the application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	rates, err := cfg.Rates()
	if err != nil {
		return nil, err
	}

	a := &App{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		store    repository.Store
		recorder handlers.ConsumptionRecorder
		history  service.HistorySource
	)
	if cfg.Database.DSN != "" {
		sqlDB, err := db.NewPostgres(cfg.Database.DSN, cfg.PoolOptions())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.db = sqlDB
		if cfg.Database.Migrate {
			ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
			err := db.Migrate(ctx, sqlDB)
			cancel()
			if err != nil {
				return nil, err
			}
		}
		store = repository.NewPostgresStore(sqlDB, logger)
		consumption := repository.NewConsumptionRepository(sqlDB)
		recorder = consumption
		if cfg.Metering.Source == config.MeteringPostgres {
			history = consumption
		}
	} else {
		logger.Warn("no database configured, using in-memory store")
		store = repository.NewMemoryStore()
	}

	if history == nil {
		history = metering.NewHTTPSource(
			cfg.Metering.BaseURL,
			cfg.Metering.APIKey,
			clients.NewDefaultHTTPClient(cfg.Metering.Timeout),
			cfg.BreakerSettings(),
			m,
			logger,
		)
	}

	var cache service.ActiveCache
	if cfg.Redis.Addr != "" {
		redisClient, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redisClient = redisClient
		cache = redisstore.NewStore(redisClient, cfg.ActiveSessionTTL())
	}

	var municipality handlers.Municipality
	if cfg.Municipality.BaseURL != "" {
		municipality = clients.NewMunicipalityClient(
			cfg.Municipality.BaseURL,
			cfg.Municipality.APIKey,
			clients.NewDefaultHTTPClient(cfg.Municipality.Timeout),
		)
	}

	a.publisher = events.NewPublisher(events.Config{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		WriteTimeout: cfg.Kafka.WriteTimeout,
	}, logger)

	engine := ledger.NewEngine(store, logger, ledger.WithMetrics(m), ledger.WithPublisher(a.publisher))
	sessionsService := service.NewSessionsService(service.Deps{
		Store:      store,
		Ledger:     engine,
		Estimator:  baseline.NewEstimator(cfg.BaselineConfig()),
		Calculator: savings.NewCalculator(rates),
		History:    history,
		Cache:      cache,
		Publisher:  a.publisher,
		Metrics:    m,
	}, cfg.SessionOptions(), logger)

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Sessions:     handlers.NewSessionsHandlers(sessionsService, logger),
		Wallet:       handlers.NewWalletHandlers(engine, store, municipality, logger),
		Internal:     handlers.NewInternalHandlers(engine, recorder, logger),
		Health:       handlers.NewHealthHandler(),
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Auth:         middleware.AuthMiddleware(cfg.Auth.JWTSecret),
		InternalAuth: middleware.InternalKeyMiddleware(cfg.Auth.InternalAPIKey),
		CORSOrigins:  cfg.HTTP.CORSOrigins,
	})
	a.server = httpserver.NewServer(
		cfg.HTTPAddress(),
		router,
		logger,
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
	)

	ok = true
	return a, nil
}

// Run starts HTTP server.
func (a *App) Run(ctx context.Context) error {
	return a.server.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("failed to close event publisher", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
