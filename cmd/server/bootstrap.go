package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/dealerpulse/internal/api"
	"github.com/charlesng35/dealerpulse/internal/app"
	iauth "github.com/charlesng35/dealerpulse/internal/auth"
	"github.com/charlesng35/dealerpulse/internal/cache"
	"github.com/charlesng35/dealerpulse/internal/channels"
	"github.com/charlesng35/dealerpulse/internal/database"
	"github.com/charlesng35/dealerpulse/internal/engine"
	"github.com/charlesng35/dealerpulse/internal/middleware"
	"github.com/charlesng35/dealerpulse/internal/webhooks"
	"github.com/charlesng35/dealerpulse/pkg/logger"
	"github.com/charlesng35/dealerpulse/pkg/mail"
)

// runtimeStack bundles the long-lived services behind the HTTP server.
type runtimeStack struct {
	DB        *gorm.DB
	Redis     cache.Store
	Worker    *engine.DispatchWorker
	Retries   *engine.RetryScheduler
	RateStore middleware.RateStore
	Router    *gin.Engine

	cancelWorker context.CancelFunc
}

// bootstrapRuntime initialises the database, cache, delivery engine, and router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB)

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed counters", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	counterStore := cache.Store(dbStore)
	if stack.Redis != nil {
		counterStore = stack.Redis
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	rates, err := engine.NewRateCounter(counterStore)
	if err != nil {
		return nil, fmt.Errorf("initialise rate counter: %w", err)
	}

	evaluator, err := engine.NewEvaluator(stack.DB, rates)
	if err != nil {
		return nil, fmt.Errorf("initialise eligibility evaluator: %w", err)
	}

	expander, err := engine.NewExpander(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise recipient expander: %w", err)
	}

	queue, err := engine.NewQueue(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise delivery queue: %w", err)
	}

	eng, err := engine.NewEngine(stack.DB, expander, evaluator, queue)
	if err != nil {
		return nil, fmt.Errorf("initialise decision engine: %w", err)
	}

	logs, err := engine.NewDeliveryLogger(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise delivery logger: %w", err)
	}

	dispatchers, err := buildDispatchers(stack.DB, cfg)
	if err != nil {
		return nil, err
	}

	stack.Worker, err = engine.NewDispatchWorker(queue, logs, rates, dispatchers, engine.DispatchWorkerOptions{
		Interval:    cfg.Engine.PollInterval,
		Timeout:     cfg.Engine.DispatchTimeout,
		BatchSize:   cfg.Engine.BatchSize,
		Concurrency: cfg.Engine.Concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise dispatch worker: %w", err)
	}

	backoff, err := cfg.Retry.BackoffDurations()
	if err != nil {
		return nil, err
	}

	stack.Retries, err = engine.NewRetryScheduler(stack.DB, queue, logs,
		engine.WithBackoff(backoff),
		engine.WithMaxAttempts(cfg.Engine.MaxAttempts),
		engine.WithStuckLease(cfg.Retry.StuckLease),
		engine.WithRetrySchedule(cfg.Retry.Schedule),
		engine.WithSweepSchedule(cfg.Retry.SweepSchedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise retry scheduler: %w", err)
	}

	correlator, err := webhooks.NewCorrelator(logs, cfg.Webhooks.Secrets)
	if err != nil {
		return nil, fmt.Errorf("initialise webhook correlator: %w", err)
	}

	switch {
	case stack.Redis != nil:
		stack.RateStore = middleware.NewSharedRateStore(stack.Redis)
	default:
		stack.RateStore = middleware.NewSharedRateStore(dbStore)
	}

	stack.Router, err = api.NewRouter(stack.DB, jwtSvc, cfg, api.Services{
		Engine:     eng,
		Logs:       logs,
		Correlator: correlator,
	}, stack.RateStore)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	stack.cancelWorker = cancel
	go stack.Worker.Start(workerCtx)

	if err := stack.Retries.Start(); err != nil {
		return nil, fmt.Errorf("start retry scheduler: %w", err)
	}

	success = true
	return stack, nil
}

// buildDispatchers wires one Dispatcher per enabled channel. In-app and email
// require nothing beyond the database and SMTP settings; push, sms and chat
// need a provider endpoint.
func buildDispatchers(db *gorm.DB, cfg *app.Config) (map[string]engine.Dispatcher, error) {
	dispatchers := make(map[string]engine.Dispatcher)

	inApp, err := channels.NewInAppDispatcher(db)
	if err != nil {
		return nil, fmt.Errorf("initialise in_app dispatcher: %w", err)
	}
	dispatchers["in_app"] = inApp

	mailer, err := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
	if err != nil {
		return nil, fmt.Errorf("initialise mailer: %w", err)
	}
	email, err := channels.NewEmailDispatcher(db, mailer)
	if err != nil {
		return nil, fmt.Errorf("initialise email dispatcher: %w", err)
	}
	dispatchers["email"] = email

	if cfg.Channels.Push.Enabled && cfg.Channels.Push.Endpoint != "" {
		push, err := channels.NewPushDispatcher(db, providerConfig(cfg.Channels.Push))
		if err != nil {
			return nil, fmt.Errorf("initialise push dispatcher: %w", err)
		}
		dispatchers["push"] = push
	}

	if cfg.Channels.SMS.Enabled && cfg.Channels.SMS.Endpoint != "" {
		sms, err := channels.NewSMSDispatcher(db, providerConfig(cfg.Channels.SMS))
		if err != nil {
			return nil, fmt.Errorf("initialise sms dispatcher: %w", err)
		}
		dispatchers["sms"] = sms
	}

	if cfg.Channels.Chat.Enabled && cfg.Channels.Chat.Endpoint != "" {
		chat, err := channels.NewChatDispatcher(providerConfig(cfg.Channels.Chat))
		if err != nil {
			return nil, fmt.Errorf("initialise chat dispatcher: %w", err)
		}
		dispatchers["chat"] = chat
	}

	return dispatchers, nil
}

func providerConfig(c app.ChannelProviderConfig) channels.ProviderConfig {
	return channels.ProviderConfig{
		Endpoint: strings.TrimSpace(c.Endpoint),
		APIKey:   c.APIKey,
		Timeout:  c.Timeout,
	}
}

// Shutdown stops background workers and closes connections in reverse order.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s.Retries != nil {
		<-s.Retries.Stop().Done()
	}

	if s.cancelWorker != nil {
		s.cancelWorker()
	}

	if rc, ok := s.Redis.(*cache.RedisClient); ok && rc != nil {
		if err := rc.Close(); err != nil {
			log.Warn("close redis", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected",
		zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		applyHostConfig(&dbCfg, cfg.Database.Postgres, 5432)
	case "mysql":
		applyHostConfig(&dbCfg, cfg.Database.MySQL, 3306)
	}

	return dbCfg
}

func applyHostConfig(dbCfg *database.Config, auth app.DBAuthConfig, defaultPort int) {
	dbCfg.Host = strings.TrimSpace(auth.Host)
	dbCfg.Port = auth.Port
	if dbCfg.Port == 0 {
		dbCfg.Port = defaultPort
	}
	dbCfg.Name = strings.TrimSpace(auth.Database)
	dbCfg.User = strings.TrimSpace(auth.Username)
	dbCfg.Password = auth.Password
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("access underlying database handle", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("close database", zap.Error(err))
	}
}
