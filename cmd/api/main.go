package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/punchamoorthee/punchgate/internal/api"
	"github.com/punchamoorthee/punchgate/internal/config"
	"github.com/punchamoorthee/punchgate/internal/currency"
	"github.com/punchamoorthee/punchgate/internal/events"
	"github.com/punchamoorthee/punchgate/internal/lock"
	"github.com/punchamoorthee/punchgate/internal/ratelimit"
	"github.com/punchamoorthee/punchgate/internal/service"
	"github.com/punchamoorthee/punchgate/internal/store"
	"github.com/punchamoorthee/punchgate/internal/tenant"
	"github.com/punchamoorthee/punchgate/internal/validate"
)

// backend is everything the services and the key cache need from storage.
type backend interface {
	service.OrderStore
	service.AuditLog
	service.Directory
	service.TenantStore
	service.SessionStore
	service.DocumentStore
	tenant.Lookup
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, closeDB, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeDB()

	var (
		locker    lock.Locker
		limiter   ratelimit.Limiter
		publisher events.Publisher
	)
	rlCfg := ratelimit.Config{Max: cfg.RateLimit.Max, Window: cfg.RateLimit.Window}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("connect redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		rl, err := ratelimit.NewRedisLimiter(rdb, rlCfg)
		if err != nil {
			logger.Fatal("rate limiter", zap.Error(err))
		}
		locker, limiter = lock.NewRedisLocker(rdb), rl
		publisher = events.NewRedisPublisher(rdb, cfg.EventStream, 10000)
		logger.Info("using redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		rl, err := ratelimit.NewMemoryLimiter(rlCfg)
		if err != nil {
			logger.Fatal("rate limiter", zap.Error(err))
		}
		rl.StartJanitor(ctx, cfg.RateLimit.Window)
		locker, limiter = lock.NewMemoryLocker(), rl
		publisher = events.NewMemoryPublisher()
		logger.Warn("REDIS_ADDR not set, locks and rate counters are process-local")
	}

	validator, err := validate.New()
	if err != nil {
		logger.Fatal("compile schemas", zap.Error(err))
	}
	converter := currency.NewHTTPConverter(cfg.Currency.APIURL,
		currency.WithRateLimit(cfg.Currency.RPS, int(cfg.Currency.RPS)+1))
	cache := tenant.NewCache(db, cfg.TenantCache.Size, cfg.TenantCache.TTL)

	setup := service.NewPunchOutSetup(db, db, db, validator, publisher, logger)
	intake := service.NewOrderIntake(db, db, validator, locker, converter, publisher, service.IntakeConfig{
		LockTTL:        cfg.LockTTL,
		Retry:          cfg.RetryPolicy(),
		CurrencyPolicy: service.CurrencyPolicy(cfg.Currency.FailurePolicy),
	}, logger)
	documents := service.NewDocumentIntake(db, db, validator, publisher, cfg.RetryPolicy(), logger)
	orders := service.NewOrderLifecycle(db, db, locker, converter, publisher, cfg.LockTTL, logger)

	var (
		adminOnce sync.Once
		admin     *service.TenantAdmin
	)
	loadAdmin := func(context.Context) (*service.TenantAdmin, error) {
		adminOnce.Do(func() {
			admin = service.NewTenantAdmin(db, db, cache, publisher, logger)
			logger.Info("tenant admin loaded")
		})
		return admin, nil
	}

	gw, err := api.NewGateway(cache, limiter, api.NewHandler(setup, intake, documents, orders, loadAdmin), logger)
	if err != nil {
		logger.Fatal("build gateway", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) *zap.Logger {
	build := zap.NewProduction
	if cfg.Development() {
		build = zap.NewDevelopment
	}
	logger, err := build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}

// openStore connects to postgres when DB_SOURCE is set and falls back to a
// seeded in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, func(), error) {
	if cfg.DBSource == "" {
		mem := store.NewMemory()
		if err := mem.Seed(ctx, store.DemoFixture()); err != nil {
			return nil, nil, err
		}
		logger.Warn("DB_SOURCE not set, using in-memory store with demo tenant",
			zap.String("tenant", store.DemoTenantID))
		return mem, func() {}, nil
	}

	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
