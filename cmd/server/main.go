package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/polar-ops/internal/arbiter"
	"github.com/ksred/polar-ops/internal/auth"
	"github.com/ksred/polar-ops/internal/config"
	"github.com/ksred/polar-ops/internal/contract"
	"github.com/ksred/polar-ops/internal/database"
	"github.com/ksred/polar-ops/internal/event"
	"github.com/ksred/polar-ops/internal/gateway"
	"github.com/ksred/polar-ops/internal/keylock"
	"github.com/ksred/polar-ops/internal/lock"
	"github.com/ksred/polar-ops/internal/market"
	"github.com/ksred/polar-ops/internal/metrics"
	"github.com/ksred/polar-ops/internal/notify"
	"github.com/ksred/polar-ops/internal/position"
	"github.com/ksred/polar-ops/internal/resource"
	"github.com/ksred/polar-ops/internal/rollover"
	"github.com/ksred/polar-ops/internal/scheduler"
	"github.com/ksred/polar-ops/internal/strategy"
	"github.com/ksred/polar-ops/internal/stream"
	"github.com/ksred/polar-ops/pkg/middleware"
)

// setupLogging configures the global logger. Outside production it pretty
// prints with timestamps; DEBUG=true forces debug level.
func setupLogging(cfg config.Config) {
	if !cfg.IsProduction() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if os.Getenv("DEBUG") == "true" {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}

type handlers struct {
	auth      *auth.GinHandlers
	contracts *contract.GinHandlers
	positions *position.GinHandlers
	lock      *lock.GinHandlers
	rollover  *rollover.GinHandlers
	strategy  *strategy.GinHandlers
	arbiter   *arbiter.GinHandlers
	resource  *resource.GinHandlers
	market    *market.GinHandlers
	stream    *stream.Hub
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg)
	decimal.MarshalJSONWithoutQuotes = true

	db, err := database.NewDatabase(cfg.DB)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	locker, err := keylock.New(cfg.KeyLock)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize key lock")
	}
	lockTTL := cfg.KeyLock.DefaultTTL

	bus := event.NewBus(cfg.Events.BufferSize)
	notifier := notify.NewLogNotifier()

	contractService := contract.NewService(db)
	if _, err := contractService.LoadCatalog(cfg.Contracts.CatalogPath); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load contract catalog")
	}

	store := position.NewStore(db, contractService, bus)
	gw := gateway.NewGuarded(
		gateway.NewSimulator(db, cfg.Gateway.Simulator),
		cfg.Gateway.Timeout,
		cfg.Gateway.RatePerSecond,
		cfg.Gateway.Burst,
	)

	// Lock engine
	lockDB := lock.NewDatabase(db)
	executor := lock.NewExecutor(lockDB, store, gw, contractService, locker, notifier, bus, lock.ExecutorOptions{
		LockTTL:   lockTTL,
		Workers:   cfg.Lock.ExecutorWorkers,
		QueueSize: cfg.Lock.QueueSize,
	})
	evaluator := lock.NewEvaluator(lockDB, store, contractService, locker, lockTTL, executor, bus)
	lockService := lock.NewService(lockDB, executor)

	// Rollover engine
	rolloverDB := rollover.NewDatabase(db)
	coordinator := rollover.NewCoordinator(rolloverDB, store, gw, contractService, locker, lockTTL, notifier, bus, rollover.RetryPolicy{
		MaxRetries: cfg.Rollover.MaxRetries,
		MinBackoff: cfg.Rollover.MinBackoff,
		MaxBackoff: cfg.Rollover.MaxBackoff,
	})
	monitor := rollover.NewMonitor(rolloverDB, contractService, store, coordinator)
	rolloverService := rollover.NewService(rolloverDB, coordinator, store, contractService)

	// Strategy groups
	strategyService := strategy.NewService(strategy.NewDatabase(db))
	accountant := resource.NewAccountant(resource.NewDatabase(db), strategyService, store, contractService)
	arb := arbiter.New(arbiter.NewDatabase(db), strategyService, accountant, store, contractService, gw, locker, bus, arbiter.Options{
		SnapshotMaxAge: cfg.Arbiter.SnapshotMaxAge,
		LockTTL:        lockTTL,
	})

	feed := market.NewChannelFeed(cfg.Events.BufferSize)
	hub := stream.NewHub()
	limiter := middleware.NewRateLimiter()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before anything publishes
	evaluatorEvents := bus.Subscribe()
	streamEvents := bus.Subscribe()

	go executor.Run(ctx)
	go evaluator.Run(ctx, evaluatorEvents)
	go market.NewPump(feed, store).Run(ctx)
	go hub.Run(ctx, streamEvents)
	go limiter.Run(ctx)

	jobs := scheduler.New(ctx)
	schedule := []struct {
		name string
		spec string
		job  scheduler.Job
	}{
		{"lock_sweep", cfg.Lock.SweepSpec, func(ctx context.Context) {
			if _, err := evaluator.Sweep(ctx); err != nil {
				zlog.Error().Err(err).Str("component", "lock_evaluator").Msg("lock sweep failed")
			}
			if _, err := executor.DrainPending(ctx); err != nil {
				zlog.Error().Err(err).Str("component", "lock_executor").Msg("pending lock drain failed")
			}
		}},
		{"rollover_monitor", cfg.Rollover.MonitorSpec, monitor.Run},
		{"rollover_close_day", cfg.Rollover.CloseDaySpec, func(ctx context.Context) {
			if _, err := monitor.CloseDay(ctx); err != nil {
				zlog.Error().Err(err).Str("component", "rollover_monitor").Msg("statistics day close failed")
			}
		}},
		{"arbiter_pending", cfg.Arbiter.ProcessSpec, arb.Run},
		{"resource_snapshot", cfg.Resource.SnapshotSpec, accountant.Run},
	}
	for _, s := range schedule {
		if err := jobs.Add(s.name, s.spec, s.job); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to schedule job")
		}
	}
	jobs.Start()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(), limiter.Handler())

	authService := auth.NewService(cfg.Auth)
	setupRoutes(router, cfg.Auth, authService, handlers{
		auth:      auth.NewGinHandlers(authService),
		contracts: contract.NewGinHandlers(contractService),
		positions: position.NewGinHandlers(store),
		lock:      lock.NewGinHandlers(lockService),
		rollover:  rollover.NewGinHandlers(rolloverService),
		strategy:  strategy.NewGinHandlers(strategyService),
		arbiter:   arbiter.NewGinHandlers(arb),
		resource:  resource.NewGinHandlers(accountant),
		market:    market.NewGinHandlers(feed),
		stream:    hub,
	})

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: router,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop the engines after HTTP so in-flight requests finish first.
	cancel()
	jobs.Stop()
	feed.Close()
	bus.Close()

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	zlog.Info().Msg("Server exiting")
}

// setupRoutes registers every endpoint. When auth is enabled all /api
// routes except token issue require a bearer token with operate permission.
func setupRoutes(router *gin.Engine, authCfg config.AuthConfig, authService *auth.Service, h handlers) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.POST("/auth/token", h.auth.GenerateTokenHandler())

	protected := api.Group("")
	ws := router.Group("/ws")
	if authCfg.Enabled {
		protected.Use(middleware.JWTAuth(authService), middleware.RequirePermission(auth.PermissionOperate))
		ws.Use(middleware.JWTAuth(authService))
	}
	ws.GET("/positions", h.stream.Handler())

	contracts := protected.Group("/contracts")
	{
		contracts.GET("", h.contracts.ListContractsHandler())
		contracts.POST("/main-switches", h.contracts.RecordSwitchHandler())
	}

	protected.GET("/positions/:accountId", h.positions.ListPositionsHandler())
	trades := protected.Group("/trades")
	{
		trades.GET("", h.positions.ListTradesHandler())
		trades.POST("", h.positions.PushTradeHandler())
	}
	protected.POST("/market/ticks", h.market.PushTicksHandler())

	lockRoutes := protected.Group("/lock")
	{
		lockRoutes.GET("/configs", h.lock.ListConfigsHandler())
		lockRoutes.POST("/configs", h.lock.CreateConfigHandler())
		lockRoutes.GET("/configs/:id", h.lock.GetConfigHandler())
		lockRoutes.PUT("/configs/:id", h.lock.UpdateConfigHandler())
		lockRoutes.DELETE("/configs/:id", h.lock.DeleteConfigHandler())
		lockRoutes.GET("/triggers", h.lock.ListTriggersHandler())
		lockRoutes.POST("/triggers/:id/cancel", h.lock.CancelTriggerHandler())
		lockRoutes.POST("/execute/:triggerId", h.lock.ExecuteTriggerHandler())
		lockRoutes.GET("/executions", h.lock.ListExecutionsHandler())
	}

	rolloverRoutes := protected.Group("/rollover")
	{
		rolloverRoutes.GET("/configs", h.rollover.ListConfigsHandler())
		rolloverRoutes.POST("/configs", h.rollover.CreateConfigHandler())
		rolloverRoutes.PUT("/configs/:id", h.rollover.UpdateConfigHandler())
		rolloverRoutes.DELETE("/configs/:id", h.rollover.DeleteConfigHandler())
		rolloverRoutes.GET("/tasks", h.rollover.ListTasksHandler())
		rolloverRoutes.POST("/tasks", h.rollover.CreateTaskHandler())
		rolloverRoutes.GET("/tasks/:id", h.rollover.GetTaskHandler())
		rolloverRoutes.POST("/tasks/:id/execute", h.rollover.ExecuteTaskHandler())
		rolloverRoutes.POST("/tasks/:id/cancel", h.rollover.CancelTaskHandler())
		rolloverRoutes.GET("/tasks/:id/executions", h.rollover.ListExecutionsHandler())
		rolloverRoutes.GET("/statistics", h.rollover.StatisticsHandler())
	}

	groups := protected.Group("/strategy-groups")
	{
		groups.GET("", h.strategy.ListGroupsHandler())
		groups.POST("", h.strategy.CreateGroupHandler())
		groups.GET("/:id", h.strategy.GetGroupHandler())
		groups.PUT("/:id", h.strategy.UpdateGroupHandler())
		groups.POST("/:id/members", h.strategy.AddMemberHandler())
		groups.DELETE("/:id/members/:instanceId", h.strategy.RemoveMemberHandler())
	}

	instances := protected.Group("/strategy-instances")
	{
		instances.GET("", h.strategy.ListInstancesHandler())
		instances.POST("", h.strategy.CreateInstanceHandler())
		instances.GET("/:id", h.strategy.GetInstanceHandler())
		instances.PUT("/:id/status", h.strategy.SetStatusHandler())
		instances.POST("/:id/heartbeat", h.strategy.HeartbeatHandler())
		instances.GET("/:id/performance", h.strategy.ListPerformanceHandler())
		instances.POST("/:id/performance", h.strategy.RecordPerformanceHandler())
		instances.GET("/:id/params", h.strategy.GetParamsHandler())
		instances.PUT("/:id/params/:key", h.strategy.SetParamHandler())
		instances.GET("/:id/params/:key/history", h.strategy.ParamHistoryHandler())
		instances.POST("/:id/params/:key/rollback", h.strategy.RollbackParamHandler())
	}

	protected.GET("/strategy-performance/ranking", h.strategy.RankingHandler())

	params := protected.Group("/strategies/:strategyId/params")
	{
		params.GET("", h.strategy.ListParamDefinitionsHandler())
		params.POST("", h.strategy.DefineParamHandler())
	}

	signals := protected.Group("/strategy-signals")
	{
		signals.GET("", h.arbiter.ListSignalsHandler())
		signals.POST("", h.arbiter.CreateSignalHandler())
		signals.POST("/:id/process", h.arbiter.ProcessSignalHandler())
	}

	conflicts := protected.Group("/strategy-conflicts")
	{
		conflicts.GET("", h.arbiter.ListConflictsHandler())
		conflicts.POST("/:id/resolve", h.arbiter.ResolveConflictHandler())
	}

	protected.GET("/resource-usage/:groupId", h.resource.HistoryHandler())
}
