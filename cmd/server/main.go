package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoPolymarket/fraudgate/internal/abtest"
	"github.com/GoPolymarket/fraudgate/internal/behavior"
	"github.com/GoPolymarket/fraudgate/internal/cache"
	"github.com/GoPolymarket/fraudgate/internal/config"
	"github.com/GoPolymarket/fraudgate/internal/handler"
	"github.com/GoPolymarket/fraudgate/internal/manager"
	"github.com/GoPolymarket/fraudgate/internal/middleware"
	"github.com/GoPolymarket/fraudgate/internal/ml"
	"github.com/GoPolymarket/fraudgate/internal/network"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
	"github.com/GoPolymarket/fraudgate/internal/pkg/tracing"
	"github.com/GoPolymarket/fraudgate/internal/repository"
	"github.com/GoPolymarket/fraudgate/internal/rules"
	"github.com/GoPolymarket/fraudgate/internal/scoring"
	"github.com/GoPolymarket/fraudgate/internal/service"
	"github.com/GoPolymarket/fraudgate/internal/stream"
	"github.com/GoPolymarket/fraudgate/internal/threatintel"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.OTLPEndpoint, cfg.Tracing.SampleRatio, logger.Get())
	if err != nil {
		logger.Error("Tracing init failed, continuing without traces", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	// 2. Initialize Persistence
	// Shared state (Redis > Memory)
	var redisClient *repository.RedisClient
	if cfg.Redis.Addr != "" {
		rc, err := repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
			redisClient = rc
		} else {
			logger.Error("Failed to connect to Redis, falling back to memory", "error", err)
		}
	}

	var (
		sharedCache  cache.Cache
		counterStore manager.CounterStore
		idemStore    middleware.IdempotencyStore
	)
	if redisClient != nil {
		sharedCache = repository.NewRedisCache(redisClient)
		counterStore = repository.NewRedisCounterStore(redisClient)
		idemStore = repository.NewRedisIdempotencyStore(redisClient, 24*time.Hour)
	} else {
		mem := cache.NewMemoryCache()
		mem.StartJanitor(ctx, time.Minute)
		sharedCache = mem
		counters := manager.NewMemoryCounterStore()
		go pruneLoop(ctx, counters.Prune, time.Minute)
		counterStore = counters
		idemStore = middleware.NewInMemIdempotencyStore(24 * time.Hour)
	}

	// Relational state (Postgres > Memory)
	var db *sqlx.DB
	if cfg.Database.DSN != "" {
		d, err := repository.NewDB(cfg)
		if err == nil {
			logger.Info("Connected to PostgreSQL")
			db = d
		} else {
			logger.Error("Failed to connect to DB, evaluations will be kept in memory", "error", err)
		}
	}

	var (
		evalStore service.EvaluationStore
		blacklist threatintel.BlacklistStore
		clientRep service.ClientRepo
	)
	if db != nil {
		evalRepo := repository.NewPostgresEvaluationRepo(db)
		evalStore = evalRepo
		blacklist = repository.NewPostgresBlacklistRepo(db)
		clientRep = repository.NewPostgresClientRepo(db)
		retention := time.Duration(cfg.Database.EvaluationRetentionDays) * 24 * time.Hour
		interval := time.Duration(cfg.Database.CleanupIntervalMinutes) * time.Minute
		go pruneLoop(ctx, func() {
			cctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if err := evalRepo.Cleanup(cctx, retention); err != nil {
				logger.Warn("Evaluation cleanup failed", "error", err)
			}
		}, interval)
	} else {
		evalStore = service.NewMemoryEvaluationStore(cfg.Evaluation.RecordBufferSize)
		blacklist = threatintel.NewMemoryBlacklist()
	}

	// 3. Initialize Engines
	// Network
	var geo network.GeoLocator
	if cfg.Network.GeoIPCityDB != "" {
		loc, err := network.OpenMaxMind(cfg.Network.GeoIPCityDB, cfg.Network.GeoIPASNDB)
		if err != nil {
			logger.Error("GeoIP database unavailable, geolocation disabled", "error", err)
		} else {
			defer loc.Close()
			geo = loc
		}
	}
	if geo == nil {
		geo = network.NewStaticLocator()
	}
	exitNodes := network.NewExitNodeSet(cfg.Network.ExitNodeURL, cfg.Network.ExitNodeRefresh, nil)
	if cfg.Network.ExitNodeURL != "" {
		exitNodes.Start(ctx)
	}
	networkEngine := network.NewEngine(network.Options{
		Geo:             geo,
		ExitNodes:       exitNodes,
		Resolver:        net.DefaultResolver,
		Cache:           sharedCache,
		VPNASNs:         cfg.Network.VPNASNs,
		DNSTimeout:      cfg.Network.ReverseDNSTimeout,
		CacheTTL:        cfg.Network.CacheTTL,
		StrictHostnames: cfg.Network.StrictHostnames,
		Policy: network.Policy{
			Tor:             cfg.Network.TorWeight,
			VPN:             cfg.Network.VPNWeight,
			Proxy:           cfg.Network.ProxyWeight,
			CountryMismatch: cfg.Network.CountryMismatchWeight,
		},
	})

	// Threat intelligence
	threatOpts := threatintel.Options{
		Cache:     sharedCache,
		Blacklist: blacklist,
		Timeout:   cfg.ThreatIntel.Timeout,
		TTLs: threatintel.TTLs{
			Malicious:  cfg.ThreatIntel.MaliciousTTL,
			Suspicious: cfg.ThreatIntel.SuspiciousTTL,
			Clean:      cfg.ThreatIntel.CleanTTL,
		},
	}
	if cfg.ThreatIntel.APIURL != "" {
		threatOpts.Reputation = threatintel.NewReputationClient(cfg.ThreatIntel.APIURL, cfg.ThreatIntel.APIKey,
			cfg.ThreatIntel.Timeout, cfg.ThreatIntel.RequestsPerSecond)
	}
	threatGateway := threatintel.NewGateway(threatOpts)

	// Rules (database catalog > built-in)
	var (
		catalog   rules.CatalogProvider
		ruleStore handler.RuleStore
	)
	if cfg.Rules.Source == "database" && cfg.Database.DSN != "" {
		store, err := repository.OpenGormRuleStore(cfg.Database.DSN)
		if err != nil {
			logger.Error("Rule catalog unavailable, using built-in rules", "error", err)
		} else {
			seedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := store.Seed(seedCtx, rules.DefaultCatalog()); err != nil {
				logger.Warn("Rule catalog seed failed", "error", err)
			}
			cached := rules.NewCachedCatalog(store, cfg.Rules.CacheTTL)
			if _, err := cached.Current(seedCtx); err != nil {
				logger.Warn("Rule catalog warm-up failed", "error", err)
			}
			cancel()
			defer cached.Wait()
			catalog = cached
			ruleStore = store
		}
	}
	if catalog == nil {
		catalog = rules.NewStaticCatalog(rules.DefaultCatalog())
	}
	velocity := manager.NewVelocityLimiter(counterStore)
	ruleEngine := rules.NewEngine(rules.DefaultRegistry(), catalog, velocity)

	engines := service.Engines{
		Network:    networkEngine,
		Threat:     threatGateway,
		Behavior:   behavior.NewEngine(behavior.DefaultThresholds()),
		Rules:      ruleEngine,
		Aggregator: scoring.NewAggregator(),
	}
	// A/B variant B: alternate rule file and/or model
	var variantB service.Variant
	if cfg.ABTest.Enabled && cfg.ABTest.RulesFile != "" {
		catalogB := rules.NewCachedCatalog(rules.NewFileSource(cfg.ABTest.RulesFile), cfg.Rules.CacheTTL)
		if _, err := catalogB.Current(ctx); err != nil {
			logger.Error("Variant B rule catalog unavailable", "file", cfg.ABTest.RulesFile, "error", err)
		} else {
			defer catalogB.Wait()
			variantB.Rules = ruleEngine.WithCatalog(catalogB)
		}
	}
	// ML
	if cfg.ML.Endpoint != "" {
		provider := ml.NewHTTPModelProvider(cfg.ML.Endpoint, cfg.ML.ModelName, 0)
		provider.Start(ctx, cfg.ML.RefreshInterval)
		adapter := ml.NewAdapter(provider, cfg.ML.Timeout, cfg.ML.MinConfidence)
		engines.Model = adapter

		if cfg.ABTest.Enabled && cfg.ABTest.ModelNameB != "" {
			providerB := ml.NewHTTPModelProvider(cfg.ML.Endpoint, cfg.ABTest.ModelNameB, 0)
			providerB.Start(ctx, cfg.ML.RefreshInterval)
			variantB.Model = adapter.WithProvider(providerB)
		}
	}
	if cfg.ABTest.Enabled && variantB.Rules == nil && variantB.Model == nil {
		logger.Warn("A/B test enabled without a variant B rule file or model; group B evaluates like A",
			"test_id", cfg.ABTest.TestID)
	}

	orchestrator := service.NewOrchestrator(engines, service.OrchestratorConfig{
		SLABudget: cfg.Evaluation.SLABudget,
		Experiment: abtest.Config{
			Enabled:         cfg.ABTest.Enabled,
			TestID:          cfg.ABTest.TestID,
			TrafficPercentB: cfg.ABTest.TrafficPercentB,
		},
	})
	if variantB.Rules != nil || variantB.Model != nil {
		orchestrator.SetVariantB(variantB)
	}

	// 4. Initialize Services
	// Review queue (Kafka > Redis > Memory)
	var reviewQueue service.ReviewQueue
	switch {
	case len(cfg.Kafka.Brokers) > 0:
		kq := repository.NewKafkaReviewQueue(cfg.Kafka.Brokers, cfg.Kafka.ReviewTopic)
		defer kq.Close()
		reviewQueue = kq
	case redisClient != nil:
		reviewQueue = repository.NewRedisReviewQueue(redisClient, "review_queue", 10000)
	default:
		reviewQueue = service.NewMemoryReviewQueue(10000)
	}

	hub := stream.NewHub()
	audit := service.NewAuditTrail(evalStore, cfg.Evaluation.RecordBufferSize)
	evalSvc := service.NewEvaluationService(orchestrator, audit, reviewQueue, hub)
	clientManager := service.NewClientManager(cfg, clientRep)

	// 5. Initialize Handlers
	evalHandler := handler.NewEvaluationHandler(evalSvc)
	auditHandler := handler.NewAuditHandler(evalSvc)
	adminHandler := handler.NewAdminHandler(handler.AdminDeps{
		Blacklist: threatGateway,
		Rules:     ruleStore,
		Catalog:   catalog,
		ExitNodes: exitNodes,
	})
	streamHandler := handler.NewStreamHandler(ctx, hub)

	// 6. Setup Router
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.ErrorHandler())
	r.Use(middleware.MetricsMiddleware())
	r.Use(middleware.AuditMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":           "ok",
			"service":          "fraudgate",
			"exit_nodes":       exitNodes.Size(),
			"feed_subscribers": hub.Subscribers(),
		})
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(clientManager))
	v1.Use(middleware.RateLimitMiddleware(clientManager))
	{
		v1.POST("/evaluations", middleware.IdempotencyMiddleware(idemStore), evalHandler.Evaluate)
		v1.GET("/evaluations", auditHandler.List)
		v1.GET("/evaluations/:id", evalHandler.Get)
	}

	admin := r.Group("/v1/admin")
	admin.Use(middleware.AdminMiddleware(cfg))
	{
		admin.POST("/blacklist", adminHandler.AddBlacklist)
		admin.DELETE("/blacklist/:kind/:value", adminHandler.RemoveBlacklist)
		admin.GET("/rules", adminHandler.ListRules)
		admin.PUT("/rules/:id", adminHandler.UpsertRule)
		admin.PATCH("/rules/:id", adminHandler.SetRuleActive)
		admin.POST("/rules/invalidate", adminHandler.InvalidateRules)
		admin.POST("/exit-nodes/refresh", adminHandler.RefreshExitNodes)
		admin.GET("/stream", streamHandler.Decisions)
		admin.GET("/stream/stats", streamHandler.Stats)
	}

	// 7. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("FraudGate started", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// stop background loops and close live feeds before draining
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	evalSvc.Close()
	threatGateway.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", "error", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if db != nil {
		_ = db.Close()
	}

	logger.Info("Server exiting")
}

func pruneLoop(ctx context.Context, fn func(), interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
