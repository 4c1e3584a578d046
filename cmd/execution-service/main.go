package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codehakam/internal/common/cache"
	"codehakam/internal/common/db"
	commonmw "codehakam/internal/common/http/middleware"
	"codehakam/internal/common/mq"
	"codehakam/internal/common/storage"
	"codehakam/internal/judge/auth"
	"codehakam/internal/judge/bundle"
	"codehakam/internal/judge/checker"
	"codehakam/internal/judge/controller"
	"codehakam/internal/judge/pool"
	"codehakam/internal/judge/repository"
	"codehakam/internal/judge/sandbox"
	"codehakam/internal/judge/service"
	"codehakam/internal/judge/worker"
	"codehakam/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/execution_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	database, err := db.Open(appCfg.Database.URL, nil)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = database.Close()
	}()
	dbProvider := db.NewStaticProvider(database)

	redisCache, err := cache.NewRedisCacheFromURL(appCfg.Valkey.URL, appCfg.Valkey.Password)
	if err != nil {
		logger.Error(context.Background(), "init valkey failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		logger.Error(context.Background(), "init minio failed", zap.Error(err))
		return
	}
	if err := ensureBucket(objStorage, appCfg.MinIO.Bucket, appCfg.Timeouts.Storage); err != nil {
		logger.Error(context.Background(), "ensure bucket failed", zap.String("bucket", appCfg.MinIO.Bucket), zap.Error(err))
		return
	}
	if appCfg.Intake.SourceBucket != appCfg.MinIO.Bucket {
		if err := ensureBucket(objStorage, appCfg.Intake.SourceBucket, appCfg.Timeouts.Storage); err != nil {
			logger.Error(context.Background(), "ensure bucket failed", zap.String("bucket", appCfg.Intake.SourceBucket), zap.Error(err))
			return
		}
	}

	mqClient, err := mq.NewRabbitQueue(appCfg.RabbitMQ.toMQConfig())
	if err != nil {
		logger.Error(context.Background(), "init rabbitmq failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mqClient.Close()
	}()

	driver, err := sandbox.NewDriver(appCfg.Sandbox)
	if err != nil {
		logger.Error(context.Background(), "init sandbox driver failed", zap.Error(err))
		return
	}
	customChecker, err := checker.NewCustom(driver, appCfg.Bundle.CheckerDir)
	if err != nil {
		logger.Error(context.Background(), "init checker failed", zap.Error(err))
		return
	}

	bundleStore, err := bundle.NewStore(bundle.StoreConfig{
		RootDir:  appCfg.Bundle.RootDir,
		Bucket:   appCfg.MinIO.Bucket,
		LockWait: appCfg.Bundle.LockWait,
	}, objStorage, redisCache, mq.NewTokenLimiter(appCfg.Worker.Count))
	if err != nil {
		logger.Error(context.Background(), "init bundle store failed", zap.Error(err))
		return
	}
	bundleCache, err := bundle.NewCache(bundle.CacheConfig{
		MaxEntries: appCfg.Bundle.MaxEntries,
		MaxBytes:   appCfg.Bundle.MaxBytes,
		TTL:        appCfg.Bundle.TTL,
	}, bundleStore)
	if err != nil {
		logger.Error(context.Background(), "init bundle cache failed", zap.Error(err))
		return
	}

	submissionRepo := repository.NewSubmissionRepository(dbProvider, redisCache)
	outboxRepo := repository.NewOutboxRepository(dbProvider)
	auditRepo := repository.NewAuditRepository(dbProvider)
	rbacRepo := repository.NewRBACRepository(dbProvider)

	judgeWorker, err := worker.New(worker.Config{
		Sandbox:      driver,
		Checker:      customChecker,
		TestData:     bundleCache,
		Storage:      objStorage,
		Submissions:  submissionRepo,
		SourceBucket: appCfg.Intake.SourceBucket,
		Timeout:      appCfg.Worker.Timeout,
	})
	if err != nil {
		logger.Error(context.Background(), "init judge worker failed", zap.Error(err))
		return
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	workerPool, err := pool.New(pool.Config{
		Broker:    pool.RabbitBroker{Queue: mqClient},
		Processor: judgeWorker,
		Workers:   appCfg.Worker.Count,
		Prefetch:  appCfg.RabbitMQ.PrefetchCount,
		Metrics:   pool.NewMetrics(registry),
	})
	if err != nil {
		logger.Error(context.Background(), "init worker pool failed", zap.Error(err))
		return
	}

	sweeper, err := pool.NewSweeper(pool.SweeperConfig{
		DB:        database,
		Outbox:    outboxRepo,
		Publisher: mqClient,
	})
	if err != nil {
		logger.Error(context.Background(), "init outbox sweeper failed", zap.Error(err))
		return
	}

	limiter := service.NewRateLimiter(redisCache, appCfg.Intake.RateLimit, appCfg.Intake.RateWindow, appCfg.Timeouts.Cache)

	submissionSvc, err := service.NewSubmissionService(service.SubmissionConfig{
		Submissions:  submissionRepo,
		Audit:        auditRepo,
		Storage:      objStorage,
		Queue:        mqClient,
		Limiter:      limiter,
		SourceBucket: appCfg.Intake.SourceBucket,
		JobTopic:     appCfg.RabbitMQ.QueueName,
		MaxQueueSize: appCfg.Intake.MaxQueueSize,
		Timeouts:     appCfg.Timeouts.toServiceTimeouts(),
	})
	if err != nil {
		logger.Error(context.Background(), "init submission service failed", zap.Error(err))
		return
	}

	controlSvc, err := service.NewControlService(service.ControlConfig{
		Submissions: submissionRepo,
		Outbox:      outboxRepo,
		Audit:       auditRepo,
		Database:    database,
		Queue:       mqClient,
		Scaler:      workerPool,
		Cleaner:     driver,
		JobTopic:    appCfg.RabbitMQ.QueueName,
		Timeouts:    appCfg.Timeouts.toServiceTimeouts(),
	})
	if err != nil {
		logger.Error(context.Background(), "init control service failed", zap.Error(err))
		return
	}

	statusSvc, err := service.NewStatusService(service.StatusConfig{
		Pool:    workerPool,
		Queue:   mqClient,
		DB:      database,
		Broker:  mqClient,
		Storage: objStorage,
		Cache:   redisCache,
	})
	if err != nil {
		logger.Error(context.Background(), "init status service failed", zap.Error(err))
		return
	}

	if err := service.RegisterTestcasesConsumer(context.Background(), mqClient, bundleStore, bundleCache); err != nil {
		logger.Error(context.Background(), "register testcases consumer failed", zap.Error(err))
		return
	}
	if err := mqClient.Start(); err != nil {
		logger.Error(context.Background(), "start rabbitmq consumers failed", zap.Error(err))
		return
	}
	if err := workerPool.Start(); err != nil {
		logger.Error(context.Background(), "start worker pool failed", zap.Error(err))
		return
	}
	sweeper.Start()

	tokens := auth.NewTokenService(appCfg.Auth.JWTSecret, appCfg.Auth.Issuer)
	httpServer := buildHTTPServer(appCfg.Server, submissionSvc, controlSvc, statusSvc, tokens, rbacRepo, registry)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "execution http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	if err := workerPool.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "worker pool shutdown failed", zap.Error(err))
	}
	sweeper.Stop()
	_ = mqClient.Stop()
}

func ensureBucket(objStorage *storage.MinIOStorage, bucket string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return objStorage.EnsureBucket(ctx, bucket)
}

func buildHTTPServer(
	cfg ServerConfig,
	submissions *service.SubmissionService,
	control *service.ControlService,
	status *service.StatusService,
	tokens *auth.TokenService,
	grants repository.RBACRepository,
	metrics *prometheus.Registry,
) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	submissionController := controller.NewSubmissionController(submissions)
	adminController := controller.NewAdminController(control)
	judgeController := controller.NewJudgeController(status)
	languageController := controller.NewLanguageController()

	api := router.Group("/api")
	api.POST("/submissions", submissionController.Create)
	api.GET("/submissions/:id", submissionController.Get)
	api.GET("/submissions/user/:userId", submissionController.ListByUser)
	api.GET("/submissions/problem/:problemId", submissionController.ListByProblem)
	api.POST("/submissions/:id/rejudge", auth.RequireAdmin(tokens, grants, auth.PermRejudge), adminController.Rejudge)
	api.POST("/judge/workers/scale", auth.RequireAdmin(tokens, grants, auth.PermScaleWorkers), adminController.ScaleWorkers)
	api.POST("/admin/clear-box/:id", auth.RequireAdmin(tokens, grants, auth.PermClearBox), adminController.ClearBox)
	api.GET("/judge/status", judgeController.Status)
	api.GET("/judge/workers", judgeController.Workers)
	api.GET("/judge/queue", judgeController.Queue)
	api.GET("/languages", languageController.List)
	api.GET("/languages/:code", languageController.Get)

	router.GET("/health", judgeController.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
