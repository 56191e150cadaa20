package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"throwbox/backend/internal/config"
	"throwbox/backend/internal/crypto"
	"throwbox/backend/internal/directory"
	"throwbox/backend/internal/dispatch"
	"throwbox/backend/internal/domain"
	"throwbox/backend/internal/health"
	"throwbox/backend/internal/logger"
	"throwbox/backend/internal/monitoring"
	"throwbox/backend/internal/outbound"
	"throwbox/backend/internal/pipeline"
	"throwbox/backend/internal/queue"
	"throwbox/backend/internal/reaper"
	"throwbox/backend/internal/smtp"
	"throwbox/backend/internal/storage/blob"
	"throwbox/backend/internal/storage/memory"
	"throwbox/backend/internal/storage/postgres"
	redisstore "throwbox/backend/internal/storage/redis"
	httptransport "throwbox/backend/internal/transport/http"
	"throwbox/backend/internal/websocket"
	"throwbox/backend/internal/worker"
)

// main 启动收信平面：SMTP 入口、webhook 入口、处理 worker、
// 实时推送和生命周期清扫跑在同一个进程里。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting throwbox server",
		zap.String("log_level", cfg.Log.Level),
		zap.Strings("domains", cfg.Mail.AllowedDomains),
	)

	// 存储层：配置了 DSN 用 PostgreSQL，否则内存存储（开发环境）
	var store domain.Store
	if cfg.Database.DSN != "" {
		pg, err := postgres.NewStore(&cfg.Database)
		if err != nil {
			log.Fatal("failed to initialize postgres store", zap.Error(err))
		}
		store = pg
		log.Info("using postgres storage")
	} else {
		store = memory.NewStore()
		log.Warn("using in-memory storage (development mode, data is not durable)")
	}

	// Redis：目录缓存 + 持久队列。连不上时降级为进程内队列，
	// 收信能力保留，但重启会丢在途任务。
	var (
		rdb     *redisstore.Client
		rawRdb  *goredis.Client
		inbound queue.Queue
		aiQueue queue.Queue
	)
	if client, err := redisstore.New(&cfg.Redis, log); err != nil {
		log.Warn("redis unavailable, falling back to in-process queue", zap.Error(err))
		inbound = queue.NewMemoryQueue(cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase, log)
		aiQueue = queue.NewMemoryQueue(cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase, log)
	} else {
		rdb = client
		rawRdb = client.Client()
		defer rdb.Close() //nolint:errcheck
		inbound = queue.NewRedisQueue(rawRdb, queue.QueueInboundEmail, cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase, log)
		aiQueue = queue.NewRedisQueue(rawRdb, queue.QueueAIAnalysis, cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase, log)
	}

	encryptor, err := crypto.New(cfg.Encryption.MasterKey)
	if err != nil {
		log.Fatal("failed to initialize encryptor", zap.Error(err))
	}

	blobs, err := blob.NewFilesystemStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("failed to initialize attachment storage", zap.Error(err))
	}

	metrics := monitoring.NewMetrics()
	alerts := monitoring.NewAlertManager(log)

	dir := directory.New(store, rawRdb, log)
	relay := outbound.New(&cfg.Outbound, log)
	if relay == nil {
		log.Warn("outbound relay not configured, forwarding and auto-reply are disabled")
	}

	hub := websocket.NewHub(cfg.CORS.AllowedOrigins, cfg.JWT.Secret, store, log)

	runner := dispatch.NewRunner(log,
		func(name string) { metrics.DispatcherFailures.WithLabelValues(name).Inc() },
		dispatch.NewAnalysisDispatcher(aiQueue),
		dispatch.NewForwarder(relay),
		dispatch.NewAutoReplier(relay),
		dispatch.NewNotifier(hub),
	)

	pipe := pipeline.New(dir, store, encryptor, blobs, relay, runner, log)

	w := worker.New(inbound, pipe, cfg.Queue.Concurrency, metrics, alerts, log)
	if hookable, ok := inbound.(interface{ SetHooks(queue.Hooks) }); ok {
		hookable.SetHooks(queue.Hooks{
			OnRetry:      w.OnRetry,
			OnDeadLetter: w.OnDeadLetter,
		})
	}

	smtpBackend := smtp.NewBackend(dir, inbound, cfg.Mail.AllowedDomains, cfg.SMTP.MaxMessageBytes, log)
	smtpServer := smtp.NewServer(&cfg.SMTP, smtpBackend, log)

	verifier, err := httptransport.NewSignatureVerifier(cfg.Webhook.SigningSecret)
	if err != nil {
		log.Fatal("failed to initialize webhook signature verifier", zap.Error(err))
	}
	if !verifier.Enabled() {
		log.Warn("webhook signature verification is disabled (no signing secret configured)")
	}
	webhookHandler := httptransport.NewWebhookHandler(pipe, store, verifier, metrics, log)

	checker := health.NewChecker(store, rdb)
	router := httptransport.NewRouter(httptransport.RouterDeps{
		Webhook:        webhookHandler,
		Hub:            hub,
		Health:         checker,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Log:            log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sweeper := reaper.New(store, dir, blobs, reaper.Config{
		PurgeGrace:          cfg.Reaper.PurgeGrace,
		WebhookLogRetention: cfg.Reaper.WebhookLogRetention,
		AuditLogRetention:   cfg.Reaper.AuditLogRetention,
	}, metrics, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting SMTP server",
			zap.String("address", cfg.SMTP.BindAddr),
			zap.String("domain", cfg.SMTP.Domain),
		)
		return smtpServer.Run(groupCtx)
	})

	group.Go(func() error {
		log.Info("starting inbound worker", zap.Int("concurrency", cfg.Queue.Concurrency))
		return w.Run(groupCtx)
	})

	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})

	// WebSocket 在线数定期上报
	group.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				metrics.WebsocketClients.Set(float64(hub.ClientCount()))
			}
		}
	})

	if err := sweeper.Start(); err != nil {
		log.Fatal("failed to start reaper", zap.Error(err))
	}

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", zap.Error(err))
		}
		sweeper.Stop()
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}
