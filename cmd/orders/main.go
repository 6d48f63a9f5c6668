package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/Huitrn/Compareware-sub002/internal/audit"
	"github.com/Huitrn/Compareware-sub002/internal/config"
	"github.com/Huitrn/Compareware-sub002/internal/dal"
	"github.com/Huitrn/Compareware-sub002/internal/events"
	"github.com/Huitrn/Compareware-sub002/internal/metrics"
	"github.com/Huitrn/Compareware-sub002/internal/payment"
	"github.com/Huitrn/Compareware-sub002/internal/repository"
	"github.com/Huitrn/Compareware-sub002/internal/service"
	"github.com/Huitrn/Compareware-sub002/internal/txn"
	"github.com/Huitrn/Compareware-sub002/pkg/health"
	"github.com/Huitrn/Compareware-sub002/pkg/logger"
	"github.com/Huitrn/Compareware-sub002/pkg/response"
	"github.com/Huitrn/Compareware-sub002/pkg/snowflake"
	"github.com/Huitrn/Compareware-sub002/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout)
	log.Info("starting " + cfg.ServiceName)

	// 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Error("open database failed")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		log.WithError(err).Error("ping database failed")
		os.Exit(1)
	}
	log.Info("connected to PostgreSQL")

	// 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.WithError(err).Error("ping redis failed")
		os.Exit(1)
	}
	log.Info("connected to Redis")

	// 链路追踪
	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		log.WithError(err).Warn("tracing init failed, continuing without tracing")
	} else {
		defer shutdownTracing(context.Background())
	}

	idGen, err := snowflake.New(cfg.WorkerID)
	if err != nil {
		log.WithError(err).Error("create id generator failed")
		os.Exit(1)
	}

	m := metrics.New()
	auditStore := audit.NewStore(db, idGen)
	manager := txn.NewManager(db, auditStore, log, m,
		txn.WithSagaTimeout(cfg.SagaTimeout),
		txn.WithAuditTimeout(cfg.AuditTimeout),
	)

	users := repository.NewUserRepository(db)
	products := repository.NewProductRepository(db)
	orders := repository.NewOrderRepository(db)

	var gateway payment.Gateway
	if cfg.PaymentServiceURL == "" {
		gateway = &payment.StaticGateway{}
		log.Warn("PAYMENT_SERVICE_URL empty, using in-process static gateway")
	} else {
		gateway = payment.NewHTTPGateway(cfg.PaymentServiceURL, cfg.PaymentTimeout)
	}

	svc := service.NewOrderService(manager, users, products, orders, auditStore, gateway, idGen, m, log)
	svc.SetPublisher(events.NewPublisher(redisClient, cfg.OrderEventStream, log))

	// 运维只读访问层，表白名单之外一律拒绝
	adminDAL := dal.New(db, log, dal.NewDisallowValidator(dal.ModeReject), "compareware",
		[]string{"products", "users", "orders", "order_items"})

	hc := health.New()
	hc.Register(health.DBChecker("postgres", db))
	hc.Register(health.CheckFunc{CheckerName: "redis", Fn: func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}})
	hc.SetReady(true)

	// 审计保留清理
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.AuditPurgeCron)
	if err != nil {
		log.WithError(err).Error("invalid AUDIT_PURGE_CRON expression")
		os.Exit(1)
	}
	scheduler := cron.New(cron.WithParser(parser))
	scheduler.Schedule(schedule, cron.FuncJob(func() {
		purgeCtx, purgeCancel := context.WithTimeout(context.Background(), time.Minute)
		defer purgeCancel()
		deleted, err := auditStore.Purge(purgeCtx, cfg.AuditRetentionDays)
		if err != nil {
			log.WithError(err).Error("scheduled audit purge failed")
			return
		}
		m.AddAuditPurged(deleted)
		log.Infof("scheduled audit purge done", map[string]interface{}{
			"deleted":       deleted,
			"retentionDays": cfg.AuditRetentionDays,
		})
	}))
	scheduler.Start()
	defer scheduler.Stop()

	api := &api{
		svc:           svc,
		auditing:      auditStore,
		manager:       manager,
		admin:         adminDAL,
		metrics:       m,
		health:        hc,
		log:           log,
		retentionDays: cfg.AuditRetentionDays,
	}

	// 追踪在最外层，请求 ID 中间件才能取到 trace ID 作为兜底
	handler := tracing.HTTPMiddleware(
		response.RequestIDMiddleware(
			response.RecoveryMiddleware(log, api.routes()),
		),
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
	}

	go func() {
		log.Infof("HTTP server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP server error")
			os.Exit(1)
		}
	}()

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	hc.SetReady(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown error")
	}
	log.Info("shutdown complete")
}
