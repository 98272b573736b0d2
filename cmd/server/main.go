package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proxyhub/internal/config"
	"proxyhub/internal/gateway/cryptomus"
	"proxyhub/internal/handler"
	"proxyhub/internal/infrastructure/cache"
	"proxyhub/internal/infrastructure/database"
	"proxyhub/internal/infrastructure/mq"
	"proxyhub/internal/job"
	"proxyhub/internal/service"
	"proxyhub/pkg/idgen"
	"proxyhub/pkg/logger"
	"proxyhub/pkg/metrics"
	"proxyhub/pkg/ratelimit"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	workerID := flag.Int64("worker-id", 1, "雪花算法机器 ID，多实例部署时必须不同")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger.InitWithFile("proxyhub", cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := idgen.Init(*workerID); err != nil {
		logger.Fatal(ctx, "初始化 ID 生成器失败", zap.Error(err))
	}

	metrics.MustRegister()

	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		logger.Fatal(ctx, "初始化 MySQL 失败", zap.Error(err))
	}

	// Redis 不可用时会话缓存、限流、分布式锁都能退化运行
	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		logger.Warn(ctx, "Redis 连接失败，降级为本地缓存", zap.Error(err))
	}
	defer redisClient.Close()

	// 没有配置密钥时照常启动，加密货币充值和 webhook 返回网关未配置
	var gateway service.PaymentGateway
	client, err := cryptomus.New(cryptomus.Config{
		APIKey:       cfg.Cryptomus.APIKey,
		MerchantUUID: cfg.Cryptomus.MerchantUUID,
		BaseURL:      cfg.Cryptomus.BaseURL,
		Timeout:      cfg.Cryptomus.Timeout,
	})
	switch {
	case errors.Is(err, cryptomus.ErrUnconfigured):
		logger.Warn(ctx, "Cryptomus 未配置，加密货币支付不可用")
	case err != nil:
		logger.Fatal(ctx, "初始化 Cryptomus 客户端失败", zap.Error(err))
	default:
		gateway = client
	}

	sessions := cache.NewSessionCache(redisClient, cfg.Payment.SessionTTL)
	ledger := service.NewLedgerService(db, cfg)
	confirmService := service.NewConfirmService(db, cfg, gateway, sessions, ledger)

	h := handler.NewHandler(cfg, handler.Services{
		Account:  service.NewAccountService(db),
		Order:    service.NewOrderService(db, cfg, gateway, sessions),
		Confirm:  confirmService,
		Purchase: service.NewPurchaseService(db, redisClient, cfg),
		Refund:   service.NewRefundService(db, redisClient, cfg),
	})

	// 后台任务
	producer, err := mq.NewKafkaProducer(&cfg.Kafka)
	if err != nil {
		// 消息留在 outbox 表里，Kafka 恢复后重启即可补发
		logger.Error(ctx, "Kafka 不可用，outbox 投递任务未启动", zap.Error(err))
	} else {
		defer producer.Close()
		outboxSender := job.NewOutboxSender(db, producer, cfg)
		go outboxSender.Start(ctx)
	}

	expiryJob := job.NewPaymentExpiryJob(db, redisClient, confirmService, sessions)
	go expiryJob.Start(ctx)

	reconcileJob := job.NewPaymentReconcileJob(db, redisClient, confirmService)
	go reconcileJob.Start(ctx)

	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	limiter.StartJanitor(ctx)

	router := handler.SetupRouter(h, limiter)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info(ctx, "服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(ctx, "服务启动失败", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "正在关闭服务...")

	// 停止后台任务
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "服务关闭异常", zap.Error(err))
	}

	logger.Info(ctx, "服务已关闭")
}
