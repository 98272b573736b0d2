package job

import (
	"context"
	"errors"
	"time"

	"proxyhub/internal/infrastructure/cache"
	"proxyhub/internal/infrastructure/lock"
	"proxyhub/internal/model"
	"proxyhub/internal/repository"
	"proxyhub/internal/service"
	"proxyhub/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PaymentConfirmer 任务只依赖确认服务的这两个入口
type PaymentConfirmer interface {
	Expire(ctx context.Context, paymentID string) (bool, error)
	Reconcile(ctx context.Context, payment *model.Payment) (bool, error)
}

// PaymentExpiryJob 关闭已过期仍未支付的支付单
// 加密货币支付先向上游补查一次，避免把链上已到账的支付误判为过期
type PaymentExpiryJob struct {
	paymentRepo *repository.PaymentRepository
	confirmer   PaymentConfirmer
	sessions    *cache.SessionCache
	redis       *redis.Client
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

// NewPaymentExpiryJob redisClient 为 nil 时不做多实例互斥
func NewPaymentExpiryJob(db *gorm.DB, redisClient *redis.Client, confirmer PaymentConfirmer, sessions *cache.SessionCache) *PaymentExpiryJob {
	return &PaymentExpiryJob{
		paymentRepo: repository.NewPaymentRepository(db),
		confirmer:   confirmer,
		sessions:    sessions,
		redis:       redisClient,
		stopCh:      make(chan struct{}),
		interval:    30 * time.Second,
		batchSize:   100,
	}
}

func (j *PaymentExpiryJob) Start(ctx context.Context) {
	logger.Info(ctx, "支付过期任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "支付过期任务收到停止信号，退出")
			return
		case <-j.stopCh:
			logger.Info(ctx, "支付过期任务停止")
			return
		case <-ticker.C:
			runExclusive(ctx, j.redis, "payment-expiry", j.interval, func() {
				j.ExpirePayments(ctx, time.Now())
			})
		}
	}
}

func (j *PaymentExpiryJob) Stop() {
	close(j.stopCh)
}

// ExpirePayments 处理一批 expires_at 早于 now 的 pending 支付，返回实际过期的数量
func (j *PaymentExpiryJob) ExpirePayments(ctx context.Context, now time.Time) int {
	if j.sessions != nil {
		if removed := j.sessions.Cleanup(); removed > 0 {
			logger.Debug(ctx, "清理本地会话缓存", zap.Int("removed", removed))
		}
	}

	payments, err := j.paymentRepo.GetExpiredPending(ctx, now, j.batchSize)
	if err != nil {
		logger.Error(ctx, "查询过期支付失败", zap.Error(err))
		return 0
	}
	if len(payments) == 0 {
		return 0
	}

	expired := 0
	for _, payment := range payments {
		if j.confirmedUpstream(ctx, payment) {
			continue
		}

		if _, err := j.confirmer.Expire(ctx, payment.PaymentID); err != nil {
			logger.Error(ctx, "关闭过期支付失败", zap.String("payment_id", payment.PaymentID), zap.Error(err))
			continue
		}
		expired++
		logger.Info(ctx, "支付已过期",
			zap.String("payment_id", payment.PaymentID),
			zap.Int64("order_id", payment.OrderID),
			zap.Int64("user_id", payment.UserID))
	}
	return expired
}

// confirmedUpstream 上游已确认时返回 true，查询失败按未确认处理
func (j *PaymentExpiryJob) confirmedUpstream(ctx context.Context, payment *model.Payment) bool {
	if payment.Method != model.PaymentMethodCrypto {
		return false
	}

	confirmed, err := j.confirmer.Reconcile(ctx, payment)
	if err != nil {
		if !errors.Is(err, service.ErrGatewayUnconfigured) {
			logger.Warn(ctx, "过期前补查上游失败", zap.String("payment_id", payment.PaymentID), zap.Error(err))
		}
		return false
	}
	if confirmed {
		logger.Info(ctx, "过期前补查发现支付已确认", zap.String("payment_id", payment.PaymentID))
	}
	return confirmed
}

// PaymentReconcileJob 对账任务
//  1. 长时间没有收到通知的 pending 加密货币支付，主动向上游查询
//  2. 支付已确认但充值没有入账的，重新走一遍入账
type PaymentReconcileJob struct {
	paymentRepo *repository.PaymentRepository
	confirmer   PaymentConfirmer
	redis       *redis.Client
	stopCh      chan struct{}
	interval    time.Duration
	staleAfter  time.Duration
	batchSize   int
}

func NewPaymentReconcileJob(db *gorm.DB, redisClient *redis.Client, confirmer PaymentConfirmer) *PaymentReconcileJob {
	return &PaymentReconcileJob{
		paymentRepo: repository.NewPaymentRepository(db),
		confirmer:   confirmer,
		redis:       redisClient,
		stopCh:      make(chan struct{}),
		interval:    time.Minute,
		staleAfter:  5 * time.Minute,
		batchSize:   50,
	}
}

func (j *PaymentReconcileJob) Start(ctx context.Context) {
	logger.Info(ctx, "支付对账任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "支付对账任务收到停止信号，退出")
			return
		case <-j.stopCh:
			logger.Info(ctx, "支付对账任务停止")
			return
		case <-ticker.C:
			runExclusive(ctx, j.redis, "payment-reconcile", j.interval, func() {
				j.ReconcilePayments(ctx, time.Now())
			})
		}
	}
}

func (j *PaymentReconcileJob) Stop() {
	close(j.stopCh)
}

// ReconcilePayments 返回本轮确认（或补入账）的支付数量
func (j *PaymentReconcileJob) ReconcilePayments(ctx context.Context, now time.Time) int {
	fixed := 0

	uncredited, err := j.paymentRepo.GetConfirmedUncredited(ctx, j.batchSize)
	if err != nil {
		logger.Error(ctx, "查询已确认未入账支付失败", zap.Error(err))
	}
	for _, payment := range uncredited {
		logger.Warn(ctx, "发现已确认未入账的支付，重新入账", zap.String("payment_id", payment.PaymentID))
		if j.reconcile(ctx, payment) {
			fixed++
		}
	}

	stale, err := j.paymentRepo.GetStalePending(ctx, now.Add(-j.staleAfter), j.batchSize)
	if err != nil {
		logger.Error(ctx, "查询待对账支付失败", zap.Error(err))
		return fixed
	}
	for _, payment := range stale {
		if j.reconcile(ctx, payment) {
			fixed++
		}
	}

	// 过期后才到账的付款没有 webhook 时只能靠这里发现
	lapsed, err := j.paymentRepo.GetRecentlyLapsed(ctx, now.Add(-service.LatePaymentWindow), now.Add(-j.staleAfter), j.batchSize)
	if err != nil {
		logger.Error(ctx, "查询已过期支付失败", zap.Error(err))
		return fixed
	}
	for _, payment := range lapsed {
		if j.reconcile(ctx, payment) {
			logger.Warn(ctx, "过期支付迟到入账", zap.String("payment_id", payment.PaymentID))
			fixed++
		}
	}
	return fixed
}

func (j *PaymentReconcileJob) reconcile(ctx context.Context, payment *model.Payment) bool {
	confirmed, err := j.confirmer.Reconcile(ctx, payment)
	switch {
	case errors.Is(err, service.ErrGatewayUnconfigured):
		return false
	case err != nil:
		logger.Error(ctx, "支付对账失败", zap.String("payment_id", payment.PaymentID), zap.Error(err))
		return false
	}
	return confirmed
}

// runExclusive 多实例部署时同一任务同一时刻只在一个实例上执行
func runExclusive(ctx context.Context, client *redis.Client, jobName string, expiration time.Duration, fn func()) {
	if client == nil {
		fn()
		return
	}

	jobLock := lock.NewJobLock(client, jobName, expiration)
	acquired, err := jobLock.TryLock(ctx)
	if err != nil {
		// Redis 不可用时退化为单实例执行，幂等由数据库行锁保证
		logger.Warn(ctx, "获取任务锁失败，直接执行", zap.String("job", jobName), zap.Error(err))
		fn()
		return
	}
	if !acquired {
		logger.Debug(ctx, "任务正在其他实例执行，跳过", zap.String("job", jobName))
		return
	}
	defer func() {
		if err := jobLock.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn(ctx, "释放任务锁失败", zap.String("job", jobName), zap.Error(err))
		}
	}()
	fn()
}
