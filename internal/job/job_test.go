package job

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"proxyhub/internal/config"
	"proxyhub/internal/infrastructure/cache"
	"proxyhub/internal/infrastructure/database"
	"proxyhub/internal/infrastructure/mq"
	"proxyhub/internal/model"
	"proxyhub/internal/repository"
	"proxyhub/internal/service"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Business: config.BusinessConfig{MaxRetryCount: 3},
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{PayResult: "pay_result", RechargeCredited: "recharge_credited"},
		},
		Payment: config.PaymentConfig{Currency: "USD", LifetimeSeconds: 1800, PollTimeout: time.Second},
	}
}

var seq int64

func seedUser(t *testing.T, db *gorm.DB) *model.User {
	t.Helper()
	n := atomic.AddInt64(&seq, 1)
	user := &model.User{
		Username: fmt.Sprintf("job-user%d", n),
		Email:    fmt.Sprintf("job-user%d@example.com", n),
		Balance:  decimal.Zero,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func seedPayment(t *testing.T, db *gorm.DB, userID int64, method string, status model.PaymentStatus, expiresAt time.Time) (*model.Order, *model.Payment) {
	t.Helper()
	n := atomic.AddInt64(&seq, 1)
	order := &model.Order{
		OrderNo: fmt.Sprintf("ORD%d", n),
		UserID:  userID,
		Type:    model.OrderTypeRecharge,
		Amount:  decimal.RequireFromString("25.00"),
		Status:  model.OrderStatusPending,
	}
	require.NoError(t, db.Create(order).Error)

	payment := &model.Payment{
		PaymentID:             fmt.Sprintf("pay-%d", n),
		OrderID:               order.ID,
		UserID:                userID,
		Method:                method,
		Amount:                order.Amount,
		Currency:              "USD",
		Status:                status,
		Confirmations:         1,
		RequiredConfirmations: 1,
		ExpiresAt:             &expiresAt,
	}
	require.NoError(t, db.Create(payment).Error)
	return order, payment
}

func newConfirmService(db *gorm.DB, cfg *config.Config) *service.ConfirmService {
	sessions := cache.NewSessionCache(nil, time.Hour)
	return service.NewConfirmService(db, cfg, nil, sessions, service.NewLedgerService(db, cfg))
}

func newMockProducer(t *testing.T) *mocks.SyncProducer {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return mocks.NewSyncProducer(t, cfg)
}

type fakeConfirmer struct {
	confirmUpstream bool
	reconciled      []string
	expired         []string
}

func (f *fakeConfirmer) Expire(_ context.Context, paymentID string) (bool, error) {
	f.expired = append(f.expired, paymentID)
	return false, nil
}

func (f *fakeConfirmer) Reconcile(_ context.Context, payment *model.Payment) (bool, error) {
	f.reconciled = append(f.reconciled, payment.PaymentID)
	return f.confirmUpstream, nil
}

func TestOutboxSenderDeliversPendingMessages(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		msg, err := model.NewOutboxMessage("recharge_credited", fmt.Sprintf("ORD%d", i), map[string]int{"i": i})
		require.NoError(t, err)
		require.NoError(t, db.Create(msg).Error)
	}

	mockProducer := newMockProducer(t)
	mockProducer.ExpectSendMessageAndSucceed()
	mockProducer.ExpectSendMessageAndSucceed()

	sender := NewOutboxSender(db, mq.NewProducer(mockProducer), testConfig())
	assert.Equal(t, 2, sender.ProcessPendingMessages(ctx))

	var sent int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Where("status = ?", model.OutboxStatusSent).Count(&sent).Error)
	assert.Equal(t, int64(2), sent)

	// 已投递的不会再发
	assert.Equal(t, 0, sender.ProcessPendingMessages(ctx))
	require.NoError(t, mockProducer.Close())
}

func TestOutboxSenderMarksFailedAfterMaxRetries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	msg, err := model.NewOutboxMessage("pay_result", "ORD1", map[string]string{"status": "PAID"})
	require.NoError(t, err)
	require.NoError(t, db.Create(msg).Error)

	mockProducer := newMockProducer(t)
	for i := 0; i < 3; i++ {
		mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	sender := NewOutboxSender(db, mq.NewProducer(mockProducer), testConfig())

	sender.ProcessPendingMessages(ctx)
	var stored model.OutboxMessage
	require.NoError(t, db.First(&stored, msg.ID).Error)
	assert.Equal(t, model.OutboxStatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	sender.ProcessPendingMessages(ctx)
	sender.ProcessPendingMessages(ctx)
	require.NoError(t, db.First(&stored, msg.ID).Error)
	assert.Equal(t, model.OutboxStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)

	failed, err := repository.NewOutboxRepository(db).CountByStatus(ctx, model.OutboxStatusFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	// FAILED 的消息不再重试
	assert.Equal(t, 0, sender.ProcessPendingMessages(ctx))
	require.NoError(t, mockProducer.Close())
}

func TestPaymentExpiryJob(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	ctx := context.Background()
	user := seedUser(t, db)

	now := time.Now()
	expiredOrder, expiredPayment := seedPayment(t, db, user.ID, model.PaymentMethodCrypto, model.PaymentStatusPending, now.Add(-time.Minute))
	_, livePayment := seedPayment(t, db, user.ID, model.PaymentMethodCrypto, model.PaymentStatusPending, now.Add(time.Hour))

	job := NewPaymentExpiryJob(db, nil, newConfirmService(db, cfg), cache.NewSessionCache(nil, time.Hour))
	assert.Equal(t, 1, job.ExpirePayments(ctx, now))

	var payment model.Payment
	require.NoError(t, db.Where("payment_id = ?", expiredPayment.PaymentID).First(&payment).Error)
	assert.Equal(t, model.PaymentStatusExpired, payment.Status)

	var order model.Order
	require.NoError(t, db.First(&order, expiredOrder.ID).Error)
	assert.Equal(t, model.OrderStatusCancelled, order.Status)

	require.NoError(t, db.Where("payment_id = ?", livePayment.PaymentID).First(&payment).Error)
	assert.Equal(t, model.PaymentStatusPending, payment.Status)

	assert.Equal(t, 0, job.ExpirePayments(ctx, now))
}

func TestPaymentExpiryJobChecksUpstreamFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db)

	now := time.Now()
	_, cryptoPayment := seedPayment(t, db, user.ID, model.PaymentMethodCrypto, model.PaymentStatusPending, now.Add(-time.Minute))
	_, bankPayment := seedPayment(t, db, user.ID, model.PaymentMethodBank, model.PaymentStatusPending, now.Add(-time.Minute))

	confirmer := &fakeConfirmer{confirmUpstream: true}
	job := NewPaymentExpiryJob(db, nil, confirmer, nil)

	assert.Equal(t, 1, job.ExpirePayments(ctx, now))
	assert.Equal(t, []string{cryptoPayment.PaymentID}, confirmer.reconciled)
	assert.Equal(t, []string{bankPayment.PaymentID}, confirmer.expired)
}

func TestPaymentReconcileJobCreditsConfirmedPayments(t *testing.T) {
	db := newTestDB(t)
	cfg := testConfig()
	ctx := context.Background()
	user := seedUser(t, db)

	now := time.Now()
	// 支付已确认但订单没有入账
	order, _ := seedPayment(t, db, user.ID, model.PaymentMethodCrypto, model.PaymentStatusConfirmed, now.Add(time.Hour))
	_, stale := seedPayment(t, db, user.ID, model.PaymentMethodCrypto, model.PaymentStatusPending, now.Add(time.Hour))
	require.NoError(t, db.Model(&model.Payment{}).Where("id = ?", stale.ID).
		UpdateColumn("updated_at", now.Add(-time.Hour)).Error)

	job := NewPaymentReconcileJob(db, nil, newConfirmService(db, cfg))
	assert.Equal(t, 1, job.ReconcilePayments(ctx, now))

	var reloaded model.User
	require.NoError(t, db.First(&reloaded, user.ID).Error)
	assert.True(t, decimal.RequireFromString("25").Equal(reloaded.Balance))

	var credited model.Order
	require.NoError(t, db.First(&credited, order.ID).Error)
	assert.Equal(t, model.OrderStatusCompleted, credited.Status)
	assert.NotNil(t, credited.CreditedAt)

	// 第二轮不会重复入账
	assert.Equal(t, 0, job.ReconcilePayments(ctx, now))
	require.NoError(t, db.First(&reloaded, user.ID).Error)
	assert.True(t, decimal.RequireFromString("25").Equal(reloaded.Balance))
}

func TestPaymentReconcileJobPollsStalePayments(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db)

	now := time.Now()
	_, fresh := seedPayment(t, db, user.ID, model.PaymentMethodCrypto, model.PaymentStatusPending, now.Add(time.Hour))
	_, stale := seedPayment(t, db, user.ID, model.PaymentMethodCrypto, model.PaymentStatusPending, now.Add(time.Hour))
	require.NoError(t, db.Model(&model.Payment{}).Where("id = ?", stale.ID).
		UpdateColumn("updated_at", now.Add(-time.Hour)).Error)

	confirmer := &fakeConfirmer{confirmUpstream: true}
	job := NewPaymentReconcileJob(db, nil, confirmer)

	assert.Equal(t, 1, job.ReconcilePayments(ctx, now))
	assert.Equal(t, []string{stale.PaymentID}, confirmer.reconciled)
	assert.NotContains(t, confirmer.reconciled, fresh.PaymentID)
}

func TestPaymentReconcileJobRechecksLapsedPayments(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := seedUser(t, db)

	now := time.Now()
	_, lapsed := seedPayment(t, db, user.ID, model.PaymentMethodCrypto, model.PaymentStatusExpired, now.Add(-2*time.Hour))
	_, tooOld := seedPayment(t, db, user.ID, model.PaymentMethodCrypto, model.PaymentStatusExpired, now.Add(-48*time.Hour))
	_, justChecked := seedPayment(t, db, user.ID, model.PaymentMethodCrypto, model.PaymentStatusCancelled, now.Add(-2*time.Hour))
	_, bank := seedPayment(t, db, user.ID, model.PaymentMethodBank, model.PaymentStatusExpired, now.Add(-2*time.Hour))
	for _, p := range []*model.Payment{lapsed, tooOld, bank} {
		require.NoError(t, db.Model(&model.Payment{}).Where("id = ?", p.ID).
			UpdateColumn("updated_at", now.Add(-time.Hour)).Error)
	}

	confirmer := &fakeConfirmer{confirmUpstream: true}
	job := NewPaymentReconcileJob(db, nil, confirmer)

	assert.Equal(t, 1, job.ReconcilePayments(ctx, now))
	assert.Equal(t, []string{lapsed.PaymentID}, confirmer.reconciled)
	assert.NotContains(t, confirmer.reconciled, tooOld.PaymentID)
	assert.NotContains(t, confirmer.reconciled, justChecked.PaymentID)
	assert.NotContains(t, confirmer.reconciled, bank.PaymentID)
}

func TestRunExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	runs := 0
	runExclusive(ctx, client, "payment-expiry", time.Minute, func() { runs++ })
	assert.Equal(t, 1, runs)
	assert.False(t, mr.Exists("job:lock:payment-expiry"), "执行完应释放锁")

	// 其他实例持有锁时跳过
	require.NoError(t, mr.Set("job:lock:payment-expiry", "other-instance"))
	runExclusive(ctx, client, "payment-expiry", time.Minute, func() { runs++ })
	assert.Equal(t, 1, runs)
	assert.True(t, mr.Exists("job:lock:payment-expiry"))

	// 没有 Redis 时直接执行
	runExclusive(ctx, nil, "payment-expiry", time.Minute, func() { runs++ })
	assert.Equal(t, 2, runs)
}

func TestRunExclusiveRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	runs := 0
	runExclusive(context.Background(), client, "payment-reconcile", time.Minute, func() { runs++ })
	assert.Equal(t, 1, runs)
}
