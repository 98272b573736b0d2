package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"proxyhub/internal/config"
	"proxyhub/internal/gateway/cryptomus"
	"proxyhub/internal/infrastructure/cache"
	"proxyhub/internal/infrastructure/database"
	"proxyhub/internal/model"
	"proxyhub/pkg/idgen"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testAPIKey   = "test-api-key"
	testMerchant = "merchant-uuid"
)

type fakeGateway struct {
	mu         sync.Mutex
	invoice    *cryptomus.Invoice
	infoErr    error
	infoDelay  time.Duration
	infoCalls  int32
	createErr  error
	createReqs []*cryptomus.CreatePaymentRequest
}

func (f *fakeGateway) CreatePayment(_ context.Context, req *cryptomus.CreatePaymentRequest) (*cryptomus.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createReqs = append(f.createReqs, req)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &cryptomus.Invoice{
		UUID:          fmt.Sprintf("uuid-%d", len(f.createReqs)),
		OrderID:       req.OrderID,
		Amount:        req.Amount,
		PayerAmount:   "0.00083",
		PayerCurrency: req.ToCurrency,
		Network:       req.Network,
		Address:       "bc1qtestaddress",
		PaymentStatus: "check",
		URL:           "https://pay.cryptomus.com/pay/" + req.OrderID,
		ExpiredAt:     time.Now().Add(30 * time.Minute).Unix(),
	}, nil
}

func (f *fakeGateway) PaymentInfo(ctx context.Context, uuid, _ string) (*cryptomus.Invoice, error) {
	atomic.AddInt32(&f.infoCalls, 1)
	if f.infoDelay > 0 {
		select {
		case <-time.After(f.infoDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	inv := *f.invoice
	inv.UUID = uuid
	return &inv, nil
}

func (f *fakeGateway) VerifyWebhook(raw []byte) (*cryptomus.WebhookPayload, error) {
	return cryptomus.VerifyWebhook(raw, testAPIKey)
}

func (f *fakeGateway) MerchantUUID() string {
	return testMerchant
}

func (f *fakeGateway) setInvoice(inv *cryptomus.Invoice) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoice = inv
}

// signedWebhook body 必须是紧凑、纯 ASCII、不含 / 的 JSON 对象
func signedWebhook(body string) []byte {
	sign := cryptomus.Sign([]byte(body), testAPIKey)
	return []byte(strings.TrimSuffix(body, "}") + `,"sign":"` + sign + `"}`)
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{PayResult: "pay_result", RechargeCredited: "recharge_credited"},
		},
		Payment: config.PaymentConfig{
			Currency:        "USD",
			LifetimeSeconds: 1800,
			PollTimeout:     time.Second,
			Networks: map[string]config.NetworkConfig{
				"btc":  {Name: "Bitcoin", Network: "btc", Confirmations: 1},
				"usdt": {Name: "Tether", Network: "eth", Confirmations: 12},
			},
		},
	}
}

type testEnv struct {
	db       *gorm.DB
	cfg      *config.Config
	gateway  *fakeGateway
	sessions *cache.SessionCache
	ledger   *LedgerService
	confirm  *ConfirmService
	orders   *OrderService
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// 内存库每个连接都是独立的库，只能用一个连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	cfg := testConfig()
	gw := &fakeGateway{invoice: &cryptomus.Invoice{PaymentStatus: "check"}}
	sessions := cache.NewSessionCache(nil, time.Hour)
	ledger := NewLedgerService(db, cfg)

	return &testEnv{
		db:       db,
		cfg:      cfg,
		gateway:  gw,
		sessions: sessions,
		ledger:   ledger,
		confirm:  NewConfirmService(db, cfg, gw, sessions, ledger),
		orders:   NewOrderService(db, cfg, gw, sessions),
	}
}

var userSeq int64

func seedUser(t *testing.T, db *gorm.DB, balance string) *model.User {
	t.Helper()
	n := atomic.AddInt64(&userSeq, 1)
	user := &model.User{
		Username: fmt.Sprintf("user%d", n),
		Email:    fmt.Sprintf("user%d@example.com", n),
		Balance:  decimal.RequireFromString(balance),
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

// seedRecharge 直接落库一笔待支付的充值订单和加密货币支付
func seedRecharge(t *testing.T, db *gorm.DB, userID int64, amount string, required int) (*model.Order, *model.Payment) {
	t.Helper()
	order := &model.Order{
		OrderNo: idgen.GenerateOrderNo(),
		UserID:  userID,
		Type:    model.OrderTypeRecharge,
		Amount:  decimal.RequireFromString(amount),
		Status:  model.OrderStatusPending,
	}
	require.NoError(t, db.Create(order).Error)

	expiresAt := time.Now().Add(30 * time.Minute)
	payment := &model.Payment{
		PaymentID:             "pay-" + order.OrderNo,
		OrderID:               order.ID,
		UserID:                userID,
		Method:                model.PaymentMethodCrypto,
		Amount:                order.Amount,
		Currency:              "USD",
		Status:                model.PaymentStatusPending,
		CryptoCurrency:        "BTC",
		Network:               "btc",
		RequiredConfirmations: required,
		ExpiresAt:             &expiresAt,
	}
	require.NoError(t, db.Create(payment).Error)
	return order, payment
}

func reloadUser(t *testing.T, db *gorm.DB, id int64) *model.User {
	t.Helper()
	var user model.User
	require.NoError(t, db.First(&user, id).Error)
	return &user
}

func reloadOrder(t *testing.T, db *gorm.DB, id int64) *model.Order {
	t.Helper()
	var order model.Order
	require.NoError(t, db.First(&order, id).Error)
	return &order
}

func reloadPayment(t *testing.T, db *gorm.DB, paymentID string) *model.Payment {
	t.Helper()
	var payment model.Payment
	require.NoError(t, db.Where("payment_id = ?", paymentID).First(&payment).Error)
	return &payment
}

func countRows(t *testing.T, db *gorm.DB, m interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(m).Where(query, args...).Count(&n).Error)
	return n
}

func intPtr(n int) *int {
	return &n
}
