package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"proxyhub/internal/config"
	"proxyhub/internal/gateway/cryptomus"
	"proxyhub/internal/infrastructure/cache"
	"proxyhub/internal/model"
	"proxyhub/internal/repository"
	"proxyhub/pkg/idgen"
	"proxyhub/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type OrderService struct {
	db          *gorm.DB
	cfg         *config.Config
	gateway     PaymentGateway
	sessions    *cache.SessionCache
	orderRepo   *repository.OrderRepository
	paymentRepo *repository.PaymentRepository
	userRepo    *repository.UserRepository
}

func NewOrderService(db *gorm.DB, cfg *config.Config, gateway PaymentGateway, sessions *cache.SessionCache) *OrderService {
	return &OrderService{
		db:          db,
		cfg:         cfg,
		gateway:     gateway,
		sessions:    sessions,
		orderRepo:   repository.NewOrderRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
		userRepo:    repository.NewUserRepository(db),
	}
}

type RechargeRequest struct {
	RequestID      string          `json:"request_id"`
	UserID         int64           `json:"user_id" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	PaymentMethod  string          `json:"payment_method" binding:"required"`
	CryptoCurrency string          `json:"crypto_currency"`
}

type RechargeResponse struct {
	OrderNo               string              `json:"order_no"`
	PaymentID             string              `json:"payment_id"`
	Amount                decimal.Decimal     `json:"amount"`
	Currency              string              `json:"currency"`
	OrderStatus           string              `json:"order_status"`
	PaymentStatus         model.PaymentStatus `json:"payment_status"`
	PaymentMethod         string              `json:"payment_method"`
	CryptoCurrency        string              `json:"crypto_currency,omitempty"`
	Network               string              `json:"network,omitempty"`
	CryptoAmount          *decimal.Decimal    `json:"crypto_amount,omitempty"`
	WalletAddress         string              `json:"wallet_address,omitempty"`
	PaymentURL            string              `json:"payment_url,omitempty"`
	RequiredConfirmations int                 `json:"required_confirmations"`
	ExpiresAt             *time.Time          `json:"expires_at,omitempty"`
	MonitorURL            string              `json:"monitor_url"`
}

// CreateRecharge 创建充值订单和支付会话；request_id 相同的重复请求返回第一次的结果
func (s *OrderService) CreateRecharge(ctx context.Context, req *RechargeRequest) (*RechargeResponse, error) {
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, ErrInvalidAmount
	}
	if !model.IsValidPaymentMethod(req.PaymentMethod) {
		return nil, ErrInvalidPayMethod
	}

	if req.RequestID != "" {
		existing, err := s.orderRepo.GetByRequestID(ctx, req.RequestID)
		if err != nil {
			return nil, fmt.Errorf("查询订单失败: %w", err)
		}
		if existing != nil {
			return s.existingRecharge(ctx, existing)
		}
	}

	user, err := s.userRepo.GetByID(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	orderNo := idgen.GenerateOrderNo()
	order := &model.Order{
		OrderNo:     orderNo,
		UserID:      req.UserID,
		Type:        model.OrderTypeRecharge,
		Amount:      req.Amount,
		Status:      model.OrderStatusPending,
		Description: fmt.Sprintf("余额充值 %s %s", req.Amount.StringFixed(2), s.currency()),
	}
	if req.RequestID != "" {
		requestID := req.RequestID
		order.RequestID = &requestID
	}

	payment := &model.Payment{
		UserID:                req.UserID,
		Method:                req.PaymentMethod,
		Amount:                req.Amount,
		Currency:              s.currency(),
		Status:                model.PaymentStatusPending,
		RequiredConfirmations: 1,
	}

	var paymentURL string
	if req.PaymentMethod == model.PaymentMethodCrypto {
		// 先向上游建单，失败时本地不留任何记录
		paymentURL, err = s.openCryptoSession(ctx, order, payment, req.CryptoCurrency)
		if err != nil {
			return nil, err
		}
	} else {
		payment.PaymentID = idgen.GeneratePaymentID()
		expiresAt := time.Now().Add(s.lifetime())
		payment.ExpiresAt = &expiresAt
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.orderRepo.Create(ctx, tx, order); err != nil {
			return fmt.Errorf("创建订单失败: %w", err)
		}
		payment.OrderID = order.ID
		if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
			return fmt.Errorf("创建支付失败: %w", err)
		}
		return nil
	})
	if err != nil {
		// 并发的同 request_id 请求已经建好了订单
		if req.RequestID != "" && errors.Is(err, gorm.ErrDuplicatedKey) {
			if existing, _ := s.orderRepo.GetByRequestID(ctx, req.RequestID); existing != nil {
				return s.existingRecharge(ctx, existing)
			}
		}
		return nil, err
	}

	s.sessions.Save(ctx, payment.PaymentID, cache.SessionFromPayment(payment))

	logger.Info(ctx, "创建充值订单",
		zap.String("order_no", order.OrderNo),
		zap.String("payment_id", payment.PaymentID),
		zap.Int64("user_id", req.UserID),
		zap.String("amount", req.Amount.String()),
		zap.String("method", req.PaymentMethod))

	resp := s.rechargeResponse(order, payment)
	resp.PaymentURL = paymentURL
	return resp, nil
}

func (s *OrderService) openCryptoSession(ctx context.Context, order *model.Order, payment *model.Payment, currency string) (string, error) {
	network, ok := s.cfg.Payment.Network(currency)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCurrency, currency)
	}
	if s.gateway == nil {
		return "", ErrGatewayUnconfigured
	}

	code := strings.ToUpper(strings.TrimSpace(currency))
	lifetime := s.lifetime()
	invoice, err := s.gateway.CreatePayment(ctx, &cryptomus.CreatePaymentRequest{
		Amount:      order.Amount.StringFixed(2),
		Currency:    payment.Currency,
		OrderID:     order.OrderNo,
		ToCurrency:  code,
		Network:     network.Network,
		URLCallback: s.cfg.Payment.CallbackURL,
		Lifetime:    int(lifetime.Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("创建上游支付失败: %w", err)
	}

	payment.PaymentID = invoice.UUID
	payment.CryptoCurrency = code
	payment.Network = network.Network
	payment.WalletAddress = invoice.Address
	if network.Confirmations > 0 {
		payment.RequiredConfirmations = network.Confirmations
	}

	cryptoAmount := invoice.PayerAmount
	if cryptoAmount == "" {
		cryptoAmount = invoice.PaymentAmount
	}
	if amount, err := decimal.NewFromString(cryptoAmount); err == nil {
		payment.CryptoAmount = &amount
	}

	expiresAt := time.Now().Add(lifetime)
	if invoice.ExpiredAt > 0 {
		expiresAt = time.Unix(invoice.ExpiredAt, 0)
	}
	payment.ExpiresAt = &expiresAt

	return invoice.URL, nil
}

func (s *OrderService) existingRecharge(ctx context.Context, order *model.Order) (*RechargeResponse, error) {
	payments, err := s.paymentRepo.ListByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, fmt.Errorf("%w: 订单 %s 没有支付记录", repository.ErrPaymentNotFound, order.OrderNo)
	}
	return s.rechargeResponse(order, payments[0]), nil
}

func (s *OrderService) rechargeResponse(order *model.Order, payment *model.Payment) *RechargeResponse {
	return &RechargeResponse{
		OrderNo:               order.OrderNo,
		PaymentID:             payment.PaymentID,
		Amount:                order.Amount,
		Currency:              payment.Currency,
		OrderStatus:           order.Status,
		PaymentStatus:         payment.Status,
		PaymentMethod:         payment.Method,
		CryptoCurrency:        payment.CryptoCurrency,
		Network:               payment.Network,
		CryptoAmount:          payment.CryptoAmount,
		WalletAddress:         payment.WalletAddress,
		RequiredConfirmations: payment.RequiredConfirmations,
		ExpiresAt:             payment.ExpiresAt,
		MonitorURL:            fmt.Sprintf("/api/v1/payments/%s/monitor", payment.PaymentID),
	}
}

func (s *OrderService) currency() string {
	if s.cfg.Payment.Currency == "" {
		return "USD"
	}
	return s.cfg.Payment.Currency
}

func (s *OrderService) lifetime() time.Duration {
	if s.cfg.Payment.LifetimeSeconds <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(s.cfg.Payment.LifetimeSeconds) * time.Second
}

type OrderDetail struct {
	*model.Order
	Payments []*model.Payment `json:"payments"`
}

func (s *OrderService) GetOrder(ctx context.Context, orderNo string) (*OrderDetail, error) {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	payments, err := s.paymentRepo.ListByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &OrderDetail{Order: order, Payments: payments}, nil
}

func (s *OrderService) ListOrders(ctx context.Context, filter repository.OrderFilter, page, pageSize int) ([]*model.Order, int64, error) {
	return s.orderRepo.List(ctx, filter, page, pageSize)
}

// CancelOrder 取消待支付订单及其 pending 支付
// 先锁支付再锁订单，与确认流程的加锁顺序一致
func (s *OrderService) CancelOrder(ctx context.Context, orderNo string, userID int64) error {
	order, err := s.orderRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return ErrOrderForbidden
	}

	var cancelled []*model.Payment
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pending, err := s.paymentRepo.GetPendingByOrderID(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		for _, p := range pending {
			payment, err := s.paymentRepo.GetByPaymentIDForUpdate(ctx, tx, p.PaymentID)
			if err != nil {
				return err
			}
			if payment.Status != model.PaymentStatusPending {
				continue
			}
			payment.Status = model.PaymentStatusCancelled
			if err := s.paymentRepo.Save(ctx, tx, payment); err != nil {
				return err
			}
			cancelled = append(cancelled, payment)
		}

		locked, err := s.orderRepo.GetByIDForUpdate(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		return s.orderRepo.UpdateStatus(ctx, tx, locked.ID, locked.Status, model.OrderStatusCancelled)
	})
	if err != nil {
		return err
	}

	for _, p := range cancelled {
		s.sessions.Save(ctx, p.PaymentID, cache.SessionFromPayment(p))
	}
	logger.Info(ctx, "订单已取消", zap.String("order_no", orderNo), zap.Int("payments", len(cancelled)))
	return nil
}

type CurrencyInfo struct {
	Currency              string `json:"currency"`
	Name                  string `json:"name"`
	Network               string `json:"network"`
	RequiredConfirmations int    `json:"required_confirmations"`
}

// SupportedCurrencies 可用于充值的加密货币
func (s *OrderService) SupportedCurrencies() []CurrencyInfo {
	list := make([]CurrencyInfo, 0, len(s.cfg.Payment.Networks))
	for key, n := range s.cfg.Payment.Networks {
		list = append(list, CurrencyInfo{
			Currency:              strings.ToUpper(key),
			Name:                  n.Name,
			Network:               n.Network,
			RequiredConfirmations: n.Confirmations,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Currency < list[j].Currency })
	return list
}
