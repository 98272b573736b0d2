package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"proxyhub/internal/config"
	"proxyhub/internal/gateway/cryptomus"
	"proxyhub/internal/infrastructure/cache"
	"proxyhub/internal/model"
	"proxyhub/internal/repository"
	"proxyhub/pkg/logger"
	"proxyhub/pkg/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	SourceWebhook   = "webhook"
	SourceMonitor   = "monitor"
	SourceCallback  = "callback"
	SourceExpiry    = "expiry"
	SourceReconcile = "reconcile"
)

// LatePaymentWindow 过期后仍向上游补查的时长
const LatePaymentWindow = 24 * time.Hour

// ConfirmService 支付确认状态机
// 同一 payment_id 的所有确认操作通过支付行的 FOR UPDATE 串行化，加锁顺序固定为 Payment → Order → User
type ConfirmService struct {
	db          *gorm.DB
	cfg         *config.Config
	gateway     PaymentGateway
	sessions    *cache.SessionCache
	ledger      *LedgerService
	paymentRepo *repository.PaymentRepository
	orderRepo   *repository.OrderRepository
	group       singleflight.Group
}

// NewConfirmService gateway 可以为 nil，此时 webhook 和上游轮询返回 ErrGatewayUnconfigured
func NewConfirmService(db *gorm.DB, cfg *config.Config, gateway PaymentGateway, sessions *cache.SessionCache, ledger *LedgerService) *ConfirmService {
	return &ConfirmService{
		db:          db,
		cfg:         cfg,
		gateway:     gateway,
		sessions:    sessions,
		ledger:      ledger,
		paymentRepo: repository.NewPaymentRepository(db),
		orderRepo:   repository.NewOrderRepository(db),
	}
}

type ConfirmInput struct {
	PaymentID       string
	Status          string
	TransactionHash string
	Confirmations   int
	// RequiredConfirmations 只能提高门槛，不能降低
	RequiredConfirmations *int
	Source                string
}

// PaymentView 轮询接口返回的支付状态
type PaymentView struct {
	PaymentID             string              `json:"payment_id"`
	Status                model.PaymentStatus `json:"status"`
	Confirmations         int                 `json:"confirmations"`
	RequiredConfirmations int                 `json:"required_confirmations"`
	TransactionHash       string              `json:"transaction_hash"`
}

type confirmOutcome struct {
	confirmed    bool
	credited     bool
	inconsistent bool
	payment      model.Payment
}

// Confirm 处理一次支付状态报告，返回支付是否已确认
// 重复调用是安全的：余额对同一笔支付只会增加一次
func (s *ConfirmService) Confirm(ctx context.Context, in *ConfirmInput) (bool, error) {
	outcome, err := s.confirm(ctx, in)
	if err != nil {
		return false, err
	}
	if outcome.inconsistent {
		return false, fmt.Errorf("payment_id=%s: %w", in.PaymentID, ErrLedgerInconsistent)
	}
	return outcome.confirmed, nil
}

func (s *ConfirmService) confirm(ctx context.Context, in *ConfirmInput) (*confirmOutcome, error) {
	var (
		outcome *confirmOutcome
		err     error
	)

	// 并发入账时唯一键冲突说明另一个事务已经入账，重试一次会走已入账分支
	for attempt := 0; attempt < 2; attempt++ {
		outcome, err = s.confirmOnce(ctx, in)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
		logger.Warn(ctx, "入账唯一键冲突，按已入账处理", zap.String("payment_id", in.PaymentID))
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// 入账已由另一个事务提交，按库里的支付状态写缓存
		payment, getErr := s.paymentRepo.GetByPaymentID(ctx, in.PaymentID)
		if getErr != nil {
			return nil, getErr
		}
		outcome, err = &confirmOutcome{confirmed: true, payment: *payment}, nil
	}
	if err != nil {
		return nil, err
	}

	s.sessions.Save(ctx, in.PaymentID, cache.SessionFromPayment(&outcome.payment))

	source := in.Source
	if source == "" {
		source = "direct"
	}
	metrics.ConfirmTotal.WithLabelValues(source, string(outcome.payment.Status)).Inc()
	if outcome.credited {
		metrics.RechargeCreditedTotal.Inc()
	}

	logger.Info(ctx, "支付状态已处理",
		zap.String("payment_id", in.PaymentID),
		zap.String("source", source),
		zap.String("reported_status", in.Status),
		zap.String("status", string(outcome.payment.Status)),
		zap.Int("confirmations", outcome.payment.Confirmations),
		zap.Bool("credited", outcome.credited))

	return outcome, nil
}

func (s *ConfirmService) confirmOnce(ctx context.Context, in *ConfirmInput) (*confirmOutcome, error) {
	outcome := &confirmOutcome{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		payment, err := s.paymentRepo.GetByPaymentIDForUpdate(ctx, tx, in.PaymentID)
		if err != nil {
			return err
		}

		normalized := cryptomus.NormalizeStatus(in.Status)

		required := payment.RequiredConfirmations
		if in.RequiredConfirmations != nil && *in.RequiredConfirmations > required {
			required = *in.RequiredConfirmations
		}

		if in.TransactionHash != "" {
			payment.TransactionHash = in.TransactionHash
		}
		// 乱序到达的旧通知不能让确认数倒退
		if in.Confirmations > payment.Confirmations {
			payment.Confirmations = in.Confirmations
		}

		outcome.confirmed = payment.Status == model.PaymentStatusConfirmed ||
			(normalized == model.PaymentStatusConfirmed && payment.Confirmations >= required)

		if !outcome.confirmed {
			if err := s.recordUnconfirmed(ctx, tx, payment, normalized); err != nil {
				return err
			}
			outcome.payment = *payment
			return nil
		}

		if payment.ConfirmedAt == nil {
			now := time.Now()
			payment.ConfirmedAt = &now
		}
		payment.Status = model.PaymentStatusConfirmed
		if err := s.paymentRepo.Save(ctx, tx, payment); err != nil {
			return fmt.Errorf("更新支付失败: %w", err)
		}
		outcome.payment = *payment

		order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, payment.OrderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			// 支付确认照常提交，由对账任务和人工处理缺失的订单
			logger.Error(ctx, "支付已确认但订单不存在",
				zap.String("payment_id", payment.PaymentID),
				zap.Int64("order_id", payment.OrderID))
			outcome.inconsistent = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("锁定订单失败: %w", err)
		}

		switch order.Type {
		case model.OrderTypeRecharge:
			outcome.credited, err = s.ledger.CreditRecharge(ctx, tx, order)
			return err
		case model.OrderTypePurchase:
			if order.Status == model.OrderStatusPending || order.Status == model.OrderStatusCancelled {
				return s.orderRepo.UpdateStatus(ctx, tx, order.ID, order.Status, model.OrderStatusPaid)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// recordUnconfirmed 未确认时只记录上报的状态；失败类终态同时取消 PENDING 订单
func (s *ConfirmService) recordUnconfirmed(ctx context.Context, tx *gorm.DB, payment *model.Payment, normalized model.PaymentStatus) error {
	status := model.PaymentStatusPending
	if normalized.IsFailure() {
		status = normalized
	}
	// 已经是失败终态的支付不会被后来的 pending 通知改回去
	if !(payment.Status.IsFailure() && status == model.PaymentStatusPending) {
		payment.Status = status
	}

	if err := s.paymentRepo.Save(ctx, tx, payment); err != nil {
		return fmt.Errorf("更新支付失败: %w", err)
	}

	if !payment.Status.IsFailure() {
		return nil
	}

	order, err := s.orderRepo.GetByIDForUpdate(ctx, tx, payment.OrderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		logger.Warn(ctx, "支付失败但订单不存在", zap.String("payment_id", payment.PaymentID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("锁定订单失败: %w", err)
	}
	if order.Status != model.OrderStatusPending {
		return nil
	}
	return s.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPending, model.OrderStatusCancelled)
}

// HandleWebhook 验签 → 解析 → 匹配本地支付 → 确认
func (s *ConfirmService) HandleWebhook(ctx context.Context, raw []byte) (bool, error) {
	if s.gateway == nil {
		metrics.WebhookRejectTotal.WithLabelValues("unconfigured").Inc()
		return false, ErrGatewayUnconfigured
	}

	payload, err := s.gateway.VerifyWebhook(raw)
	if err != nil {
		reason := "signature"
		if errors.Is(err, cryptomus.ErrMalformedPayload) {
			reason = "malformed"
		}
		metrics.WebhookRejectTotal.WithLabelValues(reason).Inc()
		logger.Warn(ctx, "webhook 校验失败", zap.Error(err))
		return false, err
	}

	payment, err := s.resolveWebhookPayment(ctx, payload)
	if err != nil {
		metrics.WebhookRejectTotal.WithLabelValues("unknown_payment").Inc()
		return false, err
	}

	if err := s.checkWebhookPayload(payload, payment); err != nil {
		metrics.WebhookRejectTotal.WithLabelValues("mismatch").Inc()
		logger.Warn(ctx, "webhook 内容不一致",
			zap.String("payment_id", payment.PaymentID),
			zap.Error(err))
		return false, err
	}

	confirmations := 0
	if n := payload.Confirmations.IntPtr(); n != nil {
		confirmations = *n
	} else if cryptomus.NormalizeStatus(payload.CurrentStatus()) == model.PaymentStatusConfirmed {
		// 上游报告 paid 但没有确认数，说明它已按自己的规则终局
		confirmations = payment.RequiredConfirmations
	}

	return s.Confirm(ctx, &ConfirmInput{
		PaymentID:             payment.PaymentID,
		Status:                payload.CurrentStatus(),
		TransactionHash:       payload.TxID,
		Confirmations:         confirmations,
		RequiredConfirmations: payload.RequiredConfirmations.IntPtr(),
		Source:                SourceWebhook,
	})
}

func (s *ConfirmService) resolveWebhookPayment(ctx context.Context, payload *cryptomus.WebhookPayload) (*model.Payment, error) {
	if payload.UUID != "" {
		payment, err := s.paymentRepo.GetByPaymentID(ctx, payload.UUID)
		if err == nil || !errors.Is(err, repository.ErrPaymentNotFound) {
			return payment, err
		}
	}
	if payload.OrderID != "" {
		return s.paymentRepo.GetLatestByOrderNo(ctx, payload.OrderID)
	}
	return nil, repository.ErrPaymentNotFound
}

func (s *ConfirmService) checkWebhookPayload(payload *cryptomus.WebhookPayload, payment *model.Payment) error {
	if !payload.Amount.IsZero() && !payload.Amount.Equal(payment.Amount) {
		return fmt.Errorf("%w: amount %s != %s", ErrPayloadMismatch, payload.Amount, payment.Amount)
	}
	if payload.Currency != "" && !strings.EqualFold(payload.Currency, payment.Currency) {
		return fmt.Errorf("%w: currency %s != %s", ErrPayloadMismatch, payload.Currency, payment.Currency)
	}
	if payload.MerchantUUID != "" && payload.MerchantUUID != s.gateway.MerchantUUID() {
		return fmt.Errorf("%w: merchant %s", ErrPayloadMismatch, payload.MerchantUUID)
	}
	return nil
}

// Monitor 用户轮询支付状态；上游不可用时返回缓存中的最后状态
func (s *ConfirmService) Monitor(ctx context.Context, paymentID string, userID int64) (*PaymentView, error) {
	payment, err := s.paymentRepo.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, ErrPaymentForbidden
	}

	// 刚过期的支付继续向上游查询，迟到的链上付款照常入账
	late := payment.AwaitingLateFunds(time.Now(), LatePaymentWindow)
	if payment.Status.IsTerminal() && !late {
		return viewFromPayment(payment), nil
	}
	if cached, err := s.sessions.Load(ctx, paymentID); err == nil && cached.Status.IsTerminal() && !late {
		return viewFromSession(cached), nil
	}
	if s.gateway == nil || payment.Method != model.PaymentMethodCrypto {
		return s.cachedView(ctx, payment), nil
	}

	// 同一支付的并发轮询合并成一次上游请求，不受单个请求取消的影响
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.group.Do(paymentID, func() (interface{}, error) {
		return s.pollUpstream(shared, payment)
	})
	if err != nil {
		logger.Warn(ctx, "查询上游支付状态失败，返回缓存状态",
			zap.String("payment_id", paymentID),
			zap.Error(err))
		return s.cachedView(ctx, payment), nil
	}
	return v.(*PaymentView), nil
}

func (s *ConfirmService) pollUpstream(ctx context.Context, payment *model.Payment) (*PaymentView, error) {
	invoice, err := s.fetchInvoice(ctx, payment)
	if err != nil {
		return nil, err
	}

	outcome, err := s.confirm(ctx, s.inputFromInvoice(payment, invoice, SourceMonitor))
	if err != nil {
		return nil, err
	}
	return viewFromPayment(&outcome.payment), nil
}

func (s *ConfirmService) fetchInvoice(ctx context.Context, payment *model.Payment) (*cryptomus.Invoice, error) {
	timeout := s.cfg.Payment.PollTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return s.gateway.PaymentInfo(pctx, payment.PaymentID, "")
}

func (s *ConfirmService) inputFromInvoice(payment *model.Payment, invoice *cryptomus.Invoice, source string) *ConfirmInput {
	status := invoice.CurrentStatus()
	confirmations := payment.Confirmations
	if n := invoice.Confirmations.IntPtr(); n != nil {
		confirmations = *n
	} else if cryptomus.NormalizeStatus(status) == model.PaymentStatusConfirmed {
		confirmations = payment.RequiredConfirmations
	}
	return &ConfirmInput{
		PaymentID:       payment.PaymentID,
		Status:          status,
		TransactionHash: invoice.TxID,
		Confirmations:   confirmations,
		Source:          source,
	}
}

func (s *ConfirmService) cachedView(ctx context.Context, payment *model.Payment) *PaymentView {
	if cached, err := s.sessions.Load(ctx, payment.PaymentID); err == nil {
		return viewFromSession(cached)
	}
	return viewFromPayment(payment)
}

type CallbackInput struct {
	PaymentID       string `json:"payment_id" binding:"required"`
	Status          string `json:"status" binding:"required"`
	TransactionHash string `json:"transaction_hash"`
	Confirmations   *int   `json:"confirmations" binding:"required"`
}

// HandleCallback 旧版回调，令牌在 handler 层校验
func (s *ConfirmService) HandleCallback(ctx context.Context, in *CallbackInput) (bool, error) {
	confirmations := 0
	if in.Confirmations != nil {
		confirmations = *in.Confirmations
	}
	return s.Confirm(ctx, &ConfirmInput{
		PaymentID:       in.PaymentID,
		Status:          in.Status,
		TransactionHash: in.TransactionHash,
		Confirmations:   confirmations,
		Source:          SourceCallback,
	})
}

// Expire 过期任务调用；已确认的支付不受影响
func (s *ConfirmService) Expire(ctx context.Context, paymentID string) (bool, error) {
	return s.Confirm(ctx, &ConfirmInput{
		PaymentID: paymentID,
		Status:    string(model.PaymentStatusExpired),
		Source:    SourceExpiry,
	})
}

// Reconcile 对账：pending 的加密货币支付向上游补查；已确认未入账的支付重新走入账
func (s *ConfirmService) Reconcile(ctx context.Context, payment *model.Payment) (bool, error) {
	if payment.Status == model.PaymentStatusConfirmed {
		return s.Confirm(ctx, &ConfirmInput{
			PaymentID:     payment.PaymentID,
			Status:        string(model.PaymentStatusConfirmed),
			Confirmations: payment.Confirmations,
			Source:        SourceReconcile,
		})
	}

	if s.gateway == nil {
		return false, ErrGatewayUnconfigured
	}
	invoice, err := s.fetchInvoice(ctx, payment)
	if err != nil {
		return false, err
	}
	return s.Confirm(ctx, s.inputFromInvoice(payment, invoice, SourceReconcile))
}

// GetPayment 支付详情，带归属校验
func (s *ConfirmService) GetPayment(ctx context.Context, paymentID string, userID int64) (*model.Payment, error) {
	payment, err := s.paymentRepo.GetByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.UserID != userID {
		return nil, ErrPaymentForbidden
	}
	return payment, nil
}

func viewFromPayment(p *model.Payment) *PaymentView {
	return &PaymentView{
		PaymentID:             p.PaymentID,
		Status:                p.Status,
		Confirmations:         p.Confirmations,
		RequiredConfirmations: p.RequiredConfirmations,
		TransactionHash:       p.TransactionHash,
	}
}

func viewFromSession(d *cache.SessionData) *PaymentView {
	return &PaymentView{
		PaymentID:             d.PaymentID,
		Status:                d.Status,
		Confirmations:         d.Confirmations,
		RequiredConfirmations: d.RequiredConfirmations,
		TransactionHash:       d.TransactionHash,
	}
}
