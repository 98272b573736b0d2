package service

import (
	"context"
	"fmt"
	"time"

	"proxyhub/internal/config"
	"proxyhub/internal/model"
	"proxyhub/internal/repository"
	"proxyhub/pkg/idgen"
	"proxyhub/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// LedgerService 充值入账，所有方法都在调用方的事务内执行
type LedgerService struct {
	cfg             *config.Config
	userRepo        *repository.UserRepository
	orderRepo       *repository.OrderRepository
	transactionRepo *repository.TransactionRepository
	balanceLogRepo  *repository.BalanceLogRepository
	outboxRepo      *repository.OutboxRepository
}

func NewLedgerService(db *gorm.DB, cfg *config.Config) *LedgerService {
	return &LedgerService{
		cfg:             cfg,
		userRepo:        repository.NewUserRepository(db),
		orderRepo:       repository.NewOrderRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		balanceLogRepo:  repository.NewBalanceLogRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

// RechargeCreditedEvent 充值到账事件
type RechargeCreditedEvent struct {
	OrderNo       string          `json:"order_no"`
	UserID        int64           `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	TransactionNo string          `json:"transaction_no"`
	CreditedAt    string          `json:"credited_at"`
}

// CreditRecharge 给充值订单入账，已入账时只补齐订单状态，返回本次是否真正加了余额
// 调用方必须已持有 order 的行锁
func (s *LedgerService) CreditRecharge(ctx context.Context, tx *gorm.DB, order *model.Order) (bool, error) {
	credited, err := s.alreadyCredited(ctx, tx, order)
	if err != nil {
		return false, err
	}
	if credited {
		return false, s.normalizeCreditedOrder(ctx, tx, order)
	}

	if order.Status != model.OrderStatusCompleted && !model.CanTransitionTo(order.Status, model.OrderStatusCompleted) {
		return false, fmt.Errorf("%w: 订单 %s 状态 %s 无法入账", repository.ErrOrderStatusInvalid, order.OrderNo, order.Status)
	}

	user, err := s.userRepo.GetByIDForUpdate(ctx, tx, order.UserID)
	if err != nil {
		return false, fmt.Errorf("锁定用户失败: %w", err)
	}

	balanceBefore := user.Balance
	balanceAfter := balanceBefore.Add(order.Amount)

	if err := s.userRepo.UpdateBalance(ctx, tx, user.ID, balanceAfter); err != nil {
		return false, fmt.Errorf("更新余额失败: %w", err)
	}

	description := fmt.Sprintf("充值到账-%s", order.OrderNo)
	transaction := &model.Transaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		OrderID:       order.ID,
		UserID:        user.ID,
		Type:          model.TransactionTypeRecharge,
		Amount:        order.Amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		Description:   description,
	}
	if err := s.transactionRepo.Create(ctx, tx, transaction); err != nil {
		return false, fmt.Errorf("记录流水失败: %w", err)
	}

	orderID := order.ID
	balanceLog := &model.BalanceLog{
		UserID:         user.ID,
		Type:           model.TransactionTypeRecharge,
		Amount:         order.Amount,
		BalanceBefore:  balanceBefore,
		BalanceAfter:   balanceAfter,
		Description:    description,
		RelatedOrderID: &orderID,
	}
	if err := s.balanceLogRepo.Create(ctx, tx, balanceLog); err != nil {
		return false, fmt.Errorf("记录余额日志失败: %w", err)
	}

	now := time.Now()
	order.Status = model.OrderStatusCompleted
	if order.PaidAt == nil {
		order.PaidAt = &now
	}
	order.CompletedAt = &now
	order.CreditedAt = &now
	if err := s.orderRepo.Save(ctx, tx, order); err != nil {
		return false, fmt.Errorf("更新订单失败: %w", err)
	}

	msg, err := model.NewOutboxMessage(s.cfg.Kafka.Topic.RechargeCredited, order.OrderNo, &RechargeCreditedEvent{
		OrderNo:       order.OrderNo,
		UserID:        user.ID,
		Amount:        order.Amount,
		BalanceAfter:  balanceAfter,
		TransactionNo: transaction.TransactionNo,
		CreditedAt:    now.Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return false, fmt.Errorf("写入消息失败: %w", err)
	}

	logger.Info(ctx, "充值到账",
		zap.String("order_no", order.OrderNo),
		zap.Int64("user_id", user.ID),
		zap.String("amount", order.Amount.String()),
		zap.String("balance_after", balanceAfter.String()))

	return true, nil
}

// alreadyCredited 任意一个信号成立都视为已入账
func (s *LedgerService) alreadyCredited(ctx context.Context, tx *gorm.DB, order *model.Order) (bool, error) {
	if order.CreditedAt != nil || order.Status == model.OrderStatusCompleted {
		return true, nil
	}

	exists, err := s.transactionRepo.ExistsByOrderAndType(ctx, tx, order.ID, model.TransactionTypeRecharge)
	if err != nil {
		return false, fmt.Errorf("查询流水失败: %w", err)
	}
	if exists {
		return true, nil
	}

	exists, err = s.balanceLogRepo.ExistsByOrderAndType(ctx, tx, order.ID, model.TransactionTypeRecharge)
	if err != nil {
		return false, fmt.Errorf("查询余额日志失败: %w", err)
	}
	return exists, nil
}

// normalizeCreditedOrder 已入账的订单补齐状态和时间戳；REFUNDED 只补 credited_at
func (s *LedgerService) normalizeCreditedOrder(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	changed := false
	now := time.Now()

	switch order.Status {
	case model.OrderStatusPending, model.OrderStatusPaid, model.OrderStatusCancelled:
		order.Status = model.OrderStatusCompleted
		changed = true
	}
	if order.Status == model.OrderStatusCompleted {
		if order.PaidAt == nil {
			order.PaidAt = &now
			changed = true
		}
		if order.CompletedAt == nil {
			order.CompletedAt = &now
			changed = true
		}
	}
	if order.CreditedAt == nil {
		order.CreditedAt = &now
		changed = true
	}

	if !changed {
		return nil
	}

	logger.Warn(ctx, "订单已入账，修正订单状态",
		zap.String("order_no", order.OrderNo),
		zap.String("status", order.Status))

	return s.orderRepo.Save(ctx, tx, order)
}
