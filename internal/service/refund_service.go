package service

import (
	"context"
	"fmt"
	"time"

	"proxyhub/internal/config"
	"proxyhub/internal/infrastructure/lock"
	"proxyhub/internal/model"
	"proxyhub/internal/repository"
	"proxyhub/pkg/idgen"
	"proxyhub/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RefundService 购买订单退款到余额
type RefundService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	cfg             *config.Config
	orderRepo       *repository.OrderRepository
	userRepo        *repository.UserRepository
	transactionRepo *repository.TransactionRepository
	balanceLogRepo  *repository.BalanceLogRepository
	outboxRepo      *repository.OutboxRepository
}

func NewRefundService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *RefundService {
	return &RefundService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		orderRepo:       repository.NewOrderRepository(db),
		userRepo:        repository.NewUserRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		balanceLogRepo:  repository.NewBalanceLogRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

type RefundRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	OrderNo   string `json:"order_no" binding:"required"`
	Reason    string `json:"reason"`
}

type RefundResponse struct {
	RefundNo string          `json:"refund_no,omitempty"`
	OrderNo  string          `json:"order_no"`
	Amount   decimal.Decimal `json:"amount"`
	Status   string          `json:"status"`
	Message  string          `json:"message,omitempty"`
}

func (s *RefundService) Refund(ctx context.Context, req *RefundRequest) (*RefundResponse, error) {
	order, err := s.orderRepo.GetByOrderNo(ctx, req.OrderNo)
	if err != nil {
		return nil, err
	}
	if order.Type != model.OrderTypePurchase {
		return nil, fmt.Errorf("%w: 只有购买订单可以退款", ErrRefundNotAllowed)
	}

	refunded, err := s.transactionRepo.ExistsByOrderAndType(ctx, nil, order.ID, model.TransactionTypeRefund)
	if err != nil {
		return nil, fmt.Errorf("查询流水失败: %w", err)
	}
	if refunded || order.Status == model.OrderStatusRefunded {
		return alreadyRefunded(order), nil
	}

	if s.redisClient != nil {
		refundLock := lock.NewDistributedLock(
			s.redisClient,
			fmt.Sprintf("refund:lock:order:%s", req.OrderNo),
			req.RequestID,
			30*time.Second,
		)
		if err := refundLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer refundLock.Unlock(ctx)
	}

	refundNo := idgen.GenerateRefundNo()
	var done bool

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.orderRepo.GetByIDForUpdate(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if locked.Status == model.OrderStatusRefunded {
			done = true
			return nil
		}
		if !model.CanTransitionTo(locked.Status, model.OrderStatusRefunded) {
			return fmt.Errorf("%w，当前状态: %s", ErrRefundNotAllowed, locked.Status)
		}

		user, err := s.userRepo.GetByIDForUpdate(ctx, tx, locked.UserID)
		if err != nil {
			return err
		}
		balanceAfter := user.Balance.Add(locked.Amount)
		if err := s.userRepo.UpdateBalance(ctx, tx, user.ID, balanceAfter); err != nil {
			return fmt.Errorf("退款到账失败: %w", err)
		}

		description := fmt.Sprintf("退款-%s-%s", refundNo, req.Reason)
		if err := s.transactionRepo.Create(ctx, tx, &model.Transaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			OrderID:       locked.ID,
			UserID:        user.ID,
			Type:          model.TransactionTypeRefund,
			Amount:        locked.Amount,
			BalanceBefore: user.Balance,
			BalanceAfter:  balanceAfter,
			Description:   description,
		}); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		orderID := locked.ID
		if err := s.balanceLogRepo.Create(ctx, tx, &model.BalanceLog{
			UserID:         user.ID,
			Type:           model.TransactionTypeRefund,
			Amount:         locked.Amount,
			BalanceBefore:  user.Balance,
			BalanceAfter:   balanceAfter,
			Description:    description,
			RelatedOrderID: &orderID,
		}); err != nil {
			return fmt.Errorf("记录余额日志失败: %w", err)
		}

		if err := s.orderRepo.UpdateStatus(ctx, tx, locked.ID, locked.Status, model.OrderStatusRefunded); err != nil {
			return fmt.Errorf("更新订单状态失败: %w", err)
		}

		msg, err := model.NewOutboxMessage(s.cfg.Kafka.Topic.PayResult, refundNo, map[string]interface{}{
			"refund_no":   refundNo,
			"order_no":    locked.OrderNo,
			"user_id":     user.ID,
			"amount":      locked.Amount,
			"status":      model.OrderStatusRefunded,
			"reason":      req.Reason,
			"refunded_at": time.Now().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if done {
		return alreadyRefunded(order), nil
	}

	logger.Info(ctx, "退款成功",
		zap.String("refund_no", refundNo),
		zap.String("order_no", req.OrderNo),
		zap.String("amount", order.Amount.String()))

	return &RefundResponse{
		RefundNo: refundNo,
		OrderNo:  req.OrderNo,
		Amount:   order.Amount,
		Status:   model.OrderStatusRefunded,
		Message:  "退款成功",
	}, nil
}

func alreadyRefunded(order *model.Order) *RefundResponse {
	return &RefundResponse{
		OrderNo: order.OrderNo,
		Amount:  order.Amount,
		Status:  model.OrderStatusRefunded,
		Message: "已退款，请勿重复操作",
	}
}
