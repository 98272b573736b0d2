package service

import (
	"context"
	"errors"
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

// PurchaseService 余额购买
type PurchaseService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	cfg             *config.Config
	orderRepo       *repository.OrderRepository
	userRepo        *repository.UserRepository
	transactionRepo *repository.TransactionRepository
	balanceLogRepo  *repository.BalanceLogRepository
	outboxRepo      *repository.OutboxRepository
}

// NewPurchaseService redisClient 为 nil 时只依赖数据库行锁
func NewPurchaseService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *PurchaseService {
	return &PurchaseService{
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

type PurchaseRequest struct {
	RequestID   string          `json:"request_id" binding:"required"`
	UserID      int64           `json:"user_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type PurchaseResponse struct {
	OrderNo      string          `json:"order_no"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func (s *PurchaseService) Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResponse, error) {
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, ErrInvalidAmount
	}

	// 幂等校验
	if resp, err := s.existingPurchase(ctx, req.RequestID); resp != nil || err != nil {
		return resp, err
	}

	if s.redisClient != nil {
		purchaseLock := lock.NewPurchaseLock(s.redisClient, req.UserID, req.RequestID)
		if err := purchaseLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer purchaseLock.Unlock(ctx)

		// 获取锁后再次检查幂等
		if resp, err := s.existingPurchase(ctx, req.RequestID); resp != nil || err != nil {
			return resp, err
		}
	}

	requestID := req.RequestID
	order := &model.Order{
		OrderNo:     idgen.GenerateOrderNo(),
		RequestID:   &requestID,
		UserID:      req.UserID,
		Type:        model.OrderTypePurchase,
		Amount:      req.Amount,
		Status:      model.OrderStatusPending,
		Description: req.Description,
	}

	var balanceAfter decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.userRepo.GetByIDForUpdate(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return ErrUserInactive
		}
		if user.Balance.LessThan(req.Amount) {
			return repository.ErrBalanceNotEnough
		}

		if err := s.orderRepo.Create(ctx, tx, order); err != nil {
			return fmt.Errorf("创建订单失败: %w", err)
		}

		balanceAfter = user.Balance.Sub(req.Amount)
		if err := s.userRepo.UpdateBalance(ctx, tx, user.ID, balanceAfter); err != nil {
			return fmt.Errorf("扣款失败: %w", err)
		}

		description := fmt.Sprintf("余额购买-%s", order.OrderNo)
		transaction := &model.Transaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			OrderID:       order.ID,
			UserID:        user.ID,
			Type:          model.TransactionTypePurchase,
			Amount:        req.Amount.Neg(),
			BalanceBefore: user.Balance,
			BalanceAfter:  balanceAfter,
			Description:   description,
		}
		if err := s.transactionRepo.Create(ctx, tx, transaction); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		orderID := order.ID
		if err := s.balanceLogRepo.Create(ctx, tx, &model.BalanceLog{
			UserID:         user.ID,
			Type:           model.TransactionTypePurchase,
			Amount:         req.Amount.Neg(),
			BalanceBefore:  user.Balance,
			BalanceAfter:   balanceAfter,
			Description:    description,
			RelatedOrderID: &orderID,
		}); err != nil {
			return fmt.Errorf("记录余额日志失败: %w", err)
		}

		if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPending, model.OrderStatusPaid); err != nil {
			return fmt.Errorf("更新订单状态失败: %w", err)
		}
		if err := s.orderRepo.UpdateStatus(ctx, tx, order.ID, model.OrderStatusPaid, model.OrderStatusCompleted); err != nil {
			return fmt.Errorf("更新订单状态失败: %w", err)
		}

		msg, err := model.NewOutboxMessage(s.cfg.Kafka.Topic.PayResult, order.OrderNo, map[string]interface{}{
			"order_no": order.OrderNo,
			"user_id":  user.ID,
			"amount":   req.Amount,
			"type":     model.OrderTypePurchase,
			"status":   model.OrderStatusCompleted,
			"paid_at":  time.Now().Format(time.RFC3339),
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
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if resp, _ := s.existingPurchase(ctx, req.RequestID); resp != nil {
				return resp, nil
			}
		}
		return nil, err
	}

	logger.Info(ctx, "余额购买成功",
		zap.String("order_no", order.OrderNo),
		zap.Int64("user_id", req.UserID),
		zap.String("amount", req.Amount.String()))

	return &PurchaseResponse{
		OrderNo:      order.OrderNo,
		Status:       model.OrderStatusCompleted,
		Amount:       req.Amount,
		BalanceAfter: balanceAfter,
		Message:      "支付成功",
	}, nil
}

func (s *PurchaseService) existingPurchase(ctx context.Context, requestID string) (*PurchaseResponse, error) {
	existing, err := s.orderRepo.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	return &PurchaseResponse{
		OrderNo: existing.OrderNo,
		Status:  existing.Status,
		Amount:  existing.Amount,
		Message: "订单已存在",
	}, nil
}
