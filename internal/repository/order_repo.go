package repository

import (
	"context"
	"errors"
	"time"

	"proxyhub/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrOrderNotFound      = errors.New("订单不存在")
	ErrOrderStatusInvalid = errors.New("订单状态不合法")
)

type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(order).Error
}

func (r *OrderRepository) GetByID(ctx context.Context, id int64) (*model.Order, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *OrderRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.Order, error) {
	return r.first(r.db.WithContext(ctx).Where("order_no = ?", orderNo))
}

// GetByIDForUpdate 加行锁读取订单，必须在事务内调用
func (r *OrderRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Order, error) {
	return r.first(tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

func (r *OrderRepository) GetByOrderNoForUpdate(ctx context.Context, tx *gorm.DB, orderNo string) (*model.Order, error) {
	return r.first(tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("order_no = ?", orderNo))
}

// GetByRequestID 找不到返回 nil, nil
func (r *OrderRepository) GetByRequestID(ctx context.Context, requestID string) (*model.Order, error) {
	order, err := r.first(r.db.WithContext(ctx).Where("request_id = ?", requestID))
	if errors.Is(err, ErrOrderNotFound) {
		return nil, nil
	}
	return order, err
}

func (r *OrderRepository) first(query *gorm.DB) (*model.Order, error) {
	var order model.Order
	if err := query.First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus 带状态机校验的条件更新，fromStatus 不匹配时返回 ErrOrderStatusInvalid
func (r *OrderRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, orderID int64, fromStatus, toStatus string) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrOrderStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	now := time.Now()
	switch toStatus {
	case model.OrderStatusPaid:
		updates["paid_at"] = &now
	case model.OrderStatusCompleted:
		updates["completed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND status = ?", orderID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOrderStatusInvalid
	}

	return nil
}

// Save 整行写回，调用方已持有行锁
func (r *OrderRepository) Save(ctx context.Context, tx *gorm.DB, order *model.Order) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Save(order).Error
}

type OrderFilter struct {
	UserID int64
	Status string
	Type   string
}

func (r *OrderRepository) List(ctx context.Context, filter OrderFilter, page, pageSize int) ([]*model.Order, int64, error) {
	var orders []*model.Order
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Order{}).Where("user_id = ?", filter.UserID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&orders).Error

	return orders, total, err
}
