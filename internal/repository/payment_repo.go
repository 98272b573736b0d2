package repository

import (
	"context"
	"errors"
	"time"

	"proxyhub/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrPaymentNotFound = errors.New("支付记录不存在")

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(payment).Error
}

func (r *PaymentRepository) GetByPaymentID(ctx context.Context, paymentID string) (*model.Payment, error) {
	return r.first(r.db.WithContext(ctx).Where("payment_id = ?", paymentID))
}

// GetByPaymentIDForUpdate 对支付行加排他锁，同一 payment_id 的确认操作在这里串行化
func (r *PaymentRepository) GetByPaymentIDForUpdate(ctx context.Context, tx *gorm.DB, paymentID string) (*model.Payment, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("payment_id = ?", paymentID))
}

// GetLatestByOrderNo 按订单号找最近一次支付（webhook 只带 order_id 时使用）
func (r *PaymentRepository) GetLatestByOrderNo(ctx context.Context, orderNo string) (*model.Payment, error) {
	return r.first(r.db.WithContext(ctx).
		Joins("JOIN orders ON orders.id = payments.order_id").
		Where("orders.order_no = ?", orderNo).
		Order("payments.id DESC"))
}

func (r *PaymentRepository) ListByOrderID(ctx context.Context, orderID int64) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id DESC").
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) GetPendingByOrderID(ctx context.Context, tx *gorm.DB, orderID int64) ([]*model.Payment, error) {
	if tx == nil {
		tx = r.db
	}
	var payments []*model.Payment
	err := tx.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, model.PaymentStatusPending).
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) first(query *gorm.DB) (*model.Payment, error) {
	var payment model.Payment
	if err := query.First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// Save 整行写回，调用方已持有行锁
func (r *PaymentRepository) Save(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Save(payment).Error
}

// GetExpiredPending 已过期但仍是 pending 的支付
func (r *PaymentRepository) GetExpiredPending(ctx context.Context, now time.Time, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", model.PaymentStatusPending, now).
		Order("id ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// GetStalePending 一段时间没有收到任何通知的加密货币支付，需要主动向上游查询
func (r *PaymentRepository) GetStalePending(ctx context.Context, before time.Time, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND method = ? AND updated_at < ?", model.PaymentStatusPending, model.PaymentMethodCrypto, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// GetRecentlyLapsed 过期时间晚于 expiredAfter、且 untouchedBefore 之后没有更新过的过期/取消加密货币支付
func (r *PaymentRepository) GetRecentlyLapsed(ctx context.Context, expiredAfter, untouchedBefore time.Time, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.db.WithContext(ctx).
		Where("status IN ? AND method = ?",
			[]model.PaymentStatus{model.PaymentStatusExpired, model.PaymentStatusCancelled}, model.PaymentMethodCrypto).
		Where("expires_at > ? AND updated_at < ?", expiredAfter, untouchedBefore).
		Order("updated_at ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

// GetConfirmedUncredited 支付已确认但充值订单未入账，说明之前的确认过程出现过不一致
func (r *PaymentRepository) GetConfirmedUncredited(ctx context.Context, limit int) ([]*model.Payment, error) {
	var payments []*model.Payment
	err := r.db.WithContext(ctx).
		Joins("JOIN orders ON orders.id = payments.order_id").
		Where("payments.status = ? AND orders.type = ? AND orders.credited_at IS NULL AND orders.status <> ?",
			model.PaymentStatusConfirmed, model.OrderTypeRecharge, model.OrderStatusRefunded).
		Order("payments.id ASC").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}
