package repository

import (
	"context"
	"errors"

	"proxyhub/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

// ExistsByOrderAndType 同一订单同一类型的流水是否已经写过
func (r *TransactionRepository) ExistsByOrderAndType(ctx context.Context, tx *gorm.DB, orderID int64, transType string) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("order_id = ? AND type = ?", orderID, transType).
		Count(&count).Error
	return count > 0, err
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	var transactions []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

type BalanceLogRepository struct {
	db *gorm.DB
}

func NewBalanceLogRepository(db *gorm.DB) *BalanceLogRepository {
	return &BalanceLogRepository{db: db}
}

func (r *BalanceLogRepository) Create(ctx context.Context, tx *gorm.DB, log *model.BalanceLog) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(log).Error
}

func (r *BalanceLogRepository) ExistsByOrderAndType(ctx context.Context, tx *gorm.DB, orderID int64, logType string) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.BalanceLog{}).
		Where("related_order_id = ? AND type = ?", orderID, logType).
		Count(&count).Error
	return count > 0, err
}

func (r *BalanceLogRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.BalanceLog, int64, error) {
	var logs []*model.BalanceLog
	var total int64

	query := r.db.WithContext(ctx).Model(&model.BalanceLog{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&logs).Error

	return logs, total, err
}
