package repository

import (
	"context"

	"proxyhub/internal/model"

	"gorm.io/gorm"
)

// OutboxRepository 事务消息表
// Create 必须传入业务事务，消息和余额变动一起提交
type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(msg).Error
}

// GetPendingMessages 按写入顺序取待投递消息，同一订单的事件保持先后
func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// MarkAsSent 只更新仍是 PENDING 的消息，多实例重复投递时不会覆盖 FAILED
func (r *OutboxRepository) MarkAsSent(ctx context.Context, id int64) error {
	return r.pending(ctx, id).Update("status", model.OutboxStatusSent).Error
}

func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.pending(ctx, id).UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

// MarkAsFailed 最后一次失败同样计入重试次数
func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.pending(ctx, id).Updates(map[string]interface{}{
		"status":      model.OutboxStatusFailed,
		"retry_count": gorm.Expr("retry_count + 1"),
	}).Error
}

// CountByStatus 运维排查积压用
func (r *OutboxRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.OutboxMessage{}).Where("status = ?", status).Count(&n).Error
	return n, err
}

func (r *OutboxRepository) pending(ctx context.Context, id int64) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending)
}
