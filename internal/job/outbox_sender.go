package job

import (
	"context"
	"time"

	"proxyhub/internal/config"
	"proxyhub/internal/model"
	"proxyhub/internal/repository"
	"proxyhub/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MessageProducer 消息投递，生产环境是 mq.Producer
type MessageProducer interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender 轮询 outbox 表，把入账、扣款、退款事件投递到 Kafka
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	producer   MessageProducer
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, producer MessageProducer, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		producer:   producer,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   500 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	logger.Info(ctx, "outbox 投递任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "outbox 投递任务收到停止信号，退出")
			return
		case <-s.stopCh:
			logger.Info(ctx, "outbox 投递任务停止")
			return
		case <-ticker.C:
			s.ProcessPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// ProcessPendingMessages 处理一批待投递消息，返回成功投递的条数
func (s *OutboxSender) ProcessPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		logger.Error(ctx, "查询待投递消息失败", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}

	// 一批取满说明有积压
	if len(messages) == s.batchSize {
		if backlog, err := s.outboxRepo.CountByStatus(ctx, model.OutboxStatusPending); err == nil {
			logger.Warn(ctx, "outbox 消息积压", zap.Int64("pending", backlog), zap.Int("sent", sent))
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	err := s.producer.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if updateErr := s.outboxRepo.MarkAsSent(ctx, msg.ID); updateErr != nil {
			// 状态没更新下次会重投，消费方按 message key 去重
			logger.Error(ctx, "更新消息状态失败", zap.Int64("id", msg.ID), zap.Error(updateErr))
			return false
		}
		logger.Debug(ctx, "消息投递成功",
			zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.String("key", msg.MessageKey))
		return true
	}

	logger.Warn(ctx, "消息投递失败", zap.Int64("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(err))

	if msg.RetryCount+1 >= s.maxRetryCount() {
		if markErr := s.outboxRepo.MarkAsFailed(ctx, msg.ID); markErr != nil {
			logger.Error(ctx, "标记消息失败状态失败", zap.Int64("id", msg.ID), zap.Error(markErr))
		} else {
			logger.Error(ctx, "消息超过最大重试次数，标记为失败",
				zap.Int64("id", msg.ID), zap.String("key", msg.MessageKey))
		}
		return false
	}

	if incErr := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); incErr != nil {
		logger.Error(ctx, "增加重试次数失败", zap.Int64("id", msg.ID), zap.Error(incErr))
	}
	return false
}

func (s *OutboxSender) maxRetryCount() int {
	if s.cfg.Business.MaxRetryCount > 0 {
		return s.cfg.Business.MaxRetryCount
	}
	return 5
}
