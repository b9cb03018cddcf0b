package job

import (
	"context"
	"sync"
	"time"

	"giftpocket/internal/model"
	"giftpocket/internal/repository"

	"go.uber.org/zap"
)

// Publisher is satisfied by *mq.Producer.
type Publisher interface {
	SendMessage(topic, key, value string) error
}

// OutboxSender relays pending outbox messages to Kafka. A message that keeps
// failing is parked as FAILED after maxRetry attempts.
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	publisher  Publisher
	maxRetry   int
	interval   time.Duration
	batchSize  int
	logger     *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewOutboxSender(outboxRepo *repository.OutboxRepository, publisher Publisher, maxRetry int, logger *zap.Logger) *OutboxSender {
	return &OutboxSender{
		outboxRepo: outboxRepo,
		publisher:  publisher,
		maxRetry:   maxRetry,
		interval:   500 * time.Millisecond,
		batchSize:  100,
		logger:     logger.Named("outbox_sender"),
		stopCh:     make(chan struct{}),
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("outbox sender started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("outbox sender exiting", zap.Error(ctx.Err()))
			return
		case <-s.stopCh:
			s.logger.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("load pending outbox messages", zap.Error(err))
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	err := s.publisher.SendMessage(msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			s.logger.Error("mark outbox message sent", zap.Int64("id", msg.ID), zap.Error(err))
		}
		return
	}

	parked, recordErr := s.outboxRepo.RecordFailure(ctx, msg, err, s.maxRetry)
	if recordErr != nil {
		s.logger.Error("record outbox failure", zap.Int64("id", msg.ID), zap.Error(recordErr))
		return
	}
	if parked {
		s.logger.Error("outbox message parked after max retries",
			zap.Int64("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.String("type", msg.Type),
			zap.Int64("user_id", msg.UserID),
			zap.Int("retry_count", msg.RetryCount),
			zap.Error(err))
		return
	}
	s.logger.Warn("outbox message send failed",
		zap.Int64("id", msg.ID),
		zap.Int("retry_count", msg.RetryCount),
		zap.Error(err))
}
