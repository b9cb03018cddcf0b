package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"giftpocket/internal/model"
	"giftpocket/internal/repository"
)

// OutboxChannel stores in-app notifications in the outbox table. The outbox
// sender job relays them to Kafka.
type OutboxChannel struct {
	outbox *repository.OutboxRepository
	topic  string
}

func NewOutboxChannel(outbox *repository.OutboxRepository, topic string) *OutboxChannel {
	return &OutboxChannel{outbox: outbox, topic: topic}
}

func (c *OutboxChannel) Name() string {
	return "in_app"
}

func (c *OutboxChannel) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return c.outbox.Create(ctx, nil, &model.OutboxMessage{
		UserID:     n.UserID,
		Type:       n.Type,
		MessageKey: strconv.FormatInt(n.UserID, 10),
		Topic:      c.topic,
		Payload:    string(payload),
	})
}
