package notify

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Publisher is satisfied by *mq.Producer.
type Publisher interface {
	SendMessage(topic, key, value string) error
}

type Alert struct {
	Source  string                 `json:"source"`
	Message string                 `json:"message"`
	Error   string                 `json:"error,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	At      time.Time              `json:"at"`
}

// KafkaAlerter reports internal failures to the monitoring topic. Publishing
// runs in its own goroutine; failures are only logged.
type KafkaAlerter struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

func NewKafkaAlerter(publisher Publisher, topic string, logger *zap.Logger) *KafkaAlerter {
	return &KafkaAlerter{publisher: publisher, topic: topic, logger: logger.Named("alert")}
}

func (a *KafkaAlerter) Alert(alert Alert) {
	if alert.At.IsZero() {
		alert.At = time.Now()
	}
	go a.publish(alert)
}

func (a *KafkaAlerter) publish(alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("alert publish panicked", zap.Any("panic", r))
		}
	}()

	payload, err := json.Marshal(alert)
	if err != nil {
		a.logger.Error("encode alert", zap.Error(err))
		return
	}
	if err := a.publisher.SendMessage(a.topic, alert.Source, string(payload)); err != nil {
		a.logger.Error("publish alert failed", zap.String("source", alert.Source), zap.Error(err))
	}
}
