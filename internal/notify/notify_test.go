package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"giftpocket/internal/model"
	"giftpocket/internal/repository"
	"giftpocket/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

type recordingChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Notification
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return c.err
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type panickingChannel struct{}

func (panickingChannel) Name() string { return "panics" }

func (panickingChannel) Send(context.Context, Notification) error {
	panic("boom")
}

func TestDispatcher_DeliversToEveryChannel(t *testing.T) {
	ok := &recordingChannel{name: "ok"}
	failing := &recordingChannel{name: "failing", err: errors.New("smtp down")}

	d := NewDispatcher(zap.NewNop(), 16, 2, panickingChannel{}, failing, ok)
	d.Start()

	for i := 0; i < 5; i++ {
		d.Notify(Notification{UserID: int64(i), Type: TypePaymentSuccess})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.Stop(ctx)

	assert.Equal(t, 5, ok.count())
	assert.Equal(t, 5, failing.count())
}

func TestDispatcher_NotifyNeverBlocks(t *testing.T) {
	ch := &recordingChannel{name: "ok"}
	// not started: nothing drains the queue
	d := NewDispatcher(zap.NewNop(), 2, 1, ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Notify(Notification{UserID: 1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
	assert.Len(t, d.queue, 2)
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	ch := &recordingChannel{name: "ok"}
	d := NewDispatcher(zap.NewNop(), 8, 1, ch)

	d.Notify(Notification{UserID: 1})
	d.Notify(Notification{UserID: 2})
	d.Start()
	d.Stop(context.Background())

	assert.Equal(t, 2, ch.count())

	d.Notify(Notification{UserID: 3})
	assert.Equal(t, 2, ch.count())
}

func TestOutboxChannel_Send(t *testing.T) {
	db := testutil.NewDB(t)
	outbox := repository.NewOutboxRepository(db)
	ch := NewOutboxChannel(outbox, "giftpocket.notification")

	n := Notification{
		UserID:  42,
		Type:    TypePaymentSuccess,
		Title:   "Payment received",
		Message: "Your wallet was credited with NGN 50.00",
		Data:    map[string]interface{}{"reference": "TXN1234567"},
	}
	require.NoError(t, ch.Send(context.Background(), n))

	pending, err := outbox.GetPendingMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	msg := pending[0]
	assert.Equal(t, int64(42), msg.UserID)
	assert.Equal(t, TypePaymentSuccess, msg.Type)
	assert.Equal(t, "42", msg.MessageKey)
	assert.Equal(t, "giftpocket.notification", msg.Topic)
	assert.Equal(t, model.OutboxStatusPending, msg.Status)

	var decoded Notification
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &decoded))
	assert.Equal(t, n.Type, decoded.Type)
	assert.Equal(t, "TXN1234567", decoded.Data["reference"])
}

type mockMailSender struct {
	mock.Mock
}

func (m *mockMailSender) DialAndSend(msgs ...*gomail.Message) error {
	args := m.Called(msgs)
	return args.Error(0)
}

func TestEmailChannel_Send(t *testing.T) {
	sender := new(mockMailSender)
	sender.On("DialAndSend", mock.MatchedBy(func(msgs []*gomail.Message) bool {
		if len(msgs) != 1 {
			return false
		}
		to := msgs[0].GetHeader("To")
		subject := msgs[0].GetHeader("Subject")
		return len(to) == 1 && to[0] == "ada@example.com" &&
			len(subject) == 1 && subject[0] == "Payment received"
	})).Return(nil).Once()

	ch := NewEmailChannelWithSender(sender, "noreply@giftpocket.test")
	err := ch.Send(context.Background(), Notification{
		UserID:  1,
		Email:   "ada@example.com",
		Title:   "Payment received",
		Message: "<credited>",
	})
	require.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestEmailChannel_SkipsWithoutAddress(t *testing.T) {
	sender := new(mockMailSender)
	ch := NewEmailChannelWithSender(sender, "noreply@giftpocket.test")

	err := ch.Send(context.Background(), Notification{UserID: 1, Title: "x"})
	assert.ErrorIs(t, err, ErrSkipped)
	sender.AssertNotCalled(t, "DialAndSend", mock.Anything)
}

func TestEmailChannel_WrapsSendError(t *testing.T) {
	sender := new(mockMailSender)
	sender.On("DialAndSend", mock.Anything).Return(errors.New("dial tcp: refused"))

	ch := NewEmailChannelWithSender(sender, "noreply@giftpocket.test")
	err := ch.Send(context.Background(), Notification{Email: "a@b.c", Title: "t"})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "send email"))
}

type capturePublisher struct {
	calls chan [3]string
	err   error
}

func (p *capturePublisher) SendMessage(topic, key, value string) error {
	p.calls <- [3]string{topic, key, value}
	return p.err
}

func TestKafkaAlerter_Alert(t *testing.T) {
	pub := &capturePublisher{calls: make(chan [3]string, 1)}
	alerter := NewKafkaAlerter(pub, "giftpocket.alert", zap.NewNop())

	alerter.Alert(Alert{
		Source:  "webhook",
		Message: "webhook processing failed",
		Error:   "database is locked",
		Fields:  map[string]interface{}{"event": "charge.completed"},
	})

	select {
	case call := <-pub.calls:
		assert.Equal(t, "giftpocket.alert", call[0])
		assert.Equal(t, "webhook", call[1])

		var decoded Alert
		require.NoError(t, json.Unmarshal([]byte(call[2]), &decoded))
		assert.Equal(t, "database is locked", decoded.Error)
		assert.False(t, decoded.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not published")
	}
}
