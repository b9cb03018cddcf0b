package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"giftpocket/internal/metrics"

	"go.uber.org/zap"
)

const sendTimeout = 10 * time.Second

// Dispatcher fans notifications out to its channels from a bounded queue.
// Notify never blocks: when the queue is full the notification is dropped.
type Dispatcher struct {
	queue    chan Notification
	channels []Channel
	workers  int
	logger   *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewDispatcher(logger *zap.Logger, queueSize, workers int, channels ...Channel) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		queue:    make(chan Notification, queueSize),
		channels: channels,
		workers:  workers,
		logger:   logger.Named("notify"),
		stopCh:   make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	d.logger.Info("notification dispatcher started", zap.Int("workers", d.workers), zap.Int("channels", len(d.channels)))
}

// Stop lets the workers drain what is already queued, then returns. It gives
// up waiting when ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.stopOnce.Do(func() { close(d.stopCh) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("notification dispatcher stopped")
	case <-ctx.Done():
		d.logger.Warn("notification dispatcher stop timed out", zap.Int("pending", len(d.queue)))
	}
}

func (d *Dispatcher) Notify(n Notification) {
	select {
	case <-d.stopCh:
		d.drop(n, "stopped")
		return
	default:
	}

	select {
	case d.queue <- n:
	default:
		d.drop(n, "queue full")
	}
}

func (d *Dispatcher) drop(n Notification, reason string) {
	metrics.Notifications.WithLabelValues("queue", "dropped").Inc()
	d.logger.Warn("notification dropped",
		zap.String("reason", reason),
		zap.Int64("user_id", n.UserID),
		zap.String("type", n.Type))
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-d.stopCh:
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(n Notification) {
	for _, ch := range d.channels {
		err := d.send(ch, n)
		switch {
		case err == nil:
			metrics.Notifications.WithLabelValues(ch.Name(), "sent").Inc()
		case errors.Is(err, ErrSkipped):
			metrics.Notifications.WithLabelValues(ch.Name(), "skipped").Inc()
		default:
			metrics.Notifications.WithLabelValues(ch.Name(), "failed").Inc()
			d.logger.Error("notification delivery failed",
				zap.String("channel", ch.Name()),
				zap.Int64("user_id", n.UserID),
				zap.String("type", n.Type),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) send(ch Channel, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", ch.Name(), r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	return ch.Send(ctx, n)
}
