// Package notify delivers user-facing payment notifications off the request
// path. Delivery failures are logged and counted, never returned to callers.
package notify

import (
	"context"
	"errors"
)

const (
	TypePaymentSuccess = "payment_success"
	TypePaymentFailed  = "payment_failed"
)

type Notification struct {
	UserID  int64                  `json:"user_id"`
	Email   string                 `json:"email,omitempty"`
	Type    string                 `json:"type"`
	Title   string                 `json:"title"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Channel is one delivery route. Send returning ErrSkipped means the channel
// does not apply to this notification.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

var ErrSkipped = errors.New("notification skipped by channel")
