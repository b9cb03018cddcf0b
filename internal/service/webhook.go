package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"giftpocket/internal/gateway"
	"giftpocket/internal/metrics"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	EventChargeCompleted      = "charge.completed"
	EventVirtualAccountCredit = "virtual-account.credit"
)

var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is one of ChargeCompleted, VirtualAccountCredit or UnhandledEvent.
type Event interface {
	EventType() string
	isEvent()
}

type ChargeCompleted struct {
	Payment *gateway.VerifiedPayment
}

type VirtualAccountCredit struct {
	Reference     string
	Amount        int64 // minor units
	Currency      string
	AccountNumber string
}

// UnhandledEvent is acknowledged and ignored.
type UnhandledEvent struct {
	Type string
}

func (ChargeCompleted) EventType() string      { return EventChargeCompleted }
func (VirtualAccountCredit) EventType() string { return EventVirtualAccountCredit }
func (u UnhandledEvent) EventType() string     { return u.Type }

func (ChargeCompleted) isEvent()      {}
func (VirtualAccountCredit) isEvent() {}
func (UnhandledEvent) isEvent()       {}

type webhookEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type virtualAccountData struct {
	TxRef         string          `json:"tx_ref"`
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	AccountNumber string          `json:"account_number"`
}

func ParseEvent(body []byte) (Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Event {
	case EventChargeCompleted:
		payment, err := gateway.ParseCharge(env.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return ChargeCompleted{Payment: payment}, nil

	case EventVirtualAccountCredit:
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("%w: missing data", ErrMalformedEvent)
		}
		var data virtualAccountData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		amount, err := gateway.ToMinorUnits(data.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		reference := data.TxRef
		if reference == "" {
			reference = data.Reference
		}
		return VirtualAccountCredit{
			Reference:     reference,
			Amount:        amount,
			Currency:      strings.ToUpper(data.Currency),
			AccountNumber: data.AccountNumber,
		}, nil

	default:
		return UnhandledEvent{Type: env.Event}, nil
	}
}

// Settler is the part of *Engine the webhook path needs.
type Settler interface {
	ApplyVerified(ctx context.Context, reference string, payment *gateway.VerifiedPayment, source string) (*Outcome, error)
	CompletePending(ctx context.Context, reference string, amount int64, currency, source string) (*Outcome, error)
}

const (
	WebhookStatusSuccess = "success"
	WebhookStatusPartial = "partial"
)

type WebhookResult struct {
	Status        string   `json:"status"`
	Event         string   `json:"event,omitempty"`
	TransactionID int64    `json:"transactionId,omitempty"`
	Details       string   `json:"details,omitempty"`
	Outcome       *Outcome `json:"-"`
}

type WebhookProcessor struct {
	settler Settler
	logger  *zap.Logger
}

func NewWebhookProcessor(settler Settler, logger *zap.Logger) *WebhookProcessor {
	return &WebhookProcessor{settler: settler, logger: logger.Named("webhook")}
}

// Handle processes an authenticated webhook body. The signature must have
// been checked by the caller. An error means processing failed and the
// provider should redeliver.
func (p *WebhookProcessor) Handle(ctx context.Context, body []byte) (*WebhookResult, error) {
	event, err := ParseEvent(body)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unknown", "malformed").Inc()
		p.logger.Warn("webhook payload not understood", zap.Error(err))
		return &WebhookResult{Status: WebhookStatusPartial, Details: err.Error()}, nil
	}

	var outcome *Outcome
	switch ev := event.(type) {
	case ChargeCompleted:
		outcome, err = p.settler.ApplyVerified(ctx, ev.Payment.TxRef, ev.Payment, SourceWebhook)
	case VirtualAccountCredit:
		outcome, err = p.settler.CompletePending(ctx, ev.Reference, ev.Amount, ev.Currency, SourceWebhook)
	case UnhandledEvent:
		metrics.WebhookEvents.WithLabelValues(ev.Type, "ignored").Inc()
		p.logger.Info("unhandled webhook event acknowledged", zap.String("event", ev.Type))
		return &WebhookResult{
			Status:  WebhookStatusPartial,
			Event:   ev.Type,
			Details: fmt.Sprintf("event type %q is not handled", ev.Type),
		}, nil
	}
	if err != nil {
		metrics.WebhookEvents.WithLabelValues(event.EventType(), "error").Inc()
		return nil, err
	}

	result := &WebhookResult{Event: event.EventType(), Outcome: outcome}
	if outcome.Code.Succeeded() {
		result.Status = WebhookStatusSuccess
		if outcome.Transaction != nil {
			result.TransactionID = outcome.Transaction.ID
		}
	} else {
		result.Status = WebhookStatusPartial
		result.Details = string(outcome.Code)
		if outcome.Error != "" {
			result.Details += ": " + outcome.Error
		}
	}
	metrics.WebhookEvents.WithLabelValues(event.EventType(), result.Status).Inc()
	return result, nil
}
