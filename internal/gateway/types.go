package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const PaymentStatusSuccessful = "successful"

type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone_number"`
}

// VerifiedPayment is the provider's view of a charge. Amount is in minor units.
type VerifiedPayment struct {
	ID          string                 `json:"id"`
	TxRef       string                 `json:"tx_ref"`
	Amount      int64                  `json:"amount"`
	Currency    string                 `json:"currency"`
	Status      string                 `json:"status"`
	PaymentType string                 `json:"payment_type"`
	Customer    Customer               `json:"customer"`
	Raw         map[string]interface{} `json:"-"`
}

func (p *VerifiedPayment) Successful() bool {
	return strings.EqualFold(p.Status, PaymentStatusSuccessful)
}

// VerificationResult is what Verify returns instead of an error. Callers
// branch on Success.
type VerificationResult struct {
	Success  bool
	Payment  *VerifiedPayment
	Attempts int
	Duration time.Duration
	Error    string
}

// UpstreamError is a non-2xx answer from the provider.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, e.Body)
}

var (
	ErrEmptyData         = errors.New("provider response has no data")
	ErrReferenceMismatch = errors.New("provider returned a different tx_ref")
	ErrInvalidAmount     = errors.New("amount is not representable in minor units")
)

type chargeData struct {
	ID          json.Number     `json:"id"`
	TxRef       string          `json:"tx_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	PaymentType string          `json:"payment_type"`
	Customer    Customer        `json:"customer"`
}

// ParseCharge decodes a provider charge object, as found in the verify
// response and in charge webhooks.
func ParseCharge(raw json.RawMessage) (*VerifiedPayment, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrEmptyData
	}

	var data chargeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode charge: %w", err)
	}

	var rawMap map[string]interface{}
	if err := json.Unmarshal(raw, &rawMap); err != nil {
		return nil, fmt.Errorf("decode charge payload: %w", err)
	}

	amount, err := ToMinorUnits(data.Amount)
	if err != nil {
		return nil, fmt.Errorf("decode charge: %w", err)
	}

	return &VerifiedPayment{
		ID:          data.ID.String(),
		TxRef:       data.TxRef,
		Amount:      amount,
		Currency:    strings.ToUpper(data.Currency),
		Status:      strings.ToLower(data.Status),
		PaymentType: data.PaymentType,
		Customer:    data.Customer,
		Raw:         rawMap,
	}, nil
}

var (
	hundred  = decimal.NewFromInt(100)
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// ToMinorUnits converts a major-unit amount such as 50.25 into 5025. Amounts
// finer than one minor unit or outside int64 are rejected, never rounded.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	minor := amount.Mul(hundred)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than two decimal places", ErrInvalidAmount, amount)
	}
	if minor.GreaterThan(maxMinor) || minor.LessThan(minMinor) {
		return 0, fmt.Errorf("%w: %s overflows", ErrInvalidAmount, amount)
	}
	return minor.IntPart(), nil
}
