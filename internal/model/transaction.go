package model

import (
	"time"
)

const (
	TransactionTypeCredit = "credit"
	TransactionTypeDebit  = "debit"
)

const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

// ValidStatusTransitions completed is terminal. failed -> failed is a repeated
// verification failure and only appends an attempt.
var ValidStatusTransitions = map[string][]string{
	TransactionStatusPending: {TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusFailed:  {TransactionStatusCompleted, TransactionStatusFailed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Transaction is one payment attempt identified by its provider or internal
// reference. Rows are never deleted; failed attempts stay for audit.
type Transaction struct {
	ID            int64               `gorm:"primaryKey;autoIncrement" json:"id"`
	Reference     string              `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference"`
	UserID        int64               `gorm:"index;not null" json:"user_id"`
	Amount        int64               `gorm:"not null" json:"amount"` // minor units
	Currency      string              `gorm:"type:varchar(8);not null;default:NGN" json:"currency"`
	Type          string              `gorm:"type:varchar(10);not null" json:"type"`
	Status        string              `gorm:"type:varchar(20);index;not null" json:"status"`
	PaymentMethod string              `gorm:"type:varchar(32)" json:"payment_method"`
	Description   string              `gorm:"type:varchar(256)" json:"description"`
	Metadata      TransactionMetadata `gorm:"type:text;serializer:json" json:"metadata"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	CreatedAt     time.Time           `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "payment_transaction"
}

func (t *Transaction) IsCompleted() bool {
	return t.Status == TransactionStatusCompleted
}

// TransactionMetadata holds the opaque provider payload plus the audit trail
// of verification attempts.
type TransactionMetadata struct {
	Provider             string                 `json:"provider,omitempty"`
	ProviderTxID         string                 `json:"provider_tx_id,omitempty"`
	Source               string                 `json:"source,omitempty"`
	VerifiedAt           *time.Time             `json:"verified_at,omitempty"`
	VerificationAttempts int                    `json:"verification_attempts"`
	Attempts             []VerificationAttempt  `json:"attempts,omitempty"`
	AmountMismatch       *AmountMismatch        `json:"amount_mismatch,omitempty"`
	Payload              map[string]interface{} `json:"payload,omitempty"`
}

// RecordAttempt appends an attempt and keeps the counter in step with it.
func (m *TransactionMetadata) RecordAttempt(a VerificationAttempt) {
	m.VerificationAttempts++
	a.Index = m.VerificationAttempts
	m.Attempts = append(m.Attempts, a)
}

const (
	AttemptOutcomeVerified = "verified"
	AttemptOutcomeFailed   = "failed"
)

type VerificationAttempt struct {
	Index         int       `json:"index"`
	At            time.Time `json:"at"`
	Outcome       string    `json:"outcome"`
	Source        string    `json:"source,omitempty"`
	UpstreamTries int       `json:"upstream_tries,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// AmountMismatch is left on the transaction for manual review. The verified
// amount is the one credited.
type AmountMismatch struct {
	Expected  int64     `json:"expected"`
	Verified  int64     `json:"verified"`
	FlaggedAt time.Time `json:"flagged_at"`
}
