package service

import (
	"giftpocket/internal/model"
)

// Code is the discriminated result of a reconciliation. Every expected
// failure mode is a Code; only storage or programming errors are returned
// as error.
type Code string

const (
	CodeAlreadyProcessed    Code = "ALREADY_PROCESSED"
	CodeVerifiedCreated     Code = "VERIFIED_CREATED"
	CodeVerifiedSuccess     Code = "VERIFIED_SUCCESS"
	CodeVerificationFailed  Code = "VERIFICATION_FAILED"
	CodeInvalidReference    Code = "INVALID_REFERENCE"
	CodeTransactionNotFound Code = "TRANSACTION_NOT_FOUND"
	CodeInternalError       Code = "INTERNAL_ERROR"
)

// Succeeded reports whether the reference ended up completed and credited,
// now or by an earlier call.
func (c Code) Succeeded() bool {
	switch c {
	case CodeAlreadyProcessed, CodeVerifiedCreated, CodeVerifiedSuccess:
		return true
	}
	return false
}

// Sources name what triggered a reconciliation.
const (
	SourcePoll    = "poll"
	SourceWebhook = "webhook"
	SourceSweeper = "sweeper"
	SourceCLI     = "cli"
)

type Outcome struct {
	Code           Code               `json:"code"`
	Reference      string             `json:"reference"`
	Transaction    *model.Transaction `json:"transaction,omitempty"`
	Balance        *int64             `json:"balance,omitempty"`
	AmountMismatch bool               `json:"amount_mismatch,omitempty"`
	Error          string             `json:"error,omitempty"`
}

func (o *Outcome) withWallet(w *model.Wallet) *Outcome {
	if w != nil {
		balance := w.Balance
		o.Balance = &balance
	}
	return o
}
