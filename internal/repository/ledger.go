package repository

import (
	"context"
	"errors"
	"time"

	"giftpocket/internal/model"

	"gorm.io/gorm"
)

// Ledger owns every write that moves a transaction to a terminal state. Each
// method is one database transaction, so a completed transaction and its
// wallet credit are committed together.
type Ledger struct {
	db           *gorm.DB
	transactions *TransactionRepository
	wallets      *WalletRepository
}

func NewLedger(db *gorm.DB, transactions *TransactionRepository, wallets *WalletRepository) *Ledger {
	return &Ledger{
		db:           db,
		transactions: transactions,
		wallets:      wallets,
	}
}

func (l *Ledger) GetByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	return l.transactions.GetByReference(ctx, reference)
}

// CreateCompleted records a payment first seen already verified and credits
// it. created is false when another writer stored the reference first; in
// that case nothing is written and the stored row is returned.
func (l *Ledger) CreateCompleted(ctx context.Context, txn *model.Transaction) (stored *model.Transaction, wallet *model.Wallet, created bool, err error) {
	if txn.Status != model.TransactionStatusCompleted {
		return nil, nil, false, ErrInvalidTransition
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err = l.transactions.CreateIfAbsent(ctx, tx, txn)
		if err != nil || !created {
			return err
		}
		wallet, _, err = l.wallets.Credit(ctx, tx, creditParamsFor(txn))
		return err
	})
	if err != nil {
		return nil, nil, false, err
	}

	if !created {
		stored, err = l.transactions.GetByReference(ctx, txn.Reference)
		return stored, nil, false, err
	}
	return txn, wallet, true, nil
}

type CompletionParams struct {
	Amount       int64
	Currency     string
	Provider     string
	ProviderTxID string
	Source       string
	VerifiedAt   time.Time
	Attempt      model.VerificationAttempt
	Mismatch     *model.AmountMismatch
	Payload      map[string]interface{}
}

// Complete moves a pending or failed transaction to completed and credits the
// wallet with the verified amount. If the row is already completed the stored
// row is returned with ErrAlreadyCompleted and nothing is written.
func (l *Ledger) Complete(ctx context.Context, reference string, p CompletionParams) (*model.Transaction, *model.Wallet, error) {
	var (
		txn    *model.Transaction
		wallet *model.Wallet
	)

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := l.transactions.GetByReferenceForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		txn = current
		if current.IsCompleted() {
			return ErrAlreadyCompleted
		}

		fromStatus := current.Status
		verifiedAt := p.VerifiedAt
		if verifiedAt.IsZero() {
			verifiedAt = time.Now()
		}

		meta := current.Metadata
		meta.Provider = p.Provider
		meta.ProviderTxID = p.ProviderTxID
		meta.Source = p.Source
		meta.VerifiedAt = &verifiedAt
		if p.Payload != nil {
			meta.Payload = p.Payload
		}
		if p.Mismatch != nil {
			meta.AmountMismatch = p.Mismatch
		}
		p.Attempt.Outcome = model.AttemptOutcomeVerified
		meta.RecordAttempt(p.Attempt)

		current.Status = model.TransactionStatusCompleted
		current.Amount = p.Amount
		current.Metadata = meta
		current.CompletedAt = &verifiedAt
		if p.Currency != "" {
			current.Currency = p.Currency
		}

		if err := l.transactions.UpdateStatus(ctx, tx, current, fromStatus); err != nil {
			return err
		}

		wallet, _, err = l.wallets.Credit(ctx, tx, creditParamsFor(current))
		return err
	})

	switch {
	case err == nil:
		return txn, wallet, nil
	case errors.Is(err, ErrAlreadyCompleted):
		return txn, nil, err
	case errors.Is(err, ErrStatusConflict):
		// The row moved under us; report what is stored now.
		stored, getErr := l.transactions.GetByReference(ctx, reference)
		if getErr == nil && stored.IsCompleted() {
			return stored, nil, ErrAlreadyCompleted
		}
		return nil, nil, err
	default:
		return nil, nil, err
	}
}

// MarkFailed records a failed verification. The transaction stays failed and
// can be verified again later. A completed row is left untouched and returned
// with ErrAlreadyCompleted.
func (l *Ledger) MarkFailed(ctx context.Context, reference string, attempt model.VerificationAttempt) (*model.Transaction, error) {
	var txn *model.Transaction

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := l.transactions.GetByReferenceForUpdate(ctx, tx, reference)
		if err != nil {
			return err
		}
		txn = current
		if current.IsCompleted() {
			return ErrAlreadyCompleted
		}

		fromStatus := current.Status
		attempt.Outcome = model.AttemptOutcomeFailed
		current.Metadata.RecordAttempt(attempt)
		current.Status = model.TransactionStatusFailed

		return l.transactions.UpdateStatus(ctx, tx, current, fromStatus)
	})

	switch {
	case err == nil:
		return txn, nil
	case errors.Is(err, ErrAlreadyCompleted):
		return txn, err
	case errors.Is(err, ErrStatusConflict):
		stored, getErr := l.transactions.GetByReference(ctx, reference)
		if getErr == nil && stored.IsCompleted() {
			return stored, ErrAlreadyCompleted
		}
		return nil, err
	default:
		return nil, err
	}
}

// Credit replays the credit step for a completed transaction. It is safe to
// call any number of times for the same transaction.
func (l *Ledger) Credit(ctx context.Context, transactionID int64) (*model.Wallet, bool, error) {
	txn, err := l.transactions.GetByID(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	if !txn.IsCompleted() || txn.Type != model.TransactionTypeCredit {
		return nil, false, ErrInvalidTransition
	}
	return l.wallets.Credit(ctx, nil, creditParamsFor(txn))
}

func creditParamsFor(txn *model.Transaction) CreditParams {
	return CreditParams{
		UserID:        txn.UserID,
		TransactionID: txn.ID,
		Reference:     txn.Reference,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
	}
}
