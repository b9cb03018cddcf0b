package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"giftpocket/internal/gateway"
	"giftpocket/internal/metrics"
	"giftpocket/internal/model"
	"giftpocket/internal/notify"
	"giftpocket/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	MinReferenceLength = 10
	MaxReferenceLength = 64

	// Ledger writes after a verification get their own budget so a caller
	// that gave up does not leave a verified payment unrecorded.
	persistTimeout = 15 * time.Second
)

var (
	ErrInvalidReference = errors.New("invalid reference")

	referencePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)
)

type Verifier interface {
	Verify(ctx context.Context, reference string) gateway.VerificationResult
	Provider() string
}

// LedgerStore is implemented by *repository.Ledger.
type LedgerStore interface {
	GetByReference(ctx context.Context, reference string) (*model.Transaction, error)
	CreateCompleted(ctx context.Context, txn *model.Transaction) (*model.Transaction, *model.Wallet, bool, error)
	Complete(ctx context.Context, reference string, p repository.CompletionParams) (*model.Transaction, *model.Wallet, error)
	MarkFailed(ctx context.Context, reference string, attempt model.VerificationAttempt) (*model.Transaction, error)
}

type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	GetByID(ctx context.Context, id int64) (*model.User, error)
}

type Notifier interface {
	Notify(n notify.Notification)
}

// ReferenceGuard serialises upstream verification of one reference.
type ReferenceGuard interface {
	Acquire(ctx context.Context, reference string) (release func(), err error)
}

func ValidateReference(reference string) error {
	switch {
	case len(reference) < MinReferenceLength:
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidReference, MinReferenceLength)
	case len(reference) > MaxReferenceLength:
		return fmt.Errorf("%w: must be at most %d characters", ErrInvalidReference, MaxReferenceLength)
	case !referencePattern.MatchString(reference):
		return fmt.Errorf("%w: unexpected characters", ErrInvalidReference)
	}
	return nil
}

// Engine reconciles payment references against the provider and the
// ledger. It keeps no state between calls; concurrent callers for the same
// reference are arbitrated by the ledger's conditional writes.
type Engine struct {
	ledger   LedgerStore
	verifier Verifier
	users    UserDirectory
	notifier Notifier
	guard    ReferenceGuard
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

type EngineOption func(*Engine)

func WithReferenceGuard(g ReferenceGuard) EngineOption {
	return func(e *Engine) { e.guard = g }
}

// WithTimeout bounds a whole reconciliation, retries included.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.timeout = d }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(ledger LedgerStore, verifier Verifier, users UserDirectory, notifier Notifier, logger *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		ledger:   ledger,
		verifier: verifier,
		users:    users,
		notifier: notifier,
		now:      time.Now,
		logger:   logger.Named("reconcile"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile confirms reference with the provider and applies it to the
// ledger at most once. Expected failures come back as an Outcome code; a
// non-nil error means storage failed and no state change is guaranteed.
func (e *Engine) Reconcile(ctx context.Context, reference, source string) (*Outcome, error) {
	reference = strings.TrimSpace(reference)
	if err := ValidateReference(reference); err != nil {
		return e.finish(source, &Outcome{Code: CodeInvalidReference, Reference: reference, Error: err.Error()}), nil
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	existing, err := e.lookup(ctx, reference)
	if err != nil {
		return e.internal(source, reference, "look up transaction", err)
	}
	if existing != nil && existing.IsCompleted() {
		return e.alreadyProcessed(source, existing), nil
	}

	if e.guard != nil {
		release, err := e.guard.Acquire(ctx, reference)
		if err != nil {
			e.logger.Warn("reference lock unavailable, verifying without it",
				zap.String("reference", reference),
				zap.Error(err))
		} else {
			defer release()
			// whoever held the lock may have settled the reference
			existing, err = e.lookup(ctx, reference)
			if err != nil {
				return e.internal(source, reference, "look up transaction", err)
			}
			if existing != nil && existing.IsCompleted() {
				return e.alreadyProcessed(source, existing), nil
			}
		}
	}

	result := e.verifier.Verify(ctx, reference)
	e.logger.Debug("provider verification finished",
		zap.String("reference", reference),
		zap.Bool("success", result.Success),
		zap.Int("attempt", result.Attempts),
		zap.Duration("duration", result.Duration))

	return e.settle(ctx, reference, existing, result, source)
}

// ApplyVerified settles reference with a payment the caller already trusts,
// such as the body of a signed charge webhook.
func (e *Engine) ApplyVerified(ctx context.Context, reference string, payment *gateway.VerifiedPayment, source string) (*Outcome, error) {
	reference = strings.TrimSpace(reference)
	if err := ValidateReference(reference); err != nil {
		return e.finish(source, &Outcome{Code: CodeInvalidReference, Reference: reference, Error: err.Error()}), nil
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	existing, err := e.lookup(ctx, reference)
	if err != nil {
		return e.internal(source, reference, "look up transaction", err)
	}
	if existing != nil && existing.IsCompleted() {
		return e.alreadyProcessed(source, existing), nil
	}

	return e.settle(ctx, reference, existing, gateway.VerificationResult{Success: true, Payment: payment}, source)
}

// CompletePending completes a transaction that is still pending. Anything
// else is left alone: a credit with no pending transaction is not invented.
func (e *Engine) CompletePending(ctx context.Context, reference string, amount int64, currency, source string) (*Outcome, error) {
	reference = strings.TrimSpace(reference)
	if err := ValidateReference(reference); err != nil {
		return e.finish(source, &Outcome{Code: CodeInvalidReference, Reference: reference, Error: err.Error()}), nil
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	existing, err := e.lookup(ctx, reference)
	if err != nil {
		return e.internal(source, reference, "look up transaction", err)
	}
	switch {
	case existing == nil:
		return e.finish(source, &Outcome{Code: CodeTransactionNotFound, Reference: reference, Error: "no pending transaction for reference"}), nil
	case existing.IsCompleted():
		return e.alreadyProcessed(source, existing), nil
	case existing.Status != model.TransactionStatusPending:
		return e.finish(source, &Outcome{
			Code:        CodeTransactionNotFound,
			Reference:   reference,
			Transaction: existing,
			Error:       fmt.Sprintf("transaction is %s, not pending", existing.Status),
		}), nil
	case amount <= 0:
		return e.finish(source, &Outcome{Code: CodeVerificationFailed, Reference: reference, Transaction: existing, Error: "credited amount must be positive"}), nil
	}

	persistCtx, cancelPersist := persistContext(ctx)
	defer cancelPersist()

	payment := &gateway.VerifiedPayment{
		TxRef:    reference,
		Amount:   amount,
		Currency: strings.ToUpper(currency),
		Status:   gateway.PaymentStatusSuccessful,
	}
	attempt := model.VerificationAttempt{At: e.now(), Source: source}
	return e.completeExisting(persistCtx, existing, payment, attempt, source)
}

func (e *Engine) settle(ctx context.Context, reference string, existing *model.Transaction, result gateway.VerificationResult, source string) (*Outcome, error) {
	persistCtx, cancel := persistContext(ctx)
	defer cancel()

	attempt := model.VerificationAttempt{
		At:            e.now(),
		Source:        source,
		UpstreamTries: result.Attempts,
	}
	reason := verificationFailure(result)

	if existing == nil {
		if reason != "" {
			// No row to mark: without a verified payment there is no owner.
			e.logger.Info("verification failed for unknown reference",
				zap.String("reference", reference),
				zap.String("source", source),
				zap.String("error", reason))
			return e.finish(source, &Outcome{Code: CodeVerificationFailed, Reference: reference, Error: reason}), nil
		}
		return e.createVerified(persistCtx, reference, result.Payment, attempt, source)
	}

	if reason != "" {
		return e.markFailed(persistCtx, existing, attempt, reason, source)
	}
	return e.completeExisting(persistCtx, existing, result.Payment, attempt, source)
}

func verificationFailure(result gateway.VerificationResult) string {
	switch {
	case !result.Success:
		if result.Error == "" {
			return "verification failed"
		}
		return result.Error
	case result.Payment == nil:
		return "provider returned no payment"
	case !result.Payment.Successful():
		return fmt.Sprintf("provider reports payment status %q", result.Payment.Status)
	case result.Payment.Amount <= 0:
		return fmt.Sprintf("provider reports non-positive amount %d", result.Payment.Amount)
	}
	return ""
}

func (e *Engine) createVerified(ctx context.Context, reference string, payment *gateway.VerifiedPayment, attempt model.VerificationAttempt, source string) (*Outcome, error) {
	email := strings.TrimSpace(payment.Customer.Email)
	user, err := e.users.FindByEmail(ctx, email)
	if errors.Is(err, repository.ErrUserNotFound) {
		e.logger.Warn("verified payment has no matching user",
			zap.String("reference", reference),
			zap.String("email", email),
			zap.String("source", source))
		return e.finish(source, &Outcome{
			Code:      CodeTransactionNotFound,
			Reference: reference,
			Error:     "no user matches the payment's customer",
		}), nil
	}
	if err != nil {
		return e.internal(source, reference, "resolve payer", err)
	}

	now := e.now()
	attempt.Outcome = model.AttemptOutcomeVerified
	meta := model.TransactionMetadata{
		Provider:     e.verifier.Provider(),
		ProviderTxID: payment.ID,
		Source:       source,
		VerifiedAt:   &now,
		Payload:      payment.Raw,
	}
	meta.RecordAttempt(attempt)

	txn := &model.Transaction{
		Reference:     reference,
		UserID:        user.ID,
		Amount:        payment.Amount,
		Currency:      currencyOrDefault(payment.Currency),
		Type:          model.TransactionTypeCredit,
		Status:        model.TransactionStatusCompleted,
		PaymentMethod: payment.PaymentType,
		Description:   "Wallet top-up",
		Metadata:      meta,
		CompletedAt:   &now,
	}

	stored, wallet, created, err := e.ledger.CreateCompleted(ctx, txn)
	if err != nil {
		return e.internal(source, reference, "record verified payment", err)
	}
	if !created {
		if stored.IsCompleted() {
			return e.alreadyProcessed(source, stored), nil
		}
		// a pending row was initiated after our lookup
		return e.completeExisting(ctx, stored, payment, attempt, source)
	}

	e.notifySuccess(ctx, stored, wallet, user.Email)
	return e.finish(source, (&Outcome{
		Code:        CodeVerifiedCreated,
		Reference:   reference,
		Transaction: stored,
	}).withWallet(wallet)), nil
}

func (e *Engine) completeExisting(ctx context.Context, existing *model.Transaction, payment *gateway.VerifiedPayment, attempt model.VerificationAttempt, source string) (*Outcome, error) {
	now := e.now()
	params := repository.CompletionParams{
		Amount:       payment.Amount,
		Currency:     payment.Currency,
		Provider:     e.verifier.Provider(),
		ProviderTxID: payment.ID,
		Source:       source,
		VerifiedAt:   now,
		Attempt:      attempt,
		Payload:      payment.Raw,
	}
	if payment.Amount != existing.Amount {
		params.Mismatch = &model.AmountMismatch{
			Expected:  existing.Amount,
			Verified:  payment.Amount,
			FlaggedAt: now,
		}
		e.logger.Warn("amount mismatch between ledger and provider, crediting verified amount",
			zap.String("reference", existing.Reference),
			zap.Int64("transaction_id", existing.ID),
			zap.Int64("expected", existing.Amount),
			zap.Int64("verified", payment.Amount),
			zap.String("source", source))
	}

	txn, wallet, err := e.ledger.Complete(ctx, existing.Reference, params)
	if errors.Is(err, repository.ErrAlreadyCompleted) {
		return e.alreadyProcessed(source, txn), nil
	}
	if err != nil {
		return e.internal(source, existing.Reference, "complete transaction", err)
	}

	e.notifySuccess(ctx, txn, wallet, payment.Customer.Email)
	return e.finish(source, (&Outcome{
		Code:           CodeVerifiedSuccess,
		Reference:      txn.Reference,
		Transaction:    txn,
		AmountMismatch: params.Mismatch != nil,
	}).withWallet(wallet)), nil
}

func (e *Engine) markFailed(ctx context.Context, existing *model.Transaction, attempt model.VerificationAttempt, reason, source string) (*Outcome, error) {
	attempt.Error = reason
	txn, err := e.ledger.MarkFailed(ctx, existing.Reference, attempt)
	if errors.Is(err, repository.ErrAlreadyCompleted) {
		return e.alreadyProcessed(source, txn), nil
	}
	if err != nil {
		return e.internal(source, existing.Reference, "mark transaction failed", err)
	}

	e.notifyFailure(ctx, txn, reason)
	return e.finish(source, &Outcome{
		Code:        CodeVerificationFailed,
		Reference:   txn.Reference,
		Transaction: txn,
		Error:       reason,
	}), nil
}

func (e *Engine) lookup(ctx context.Context, reference string) (*model.Transaction, error) {
	txn, err := e.ledger.GetByReference(ctx, reference)
	if errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, nil
	}
	return txn, err
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (e *Engine) alreadyProcessed(source string, txn *model.Transaction) *Outcome {
	return e.finish(source, &Outcome{
		Code:        CodeAlreadyProcessed,
		Reference:   txn.Reference,
		Transaction: txn,
	})
}

func (e *Engine) internal(source, reference, op string, err error) (*Outcome, error) {
	e.logger.Error("reconciliation failed",
		zap.String("reference", reference),
		zap.String("source", source),
		zap.String("op", op),
		zap.Error(err))
	o := e.finish(source, &Outcome{Code: CodeInternalError, Reference: reference})
	return o, fmt.Errorf("%s %s: %w", op, reference, err)
}

func (e *Engine) finish(source string, o *Outcome) *Outcome {
	metrics.ReconcileOutcomes.WithLabelValues(source, string(o.Code)).Inc()
	if o.Code == CodeInternalError {
		return o
	}

	fields := []zap.Field{
		zap.String("reference", o.Reference),
		zap.String("code", string(o.Code)),
		zap.String("source", source),
	}
	if o.Transaction != nil {
		fields = append(fields,
			zap.Int64("transaction_id", o.Transaction.ID),
			zap.Int64("user_id", o.Transaction.UserID))
	}
	if o.Error != "" {
		fields = append(fields, zap.String("error", o.Error))
	}
	e.logger.Info("reconciliation finished", fields...)
	return o
}

func (e *Engine) notifySuccess(ctx context.Context, txn *model.Transaction, wallet *model.Wallet, email string) {
	data := map[string]interface{}{
		"reference":      txn.Reference,
		"transaction_id": txn.ID,
		"amount":         txn.Amount,
		"currency":       txn.Currency,
	}
	if wallet != nil {
		data["balance"] = wallet.Balance
	}
	e.dispatch(ctx, notify.Notification{
		UserID:  txn.UserID,
		Email:   email,
		Type:    notify.TypePaymentSuccess,
		Title:   "Payment received",
		Message: fmt.Sprintf("Your wallet was credited with %s %s.", txn.Currency, formatMinor(txn.Amount)),
		Data:    data,
	})
}

func (e *Engine) notifyFailure(ctx context.Context, txn *model.Transaction, reason string) {
	e.dispatch(ctx, notify.Notification{
		UserID:  txn.UserID,
		Type:    notify.TypePaymentFailed,
		Title:   "Payment not confirmed",
		Message: fmt.Sprintf("We could not confirm payment %s yet. You can check it again later.", txn.Reference),
		Data: map[string]interface{}{
			"reference":      txn.Reference,
			"transaction_id": txn.ID,
			"error":          reason,
		},
	})
}

// dispatch hands n to the notifier. Nothing here can fail the reconciliation.
func (e *Engine) dispatch(ctx context.Context, n notify.Notification) {
	if e.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notifier panicked", zap.Any("panic", r), zap.Int64("user_id", n.UserID))
		}
	}()

	if n.Email == "" {
		if user, err := e.users.GetByID(ctx, n.UserID); err == nil {
			n.Email = user.Email
		}
	}
	e.notifier.Notify(n)
}

func currencyOrDefault(currency string) string {
	if currency == "" {
		return "NGN"
	}
	return strings.ToUpper(currency)
}

func formatMinor(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}
