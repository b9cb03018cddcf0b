package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"giftpocket/internal/model"
	"giftpocket/internal/repository"
	"giftpocket/pkg/idgen"

	"go.uber.org/zap"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrUnknownUser   = errors.New("unknown user")
)

type InitiateRequest struct {
	UserID        int64
	Amount        int64 // minor units
	Currency      string
	PaymentMethod string
	Description   string
}

// PaymentService covers the ledger reads and the pending-transaction write
// that sit around reconciliation.
type PaymentService struct {
	transactions *repository.TransactionRepository
	wallets      *repository.WalletRepository
	users        *repository.UserRepository
	logger       *zap.Logger
}

func NewPaymentService(transactions *repository.TransactionRepository, wallets *repository.WalletRepository, users *repository.UserRepository, logger *zap.Logger) *PaymentService {
	return &PaymentService{
		transactions: transactions,
		wallets:      wallets,
		users:        users,
		logger:       logger.Named("payment"),
	}
}

// Initiate records a pending top-up under a fresh reference. The client pays
// against that reference and later asks for it to be verified.
func (s *PaymentService) Initiate(ctx context.Context, req *InitiateRequest) (*model.Transaction, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := s.users.GetByID(ctx, req.UserID); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownUser, req.UserID)
		}
		return nil, fmt.Errorf("look up user: %w", err)
	}

	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Wallet top-up"
	}
	txn := &model.Transaction{
		Reference:     idgen.GenerateReference(),
		UserID:        req.UserID,
		Amount:        req.Amount,
		Currency:      currencyOrDefault(req.Currency),
		Type:          model.TransactionTypeCredit,
		Status:        model.TransactionStatusPending,
		PaymentMethod: req.PaymentMethod,
		Description:   description,
	}
	if err := s.transactions.Create(ctx, nil, txn); err != nil {
		return nil, fmt.Errorf("create pending transaction: %w", err)
	}

	s.logger.Info("payment initiated",
		zap.String("reference", txn.Reference),
		zap.Int64("user_id", txn.UserID),
		zap.Int64("amount", txn.Amount))
	return txn, nil
}

// Wallet returns the user's wallet, creating an empty one on first use.
func (s *PaymentService) Wallet(ctx context.Context, userID int64) (*model.Wallet, error) {
	return s.wallets.GetOrCreate(ctx, userID)
}

func (s *PaymentService) ListTransactions(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return s.transactions.ListByUserID(ctx, userID, page, pageSize)
}
