package repository

import (
	"context"
	"errors"
	"time"

	"giftpocket/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrOptimisticLock = errors.New("wallet version conflict, retry")
)

const defaultCurrency = "NGN"

type WalletRepository struct {
	db          *gorm.DB
	recentLimit int
}

// NewWalletRepository keeps at most recentLimit entries in a wallet's
// recent_topups list.
func NewWalletRepository(db *gorm.DB, recentLimit int) *WalletRepository {
	if recentLimit <= 0 {
		recentLimit = 10
	}
	return &WalletRepository{db: db, recentLimit: recentLimit}
}

func (r *WalletRepository) GetByUserID(ctx context.Context, userID int64) (*model.Wallet, error) {
	return r.first(r.db.WithContext(ctx).Where("user_id = ?", userID))
}

func (r *WalletRepository) getByUserIDForUpdate(ctx context.Context, tx *gorm.DB, userID int64) (*model.Wallet, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID))
}

func (r *WalletRepository) first(query *gorm.DB) (*model.Wallet, error) {
	var wallet model.Wallet
	if err := query.First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

func (r *WalletRepository) ensure(ctx context.Context, tx *gorm.DB, userID int64, currency string) error {
	if currency == "" {
		currency = defaultCurrency
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&model.Wallet{
			UserID:       userID,
			Currency:     currency,
			RecentTopups: []model.TopUp{},
		}).Error
}

func (r *WalletRepository) GetOrCreate(ctx context.Context, userID int64) (*model.Wallet, error) {
	wallet, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return wallet, nil
	}

	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	if err := r.ensure(ctx, r.db, userID, ""); err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

type CreditParams struct {
	UserID        int64
	TransactionID int64
	Reference     string
	Amount        int64
	Currency      string
}

// Credit applies one completed transaction to the owner's wallet, creating
// the wallet if needed. A transaction that already has a wallet_credit row is
// not applied again and Credit reports applied=false.
//
// tx must be an open transaction so the credit row and the balance move
// together. A nil tx runs the credit in its own transaction.
func (r *WalletRepository) Credit(ctx context.Context, tx *gorm.DB, p CreditParams) (wallet *model.Wallet, applied bool, err error) {
	if tx == nil {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			wallet, applied, err = r.Credit(ctx, tx, p)
			return err
		})
		return wallet, applied, err
	}

	if err := r.ensure(ctx, tx, p.UserID, p.Currency); err != nil {
		return nil, false, err
	}

	// Locking the wallet first serialises concurrent credits for one user.
	wallet, err = r.getByUserIDForUpdate(ctx, tx, p.UserID)
	if err != nil {
		return nil, false, err
	}

	entry := &model.WalletCredit{
		WalletID:      wallet.ID,
		UserID:        p.UserID,
		TransactionID: p.TransactionID,
		Amount:        p.Amount,
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "transaction_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		return wallet, false, nil
	}

	now := time.Now()
	topups := prependTopUp(wallet.RecentTopups, model.TopUp{
		TransactionID: p.TransactionID,
		Reference:     p.Reference,
		Amount:        p.Amount,
		At:            now,
	}, r.recentLimit)

	result = tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", wallet.ID, wallet.Version).
		Select("balance", "recent_topups", "version", "updated_at").
		Updates(&model.Wallet{
			Balance:      wallet.Balance + p.Amount,
			RecentTopups: topups,
			Version:      wallet.Version + 1,
			UpdatedAt:    now,
		})
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, false, ErrOptimisticLock
	}

	wallet.Balance += p.Amount
	wallet.RecentTopups = topups
	wallet.Version++
	wallet.UpdatedAt = now
	return wallet, true, nil
}

func prependTopUp(list []model.TopUp, t model.TopUp, limit int) []model.TopUp {
	out := make([]model.TopUp, 0, limit)
	out = append(out, t)
	for _, existing := range list {
		if len(out) == limit {
			break
		}
		out = append(out, existing)
	}
	return out
}
