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
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyCompleted    = errors.New("transaction already completed")
	ErrInvalidTransition   = errors.New("invalid transaction status transition")
	ErrStatusConflict      = errors.New("transaction status changed concurrently")
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, txn *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(txn).Error
}

// CreateIfAbsent inserts txn unless its reference already exists. The unique
// index on reference decides the winner when two writers race.
func (r *TransactionRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, txn *model.Transaction) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "reference"}},
			DoNothing: true,
		}).
		Create(txn)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *TransactionRepository) GetByReference(ctx context.Context, reference string) (*model.Transaction, error) {
	return r.first(r.db.WithContext(ctx).Where("reference = ?", reference))
}

func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*model.Transaction, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *TransactionRepository) GetByReferenceForUpdate(ctx context.Context, tx *gorm.DB, reference string) (*model.Transaction, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reference = ?", reference))
}

func (r *TransactionRepository) first(query *gorm.DB) (*model.Transaction, error) {
	var txn model.Transaction
	if err := query.First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// UpdateStatus writes txn's status, amount, metadata and completion time only
// if the row is still in fromStatus. Losing that race returns ErrStatusConflict.
func (r *TransactionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, txn *model.Transaction, fromStatus string) error {
	if !model.CanTransitionTo(fromStatus, txn.Status) {
		return ErrInvalidTransition
	}

	if tx == nil {
		tx = r.db
	}

	txn.UpdatedAt = time.Now()
	result := tx.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("id = ? AND status = ?", txn.ID, fromStatus).
		Select("status", "amount", "metadata", "completed_at", "updated_at").
		Updates(&model.Transaction{
			Status:      txn.Status,
			Amount:      txn.Amount,
			Metadata:    txn.Metadata,
			CompletedAt: txn.CompletedAt,
			UpdatedAt:   txn.UpdatedAt,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrStatusConflict
	}

	return nil
}

// ListStalePending returns pending transactions last touched before the cutoff.
func (r *TransactionRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.TransactionStatusPending, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

// ListUncredited returns completed credit transactions that have no
// wallet_credit row, i.e. whose credit step never ran.
func (r *TransactionRepository) ListUncredited(ctx context.Context, limit int) ([]*model.Transaction, error) {
	var txns []*model.Transaction
	err := r.db.WithContext(ctx).
		Table(model.Transaction{}.TableName()+" AS t").
		Select("t.*").
		Joins("LEFT JOIN "+model.WalletCredit{}.TableName()+" c ON c.transaction_id = t.id").
		Where("t.status = ? AND t.type = ? AND c.id IS NULL", model.TransactionStatusCompleted, model.TransactionTypeCredit).
		Order("t.id ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Transaction, int64, error) {
	var txns []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&txns).Error

	return txns, total, err
}
