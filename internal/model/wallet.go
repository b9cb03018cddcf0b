package model

import (
	"time"
)

// Wallet holds a user's balance in minor units. Balance only moves through a
// WalletCredit row, so it always equals the sum of credited transactions.
type Wallet struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       int64     `gorm:"uniqueIndex;not null" json:"user_id"`
	Balance      int64     `gorm:"not null;default:0" json:"balance"`
	Currency     string    `gorm:"type:varchar(8);not null;default:NGN" json:"currency"`
	RecentTopups []TopUp   `gorm:"type:text;serializer:json" json:"recent_topups"`
	Version      int       `gorm:"not null;default:0" json:"version"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallet"
}

type TopUp struct {
	TransactionID int64     `json:"transaction_id"`
	Reference     string    `json:"reference"`
	Amount        int64     `json:"amount"`
	At            time.Time `json:"at"`
}

// WalletCredit is the wallet's transaction list. The unique transaction_id is
// what makes a credit safe to replay.
type WalletCredit struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	WalletID      int64     `gorm:"index;not null" json:"wallet_id"`
	UserID        int64     `gorm:"index;not null" json:"user_id"`
	TransactionID int64     `gorm:"uniqueIndex;not null" json:"transaction_id"`
	Amount        int64     `gorm:"not null" json:"amount"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (WalletCredit) TableName() string {
	return "wallet_credit"
}
