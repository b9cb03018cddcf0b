// Package testutil holds helpers shared by package tests.
package testutil

import (
	"fmt"
	"testing"

	"giftpocket/internal/infrastructure/database"
	"giftpocket/internal/model"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB returns a migrated in-memory SQLite database private to the test.
// A single connection serialises writers the way row locks do on MySQL.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// SeedUser inserts a user row and returns it.
func SeedUser(t testing.TB, db *gorm.DB, email string) *model.User {
	t.Helper()

	user := &model.User{Email: email, Name: "Test User"}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

// SeedTransaction inserts txn as-is.
func SeedTransaction(t testing.TB, db *gorm.DB, txn *model.Transaction) *model.Transaction {
	t.Helper()

	if txn.Type == "" {
		txn.Type = model.TransactionTypeCredit
	}
	if txn.Currency == "" {
		txn.Currency = "NGN"
	}
	if err := db.Create(txn).Error; err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	return txn
}
