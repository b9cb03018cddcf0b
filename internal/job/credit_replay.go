package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"giftpocket/internal/model"
	"giftpocket/internal/repository"

	"go.uber.org/zap"
)

// CreditReplayer is implemented by *repository.Ledger.
type CreditReplayer interface {
	Credit(ctx context.Context, transactionID int64) (*model.Wallet, bool, error)
}

// CreditReplayJob finds completed credits whose wallet credit never landed
// and applies them. The credit step is keyed on the transaction id, so
// replaying one that did land is a no-op.
type CreditReplayJob struct {
	transactions *repository.TransactionRepository
	ledger       CreditReplayer
	interval     time.Duration
	batchSize    int
	logger       *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewCreditReplayJob(transactions *repository.TransactionRepository, ledger CreditReplayer, interval time.Duration, logger *zap.Logger) *CreditReplayJob {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CreditReplayJob{
		transactions: transactions,
		ledger:       ledger,
		interval:     interval,
		batchSize:    50,
		logger:       logger.Named("credit_replay"),
		stopCh:       make(chan struct{}),
	}
}

func (j *CreditReplayJob) Start(ctx context.Context) {
	j.logger.Info("credit replay job started", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("credit replay job exiting", zap.Error(ctx.Err()))
			return
		case <-j.stopCh:
			j.logger.Info("credit replay job stopped")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.logger.Error("credit replay pass failed", zap.Error(err))
			}
		}
	}
}

func (j *CreditReplayJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// RunOnce replays one batch and returns how many credits were applied.
func (j *CreditReplayJob) RunOnce(ctx context.Context) (int, error) {
	txns, err := j.transactions.ListUncredited(ctx, j.batchSize)
	if err != nil {
		return 0, err
	}
	if len(txns) == 0 {
		return 0, nil
	}

	j.logger.Warn("completed transactions missing a wallet credit", zap.Int("count", len(txns)))

	applied := 0
	for _, txn := range txns {
		wallet, ok, err := j.ledger.Credit(ctx, txn.ID)
		if err != nil {
			if errors.Is(err, repository.ErrOptimisticLock) {
				// picked up again next pass
				j.logger.Info("wallet busy, replay deferred", zap.Int64("transaction_id", txn.ID))
				continue
			}
			j.logger.Error("replay credit",
				zap.Int64("transaction_id", txn.ID),
				zap.String("reference", txn.Reference),
				zap.Error(err))
			continue
		}
		if ok {
			applied++
			j.logger.Info("credit replayed",
				zap.Int64("transaction_id", txn.ID),
				zap.String("reference", txn.Reference),
				zap.Int64("user_id", txn.UserID),
				zap.Int64("amount", txn.Amount),
				zap.Int64("balance", wallet.Balance))
		}
	}
	return applied, nil
}
