package job

import (
	"context"
	"sync"
	"time"

	"giftpocket/internal/repository"
	"giftpocket/internal/service"

	"go.uber.org/zap"
)

type Reconciler interface {
	Reconcile(ctx context.Context, reference, source string) (*service.Outcome, error)
}

// PendingSweepJob re-reconciles pending transactions nobody has checked on
// for a while, so a payment whose webhook and poll were both lost still
// settles.
type PendingSweepJob struct {
	transactions *repository.TransactionRepository
	reconciler   Reconciler
	after        time.Duration
	interval     time.Duration
	batchSize    int
	now          func() time.Time
	logger       *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPendingSweepJob(transactions *repository.TransactionRepository, reconciler Reconciler, after, interval time.Duration, logger *zap.Logger) *PendingSweepJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PendingSweepJob{
		transactions: transactions,
		reconciler:   reconciler,
		after:        after,
		interval:     interval,
		batchSize:    20,
		now:          time.Now,
		logger:       logger.Named("pending_sweep"),
		stopCh:       make(chan struct{}),
	}
}

func (j *PendingSweepJob) Start(ctx context.Context) {
	j.logger.Info("pending sweep job started",
		zap.Duration("interval", j.interval),
		zap.Duration("after", j.after))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("pending sweep job exiting", zap.Error(ctx.Err()))
			return
		case <-j.stopCh:
			j.logger.Info("pending sweep job stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *PendingSweepJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

func (j *PendingSweepJob) sweep(ctx context.Context) map[service.Code]int {
	txns, err := j.transactions.ListStalePending(ctx, j.now().Add(-j.after), j.batchSize)
	if err != nil {
		j.logger.Error("load stale pending transactions", zap.Error(err))
		return nil
	}
	if len(txns) == 0 {
		return nil
	}

	j.logger.Info("sweeping stale pending transactions", zap.Int("count", len(txns)))

	codes := make(map[service.Code]int)
	for _, txn := range txns {
		if ctx.Err() != nil {
			break
		}
		out, err := j.reconciler.Reconcile(ctx, txn.Reference, service.SourceSweeper)
		if err != nil {
			j.logger.Error("sweep reconcile", zap.String("reference", txn.Reference), zap.Error(err))
			codes[service.CodeInternalError]++
			continue
		}
		codes[out.Code]++
	}
	return codes
}
