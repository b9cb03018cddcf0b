package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"giftpocket/internal/infrastructure/mq"
	"giftpocket/internal/model"
	"giftpocket/internal/repository"
	"giftpocket/internal/service"
	"giftpocket/internal/testutil"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOutboxSender_RelaysAndParks(t *testing.T) {
	db := testutil.NewDB(t)
	outbox := repository.NewOutboxRepository(db)
	ctx := context.Background()

	ok := &model.OutboxMessage{UserID: 1, Type: "payment_success", MessageKey: "1", Topic: "giftpocket.notification", Payload: `{"type":"payment_success"}`}
	bad := &model.OutboxMessage{UserID: 2, Type: "payment_failed", MessageKey: "2", Topic: "giftpocket.notification", Payload: `{"type":"payment_failed"}`}
	require.NoError(t, outbox.Create(ctx, nil, ok))
	require.NoError(t, outbox.Create(ctx, nil, bad))

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	publisher := mq.NewProducerFrom(producer, zap.NewNop())
	defer publisher.Close()

	sender := NewOutboxSender(outbox, publisher, 2, zap.NewNop())

	sender.processPendingMessages(ctx)

	pending, err := outbox.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, bad.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].RetryCount)

	sender.processPendingMessages(ctx)

	pending, err = outbox.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	failed, err := outbox.GetFailedMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, bad.ID, failed[0].ID)
	assert.Contains(t, failed[0].LastError, sarama.ErrNotLeaderForPartition.Error())

	var sent model.OutboxMessage
	require.NoError(t, db.First(&sent, ok.ID).Error)
	assert.Equal(t, model.OutboxStatusSent, sent.Status)
	assert.NotNil(t, sent.SentAt)
}

func TestOutboxSender_StartStop(t *testing.T) {
	db := testutil.NewDB(t)
	sender := NewOutboxSender(repository.NewOutboxRepository(db), mq.NewProducerFrom(mocks.NewSyncProducer(t, nil), zap.NewNop()), 3, zap.NewNop())

	done := make(chan struct{})
	go func() {
		sender.Start(context.Background())
		close(done)
	}()
	sender.Stop()
	sender.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not stop")
	}
}

func TestCreditReplayJob_RunOnce(t *testing.T) {
	db := testutil.NewDB(t)
	transactions := repository.NewTransactionRepository(db)
	wallets := repository.NewWalletRepository(db, 10)
	ledger := repository.NewLedger(db, transactions, wallets)
	ctx := context.Background()

	user := testutil.SeedUser(t, db, "ada@example.com")
	now := time.Now()
	// completed by a process that died before crediting
	testutil.SeedTransaction(t, db, &model.Transaction{
		Reference:   "TXN_CRASH_01",
		UserID:      user.ID,
		Amount:      1200,
		Status:      model.TransactionStatusCompleted,
		CompletedAt: &now,
	})
	testutil.SeedTransaction(t, db, &model.Transaction{
		Reference: "TXN_PENDING1",
		UserID:    user.ID,
		Amount:    999,
		Status:    model.TransactionStatusPending,
	})

	job := NewCreditReplayJob(transactions, ledger, time.Minute, zap.NewNop())

	applied, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	applied, err = job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)

	wallet, err := wallets.GetByUserID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), wallet.Balance)
}

type recordingReconciler struct {
	mu    sync.Mutex
	calls map[string]string
}

func (r *recordingReconciler) Reconcile(_ context.Context, reference, source string) (*service.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[reference] = source
	return &service.Outcome{Code: service.CodeVerificationFailed, Reference: reference}, nil
}

func TestPendingSweepJob_Sweep(t *testing.T) {
	db := testutil.NewDB(t)
	transactions := repository.NewTransactionRepository(db)
	user := testutil.SeedUser(t, db, "ada@example.com")

	stale := testutil.SeedTransaction(t, db, &model.Transaction{Reference: "TXN_STALE_01", UserID: user.ID, Amount: 100, Status: model.TransactionStatusPending})
	testutil.SeedTransaction(t, db, &model.Transaction{Reference: "TXN_FRESH_01", UserID: user.ID, Amount: 100, Status: model.TransactionStatusPending})
	oldFailed := testutil.SeedTransaction(t, db, &model.Transaction{Reference: "TXN_FAILED_1", UserID: user.ID, Amount: 100, Status: model.TransactionStatusFailed})

	old := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&model.Transaction{}).Where("id IN ?", []int64{stale.ID, oldFailed.ID}).UpdateColumn("updated_at", old).Error)

	reconciler := &recordingReconciler{calls: map[string]string{}}
	job := NewPendingSweepJob(transactions, reconciler, 15*time.Minute, time.Minute, zap.NewNop())

	codes := job.sweep(context.Background())
	assert.Equal(t, map[service.Code]int{service.CodeVerificationFailed: 1}, codes)
	assert.Equal(t, map[string]string{"TXN_STALE_01": service.SourceSweeper}, reconciler.calls)
}
