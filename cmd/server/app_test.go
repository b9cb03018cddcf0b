package main

import (
	"context"
	"testing"

	"giftpocket/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestApp_CloseConnectionsAfterPartialStartup(t *testing.T) {
	mr := miniredis.RunT(t)
	a := &app{
		logger: zap.NewNop(),
		db:     testutil.NewDB(t),
		redis:  redis.NewClient(&redis.Options{Addr: mr.Addr()}),
	}
	require.NoError(t, a.redis.Ping(context.Background()).Err())

	// kafka never came up
	a.closeConnections()

	sqlDB, err := a.db.DB()
	require.NoError(t, err)
	assert.Error(t, sqlDB.Ping())
	assert.ErrorIs(t, a.redis.Ping(context.Background()).Err(), redis.ErrClosed)
}

func TestApp_CloseConnectionsWithNothingOpen(t *testing.T) {
	a := &app{logger: zap.NewNop()}
	assert.NotPanics(t, a.closeConnections)
}
