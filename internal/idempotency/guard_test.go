package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&Delivery{}))
	return conn
}

func TestGuard_FirstMarkWins(t *testing.T) {
	conn := newTestDB(t)
	guard := NewGuard()
	ctx := context.Background()
	now := time.Now().UTC()

	won, err := guard.MarkApplied(ctx, conn, "evt_001", "ord_1", now)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = guard.MarkApplied(ctx, conn, "evt_001", "ord_1", now)
	require.NoError(t, err)
	assert.False(t, won)

	applied, err := guard.HasBeenApplied(ctx, conn, "evt_001")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = guard.HasBeenApplied(ctx, conn, "evt_002")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestGuard_DistinctDeliveriesBothApply(t *testing.T) {
	conn := newTestDB(t)
	guard := NewGuard()
	ctx := context.Background()
	now := time.Now().UTC()

	// Same order, different delivery ids: the provider redelivering a new
	// event for the same order must not be suppressed.
	won, err := guard.MarkApplied(ctx, conn, "evt_010", "ord_7", now)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = guard.MarkApplied(ctx, conn, "evt_011", "ord_7", now)
	require.NoError(t, err)
	assert.True(t, won)
}
