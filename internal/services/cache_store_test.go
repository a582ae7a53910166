package services

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"pnldesk/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping postgres test")
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		host,
		os.Getenv("TEST_DB_USER"),
		os.Getenv("TEST_DB_PASSWORD"),
		os.Getenv("TEST_DB_NAME"),
		os.Getenv("TEST_DB_PORT"),
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.PnlCacheRecord{}))
	require.NoError(t, db.Exec("DELETE FROM pnl_cache_records WHERE user_id LIKE ?", "test-%").Error)
	return db
}

func TestGormCacheStoreUpsert(t *testing.T) {
	db := openTestDB(t)
	store := NewGormCacheStore(db)
	ctx := context.Background()

	rec, err := store.Get(ctx, "test-u1", "2024-06-10")
	require.NoError(t, err)
	assert.Nil(t, rec)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Upsert(ctx, &models.PnlCacheRecord{UserID: "test-u1", Date: "2024-06-10", Pnl1d: 1, HasTrade1d: true, ComputedAt: now}))
	require.NoError(t, store.Upsert(ctx, &models.PnlCacheRecord{UserID: "test-u1", Date: "2024-06-10", Pnl1d: 2, Fee30d: 0.5, ComputedAt: now}))

	rec, err = store.Get(ctx, "test-u1", "2024-06-10")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2.0, rec.Pnl1d)
	assert.Equal(t, 0.5, rec.Fee30d)
	assert.False(t, rec.HasTrade1d)

	var count int64
	db.Model(&models.PnlCacheRecord{}).Where("user_id = ?", "test-u1").Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestGormCacheStoreDeleteOlderThan(t *testing.T) {
	db := openTestDB(t)
	store := NewGormCacheStore(db)
	ctx := context.Background()

	for _, d := range []string{"2024-04-30", "2024-05-01"} {
		require.NoError(t, store.Upsert(ctx, &models.PnlCacheRecord{UserID: "test-u2", Date: d}))
	}
	n, err := store.DeleteOlderThan(ctx, "2024-05-01")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	rec, err := store.Get(ctx, "test-u2", "2024-05-01")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}
