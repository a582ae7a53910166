package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pnldesk/internal/models"
)

// CacheStore persists one PnlCacheRecord per (user, date).
type CacheStore interface {
	// Get returns nil, nil when no record exists.
	Get(ctx context.Context, userID, date string) (*models.PnlCacheRecord, error)
	// Upsert writes every field of rec atomically, keyed by (user, date).
	Upsert(ctx context.Context, rec *models.PnlCacheRecord) error
	// DeleteOlderThan removes records whose date sorts before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff string) (int64, error)
}

var upsertColumns = []string{
	"pnl_1d", "pnl_7d", "pnl_30d",
	"fee_1d", "fee_7d", "fee_30d",
	"has_trade_1d", "has_trade_7d", "has_trade_30d",
	"realized_1d", "realized_7d", "realized_30d",
	"trades_1d", "trades_7d", "trades_30d",
	"degraded", "computed_at", "updated_at",
}

// GormCacheStore 基于 gorm 的缓存表，依赖 (user_id, date) 唯一索引做 UPSERT
type GormCacheStore struct {
	db *gorm.DB
}

func NewGormCacheStore(db *gorm.DB) *GormCacheStore {
	return &GormCacheStore{db: db}
}

func (s *GormCacheStore) Get(ctx context.Context, userID, date string) (*models.PnlCacheRecord, error) {
	var rec models.PnlCacheRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, date).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormCacheStore) Upsert(ctx context.Context, rec *models.PnlCacheRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(rec).Error
}

func (s *GormCacheStore) DeleteOlderThan(ctx context.Context, cutoff string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("date < ?", cutoff).
		Delete(&models.PnlCacheRecord{})
	return res.RowsAffected, res.Error
}

// MemoryCacheStore keeps records in process memory. Used by tests and by
// the API when no database is configured.
type MemoryCacheStore struct {
	mu      sync.RWMutex
	records map[string]models.PnlCacheRecord
	nextID  uint
	Upserts int
}

func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{records: make(map[string]models.PnlCacheRecord)}
}

func cacheKey(userID, date string) string { return userID + "|" + date }

func (s *MemoryCacheStore) Get(ctx context.Context, userID, date string) (*models.PnlCacheRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[cacheKey(userID, date)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryCacheStore) Upsert(ctx context.Context, rec *models.PnlCacheRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Upserts++
	now := time.Now()
	k := cacheKey(rec.UserID, rec.Date)
	if prev, ok := s.records[k]; ok {
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
	} else {
		s.nextID++
		rec.ID = s.nextID
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	s.records[k] = *rec
	return nil
}

func (s *MemoryCacheStore) DeleteOlderThan(ctx context.Context, cutoff string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.records {
		if rec.Date < cutoff {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Len reports how many records are stored.
func (s *MemoryCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
