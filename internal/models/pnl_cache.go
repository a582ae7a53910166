package models

import "time"

// PnlCacheRecord 按 (用户, 交易所本地日期) 缓存的 1/7/30 天盈亏
type PnlCacheRecord struct {
	ID     uint   `gorm:"primarykey" json:"id"`
	UserID string `gorm:"size:64;not null;uniqueIndex:idx_pnl_cache_user_date" json:"user"`
	Date   string `gorm:"size:10;not null;uniqueIndex:idx_pnl_cache_user_date;index" json:"date"` // YYYY-MM-DD

	Pnl1d  float64 `gorm:"column:pnl_1d;not null;default:0" json:"pnl1d"`
	Pnl7d  float64 `gorm:"column:pnl_7d;not null;default:0" json:"pnl7d"`
	Pnl30d float64 `gorm:"column:pnl_30d;not null;default:0" json:"pnl30d"`

	Fee1d  float64 `gorm:"column:fee_1d;not null;default:0" json:"fee1d"`
	Fee7d  float64 `gorm:"column:fee_7d;not null;default:0" json:"fee7d"`
	Fee30d float64 `gorm:"column:fee_30d;not null;default:0" json:"fee30d"`

	HasTrade1d  bool `gorm:"column:has_trade_1d;not null;default:false" json:"hasTrade1d"`
	HasTrade7d  bool `gorm:"column:has_trade_7d;not null;default:false" json:"hasTrade7d"`
	HasTrade30d bool `gorm:"column:has_trade_30d;not null;default:false" json:"hasTrade30d"`

	// debug columns, not part of the dashboard contract
	Realized1d  float64   `gorm:"column:realized_1d;not null;default:0" json:"realized1d"`
	Realized7d  float64   `gorm:"column:realized_7d;not null;default:0" json:"realized7d"`
	Realized30d float64   `gorm:"column:realized_30d;not null;default:0" json:"realized30d"`
	Trades1d    int       `gorm:"column:trades_1d;not null;default:0" json:"tradesCount1d"`
	Trades7d    int       `gorm:"column:trades_7d;not null;default:0" json:"tradesCount7d"`
	Trades30d   int       `gorm:"column:trades_30d;not null;default:0" json:"tradesCount30d"`
	Degraded    bool      `gorm:"not null;default:false" json:"degraded"`
	ComputedAt  time.Time `json:"computedAt"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

func (PnlCacheRecord) TableName() string {
	return "pnl_cache_records"
}
