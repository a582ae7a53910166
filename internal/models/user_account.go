package models

import "time"

// UserAccount 交易账户（由外部系统维护，这里只读）
type UserAccount struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	UserID      string    `gorm:"size:64;not null;uniqueIndex" json:"user_id"`
	DisplayName string    `gorm:"size:100" json:"display_name"`
	UID         string    `gorm:"size:64" json:"uid"`
	Exchange    string    `gorm:"size:32;not null" json:"exchange"`
	Pair        string    `gorm:"size:32;not null" json:"pair"`
	APIKey      string    `gorm:"size:128" json:"-"`
	APISecret   string    `gorm:"size:128" json:"-"`
	Testnet     bool      `json:"testnet"`
	Enabled     bool      `gorm:"not null;default:true" json:"enabled"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (UserAccount) TableName() string {
	return "user_accounts"
}
