package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gorm.io/gorm"

	"pnldesk/internal/exchange"
	"pnldesk/internal/models"
)

// UserDirectory resolves user ids to their trading account.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (*models.UserAccount, error)
	List(ctx context.Context) ([]models.UserAccount, error)
}

// GormUserDirectory 从 user_accounts 表读取账户
type GormUserDirectory struct {
	db *gorm.DB
}

func NewGormUserDirectory(db *gorm.DB) *GormUserDirectory {
	return &GormUserDirectory{db: db}
}

func (d *GormUserDirectory) Lookup(ctx context.Context, userID string) (*models.UserAccount, error) {
	var acct models.UserAccount
	err := d.db.WithContext(ctx).Where("user_id = ? AND enabled = ?", userID, true).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &IdentityError{UserID: userID, Err: ErrUserNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", userID, err)
	}
	return &acct, nil
}

func (d *GormUserDirectory) List(ctx context.Context) ([]models.UserAccount, error) {
	var accts []models.UserAccount
	if err := d.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&accts).Error; err != nil {
		return nil, err
	}
	return accts, nil
}

// MemoryUserDirectory is a fixed in-memory directory.
type MemoryUserDirectory struct {
	mu    sync.RWMutex
	users map[string]models.UserAccount
	order []string
}

func NewMemoryUserDirectory(accts ...models.UserAccount) *MemoryUserDirectory {
	d := &MemoryUserDirectory{users: make(map[string]models.UserAccount)}
	for _, a := range accts {
		d.Put(a)
	}
	return d
}

func (d *MemoryUserDirectory) Put(a models.UserAccount) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[a.UserID]; !ok {
		d.order = append(d.order, a.UserID)
	}
	d.users[a.UserID] = a
}

func (d *MemoryUserDirectory) Lookup(ctx context.Context, userID string) (*models.UserAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.users[userID]
	if !ok {
		return nil, &IdentityError{UserID: userID, Err: ErrUserNotFound}
	}
	return &a, nil
}

func (d *MemoryUserDirectory) List(ctx context.Context) ([]models.UserAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.UserAccount, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.users[id])
	}
	return out, nil
}

// ClientFactory builds the exchange client for an account.
type ClientFactory interface {
	ClientFor(acct *models.UserAccount) (exchange.Client, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(acct *models.UserAccount) (exchange.Client, error)

func (f ClientFactoryFunc) ClientFor(acct *models.UserAccount) (exchange.Client, error) {
	return f(acct)
}

// ExchangeClients caches one client per user and API key.
type ExchangeClients struct {
	// Testnet forces every Binance client onto the testnet endpoints.
	Testnet bool

	mu      sync.Mutex
	clients map[string]exchange.Client
}

func NewExchangeClients() *ExchangeClients {
	return &ExchangeClients{clients: make(map[string]exchange.Client)}
}

func (f *ExchangeClients) ClientFor(acct *models.UserAccount) (exchange.Client, error) {
	key := acct.UserID + "|" + acct.APIKey
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	var c exchange.Client
	switch strings.ToLower(strings.TrimSpace(acct.Exchange)) {
	case "binance", "binanceusdm":
		c = exchange.NewBinanceClient(acct.APIKey, acct.APISecret, acct.Testnet || f.Testnet)
	default:
		return nil, &IdentityError{UserID: acct.UserID, Exchange: acct.Exchange, Err: ErrUnsupportedExchange}
	}
	f.clients[key] = c
	return c, nil
}
