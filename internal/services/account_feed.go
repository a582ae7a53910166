package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pnldesk/internal/exchange"
	"pnldesk/internal/models"
	"pnldesk/internal/stream"
)

// AccountUpdatesExchange is the fanout exchange carrying account_update.
const AccountUpdatesExchange = "account_updates"

// Publisher sends a JSON message to a fanout exchange.
type Publisher interface {
	PublishExchange(exchange string, message interface{}) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(exchange string, message interface{}) error

func (f PublisherFunc) PublishExchange(exchange string, message interface{}) error {
	return f(exchange, message)
}

// AccountFeed 定时拉取每个账户的余额与持仓，作为 account_update 推送出去
type AccountFeed struct {
	users    UserDirectory
	clients  ClientFactory
	pub      Publisher
	interval time.Duration
	parallel int
	now      func() time.Time

	mu   sync.Mutex
	seq  map[string]int64
	last map[string]string
}

func NewAccountFeed(users UserDirectory, clients ClientFactory, pub Publisher, interval time.Duration) *AccountFeed {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &AccountFeed{
		users:    users,
		clients:  clients,
		pub:      pub,
		interval: interval,
		parallel: 4,
		now:      time.Now,
		seq:      make(map[string]int64),
		last:     make(map[string]string),
	}
}

// Run polls every interval until ctx is done.
func (f *AccountFeed) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	f.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.PollOnce(ctx)
		}
	}
}

// PollOnce publishes one update per reachable account and returns how
// many were published.
func (f *AccountFeed) PollOnce(ctx context.Context) int {
	accts, err := f.users.List(ctx)
	if err != nil {
		log.Errorf("account feed: list users failed: %v", err)
		return 0
	}

	var mu sync.Mutex
	published := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallel)
	for i := range accts {
		acct := accts[i]
		g.Go(func() error {
			if f.pollAccount(gctx, &acct) {
				mu.Lock()
				published++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return published
}

func (f *AccountFeed) pollAccount(ctx context.Context, acct *models.UserAccount) bool {
	logger := log.WithFields(log.Fields{"user": acct.UserID, "exchange": acct.Exchange})
	client, err := f.clients.ClientFor(acct)
	if err != nil {
		logger.Warnf("account feed: %v", err)
		return false
	}
	state, err := client.FetchAccount(ctx, acct.Pair)
	if err != nil {
		logger.Warnf("account feed: fetch account failed: %v", err)
		return false
	}

	update := f.nextUpdate(acct, state)
	if err := f.pub.PublishExchange(AccountUpdatesExchange, update); err != nil {
		logger.Errorf("account feed: publish failed: %v", err)
		return false
	}
	return true
}

func (f *AccountFeed) nextUpdate(acct *models.UserAccount, state exchange.AccountState) *stream.AccountUpdate {
	key := positionsKey(state.Positions)

	f.mu.Lock()
	f.seq[acct.UserID]++
	seq := f.seq[acct.UserID]
	prev, seen := f.last[acct.UserID]
	f.last[acct.UserID] = key
	f.mu.Unlock()

	u := BuildAccountUpdate(acct, state)
	u.Seq = seq
	u.Ts = f.now().UnixMilli()
	if seen && prev != key {
		u.ChangedKeys = []string{"positions"}
	}
	return u
}

// BuildAccountUpdate converts an exchange snapshot into a stream message.
// Positions is always present so an empty account reads as closed.
func BuildAccountUpdate(acct *models.UserAccount, state exchange.AccountState) *stream.AccountUpdate {
	positions := make([]stream.Position, 0, len(state.Positions))
	for _, p := range state.Positions {
		positions = append(positions, stream.Position{
			Symbol:           exchange.NormalizeSymbol(p.Symbol),
			Side:             strings.ToUpper(p.Side),
			Size:             stream.Number(p.Quantity.InexactFloat64()),
			EntryPrice:       stream.Number(p.EntryPrice.InexactFloat64()),
			MarkPrice:        stream.Number(p.MarkPrice.InexactFloat64()),
			LiquidationPrice: stream.Number(p.LiquidationPrice.InexactFloat64()),
			Leverage:         stream.Number(p.Leverage.InexactFloat64()),
			UnrealizedPnl:    stream.Number(p.UnrealizedPnl.InexactFloat64()),
		})
	}
	return &stream.AccountUpdate{
		Type:        stream.TypeAccountUpdate,
		UserID:      acct.UserID,
		Exchange:    acct.Exchange,
		Pair:        acct.Pair,
		DisplayName: acct.DisplayName,
		UID:         acct.UID,
		Positions:   positions,
		Summary: stream.Summary{
			"walletBalance":    state.WalletBalance.InexactFloat64(),
			"availableBalance": state.AvailableBalance.InexactFloat64(),
			"marginBalance":    state.MarginBalance.InexactFloat64(),
			"unrealizedPnl":    state.UnrealizedPnl.InexactFloat64(),
		},
	}
}

// positionsKey identifies the set of open positions and their sizes.
func positionsKey(ps []exchange.PositionState) string {
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		if p.Quantity.IsZero() {
			continue
		}
		parts = append(parts, exchange.NormalizeSymbol(p.Symbol)+"/"+strings.ToUpper(p.Side)+"/"+p.Quantity.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}
