package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pnldesk/internal/exchange"
	"pnldesk/internal/exchange/exchangetest"
	"pnldesk/internal/models"
	"pnldesk/internal/stream"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*stream.AccountUpdate
}

func (r *recordingPublisher) PublishExchange(name string, message interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name != AccountUpdatesExchange {
		return errors.New("wrong exchange " + name)
	}
	r.msgs = append(r.msgs, message.(*stream.AccountUpdate))
	return nil
}

func (r *recordingPublisher) last() *stream.AccountUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

func TestAccountFeedPublishesSequencedUpdates(t *testing.T) {
	p := exchangetest.New()
	p.Account = exchange.AccountState{
		WalletBalance:    dec("1000"),
		AvailableBalance: dec("800"),
		MarginBalance:    dec("1010"),
		UnrealizedPnl:    dec("10"),
		Positions: []exchange.PositionState{{
			Symbol:     "BTCUSDT",
			Side:       "long",
			Quantity:   dec("0.1"),
			EntryPrice: dec("60000"),
			MarkPrice:  dec("60100"),
			Leverage:   dec("5"),
		}},
	}
	pub := &recordingPublisher{}
	clients := ClientFactoryFunc(func(*models.UserAccount) (exchange.Client, error) { return p, nil })
	feed := NewAccountFeed(NewMemoryUserDirectory(testAccount()), clients, pub, time.Second)
	feed.now = func() time.Time { return testNow }

	require.Equal(t, 1, feed.PollOnce(context.Background()))
	u := pub.last()
	assert.Equal(t, stream.TypeAccountUpdate, u.Type)
	assert.Equal(t, "u1", u.UserID)
	assert.Equal(t, "alice", u.DisplayName)
	assert.Equal(t, int64(1), u.Seq)
	assert.Equal(t, testNow.UnixMilli(), u.Ts)
	assert.Empty(t, u.ChangedKeys)
	require.Len(t, u.Positions, 1)
	assert.Equal(t, "LONG", u.Positions[0].Side)
	assert.Equal(t, stream.Number(0.1), u.Positions[0].Size)
	assert.Equal(t, 1000.0, u.Summary["walletBalance"])

	// unchanged positions
	feed.PollOnce(context.Background())
	assert.Equal(t, int64(2), pub.last().Seq)
	assert.Empty(t, pub.last().ChangedKeys)

	// closed
	p.Account.Positions = nil
	feed.PollOnce(context.Background())
	u = pub.last()
	assert.Equal(t, int64(3), u.Seq)
	assert.Equal(t, []string{"positions"}, u.ChangedKeys)
	assert.NotNil(t, u.Positions)
	assert.Len(t, u.Positions, 0)
}

func TestAccountFeedSkipsFailingAccounts(t *testing.T) {
	p := exchangetest.New()
	p.AccountErr = errors.New("418 banned")
	pub := &recordingPublisher{}
	clients := ClientFactoryFunc(func(*models.UserAccount) (exchange.Client, error) { return p, nil })

	other := testAccount()
	other.UserID, other.Exchange = "u2", "kraken"
	feed := NewAccountFeed(NewMemoryUserDirectory(other), NewExchangeClients(), pub, 0)
	assert.Zero(t, feed.PollOnce(context.Background()))

	feed = NewAccountFeed(NewMemoryUserDirectory(testAccount()), clients, pub, 0)
	assert.Zero(t, feed.PollOnce(context.Background()))
	assert.Empty(t, pub.msgs)
}
