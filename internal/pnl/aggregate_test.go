package pnl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"pnldesk/internal/exchange"
	"pnldesk/internal/exchange/exchangetest"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got.String())
}

func TestAggregateMixedFills(t *testing.T) {
	now := time.Now()
	fills := []exchange.TradeFill{
		fill("1", now, "BTCUSDT", "10", "1"),
		fill("2", now, "BTCUSDT", "-2", "0.5"),
	}
	res := Aggregate(1, fills, dec("0.3"))

	assertDec(t, "8", res.Realized)
	assertDec(t, "1.5", res.Fee)
	assertDec(t, "6.8", res.Net)
	assert.True(t, res.HasTrade)
	assert.Equal(t, 2, res.TradeCount)
}

func TestAggregateFundingWithoutTrades(t *testing.T) {
	daily := Aggregate(7, nil, dec("0.3"))
	assert.False(t, daily.HasTrade)
	assert.True(t, daily.Net.IsZero())
	assertDec(t, "0.3", daily.Funding)

	week := AggregateWeek(nil, dec("0.3"))
	assert.False(t, week.HasTrade)
	assertDec(t, "0.3", week.Net)
}

func TestAggregateNegativeFeeUsesMagnitude(t *testing.T) {
	fills := []exchange.TradeFill{fill("1", time.Now(), "BTCUSDT", "4", "-0.25")}
	res := Aggregate(30, fills, decimal.Zero)
	assertDec(t, "3.75", res.Net)
}

func TestAggregateNetInvariant(t *testing.T) {
	cases := []struct {
		fills   []exchange.TradeFill
		funding string
	}{
		{nil, "0"},
		{nil, "-1.2"},
		{[]exchange.TradeFill{fill("1", time.Now(), "X", "0", "0")}, "0.1"},
		{[]exchange.TradeFill{fill("1", time.Now(), "X", "-3", "0.2"), fill("2", time.Now(), "X", "1", "0.1")}, "-0.4"},
	}
	for _, c := range cases {
		for _, days := range Windows {
			res := Aggregate(days, c.fills, dec(c.funding))
			if !res.HasTrade {
				assert.True(t, res.Net.IsZero())
				continue
			}
			assert.True(t, res.Realized.Sub(res.Fee.Abs()).Add(res.Funding).Equal(res.Net))
		}
	}
}

func TestComputeWindowFundingFailureZeroesOnlyFunding(t *testing.T) {
	now := time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
	p := exchangetest.New()
	p.Fills = []exchange.TradeFill{fill("1", now.Add(-time.Hour), "BTCUSDT", "10", "1")}
	p.Funding = []exchange.FundingEntry{{ID: "f", Time: now.Add(-time.Hour), Symbol: "BTCUSDT", Income: dec("0.5")}}
	p.FundingErr = errors.New("income endpoint down")

	res := ComputeWindow(context.Background(), p, "BTCUSDT", 1, now)
	assert.True(t, res.Degraded)
	assert.True(t, res.Funding.IsZero())
	assertDec(t, "9", res.Net)
}

func TestComputeWeekKeepsFunding(t *testing.T) {
	now := time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC)
	p := exchangetest.New()
	p.Funding = []exchange.FundingEntry{{ID: "f", Time: now.Add(-2 * day), Symbol: "BTCUSDT", Income: dec("-0.7")}}

	res := ComputeWeek(context.Background(), p, "BTCUSDT", Range(now.Add(-7*day), now))
	assert.False(t, res.HasTrade)
	assertDec(t, "-0.7", res.Net)
	assert.False(t, res.Degraded)
}
