package pnl

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"pnldesk/internal/exchange"
)

// WindowResult 单个窗口（1/7/30 天）的聚合结果
type WindowResult struct {
	Days       int
	Realized   decimal.Decimal
	Fee        decimal.Decimal
	Funding    decimal.Decimal
	Net        decimal.Decimal
	HasTrade   bool
	TradeCount int
	Degraded   bool
}

// WeekResult 周结算口径：资金费无论是否有成交都计入
type WeekResult struct {
	Realized   decimal.Decimal
	Fee        decimal.Decimal
	Funding    decimal.Decimal
	Net        decimal.Decimal
	HasTrade   bool
	TradeCount int
	Degraded   bool
}

func sumFills(fills []exchange.TradeFill) (realized, fee decimal.Decimal) {
	realized, fee = decimal.Zero, decimal.Zero
	for _, f := range fills {
		realized = realized.Add(RealizedOf(f))
		fee = fee.Add(f.Fee)
	}
	return realized, fee
}

// Aggregate builds a dashboard window. Net is realized − |fee| + funding,
// and is forced to zero when the window has no fills: funding alone never
// produces a dashboard figure.
func Aggregate(days int, fills []exchange.TradeFill, funding decimal.Decimal) WindowResult {
	realized, fee := sumFills(fills)
	res := WindowResult{
		Days:       days,
		Realized:   realized,
		Fee:        fee,
		Funding:    funding,
		HasTrade:   len(fills) > 0,
		TradeCount: len(fills),
		Net:        decimal.Zero,
	}
	if res.HasTrade {
		res.Net = realized.Sub(fee.Abs()).Add(funding)
	}
	return res
}

// AggregateWeek builds the weekly payout figure. Net is realized − |fee| +
// funding unconditionally, so funding carry is settled even in weeks
// without trades.
func AggregateWeek(fills []exchange.TradeFill, funding decimal.Decimal) WeekResult {
	realized, fee := sumFills(fills)
	return WeekResult{
		Realized:   realized,
		Fee:        fee,
		Funding:    funding,
		Net:        realized.Sub(fee.Abs()).Add(funding),
		HasTrade:   len(fills) > 0,
		TradeCount: len(fills),
	}
}

// ComputeWindow fetches and aggregates one trailing window ending at now.
// A funding failure zeroes only the funding term; a trade failure yields
// whatever fills were collected (none on total failure).
func ComputeWindow(ctx context.Context, client exchange.Client, symbol string, days int, now time.Time) WindowResult {
	w := LastDays(now, days)
	trades := FetchTrades(ctx, client, symbol, w)
	funding := FetchFunding(ctx, client, symbol, w)

	res := Aggregate(days, trades.Fills, funding.Total)
	res.Degraded = trades.Degraded || funding.Degraded
	return res
}

// ComputeWeek fetches and aggregates an explicit payout range.
func ComputeWeek(ctx context.Context, client exchange.Client, symbol string, w Window) WeekResult {
	trades := FetchTradesInRange(ctx, client, symbol, w)
	funding := FetchFundingInRange(ctx, client, symbol, w)

	res := AggregateWeek(trades.Fills, funding.Total)
	res.Degraded = trades.Degraded || funding.Degraded
	return res
}
