package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Limits describes what a provider allows per history call.
type Limits struct {
	MaxSpan        time.Duration // widest [start,end] a single history call accepts
	TradePageSize  int
	IncomePageSize int
}

// TradeFill is one execution as reported by the exchange. Fields keeps the
// provider's raw numeric columns so callers can pick the realized PnL key
// they trust.
type TradeFill struct {
	ID     string // 交易所成交 ID，为空时按整行去重
	Time   time.Time
	Symbol string
	Fee    decimal.Decimal
	Fields map[string]string
}

// FundingEntry is a signed funding-fee income row.
type FundingEntry struct {
	ID     string
	Time   time.Time
	Symbol string
	Income decimal.Decimal
}

// PositionState 持仓快照
type PositionState struct {
	Symbol           string
	Side             string // LONG | SHORT | BOTH
	Quantity         decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
	Leverage         decimal.Decimal
	UnrealizedPnl    decimal.Decimal
}

// AccountState 账户余额与持仓
type AccountState struct {
	WalletBalance    decimal.Decimal
	AvailableBalance decimal.Decimal
	MarginBalance    decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	Positions        []PositionState
}

// Client is the capability the PnL engine needs from an exchange. History
// calls are expected to be paginated by the caller; a single call never
// spans more than Limits().MaxSpan.
type Client interface {
	Name() string
	Limits() Limits
	FetchTrades(ctx context.Context, symbol string, start, end time.Time, limit int) ([]TradeFill, error)
	FetchFundingIncome(ctx context.Context, symbol string, start, end time.Time, limit int) ([]FundingEntry, error)
	FetchAccount(ctx context.Context, symbol string) (AccountState, error)
}

// NormalizeSymbol turns "btc/usdt:usdt", "BTC-USDT" or "btc_usdt" into "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}
