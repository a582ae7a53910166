package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const (
	binanceMaxSpan        = 7 * 24 * time.Hour
	binanceTradePageSize  = 1000
	binanceIncomePageSize = 1000
	incomeTypeFundingFee  = "FUNDING_FEE"

	binanceTestnetURL = "https://testnet.binancefuture.com"
)

// BinanceClient implements Client on top of the USDⓈ-M futures REST API.
type BinanceClient struct {
	client *futures.Client
}

// NewBinanceClient creates a futures client for one API key pair. The
// testnet flag applies to this client only.
func NewBinanceClient(apiKey, secretKey string, testnet bool) *BinanceClient {
	c := futures.NewClient(apiKey, secretKey)
	if testnet {
		c.BaseURL = binanceTestnetURL
	}
	return &BinanceClient{client: c}
}

func (b *BinanceClient) Name() string { return "binance" }

func (b *BinanceClient) Limits() Limits {
	return Limits{
		MaxSpan:        binanceMaxSpan,
		TradePageSize:  binanceTradePageSize,
		IncomePageSize: binanceIncomePageSize,
	}
}

// FetchTrades returns account trades for symbol in [start,end], oldest first.
func (b *BinanceClient) FetchTrades(ctx context.Context, symbol string, start, end time.Time, limit int) ([]TradeFill, error) {
	if limit <= 0 || limit > binanceTradePageSize {
		limit = binanceTradePageSize
	}
	trades, err := b.client.NewListAccountTradeService().
		Symbol(NormalizeSymbol(symbol)).
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list account trades %s: %w", symbol, err)
	}

	fills := make([]TradeFill, 0, len(trades))
	for _, t := range trades {
		if t == nil {
			continue
		}
		fills = append(fills, TradeFill{
			ID:     strconv.FormatInt(t.ID, 10),
			Time:   time.UnixMilli(t.Time),
			Symbol: t.Symbol,
			Fee:    parseDecimal(t.Commission),
			Fields: map[string]string{
				"realizedPnl": t.RealizedPnl,
				"price":       t.Price,
				"qty":         t.Quantity,
			},
		})
	}
	return fills, nil
}

// FetchFundingIncome returns FUNDING_FEE income rows for symbol in [start,end].
func (b *BinanceClient) FetchFundingIncome(ctx context.Context, symbol string, start, end time.Time, limit int) ([]FundingEntry, error) {
	if limit <= 0 || limit > binanceIncomePageSize {
		limit = binanceIncomePageSize
	}
	rows, err := b.client.NewGetIncomeHistoryService().
		Symbol(NormalizeSymbol(symbol)).
		IncomeType(incomeTypeFundingFee).
		StartTime(start.UnixMilli()).
		EndTime(end.UnixMilli()).
		Limit(int64(limit)).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("income history %s: %w", symbol, err)
	}

	entries := make([]FundingEntry, 0, len(rows))
	for _, r := range rows {
		if r == nil || r.IncomeType != incomeTypeFundingFee {
			continue
		}
		entries = append(entries, FundingEntry{
			ID:     strconv.FormatInt(r.TranID, 10),
			Time:   time.UnixMilli(r.Time),
			Symbol: r.Symbol,
			Income: parseDecimal(r.Income),
		})
	}
	return entries, nil
}

// FetchAccount 获取账户余额与指定交易对的持仓
func (b *BinanceClient) FetchAccount(ctx context.Context, symbol string) (AccountState, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return AccountState{}, fmt.Errorf("get account: %w", err)
	}
	risks, err := b.client.NewGetPositionRiskService().Symbol(NormalizeSymbol(symbol)).Do(ctx)
	if err != nil {
		return AccountState{}, fmt.Errorf("get position risk %s: %w", symbol, err)
	}

	state := AccountState{
		WalletBalance:    parseDecimal(acct.TotalWalletBalance),
		AvailableBalance: parseDecimal(acct.MaxWithdrawAmount),
		MarginBalance:    parseDecimal(acct.TotalMarginBalance),
		UnrealizedPnl:    parseDecimal(acct.TotalUnrealizedProfit),
	}
	for _, p := range risks {
		if p == nil {
			continue
		}
		state.Positions = append(state.Positions, PositionState{
			Symbol:           p.Symbol,
			Side:             p.PositionSide,
			Quantity:         parseDecimal(p.PositionAmt),
			EntryPrice:       parseDecimal(p.EntryPrice),
			MarkPrice:        parseDecimal(p.MarkPrice),
			LiquidationPrice: parseDecimal(p.LiquidationPrice),
			Leverage:         parseDecimal(p.Leverage),
			UnrealizedPnl:    parseDecimal(p.UnRealizedProfit),
		})
	}
	return state, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
