package pnl

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"pnldesk/internal/exchange"
)

// RealizedKeys lists the raw fill columns that may carry realized PnL, in
// priority order. The first one present on a fill wins.
var RealizedKeys = []string{"realizedPnl", "realizedPnL", "realized_pnl", "closedPnl", "pnl"}

// TradeResult is the outcome of a trade history walk. A degraded result
// may be missing fills; a non-degraded empty result means no trades.
type TradeResult struct {
	Fills     []exchange.TradeFill
	Pages     int
	Failures  int
	Truncated bool
	Degraded  bool
}

// FetchTrades collects fills for symbol over w, split into segments no
// wider than the provider's max span, each walked with SegmentMaxPages.
func FetchTrades(ctx context.Context, client exchange.Client, symbol string, w Window) TradeResult {
	return fetchTrades(ctx, client, symbol, w, SegmentMaxPages)
}

// FetchTradesInRange is the direct range variant used for explicit
// [start,end] queries, walked with RangeMaxPages per segment.
func FetchTradesInRange(ctx context.Context, client exchange.Client, symbol string, w Window) TradeResult {
	return fetchTrades(ctx, client, symbol, w, RangeMaxPages)
}

func fetchTrades(ctx context.Context, client exchange.Client, symbol string, w Window, maxPages int) TradeResult {
	var res TradeResult
	lim := client.Limits()
	want := exchange.NormalizeSymbol(symbol)

	// 无 ID 的成交按单页内出现次数计数，跨页重复只取最大次数
	type seenFill struct {
		fill exchange.TradeFill
		n    int
	}
	seen := make(map[string]*seenFill)
	var order []string
	for _, seg := range w.Segments(lim.MaxSpan) {
		pager := NewPager[exchange.TradeFill](seg.Start, seg.End, lim.TradePageSize, maxPages,
			func(ctx context.Context, cursor, end time.Time, limit int) ([]exchange.TradeFill, error) {
				return client.FetchTrades(ctx, want, cursor, end, limit)
			},
			func(f exchange.TradeFill) time.Time { return f.Time },
		)
		for pager.Next(ctx) {
			perPage := make(map[string]int)
			for _, f := range pager.Page() {
				if exchange.NormalizeSymbol(f.Symbol) != want || !w.Contains(f.Time) {
					continue
				}
				k := fillKey(f)
				if f.ID != "" {
					perPage[k] = 1
				} else {
					perPage[k]++
				}
				if _, ok := seen[k]; !ok {
					seen[k] = &seenFill{fill: f}
					order = append(order, k)
				}
			}
			for k, n := range perPage {
				if n > seen[k].n {
					seen[k].n = n
				}
			}
		}
		stats := pager.Stats()
		res.Pages += stats.Pages
		res.Failures += stats.Failures
		res.Truncated = res.Truncated || stats.Truncated
	}

	for _, k := range order {
		for i := 0; i < seen[k].n; i++ {
			res.Fills = append(res.Fills, seen[k].fill)
		}
	}
	sort.SliceStable(res.Fills, func(i, j int) bool { return res.Fills[i].Time.Before(res.Fills[j].Time) })

	res.Degraded = res.Failures > 0 || res.Truncated
	if res.Degraded {
		log.WithFields(log.Fields{
			"exchange":  client.Name(),
			"symbol":    want,
			"start":     w.Start.UTC().Format(time.RFC3339),
			"end":       w.End.UTC().Format(time.RFC3339),
			"failures":  res.Failures,
			"truncated": res.Truncated,
			"fills":     len(res.Fills),
		}).Warn("trade history degraded")
	}
	return res
}

// fillKey is the fill ID when present, otherwise every column of the row.
func fillKey(f exchange.TradeFill) string {
	if f.ID != "" {
		return f.ID
	}
	var b strings.Builder
	b.WriteString(f.Time.UTC().Format(time.RFC3339Nano))
	b.WriteString("|")
	b.WriteString(f.Symbol)
	b.WriteString("|")
	b.WriteString(f.Fee.String())
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(f.Fields[k])
	}
	return b.String()
}

// RealizedOf reads the realized PnL of a fill from the first key in
// RealizedKeys that is present and numeric. Fills without one count as 0.
func RealizedOf(f exchange.TradeFill) decimal.Decimal {
	for _, k := range RealizedKeys {
		v, ok := f.Fields[k]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			continue
		}
		return d
	}
	return decimal.Zero
}
