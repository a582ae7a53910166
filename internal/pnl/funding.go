package pnl

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"pnldesk/internal/exchange"
)

// FundingResult is the outcome of a funding income walk. Total is zero
// whenever any page failed, so a partial sum is never reported as exact.
type FundingResult struct {
	Entries   []exchange.FundingEntry
	Total     decimal.Decimal
	Pages     int
	Failures  int
	Truncated bool
	Degraded  bool
}

// FetchFunding sums funding fee income for symbol over w, segmented like
// FetchTrades.
func FetchFunding(ctx context.Context, client exchange.Client, symbol string, w Window) FundingResult {
	return fetchFunding(ctx, client, symbol, w, SegmentMaxPages)
}

// FetchFundingInRange is the direct range variant.
func FetchFundingInRange(ctx context.Context, client exchange.Client, symbol string, w Window) FundingResult {
	return fetchFunding(ctx, client, symbol, w, RangeMaxPages)
}

func fetchFunding(ctx context.Context, client exchange.Client, symbol string, w Window, maxPages int) FundingResult {
	res := FundingResult{Total: decimal.Zero}
	lim := client.Limits()
	want := exchange.NormalizeSymbol(symbol)

	seen := make(map[string]struct{})
	for _, seg := range w.Segments(lim.MaxSpan) {
		pager := NewPager[exchange.FundingEntry](seg.Start, seg.End, lim.IncomePageSize, maxPages,
			func(ctx context.Context, cursor, end time.Time, limit int) ([]exchange.FundingEntry, error) {
				return client.FetchFundingIncome(ctx, want, cursor, end, limit)
			},
			func(e exchange.FundingEntry) time.Time { return e.Time },
		)
		rows, stats := pager.Drain(ctx)
		res.Pages += stats.Pages
		res.Failures += stats.Failures
		res.Truncated = res.Truncated || stats.Truncated

		for _, r := range rows {
			if exchange.NormalizeSymbol(r.Symbol) != want || !w.Contains(r.Time) {
				continue
			}
			k := r.ID
			if k == "" {
				k = r.Time.UTC().Format(time.RFC3339Nano) + "|" + r.Income.String()
			}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			res.Entries = append(res.Entries, r)
			res.Total = res.Total.Add(r.Income)
		}
	}

	res.Degraded = res.Failures > 0 || res.Truncated
	if res.Failures > 0 {
		res.Total = decimal.Zero
	}
	if res.Degraded {
		log.WithFields(log.Fields{
			"exchange":  client.Name(),
			"symbol":    want,
			"failures":  res.Failures,
			"truncated": res.Truncated,
		}).Warn("funding history degraded")
	}
	return res
}
