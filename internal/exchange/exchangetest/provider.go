// Package exchangetest provides an in-memory exchange.Client for tests.
package exchangetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pnldesk/internal/exchange"
)

// ErrSpanTooWide mirrors the provider error for a range wider than MaxSpan.
var ErrSpanTooWide = errors.New("exchangetest: time range exceeds max span")

// Provider serves fills and funding rows from memory, honouring the
// window and page size like a real history endpoint would.
type Provider struct {
	mu sync.Mutex

	Fills   []exchange.TradeFill
	Funding []exchange.FundingEntry
	Account exchange.AccountState
	Lim     exchange.Limits

	// EnforceSpan rejects calls wider than Lim.MaxSpan.
	EnforceSpan bool
	// Overreach adds this much to both ends of every query, simulating a
	// provider that returns rows outside the requested window.
	Overreach time.Duration
	// TradeErr / FundingErr fail every call when set.
	TradeErr   error
	FundingErr error
	AccountErr error
	// FailTradeCalls fails the n-th trade calls (1-based).
	FailTradeCalls map[int]bool

	TradeCalls   int
	FundingCalls int
	AccountCalls int
}

// New returns a provider with Binance-like limits.
func New() *Provider {
	return &Provider{
		Lim: exchange.Limits{
			MaxSpan:        7 * 24 * time.Hour,
			TradePageSize:  1000,
			IncomePageSize: 1000,
		},
	}
}

func (p *Provider) Name() string { return "binance" }

func (p *Provider) Limits() exchange.Limits { return p.Lim }

func (p *Provider) FetchTrades(ctx context.Context, symbol string, start, end time.Time, limit int) ([]exchange.TradeFill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TradeCalls++
	if p.TradeErr != nil {
		return nil, p.TradeErr
	}
	if p.FailTradeCalls[p.TradeCalls] {
		return nil, fmt.Errorf("exchangetest: trade call %d failed", p.TradeCalls)
	}
	if p.EnforceSpan && end.Sub(start) > p.Lim.MaxSpan {
		return nil, ErrSpanTooWide
	}
	start, end = start.Add(-p.Overreach), end.Add(p.Overreach)

	fills := append([]exchange.TradeFill(nil), p.Fills...)
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].Time.Before(fills[j].Time) })
	var out []exchange.TradeFill
	for _, f := range fills {
		if f.Time.Before(start) || f.Time.After(end) {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (p *Provider) FetchFundingIncome(ctx context.Context, symbol string, start, end time.Time, limit int) ([]exchange.FundingEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FundingCalls++
	if p.FundingErr != nil {
		return nil, p.FundingErr
	}
	if p.EnforceSpan && end.Sub(start) > p.Lim.MaxSpan {
		return nil, ErrSpanTooWide
	}
	start, end = start.Add(-p.Overreach), end.Add(p.Overreach)

	rows := append([]exchange.FundingEntry(nil), p.Funding...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
	var out []exchange.FundingEntry
	for _, r := range rows {
		if r.Time.Before(start) || r.Time.After(end) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (p *Provider) FetchAccount(ctx context.Context, symbol string) (exchange.AccountState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AccountCalls++
	if p.AccountErr != nil {
		return exchange.AccountState{}, p.AccountErr
	}
	return p.Account, nil
}

// Calls returns the total number of history round trips served.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.TradeCalls + p.FundingCalls
}
