package pnl

import (
	"context"
	"time"
)

// Page budgets. A segmented fetch walks at most SegmentMaxPages pages per
// segment; a direct range fetch at most RangeMaxPages.
const (
	SegmentMaxPages = 20
	RangeMaxPages   = 50
)

// PageFunc fetches one page of rows with timestamps in [cursor, end].
type PageFunc[T any] func(ctx context.Context, cursor, end time.Time, limit int) ([]T, error)

// PageStats summarises one pager walk.
type PageStats struct {
	Pages     int
	Failures  int
	Truncated bool // stopped by the page budget while more rows may exist
}

// Pager walks a time-cursor paginated endpoint. The next cursor is the
// newest timestamp of the previous page plus one millisecond.
//
// A walk ends on the first of: an empty page, a page shorter than the page
// size, a cursor that fails to advance, a page error, a cancelled context,
// or MaxPages pages fetched. Every walk therefore terminates after at most
// MaxPages provider calls, whatever the provider returns.
type Pager[T any] struct {
	fetch    PageFunc[T]
	stamp    func(T) time.Time
	pageSize int
	maxPages int

	cursor time.Time
	end    time.Time
	page   []T
	done   bool
	stats  PageStats
}

// NewPager prepares a walk over [start, end].
func NewPager[T any](start, end time.Time, pageSize, maxPages int, fetch PageFunc[T], stamp func(T) time.Time) *Pager[T] {
	if maxPages <= 0 {
		maxPages = 1
	}
	return &Pager[T]{
		fetch:    fetch,
		stamp:    stamp,
		pageSize: pageSize,
		maxPages: maxPages,
		cursor:   start,
		end:      end,
	}
}

// Next fetches the next page. It returns false when the walk is over; the
// page fetched by the last true call is available through Page.
func (p *Pager[T]) Next(ctx context.Context) bool {
	p.page = nil
	if p.done {
		return false
	}
	if p.stats.Pages >= p.maxPages {
		p.done = true
		p.stats.Truncated = true
		return false
	}
	if ctx.Err() != nil {
		p.done = true
		p.stats.Failures++
		return false
	}
	if p.cursor.After(p.end) {
		p.done = true
		return false
	}

	items, err := p.fetch(ctx, p.cursor, p.end, p.pageSize)
	p.stats.Pages++
	if err != nil {
		p.done = true
		p.stats.Failures++
		return false
	}
	if len(items) == 0 {
		p.done = true
		return false
	}
	p.page = items

	newest := p.stamp(items[0])
	for _, it := range items[1:] {
		if ts := p.stamp(it); ts.After(newest) {
			newest = ts
		}
	}
	next := newest.Add(time.Millisecond)
	if (p.pageSize > 0 && len(items) < p.pageSize) || !next.After(p.cursor) {
		p.done = true
	} else {
		p.cursor = next
	}
	return true
}

// Page returns the rows fetched by the last successful Next.
func (p *Pager[T]) Page() []T { return p.page }

// Stats reports pages, failures and truncation so far.
func (p *Pager[T]) Stats() PageStats { return p.stats }

// Drain runs the pager to completion and returns every row seen.
func (p *Pager[T]) Drain(ctx context.Context) ([]T, PageStats) {
	var all []T
	for p.Next(ctx) {
		all = append(all, p.Page()...)
	}
	return all, p.stats
}
