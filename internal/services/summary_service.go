package services

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pnldesk/internal/exchange"
	"pnldesk/internal/models"
	"pnldesk/internal/pnl"
)

const dateLayout = "2006-01-02"

// CacheState 缓存状态
type CacheState string

const (
	StateNoCache CacheState = "NoCache"
	StateFresh   CacheState = "Fresh"
	StateStale   CacheState = "Stale"
)

// SummaryConfig holds the knobs of SummaryService.
type SummaryConfig struct {
	Location          *time.Location
	RecomputeInterval time.Duration
	RetentionDays     int
	CommissionPercent decimal.Decimal
}

// SummaryOptions 查询参数
type SummaryOptions struct {
	Force bool
	Debug bool
}

// SummaryDebug carries the per-window breakdown returned in debug mode.
type SummaryDebug struct {
	Realized1d     float64 `json:"realized1d"`
	Realized7d     float64 `json:"realized7d"`
	Realized30d    float64 `json:"realized30d"`
	Fee1d          float64 `json:"fee1d"`
	Fee7d          float64 `json:"fee7d"`
	Fee30d         float64 `json:"fee30d"`
	TradesCount1d  int     `json:"tradesCount1d"`
	TradesCount7d  int     `json:"tradesCount7d"`
	TradesCount30d int     `json:"tradesCount30d"`
}

// Summary is the dashboard payload of one user.
type Summary struct {
	UserID      string     `json:"userId"`
	Date        string     `json:"date"`
	FeePaid     float64    `json:"feePaid"`
	Pnl1d       float64    `json:"pnl1d"`
	Pnl7d       float64    `json:"pnl7d"`
	Pnl30d      float64    `json:"pnl30d"`
	HasTrade1d  bool       `json:"hasTrade1d"`
	HasTrade7d  bool       `json:"hasTrade7d"`
	HasTrade30d bool       `json:"hasTrade30d"`
	State       CacheState `json:"state"`
	Recomputed  bool       `json:"recomputed"`
	Degraded    bool       `json:"degraded"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	*SummaryDebug
}

// WeeklyQuery selects the payout range. Zero Start/End fall back to the
// trailing seven days.
type WeeklyQuery struct {
	Exchange string
	Start    time.Time
	End      time.Time
}

// WeeklySummary 周结算结果
type WeeklySummary struct {
	UserID         string    `json:"userId"`
	Exchange       string    `json:"exchange"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	PnlWeek        float64   `json:"pnlWeek"`
	FeeWeek        float64   `json:"feeWeek"`
	FundingWeek    float64   `json:"fundingWeek"`
	RealizedWeek   float64   `json:"realizedWeek"`
	HasTradeWeek   bool      `json:"hasTradeWeek"`
	TradeCountWeek int       `json:"tradeCountWeek"`
	CommissionWeek int64     `json:"commissionWeek"`
	Degraded       bool      `json:"degraded"`
}

// PurgeResult reports a retention sweep.
type PurgeResult struct {
	Cutoff  string `json:"cutoff"`
	Days    int    `json:"days"`
	Deleted int64  `json:"deleted"`
}

// SummaryService 负责 1/7/30 天盈亏的缓存、按需重算、周结算和过期清理
type SummaryService struct {
	store   CacheStore
	users   UserDirectory
	clients ClientFactory
	guard   *RecomputeGuard
	cfg     SummaryConfig
	now     func() time.Time
}

func NewSummaryService(store CacheStore, users UserDirectory, clients ClientFactory, guard *RecomputeGuard, cfg SummaryConfig) *SummaryService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 40
	}
	if guard == nil {
		guard = NewRecomputeGuard(cfg.RecomputeInterval)
	}
	return &SummaryService{
		store:   store,
		users:   users,
		clients: clients,
		guard:   guard,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (s *SummaryService) SetClock(now func() time.Time) { s.now = now }

// Guard exposes the recompute throttle for housekeeping.
func (s *SummaryService) Guard() *RecomputeGuard { return s.guard }

// LocalDate is the cache date of t in the exchange-local timezone.
func (s *SummaryService) LocalDate(t time.Time) string {
	return t.In(s.cfg.Location).Format(dateLayout)
}

func (s *SummaryService) resolve(ctx context.Context, userID string) (*models.UserAccount, exchange.Client, error) {
	acct, err := s.users.Lookup(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	client, err := s.clients.ClientFor(acct)
	if err != nil {
		return nil, nil, err
	}
	return acct, client, nil
}

// Summary serves today's record for userID, recomputing it when there is
// none, when opts.Force is set, or when the guard reports it stale.
// Only identity failures are returned as errors.
func (s *SummaryService) Summary(ctx context.Context, userID string, opts SummaryOptions) (*Summary, error) {
	acct, client, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	date := s.LocalDate(now)

	rec, err := s.store.Get(ctx, acct.UserID, date)
	if err != nil {
		log.WithFields(log.Fields{"user": acct.UserID, "date": date}).Warnf("read pnl cache failed: %v", err)
		rec = nil
	}

	state := StateNoCache
	if rec != nil {
		state = StateFresh
		if s.guard.Allow(acct.UserID, now) {
			state = StateStale
		}
	}

	recomputed := false
	if rec == nil || opts.Force || state == StateStale {
		rec = s.recompute(ctx, acct, client, now, date)
		recomputed = true
		if err := s.store.Upsert(ctx, rec); err != nil {
			log.WithFields(log.Fields{"user": acct.UserID, "date": date}).Errorf("upsert pnl cache failed: %v", err)
		}
	}

	return toSummary(rec, state, recomputed, opts.Debug), nil
}

// Recompute unconditionally refreshes today's record for userID.
func (s *SummaryService) Recompute(ctx context.Context, userID string) (*Summary, error) {
	acct, client, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	date := s.LocalDate(now)
	rec := s.recompute(ctx, acct, client, now, date)
	if err := s.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	return toSummary(rec, StateStale, true, true), nil
}

// recompute runs the three windows independently and folds them into one
// record. A failing window only degrades itself.
func (s *SummaryService) recompute(ctx context.Context, acct *models.UserAccount, client exchange.Client, now time.Time, date string) *models.PnlCacheRecord {
	s.guard.Mark(acct.UserID, now)

	results := make([]pnl.WindowResult, len(pnl.Windows))
	g, gctx := errgroup.WithContext(ctx)
	for i, days := range pnl.Windows {
		i, days := i, days
		g.Go(func() error {
			results[i] = pnl.ComputeWindow(gctx, client, acct.Pair, days, now)
			return nil
		})
	}
	_ = g.Wait()

	rec := &models.PnlCacheRecord{
		UserID:     acct.UserID,
		Date:       date,
		ComputedAt: now,
		UpdatedAt:  now,
	}
	for _, r := range results {
		net := r.Net.InexactFloat64()
		fee := r.Fee.InexactFloat64()
		realized := r.Realized.InexactFloat64()
		switch r.Days {
		case 1:
			rec.Pnl1d, rec.Fee1d, rec.HasTrade1d, rec.Realized1d, rec.Trades1d = net, fee, r.HasTrade, realized, r.TradeCount
		case 7:
			rec.Pnl7d, rec.Fee7d, rec.HasTrade7d, rec.Realized7d, rec.Trades7d = net, fee, r.HasTrade, realized, r.TradeCount
		case 30:
			rec.Pnl30d, rec.Fee30d, rec.HasTrade30d, rec.Realized30d, rec.Trades30d = net, fee, r.HasTrade, realized, r.TradeCount
		}
		rec.Degraded = rec.Degraded || r.Degraded
	}

	log.WithFields(log.Fields{
		"user":     acct.UserID,
		"date":     date,
		"pnl1d":    rec.Pnl1d,
		"pnl7d":    rec.Pnl7d,
		"pnl30d":   rec.Pnl30d,
		"degraded": rec.Degraded,
	}).Info("pnl recomputed")
	return rec
}

func toSummary(rec *models.PnlCacheRecord, state CacheState, recomputed, debug bool) *Summary {
	out := &Summary{
		UserID:      rec.UserID,
		Date:        rec.Date,
		FeePaid:     rec.Fee30d,
		Pnl1d:       rec.Pnl1d,
		Pnl7d:       rec.Pnl7d,
		Pnl30d:      rec.Pnl30d,
		HasTrade1d:  rec.HasTrade1d,
		HasTrade7d:  rec.HasTrade7d,
		HasTrade30d: rec.HasTrade30d,
		State:       state,
		Recomputed:  recomputed,
		Degraded:    rec.Degraded,
		UpdatedAt:   rec.UpdatedAt,
	}
	if debug {
		out.SummaryDebug = &SummaryDebug{
			Realized1d:     rec.Realized1d,
			Realized7d:     rec.Realized7d,
			Realized30d:    rec.Realized30d,
			Fee1d:          rec.Fee1d,
			Fee7d:          rec.Fee7d,
			Fee30d:         rec.Fee30d,
			TradesCount1d:  rec.Trades1d,
			TradesCount7d:  rec.Trades7d,
			TradesCount30d: rec.Trades30d,
		}
	}
	return out
}

// Weekly computes the payout figure over q's range. The exchange in q, when
// set, must match the user's account.
func (s *SummaryService) Weekly(ctx context.Context, userID string, q WeeklyQuery) (*WeeklySummary, error) {
	acct, err := s.users.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if q.Exchange != "" && !strings.EqualFold(strings.TrimSpace(q.Exchange), acct.Exchange) {
		return nil, &IdentityError{UserID: userID, Exchange: q.Exchange, Err: ErrExchangeMismatch}
	}
	client, err := s.clients.ClientFor(acct)
	if err != nil {
		return nil, err
	}

	w := pnl.LastDays(s.now(), 7)
	if !q.Start.IsZero() || !q.End.IsZero() {
		start, end := q.Start, q.End
		if end.IsZero() {
			end = s.now()
		}
		if start.IsZero() {
			start = end.Add(-7 * 24 * time.Hour)
		}
		w = pnl.Range(start, end)
	}

	res := pnl.ComputeWeek(ctx, client, acct.Pair, w)
	commission := res.Net.Mul(s.cfg.CommissionPercent).Div(decimal.NewFromInt(100)).Round(0)

	return &WeeklySummary{
		UserID:         acct.UserID,
		Exchange:       acct.Exchange,
		Start:          w.Start,
		End:            w.End,
		PnlWeek:        res.Net.InexactFloat64(),
		FeeWeek:        res.Fee.InexactFloat64(),
		FundingWeek:    res.Funding.InexactFloat64(),
		RealizedWeek:   res.Realized.InexactFloat64(),
		HasTradeWeek:   res.HasTrade,
		TradeCountWeek: res.TradeCount,
		CommissionWeek: commission.IntPart(),
		Degraded:       res.Degraded,
	}, nil
}

// Purge deletes cache records older than days (the configured retention
// when days <= 0) relative to today's exchange-local date.
func (s *SummaryService) Purge(ctx context.Context, days int) (*PurgeResult, error) {
	if days <= 0 {
		days = s.cfg.RetentionDays
	}
	cutoff := s.LocalDate(s.now().AddDate(0, 0, -days))
	n, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"cutoff": cutoff, "deleted": n}).Info("pnl cache purged")
	return &PurgeResult{Cutoff: cutoff, Days: days, Deleted: n}, nil
}
