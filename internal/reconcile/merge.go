// Package reconcile 客户端账户视图：本地缓存、推送增量和周期性拉取三路合并
package reconcile

import (
	"sort"
	"strings"
	"time"

	"pnldesk/internal/exchange"
	"pnldesk/internal/stream"
)

// Provenance records which channel last wrote a field.
type Provenance string

const (
	FromPull  Provenance = "pull"
	FromPush  Provenance = "push"
	FromCache Provenance = "cache"
)

// balanceKeys legitimately go to zero: newest value wins.
var balanceKeys = map[string]bool{
	"walletBalance":    true,
	"availableBalance": true,
	"marginBalance":    true,
}

// derivedKeys are owned by the pull channel.
var derivedKeys = map[string]bool{
	"feePaid": true,
	"pnl1d":   true,
	"pnl7d":   true,
	"pnl30d":  true,
}

const unrealizedKey = "unrealizedPnl"

const seenSeqCap = 256

// Position 客户端持仓
type Position struct {
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	Size             float64 `json:"size"`
	EntryPrice       float64 `json:"entryPrice"`
	MarkPrice        float64 `json:"markPrice"`
	LiquidationPrice float64 `json:"liquidationPrice"`
	Leverage         float64 `json:"leverage"`
	UnrealizedPnl    float64 `json:"unrealizedPnl"`
}

func positionKey(symbol, side string) string { return symbol + "|" + side }

// direction is +1 long, -1 short, 0 when the side is unusable.
func (p Position) direction() float64 {
	switch p.Side {
	case "LONG":
		return 1
	case "SHORT":
		return -1
	case "BOTH", "":
		if p.Size > 0 {
			return 1
		}
		if p.Size < 0 {
			return -1
		}
	}
	return 0
}

// Unrealized is (mark − entry) × |qty|, inverted for shorts, when the
// tuple is complete, and the upstream value otherwise.
func (p Position) Unrealized() float64 {
	dir := p.direction()
	if p.Size == 0 || p.EntryPrice == 0 || p.MarkPrice == 0 || dir == 0 {
		return p.UnrealizedPnl
	}
	qty := p.Size
	if qty < 0 {
		qty = -qty
	}
	return (p.MarkPrice - p.EntryPrice) * qty * dir
}

// PullResult is one authoritative summary snapshot.
type PullResult struct {
	UserID string
	Fields map[string]float64
	Ts     int64
}

// Snapshot is the merged account state of one user.
type Snapshot struct {
	UserID      string                `json:"userId"`
	Exchange    string                `json:"exchange"`
	Pair        string                `json:"pair"`
	DisplayName string                `json:"displayName"`
	UID         string                `json:"uid"`
	Fields      map[string]float64    `json:"fields"`
	Provenance  map[string]Provenance `json:"provenance"`
	FieldTS     map[string]int64      `json:"fieldTs"`
	Positions   map[string]Position   `json:"positions"`
	// PositionsKnown is set once any channel reported positions.
	PositionsKnown bool      `json:"positionsKnown"`
	UpdatedAt      time.Time `json:"updatedAt"`

	seen  map[deliveryKey]struct{}
	order []deliveryKey
}

// deliveryKey identifies one publication. Publishers restart their seq
// counter, so seq alone does not identify a message.
type deliveryKey struct {
	seq int64
	ts  int64
}

func NewSnapshot(userID string) *Snapshot {
	return &Snapshot{
		UserID:     userID,
		Fields:     make(map[string]float64),
		Provenance: make(map[string]Provenance),
		FieldTS:    make(map[string]int64),
		Positions:  make(map[string]Position),
	}
}

func (s *Snapshot) ensure() {
	if s.Fields == nil {
		s.Fields = make(map[string]float64)
	}
	if s.Provenance == nil {
		s.Provenance = make(map[string]Provenance)
	}
	if s.FieldTS == nil {
		s.FieldTS = make(map[string]int64)
	}
	if s.Positions == nil {
		s.Positions = make(map[string]Position)
	}
}

// Clone deep-copies the snapshot, dropping the duplicate filter.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Fields = make(map[string]float64, len(s.Fields))
	for k, v := range s.Fields {
		c.Fields[k] = v
	}
	c.Provenance = make(map[string]Provenance, len(s.Provenance))
	for k, v := range s.Provenance {
		c.Provenance[k] = v
	}
	c.FieldTS = make(map[string]int64, len(s.FieldTS))
	for k, v := range s.FieldTS {
		c.FieldTS[k] = v
	}
	c.Positions = make(map[string]Position, len(s.Positions))
	for k, v := range s.Positions {
		c.Positions[k] = v
	}
	c.seen, c.order = nil, nil
	return &c
}

// SortedPositions returns positions ordered by symbol then side.
func (s *Snapshot) SortedPositions() []Position {
	out := make([]Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// setField applies the per-key merge rule and reports whether the value
// changed.
func (s *Snapshot) setField(key string, v float64, from Provenance, ts int64) bool {
	prev, known := s.Fields[key]
	switch {
	case balanceKeys[key]:
		if ts > 0 && ts < s.FieldTS[key] {
			return false
		}
	case derivedKeys[key]:
		if from == FromPush {
			return false
		}
		if v == 0 && prev != 0 {
			return false
		}
	default:
		if v == 0 && prev != 0 {
			return false
		}
	}
	s.Fields[key] = v
	s.Provenance[key] = from
	if ts > s.FieldTS[key] {
		s.FieldTS[key] = ts
	}
	return !known || prev != v
}

// duplicate reports whether the (seq, ts) delivery was already applied,
// remembering it.
func (s *Snapshot) duplicate(seq, ts int64) bool {
	if seq <= 0 {
		return false
	}
	if s.seen == nil {
		s.seen = make(map[deliveryKey]struct{})
	}
	k := deliveryKey{seq: seq, ts: ts}
	if _, ok := s.seen[k]; ok {
		return true
	}
	s.seen[k] = struct{}{}
	s.order = append(s.order, k)
	if len(s.order) > seenSeqCap {
		delete(s.seen, s.order[0])
		s.order = s.order[1:]
	}
	return false
}

// ClosedSignal reports whether u says every position was closed: an
// explicit empty or all-zero positions array, or no positions with a
// "positions" changed marker.
func ClosedSignal(u *stream.AccountUpdate) bool {
	if u.Positions == nil {
		return u.HasChanged("positions")
	}
	for _, p := range u.Positions {
		if p.Size != 0 {
			return false
		}
	}
	return true
}

// ApplyPush merges a streamed delta and reports whether anything changed.
func (s *Snapshot) ApplyPush(u *stream.AccountUpdate, now time.Time) bool {
	s.ensure()
	if u.UserID != s.UserID || s.duplicate(u.Seq, u.Ts) {
		return false
	}
	changed := s.applyMeta(u)

	keys := make([]string, 0, len(u.Summary))
	for k := range u.Summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s.setField(k, u.Summary[k], FromPush, u.Ts) {
			changed = true
		}
	}

	if ClosedSignal(u) {
		if s.closePositions(u.Pair, u.Ts) {
			changed = true
		}
	} else if len(u.Positions) > 0 {
		if s.mergePositions(u.Positions, u.Ts) {
			changed = true
		}
	}

	if changed {
		s.UpdatedAt = now
	}
	return changed
}

func (s *Snapshot) applyMeta(u *stream.AccountUpdate) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&s.Exchange, u.Exchange)
	set(&s.Pair, u.Pair)
	set(&s.DisplayName, u.DisplayName)
	set(&s.UID, u.UID)
	return changed
}

// closePositions clears the positions of pair (all when pair is empty)
// and zeroes unrealized PnL.
func (s *Snapshot) closePositions(pair string, ts int64) bool {
	changed := !s.PositionsKnown
	s.PositionsKnown = true
	symbol := exchange.NormalizeSymbol(pair)
	for k, p := range s.Positions {
		if symbol == "" || p.Symbol == symbol {
			delete(s.Positions, k)
			changed = true
		}
	}
	if len(s.Positions) == 0 {
		if prev, ok := s.Fields[unrealizedKey]; !ok || prev != 0 {
			changed = true
		}
		s.Fields[unrealizedKey] = 0
		s.Provenance[unrealizedKey] = FromPush
		if ts > s.FieldTS[unrealizedKey] {
			s.FieldTS[unrealizedKey] = ts
		}
	} else {
		s.recomputeUnrealized(ts)
	}
	return changed
}

func mergeAttr(prev, in float64) float64 {
	if in != 0 {
		return in
	}
	return prev
}

// mergePositions merges per symbol and side with non-zero overwrite on
// every attribute. A zero-size entry closes that position.
func (s *Snapshot) mergePositions(in []stream.Position, ts int64) bool {
	s.PositionsKnown = true
	changed := false
	for _, raw := range in {
		symbol := exchange.NormalizeSymbol(raw.Symbol)
		side := strings.ToUpper(strings.TrimSpace(raw.Side))
		key := positionKey(symbol, side)
		prev, exists := s.Positions[key]

		if raw.Size == 0 {
			if exists {
				delete(s.Positions, key)
				changed = true
			}
			continue
		}

		next := Position{
			Symbol:           symbol,
			Side:             side,
			Size:             float64(raw.Size),
			EntryPrice:       mergeAttr(prev.EntryPrice, float64(raw.EntryPrice)),
			MarkPrice:        mergeAttr(prev.MarkPrice, float64(raw.MarkPrice)),
			LiquidationPrice: mergeAttr(prev.LiquidationPrice, float64(raw.LiquidationPrice)),
			Leverage:         mergeAttr(prev.Leverage, float64(raw.Leverage)),
			UnrealizedPnl:    mergeAttr(prev.UnrealizedPnl, float64(raw.UnrealizedPnl)),
		}
		if !exists || next != prev {
			s.Positions[key] = next
			changed = true
		}
	}
	if s.recomputeUnrealized(ts) {
		changed = true
	}
	return changed
}

// recomputeUnrealized refreshes the account level unrealized PnL from the
// open positions.
func (s *Snapshot) recomputeUnrealized(ts int64) bool {
	if len(s.Positions) == 0 {
		return false
	}
	total := 0.0
	for _, p := range s.Positions {
		total += p.Unrealized()
	}
	return s.setField(unrealizedKey, total, FromPush, ts)
}

// ApplyPull merges an authoritative summary.
func (s *Snapshot) ApplyPull(r *PullResult, now time.Time) bool {
	s.ensure()
	if r == nil || r.UserID != s.UserID {
		return false
	}
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	changed := false
	for _, k := range keys {
		if s.setField(k, r.Fields[k], FromPull, r.Ts) {
			changed = true
		}
	}
	if changed {
		s.UpdatedAt = now
	}
	return changed
}

// FillFromCache copies cached values for fields and positions no live
// channel has reported yet.
func (s *Snapshot) FillFromCache(c *Snapshot) bool {
	s.ensure()
	if c == nil || c.UserID != s.UserID {
		return false
	}
	changed := false
	for k, v := range c.Fields {
		if _, ok := s.Fields[k]; ok {
			continue
		}
		s.Fields[k] = v
		s.Provenance[k] = FromCache
		s.FieldTS[k] = c.FieldTS[k]
		changed = true
	}
	if !s.PositionsKnown && len(c.Positions) > 0 {
		for k, p := range c.Positions {
			s.Positions[k] = p
		}
		changed = true
	}
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	fill(&s.Exchange, c.Exchange)
	fill(&s.Pair, c.Pair)
	fill(&s.DisplayName, c.DisplayName)
	fill(&s.UID, c.UID)
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = c.UpdatedAt
	}
	return changed
}
