package reconcile

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"pnldesk/internal/stream"
)

// State of the engine for the selected user.
type State int

const (
	StateIdle State = iota
	StateColdCache
	StateAwaitingStream
	StateLive
	StateStale
)

func (s State) String() string {
	switch s {
	case StateColdCache:
		return "ColdCache"
	case StateAwaitingStream:
		return "AwaitingStream"
	case StateLive:
		return "Live"
	case StateStale:
		return "Stale"
	}
	return "Idle"
}

// LocalCache is the durable per-user snapshot store.
type LocalCache interface {
	// Load returns nil, nil when nothing is cached for userID.
	Load(ctx context.Context, userID string) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

// SummaryPuller fetches the authoritative summary of a user.
type SummaryPuller interface {
	Pull(ctx context.Context, userID string) (*PullResult, error)
}

// View is what the renderer receives.
type View struct {
	UserID      string
	Exchange    string
	Pair        string
	DisplayName string
	UID         string
	State       State
	Fields      map[string]float64
	Provenance  map[string]Provenance
	Positions   []Position
	UpdatedAt   time.Time
}

// Renderer draws a view. It is called from the engine goroutine.
type Renderer interface {
	Render(View)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(View)

func (f RendererFunc) Render(v View) { f(v) }

// Config tunes the engine timers.
type Config struct {
	PullInterval   time.Duration // periodic authoritative pull, 30s..60s
	Debounce       time.Duration // render coalescing window, 150ms..300ms
	MaxRenderDelay time.Duration // longest a pending render may be pushed back
	StaleAfter     time.Duration // Live without pushes for this long turns Stale
	StaleCheck     time.Duration
	CacheMaxAge    time.Duration // older cached snapshots trigger one resync
	Now            func() time.Time
}

func clamp(d, lo, hi, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func (c Config) withDefaults() Config {
	c.PullInterval = clamp(c.PullInterval, 30*time.Second, 60*time.Second, 45*time.Second)
	c.Debounce = clamp(c.Debounce, 150*time.Millisecond, 300*time.Millisecond, 200*time.Millisecond)
	if c.MaxRenderDelay < c.Debounce {
		c.MaxRenderDelay = 5 * c.Debounce
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.StaleCheck <= 0 {
		c.StaleCheck = 5 * time.Second
	}
	if c.CacheMaxAge <= 0 {
		c.CacheMaxAge = 60 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type (
	selectEvent struct{ userID string }
	pushEvent   struct{ update *stream.AccountUpdate }
	cacheEvent  struct {
		userID string
		snap   *Snapshot
		err    error
	}
	pullEvent struct {
		userID string
		seq    uint64
		result *PullResult
		err    error
	}
	renderEvent  struct{ gen uint64 }
	inspectEvent struct{ reply chan View }
	resyncEvent  struct{}
)

// Engine owns the account view. Every mutation happens on the goroutine
// running Run; the other methods only enqueue events.
type Engine struct {
	cfg      Config
	cache    LocalCache
	puller   SummaryPuller
	renderer Renderer

	events chan interface{}
	saves  chan *Snapshot
	done   chan struct{}

	// owned by Run
	user          string
	snap          *Snapshot
	state         State
	lastPush      time.Time
	pullSeq       uint64
	pullPending   uint64
	renderGen     uint64
	renderTimer   *time.Timer
	renderPending bool
	pendingSince  time.Time
}

func NewEngine(cache LocalCache, puller SummaryPuller, renderer Renderer, cfg Config) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		cache:    cache,
		puller:   puller,
		renderer: renderer,
		events:   make(chan interface{}, 256),
		saves:    make(chan *Snapshot, 16),
		done:     make(chan struct{}),
	}
}

func (e *Engine) send(ev interface{}) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Select switches the view to userID.
func (e *Engine) Select(userID string) { e.send(selectEvent{userID: userID}) }

// Push feeds one streamed update.
func (e *Engine) Push(u *stream.AccountUpdate) { e.send(pushEvent{update: u}) }

// Resync requests an authoritative pull now.
func (e *Engine) Resync() { e.send(resyncEvent{}) }

// Inspect returns the current view without rendering it.
func (e *Engine) Inspect(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case e.events <- inspectEvent{reply: reply}:
	case <-e.done:
		return View{}, context.Canceled
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Run processes events until ctx is cancelled, then persists the current
// snapshot.
func (e *Engine) Run(ctx context.Context) error {
	saverDone := make(chan struct{})
	go e.saver(saverDone)

	pullTicker := time.NewTicker(e.cfg.PullInterval)
	staleTicker := time.NewTicker(e.cfg.StaleCheck)
	defer func() {
		pullTicker.Stop()
		staleTicker.Stop()
		if e.renderTimer != nil {
			e.renderTimer.Stop()
		}
		close(e.done)
		if e.snap != nil {
			e.saves <- e.snap.Clone()
		}
		close(e.saves)
		<-saverDone
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.handle(ctx, ev)
		case <-pullTicker.C:
			e.requestPull(ctx)
		case <-staleTicker.C:
			e.checkStale(ctx)
		}
	}
}

func (e *Engine) saver(done chan struct{}) {
	defer close(done)
	for snap := range e.saves {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.cache.Save(ctx, snap); err != nil {
			log.WithField("user", snap.UserID).Warnf("save local cache failed: %v", err)
		}
		cancel()
	}
}

func (e *Engine) persist() {
	if e.snap == nil {
		return
	}
	select {
	case e.saves <- e.snap.Clone():
	default:
		log.WithField("user", e.user).Debug("local cache save queue full, skipping")
	}
}

func (e *Engine) handle(ctx context.Context, ev interface{}) {
	switch ev := ev.(type) {
	case selectEvent:
		e.onSelect(ctx, ev.userID)
	case cacheEvent:
		e.onCache(ctx, ev)
	case pushEvent:
		e.onPush(ev.update)
	case pullEvent:
		e.onPull(ev)
	case renderEvent:
		if ev.gen == e.renderGen && e.renderPending {
			e.render()
		}
	case resyncEvent:
		e.requestPull(ctx)
	case inspectEvent:
		ev.reply <- e.view()
	}
}

func (e *Engine) onSelect(ctx context.Context, userID string) {
	if userID == "" || userID == e.user {
		return
	}
	e.persist()

	e.user = userID
	e.snap = NewSnapshot(userID)
	e.state = StateColdCache
	e.lastPush = time.Time{}
	e.pullPending = 0
	e.cancelRender()

	go func() {
		snap, err := e.cache.Load(ctx, userID)
		e.send(cacheEvent{userID: userID, snap: snap, err: err})
	}()
}

func (e *Engine) onCache(ctx context.Context, ev cacheEvent) {
	if ev.userID != e.user {
		return
	}
	if ev.err != nil {
		log.WithField("user", ev.userID).Warnf("load local cache failed: %v", ev.err)
	}
	e.snap.FillFromCache(ev.snap)
	if e.state == StateColdCache {
		e.state = StateAwaitingStream
	}
	e.render()

	if ev.snap == nil || e.cfg.Now().Sub(ev.snap.UpdatedAt) > e.cfg.CacheMaxAge {
		e.requestPull(ctx)
	}
}

func (e *Engine) onPush(u *stream.AccountUpdate) {
	if u == nil || e.snap == nil || u.UserID != e.user {
		return
	}
	now := e.cfg.Now()
	e.lastPush = now
	changed := e.snap.ApplyPush(u, now)
	if e.state != StateLive {
		e.state = StateLive
		changed = true
	}
	if changed {
		e.scheduleRender(now)
	}
}

func (e *Engine) onPull(ev pullEvent) {
	if ev.seq == e.pullPending {
		e.pullPending = 0
	}
	if ev.userID != e.user || e.snap == nil {
		return
	}
	if ev.err != nil {
		log.WithField("user", ev.userID).Warnf("summary pull failed: %v", ev.err)
		return
	}
	now := e.cfg.Now()
	if e.snap.ApplyPull(ev.result, now) {
		e.scheduleRender(now)
	}
	e.persist()
}

func (e *Engine) requestPull(ctx context.Context) {
	if e.user == "" || e.pullPending != 0 || e.puller == nil {
		return
	}
	e.pullSeq++
	seq, userID := e.pullSeq, e.user
	e.pullPending = seq
	go func() {
		res, err := e.puller.Pull(ctx, userID)
		e.send(pullEvent{userID: userID, seq: seq, result: res, err: err})
	}()
}

// checkStale moves Live to Stale once pushes stop, and keeps polling the
// summary while Stale.
func (e *Engine) checkStale(ctx context.Context) {
	switch e.state {
	case StateLive:
		if e.cfg.Now().Sub(e.lastPush) < e.cfg.StaleAfter {
			return
		}
		e.state = StateStale
		e.render()
		e.requestPull(ctx)
	case StateStale:
		e.requestPull(ctx)
	}
}

// scheduleRender coalesces bursts: each call pushes the render back by
// Debounce unless one has been pending for MaxRenderDelay.
func (e *Engine) scheduleRender(now time.Time) {
	if !e.renderPending {
		e.renderPending = true
		e.pendingSince = now
	} else if now.Sub(e.pendingSince) >= e.cfg.MaxRenderDelay {
		return
	}
	e.renderGen++
	gen := e.renderGen
	if e.renderTimer != nil {
		e.renderTimer.Stop()
	}
	e.renderTimer = time.AfterFunc(e.cfg.Debounce, func() { e.send(renderEvent{gen: gen}) })
}

func (e *Engine) cancelRender() {
	if e.renderTimer != nil {
		e.renderTimer.Stop()
	}
	e.renderGen++
	e.renderPending = false
}

func (e *Engine) render() {
	e.cancelRender()
	if e.renderer != nil && e.snap != nil {
		e.renderer.Render(e.view())
	}
}

func (e *Engine) view() View {
	if e.snap == nil {
		return View{State: e.state}
	}
	c := e.snap.Clone()
	return View{
		UserID:      c.UserID,
		Exchange:    c.Exchange,
		Pair:        c.Pair,
		DisplayName: c.DisplayName,
		UID:         c.UID,
		State:       e.state,
		Fields:      c.Fields,
		Provenance:  c.Provenance,
		Positions:   c.SortedPositions(),
		UpdatedAt:   c.UpdatedAt,
	}
}
