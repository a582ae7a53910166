package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pnldesk/internal/stream"
)

type memCache struct {
	mu   sync.Mutex
	data map[string]*Snapshot
}

func newMemCache() *memCache { return &memCache{data: make(map[string]*Snapshot)} }

func (c *memCache) Load(ctx context.Context, userID string) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.data[userID]; ok {
		return s.Clone(), nil
	}
	return nil, nil
}

func (c *memCache) Save(ctx context.Context, snap *Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[snap.UserID] = snap.Clone()
	return nil
}

func (c *memCache) get(userID string) *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[userID]
}

type fakePuller struct {
	mu      sync.Mutex
	calls   []string
	results map[string]map[string]float64
	gate    chan struct{}
}

func (p *fakePuller) Pull(ctx context.Context, userID string) (*PullResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, userID)
	gate := p.gate
	fields := p.results[userID]
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make(map[string]float64, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return &PullResult{UserID: userID, Fields: out, Ts: time.Now().UnixMilli()}, nil
}

func (p *fakePuller) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type recorder struct {
	mu    sync.Mutex
	views []View
}

func (r *recorder) Render(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

func (r *recorder) last() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return View{}
	}
	return r.views[len(r.views)-1]
}

func startEngine(t *testing.T, cache LocalCache, puller SummaryPuller, r Renderer, cfg Config) *Engine {
	t.Helper()
	e := NewEngine(cache, puller, r, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func inspect(t *testing.T, e *Engine) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := e.Inspect(ctx)
	require.NoError(t, err)
	return v
}

func freshSnapshot(userID string, fields map[string]float64) *Snapshot {
	s := NewSnapshot(userID)
	for k, v := range fields {
		s.Fields[k] = v
		s.Provenance[k] = FromPull
	}
	s.UpdatedAt = time.Now()
	return s
}

func TestEngineInstantPaintFromFreshCache(t *testing.T) {
	cache := newMemCache()
	cache.data["u1"] = freshSnapshot("u1", map[string]float64{"pnl1d": 120, "walletBalance": 50})
	puller := &fakePuller{}
	r := &recorder{}
	e := startEngine(t, cache, puller, r, Config{})

	e.Select("u1")
	require.Eventually(t, func() bool { return r.count() >= 1 }, time.Second, 5*time.Millisecond)

	v := r.last()
	assert.Equal(t, "u1", v.UserID)
	assert.Equal(t, StateAwaitingStream, v.State)
	assert.Equal(t, 120.0, v.Fields["pnl1d"])
	assert.Equal(t, FromCache, v.Provenance["pnl1d"])
	assert.Zero(t, puller.callCount(), "fresh cache must not trigger a resync")
}

func TestEngineOldCacheSchedulesOneResync(t *testing.T) {
	cache := newMemCache()
	old := freshSnapshot("u1", map[string]float64{"pnl1d": 120})
	old.UpdatedAt = time.Now().Add(-2 * time.Minute)
	cache.data["u1"] = old
	puller := &fakePuller{results: map[string]map[string]float64{"u1": {"pnl1d": 0, "pnl7d": 300}}}
	r := &recorder{}
	e := startEngine(t, cache, puller, r, Config{})

	e.Select("u1")
	require.Eventually(t, func() bool { return inspect(t, e).Fields["pnl7d"] == 300 }, time.Second, 10*time.Millisecond)

	v := inspect(t, e)
	assert.Equal(t, 120.0, v.Fields["pnl1d"], "pull zero must not blank a known value")
	assert.Equal(t, FromPull, v.Provenance["pnl7d"])
	assert.Equal(t, 1, puller.callCount())
}

func TestEngineNoCachePulls(t *testing.T) {
	puller := &fakePuller{results: map[string]map[string]float64{"u1": {"feePaid": 1.5}}}
	e := startEngine(t, newMemCache(), puller, &recorder{}, Config{})

	e.Select("u1")
	require.Eventually(t, func() bool { return inspect(t, e).Fields["feePaid"] == 1.5 }, time.Second, 10*time.Millisecond)
}

func TestEngineLiveThenStale(t *testing.T) {
	cache := newMemCache()
	cache.data["u1"] = freshSnapshot("u1", nil)
	puller := &fakePuller{}
	r := &recorder{}
	e := startEngine(t, cache, puller, r, Config{StaleAfter: 100 * time.Millisecond, StaleCheck: 10 * time.Millisecond})

	e.Select("u1")
	require.Eventually(t, func() bool { return inspect(t, e).State == StateAwaitingStream }, time.Second, 5*time.Millisecond)

	e.Push(&stream.AccountUpdate{Type: stream.TypeAccountUpdate, UserID: "u1", Seq: 1, Summary: stream.Summary{"walletBalance": 10}})
	v := inspect(t, e)
	assert.Equal(t, StateLive, v.State)
	assert.Equal(t, 10.0, v.Fields["walletBalance"])

	require.Eventually(t, func() bool { return inspect(t, e).State == StateStale }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return puller.callCount() >= 1 }, time.Second, 10*time.Millisecond)

	e.Push(&stream.AccountUpdate{Type: stream.TypeAccountUpdate, UserID: "u1", Seq: 2})
	assert.Equal(t, StateLive, inspect(t, e).State)
}

func TestEngineDropsResultsForPreviousUser(t *testing.T) {
	gate := make(chan struct{})
	puller := &fakePuller{
		gate: gate,
		results: map[string]map[string]float64{
			"u1": {"pnl1d": 111},
			"u2": {"pnl1d": 222},
		},
	}
	e := startEngine(t, newMemCache(), puller, &recorder{}, Config{})

	e.Select("u1")
	require.Eventually(t, func() bool { return puller.callCount() == 1 }, time.Second, 5*time.Millisecond)
	e.Select("u2")
	require.Eventually(t, func() bool { return puller.callCount() == 2 }, time.Second, 5*time.Millisecond)

	// pushes for u1 arrive late as well
	e.Push(&stream.AccountUpdate{Type: stream.TypeAccountUpdate, UserID: "u1", Seq: 9, Summary: stream.Summary{"walletBalance": 77}})
	close(gate)

	require.Eventually(t, func() bool { return inspect(t, e).Fields["pnl1d"] == 222 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	v := inspect(t, e)
	assert.Equal(t, "u2", v.UserID)
	assert.Equal(t, 222.0, v.Fields["pnl1d"])
	_, ok := v.Fields["walletBalance"]
	assert.False(t, ok)
}

func TestEngineDebouncesBursts(t *testing.T) {
	cache := newMemCache()
	cache.data["u1"] = freshSnapshot("u1", nil)
	r := &recorder{}
	e := startEngine(t, cache, &fakePuller{}, r, Config{Debounce: 150 * time.Millisecond})

	e.Select("u1")
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)

	for i := 1; i <= 20; i++ {
		e.Push(&stream.AccountUpdate{
			Type:    stream.TypeAccountUpdate,
			UserID:  "u1",
			Seq:     int64(i),
			Ts:      int64(i),
			Summary: stream.Summary{"walletBalance": float64(i)},
		})
	}
	assert.Equal(t, 20.0, inspect(t, e).Fields["walletBalance"])
	assert.Equal(t, 1, r.count(), "no render before the debounce window elapses")

	require.Eventually(t, func() bool { return r.last().Fields["walletBalance"] == 20 }, time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, r.count())
	assert.Equal(t, StateLive, r.last().State)
}

func TestEngineSavesSnapshotOnSwitch(t *testing.T) {
	cache := newMemCache()
	cache.data["u1"] = freshSnapshot("u1", nil)
	e := startEngine(t, cache, &fakePuller{}, &recorder{}, Config{})

	e.Select("u1")
	e.Push(&stream.AccountUpdate{Type: stream.TypeAccountUpdate, UserID: "u1", Seq: 1, Summary: stream.Summary{"walletBalance": 5}})
	e.Select("u2")

	require.Eventually(t, func() bool {
		s := cache.get("u1")
		return s != nil && s.Fields["walletBalance"] == 5
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "u2", inspect(t, e).UserID)
}

func TestConfigClamps(t *testing.T) {
	c := Config{PullInterval: time.Second, Debounce: time.Second}.withDefaults()
	assert.Equal(t, 30*time.Second, c.PullInterval)
	assert.Equal(t, 300*time.Millisecond, c.Debounce)

	c = Config{}.withDefaults()
	assert.Equal(t, 45*time.Second, c.PullInterval)
	assert.Equal(t, 200*time.Millisecond, c.Debounce)
	assert.Equal(t, 60*time.Second, c.StaleAfter)
	assert.Equal(t, 60*time.Second, c.CacheMaxAge)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ColdCache", StateColdCache.String())
	assert.Equal(t, "Stale", StateStale.String())
}
