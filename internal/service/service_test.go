package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenfcs/internal/bus"
	"github.com/nexus-trading/tokenfcs/internal/cache"
	"github.com/nexus-trading/tokenfcs/internal/engine"
	"github.com/nexus-trading/tokenfcs/internal/graph"
)

func score(v float64) *float64 { return &v }

func newTestGraph() *graph.Memory {
	m := graph.NewMemory()
	m.AddToken(graph.Token{Address: "0xtok", Symbol: "TOK"})
	m.AddToken(graph.Token{Address: "0xtok2", Symbol: "TWO"})
	m.AddIdentity(graph.Identity{FID: 1, Username: "alice", Score: score(40)})
	m.LinkWallet("A", 1)
	m.LinkWallet("B", 1)
	m.SetHolding("0xtok", "A", decimal.NewFromInt(100))
	m.SetHolding("0xtok", "B", decimal.NewFromInt(50))
	m.SetHolding("0xtok", "C", decimal.NewFromInt(10))
	m.SetHolding("0xtok2", "C", decimal.NewFromInt(1))
	return m
}

type fixture struct {
	graph    *graph.Memory
	cache    *cache.Memory
	producer *bus.StubProducer
	svc      *Service
}

func newFixture() *fixture {
	g := newTestGraph()
	c := cache.NewMemory(100, time.Hour)
	p := bus.NewStubProducer()
	svc := New(engine.New(g, engine.DefaultConfig()), Options{Cache: c, Producer: p})
	return &fixture{graph: g, cache: c, producer: p, svc: svc}
}

func TestService_CachesResults(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	first, err := f.svc.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, 42.0, first.WeightedHolderTotal)

	queries := f.graph.Stats().QueryCount
	second, err := f.svc.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, first.WeightedHolderTotal, second.WeightedHolderTotal)
	assert.Equal(t, first.RawHolderTotal, second.RawHolderTotal)
	assert.Equal(t, queries, f.graph.Stats().QueryCount, "cache hit must not touch the graph")

	m := f.svc.Metrics()
	assert.Equal(t, 1.0, m.CacheHits.Value())
	assert.Equal(t, 1.0, m.CacheMisses.Value())
	assert.Equal(t, 2.0, m.Requests("weighted_holders").Value())
}

// interleavedStore runs beforeSet ahead of the first write, standing in for
// an invalidation that lands while a result is being stored.
type interleavedStore struct {
	*cache.Memory
	once      sync.Once
	beforeSet func()
}

func (s *interleavedStore) Set(ctx context.Context, key string, val []byte) error {
	s.once.Do(s.beforeSet)
	return s.Memory.Set(ctx, key, val)
}

func TestService_InvalidationDuringStoreDropsEntry(t *testing.T) {
	g := newTestGraph()
	store := &interleavedStore{Memory: cache.NewMemory(100, time.Hour)}
	svc := New(engine.New(g, engine.DefaultConfig()), Options{Cache: store})
	ctx := context.Background()
	store.beforeSet = func() {
		g.SetHolding("0xtok", "D", decimal.NewFromInt(1))
		require.NoError(t, svc.Invalidate(ctx, "0xtok"))
	}

	stale, err := svc.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, 42.0, stale.WeightedHolderTotal)
	assert.Equal(t, 0, store.Len(), "entry computed before the invalidation must not stay cached")

	fresh, err := svc.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, 43.0, fresh.WeightedHolderTotal)
}

func TestService_DistributionSurvivesCache(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.ReputationDistribution(ctx, "0xtok2")
	require.NoError(t, err)
	dist, err := f.svc.ReputationDistribution(ctx, "0xtok2")
	require.NoError(t, err)

	// NoData must come back from the cache as NoData, not zero.
	assert.False(t, dist.Mean.Valid)
	assert.Equal(t, 1.0, f.svc.Metrics().CacheHits.Value())
}

func TestService_DistributionPercentilesKeyed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	base, err := f.svc.ReputationDistribution(ctx, "0xtok")
	require.NoError(t, err)
	assert.Len(t, base.Percentiles, len(engine.ReportedPercentiles))

	withP25, err := f.svc.ReputationDistribution(ctx, "0xtok", 25)
	require.NoError(t, err)
	assert.Len(t, withP25.Percentiles, len(engine.ReportedPercentiles)+1)
	assert.Equal(t, 0.0, f.svc.Metrics().CacheHits.Value(), "extra percentiles must not share the base entry")

	_, err = f.svc.ReputationDistribution(ctx, "0xtok", 25, 25)
	require.NoError(t, err)
	assert.Equal(t, 1.0, f.svc.Metrics().CacheHits.Value())

	_, err = f.svc.ReputationDistribution(ctx, "0xtok", -1)
	assert.ErrorIs(t, err, engine.ErrInvalidPercentile)
}

func TestService_ErrorsAreNotCached(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.WeightedHolderStats(ctx, "0xmissing")
	assert.ErrorIs(t, err, graph.ErrInvalidToken)
	assert.Equal(t, 0, f.cache.Len())

	_, err = f.svc.WeightedHolderStats(ctx, "0xmissing")
	assert.ErrorIs(t, err, graph.ErrInvalidToken)
	assert.Equal(t, 2.0, f.svc.Metrics().Errors("weighted_holders").Value())
}

func TestService_Invalidate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	_, err = f.svc.WeightedHolderStats(ctx, "0xtok2")
	require.NoError(t, err)

	// A new unlinked holder is invisible until invalidation.
	f.graph.SetHolding("0xtok", "D", decimal.NewFromInt(1))
	stale, err := f.svc.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, 42.0, stale.WeightedHolderTotal)

	require.NoError(t, f.svc.Invalidate(ctx, "0xtok"))
	fresh, err := f.svc.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, 43.0, fresh.WeightedHolderTotal)

	// The other token stays cached.
	hits := f.svc.Metrics().CacheHits.Value()
	_, err = f.svc.WeightedHolderStats(ctx, "0xtok2")
	require.NoError(t, err)
	assert.Equal(t, hits+1, f.svc.Metrics().CacheHits.Value())

	require.NoError(t, f.svc.InvalidateAll(ctx))
	assert.Equal(t, 0, f.cache.Len())
	assert.Equal(t, 2.0, f.svc.Metrics().Invalidations.Value())
}

func TestService_LeaderboardPageSizeShareCache(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a, err := f.svc.Leaderboard(ctx, "0xtok", 0, "")
	require.NoError(t, err)
	b, err := f.svc.Leaderboard(ctx, "0xtok", 100, "")
	require.NoError(t, err)

	require.Len(t, b.Entries, 1)
	assert.True(t, a.Entries[0].TokenBalance.Equal(b.Entries[0].TokenBalance))
	assert.Equal(t, 1.0, f.svc.Metrics().CacheHits.Value())

	_, err = f.svc.Leaderboard(ctx, "0xtok", 10, "not-a-cursor")
	assert.ErrorIs(t, err, engine.ErrInvalidCursor)
}

func TestService_PublishesFreshStats(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	_, err = f.svc.WeightedHolderStats(ctx, "0xtok") // cache hit, no event
	require.NoError(t, err)

	msgs := f.producer.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, bus.Topics.HolderStats(), msgs[0].Topic)
	assert.Equal(t, "0xtok", msgs[0].Key)

	var ev bus.StatsComputed
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, 42.0, ev.WeightedHolderTotal)
	assert.Equal(t, "TOK", ev.Symbol)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, 1.0, f.svc.Metrics().StatsPublished.Value())
}

type recorder struct {
	mu     sync.Mutex
	events []bus.StatsComputed
}

func (r *recorder) RecordStats(_ context.Context, ev bus.StatsComputed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestService_RecordsStatsWithoutProducer(t *testing.T) {
	rec := &recorder{}
	svc := New(engine.New(newTestGraph(), engine.DefaultConfig()), Options{Recorder: rec})

	_, err := svc.WeightedHolderStats(context.Background(), "0xtok")
	require.NoError(t, err)

	require.Len(t, rec.events, 1)
	assert.Equal(t, "0xtok", rec.events[0].Token)
	assert.Equal(t, 0.0, svc.Metrics().StatsPublished.Value())
}

func TestService_CompareTokens(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	out, err := f.svc.CompareTokens(ctx, []string{"0xtok", "0xtok2"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 42.0, out[0].WeightedHolderTotal)
	assert.Equal(t, 1.0, out[1].WeightedHolderTotal)
	assert.Len(t, f.producer.Snapshot(), 2)

	// Invalidating any token drops comparisons.
	require.NoError(t, f.svc.Invalidate(ctx, "0xtok2"))
	_, ok, err := f.cache.Get(ctx, "compare/0xtok,0xtok2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_ConcurrentRequests(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]float64, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stats, err := f.svc.WeightedHolderStats(ctx, "0xtok")
			if assert.NoError(t, err) {
				results[i] = stats.WeightedHolderTotal
			}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, 42.0, r)
	}
	assert.Equal(t, 16.0, f.svc.Metrics().Requests("weighted_holders").Value())
}

func TestService_Subscribe(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ch, cancel := f.svc.Subscribe("0xtok")
	other, cancelOther := f.svc.Subscribe("0xtok2")
	defer cancelOther()

	require.NoError(t, f.svc.Invalidate(ctx, "0xtok"))
	assertSignalled(t, ch)
	assertQuiet(t, other)

	require.NoError(t, f.svc.InvalidateAll(ctx))
	assertSignalled(t, ch)
	assertSignalled(t, other)

	cancel()
	cancel() // idempotent
	require.NoError(t, f.svc.Invalidate(ctx, "0xtok"))
	assertQuiet(t, ch)
}

func TestService_WithoutCache(t *testing.T) {
	g := newTestGraph()
	svc := New(engine.New(g, engine.DefaultConfig()), Options{})
	ctx := context.Background()

	_, err := svc.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	_, err = svc.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, 0.0, svc.Metrics().CacheHits.Value())
	assert.NoError(t, svc.Invalidate(ctx, "0xtok"))
	assert.NoError(t, svc.Ping(ctx))
}

func assertSignalled(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected invalidation signal")
	}
}

func assertQuiet(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected invalidation signal")
	default:
	}
}
