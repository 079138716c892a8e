package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenfcs/internal/graph"
)

// newScenario builds one identity (fid 1, score 40) holding through wallets
// A=100 and B=50, plus an unlinked wallet C=10.
func newScenario() *graph.Memory {
	m := graph.NewMemory()
	m.AddToken(graph.Token{Address: "0xtok", Name: "Clank", Symbol: "CLNK", HolderCount: 3})
	m.AddIdentity(graph.Identity{FID: 1, Username: "alice", DisplayName: "Alice", Score: score(40)})
	m.AddWallet(graph.Wallet{Address: "A", Balance: decimal.NewFromInt(1000)})
	m.AddWallet(graph.Wallet{Address: "B", Balance: decimal.NewFromInt(250)})
	m.LinkWallet("A", 1)
	m.LinkWallet("B", 1)
	m.SetHolding("0xtok", "A", decimal.NewFromInt(100))
	m.SetHolding("0xtok", "B", decimal.NewFromInt(50))
	m.SetHolding("0xtok", "C", decimal.NewFromInt(10))
	return m
}

func newTestEngine(r graph.Reader) *Engine {
	e := New(r, DefaultConfig())
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return e
}

// flakyReader fails selected calls.
type flakyReader struct {
	*graph.Memory
	failNeighbors bool
	failAccounts  bool
}

func (f *flakyReader) Neighbors(ctx context.Context, refs []graph.NodeRef) (map[graph.NodeRef][]graph.NodeRef, error) {
	if f.failNeighbors {
		return nil, fmt.Errorf("%w: connection reset", graph.ErrUnavailable)
	}
	return f.Memory.Neighbors(ctx, refs)
}

func (f *flakyReader) ExternalAccountsOf(ctx context.Context, fid int64) ([]graph.ExternalAccount, error) {
	if f.failAccounts {
		return nil, fmt.Errorf("%w: connection reset", graph.ErrUnavailable)
	}
	return f.Memory.ExternalAccountsOf(ctx, fid)
}

// -----------------------------------------------------------------------
// Concrete scenario
// -----------------------------------------------------------------------

func TestEngine_Scenario(t *testing.T) {
	e := newTestEngine(newScenario())
	ctx := context.Background()

	stats, err := e.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.RawHolderTotal)
	assert.Equal(t, 42.0, stats.WeightedHolderTotal)
	assert.Equal(t, 1, stats.LinkedIdentities)
	assert.Equal(t, 1, stats.UnlinkedWallets)
	assert.Equal(t, "Clank", stats.Name)
	assert.Equal(t, "CLNK", stats.Symbol)
	assert.Equal(t, 3, stats.IndexedHolderCount)

	dist, err := e.ReputationDistribution(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, 1, dist.Identities)
	assert.Equal(t, 1, dist.Scored)
	assert.Equal(t, Some(40), dist.Mean)
	for _, pv := range dist.Percentiles {
		assert.Equal(t, Some(40), pv.Value, "p%v", pv.P)
	}
	require.Len(t, dist.Histogram, 1)
	assert.Equal(t, 1, dist.Histogram[0].Count)

	page, err := e.Leaderboard(ctx, "0xtok", 0, "")
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	entry := page.Entries[0]
	assert.Equal(t, int64(1), entry.FID)
	assert.Equal(t, 1, entry.Rank)
	assert.True(t, entry.TokenBalance.Equal(decimal.NewFromInt(150)))
	assert.True(t, entry.TotalBalance.Equal(decimal.NewFromInt(1250)))
	assert.Equal(t, "https://warpcast.com/alice", entry.ProfileURL)
	assert.Equal(t, []string{"A", "B"}, entry.WalletAddresses)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

// -----------------------------------------------------------------------
// Weighting properties
// -----------------------------------------------------------------------

func TestEngine_SybilDilution(t *testing.T) {
	build := func(wallets int) *graph.Memory {
		m := graph.NewMemory()
		m.AddToken(graph.Token{Address: "0xtok"})
		m.AddIdentity(graph.Identity{FID: 1, Score: score(12)})
		for i := 0; i < wallets; i++ {
			w := fmt.Sprintf("w%d", i)
			m.LinkWallet(w, 1)
			m.SetHolding("0xtok", w, decimal.NewFromInt(1))
		}
		return m
	}

	one, err := newTestEngine(build(1)).WeightedHolderStats(context.Background(), "0xtok")
	require.NoError(t, err)
	ten, err := newTestEngine(build(10)).WeightedHolderStats(context.Background(), "0xtok")
	require.NoError(t, err)

	assert.Equal(t, one.WeightedHolderTotal, ten.WeightedHolderTotal)
	assert.Equal(t, 13.0, ten.WeightedHolderTotal)
	assert.Equal(t, 10, ten.RawHolderTotal)
}

func TestEngine_Monotonicity(t *testing.T) {
	ctx := context.Background()
	m := newScenario()
	base, err := newTestEngine(m).WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)

	// A new unlinked holder adds exactly 1.
	m.SetHolding("0xtok", "D", decimal.NewFromInt(1))
	more, err := newTestEngine(m).WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, base.WeightedHolderTotal+1, more.WeightedHolderTotal)

	// Raising a score never lowers the total.
	m.AddIdentity(graph.Identity{FID: 1, Username: "alice", Score: score(55)})
	higher, err := newTestEngine(m).WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Greater(t, higher.WeightedHolderTotal, more.WeightedHolderTotal)
}

func TestEngine_AbsentScore(t *testing.T) {
	m := newScenario()
	m.AddIdentity(graph.Identity{FID: 2, Username: "bob"})
	m.LinkWallet("C", 2)
	e := newTestEngine(m)
	ctx := context.Background()

	stats, err := e.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, 42.0, stats.WeightedHolderTotal) // (1+40) + (1+0)
	assert.Equal(t, 2, stats.LinkedIdentities)

	dist, err := e.ReputationDistribution(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, 2, dist.Identities)
	assert.Equal(t, 1, dist.Scored)
	assert.Equal(t, Some(40), dist.Mean)

	page, err := e.Leaderboard(ctx, "0xtok", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, NoData, page.Entries[1].Score)
}

// -----------------------------------------------------------------------
// No data, invalid token, zero holders
// -----------------------------------------------------------------------

func TestEngine_NoLinkedHolders(t *testing.T) {
	m := graph.NewMemory()
	m.AddToken(graph.Token{Address: "0xtok"})
	m.SetHolding("0xtok", "x", decimal.NewFromInt(1))
	m.SetHolding("0xtok", "y", decimal.NewFromInt(1))
	e := newTestEngine(m)
	ctx := context.Background()

	stats, err := e.WeightedHolderStats(ctx, "0xtok")
	require.NoError(t, err)
	assert.Equal(t, 2.0, stats.WeightedHolderTotal)

	dist, err := e.ReputationDistribution(ctx, "0xtok")
	require.NoError(t, err)
	assert.False(t, dist.Mean.Valid)
	assert.False(t, dist.Min.Valid)
	for _, pv := range dist.Percentiles {
		assert.False(t, pv.Value.Valid)
	}
	assert.Empty(t, dist.Histogram)

	page, err := e.Leaderboard(ctx, "0xtok", 10, "")
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.Equal(t, 0, page.Total)
}

func TestEngine_InvalidTokenVersusZeroHolders(t *testing.T) {
	m := graph.NewMemory()
	m.AddToken(graph.Token{Address: "0xempty"})
	e := newTestEngine(m)
	ctx := context.Background()

	_, err := e.WeightedHolderStats(ctx, "0xmissing")
	assert.ErrorIs(t, err, graph.ErrInvalidToken)
	_, err = e.ReputationDistribution(ctx, "0xmissing")
	assert.ErrorIs(t, err, graph.ErrInvalidToken)
	_, err = e.Leaderboard(ctx, "0xmissing", 10, "")
	assert.ErrorIs(t, err, graph.ErrInvalidToken)

	stats, err := e.WeightedHolderStats(ctx, "0xempty")
	require.NoError(t, err)
	assert.Equal(t, 0.0, stats.WeightedHolderTotal)
	assert.Equal(t, 0, stats.RawHolderTotal)
}

// -----------------------------------------------------------------------
// Failure handling
// -----------------------------------------------------------------------

func TestEngine_AllOrNothing(t *testing.T) {
	r := &flakyReader{Memory: newScenario(), failNeighbors: true}
	e := newTestEngine(r)
	ctx := context.Background()

	stats, err := e.WeightedHolderStats(ctx, "0xtok")
	assert.Nil(t, stats)
	assert.ErrorIs(t, err, graph.ErrUnavailable)

	dist, err := e.ReputationDistribution(ctx, "0xtok")
	assert.Nil(t, dist)
	assert.ErrorIs(t, err, graph.ErrUnavailable)
}

func TestEngine_EnrichmentFailureFailsPage(t *testing.T) {
	r := &flakyReader{Memory: newScenario(), failAccounts: true}
	page, err := newTestEngine(r).Leaderboard(context.Background(), "0xtok", 10, "")
	assert.Nil(t, page)
	assert.ErrorIs(t, err, graph.ErrUnavailable)
}

func TestEngine_CancelledContextIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEngine(newScenario()).WeightedHolderStats(ctx, "0xtok")
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrUnavailable)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEngine_TraversalLimitAborts(t *testing.T) {
	m := newScenario()
	for i := 0; i < 20; i++ {
		m.Link(graph.WalletRef("C"), graph.WalletRef(fmt.Sprintf("s%d", i)))
	}
	cfg := DefaultConfig()
	cfg.MaxVisited = 10
	_, err := New(m, cfg).WeightedHolderStats(context.Background(), "0xtok")
	assert.ErrorIs(t, err, ErrTraversalLimit)
}

// -----------------------------------------------------------------------
// Leaderboard ordering and pagination
// -----------------------------------------------------------------------

func newRankedGraph() *graph.Memory {
	m := graph.NewMemory()
	m.AddToken(graph.Token{Address: "0xtok"})
	balances := map[int64]int64{1: 10, 2: 30, 3: 30, 4: 5, 5: 20}
	for fid, bal := range balances {
		m.AddIdentity(graph.Identity{FID: fid, Username: fmt.Sprintf("u%d", fid), Score: score(float64(fid))})
		w := fmt.Sprintf("w%d", fid)
		m.LinkWallet(w, fid)
		m.SetHolding("0xtok", w, decimal.NewFromInt(bal))
	}
	m.SetHolding("0xtok", "loner", decimal.NewFromInt(1000))
	return m
}

func TestLeaderboard_OrderingAndTies(t *testing.T) {
	page, err := newTestEngine(newRankedGraph()).Leaderboard(context.Background(), "0xtok", 0, "")
	require.NoError(t, err)

	var fids []int64
	for _, e := range page.Entries {
		fids = append(fids, e.FID)
	}
	// 30 (fid 2), 30 (fid 3), 20, 10, 5; unlinked wallets never rank.
	assert.Equal(t, []int64{2, 3, 5, 1, 4}, fids)
	assert.Equal(t, 5, page.Total)
	for i, e := range page.Entries {
		assert.Equal(t, i+1, e.Rank)
	}
}

func TestLeaderboard_Pagination(t *testing.T) {
	e := newTestEngine(newRankedGraph())
	ctx := context.Background()

	var fids []int64
	cursor := ""
	pages := 0
	for {
		page, err := e.Leaderboard(ctx, "0xtok", 2, cursor)
		require.NoError(t, err)
		pages++
		for _, entry := range page.Entries {
			fids = append(fids, entry.FID)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		require.NotEmpty(t, page.NextCursor)
		cursor = page.NextCursor
	}
	assert.Equal(t, 3, pages)
	assert.Equal(t, []int64{2, 3, 5, 1, 4}, fids)

	past, err := e.Leaderboard(ctx, "0xtok", 2, EncodeCursor(50))
	require.NoError(t, err)
	assert.Empty(t, past.Entries)
	assert.False(t, past.HasMore)
}

func TestLeaderboard_InvalidCursor(t *testing.T) {
	e := newTestEngine(newRankedGraph())
	for _, c := range []string{"%%%", EncodeCursor(-1), "bm9wZQ"} {
		_, err := e.Leaderboard(context.Background(), "0xtok", 2, c)
		assert.ErrorIs(t, err, ErrInvalidCursor, "cursor %q", c)
	}
}

func TestLeaderboard_Enrichment(t *testing.T) {
	m := newScenario()
	m.AddExternalAccount(1, "1/x/alice", graph.ExternalAccount{Platform: "x", Username: "alice"})
	m.AddExternalAccount(1, "1/x/alice-dup", graph.ExternalAccount{Platform: "x", Username: "alice"})
	m.AddExternalAccount(1, "1/github/al", graph.ExternalAccount{Platform: "github", Username: "al"})
	m.AddApp(1, "1/app/0", graph.App{URL: "https://frames.example/b"})
	m.AddApp(1, "1/app/1", graph.App{URL: "https://frames.example/a"})
	m.AddReward("A", decimal.NewFromInt(3))
	m.AddReward("B", decimal.RequireFromString("1.5"))
	m.AddReward("C", decimal.NewFromInt(100)) // unlinked, not counted

	page, err := newTestEngine(m).Leaderboard(context.Background(), "0xtok", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	e := page.Entries[0]

	assert.Equal(t, []graph.ExternalAccount{
		{Platform: "github", Username: "al"},
		{Platform: "x", Username: "alice"},
	}, e.LinkedAccounts)
	assert.Equal(t, 2, e.AppsCreated)
	assert.Equal(t, []string{"https://frames.example/a", "https://frames.example/b"}, e.Apps)
	assert.True(t, e.RewardsEarned.Equal(decimal.RequireFromString("4.5")))
	assert.Equal(t, Some(40), e.Score)
}

func TestLeaderboard_SharedWalletCountedOnce(t *testing.T) {
	m := graph.NewMemory()
	m.AddToken(graph.Token{Address: "0xtok"})
	m.AddIdentity(graph.Identity{FID: 1, Username: "one"})
	m.AddIdentity(graph.Identity{FID: 2, Username: "two"})
	m.AddWallet(graph.Wallet{Address: "W", Balance: decimal.NewFromInt(1000)})
	m.AddWallet(graph.Wallet{Address: "X", Balance: decimal.NewFromInt(5)})
	m.LinkWallet("W", 1)
	m.LinkWallet("W", 2)
	m.LinkWallet("X", 2)
	m.SetHolding("0xtok", "W", decimal.NewFromInt(10))
	m.SetHolding("0xtok", "X", decimal.NewFromInt(1))

	page, err := newTestEngine(m).Leaderboard(context.Background(), "0xtok", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)

	byFID := map[int64]LeaderboardEntry{}
	total := decimal.Zero
	for _, e := range page.Entries {
		byFID[e.FID] = e
		total = total.Add(e.TotalBalance)
	}
	assert.Equal(t, []string{"W"}, byFID[1].WalletAddresses)
	assert.True(t, byFID[1].TotalBalance.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, []string{"X"}, byFID[2].WalletAddresses)
	assert.True(t, byFID[2].TotalBalance.Equal(decimal.NewFromInt(5)))
	assert.True(t, total.Equal(decimal.NewFromInt(1005)), "total %s", total)
}

func TestLeaderboard_AppsCountMatchesList(t *testing.T) {
	m := newScenario()
	m.AddApp(1, "1/app/0", graph.App{URL: "https://x", Name: "X"})
	m.AddApp(1, "1/app/1", graph.App{URL: "https://x", Name: "X again"})
	m.AddApp(1, "1/app/2", graph.App{Name: "Widget"})
	m.AddApp(1, "1/app/3", graph.App{})

	page, err := newTestEngine(m).Leaderboard(context.Background(), "0xtok", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	e := page.Entries[0]

	assert.Equal(t, []string{"Widget", "https://x"}, e.Apps)
	assert.Equal(t, len(e.Apps), e.AppsCreated)
}

func TestClampPageSize(t *testing.T) {
	assert.Equal(t, 100, ClampPageSize(0, 0))
	assert.Equal(t, 100, ClampPageSize(500, 0))
	assert.Equal(t, 7, ClampPageSize(7, 0))
	assert.Equal(t, 20, ClampPageSize(50, 20))
	assert.Equal(t, 100, ClampPageSize(-1, 1000))
}

func TestCursorRoundTrip(t *testing.T) {
	off, err := DecodeCursor(EncodeCursor(42))
	require.NoError(t, err)
	assert.Equal(t, 42, off)

	off, err = DecodeCursor("")
	require.NoError(t, err)
	assert.Equal(t, 0, off)
}

// -----------------------------------------------------------------------
// CompareTokens
// -----------------------------------------------------------------------

func TestEngine_CompareTokens(t *testing.T) {
	m := newScenario()
	m.AddToken(graph.Token{Address: "0xother", Symbol: "OTH"})
	m.SetHolding("0xother", "Z", decimal.NewFromInt(1))
	e := newTestEngine(m)

	out, err := e.CompareTokens(context.Background(), []string{"0xother", "0xtok"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "0xother", out[0].Token)
	assert.Equal(t, 1.0, out[0].WeightedHolderTotal)
	assert.Equal(t, 42.0, out[1].WeightedHolderTotal)

	_, err = e.CompareTokens(context.Background(), []string{"0xtok", "0xmissing"})
	assert.ErrorIs(t, err, graph.ErrInvalidToken)
}

func TestStats_JSON(t *testing.T) {
	dist, err := newTestEngine(graph.NewMemory()).ReputationDistribution(context.Background(), "0xnope")
	require.Error(t, err)
	assert.Nil(t, dist)

	m := graph.NewMemory()
	m.AddToken(graph.Token{Address: "0xtok"})
	dist, err = newTestEngine(m).ReputationDistribution(context.Background(), "0xtok")
	require.NoError(t, err)

	raw, err := json.Marshal(dist)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"mean":null`)
	assert.Contains(t, string(raw), `"value":null`)
}
