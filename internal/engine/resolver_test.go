package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/tokenfcs/internal/graph"
)

func score(v float64) *float64 { return &v }

func holding(wallet string, bal int64) graph.Holding {
	return graph.Holding{Wallet: wallet, Balance: decimal.NewFromInt(bal)}
}

// chain links prefix0 - prefix1 - ... - prefix{n-1} - identity fid, so
// prefix0 sits n hops from the identity.
func chain(m *graph.Memory, prefix string, n int, fid int64) string {
	for i := 0; i < n-1; i++ {
		m.Link(graph.WalletRef(fmt.Sprintf("%s%d", prefix, i)), graph.WalletRef(fmt.Sprintf("%s%d", prefix, i+1)))
	}
	m.LinkWallet(fmt.Sprintf("%s%d", prefix, n-1), fid)
	return prefix + "0"
}

func TestResolver_HopBoundary(t *testing.T) {
	m := graph.NewMemory()
	m.AddIdentity(graph.Identity{FID: 1, Username: "five", Score: score(10)})
	m.AddIdentity(graph.Identity{FID: 2, Username: "six", Score: score(10)})
	atFive := chain(m, "five", 5, 1)
	atSix := chain(m, "six", 6, 2)

	r := NewResolver(m, 0)
	ctx := context.Background()

	fid, hops, ok, err := r.IdentityReachable(ctx, atFive, MaxHops)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), fid)
	assert.Equal(t, 5, hops)

	_, _, ok, err = r.IdentityReachable(ctx, atSix, MaxHops)
	require.NoError(t, err)
	assert.False(t, ok, "identity at 6 hops must not be attributed")

	clusters, err := r.Resolve(ctx, []graph.Holding{holding(atFive, 1), holding(atSix, 1)})
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.True(t, clusters[0].Linked())
	assert.Equal(t, int64(1), clusters[0].Identity.FID)
	assert.False(t, clusters[1].Linked())
	assert.Equal(t, atSix, clusters[1].Holdings[0].Wallet)
}

func TestResolver_CycleTerminates(t *testing.T) {
	m := graph.NewMemory()
	m.Link(graph.WalletRef("a"), graph.WalletRef("b"))
	m.Link(graph.WalletRef("b"), graph.WalletRef("c"))
	m.Link(graph.WalletRef("c"), graph.WalletRef("a"))

	r := NewResolver(m, 0)
	clusters, err := r.Resolve(context.Background(), []graph.Holding{holding("a", 1), holding("b", 2)})
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	for _, c := range clusters {
		assert.False(t, c.Linked())
		assert.Len(t, c.Holdings, 1)
	}
}

func TestResolver_TieBreak(t *testing.T) {
	m := graph.NewMemory()
	for _, fid := range []int64{2, 4, 9} {
		m.AddIdentity(graph.Identity{FID: fid, Username: fmt.Sprintf("u%d", fid)})
	}
	// Same hop count: lowest fid wins.
	m.LinkWallet("shared", 9)
	m.LinkWallet("shared", 4)
	// Nearer identity beats a lower fid further away.
	m.LinkWallet("near", 9)
	m.Link(graph.WalletRef("near"), graph.WalletRef("mid"))
	m.LinkWallet("mid", 2)

	r := NewResolver(m, 0)
	ctx := context.Background()

	fid, hops, ok, err := r.IdentityReachable(ctx, "shared", MaxHops)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), fid)
	assert.Equal(t, 1, hops)

	fid, hops, ok, err = r.IdentityReachable(ctx, "near", MaxHops)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(9), fid)
	assert.Equal(t, 1, hops)
}

func TestResolver_PartitionIsExact(t *testing.T) {
	m := graph.NewMemory()
	m.AddIdentity(graph.Identity{FID: 1, Score: score(5)})
	m.AddIdentity(graph.Identity{FID: 2, Score: score(7)})
	m.LinkWallet("a", 1)
	m.LinkWallet("b", 1)
	m.LinkWallet("b", 2) // reachable from both at one hop
	m.LinkWallet("c", 2)
	m.Link(graph.WalletRef("d"), graph.WalletRef("c"))

	holders := []graph.Holding{
		holding("a", 1), holding("b", 1), holding("c", 1), holding("d", 1), holding("e", 1),
	}
	r := NewResolver(m, 0)
	clusters, err := r.Resolve(context.Background(), holders)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, c := range clusters {
		for _, h := range c.Holdings {
			seen[h.Wallet]++
		}
	}
	assert.Len(t, seen, len(holders))
	for w, n := range seen {
		assert.Equal(t, 1, n, "wallet %s in %d clusters", w, n)
	}

	require.Len(t, clusters, 3)
	assert.Equal(t, int64(1), clusters[0].Identity.FID)
	assert.Equal(t, []graph.Holding{holding("a", 1), holding("b", 1)}, clusters[0].Holdings)
	assert.Equal(t, int64(2), clusters[1].Identity.FID)
	assert.Equal(t, []graph.Holding{holding("c", 1), holding("d", 1)}, clusters[1].Holdings)
	assert.False(t, clusters[2].Linked())
}

func TestResolver_SharedWalletsBelongToOneCluster(t *testing.T) {
	m := graph.NewMemory()
	m.AddIdentity(graph.Identity{FID: 1})
	m.AddIdentity(graph.Identity{FID: 2})
	m.AddWallet(graph.Wallet{Address: "w", Balance: decimal.NewFromInt(1000)})
	m.AddWallet(graph.Wallet{Address: "x", Balance: decimal.NewFromInt(5)})
	m.AddWallet(graph.Wallet{Address: "idle", Balance: decimal.NewFromInt(7)})
	m.LinkWallet("w", 1)
	m.LinkWallet("w", 2)
	m.LinkWallet("x", 2)
	// idle holds nothing and is linked to both identities.
	m.LinkWallet("idle", 1)
	m.LinkWallet("idle", 2)

	r := NewResolver(m, 0)
	clusters, err := r.Resolve(context.Background(), []graph.Holding{holding("w", 1), holding("x", 1)})
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	assert.Equal(t, []string{"idle", "w"}, clusters[0].Addresses())
	assert.Equal(t, []string{"x"}, clusters[1].Addresses())

	seen := map[string]int64{}
	for _, c := range clusters {
		for _, w := range c.Wallets {
			prev, dup := seen[w.Address]
			assert.False(t, dup, "wallet %s in clusters %d and %d", w.Address, prev, c.Identity.FID)
			seen[w.Address] = c.Identity.FID
		}
	}
}

func TestResolver_MergesDuplicateHolders(t *testing.T) {
	r := NewResolver(graph.NewMemory(), 0)
	clusters, err := r.Resolve(context.Background(), []graph.Holding{
		holding("a", 3), holding("a", 4), holding("z", 0),
	})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.True(t, clusters[0].TokenBalance().Equal(decimal.NewFromInt(7)))
}

func TestResolver_TraversalLimit(t *testing.T) {
	m := graph.NewMemory()
	for i := 0; i < 10; i++ {
		m.Link(graph.WalletRef("hub"), graph.WalletRef(fmt.Sprintf("spoke%d", i)))
	}
	r := NewResolver(m, 5)

	_, err := r.Resolve(context.Background(), []graph.Holding{holding("hub", 1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTraversalLimit)
}

func TestResolver_MemoisesNeighborLookups(t *testing.T) {
	m := graph.NewMemory()
	m.Link(graph.WalletRef("x"), graph.WalletRef("hub"))
	m.Link(graph.WalletRef("y"), graph.WalletRef("hub"))

	r := NewResolver(m, 0)
	before := m.Stats().QueryCount
	clusters, err := r.Resolve(context.Background(), []graph.Holding{holding("x", 1), holding("y", 1)})
	require.NoError(t, err)
	assert.Len(t, clusters, 2)

	// x expands {x}, {hub}, {y}; y's traversal is served from the memo.
	assert.Equal(t, int64(3), m.Stats().QueryCount-before)
}

func TestCluster_Addresses(t *testing.T) {
	c := Cluster{
		Identity: &graph.Identity{FID: 1},
		Wallets:  []graph.Wallet{{Address: "b"}, {Address: "a"}},
		Holdings: []graph.Holding{holding("c", 1), holding("a", 1)},
	}
	assert.Equal(t, []string{"a", "b", "c"}, c.Addresses())
}

func TestWeight(t *testing.T) {
	assert.Equal(t, 1.0, Weight(Cluster{}))
	assert.Equal(t, 1.0, Weight(Cluster{Identity: &graph.Identity{FID: 1}}))
	assert.Equal(t, 41.0, Weight(Cluster{Identity: &graph.Identity{FID: 1, Score: score(40)}}))
	assert.Equal(t, 1.0, Weight(Cluster{Identity: &graph.Identity{FID: 1, Score: score(-3)}}))

	ws := Weights([]Cluster{{}, {Identity: &graph.Identity{Score: score(2)}}})
	assert.Equal(t, []float64{1, 3}, ws)
}
