package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tokenfcs/internal/graph"
)

// ---------------------------------------------------------------------------
// Identity resolver: bounded BFS over Link edges, wallets -> identity clusters
// ---------------------------------------------------------------------------

// MaxHops is the attribution horizon: a wallet is attributed to an identity
// reachable within this many Link hops, never further.
const MaxHops = 5

// DefaultMaxVisited caps the nodes a single traversal may visit.
const DefaultMaxVisited = 10_000

// ErrTraversalLimit is returned when a traversal visits more nodes than allowed.
var ErrTraversalLimit = errors.New("engine: traversal node limit exceeded")

// Cluster is a set of wallets attributed to one identity, or a lone wallet
// with no reachable identity.
type Cluster struct {
	// Identity is nil for an unlinked singleton.
	Identity *graph.Identity
	// Holdings are the token-holding wallets attributed to this cluster.
	Holdings []graph.Holding
	// Wallets is the identity's full wallet set (WalletsOf). For an unlinked
	// cluster it is the single holding wallet.
	Wallets []graph.Wallet
}

// Linked reports whether the cluster resolved to an identity.
func (c Cluster) Linked() bool {
	return c.Identity != nil
}

// TokenBalance sums the token balance over the cluster's holding wallets.
func (c Cluster) TokenBalance() decimal.Decimal {
	total := decimal.Zero
	for _, h := range c.Holdings {
		total = total.Add(h.Balance)
	}
	return total
}

// Addresses returns the union of the cluster's wallet set and its holding
// wallets, sorted.
func (c Cluster) Addresses() []string {
	seen := make(map[string]bool, len(c.Wallets)+len(c.Holdings))
	out := make([]string, 0, len(c.Wallets)+len(c.Holdings))
	for _, w := range c.Wallets {
		if !seen[w.Address] {
			seen[w.Address] = true
			out = append(out, w.Address)
		}
	}
	for _, h := range c.Holdings {
		if !seen[h.Wallet] {
			seen[h.Wallet] = true
			out = append(out, h.Wallet)
		}
	}
	sort.Strings(out)
	return out
}

// Resolver partitions a token's holders into identity clusters.
type Resolver struct {
	reader     graph.Reader
	maxVisited int
}

// NewResolver creates a resolver. maxVisited <= 0 uses DefaultMaxVisited.
func NewResolver(reader graph.Reader, maxVisited int) *Resolver {
	if maxVisited <= 0 {
		maxVisited = DefaultMaxVisited
	}
	return &Resolver{reader: reader, maxVisited: maxVisited}
}

// Resolve attributes every holder to its nearest identity within MaxHops and
// groups holders by identity. Each holder lands in exactly one cluster. Any
// graph error aborts the whole resolution.
func (r *Resolver) Resolve(ctx context.Context, holders []graph.Holding) ([]Cluster, error) {
	t := r.newTraversal()
	holders = mergeHoldings(holders)

	attributed := make(map[int64][]graph.Holding)
	owner := make(map[string]int64, len(holders))
	var unlinked []Cluster

	for _, h := range holders {
		fid, _, ok, err := t.nearestIdentity(ctx, graph.WalletRef(h.Wallet), MaxHops)
		if err != nil {
			return nil, fmt.Errorf("resolve wallet %s: %w", h.Wallet, err)
		}
		if !ok {
			owner[h.Wallet] = unlinkedOwner
			unlinked = append(unlinked, Cluster{
				Holdings: []graph.Holding{h},
				Wallets:  []graph.Wallet{{Address: h.Wallet}},
			})
			continue
		}
		owner[h.Wallet] = fid
		attributed[fid] = append(attributed[fid], h)
	}

	fids := make([]int64, 0, len(attributed))
	for fid := range attributed {
		fids = append(fids, fid)
	}
	sort.Slice(fids, func(i, j int) bool { return fids[i] < fids[j] })

	ids := make([]graph.Identity, len(fids))
	walletsOf := make([][]graph.Wallet, len(fids))
	for i, fid := range fids {
		id, err := r.reader.Identity(ctx, fid)
		if err != nil {
			return nil, fmt.Errorf("load identity %d: %w", fid, err)
		}
		wallets, err := r.reader.WalletsOf(ctx, fid)
		if err != nil {
			return nil, fmt.Errorf("load wallets of %d: %w", fid, err)
		}
		ids[i], walletsOf[i] = id, wallets
		// A non-holding wallet linked to several identities goes to the
		// lowest fid, the same choice a traversal from it would make.
		for _, w := range wallets {
			if _, claimed := owner[w.Address]; !claimed {
				owner[w.Address] = fid
			}
		}
	}

	clusters := make([]Cluster, 0, len(fids)+len(unlinked))
	for i, fid := range fids {
		clusters = append(clusters, Cluster{
			Identity: &ids[i],
			Holdings: attributed[fid],
			Wallets:  ownWallets(walletsOf[i], owner, fid),
		})
	}

	return append(clusters, unlinked...), nil
}

// unlinkedOwner marks a holder that resolved to no identity. Fids are
// positive.
const unlinkedOwner int64 = -1

// ownWallets keeps the wallets of fid that no other cluster owns.
func ownWallets(wallets []graph.Wallet, owner map[string]int64, fid int64) []graph.Wallet {
	out := make([]graph.Wallet, 0, len(wallets))
	for _, w := range wallets {
		if o, ok := owner[w.Address]; ok && o != fid {
			continue
		}
		out = append(out, w)
	}
	return out
}

// IdentityReachable returns the identity nearest to wallet within maxHops,
// breaking ties by lowest fid. ok is false when none is reachable.
func (r *Resolver) IdentityReachable(ctx context.Context, wallet string, maxHops int) (fid int64, hops int, ok bool, err error) {
	return r.newTraversal().nearestIdentity(ctx, graph.WalletRef(wallet), maxHops)
}

func (r *Resolver) newTraversal() *traversal {
	return &traversal{
		reader:     r.reader,
		maxVisited: r.maxVisited,
		memo:       make(map[graph.NodeRef][]graph.NodeRef),
	}
}

// traversal memoises neighbor lookups for the lifetime of one request.
type traversal struct {
	reader     graph.Reader
	maxVisited int
	memo       map[graph.NodeRef][]graph.NodeRef
}

// nearestIdentity runs a level-synchronous BFS from start. The first level
// containing any identity wins; within it the lowest fid wins.
func (t *traversal) nearestIdentity(ctx context.Context, start graph.NodeRef, maxHops int) (int64, int, bool, error) {
	visited := map[graph.NodeRef]bool{start: true}
	frontier := []graph.NodeRef{start}

	for depth := 1; depth <= maxHops && len(frontier) > 0; depth++ {
		nbrs, err := t.expand(ctx, frontier)
		if err != nil {
			return 0, 0, false, err
		}

		var next []graph.NodeRef
		var best int64
		found := false
		for _, ref := range frontier {
			for _, n := range nbrs[ref] {
				if visited[n] {
					continue
				}
				visited[n] = true
				if len(visited) > t.maxVisited {
					return 0, 0, false, fmt.Errorf("%w: %d nodes from %s", ErrTraversalLimit, t.maxVisited, start)
				}
				if fid, ok := n.FID(); ok {
					if !found || fid < best {
						best = fid
						found = true
					}
				}
				next = append(next, n)
			}
		}
		if found {
			return best, depth, true, nil
		}
		frontier = next
	}
	return 0, 0, false, nil
}

// expand returns the neighbors of refs, querying only refs not seen before.
func (t *traversal) expand(ctx context.Context, refs []graph.NodeRef) (map[graph.NodeRef][]graph.NodeRef, error) {
	var missing []graph.NodeRef
	for _, ref := range refs {
		if _, ok := t.memo[ref]; !ok {
			missing = append(missing, ref)
		}
	}
	if len(missing) > 0 {
		got, err := t.reader.Neighbors(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, ref := range missing {
			t.memo[ref] = got[ref]
		}
	}
	out := make(map[graph.NodeRef][]graph.NodeRef, len(refs))
	for _, ref := range refs {
		out[ref] = t.memo[ref]
	}
	return out, nil
}

// mergeHoldings collapses duplicate wallet entries, summing balances, and
// drops non-positive balances. Output is sorted by wallet.
func mergeHoldings(holders []graph.Holding) []graph.Holding {
	byWallet := make(map[string]decimal.Decimal, len(holders))
	for _, h := range holders {
		if cur, ok := byWallet[h.Wallet]; ok {
			byWallet[h.Wallet] = cur.Add(h.Balance)
		} else {
			byWallet[h.Wallet] = h.Balance
		}
	}
	out := make([]graph.Holding, 0, len(byWallet))
	for w, bal := range byWallet {
		if bal.Sign() > 0 {
			out = append(out, graph.Holding{Wallet: w, Balance: bal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out
}
