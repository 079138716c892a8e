package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// In-memory graph: substitute store for tests, fixtures and offline runs
// ---------------------------------------------------------------------------

// Memory is an in-memory Reader. Mutators are safe to call concurrently with
// readers, but the engine only ever reads.
type Memory struct {
	mu         sync.RWMutex
	tokens     map[string]*Token
	holdings   map[string]map[string]decimal.Decimal // token -> wallet -> balance
	wallets    map[string]*Wallet
	identities map[int64]*Identity
	accounts   map[string]ExternalAccount // account key -> account
	apps       map[string]App             // app key -> app
	created    map[int64][]string         // fid -> app keys
	rewards    map[string][]decimal.Decimal
	links      map[NodeRef]map[NodeRef]bool // undirected Link adjacency

	// Stats.
	queryCount atomic.Int64
	linkCount  atomic.Int64
}

// NewMemory creates an empty in-memory graph.
func NewMemory() *Memory {
	return &Memory{
		tokens:     make(map[string]*Token),
		holdings:   make(map[string]map[string]decimal.Decimal),
		wallets:    make(map[string]*Wallet),
		identities: make(map[int64]*Identity),
		accounts:   make(map[string]ExternalAccount),
		apps:       make(map[string]App),
		created:    make(map[int64][]string),
		rewards:    make(map[string][]decimal.Decimal),
		links:      make(map[NodeRef]map[NodeRef]bool),
	}
}

// ---------------------------------------------------------------------------
// Mutators
// ---------------------------------------------------------------------------

// AddToken registers a token.
func (m *Memory) AddToken(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok := t
	m.tokens[t.Address] = &tok
	if _, ok := m.holdings[t.Address]; !ok {
		m.holdings[t.Address] = make(map[string]decimal.Decimal)
	}
}

// AddWallet registers a wallet and its cross-asset balance.
func (m *Memory) AddWallet(w Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet := w
	m.wallets[w.Address] = &wallet
}

// AddIdentity registers an identity.
func (m *Memory) AddIdentity(id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident := id
	m.identities[id.FID] = &ident
}

// Link adds an undirected Link edge between two nodes.
func (m *Memory) Link(a, b NodeRef) {
	if a == b {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addEdge(a, b) {
		m.addEdge(b, a)
		m.linkCount.Add(1)
	}
}

// LinkWallet links a wallet directly to an identity.
func (m *Memory) LinkWallet(address string, fid int64) {
	m.Link(WalletRef(address), IdentityRef(fid))
}

// AddExternalAccount creates an external account node under key and links it
// to the identity.
func (m *Memory) AddExternalAccount(fid int64, key string, acct ExternalAccount) {
	m.mu.Lock()
	m.accounts[key] = acct
	m.mu.Unlock()
	m.Link(IdentityRef(fid), NodeRef{Kind: KindAccount, Key: key})
}

// AddApp records an app created by the identity.
func (m *Memory) AddApp(fid int64, key string, app App) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.apps[key]; !exists {
		m.created[fid] = append(m.created[fid], key)
	}
	m.apps[key] = app
}

// SetHolding sets the wallet's balance of token. A zero balance removes it.
func (m *Memory) SetHolding(token, wallet string, balance decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.holdings[token]
	if !ok {
		h = make(map[string]decimal.Decimal)
		m.holdings[token] = h
	}
	if balance.Sign() <= 0 {
		delete(h, wallet)
		return
	}
	h[wallet] = balance
}

// AddReward records a reward paid to a wallet.
func (m *Memory) AddReward(wallet string, value decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rewards[wallet] = append(m.rewards[wallet], value)
}

func (m *Memory) addEdge(from, to NodeRef) bool {
	adj, ok := m.links[from]
	if !ok {
		adj = make(map[NodeRef]bool)
		m.links[from] = adj
	}
	if adj[to] {
		return false
	}
	adj[to] = true
	return true
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

// Token implements Reader.
func (m *Memory) Token(ctx context.Context, address string) (Token, error) {
	if err := m.enter(ctx); err != nil {
		return Token{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[address]
	if !ok {
		return Token{}, fmt.Errorf("%w: %s", ErrInvalidToken, address)
	}
	return *t, nil
}

// HoldersOf implements Reader. Holders are sorted by address.
func (m *Memory) HoldersOf(ctx context.Context, token string) ([]Holding, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tokens[token]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, token)
	}
	out := make([]Holding, 0, len(m.holdings[token]))
	for wallet, bal := range m.holdings[token] {
		if bal.Sign() > 0 {
			out = append(out, Holding{Wallet: wallet, Balance: bal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out, nil
}

// Neighbors implements Reader.
func (m *Memory) Neighbors(ctx context.Context, refs []NodeRef) (map[NodeRef][]NodeRef, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[NodeRef][]NodeRef, len(refs))
	for _, ref := range refs {
		adj := m.links[ref]
		next := make([]NodeRef, 0, len(adj))
		for n := range adj {
			next = append(next, n)
		}
		sortRefs(next)
		out[ref] = next
	}
	return out, nil
}

// Identity implements Reader.
func (m *Memory) Identity(ctx context.Context, fid int64) (Identity, error) {
	if err := m.enter(ctx); err != nil {
		return Identity{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[fid]
	if !ok {
		return Identity{}, fmt.Errorf("%w: identity %d", ErrNotFound, fid)
	}
	return *id, nil
}

// WalletsOf implements Reader.
func (m *Memory) WalletsOf(ctx context.Context, fid int64) ([]Wallet, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Wallet
	for n := range m.links[IdentityRef(fid)] {
		if n.Kind != KindWallet {
			continue
		}
		if w, ok := m.wallets[n.Key]; ok {
			out = append(out, *w)
		} else {
			out = append(out, Wallet{Address: n.Key})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// ExternalAccountsOf implements Reader.
func (m *Memory) ExternalAccountsOf(ctx context.Context, fid int64) ([]ExternalAccount, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ExternalAccount
	for n := range m.links[IdentityRef(fid)] {
		if n.Kind != KindAccount {
			continue
		}
		if acct, ok := m.accounts[n.Key]; ok {
			out = append(out, acct)
		}
	}
	return out, nil
}

// RewardsOf implements Reader.
func (m *Memory) RewardsOf(ctx context.Context, wallets []string) (decimal.Decimal, error) {
	if err := m.enter(ctx); err != nil {
		return decimal.Zero, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	seen := make(map[string]bool, len(wallets))
	for _, w := range wallets {
		if seen[w] {
			continue
		}
		seen[w] = true
		for _, v := range m.rewards[w] {
			total = total.Add(v)
		}
	}
	return total, nil
}

// AppsCreatedBy implements Reader.
func (m *Memory) AppsCreatedBy(ctx context.Context, fid int64) ([]App, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.created[fid]
	out := make([]App, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.apps[k])
	}
	return out, nil
}

// Ping implements Reader.
func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// enter counts the query and honours cancellation at the call boundary.
func (m *Memory) enter(ctx context.Context) error {
	m.queryCount.Add(1)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// MemoryStats summarises the graph contents.
type MemoryStats struct {
	Tokens     int   `json:"tokens"`
	Wallets    int   `json:"wallets"`
	Identities int   `json:"identities"`
	Links      int64 `json:"links"`
	QueryCount int64 `json:"query_count"`
}

// Stats returns graph statistics.
func (m *Memory) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MemoryStats{
		Tokens:     len(m.tokens),
		Wallets:    len(m.wallets),
		Identities: len(m.identities),
		Links:      m.linkCount.Load(),
		QueryCount: m.queryCount.Load(),
	}
}

func sortRefs(refs []NodeRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Kind != refs[j].Kind {
			return refs[i].Kind < refs[j].Kind
		}
		return refs[i].Key < refs[j].Key
	})
}
