// Package neo4jgraph implements graph.Reader over a Neo4j database holding
// the wallet/identity graph.
package neo4jgraph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tokenfcs/internal/graph"
)

// Config holds Neo4j connection settings.
type Config struct {
	URI      string
	Username string
	Password string
	Database string

	MaxPoolSize           int
	MaxConnectionLifetime time.Duration
	AcquisitionTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 50
	}
	if c.MaxConnectionLifetime <= 0 {
		c.MaxConnectionLifetime = 3 * time.Hour
	}
	if c.AcquisitionTimeout <= 0 {
		c.AcquisitionTimeout = 2 * time.Minute
	}
}

// Store is a graph.Reader backed by Neo4j. All queries run in read sessions.
type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

var _ graph.Reader = (*Store)(nil)

// Open creates the driver and verifies connectivity. The caller must Close it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionPoolSize = cfg.MaxPoolSize
			c.MaxConnectionLifetime = cfg.MaxConnectionLifetime
			c.ConnectionAcquisitionTimeout = cfg.AcquisitionTimeout
		})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("%w: neo4j connectivity: %w", graph.ErrUnavailable, err)
	}

	log.Info().
		Str("uri", cfg.URI).
		Str("database", cfg.Database).
		Int("pool", cfg.MaxPoolSize).
		Msg("Neo4j connection established")

	return &Store{driver: driver, database: cfg.Database}, nil
}

// Close releases the driver and its pooled connections.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping implements graph.Reader.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: neo4j ping: %w", graph.ErrUnavailable, err)
	}
	return nil
}

const tokenQuery = `
MATCH (t:Token {address: $address})
RETURN t.address AS address, t.name AS name, t.symbol AS symbol, t.holderCount AS holderCount
LIMIT 1`

// Token implements graph.Reader.
func (s *Store) Token(ctx context.Context, address string) (graph.Token, error) {
	var (
		tok   graph.Token
		found bool
	)
	err := s.read(ctx, "token", tokenQuery, map[string]any{"address": address}, func(rec *neo4j.Record) error {
		found = true
		tok = graph.Token{
			Address:     recordString(rec, "address"),
			Name:        recordString(rec, "name"),
			Symbol:      recordString(rec, "symbol"),
			HolderCount: int(recordInt(rec, "holderCount")),
		}
		return nil
	})
	if err != nil {
		return graph.Token{}, err
	}
	if !found {
		return graph.Token{}, fmt.Errorf("%w: %s", graph.ErrInvalidToken, address)
	}
	return tok, nil
}

const holdersQuery = `
MATCH (w:Wallet)-[h:HELD]->(:Token {address: $address})
RETURN w.address AS wallet, h.balance AS balance`

// HoldersOf implements graph.Reader. Multiple HELD edges to one wallet are
// summed; non-positive balances are dropped.
func (s *Store) HoldersOf(ctx context.Context, token string) ([]graph.Holding, error) {
	if _, err := s.Token(ctx, token); err != nil {
		return nil, err
	}

	balances := make(map[string]decimal.Decimal)
	err := s.read(ctx, "holders", holdersQuery, map[string]any{"address": token}, func(rec *neo4j.Record) error {
		wallet := recordString(rec, "wallet")
		if wallet == "" {
			return nil
		}
		bal, err := recordDecimal(rec, "balance")
		if err != nil {
			return fmt.Errorf("wallet %s: %w", wallet, err)
		}
		balances[wallet] = balances[wallet].Add(bal)
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]graph.Holding, 0, len(balances))
	for wallet, bal := range balances {
		if bal.Sign() > 0 {
			out = append(out, graph.Holding{Wallet: wallet, Balance: bal})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Wallet < out[j].Wallet })
	return out, nil
}

// Link edges are ACCOUNT relationships in either direction. Wallets are
// matched by address, identities by fid and other accounts by element id.
const (
	walletNeighborsQuery = `
UNWIND $keys AS key
MATCH (n:Wallet {address: key})-[:ACCOUNT]-(m)
RETURN key, ` + neighborColumns

	identityNeighborsQuery = `
UNWIND $keys AS key
MATCH (n:Warpcast {fid: key})-[:ACCOUNT]-(m)
RETURN toString(key) AS key, ` + neighborColumns

	accountNeighborsQuery = `
UNWIND $keys AS key
MATCH (n) WHERE elementId(n) = key
MATCH (n)-[:ACCOUNT]-(m)
RETURN key, ` + neighborColumns

	neighborColumns = `
  CASE WHEN m:Wallet THEN 'wallet' WHEN m:Warpcast THEN 'identity' ELSE 'account' END AS kind,
  CASE WHEN m:Wallet THEN m.address WHEN m:Warpcast THEN toString(m.fid) ELSE elementId(m) END AS ref`
)

// Neighbors implements graph.Reader with one query per node kind.
func (s *Store) Neighbors(ctx context.Context, refs []graph.NodeRef) (map[graph.NodeRef][]graph.NodeRef, error) {
	out := make(map[graph.NodeRef][]graph.NodeRef, len(refs))
	for _, b := range batchRefs(refs) {
		kind := b.kind
		err := s.read(ctx, "neighbors", b.query, map[string]any{"keys": b.keys}, func(rec *neo4j.Record) error {
			from := graph.NodeRef{Kind: kind, Key: recordString(rec, "key")}
			to, ok := neighborRef(rec)
			if !ok {
				return nil
			}
			out[from] = append(out[from], to)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	for ref, ns := range out {
		out[ref] = dedupeRefs(ns)
	}
	return out, nil
}

const identityQuery = `
MATCH (wc:Warpcast {fid: $fid})
RETURN wc.fid AS fid, wc.username AS username, wc.displayName AS displayName,
       wc.pfpUrl AS pfpUrl, wc.bio AS bio, wc.fcCredScore AS score
LIMIT 1`

// Identity implements graph.Reader.
func (s *Store) Identity(ctx context.Context, fid int64) (graph.Identity, error) {
	var (
		id    graph.Identity
		found bool
	)
	err := s.read(ctx, "identity", identityQuery, map[string]any{"fid": fid}, func(rec *neo4j.Record) error {
		found = true
		id = graph.Identity{
			FID:         fid,
			Username:    recordString(rec, "username"),
			DisplayName: recordString(rec, "displayName"),
			PfpURL:      recordString(rec, "pfpUrl"),
			Bio:         recordString(rec, "bio"),
			Score:       recordFloatPtr(rec, "score"),
		}
		return nil
	})
	if err != nil {
		return graph.Identity{}, err
	}
	if !found {
		return graph.Identity{}, fmt.Errorf("%w: fid %d", graph.ErrNotFound, fid)
	}
	return id, nil
}

const walletsQuery = `
MATCH (:Warpcast {fid: $fid})-[:ACCOUNT]-(w:Wallet)
RETURN DISTINCT w.address AS address, w.balance AS balance`

// WalletsOf implements graph.Reader.
func (s *Store) WalletsOf(ctx context.Context, fid int64) ([]graph.Wallet, error) {
	var out []graph.Wallet
	err := s.read(ctx, "wallets", walletsQuery, map[string]any{"fid": fid}, func(rec *neo4j.Record) error {
		bal, err := recordDecimal(rec, "balance")
		if err != nil {
			return err
		}
		out = append(out, graph.Wallet{Address: recordString(rec, "address"), Balance: bal})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

const accountsQuery = `
MATCH (:Warpcast {fid: $fid})-[:ACCOUNT]-(a:Account)
WHERE NOT a:Wallet AND NOT a:Warpcast
RETURN DISTINCT a.platform AS platform, a.username AS username`

// ExternalAccountsOf implements graph.Reader.
func (s *Store) ExternalAccountsOf(ctx context.Context, fid int64) ([]graph.ExternalAccount, error) {
	var out []graph.ExternalAccount
	err := s.read(ctx, "accounts", accountsQuery, map[string]any{"fid": fid}, func(rec *neo4j.Record) error {
		out = append(out, graph.ExternalAccount{
			Platform: recordString(rec, "platform"),
			Username: recordString(rec, "username"),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const rewardsQuery = `
UNWIND $wallets AS address
MATCH ()-[r:REWARDS]->(:Wallet {address: address})
RETURN r.value AS value`

// RewardsOf implements graph.Reader.
func (s *Store) RewardsOf(ctx context.Context, wallets []string) (decimal.Decimal, error) {
	total := decimal.Zero
	if len(wallets) == 0 {
		return total, nil
	}
	err := s.read(ctx, "rewards", rewardsQuery, map[string]any{"wallets": wallets}, func(rec *neo4j.Record) error {
		v, err := recordDecimal(rec, "value")
		if err != nil {
			return err
		}
		total = total.Add(v)
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

const appsQuery = `
MATCH (:Warpcast {fid: $fid})-[:CREATED]->(m:Miniapp)
RETURN DISTINCT m.url AS url, m.name AS name`

// AppsCreatedBy implements graph.Reader.
func (s *Store) AppsCreatedBy(ctx context.Context, fid int64) ([]graph.App, error) {
	var out []graph.App
	err := s.read(ctx, "apps", appsQuery, map[string]any{"fid": fid}, func(rec *neo4j.Record) error {
		out = append(out, graph.App{URL: recordString(rec, "url"), Name: recordString(rec, "name")})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// read runs query in a read session and calls fn for every record.
// Driver failures are reported as graph.ErrUnavailable; errors from fn are
// returned as they are.
func (s *Store) read(ctx context.Context, op, query string, params map[string]any, fn func(*neo4j.Record) error) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: s.database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return fmt.Errorf("%w: neo4j %s: %w", graph.ErrUnavailable, op, err)
	}
	for result.Next(ctx) {
		if err := fn(result.Record()); err != nil {
			return fmt.Errorf("neo4j %s: %w", op, err)
		}
	}
	if err := result.Err(); err != nil {
		return fmt.Errorf("%w: neo4j %s: %w", graph.ErrUnavailable, op, err)
	}
	return nil
}
