package graph

import (
	"context"

	"github.com/shopspring/decimal"
)

// HoldingsSource is the token/holding half of the Reader.
type HoldingsSource interface {
	Token(ctx context.Context, address string) (Token, error)
	HoldersOf(ctx context.Context, token string) ([]Holding, error)
	Ping(ctx context.Context) error
}

// Split routes token and holding queries to one store and identity/link
// queries to another, e.g. balances in ClickHouse and links in Neo4j.
type Split struct {
	Holdings HoldingsSource
	Links    Reader
}

var _ Reader = (*Split)(nil)

// Token reads the token from the holdings store.
func (s *Split) Token(ctx context.Context, address string) (Token, error) {
	return s.Holdings.Token(ctx, address)
}

// HoldersOf reads balances from the holdings store.
func (s *Split) HoldersOf(ctx context.Context, token string) ([]Holding, error) {
	return s.Holdings.HoldersOf(ctx, token)
}

// Neighbors expands Link edges in the link store.
func (s *Split) Neighbors(ctx context.Context, refs []NodeRef) (map[NodeRef][]NodeRef, error) {
	return s.Links.Neighbors(ctx, refs)
}

// Identity reads the identity from the link store.
func (s *Split) Identity(ctx context.Context, fid int64) (Identity, error) {
	return s.Links.Identity(ctx, fid)
}

// WalletsOf reads the identity's wallets from the link store.
func (s *Split) WalletsOf(ctx context.Context, fid int64) ([]Wallet, error) {
	return s.Links.WalletsOf(ctx, fid)
}

// ExternalAccountsOf reads linked accounts from the link store.
func (s *Split) ExternalAccountsOf(ctx context.Context, fid int64) ([]ExternalAccount, error) {
	return s.Links.ExternalAccountsOf(ctx, fid)
}

// RewardsOf sums rewards in the link store.
func (s *Split) RewardsOf(ctx context.Context, wallets []string) (decimal.Decimal, error) {
	return s.Links.RewardsOf(ctx, wallets)
}

// AppsCreatedBy reads created apps from the link store.
func (s *Split) AppsCreatedBy(ctx context.Context, fid int64) ([]App, error) {
	return s.Links.AppsCreatedBy(ctx, fid)
}

// Ping checks both stores; the first failure wins.
func (s *Split) Ping(ctx context.Context) error {
	if err := s.Holdings.Ping(ctx); err != nil {
		return err
	}
	return s.Links.Ping(ctx)
}
