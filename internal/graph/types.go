// Package graph holds the wallet/identity data model and the read-only
// access port the aggregation engine consumes.
package graph

import (
	"context"
	"errors"
	"strconv"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnavailable means the graph store could not be reached or timed out.
	ErrUnavailable = errors.New("graph: data source unavailable")
	// ErrInvalidToken means the token does not exist in the graph.
	// A token that exists with zero holders is not an error.
	ErrInvalidToken = errors.New("graph: invalid token")
	// ErrNotFound is returned by point lookups that match nothing.
	ErrNotFound = errors.New("graph: not found")
)

// NodeKind classifies a node reachable over Link edges.
type NodeKind string

const (
	KindWallet   NodeKind = "wallet"
	KindIdentity NodeKind = "identity"
	KindAccount  NodeKind = "account" // external platform account
	KindApp      NodeKind = "app"
)

// NodeRef addresses a node independent of the backing store.
// Wallets are keyed by address, identities by decimal fid; other kinds use
// a store-specific key.
type NodeRef struct {
	Kind NodeKind `json:"kind" yaml:"kind"`
	Key  string   `json:"key" yaml:"key"`
}

// WalletRef returns the ref of a wallet node.
func WalletRef(address string) NodeRef {
	return NodeRef{Kind: KindWallet, Key: address}
}

// IdentityRef returns the ref of an identity node.
func IdentityRef(fid int64) NodeRef {
	return NodeRef{Kind: KindIdentity, Key: strconv.FormatInt(fid, 10)}
}

// FID parses the identity id out of an identity ref.
func (r NodeRef) FID() (int64, bool) {
	if r.Kind != KindIdentity {
		return 0, false
	}
	fid, err := strconv.ParseInt(r.Key, 10, 64)
	if err != nil {
		return 0, false
	}
	return fid, true
}

func (r NodeRef) String() string {
	return string(r.Kind) + ":" + r.Key
}

// Token is a token node.
type Token struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	HolderCount int    `json:"holder_count"` // indexer-provided, informational
}

// Holding is a (wallet, token) balance with a positive balance.
type Holding struct {
	Wallet  string          `json:"wallet"`
	Balance decimal.Decimal `json:"balance"`
}

// Wallet is an address with its cross-asset (stable/native, USD) balance.
type Wallet struct {
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
}

// Identity is a social account carrying a reputation score.
type Identity struct {
	FID         int64    `json:"fid"`
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name,omitempty"`
	PfpURL      string   `json:"pfp_url,omitempty"`
	Bio         string   `json:"bio,omitempty"`
	Score       *float64 `json:"score"` // nil when the score is absent
}

// ScoreOrZero returns the reputation score, treating an absent score as 0.
func (i Identity) ScoreOrZero() float64 {
	if i.Score == nil {
		return 0
	}
	return *i.Score
}

// ExternalAccount is an account on another platform linked to an identity.
type ExternalAccount struct {
	Platform string `json:"platform"`
	Username string `json:"username"`
}

// App is an application created by an identity.
type App struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// Reader is the read-only access port over the wallet/identity graph.
// Every call is a potential network round trip.
type Reader interface {
	// Token returns the token node, or ErrInvalidToken.
	Token(ctx context.Context, address string) (Token, error)
	// HoldersOf returns every wallet with a positive balance of token.
	HoldersOf(ctx context.Context, token string) ([]Holding, error)
	// Neighbors expands each ref one hop along Link edges, in either direction.
	Neighbors(ctx context.Context, refs []NodeRef) (map[NodeRef][]NodeRef, error)
	// Identity returns the identity with the given fid, or ErrNotFound.
	Identity(ctx context.Context, fid int64) (Identity, error)
	// WalletsOf returns every wallet linked to the identity.
	WalletsOf(ctx context.Context, fid int64) ([]Wallet, error)
	// ExternalAccountsOf returns the identity's linked external accounts.
	ExternalAccountsOf(ctx context.Context, fid int64) ([]ExternalAccount, error)
	// RewardsOf returns the summed reward value paid to the wallets.
	RewardsOf(ctx context.Context, wallets []string) (decimal.Decimal, error)
	// AppsCreatedBy returns the applications the identity created.
	AppsCreatedBy(ctx context.Context, fid int64) ([]App, error)
	// Ping checks the store is reachable.
	Ping(ctx context.Context) error
}
