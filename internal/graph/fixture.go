package graph

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Fixture is the YAML description of a small graph, used for offline runs
// and tests.
//
//	tokens:
//	  - {address: "0xabc", name: "Clank", symbol: "CLNK"}
//	wallets:
//	  - {address: "0xa1", balance: "12.5"}
//	identities:
//	  - {fid: 3, username: "dwr", score: 40, wallets: ["0xa1"]}
//	links:
//	  - {from: {kind: wallet, key: "0xa2"}, to: {kind: wallet, key: "0xa1"}}
//	holdings:
//	  - {token: "0xabc", wallet: "0xa1", balance: "100"}
type Fixture struct {
	Tokens     []FixtureToken    `yaml:"tokens"`
	Wallets    []FixtureWallet   `yaml:"wallets"`
	Identities []FixtureIdentity `yaml:"identities"`
	Links      []FixtureLink     `yaml:"links"`
	Holdings   []FixtureHolding  `yaml:"holdings"`
	Rewards    []FixtureReward   `yaml:"rewards"`
}

type FixtureToken struct {
	Address     string `yaml:"address"`
	Name        string `yaml:"name"`
	Symbol      string `yaml:"symbol"`
	HolderCount int    `yaml:"holder_count"`
}

type FixtureWallet struct {
	Address string `yaml:"address"`
	Balance string `yaml:"balance"`
}

type FixtureIdentity struct {
	FID         int64             `yaml:"fid"`
	Username    string            `yaml:"username"`
	DisplayName string            `yaml:"display_name"`
	PfpURL      string            `yaml:"pfp_url"`
	Bio         string            `yaml:"bio"`
	Score       *float64          `yaml:"score"`
	Wallets     []string          `yaml:"wallets"`
	Accounts    []ExternalAccount `yaml:"accounts"`
	Apps        []App             `yaml:"apps"`
}

type FixtureLink struct {
	From NodeRef `yaml:"from"`
	To   NodeRef `yaml:"to"`
}

type FixtureHolding struct {
	Token   string `yaml:"token"`
	Wallet  string `yaml:"wallet"`
	Balance string `yaml:"balance"`
}

type FixtureReward struct {
	Wallet string `yaml:"wallet"`
	Value  string `yaml:"value"`
}

// LoadFixture reads a YAML fixture file into a Memory graph.
func LoadFixture(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture builds a Memory graph from YAML fixture bytes.
func ParseFixture(data []byte) (*Memory, error) {
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return fx.Build()
}

// Build materialises the fixture.
func (fx Fixture) Build() (*Memory, error) {
	m := NewMemory()

	for _, t := range fx.Tokens {
		if t.Address == "" {
			return nil, fmt.Errorf("fixture: token without address")
		}
		m.AddToken(Token{Address: t.Address, Name: t.Name, Symbol: t.Symbol, HolderCount: t.HolderCount})
	}

	for _, w := range fx.Wallets {
		bal, err := parseAmount(w.Balance)
		if err != nil {
			return nil, fmt.Errorf("fixture: wallet %s: %w", w.Address, err)
		}
		m.AddWallet(Wallet{Address: w.Address, Balance: bal})
	}

	for _, id := range fx.Identities {
		m.AddIdentity(Identity{
			FID:         id.FID,
			Username:    id.Username,
			DisplayName: id.DisplayName,
			PfpURL:      id.PfpURL,
			Bio:         id.Bio,
			Score:       id.Score,
		})
		for _, w := range id.Wallets {
			m.LinkWallet(w, id.FID)
		}
		for _, acct := range id.Accounts {
			m.AddExternalAccount(id.FID, fmt.Sprintf("%d/%s/%s", id.FID, acct.Platform, acct.Username), acct)
		}
		for i, app := range id.Apps {
			m.AddApp(id.FID, fmt.Sprintf("%d/app/%d", id.FID, i), app)
		}
	}

	for _, l := range fx.Links {
		m.Link(l.From, l.To)
	}

	for _, h := range fx.Holdings {
		bal, err := parseAmount(h.Balance)
		if err != nil {
			return nil, fmt.Errorf("fixture: holding %s/%s: %w", h.Token, h.Wallet, err)
		}
		m.SetHolding(h.Token, h.Wallet, bal)
	}

	for _, r := range fx.Rewards {
		v, err := parseAmount(r.Value)
		if err != nil {
			return nil, fmt.Errorf("fixture: reward %s: %w", r.Wallet, err)
		}
		m.AddReward(r.Wallet, v)
	}

	return m, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
