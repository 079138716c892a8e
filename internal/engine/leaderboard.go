package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/tokenfcs/internal/graph"
)

// MaxPageSize caps the number of entries in one leaderboard page.
const MaxPageSize = 100

// DefaultEnrichConcurrency bounds concurrent per-entry enrichment lookups.
const DefaultEnrichConcurrency = 8

// ProfileURLPrefix is prepended to the username to form a profile link.
const ProfileURLPrefix = "https://warpcast.com/"

// ErrInvalidCursor is returned for a cursor that does not decode.
var ErrInvalidCursor = errors.New("engine: invalid cursor")

// LeaderboardEntry is one identity ranked by its attributed token balance.
type LeaderboardEntry struct {
	Rank            int                     `json:"rank"`
	FID             int64                   `json:"fid"`
	Username        string                  `json:"username"`
	DisplayName     string                  `json:"display_name,omitempty"`
	ProfileURL      string                  `json:"profile_url"`
	PfpURL          string                  `json:"pfp_url,omitempty"`
	Bio             string                  `json:"bio,omitempty"`
	Score           NullFloat               `json:"score"`
	TokenBalance    decimal.Decimal         `json:"token_balance"`
	TotalBalance    decimal.Decimal         `json:"total_balance"`
	RewardsEarned   decimal.Decimal         `json:"rewards_earned"`
	AppsCreated     int                     `json:"apps_created"`
	Apps            []string                `json:"apps"` // URL, or name if none
	LinkedAccounts  []graph.ExternalAccount `json:"linked_accounts"`
	WalletAddresses []string                `json:"wallet_addresses"`
}

// LeaderboardPage is one page of the leaderboard.
type LeaderboardPage struct {
	Token      string             `json:"token"`
	Entries    []LeaderboardEntry `json:"entries"`
	Total      int                `json:"total"`
	HasMore    bool               `json:"has_more"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// EncodeCursor returns the opaque cursor for offset.
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

// DecodeCursor parses a cursor. The empty cursor is offset 0.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	s, ok := strings.CutPrefix(string(raw), "o:")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	offset, err := strconv.Atoi(s)
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return offset, nil
}

// ClampPageSize applies the default and the ceiling to a requested size.
func ClampPageSize(size, max int) int {
	if max <= 0 || max > MaxPageSize {
		max = MaxPageSize
	}
	if size <= 0 || size > max {
		return max
	}
	return size
}

// rankClusters returns the linked clusters ordered by token balance
// descending, ties broken by ascending fid.
func rankClusters(clusters []Cluster) []Cluster {
	linked := make([]Cluster, 0, len(clusters))
	for _, c := range clusters {
		if c.Linked() {
			linked = append(linked, c)
		}
	}
	balances := make(map[int64]decimal.Decimal, len(linked))
	for _, c := range linked {
		balances[c.Identity.FID] = c.TokenBalance()
	}
	sort.SliceStable(linked, func(i, j int) bool {
		bi, bj := balances[linked[i].Identity.FID], balances[linked[j].Identity.FID]
		if cmp := bi.Cmp(bj); cmp != 0 {
			return cmp > 0
		}
		return linked[i].Identity.FID < linked[j].Identity.FID
	})
	return linked
}

// buildLeaderboard ranks clusters and enriches only the requested page.
// Enrichment lookups for different entries run concurrently, bounded by
// concurrency; any failure fails the page.
func buildLeaderboard(ctx context.Context, reader graph.Reader, token string, clusters []Cluster, pageSize, offset, concurrency int) (*LeaderboardPage, error) {
	ranked := rankClusters(clusters)
	page := &LeaderboardPage{Token: token, Total: len(ranked), Entries: []LeaderboardEntry{}}
	if offset >= len(ranked) {
		return page, nil
	}
	end := offset + pageSize
	if end > len(ranked) {
		end = len(ranked)
	}
	window := ranked[offset:end]

	if concurrency <= 0 {
		concurrency = DefaultEnrichConcurrency
	}
	entries := make([]LeaderboardEntry, len(window))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, c := range window {
		g.Go(func() error {
			entry, err := enrich(gctx, reader, c)
			if err != nil {
				return fmt.Errorf("enrich fid %d: %w", c.Identity.FID, err)
			}
			entry.Rank = offset + i + 1
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	page.Entries = entries
	if end < len(ranked) {
		page.HasMore = true
		page.NextCursor = EncodeCursor(end)
	}
	return page, nil
}

func enrich(ctx context.Context, reader graph.Reader, c Cluster) (LeaderboardEntry, error) {
	id := c.Identity
	addresses := c.Addresses()

	accounts, err := reader.ExternalAccountsOf(ctx, id.FID)
	if err != nil {
		return LeaderboardEntry{}, err
	}
	apps, err := reader.AppsCreatedBy(ctx, id.FID)
	if err != nil {
		return LeaderboardEntry{}, err
	}
	rewards, err := reader.RewardsOf(ctx, addresses)
	if err != nil {
		return LeaderboardEntry{}, err
	}

	total := decimal.Zero
	for _, w := range c.Wallets {
		total = total.Add(w.Balance)
	}

	appList := appKeys(apps)

	score := NoData
	if id.Score != nil {
		score = Some(*id.Score)
	}

	return LeaderboardEntry{
		FID:             id.FID,
		Username:        id.Username,
		DisplayName:     id.DisplayName,
		ProfileURL:      ProfileURLPrefix + id.Username,
		PfpURL:          id.PfpURL,
		Bio:             id.Bio,
		Score:           score,
		TokenBalance:    c.TokenBalance(),
		TotalBalance:    total,
		RewardsEarned:   rewards,
		AppsCreated:     len(appList),
		Apps:            appList,
		LinkedAccounts:  dedupeAccounts(accounts),
		WalletAddresses: addresses,
	}, nil
}

// appKeys lists each distinct app once, by URL or by name when it has no
// URL. Apps with neither are dropped.
func appKeys(apps []graph.App) []string {
	seen := make(map[string]bool, len(apps))
	out := make([]string, 0, len(apps))
	for _, a := range apps {
		key := a.URL
		if key == "" {
			key = a.Name
		}
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// dedupeAccounts removes duplicate (platform, username) pairs and sorts.
func dedupeAccounts(accounts []graph.ExternalAccount) []graph.ExternalAccount {
	seen := make(map[graph.ExternalAccount]bool, len(accounts))
	out := make([]graph.ExternalAccount, 0, len(accounts))
	for _, a := range accounts {
		if seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Platform != out[j].Platform {
			return out[i].Platform < out[j].Platform
		}
		return out[i].Username < out[j].Username
	})
	return out
}
