// Package engine turns a token's holders into identity-weighted statistics:
// a weighted holder total, a reputation distribution and a ranked
// leaderboard. It reads the graph only through graph.Reader.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/tokenfcs/internal/graph"
)

// Config tunes the engine.
type Config struct {
	// RequestTimeout bounds each operation end to end. Zero disables it.
	RequestTimeout time.Duration
	// MaxVisited caps nodes visited by a single wallet traversal.
	MaxVisited int
	// EnrichConcurrency bounds concurrent leaderboard enrichment.
	EnrichConcurrency int
	// MaxPageSize caps the leaderboard page size, at most MaxPageSize.
	MaxPageSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    30 * time.Second,
		MaxVisited:        DefaultMaxVisited,
		EnrichConcurrency: DefaultEnrichConcurrency,
		MaxPageSize:       MaxPageSize,
	}
}

// Engine computes holder statistics. It holds no state between calls and is
// safe for concurrent use.
type Engine struct {
	reader   graph.Reader
	config   Config
	resolver *Resolver
	now      func() time.Time
}

// New creates an engine over reader.
func New(reader graph.Reader, config Config) *Engine {
	return &Engine{
		reader:   reader,
		config:   config,
		resolver: NewResolver(reader, config.MaxVisited),
		now:      time.Now,
	}
}

// WeightedHolderStats returns the identity-weighted holder total of token.
func (e *Engine) WeightedHolderStats(ctx context.Context, token string) (*HolderStats, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	tok, clusters, err := e.clusters(ctx, token)
	if err != nil {
		return nil, err
	}
	stats := SummarizeHolders(tok, clusters, e.now())

	log.Debug().
		Str("token", token).
		Float64("weighted", stats.WeightedHolderTotal).
		Int("raw", stats.RawHolderTotal).
		Int("identities", stats.LinkedIdentities).
		Msg("weighted holder stats computed")

	return &stats, nil
}

// ReputationDistribution returns the score distribution of token's linked
// holders. extra percentiles are reported alongside ReportedPercentiles.
func (e *Engine) ReputationDistribution(ctx context.Context, token string, extra ...float64) (*Distribution, error) {
	percentiles, err := PercentileSet(extra...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	tok, clusters, err := e.clusters(ctx, token)
	if err != nil {
		return nil, err
	}
	dist := Distribute(tok, clusters, e.now(), percentiles)

	log.Debug().
		Str("token", token).
		Int("identities", dist.Identities).
		Int("scored", dist.Scored).
		Msg("reputation distribution computed")

	return &dist, nil
}

// Leaderboard returns one page of token's holder identities ranked by
// attributed balance. pageSize <= 0 uses the maximum page size.
func (e *Engine) Leaderboard(ctx context.Context, token string, pageSize int, cursor string) (*LeaderboardPage, error) {
	offset, err := DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	pageSize = ClampPageSize(pageSize, e.config.MaxPageSize)

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	_, clusters, err := e.clusters(ctx, token)
	if err != nil {
		return nil, err
	}
	page, err := buildLeaderboard(ctx, e.reader, token, clusters, pageSize, offset, e.config.EnrichConcurrency)
	if err != nil {
		return nil, e.classify(ctx, fmt.Errorf("leaderboard %s: %w", token, err))
	}

	log.Debug().
		Str("token", token).
		Int("offset", offset).
		Int("entries", len(page.Entries)).
		Int("total", page.Total).
		Msg("leaderboard page built")

	return page, nil
}

// CompareTokens returns weighted holder stats for several tokens, in input
// order. Any failing token fails the comparison.
func (e *Engine) CompareTokens(ctx context.Context, tokens []string) ([]HolderStats, error) {
	out := make([]HolderStats, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	for i, token := range tokens {
		g.Go(func() error {
			stats, err := e.WeightedHolderStats(gctx, token)
			if err != nil {
				return err
			}
			out[i] = *stats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// clusters loads the token and its holders and resolves them into clusters.
func (e *Engine) clusters(ctx context.Context, token string) (graph.Token, []Cluster, error) {
	start := time.Now()

	tok, err := e.reader.Token(ctx, token)
	if err != nil {
		return graph.Token{}, nil, e.classify(ctx, fmt.Errorf("token %s: %w", token, err))
	}
	holders, err := e.reader.HoldersOf(ctx, token)
	if err != nil {
		return graph.Token{}, nil, e.classify(ctx, fmt.Errorf("holders of %s: %w", token, err))
	}
	clusters, err := e.resolver.Resolve(ctx, holders)
	if err != nil {
		return graph.Token{}, nil, e.classify(ctx, fmt.Errorf("resolve %s: %w", token, err))
	}

	log.Debug().
		Str("token", token).
		Int("holders", len(holders)).
		Int("clusters", len(clusters)).
		Dur("elapsed", time.Since(start)).
		Msg("holders resolved")

	return tok, clusters, nil
}

// classify marks errors caused by an expired or cancelled context as
// ErrUnavailable so callers see a single retryable kind.
func (e *Engine) classify(ctx context.Context, err error) error {
	if errors.Is(err, graph.ErrUnavailable) || ctx.Err() == nil {
		return err
	}
	return fmt.Errorf("%w: %w", graph.ErrUnavailable, err)
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.config.RequestTimeout)
}

// Ping checks the graph store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.reader.Ping(ctx)
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}
