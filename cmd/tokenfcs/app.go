package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenfcs/internal/clickhouse"
	"github.com/nexus-trading/tokenfcs/internal/config"
	"github.com/nexus-trading/tokenfcs/internal/engine"
	"github.com/nexus-trading/tokenfcs/internal/graph"
	"github.com/nexus-trading/tokenfcs/internal/neo4jgraph"
)

// app holds the graph reader and the connections backing it. Close releases
// everything that was opened.
type app struct {
	cfg    *config.Config
	reader graph.Reader
	ch     *clickhouse.Client

	closers []func(context.Context) error
}

// applyGraphFile points the config at a local graph file.
func applyGraphFile(cfg *config.Config, path string) {
	if filepath.Ext(path) == ".gob" {
		cfg.Graph.Source = config.SourceSnapshot
		cfg.Graph.SnapshotPath = path
		return
	}
	cfg.Graph.Source = config.SourceFixture
	cfg.Graph.FixturePath = path
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	links, err := a.openGraph(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.reader = links

	if cfg.ClickHouse.Enabled {
		ch, err := a.clickhouse()
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.reader = &graph.Split{
			Holdings: clickhouse.NewHoldingsReader(ch, cfg.ClickHouse.Database),
			Links:    links,
		}
		log.Info().Msg("Token holdings served from ClickHouse")
	}
	return a, nil
}

func (a *app) openGraph(ctx context.Context) (graph.Reader, error) {
	switch a.cfg.Graph.Source {
	case config.SourceFixture:
		return graph.LoadFixture(a.cfg.Graph.FixturePath)
	case config.SourceSnapshot:
		return graph.LoadMemory(a.cfg.Graph.SnapshotPath)
	case config.SourceNeo4j:
		n := a.cfg.Neo4j
		store, err := neo4jgraph.Open(ctx, neo4jgraph.Config{
			URI:                   n.URI,
			Username:              n.Username,
			Password:              n.Password,
			Database:              n.Database,
			MaxPoolSize:           n.MaxPoolSize,
			MaxConnectionLifetime: n.MaxConnectionLifetime(),
			AcquisitionTimeout:    n.AcquisitionTimeout(),
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown graph source %q", a.cfg.Graph.Source)
	}
}

// clickhouse opens the ClickHouse client once.
func (a *app) clickhouse() (*clickhouse.Client, error) {
	if a.ch != nil {
		return a.ch, nil
	}
	ch, err := clickhouse.NewClient(a.cfg.ClickHouse.DSN)
	if err != nil {
		return nil, err
	}
	a.ch = ch
	a.closers = append(a.closers, func(context.Context) error { return ch.Close() })
	return ch, nil
}

func (a *app) engine() *engine.Engine {
	e := a.cfg.Engine
	return engine.New(a.reader, engine.Config{
		RequestTimeout:    e.RequestTimeout(),
		MaxVisited:        e.MaxVisited,
		EnrichConcurrency: e.EnrichConcurrency,
		MaxPageSize:       e.MaxPageSize,
	})
}

// Close releases connections in reverse order of opening.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
