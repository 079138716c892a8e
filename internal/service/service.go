// Package service fronts the engine with result caching, request collapsing,
// metrics and stats notifications.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/nexus-trading/tokenfcs/internal/bus"
	"github.com/nexus-trading/tokenfcs/internal/cache"
	"github.com/nexus-trading/tokenfcs/internal/engine"
	"github.com/nexus-trading/tokenfcs/internal/observability"
)

const (
	opWeightedHolders = "weighted_holders"
	opDistribution    = "distribution"
	opLeaderboard     = "leaderboard"
	opCompare         = "compare"
)

// StatsRecorder keeps a history of computed stats.
type StatsRecorder interface {
	RecordStats(ctx context.Context, ev bus.StatsComputed) error
}

// Options configures a Service. Every field is optional.
type Options struct {
	// Cache stores computed results. Nil disables caching.
	Cache cache.Store
	// Producer receives a StatsComputed event per fresh HolderStats.
	Producer bus.Producer
	// Recorder receives the same events as Producer.
	Recorder StatsRecorder
	// Metrics records request metrics. Nil creates a private set.
	Metrics *observability.ServiceMetrics
	// InstanceID is stamped on published events.
	InstanceID string
}

// Service serves holder statistics. It is safe for concurrent use.
type Service struct {
	engine   *engine.Engine
	cache    cache.Store
	producer bus.Producer
	recorder StatsRecorder
	metrics  *observability.ServiceMetrics
	instance string

	group singleflight.Group
	// generation advances on every invalidation. Results computed under an
	// older generation are neither shared nor cached.
	generation atomic.Uint64

	subMu       sync.Mutex
	subscribers map[string]map[chan struct{}]struct{}
}

// New creates a service over e.
func New(e *engine.Engine, opts Options) *Service {
	if opts.Metrics == nil {
		opts.Metrics = observability.NewServiceMetrics()
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "tokenfcs"
	}
	return &Service{
		engine:      e,
		cache:       opts.Cache,
		producer:    opts.Producer,
		recorder:    opts.Recorder,
		metrics:     opts.Metrics,
		instance:    opts.InstanceID,
		subscribers: make(map[string]map[chan struct{}]struct{}),
	}
}

// Metrics returns the service metric set.
func (s *Service) Metrics() *observability.ServiceMetrics {
	return s.metrics
}

// Ping checks the graph store.
func (s *Service) Ping(ctx context.Context) error {
	return s.engine.Ping(ctx)
}

// WeightedHolderStats returns the weighted holder stats of token.
func (s *Service) WeightedHolderStats(ctx context.Context, token string) (*engine.HolderStats, error) {
	return cached(ctx, s, opWeightedHolders, tokenKey(token)+"stats", func(ctx context.Context) (*engine.HolderStats, error) {
		stats, err := s.engine.WeightedHolderStats(ctx, token)
		if err != nil {
			return nil, err
		}
		s.publish(ctx, *stats)
		return stats, nil
	})
}

// ReputationDistribution returns the reputation distribution of token,
// including any extra percentiles.
func (s *Service) ReputationDistribution(ctx context.Context, token string, extra ...float64) (*engine.Distribution, error) {
	percentiles, err := engine.PercentileSet(extra...)
	if err != nil {
		return nil, err
	}
	key := tokenKey(token) + "distribution"
	if len(extra) > 0 {
		parts := make([]string, len(percentiles))
		for i, p := range percentiles {
			parts[i] = strconv.FormatFloat(p, 'g', -1, 64)
		}
		key += "/" + strings.Join(parts, ",")
	}
	return cached(ctx, s, opDistribution, key, func(ctx context.Context) (*engine.Distribution, error) {
		return s.engine.ReputationDistribution(ctx, token, percentiles...)
	})
}

// Leaderboard returns one leaderboard page of token.
func (s *Service) Leaderboard(ctx context.Context, token string, pageSize int, cursor string) (*engine.LeaderboardPage, error) {
	pageSize = engine.ClampPageSize(pageSize, s.engine.Config().MaxPageSize)
	key := tokenKey(token) + "leaderboard/" + strconv.Itoa(pageSize) + "/" + cursor
	return cached(ctx, s, opLeaderboard, key, func(ctx context.Context) (*engine.LeaderboardPage, error) {
		return s.engine.Leaderboard(ctx, token, pageSize, cursor)
	})
}

// comparison wraps CompareTokens results so they share the cache path.
type comparison struct {
	Tokens []engine.HolderStats `json:"tokens"`
}

// CompareTokens returns weighted holder stats for several tokens in order.
func (s *Service) CompareTokens(ctx context.Context, tokens []string) ([]engine.HolderStats, error) {
	key := "compare/" + strings.Join(tokens, ",")
	out, err := cached(ctx, s, opCompare, key, func(ctx context.Context) (*comparison, error) {
		stats, err := s.engine.CompareTokens(ctx, tokens)
		if err != nil {
			return nil, err
		}
		for _, st := range stats {
			s.publish(ctx, st)
		}
		return &comparison{Tokens: stats}, nil
	})
	if err != nil {
		return nil, err
	}
	return out.Tokens, nil
}

// Invalidate drops cached results for tokens. Comparisons are dropped
// entirely since they span tokens.
func (s *Service) Invalidate(ctx context.Context, tokens ...string) error {
	s.generation.Add(1)
	s.metrics.Invalidations.Inc()
	defer s.notify(tokens...)

	if s.cache == nil {
		return nil
	}
	for _, t := range tokens {
		if err := s.cache.DeletePrefix(ctx, tokenKey(t)); err != nil {
			return fmt.Errorf("invalidate %s: %w", t, err)
		}
	}
	if err := s.cache.DeletePrefix(ctx, "compare/"); err != nil {
		return fmt.Errorf("invalidate comparisons: %w", err)
	}
	return nil
}

// InvalidateAll drops every cached result.
func (s *Service) InvalidateAll(ctx context.Context) error {
	s.generation.Add(1)
	s.metrics.Invalidations.Inc()
	defer s.notifyAll()

	if s.cache == nil {
		return nil
	}
	if err := s.cache.DeletePrefix(ctx, ""); err != nil {
		return fmt.Errorf("invalidate all: %w", err)
	}
	return nil
}

// Subscribe returns a channel signalled whenever results for token are
// invalidated, and a function that ends the subscription.
func (s *Service) Subscribe(token string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	if s.subscribers[token] == nil {
		s.subscribers[token] = make(map[chan struct{}]struct{})
	}
	s.subscribers[token][ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers[token], ch)
			if len(s.subscribers[token]) == 0 {
				delete(s.subscribers, token)
			}
			s.subMu.Unlock()
		})
	}
}

func (s *Service) notify(tokens ...string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, t := range tokens {
		for ch := range s.subscribers[t] {
			signal(ch)
		}
	}
}

func (s *Service) notifyAll() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, subs := range s.subscribers {
		for ch := range subs {
			signal(ch)
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// publish emits a StatsComputed event. Failures are logged, never returned.
func (s *Service) publish(ctx context.Context, stats engine.HolderStats) {
	if s.producer == nil && s.recorder == nil {
		return
	}
	ev := bus.StatsComputed{
		BaseEvent:           bus.NewBaseEvent(s.instance),
		Token:               stats.Token,
		Symbol:              stats.Symbol,
		WeightedHolderTotal: stats.WeightedHolderTotal,
		RawHolderTotal:      stats.RawHolderTotal,
		LinkedIdentities:    stats.LinkedIdentities,
		UnlinkedWallets:     stats.UnlinkedWallets,
		ComputedAt:          stats.ComputedAt,
	}
	if s.recorder != nil {
		if err := s.recorder.RecordStats(ctx, ev); err != nil {
			log.Warn().Err(err).Str("token", stats.Token).Msg("record holder stats failed")
		}
	}
	if s.producer == nil {
		return
	}
	if err := s.producer.PublishJSON(ctx, bus.Topics.HolderStats(), stats.Token, ev); err != nil {
		log.Warn().Err(err).Str("token", stats.Token).Msg("publish holder stats failed")
		return
	}
	s.metrics.StatsPublished.Inc()
}

// cached serves key from the cache, or computes it once across concurrent
// callers and stores the result.
func cached[T any](ctx context.Context, s *Service, op, key string, compute func(context.Context) (*T, error)) (result *T, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveRequest(op, time.Since(start), err) }()

	if v, ok := s.lookup(ctx, key); ok {
		var out T
		if jerr := json.Unmarshal(v, &out); jerr == nil {
			s.metrics.CacheHits.Inc()
			return &out, nil
		}
		log.Warn().Str("key", key).Msg("cache: undecodable entry, recomputing")
	}
	s.metrics.CacheMisses.Inc()

	gen := s.generation.Load()
	flightKey := key + "#" + strconv.FormatUint(gen, 10)
	v, err, shared := s.group.Do(flightKey, func() (interface{}, error) {
		res, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if s.generation.Load() == gen {
			s.store(ctx, key, res)
			// An invalidation may have run between the check and the write.
			if s.generation.Load() != gen {
				s.drop(ctx, key)
			}
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("key", key).Msg("request collapsed")
	}
	return v.(*T), nil
}

func (s *Service) lookup(ctx context.Context, key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	v, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.metrics.CacheErrors.Inc()
		log.Warn().Err(err).Str("key", key).Msg("cache get failed")
		return nil, false
	}
	return v, ok
}

func (s *Service) store(ctx context.Context, key string, val interface{}) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache: marshal failed")
		return
	}
	if err := s.cache.Set(ctx, key, data); err != nil {
		s.metrics.CacheErrors.Inc()
		log.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

func (s *Service) drop(ctx context.Context, key string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, key); err != nil {
		s.metrics.CacheErrors.Inc()
		log.Warn().Err(err).Str("key", key).Msg("cache delete failed")
	}
}

// tokenKey is the cache prefix of every result scoped to token. The trailing
// slash keeps one token's prefix from matching another's.
func tokenKey(token string) string {
	return "token/" + token + "/"
}
