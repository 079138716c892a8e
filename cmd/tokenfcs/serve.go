package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexus-trading/tokenfcs/internal/api"
	"github.com/nexus-trading/tokenfcs/internal/bus"
	"github.com/nexus-trading/tokenfcs/internal/cache"
	"github.com/nexus-trading/tokenfcs/internal/clickhouse"
	"github.com/nexus-trading/tokenfcs/internal/config"
	"github.com/nexus-trading/tokenfcs/internal/observability"
	"github.com/nexus-trading/tokenfcs/internal/service"
)

func newServeCmd(opts *globalOpts) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.addr)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log.Info().Msg("========================================")
	log.Info().Msg("tokenfcs - Starting")
	log.Info().Msg("========================================")

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Str("graph_source", cfg.Graph.Source).
		Bool("clickhouse", cfg.ClickHouse.Enabled).
		Bool("kafka", cfg.Kafka.Enabled).
		Bool("cache", cfg.Cache.Enabled).
		Bool("redis", cfg.Redis.Enabled).
		Msg("Configuration loaded")

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	health := observability.NewHealthMonitor(15 * time.Second)
	health.Register("graph", observability.PingCheck(a.reader.Ping))

	svcOpts := service.Options{InstanceID: cfg.General.InstanceID}

	// 1. Result cache.
	if cfg.Cache.Enabled {
		store, closeCache, err := openCache(ctx, cfg, health)
		if err != nil {
			return err
		}
		defer closeCache()
		svcOpts.Cache = store
	}

	// 2. Stats history.
	if cfg.ClickHouse.StatsHistory {
		ch, err := a.clickhouse()
		if err != nil {
			return err
		}
		writer := clickhouse.NewStatsWriter(ch, cfg.ClickHouse.Database, cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval())
		writer.Start(ctx)
		defer writer.Close()
		health.Register("clickhouse", observability.PingCheck(ch.Ping))
		svcOpts.Recorder = writer
	}

	// 3. Stats notifications.
	var producer *bus.KafkaProducer
	if cfg.Kafka.Enabled {
		producer, err = bus.NewProducer(cfg.Kafka.Brokers,
			bus.WithInstanceID(cfg.General.InstanceID),
			bus.WithLinger(cfg.Kafka.Linger()),
			bus.WithMaxBufferedRecords(cfg.Kafka.ProducerConfig.MaxBufferedRecords))
		if err != nil {
			return err
		}
		defer producer.Close()
		svcOpts.Producer = producer
	}

	svc := service.New(a.engine(), svcOpts)

	var wg sync.WaitGroup

	// 4. Graph update consumer.
	if cfg.Kafka.Enabled {
		metrics := svc.Metrics()
		consumer, err := bus.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerConfig.GroupID,
			[]string{bus.Topics.GraphUpdates()},
			bus.WithClientID(cfg.General.InstanceID),
			bus.WithResultHook(func(_ bus.Message, err error) {
				metrics.GraphUpdates.Inc()
				if err != nil {
					metrics.GraphUpdateErrors.Inc()
				}
			}),
		)
		if err != nil {
			return err
		}
		defer consumer.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Consume(ctx, bus.InvalidationHandler(svc)); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Graph update consumer stopped")
			}
		}()
	}

	go health.Start(ctx)
	defer health.Stop()

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	srv := api.NewServer(svc, api.Options{
		Health:        health,
		MetricsPath:   metricsPath,
		StreamRefresh: cfg.HTTP.StreamRefresh(),
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown")
		}
	}()

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	wg.Wait()
	log.Info().Msg("tokenfcs - Shutdown complete")
	return nil
}

// openCache returns the configured result cache and a function releasing it.
func openCache(ctx context.Context, cfg *config.Config, health *observability.HealthMonitor) (cache.Store, func(), error) {
	if !cfg.Redis.Enabled {
		log.Info().Int("max_entries", cfg.Cache.MaxEntries).Dur("ttl", cfg.Cache.TTL()).Msg("In-memory result cache")
		return cache.NewMemory(cfg.Cache.MaxEntries, cfg.Cache.TTL()), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := cache.NewRedis(client, cfg.Redis.Namespace, cfg.Cache.TTL())
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	health.Register("redis", observability.PingCheck(store.Ping))

	log.Info().Str("addr", cfg.Redis.Addr).Dur("ttl", cfg.Cache.TTL()).Msg("Redis result cache")
	return store, func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("close redis")
		}
	}, nil
}
