// Command tileproxy runs the caching reverse proxy in front of an
// Overpass API endpoint: geohash tile decomposition, Redis-backed
// TTL+SWR caching, single-flight refresh/miss coordination, and a
// multi-URL upstream pool with cooldown and daily quota.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tileproxy/overpass-tile-cache/internal/cache/redisstore"
	"github.com/tileproxy/overpass-tile-cache/internal/cache/tilestore"
	"github.com/tileproxy/overpass-tile-cache/internal/core/config"
	"github.com/tileproxy/overpass-tile-cache/internal/core/httpclient"
	"github.com/tileproxy/overpass-tile-cache/internal/core/logger"
	"github.com/tileproxy/overpass-tile-cache/internal/core/observability"
	"github.com/tileproxy/overpass-tile-cache/internal/core/server"
	"github.com/tileproxy/overpass-tile-cache/internal/dispatcher"
	"github.com/tileproxy/overpass-tile-cache/internal/events"
	"github.com/tileproxy/overpass-tile-cache/internal/httpapi"
	"github.com/tileproxy/overpass-tile-cache/internal/invalidation/kafkaconsumer"
	"github.com/tileproxy/overpass-tile-cache/internal/passthrough"
	"github.com/tileproxy/overpass-tile-cache/internal/upstreamclient"
	"github.com/tileproxy/overpass-tile-cache/internal/upstreampool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	log := logger.Build(logger.Config{Level: cfg.LogLevel, Component: "tileproxy"}, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	store := tilestore.New(redisstore.NewFromExisting(rdb), cfg.CacheTTL, cfg.SWRWindow)

	pool := upstreampool.New(cfg.UpstreamURLs, cfg.UpstreamFailureCooldown, cfg.UpstreamDailyLimit)
	upstream := upstreamclient.New(httpclient.NewOutbound(), pool)

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pool.ReportState()
			}
		}
	}()

	var publisher *events.Publisher
	if cfg.CacheEventsEnabled {
		p, err := events.NewPublisher(cfg.KafkaBrokers, cfg.CacheEventsTopic, 1024)
		if err != nil {
			return fmt.Errorf("start cache-events publisher: %w", err)
		}
		defer func() { _ = p.Close() }()
		publisher = p
	}

	disp := dispatcher.New(cfg, store, upstream, publisher, log)
	api := httpapi.New(disp, upstream, log)
	pt := passthrough.New(upstream)

	if cfg.InvalidationEnabled {
		consumerCfg := kafkaconsumer.FromEnv()
		consumer := kafkaconsumer.New(consumerCfg, log, redisstore.NewFromExisting(rdb))
		go func() {
			if err := consumer.Start(ctx); err != nil {
				log.Error().Err(err).Msg("invalidation consumer exited")
			}
		}()
	}

	observability.ExposeBuildInfo("dev")

	log.Info().Str("port", cfg.Port).Strs("upstreams", cfg.UpstreamURLs).Msg("tileproxy starting")
	return server.Run(ctx, cfg, log, api, pt)
}
