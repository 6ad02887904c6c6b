// Package kafkaconsumer consumes operator-issued cache purge events
// and deletes the corresponding tile entries from the tile store. It
// is operator-only infrastructure: no client-visible request path
// triggers invalidation directly.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/tileproxy/overpass-tile-cache/internal/cache/redisstore"
	"github.com/tileproxy/overpass-tile-cache/internal/model"
	"github.com/tileproxy/overpass-tile-cache/internal/tilegrid"
)

type Consumer struct {
	cfg    Config
	log    zerolog.Logger
	store  *redisstore.Client
	dedupe *versionDedupe
}

func New(cfg Config, log zerolog.Logger, store *redisstore.Client) *Consumer {
	return &Consumer{
		cfg:    cfg,
		log:    log.With().Str("component", "kafkaconsumer").Logger(),
		store:  store,
		dedupe: newVersionDedupe(4096),
	}
}

// Start runs the consumer group loop until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	if c.store == nil {
		return errors.New("kafkaconsumer: missing tile store")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.processOne}

	c.log.Info().Strs("brokers", c.cfg.Brokers).Str("topic", c.cfg.Topic).
		Str("group", c.cfg.GroupID).Msg("tile cache purge consumer starting")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("tile cache purge consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.log.Error().Err(err).Msg("consumer group error")
				time.Sleep(2 * time.Second)
			}
		}
	}
}

func (c *Consumer) processOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}

	if c.dedupe != nil && !c.dedupe.shouldApply(ev.Amenity, ev.Version) {
		c.log.Debug().Str("amenity", ev.Amenity).Uint64("version", ev.Version).
			Msg("stale or redelivered purge event, skipping")
		return nil
	}

	hashes, err := c.hashesForEvent(ev)
	if err != nil {
		return fmt.Errorf("derive tile hashes: %w", err)
	}
	if len(hashes) == 0 {
		c.log.Debug().Str("amenity", ev.Amenity).Msg("no tiles to purge, skipping")
		return nil
	}

	amenity := model.NormalizeAmenity(ev.Amenity)
	delKeys := make([]string, 0, len(hashes))
	for _, hash := range hashes {
		delKeys = append(delKeys, tilegrid.TileKey(hash, amenity))
	}

	if err := c.store.Del(ctx, delKeys...); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	c.log.Info().Str("amenity", ev.Amenity).Int("tiles", len(hashes)).
		Dur("duration", time.Since(start)).Msg("purged tiles")
	return nil
}

func (c *Consumer) hashesForEvent(ev Event) ([]string, error) {
	if len(ev.TileHashes) > 0 {
		return ev.TileHashes, nil
	}
	if ev.BBox == nil {
		return nil, errors.New("unsupported event: missing tileHashes/bbox")
	}
	precision := ev.Precision
	if precision <= 0 {
		precision = 5
	}
	tiles := tilegrid.TilesFor(*ev.BBox, precision)
	hashes := make([]string, len(tiles))
	for i, t := range tiles {
		hashes[i] = t.Hash
	}
	return hashes, nil
}
