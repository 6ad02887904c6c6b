// Package tilestore persists per-(amenity,tile) payloads with TTL and
// stale-while-revalidate semantics, and coordinates refresh/miss
// single-flight locking across concurrent requests.
package tilestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tileproxy/overpass-tile-cache/internal/cache/keys"
	"github.com/tileproxy/overpass-tile-cache/internal/cache/redisstore"
	"github.com/tileproxy/overpass-tile-cache/internal/model"
	"github.com/tileproxy/overpass-tile-cache/internal/tilegrid"
)

// MissOutcome reports how withMissLock was resolved.
type MissOutcome int

const (
	Fetched MissOutcome = iota
	Waited
)

func (o MissOutcome) String() string {
	if o == Fetched {
		return "fetched"
	}
	return "waited"
}

type Store struct {
	rdb       *redisstore.Client
	cacheTTL  time.Duration
	swrWindow time.Duration
	presence  *presenceCache
}

func New(rdb *redisstore.Client, cacheTTL, swrWindow time.Duration) *Store {
	return &Store{
		rdb:       rdb,
		cacheTTL:  cacheTTL,
		swrWindow: swrWindow,
		presence:  newPresenceCache(4096),
	}
}

// ReadTiles issues one MGET for all of the given tiles' keys. Found
// values are JSON-decoded into a TilePayload and wrapped with the
// staleness observed at read time; decode failures are treated as
// misses. Only found entries are returned.
func (s *Store) ReadTiles(ctx context.Context, tiles []model.Tile, amenity model.AmenityKey) (map[string]model.CachedTile, error) {
	if len(tiles) == 0 {
		return map[string]model.CachedTile{}, nil
	}
	keyToHash := make(map[string]string, len(tiles))
	tileByHash := make(map[string]model.Tile, len(tiles))
	reqKeys := make([]string, 0, len(tiles))
	for _, t := range tiles {
		k := tilegrid.TileKey(t.Hash, amenity)
		keyToHash[k] = t.Hash
		tileByHash[t.Hash] = t
		reqKeys = append(reqKeys, k)
	}

	raw, err := s.rdb.MGet(ctx, reqKeys)
	if err != nil {
		return nil, fmt.Errorf("tilestore read tiles: %w", err)
	}

	now := time.Now()
	out := make(map[string]model.CachedTile, len(raw))
	for k, v := range raw {
		hash := keyToHash[k]
		var payload model.TilePayload
		if err := json.Unmarshal(v, &payload); err != nil {
			continue // decode failure treated as a miss
		}
		out[hash] = model.CachedTile{
			Tile:    tileByHash[hash],
			Payload: payload,
			Stale:   payload.Stale(now),
		}
		s.presence.mark(k)
	}
	return out, nil
}

// ReadTile is the single-key variant of ReadTiles.
func (s *Store) ReadTile(ctx context.Context, tile model.Tile, amenity model.AmenityKey) (*model.CachedTile, error) {
	k := tilegrid.TileKey(tile.Hash, amenity)
	v, ok, err := s.rdb.Get(ctx, k)
	if err != nil {
		return nil, fmt.Errorf("tilestore read tile: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var payload model.TilePayload
	if err := json.Unmarshal(v, &payload); err != nil {
		return nil, nil
	}
	s.presence.mark(k)
	return &model.CachedTile{Tile: tile, Payload: payload, Stale: payload.Stale(time.Now())}, nil
}

// WriteTiles pipelines one SET per entry, with PX = (cacheTTL +
// swrWindow) and a payload whose expiresAt is now + cacheTTL. A
// failure of any pipelined command raises; commands before the
// failure stand (partial success is permitted).
func (s *Store) WriteTiles(ctx context.Context, responses map[string]model.OverpassResponse, amenity model.AmenityKey) error {
	if len(responses) == 0 {
		return nil
	}
	now := time.Now()
	kv := make(map[string][]byte, len(responses))
	for hash, resp := range responses {
		payload := model.TilePayload{
			Response:  resp,
			FetchedAt: now,
			ExpiresAt: now.Add(s.cacheTTL),
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("tilestore encode tile %s: %w", hash, err)
		}
		k := tilegrid.TileKey(hash, amenity)
		kv[k] = b
	}
	ttl := s.cacheTTL + s.swrWindow
	if err := s.rdb.MSetWithTTL(ctx, kv, ttl); err != nil {
		return fmt.Errorf("tilestore write tiles: %w", err)
	}
	for k := range kv {
		s.presence.mark(k)
	}
	return nil
}

// WithRefreshLock attempts to acquire the tile's refresh lock for the
// duration of swrWindow. If acquired, handler runs and the lock is
// released afterward regardless of outcome. If not acquired, it
// returns immediately with acquired=false: another refresher already
// owns this tile.
func (s *Store) WithRefreshLock(ctx context.Context, tile model.Tile, amenity model.AmenityKey, handler func(ctx context.Context) error) (acquired bool, err error) {
	tileKey := tilegrid.TileKey(tile.Hash, amenity)
	lockKey := keys.LockKey(tileKey)

	ok, err := s.rdb.SetNX(ctx, lockKey, []byte("1"), s.swrWindow)
	if err != nil {
		return false, fmt.Errorf("tilestore acquire refresh lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer func() { _ = s.rdb.Del(context.WithoutCancel(ctx), lockKey) }()

	return true, handler(ctx)
}

// WithMissLock attempts to acquire lockTile's miss (inflight) lock. If
// acquired, handler runs and the outcome is Fetched. If not acquired,
// the caller waits (bounded by ttl) for any of waitTiles to
// materialize, by checking a local presence signal seeded by
// ReadTile/ReadTiles/WriteTiles on an exponential backoff schedule; the
// store itself is not read while waiting. The outcome is always Waited,
// regardless of whether a tile appeared in time.
//
// waitTiles is distinct from lockTile because a caller may lock at a
// coarser granularity than it reads at — the dispatcher locks one
// FetchPlanner group at a time but still wants to watch the group's
// individual fine tiles, since those (not the synthetic group key) are
// what ReadTile/ReadTiles/WriteTiles actually mark present.
func (s *Store) WithMissLock(ctx context.Context, lockTile model.Tile, waitTiles []model.Tile, amenity model.AmenityKey, handler func(ctx context.Context) error, ttl time.Duration) (MissOutcome, error) {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	inflightKey := keys.InflightKey(tilegrid.TileKey(lockTile.Hash, amenity))

	ok, err := s.rdb.SetNX(ctx, inflightKey, []byte("1"), ttl)
	if err != nil {
		return Waited, fmt.Errorf("tilestore acquire miss lock: %w", err)
	}
	if ok {
		defer func() { _ = s.rdb.Del(context.WithoutCancel(ctx), inflightKey) }()
		return Fetched, handler(ctx)
	}

	waitKeys := make([]string, len(waitTiles))
	for i, t := range waitTiles {
		waitKeys[i] = tilegrid.TileKey(t.Hash, amenity)
	}
	s.waitForPresence(ctx, waitKeys, ttl)
	return Waited, nil
}

// waitForPresence blocks until any of tileKeys is observed locally
// (seeded by a concurrent ReadTile/ReadTiles/WriteTiles call) or
// deadline elapses, using exponential backoff starting at 50ms and
// capped at 400ms. Waking on the first observed key is sufficient: the
// caller re-reads all of its tiles afterward and handles any that are
// still missing individually.
func (s *Store) waitForPresence(ctx context.Context, tileKeys []string, deadline time.Duration) {
	backoff := 50 * time.Millisecond
	const maxBackoff = 400 * time.Millisecond

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		for _, k := range tileKeys {
			if s.presence.observed(k) {
				return
			}
		}
		wait := backoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		backoff *= 2

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-time.After(wait):
		}
	}
}
