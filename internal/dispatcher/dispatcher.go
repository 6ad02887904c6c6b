// Package dispatcher orchestrates one cacheable interpreter request:
// classify the query, resolve tiles, serve from cache, kick off
// background refreshes for stale tiles, fetch missing tiles under a
// single-flight lock, and assemble the final response.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tileproxy/overpass-tile-cache/internal/assembler"
	"github.com/tileproxy/overpass-tile-cache/internal/cache/tilestore"
	"github.com/tileproxy/overpass-tile-cache/internal/core/config"
	"github.com/tileproxy/overpass-tile-cache/internal/core/observability"
	"github.com/tileproxy/overpass-tile-cache/internal/events"
	"github.com/tileproxy/overpass-tile-cache/internal/fetchplanner"
	"github.com/tileproxy/overpass-tile-cache/internal/model"
	"github.com/tileproxy/overpass-tile-cache/internal/queryinspector"
	"github.com/tileproxy/overpass-tile-cache/internal/tilegrid"
	"github.com/tileproxy/overpass-tile-cache/internal/upstreamclient"
)

// CacheOutcome is the coarse classification of a cacheable request,
// reported via the X-Cache response header.
type CacheOutcome string

const (
	HIT   CacheOutcome = "HIT"
	STALE CacheOutcome = "STALE"
	MISS  CacheOutcome = "MISS"
)

var (
	// ErrPassThrough means the query doesn't request JSON output and an
	// amenity filter both — it is not a caching candidate and must be
	// forwarded to upstream verbatim. Not an error condition from the
	// client's perspective.
	ErrPassThrough = errors.New("dispatcher: query is not cacheable, pass through")
	ErrNoQuery     = errors.New("dispatcher: query payload required")
	ErrNoBBox      = errors.New("dispatcher: bounding box required")
)

// TooManyTilesError is raised when a request's bbox decomposes into
// more tiles than the configured maximum.
type TooManyTilesError struct {
	Count int
}

func (e *TooManyTilesError) Error() string {
	return fmt.Sprintf("request requires %d tiles", e.Count)
}

// Result is the outcome of a successful Dispatch call.
type Result struct {
	Response model.OverpassResponse
	Outcome  CacheOutcome
	Amenity  model.AmenityKey
}

type Dispatcher struct {
	store    *tilestore.Store
	upstream *upstreamclient.Client
	events   *events.Publisher

	tilePrecision          int
	coarsePrecision        int
	targetTilesPerRequest  int
	maxTilesPerRequest     int
	maxConcurrentRefreshes int
	missLockTTL            time.Duration
	transparentOnly        bool

	log zerolog.Logger
}

// New builds a Dispatcher from cfg. publisher may be nil: published
// events are best-effort and entirely optional.
func New(cfg config.Config, store *tilestore.Store, upstream *upstreamclient.Client, publisher *events.Publisher, log zerolog.Logger) *Dispatcher {
	target := cfg.FetchTargetTilesPerRequest
	if target <= 0 {
		target = fetchplanner.DefaultTargetTilesPerRequest(cfg.UpstreamTilePrecision, cfg.TilePrecision)
	}
	maxRefreshes := cfg.MaxConcurrentRefreshes
	if maxRefreshes <= 0 {
		maxRefreshes = 8
	}
	return &Dispatcher{
		store:                  store,
		upstream:               upstream,
		events:                 publisher,
		tilePrecision:          cfg.TilePrecision,
		coarsePrecision:        cfg.UpstreamTilePrecision,
		targetTilesPerRequest:  target,
		maxTilesPerRequest:     cfg.MaxTilesPerRequest,
		maxConcurrentRefreshes: maxRefreshes,
		missLockTTL:            cfg.MissLockTTL,
		transparentOnly:        cfg.TransparentOnly,
		log:                    log.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch runs the full classify -> decompose -> read -> plan ->
// fetch -> assemble pipeline for one raw Overpass query. formAmenity
// is the request's "amenity" form/query parameter, used as a fallback
// when the query text names none.
func (d *Dispatcher) Dispatch(ctx context.Context, query, formAmenity string) (Result, error) {
	if strings.TrimSpace(query) == "" {
		return Result{}, ErrNoQuery
	}
	if d.transparentOnly || !queryinspector.HasJSONOutput(query) || !queryinspector.HasAmenityFilter(query) {
		return Result{}, ErrPassThrough
	}

	bbox := queryinspector.ExtractBoundingBox(query)
	if bbox == nil {
		return Result{}, ErrNoBBox
	}

	amenity := d.resolveAmenity(query, formAmenity)

	tiles := tilegrid.TilesFor(*bbox, d.tilePrecision)
	if len(tiles) > d.maxTilesPerRequest {
		return Result{}, &TooManyTilesError{Count: len(tiles)}
	}

	cached, err := d.store.ReadTiles(ctx, tiles, amenity)
	if err != nil {
		return Result{}, fmt.Errorf("read tiles: %w", err)
	}

	var missing, stale []model.Tile
	payloads := make([]model.OverpassResponse, 0, len(tiles))
	for _, t := range tiles {
		ct, ok := cached[t.Hash]
		if !ok {
			missing = append(missing, t)
			continue
		}
		payloads = append(payloads, ct.Payload.Response)
		if ct.Stale {
			stale = append(stale, t)
		}
	}

	outcome := MISS
	switch {
	case len(missing) == 0 && len(stale) == 0:
		outcome = HIT
	case len(missing) == 0:
		outcome = STALE
	}

	if len(stale) > 0 {
		d.submitRefreshes(ctx, stale, amenity)
	}

	if len(missing) > 0 {
		payloads = append(payloads, d.fetchMissing(ctx, missing, amenity)...)
	}

	combined := assembler.Combine(payloads, *bbox)
	d.publish(amenity, outcome)

	return Result{Response: combined, Outcome: outcome, Amenity: amenity}, nil
}

func (d *Dispatcher) resolveAmenity(query, formAmenity string) model.AmenityKey {
	if amen := queryinspector.ExtractAmenityValue(query); amen != nil {
		return *amen
	}
	if formAmenity != "" {
		return model.NormalizeAmenity(formAmenity)
	}
	return model.AmenityKey("toilets")
}

// fetchMissing groups missing tiles via FetchPlanner and, for each
// group, fetches and writes the group's data under a single-flight
// miss lock keyed by the group's fingerprint. After the lock
// resolves, each fine tile is re-read; tiles still absent are logged
// and omitted rather than failing the whole request.
func (d *Dispatcher) fetchMissing(ctx context.Context, missing []model.Tile, amenity model.AmenityKey) []model.OverpassResponse {
	groups := fetchplanner.Plan(missing, d.coarsePrecision, d.targetTilesPerRequest)
	var out []model.OverpassResponse

	for _, group := range groups {
		lockTile := groupLockTile(group)

		_, err := d.store.WithMissLock(ctx, lockTile, group.Tiles, amenity, func(ctx context.Context) error {
			resp, ferr := d.upstream.FetchTile(ctx, group.Bounds, amenity)
			if ferr != nil {
				return ferr
			}
			return d.store.WriteTiles(ctx, groupResponseMap(resp, group.Tiles), amenity)
		}, d.missLockTTL)
		if err != nil {
			d.log.Warn().Err(err).Msg("miss fetch failed for tile group")
			continue
		}

		reread, rerr := d.store.ReadTiles(ctx, group.Tiles, amenity)
		if rerr != nil {
			d.log.Warn().Err(rerr).Msg("re-read after miss lock failed")
			continue
		}
		for _, t := range group.Tiles {
			ct, ok := reread[t.Hash]
			if !ok {
				d.log.Warn().Str("tile", t.Hash).Msg("tile still absent after miss handling, omitting")
				continue
			}
			out = append(out, ct.Payload.Response)
		}
	}
	return out
}

// submitRefreshes fires one background refresh per stale tile group,
// bounded to maxConcurrentRefreshes concurrently-running groups;
// additional groups queue on the semaphore. Refreshes are detached
// from ctx so a client disconnect does not abort a refresh that is
// already benefiting future requests.
func (d *Dispatcher) submitRefreshes(ctx context.Context, stale []model.Tile, amenity model.AmenityKey) {
	groups := fetchplanner.Plan(stale, d.coarsePrecision, d.targetTilesPerRequest)
	if len(groups) == 0 {
		return
	}
	sem := make(chan struct{}, d.maxConcurrentRefreshes)
	detached := context.WithoutCancel(ctx)

	for _, group := range groups {
		group := group
		go func() {
			sem <- struct{}{}
			defer func() { <-sem }()
			d.refreshGroup(detached, group, amenity)
		}()
	}
}

func (d *Dispatcher) refreshGroup(ctx context.Context, group model.TileFetchGroup, amenity model.AmenityKey) {
	lockTile := groupLockTile(group)
	_, err := d.store.WithRefreshLock(ctx, lockTile, amenity, func(ctx context.Context) error {
		resp, ferr := d.upstream.FetchTile(ctx, group.Bounds, amenity)
		if ferr != nil {
			return ferr
		}
		return d.store.WriteTiles(ctx, groupResponseMap(resp, group.Tiles), amenity)
	})
	if err != nil {
		d.log.Warn().Err(err).Msg("background refresh failed")
	}
}

func (d *Dispatcher) publish(amenity model.AmenityKey, outcome CacheOutcome) {
	observability.ObserveCacheOutcome(string(amenity), string(outcome))
	if d.events == nil {
		return
	}
	d.events.Publish(events.Event{
		Amenity: string(amenity),
		Outcome: string(outcome),
		TS:      time.Now(),
	})
}

// groupLockTile derives a synthetic tile, keyed by the group's stable
// fingerprint, so withRefreshLock/withMissLock can guard a whole fetch
// group with a single lock rather than one per constituent tile.
func groupLockTile(group model.TileFetchGroup) model.Tile {
	fp := fetchplanner.GroupFingerprint(group)
	return model.Tile{Hash: fmt.Sprintf("group%016x", fp), Bounds: group.Bounds}
}

// groupResponseMap fans a single group-level fetch result out to every
// constituent fine tile's cache entry; the Assembler's bbox filter at
// combine time trims the final response back down to the request's
// own bounds.
func groupResponseMap(resp model.OverpassResponse, tiles []model.Tile) map[string]model.OverpassResponse {
	out := make(map[string]model.OverpassResponse, len(tiles))
	for _, t := range tiles {
		out[t.Hash] = resp
	}
	return out
}
