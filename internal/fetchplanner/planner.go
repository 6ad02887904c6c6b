// Package fetchplanner groups fine-precision tiles that need fetching
// into coarser upstream request rectangles, bounding upstream request
// count without materially over-fetching.
package fetchplanner

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/tileproxy/overpass-tile-cache/internal/model"
)

const (
	minTargetTilesPerRequest = 8
	maxTargetTilesPerRequest = 256
)

// DefaultTargetTilesPerRequest derives the group size target from the
// branching factor of geohash between finePrecision and
// coarsePrecision: 32^(fine-coarse)/8, clamped to [8, 256].
func DefaultTargetTilesPerRequest(coarsePrecision, finePrecision int) int {
	steps := finePrecision - coarsePrecision
	if steps <= 0 {
		return minTargetTilesPerRequest
	}
	target := 1
	for i := 0; i < steps; i++ {
		target *= 32
	}
	target /= 8
	if target < minTargetTilesPerRequest {
		target = minTargetTilesPerRequest
	}
	if target > maxTargetTilesPerRequest {
		target = maxTargetTilesPerRequest
	}
	return target
}

// Plan partitions tiles by their coarsePrecision-length hash prefix,
// then groups each bucket's tiles (sorted by hash, a Z-order
// traversal) into runs bounded by targetTilesPerRequest and an area
// guard, and returns the groups sorted by (south, west, north, east).
func Plan(tiles []model.Tile, coarsePrecision int, targetTilesPerRequest int) []model.TileFetchGroup {
	if len(tiles) == 0 {
		return nil
	}
	if targetTilesPerRequest <= 0 {
		targetTilesPerRequest = minTargetTilesPerRequest
	}

	buckets := make(map[string][]model.Tile)
	for _, t := range tiles {
		prefix := coarsePrefix(t.Hash, coarsePrecision)
		buckets[prefix] = append(buckets[prefix], t)
	}

	var groups []model.TileFetchGroup
	for _, bucket := range buckets {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].Hash < bucket[j].Hash })
		groups = append(groups, runsFor(bucket, targetTilesPerRequest)...)
	}

	sort.Slice(groups, func(i, j int) bool {
		a, b := groups[i].Bounds, groups[j].Bounds
		if a.South != b.South {
			return a.South < b.South
		}
		if a.West != b.West {
			return a.West < b.West
		}
		if a.North != b.North {
			return a.North < b.North
		}
		return a.East < b.East
	})
	return groups
}

func coarsePrefix(hash string, precision int) string {
	if precision <= 0 || precision >= len(hash) {
		return hash
	}
	return hash[:precision]
}

// runsFor groups a hash-sorted bucket of tiles into runs: a run closes
// when it hits target size, or when adding the next tile would grow
// the run's union area above target times the largest tile area seen
// in the run so far.
func runsFor(bucket []model.Tile, target int) []model.TileFetchGroup {
	var groups []model.TileFetchGroup
	var current []model.Tile
	var bounds model.BBox
	var maxTileArea float64

	flush := func() {
		if len(current) == 0 {
			return
		}
		groups = append(groups, model.TileFetchGroup{Bounds: bounds, Tiles: current})
		current = nil
		bounds = model.BBox{}
		maxTileArea = 0
	}

	for _, t := range bucket {
		area := t.Bounds.Area()
		if len(current) == 0 {
			current = []model.Tile{t}
			bounds = t.Bounds
			maxTileArea = area
			continue
		}

		candidateBounds := bounds.Union(t.Bounds)
		candidateMaxArea := maxTileArea
		if area > candidateMaxArea {
			candidateMaxArea = area
		}

		if len(current) >= target || candidateBounds.Area() > float64(target)*candidateMaxArea {
			flush()
			current = []model.Tile{t}
			bounds = t.Bounds
			maxTileArea = area
			continue
		}

		current = append(current, t)
		bounds = candidateBounds
		maxTileArea = candidateMaxArea
	}
	flush()
	return groups
}

// GroupFingerprint returns a stable identifier for a fetch group,
// derived from the sorted hashes of its constituent tiles. Used to
// deduplicate in-flight upstream fetches for equivalent groups.
func GroupFingerprint(group model.TileFetchGroup) uint64 {
	hashes := make([]string, len(group.Tiles))
	for i, t := range group.Tiles {
		hashes[i] = t.Hash
	}
	sort.Strings(hashes)

	var buf []byte
	for _, h := range hashes {
		buf = append(buf, h...)
		buf = append(buf, ',')
	}
	return xxhash.Sum64(buf)
}
