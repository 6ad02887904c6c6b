// Package tilegrid maps bounding boxes to the set of geohash tiles that
// cover them, and decodes tile hashes back to their bounds.
package tilegrid

import (
	"fmt"

	"github.com/tileproxy/overpass-tile-cache/internal/geohash"
	"github.com/tileproxy/overpass-tile-cache/internal/model"
)

// TilesFor computes the set of geohash cells at `precision` covering bbox,
// deduplicated by hash. For a bbox smaller than one cell, at least one
// tile is returned.
func TilesFor(bbox model.BBox, precision int) []model.Tile {
	if precision <= 0 {
		precision = 1
	}
	latStep, lonStep := geohash.CellSize(precision)
	if latStep <= 0 {
		latStep = 1e-9
	}
	if lonStep <= 0 {
		lonStep = 1e-9
	}

	seen := make(map[string]struct{})
	var tiles []model.Tile

	for lat := bbox.South; ; lat += latStep {
		rowDone := lat > bbox.North
		rowLat := lat
		if rowLat > bbox.North {
			rowLat = bbox.North
		}
		for lon := bbox.West; ; lon += lonStep {
			colDone := lon > bbox.East
			colLon := lon
			if colLon > bbox.East {
				colLon = bbox.East
			}

			hash := geohash.Encode(rowLat, colLon, precision)
			if _, ok := seen[hash]; !ok {
				seen[hash] = struct{}{}
				s, w, n, e := geohash.Decode(hash)
				tiles = append(tiles, model.Tile{
					Hash:   hash,
					Bounds: model.BBox{South: s, West: w, North: n, East: e},
				})
			}

			if colDone {
				break
			}
		}
		if rowDone {
			break
		}
	}

	return tiles
}

// TileKey returns the store key for a (hash, amenity) pair.
func TileKey(hash string, amenity model.AmenityKey) string {
	return fmt.Sprintf("tile:%s:%s", amenity, hash)
}
