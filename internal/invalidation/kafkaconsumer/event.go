package kafkaconsumer

import "github.com/tileproxy/overpass-tile-cache/internal/model"

// Event is an operator-issued cache purge request: invalidate the
// cached tiles for one amenity, identified either directly by tile
// hash or by a bounding box to re-derive hashes from at Precision.
type Event struct {
	Amenity    string      `json:"amenity"`
	TileHashes []string    `json:"tileHashes,omitempty"`
	BBox       *model.BBox `json:"bbox,omitempty"`
	Precision  int         `json:"precision,omitempty"`
	// Version, when set, lets the consumer discard a redelivered or
	// out-of-order event for the same amenity (see versionDedupe).
	Version uint64 `json:"version,omitempty"`
}
