// Package model defines the domain types shared by the tile-caching engine.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// BBox is an axis-aligned rectangle in geodetic degrees. Dateline wrap
// (crossing ±180°) is not supported.
type BBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// Valid reports whether the box satisfies south<=north and west<=east.
func (b BBox) Valid() bool {
	return b.South <= b.North && b.West <= b.East
}

// Contains reports whether (lat,lon) falls within the box, inclusive.
func (b BBox) Contains(lat, lon float64) bool {
	return lat >= b.South && lat <= b.North && lon >= b.West && lon <= b.East
}

// Union returns the smallest box containing both b and o.
func (b BBox) Union(o BBox) BBox {
	return BBox{
		South: minF(b.South, o.South),
		West:  minF(b.West, o.West),
		North: maxF(b.North, o.North),
		East:  maxF(b.East, o.East),
	}
}

// Area is a unitless proxy for the box's extent, used by FetchPlanner to
// bound how far a group may grow.
func (b BBox) Area() float64 {
	h := b.North - b.South
	w := b.East - b.West
	if h < 0 {
		h = 0
	}
	if w < 0 {
		w = 0
	}
	return h * w
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// AmenityKey is a case-folded, whitespace-trimmed, non-empty amenity class
// identifier, e.g. "toilets".
type AmenityKey string

// NormalizeAmenity trims and case-folds a raw amenity string. An empty
// input normalizes to the empty AmenityKey.
func NormalizeAmenity(raw string) AmenityKey {
	return AmenityKey(strings.ToLower(strings.TrimSpace(raw)))
}

// Tile is a geohash cell together with its decoded bounds.
type Tile struct {
	Hash   string
	Bounds BBox
}

// ElementKind discriminates an OverpassElement's variant.
type ElementKind string

const (
	KindNode     ElementKind = "node"
	KindWay      ElementKind = "way"
	KindRelation ElementKind = "relation"
)

// RelationMember is one member of a relation.
type RelationMember struct {
	Kind ElementKind `json:"type"`
	Ref  int64       `json:"ref"`
	Role string      `json:"role,omitempty"`
}

// OverpassElement is a tagged OSM record. Depending on Kind, Lat/Lon
// (node), Nodes (way) or Members (relation) are populated.
type OverpassElement struct {
	Kind    ElementKind       `json:"type"`
	ID      int64             `json:"id"`
	Lat     *float64          `json:"lat,omitempty"`
	Lon     *float64          `json:"lon,omitempty"`
	Nodes   []int64           `json:"nodes,omitempty"`
	Members []RelationMember  `json:"members,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Key returns the dedup key (kind,id) for this element.
func (e OverpassElement) Key() ElementKey {
	return ElementKey{Kind: e.Kind, ID: e.ID}
}

// Clone returns a deep copy that shares no mutable state with e.
func (e OverpassElement) Clone() OverpassElement {
	out := e
	if e.Lat != nil {
		lat := *e.Lat
		out.Lat = &lat
	}
	if e.Lon != nil {
		lon := *e.Lon
		out.Lon = &lon
	}
	if e.Nodes != nil {
		out.Nodes = append([]int64(nil), e.Nodes...)
	}
	if e.Members != nil {
		out.Members = append([]RelationMember(nil), e.Members...)
	}
	if e.Tags != nil {
		tags := make(map[string]string, len(e.Tags))
		for k, v := range e.Tags {
			tags[k] = v
		}
		out.Tags = tags
	}
	return out
}

// ElementKey is the dedup key for OverpassElements.
type ElementKey struct {
	Kind ElementKind
	ID   int64
}

// OverpassResponse is the Overpass API JSON envelope.
type OverpassResponse struct {
	Version   float64                `json:"version,omitempty"`
	Generator string                 `json:"generator,omitempty"`
	Osm3S     map[string]interface{} `json:"osm3s,omitempty"`
	Elements  []OverpassElement      `json:"elements"`
}

// CloneEnvelope returns a copy of r with a deep-cloned Osm3S map so callers
// share no mutable state with the source response (spec: "implementations
// MUST deep-clone it to preserve element isolation").
func (r OverpassResponse) CloneEnvelope() OverpassResponse {
	out := r
	out.Elements = nil
	if r.Osm3S != nil {
		out.Osm3S = make(map[string]interface{}, len(r.Osm3S))
		for k, v := range r.Osm3S {
			out.Osm3S[k] = v
		}
		// Nested maps and slices are copied through a JSON round trip;
		// the top-level copy above stays if the map cannot be encoded.
		if b, err := json.Marshal(r.Osm3S); err == nil {
			var deep map[string]interface{}
			if json.Unmarshal(b, &deep) == nil {
				out.Osm3S = deep
			}
		}
	}
	return out
}

// TilePayload is the cached value for one (amenity, tile) pair.
type TilePayload struct {
	Response  OverpassResponse `json:"response"`
	FetchedAt time.Time        `json:"fetchedAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// Stale reports whether the payload's logical TTL has passed.
func (p TilePayload) Stale(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// CachedTile pairs a store-read TilePayload with its freshness at read
// time.
type CachedTile struct {
	Tile    Tile
	Payload TilePayload
	Stale   bool
}

// TileFetchGroup is a coarse rectangle produced by FetchPlanner, covering
// the union of its constituent fine tiles.
type TileFetchGroup struct {
	Bounds BBox
	Tiles  []Tile
}
