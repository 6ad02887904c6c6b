// Package assembler merges cached/fetched tile payloads into a single
// Overpass response, deduplicating elements and bbox-filtering nodes.
package assembler

import (
	"github.com/tileproxy/overpass-tile-cache/internal/model"
)

// Combine merges payloads' elements, keyed by (kind, id) with later
// duplicates overwriting earlier ones, deep-cloning each element so
// the result shares no mutable state with its inputs. Nodes outside
// bbox (or with non-numeric lat/lon) are dropped; ways and relations
// are retained unconditionally, even if their member references now
// dangle.
func Combine(payloads []model.OverpassResponse, bbox model.BBox) model.OverpassResponse {
	if len(payloads) == 0 {
		return model.OverpassResponse{Elements: []model.OverpassElement{}}
	}

	out := payloads[0].CloneEnvelope()

	byKey := make(map[model.ElementKey]model.OverpassElement)
	var order []model.ElementKey
	for _, p := range payloads {
		for _, el := range p.Elements {
			key := el.Key()
			if _, seen := byKey[key]; !seen {
				order = append(order, key)
			}
			byKey[key] = el
		}
	}

	elements := make([]model.OverpassElement, 0, len(order))
	for _, key := range order {
		el := byKey[key]
		if el.Kind == model.KindNode {
			if el.Lat == nil || el.Lon == nil {
				continue
			}
			if !bbox.Contains(*el.Lat, *el.Lon) {
				continue
			}
		}
		elements = append(elements, el.Clone())
	}

	out.Elements = elements
	return out
}
