// Package queryinspector classifies a raw Overpass QL query: whether it
// asks for JSON output, whether it filters by amenity, and what bounding
// box and amenity value it names.
package queryinspector

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tileproxy/overpass-tile-cache/internal/model"
)

var (
	jsonOutputRe = regexp.MustCompile(`(?i)out\s*:\s*json`)
	amenityAnyRe = regexp.MustCompile(`(?i)\[\s*['"]?amenity['"]?\s*=`)
	amenityValRe = regexp.MustCompile(`(?i)\[\s*['"]?amenity['"]?\s*=\s*("([^"]*)"|'([^']*)'|([A-Za-z0-9_\-]+))\s*\]`)
	bboxDirRe    = regexp.MustCompile(`(?i)\[\s*bbox\s*:\s*([^\]]*)\]`)
	commentRe    = regexp.MustCompile(`/\*[\s\S]*?\*/|//[^\n]*|--[^\n]*|#[^\n]*`)
	numberRe     = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	parenGroupRe = regexp.MustCompile(`\(([^()]*)\)`)
)

// HasJSONOutput reports whether q requests JSON output via `out:json`,
// tolerating whitespace around the colon, case-insensitively.
func HasJSONOutput(q string) bool {
	return jsonOutputRe.MatchString(q)
}

// HasAmenityFilter reports whether q contains an `[amenity…]` predicate,
// tolerating single/double/unquoted keys.
func HasAmenityFilter(q string) bool {
	return amenityAnyRe.MatchString(q)
}

// ExtractAmenityValue returns the value inside `["amenity"="<value>"]`
// after stripping comments, or nil if absent or empty.
func ExtractAmenityValue(q string) *model.AmenityKey {
	clean := stripComments(q)
	m := amenityValRe.FindStringSubmatch(clean)
	if m == nil {
		return nil
	}
	var raw string
	switch {
	case m[2] != "" || strings.HasPrefix(m[1], `"`):
		raw = m[2]
	case m[3] != "" || strings.HasPrefix(m[1], `'`):
		raw = m[3]
	default:
		raw = m[4]
	}
	key := model.NormalizeAmenity(raw)
	if key == "" {
		return nil
	}
	return &key
}

// ExtractBoundingBox strips comments, then searches first for a
// `[bbox:<nums>]` directive and second for any parenthesized tuple of
// exactly four numbers, in order (south, west, north, east). The first
// match wins; malformed directives fall through to tuple scanning.
func ExtractBoundingBox(q string) *model.BBox {
	clean := stripComments(q)

	if m := bboxDirRe.FindStringSubmatch(clean); m != nil {
		if bb, ok := parseFourNumbers(m[1]); ok {
			return &bb
		}
	}

	for _, m := range parenGroupRe.FindAllStringSubmatch(clean, -1) {
		if bb, ok := parseFourNumbers(m[1]); ok {
			return &bb
		}
	}
	return nil
}

func parseFourNumbers(s string) (model.BBox, bool) {
	nums := numberRe.FindAllString(s, -1)
	if len(nums) != 4 {
		return model.BBox{}, false
	}
	vals := make([]float64, 4)
	for i, n := range nums {
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return model.BBox{}, false
		}
		vals[i] = f
	}
	return model.BBox{South: vals[0], West: vals[1], North: vals[2], East: vals[3]}, true
}

func stripComments(q string) string {
	return commentRe.ReplaceAllString(q, " ")
}
