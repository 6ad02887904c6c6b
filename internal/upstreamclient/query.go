package upstreamclient

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tileproxy/overpass-tile-cache/internal/model"
)

// BuildQuery renders the amenity-scoped Overpass query for one fetch
// group, per the wire format both this proxy and upstream Overpass
// understand.
func BuildQuery(bbox model.BBox, amenity model.AmenityKey) string {
	esc := escapeAmenity(string(amenity))
	south, west, north, east := fmtNum(bbox.South), fmtNum(bbox.West), fmtNum(bbox.North), fmtNum(bbox.East)

	var b strings.Builder
	b.WriteString("[out:json][timeout:120];\n(\n")
	fmt.Fprintf(&b, "  node[\"amenity\"=\"%s\"](%s,%s,%s,%s);\n", esc, south, west, north, east)
	fmt.Fprintf(&b, "  way[\"amenity\"=\"%s\"](%s,%s,%s,%s);\n", esc, south, west, north, east)
	fmt.Fprintf(&b, "  relation[\"amenity\"=\"%s\"](%s,%s,%s,%s);\n", esc, south, west, north, east)
	b.WriteString(");\nout body meta;\n>;\nout skel qt;\n")
	return b.String()
}

func escapeAmenity(s string) string {
	return strings.ReplaceAll(s, `"`, `""`)
}

func fmtNum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
