package queryinspector

import (
	"testing"
)

func TestHasJSONOutput(t *testing.T) {
	cases := map[string]bool{
		`[out:json];node(1,2,3,4);out;`: true,
		`[out:json]; node;`:              true,
		`[out : json];`:                  true,
		`[out:xml];node;`:                false,
		``:                               false,
	}
	for q, want := range cases {
		if got := HasJSONOutput(q); got != want {
			t.Errorf("HasJSONOutput(%q) = %v, want %v", q, got, want)
		}
	}
}

func TestHasAmenityFilter(t *testing.T) {
	cases := map[string]bool{
		`node["amenity"="cafe"];`: true,
		`node['amenity'='cafe'];`: true,
		`node[amenity=cafe];`:     true,
		`node["name"="x"];`:       false,
	}
	for q, want := range cases {
		if got := HasAmenityFilter(q); got != want {
			t.Errorf("HasAmenityFilter(%q) = %v, want %v", q, got, want)
		}
	}
}

func TestExtractAmenityValue(t *testing.T) {
	cases := map[string]string{
		`node["amenity"="cafe"];`:                "cafe",
		`node['amenity'='Drinking_Water'];`:      "drinking_water",
		`node[amenity=toilets];`:                 "toilets",
		`/* node["amenity"="hidden"]; */ node[amenity=toilets];`: "toilets",
	}
	for q, want := range cases {
		got := ExtractAmenityValue(q)
		if got == nil {
			t.Errorf("ExtractAmenityValue(%q) = nil, want %q", q, want)
			continue
		}
		if string(*got) != want {
			t.Errorf("ExtractAmenityValue(%q) = %q, want %q", q, *got, want)
		}
	}

	if got := ExtractAmenityValue(`node["amenity"=""];`); got != nil {
		t.Errorf("expected nil for empty amenity value, got %q", *got)
	}
	if got := ExtractAmenityValue(`node["name"="x"];`); got != nil {
		t.Errorf("expected nil when no amenity predicate present, got %q", *got)
	}
}

func TestExtractBoundingBoxDirective(t *testing.T) {
	q := `[out:json][bbox:52.5,13.3,52.6,13.4];node["amenity"="cafe"];out;`
	bb := ExtractBoundingBox(q)
	if bb == nil {
		t.Fatalf("expected bbox, got nil")
	}
	if bb.South != 52.5 || bb.West != 13.3 || bb.North != 52.6 || bb.East != 13.4 {
		t.Fatalf("unexpected bbox: %+v", bb)
	}
}

func TestExtractBoundingBoxTuple(t *testing.T) {
	q := `[out:json];node["amenity"="cafe"](52.5,13.3,52.6,13.4);out;`
	bb := ExtractBoundingBox(q)
	if bb == nil {
		t.Fatalf("expected bbox, got nil")
	}
	if bb.South != 52.5 || bb.West != 13.3 || bb.North != 52.6 || bb.East != 13.4 {
		t.Fatalf("unexpected bbox: %+v", bb)
	}
}

func TestExtractBoundingBoxRejectsThreeNumberTuple(t *testing.T) {
	q := `[out:json];node(1,2,3);out;`
	if bb := ExtractBoundingBox(q); bb != nil {
		t.Fatalf("expected nil for a 3-number tuple, got %+v", bb)
	}
}

func TestExtractBoundingBoxMalformedDirectiveFallsThroughToTuple(t *testing.T) {
	q := `[bbox:nope];node["amenity"="cafe"](1,2,3,4);out;`
	bb := ExtractBoundingBox(q)
	if bb == nil {
		t.Fatalf("expected fallback tuple match, got nil")
	}
	if bb.South != 1 || bb.West != 2 || bb.North != 3 || bb.East != 4 {
		t.Fatalf("unexpected bbox: %+v", bb)
	}
}

func TestExtractBoundingBoxNone(t *testing.T) {
	if bb := ExtractBoundingBox(`[out:json];node["amenity"="cafe"];out;`); bb != nil {
		t.Fatalf("expected nil bbox, got %+v", bb)
	}
}
