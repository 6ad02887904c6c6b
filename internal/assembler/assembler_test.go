package assembler

import (
	"testing"

	"github.com/tileproxy/overpass-tile-cache/internal/model"
)

func f(v float64) *float64 { return &v }

func TestCombineDedupesByKindAndID(t *testing.T) {
	bbox := model.BBox{South: -90, West: -180, North: 90, East: 180}
	a := model.OverpassResponse{Elements: []model.OverpassElement{
		{Kind: model.KindNode, ID: 1, Lat: f(1), Lon: f(1), Tags: map[string]string{"old": "yes"}},
	}}
	b := model.OverpassResponse{Elements: []model.OverpassElement{
		{Kind: model.KindNode, ID: 1, Lat: f(1), Lon: f(1), Tags: map[string]string{"new": "yes"}},
	}}

	out := Combine([]model.OverpassResponse{a, b}, bbox)
	if len(out.Elements) != 1 {
		t.Fatalf("expected 1 deduped element, got %d", len(out.Elements))
	}
	if _, ok := out.Elements[0].Tags["new"]; !ok {
		t.Fatalf("expected later duplicate to win, got %+v", out.Elements[0])
	}
}

func TestCombineFiltersNodesOutsideBBox(t *testing.T) {
	bbox := model.BBox{South: 0, West: 0, North: 1, East: 1}
	in := model.OverpassResponse{Elements: []model.OverpassElement{
		{Kind: model.KindNode, ID: 1, Lat: f(0.5), Lon: f(0.5)},
		{Kind: model.KindNode, ID: 2, Lat: f(50), Lon: f(50)},
	}}
	out := Combine([]model.OverpassResponse{in}, bbox)
	if len(out.Elements) != 1 || out.Elements[0].ID != 1 {
		t.Fatalf("expected only the in-bbox node to survive, got %+v", out.Elements)
	}
}

func TestCombineDropsNodesWithNilCoordinates(t *testing.T) {
	bbox := model.BBox{South: -90, West: -180, North: 90, East: 180}
	in := model.OverpassResponse{Elements: []model.OverpassElement{
		{Kind: model.KindNode, ID: 1},
	}}
	out := Combine([]model.OverpassResponse{in}, bbox)
	if len(out.Elements) != 0 {
		t.Fatalf("expected node with nil coords dropped, got %+v", out.Elements)
	}
}

func TestCombineKeepsWaysAndRelationsRegardlessOfBBox(t *testing.T) {
	bbox := model.BBox{South: 0, West: 0, North: 1, East: 1}
	in := model.OverpassResponse{Elements: []model.OverpassElement{
		{Kind: model.KindWay, ID: 10, Nodes: []int64{1, 2}},
		{Kind: model.KindRelation, ID: 20, Members: []model.RelationMember{{Kind: model.KindWay, Ref: 10}}},
	}}
	out := Combine([]model.OverpassResponse{in}, bbox)
	if len(out.Elements) != 2 {
		t.Fatalf("expected way and relation retained unconditionally, got %+v", out.Elements)
	}
}

func TestCombineDeepClonesElements(t *testing.T) {
	bbox := model.BBox{South: -90, West: -180, North: 90, East: 180}
	in := model.OverpassResponse{Elements: []model.OverpassElement{
		{Kind: model.KindNode, ID: 1, Lat: f(1), Lon: f(1), Tags: map[string]string{"a": "1"}},
	}}
	out := Combine([]model.OverpassResponse{in}, bbox)
	out.Elements[0].Tags["a"] = "mutated"
	if in.Elements[0].Tags["a"] != "1" {
		t.Fatalf("Combine must not share mutable state with its inputs")
	}
}

func TestCombineEmptyPayloadsReturnsEmptyElements(t *testing.T) {
	out := Combine(nil, model.BBox{})
	if out.Elements == nil || len(out.Elements) != 0 {
		t.Fatalf("expected non-nil empty Elements slice, got %+v", out.Elements)
	}
}

func TestCombineIdempotentUnderReinvocation(t *testing.T) {
	bbox := model.BBox{South: -90, West: -180, North: 90, East: 180}
	in := []model.OverpassResponse{{Elements: []model.OverpassElement{
		{Kind: model.KindNode, ID: 1, Lat: f(1), Lon: f(1)},
	}}}
	a := Combine(in, bbox)
	b := Combine(in, bbox)
	if len(a.Elements) != len(b.Elements) {
		t.Fatalf("Combine must be idempotent across invocations")
	}
}
