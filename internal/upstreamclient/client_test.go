package upstreamclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tileproxy/overpass-tile-cache/internal/model"
	"github.com/tileproxy/overpass-tile-cache/internal/upstreampool"
)

func TestBuildQueryEscapesAmenityAndRendersBBox(t *testing.T) {
	q := BuildQuery(model.BBox{South: 52.5, West: 13.3, North: 52.6, East: 13.4}, model.AmenityKey(`caf"e`))
	if !strings.Contains(q, `"caf""e"`) {
		t.Fatalf("expected doubled-quote escaping, got:\n%s", q)
	}
	if !strings.Contains(q, "(52.5,13.3,52.6,13.4)") {
		t.Fatalf("expected bbox tuple rendered, got:\n%s", q)
	}
	if !strings.Contains(q, "[out:json][timeout:120];") {
		t.Fatalf("expected out:json header, got:\n%s", q)
	}
}

func TestFetchTileDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if !strings.Contains(r.Form.Get("data"), "amenity") {
			t.Fatalf("expected amenity query, got %q", r.Form.Get("data"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model.OverpassResponse{
			Version:  0.6,
			Elements: []model.OverpassElement{{Kind: model.KindNode, ID: 42}},
		})
	}))
	defer srv.Close()

	pool := upstreampool.New([]string{srv.URL}, time.Minute, -1)
	c := New(srv.Client(), pool)

	resp, err := c.FetchTile(t.Context(), model.BBox{South: 0, West: 0, North: 1, East: 1}, "cafe")
	if err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if len(resp.Elements) != 1 || resp.Elements[0].ID != 42 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestFetchTileMarksFailureOn5xxAndRetries(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	var hits int
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_ = json.NewEncoder(w).Encode(model.OverpassResponse{})
	}))
	defer good.Close()

	pool := upstreampool.New([]string{bad.URL, good.URL}, time.Minute, -1)
	c := New(http.DefaultClient, pool)

	_, err := c.FetchTile(t.Context(), model.BBox{South: 0, West: 0, North: 1, East: 1}, "cafe")
	if err != nil {
		t.Fatalf("FetchTile: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected the good upstream to be hit once, got %d", hits)
	}
}

func TestProxyForwardsRequestVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("status body"))
	}))
	defer upstream.Close()

	pool := upstreampool.New([]string{upstream.URL}, time.Minute, -1)
	c := New(upstream.Client(), pool)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	c.Proxy(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-Upstream") != "yes" {
		t.Fatalf("expected upstream header forwarded")
	}
	if rr.Body.String() != "status body" {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestProxyReturnsBadGatewayWhenAllCandidatesFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	pool := upstreampool.New([]string{bad.URL}, time.Minute, -1)
	c := New(bad.Client(), pool)

	req := httptest.NewRequest(http.MethodGet, "/api/kill_my_queries", nil)
	rr := httptest.NewRecorder()
	c.Proxy(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}
