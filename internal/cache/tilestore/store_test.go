package tilestore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/tileproxy/overpass-tile-cache/internal/cache/redisstore"
	"github.com/tileproxy/overpass-tile-cache/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })

	return New(rc, time.Hour, 10*time.Minute)
}

func tile(hash string) model.Tile {
	return model.Tile{Hash: hash, Bounds: model.BBox{South: 0, West: 0, North: 1, East: 1}}
}

func TestWriteThenReadTilesRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	amenity := model.AmenityKey("cafe")

	resp := model.OverpassResponse{Version: 0.6, Elements: []model.OverpassElement{{Kind: model.KindNode, ID: 1}}}
	if err := s.WriteTiles(ctx, map[string]model.OverpassResponse{"u4pruy": resp}, amenity); err != nil {
		t.Fatalf("WriteTiles: %v", err)
	}

	got, err := s.ReadTiles(ctx, []model.Tile{tile("u4pruy")}, amenity)
	if err != nil {
		t.Fatalf("ReadTiles: %v", err)
	}
	ct, ok := got["u4pruy"]
	if !ok {
		t.Fatalf("expected tile u4pruy present, got %+v", got)
	}
	if ct.Stale {
		t.Fatalf("freshly written tile must not be stale")
	}
	if len(ct.Payload.Response.Elements) != 1 {
		t.Fatalf("unexpected elements: %+v", ct.Payload.Response.Elements)
	}
}

func TestReadTilesOmitsMissingEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	got, err := s.ReadTiles(ctx, []model.Tile{tile("absent")}, "cafe")
	if err != nil {
		t.Fatalf("ReadTiles: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %+v", got)
	}
}

func TestReadTileStaleAfterTTL(t *testing.T) {
	s := New(nil, 10*time.Millisecond, time.Hour)
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	ctx := context.Background()
	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	s.rdb = rc

	if err := s.WriteTiles(ctx, map[string]model.OverpassResponse{"h": {}}, "cafe"); err != nil {
		t.Fatalf("WriteTiles: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	ct, err := s.ReadTile(ctx, tile("h"), "cafe")
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	if ct == nil {
		t.Fatalf("expected tile present even though stale")
	}
	if !ct.Stale {
		t.Fatalf("expected tile to be logically stale after TTL elapsed")
	}
}

func TestWithRefreshLockExcludesConcurrentRefresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tl := tile("u4pruy")

	var calls int32
	var wg sync.WaitGroup
	acquiredCount := int32(0)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired, err := s.WithRefreshLock(ctx, tl, "cafe", func(ctx context.Context) error {
				atomic.AddInt32(&calls, 1)
				time.Sleep(20 * time.Millisecond)
				return nil
			})
			if err != nil {
				t.Errorf("WithRefreshLock: %v", err)
			}
			if acquired {
				atomic.AddInt32(&acquiredCount, 1)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&acquiredCount); got != 1 {
		t.Fatalf("expected exactly 1 goroutine to acquire the refresh lock, got %d", got)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected handler to run exactly once, got %d", got)
	}
}

func TestWithMissLockGroupLockWaitsOnRealTileKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	amenity := model.AmenityKey("cafe")

	// A synthetic group lock tile, as dispatcher.groupLockTile derives:
	// distinct from any real tile hash, so it is never marked present
	// by ReadTile/ReadTiles/WriteTiles on its own.
	lockTile := model.Tile{Hash: "group00deadbeef", Bounds: model.BBox{South: 0, West: 0, North: 1, East: 1}}
	real := []model.Tile{tile("u4pruy"), tile("u4pruz")}

	fetcherDone := make(chan struct{})
	go func() {
		defer close(fetcherDone)
		_, err := s.WithMissLock(ctx, lockTile, real, amenity, func(ctx context.Context) error {
			time.Sleep(30 * time.Millisecond)
			responses := map[string]model.OverpassResponse{}
			for _, t := range real {
				responses[t.Hash] = model.OverpassResponse{}
			}
			return s.WriteTiles(ctx, responses, amenity)
		}, time.Second)
		if err != nil {
			t.Errorf("fetcher WithMissLock: %v", err)
		}
	}()

	// Give the fetcher a moment to acquire the lock first.
	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	outcome, err := s.WithMissLock(ctx, lockTile, real, amenity, func(ctx context.Context) error {
		t.Fatal("waiter should not have acquired the lock")
		return nil
	}, time.Second)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("waiter WithMissLock: %v", err)
	}
	if outcome != Waited {
		t.Fatalf("want Waited, got %v", outcome)
	}
	if elapsed >= 500*time.Millisecond {
		t.Fatalf("waiter blocked for %v; presence signal on real tile keys should have woken it well under the 1s ttl", elapsed)
	}

	<-fetcherDone
}

func TestWithMissLockSingleFetcherOthersWait(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tl := tile("u4pruy")
	amenity := model.AmenityKey("cafe")

	var fetches int32
	var wg sync.WaitGroup
	outcomes := make([]MissOutcome, 5)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			outcome, err := s.WithMissLock(ctx, tl, []model.Tile{tl}, amenity, func(ctx context.Context) error {
				atomic.AddInt32(&fetches, 1)
				time.Sleep(30 * time.Millisecond)
				return s.WriteTiles(ctx, map[string]model.OverpassResponse{tl.Hash: {}}, amenity)
			}, time.Second)
			if err != nil {
				t.Errorf("WithMissLock: %v", err)
			}
			outcomes[idx] = outcome
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", got)
	}
	fetchedCount := 0
	for _, o := range outcomes {
		if o == Fetched {
			fetchedCount++
		}
	}
	if fetchedCount != 1 {
		t.Fatalf("expected exactly 1 Fetched outcome, got %d among %v", fetchedCount, outcomes)
	}
}
