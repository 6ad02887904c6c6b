package tilestore

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// presenceCache is a small local signal that a tile key was recently
// observed present in the store (via a read or write elsewhere in
// this process). It lets miss-lock waiters avoid polling Redis on
// every backoff tick: a concurrent ReadTile/WriteTiles call marks the
// key, and waiters short-circuit as soon as they see it.
//
// This is best-effort only — it never substitutes for a direct store
// read, and a waiter that never observes the mark simply falls back
// to waiting out its full deadline.
type presenceCache struct {
	seen *lru.Cache[string, struct{}]
}

func newPresenceCache(size int) *presenceCache {
	if size <= 0 {
		size = 1024
	}
	c, _ := lru.New[string, struct{}](size)
	return &presenceCache{seen: c}
}

func (p *presenceCache) mark(key string) {
	p.seen.Add(key, struct{}{})
}

func (p *presenceCache) observed(key string) bool {
	return p.seen.Contains(key)
}
