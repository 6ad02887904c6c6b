// Package keys builds the derived Redis key names the tile store uses
// for advisory locking around a cached tile entry.
package keys

const (
	lockSuffix     = ":lock"
	inflightSuffix = ":inflight"
)

// LockKey returns the refresh-lock key for a tile entry: the advisory
// NX guard a single goroutine holds while repopulating a stale tile in
// the background.
func LockKey(tileKey string) string {
	return tileKey + lockSuffix
}

// InflightKey returns the miss-lock key for a tile entry: the advisory
// NX guard the first caller to observe a cold tile holds while it
// fetches from upstream, so concurrent callers can wait on the same
// fetch instead of each issuing one.
func InflightKey(tileKey string) string {
	return tileKey + inflightSuffix
}

// IsDerived reports whether key was produced by LockKey or InflightKey,
// so callers can exclude lock bookkeeping keys from tile scans.
func IsDerived(key string) bool {
	n := len(key)
	return (n > len(lockSuffix) && key[n-len(lockSuffix):] == lockSuffix) ||
		(n > len(inflightSuffix) && key[n-len(inflightSuffix):] == inflightSuffix)
}
