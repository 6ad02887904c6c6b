package keys

import "testing"

func TestLockKeyAppendsSuffix(t *testing.T) {
	tk := "tile:amenity=cafe:u4pruy"
	if got, want := LockKey(tk), tk+":lock"; got != want {
		t.Fatalf("LockKey(%q) = %q, want %q", tk, got, want)
	}
}

func TestInflightKeyAppendsSuffix(t *testing.T) {
	tk := "tile:amenity=cafe:u4pruy"
	if got, want := InflightKey(tk), tk+":inflight"; got != want {
		t.Fatalf("InflightKey(%q) = %q, want %q", tk, got, want)
	}
}

func TestLockAndInflightKeysAreDistinct(t *testing.T) {
	tk := "tile:amenity=cafe:u4pruy"
	if LockKey(tk) == InflightKey(tk) {
		t.Fatalf("lock and inflight keys must differ")
	}
}

func TestIsDerivedRecognizesSuffixedKeys(t *testing.T) {
	tk := "tile:amenity=cafe:u4pruy"
	if IsDerived(tk) {
		t.Fatalf("plain tile key must not be treated as derived")
	}
	if !IsDerived(LockKey(tk)) {
		t.Fatalf("LockKey output must be recognized as derived")
	}
	if !IsDerived(InflightKey(tk)) {
		t.Fatalf("InflightKey output must be recognized as derived")
	}
}
