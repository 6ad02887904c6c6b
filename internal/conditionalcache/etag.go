// Package conditionalcache computes weak ETags for assembled responses
// and negotiates If-None-Match to avoid re-sending unchanged bodies.
package conditionalcache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// WeakETag returns a weak validator derived from the sha1 of payload's
// canonical JSON encoding.
func WeakETag(payload any) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	sum := sha1.Sum(canonical)
	return `W/"` + hex.EncodeToString(sum[:]) + `"`, nil
}

// canonicalJSON round-trips through a generic decode so map keys are
// always emitted in encoding/json's deterministic sorted-key order,
// regardless of the concrete type's field order.
func canonicalJSON(payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// ApplyConditional computes the weak etag for payload, sets it as a
// response header, and — if any comma-separated, trimmed value in the
// request's If-None-Match matches — writes a bodyless 304 and returns
// true. Otherwise it returns false and the caller should send the
// full body.
func ApplyConditional(w http.ResponseWriter, r *http.Request, payload any) (bool, error) {
	etag, err := WeakETag(payload)
	if err != nil {
		return false, err
	}
	w.Header().Set("ETag", etag)

	inm := r.Header.Get("If-None-Match")
	for _, candidate := range strings.Split(inm, ",") {
		if strings.TrimSpace(candidate) == etag {
			w.WriteHeader(http.StatusNotModified)
			return true, nil
		}
	}
	return false, nil
}
