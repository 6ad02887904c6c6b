package conditionalcache

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWeakETagIsDeterministic(t *testing.T) {
	payload := map[string]any{"b": 2, "a": 1}
	e1, err := WeakETag(payload)
	if err != nil {
		t.Fatalf("WeakETag: %v", err)
	}
	e2, err := WeakETag(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("WeakETag: %v", err)
	}
	if e1 != e2 {
		t.Fatalf("expected same etag regardless of map key order: %q vs %q", e1, e2)
	}
	if e1[:3] != `W/"` {
		t.Fatalf("expected weak validator prefix, got %q", e1)
	}
}

func TestWeakETagDiffersForDifferentPayloads(t *testing.T) {
	e1, _ := WeakETag(map[string]any{"a": 1})
	e2, _ := WeakETag(map[string]any{"a": 2})
	if e1 == e2 {
		t.Fatalf("expected different etags for different payloads")
	}
}

func TestApplyConditionalReturns304OnMatch(t *testing.T) {
	payload := map[string]any{"a": 1}
	etag, err := WeakETag(payload)
	if err != nil {
		t.Fatalf("WeakETag: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("If-None-Match", `W/"deadbeef", `+etag)
	rr := httptest.NewRecorder()

	matched, err := ApplyConditional(rr, req, payload)
	if err != nil {
		t.Fatalf("ApplyConditional: %v", err)
	}
	if !matched {
		t.Fatalf("expected a 304 match")
	}
	if rr.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("expected empty body on 304, got %q", rr.Body.String())
	}
}

func TestApplyConditionalFullResponseOnMismatch(t *testing.T) {
	payload := map[string]any{"a": 1}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("If-None-Match", `W/"stale"`)
	rr := httptest.NewRecorder()

	matched, err := ApplyConditional(rr, req, payload)
	if err != nil {
		t.Fatalf("ApplyConditional: %v", err)
	}
	if matched {
		t.Fatalf("expected no match")
	}
	if rr.Header().Get("ETag") == "" {
		t.Fatalf("expected ETag header set even without a match")
	}
}
