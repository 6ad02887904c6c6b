// Package passthrough forwards non-cacheable requests to an upstream
// Overpass instance verbatim: status endpoints, kill_my_queries, and
// any interpreter query the dispatcher classifies as uncacheable.
package passthrough

import "net/http"

// Forwarder abstracts upstreamclient.Client.Proxy so this package
// doesn't import the upstream pool/client directly.
type Forwarder interface {
	Proxy(w http.ResponseWriter, r *http.Request)
}

type Handler struct {
	forwarder Forwarder
}

func New(forwarder Forwarder) *Handler {
	return &Handler{forwarder: forwarder}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.forwarder.Proxy(w, r)
}
