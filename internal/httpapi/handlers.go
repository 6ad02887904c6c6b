// Package httpapi adapts HTTP requests to the dispatcher: normalizing
// the query body, classifying cacheable vs pass-through requests, and
// stamping the cache/ETag response headers.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tileproxy/overpass-tile-cache/internal/conditionalcache"
	"github.com/tileproxy/overpass-tile-cache/internal/dispatcher"
)

// maxBodyBytes bounds how much of a raw POST body we'll buffer as
// query text.
const maxBodyBytes = 1 << 20

// Forwarder abstracts upstreamclient.Client.Proxy.
type Forwarder interface {
	Proxy(w http.ResponseWriter, r *http.Request)
}

type Handler struct {
	dispatcher  *dispatcher.Dispatcher
	passthrough Forwarder
	log         zerolog.Logger
}

func New(d *dispatcher.Dispatcher, passthrough Forwarder, log zerolog.Logger) *Handler {
	return &Handler{dispatcher: d, passthrough: passthrough, log: log.With().Str("component", "httpapi").Logger()}
}

// Interpreter handles POST/GET /api/interpreter: classify the query,
// serve cacheable requests from the dispatcher, and fall back to a
// verbatim upstream proxy for everything else.
func (h *Handler) Interpreter(w http.ResponseWriter, r *http.Request) {
	query, formAmenity, err := readQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), query, formAmenity)
	switch {
	case errors.Is(err, dispatcher.ErrPassThrough):
		h.passthrough.Proxy(w, r)
		return
	case errors.Is(err, dispatcher.ErrNoQuery):
		writeError(w, http.StatusBadRequest, "Query payload required")
		return
	case errors.Is(err, dispatcher.ErrNoBBox):
		writeError(w, http.StatusBadRequest, "Bounding box required")
		return
	}

	var tooMany *dispatcher.TooManyTilesError
	if errors.As(err, &tooMany) {
		writeError(w, http.StatusRequestEntityTooLarge, tooMany.Error())
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("dispatch failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.Header().Set("X-Cache", string(res.Outcome))
	notModified, cerr := conditionalcache.ApplyConditional(w, r, res.Response)
	if cerr != nil {
		h.log.Error().Err(cerr).Msg("conditional cache failed")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if notModified {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if jerr := json.NewEncoder(w).Encode(res.Response); jerr != nil {
		h.log.Error().Err(jerr).Msg("encode response failed")
	}
}

// readQuery extracts the query text and an optional amenity fallback
// from the request: GET's "data"/"q" query parameter, POST's
// form-urlencoded "data" field, or (failing those) the raw POST body.
//
// It always restores r.Body to a fresh reader over whatever bytes it
// consumed, since a pass-through classification sends r unmodified to
// passthrough.Proxy, which reads the body a second time to forward it
// upstream verbatim.
func readQuery(r *http.Request) (query, formAmenity string, err error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		return firstNonEmpty(q.Get("data"), q.Get("q")), q.Get("amenity"), nil
	}

	body, rerr := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if rerr != nil {
		return "", "", rerr
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "application/x-www-form-urlencoded") {
		values, perr := url.ParseQuery(string(body))
		if perr != nil {
			return "", "", perr
		}
		if data := values.Get("data"); data != "" {
			return data, values.Get("amenity"), nil
		}
	}

	return string(body), r.URL.Query().Get("amenity"), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg})
}
