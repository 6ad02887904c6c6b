// Package upstreamclient issues amenity-scoped fetches against the
// Overpass upstream pool, and proxies non-cacheable requests through
// verbatim.
package upstreamclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tileproxy/overpass-tile-cache/internal/core/observability"
	"github.com/tileproxy/overpass-tile-cache/internal/model"
	"github.com/tileproxy/overpass-tile-cache/internal/upstreampool"
)

type Client struct {
	httpClient *http.Client
	pool       *upstreampool.Pool
}

func New(httpClient *http.Client, pool *upstreampool.Pool) *Client {
	return &Client{httpClient: httpClient, pool: pool}
}

// FetchTile builds the amenity-scoped query for bbox, POSTs it to a
// pool-selected upstream URL, and decodes the response body as an
// OverpassResponse.
func (c *Client) FetchTile(ctx context.Context, bbox model.BBox, amenity model.AmenityKey) (model.OverpassResponse, error) {
	query := BuildQuery(bbox, amenity)
	var out model.OverpassResponse

	err := c.pool.WithUpstream(func(upstreamURL string) error {
		start := time.Now()
		body, err := c.postQuery(ctx, upstreamURL, query)
		observability.ObserveUpstreamLatency(upstreamURL, err, time.Since(start).Seconds())
		if err != nil {
			return err
		}
		if jerr := json.Unmarshal(body, &out); jerr != nil {
			return fmt.Errorf("decode overpass response: %w", jerr)
		}
		return nil
	})
	if err != nil {
		return model.OverpassResponse{}, err
	}
	return out, nil
}

func (c *Client) postQuery(ctx context.Context, upstreamURL, query string) ([]byte, error) {
	form := url.Values{"data": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err // network error: retryable by upstreampool
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, &upstreampool.StatusCodeError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("upstream body: %s", string(b)),
		}
	}
	return io.ReadAll(resp.Body)
}

// Proxy forwards a non-cacheable request to a pool-selected upstream
// URL verbatim (method, path+query, body, headers minus Host), and
// streams the raw response back. Upstream statuses >=500 or 429 mark
// the URL failed and move on to the next candidate; other statuses
// pass through untouched with their body. When every candidate fails,
// the caller gets a 502 with a plain-text error instead.
//
// The request body is buffered once up front so a failed attempt can
// retry against another upstream without re-reading a consumed
// io.Reader; only the response is streamed.
func (c *Client) Proxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var finalResp *http.Response
	err = c.pool.WithUpstream(func(upstreamURL string) error {
		resp, perr := c.forwardOnce(r, upstreamURL, body)
		if perr != nil {
			return perr
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			_ = resp.Body.Close()
			return &upstreampool.StatusCodeError{StatusCode: resp.StatusCode}
		}
		finalResp = resp
		return nil
	})
	if err != nil {
		http.Error(w, "upstream proxy error: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer func() { _ = finalResp.Body.Close() }()

	for k, vs := range finalResp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(finalResp.StatusCode)
	_, _ = io.Copy(w, finalResp.Body)
}

func (c *Client) forwardOnce(r *http.Request, upstreamURL string, body []byte) (*http.Response, error) {
	target, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	target.Path = r.URL.Path
	target.RawPath = r.URL.EscapedPath()
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytesReader(body))
	if err != nil {
		return nil, fmt.Errorf("build proxied request: %w", err)
	}
	req.Header = r.Header.Clone()
	req.Header.Del("Host")
	req.Host = target.Host

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observability.ObserveUpstreamLatency(upstreamURL, err, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return strings.NewReader(string(b))
}
