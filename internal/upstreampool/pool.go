// Package upstreampool tracks per-upstream-URL cooldown and daily
// quota state, and drives a pick-acquire-call-classify loop over a set
// of candidate upstream URLs.
package upstreampool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/tileproxy/overpass-tile-cache/internal/core/observability"
)

// TryAcquireResult reports the outcome of tryAcquire for a URL.
type TryAcquireResult int

const (
	Acquired TryAcquireResult = iota
	InCooldown
	AtLimit
	Blocked
)

type urlState struct {
	failedUntil   time.Time
	blockedUntil  time.Time
	requestsToday int
	dayStart      time.Time
}

// Pool tracks cooldown and daily-quota state for a fixed set of
// upstream URLs. A dailyLimit < 0 disables quota enforcement.
type Pool struct {
	mu         sync.Mutex
	urls       []string
	state      map[string]*urlState
	cooldown   time.Duration
	dailyLimit int
	now        func() time.Time
}

func New(urls []string, cooldown time.Duration, dailyLimit int) *Pool {
	state := make(map[string]*urlState, len(urls))
	for _, u := range urls {
		state[u] = &urlState{}
	}
	return &Pool{
		urls:       urls,
		state:      state,
		cooldown:   cooldown,
		dailyLimit: dailyLimit,
		now:        time.Now,
	}
}

func startOfLocalDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Next picks uniformly at random among URLs not in excluded, not in
// cooldown, not quota-blocked, and not at quota. Returns "" if none
// qualify.
func (p *Pool) Next(excluded map[string]bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var candidates []string
	for _, u := range p.urls {
		if excluded[u] {
			continue
		}
		st := p.state[u]
		p.rollover(st, now)
		if now.Before(st.failedUntil) {
			continue
		}
		if now.Before(st.blockedUntil) {
			continue
		}
		if p.dailyLimit >= 0 && st.requestsToday >= p.dailyLimit {
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.IntN(len(candidates))]
}

func (p *Pool) rollover(st *urlState, now time.Time) {
	if st.dayStart.Before(startOfLocalDay(now)) {
		st.requestsToday = 0
		st.dayStart = now
	}
}

// TryAcquire performs the day-rollover check, then enforces
// cooldown/quota; on success it increments the request count and, if
// that reaches dailyLimit, marks the URL quota-blocked for 24h.
func (p *Pool) TryAcquire(url string) TryAcquireResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.state[url]
	if !ok {
		return InCooldown
	}
	now := p.now()
	p.rollover(st, now)

	if now.Before(st.failedUntil) {
		return InCooldown
	}
	if now.Before(st.blockedUntil) {
		return Blocked
	}
	if p.dailyLimit >= 0 && st.requestsToday >= p.dailyLimit {
		return AtLimit
	}

	st.requestsToday++
	if p.dailyLimit >= 0 && st.requestsToday >= p.dailyLimit {
		st.blockedUntil = now.Add(24 * time.Hour)
	}
	return Acquired
}

func (p *Pool) MarkFailure(url string) {
	if p.cooldown <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.state[url]; ok {
		st.failedUntil = p.now().Add(p.cooldown)
	}
}

func (p *Pool) MarkSuccess(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.state[url]; ok {
		st.failedUntil = time.Time{}
	}
}

// IsExhaustedByLimit reports whether every URL is currently
// quota-blocked.
func (p *Pool) IsExhaustedByLimit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.urls) == 0 {
		return false
	}
	now := p.now()
	for _, u := range p.urls {
		st := p.state[u]
		p.rollover(st, now)
		if !now.Before(st.blockedUntil) {
			return false
		}
	}
	return true
}

// ReportState publishes the current count of URLs in each state
// (cooldown, quota_blocked, available) as upstream_pool_urls_in_state
// gauges. Intended to be called periodically, e.g. from a ticker in
// main.
func (p *Pool) ReportState() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var cooldown, blocked, available int
	for _, u := range p.urls {
		st := p.state[u]
		p.rollover(st, now)
		switch {
		case now.Before(st.failedUntil):
			cooldown++
		case now.Before(st.blockedUntil):
			blocked++
		default:
			available++
		}
	}
	observability.SetUpstreamPoolState("cooldown", cooldown)
	observability.SetUpstreamPoolState("quota_blocked", blocked)
	observability.SetUpstreamPoolState("available", available)
}

// StatusCodeError associates an HTTP status with an upstream call
// failure, so WithUpstream can classify retryable vs non-retryable
// errors.
type StatusCodeError struct {
	StatusCode int
	Err        error
}

func (e *StatusCodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

func (e *StatusCodeError) Unwrap() error { return e.Err }

// isRetryable reports whether an error returned by fn should cause
// WithUpstream to mark the URL failed and try another candidate. 4xx
// responses other than 429 are treated as non-retryable: they
// indicate the request itself is malformed, not that the upstream is
// unhealthy.
func isRetryable(err error) bool {
	var sce *StatusCodeError
	if errors.As(err, &sce) {
		if sce.StatusCode == http.StatusTooManyRequests {
			return true
		}
		if sce.StatusCode >= 400 && sce.StatusCode < 500 {
			return false
		}
		return true
	}
	return true // network errors, timeouts, etc.
}

var ErrDailyLimitReached = errors.New("daily upstream limit reached")
var ErrNoUpstreamAvailable = errors.New("no upstream available")

// WithUpstream loops over Next(attempted), calling TryAcquire then fn
// for each candidate, until fn succeeds, a non-retryable error is
// returned, or candidates are exhausted.
func (p *Pool) WithUpstream(fn func(url string) error) error {
	attempted := make(map[string]bool)
	var lastErr error

	for {
		url := p.Next(attempted)
		if url == "" {
			break
		}
		attempted[url] = true

		switch p.TryAcquire(url) {
		case InCooldown, Blocked, AtLimit:
			continue
		}

		err := fn(url)
		if err == nil {
			p.MarkSuccess(url)
			return nil
		}

		if !isRetryable(err) {
			return err
		}

		p.MarkFailure(url)
		lastErr = err
	}

	if p.IsExhaustedByLimit() {
		return ErrDailyLimitReached
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrNoUpstreamAvailable
}
