// Package config loads process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port     string
	LogLevel string

	UpstreamURLs []string
	RedisURL     string

	CacheTTL              time.Duration
	SWRWindow             time.Duration
	TilePrecision         int
	UpstreamTilePrecision int
	MaxTilesPerRequest    int

	UpstreamFailureCooldown time.Duration
	UpstreamDailyLimit      int

	TransparentOnly bool

	MaxConcurrentRefreshes     int
	MissLockTTL                time.Duration
	FetchTargetTilesPerRequest int

	KafkaBrokers        []string
	CacheEventsEnabled  bool
	CacheEventsTopic    string
	InvalidationEnabled bool
	InvalidationTopic   string
}

// FromEnv builds a Config from the process environment, applying the
// defaults from spec.md §6.2.
func FromEnv() Config {
	ttl := getduration("CACHE_TTL_SECONDS", 86400*time.Second)
	swrDefault := ttl / 10
	if swrDefault < 30*time.Second {
		swrDefault = 30 * time.Second
	}

	tilePrecision := getint("TILE_PRECISION", 5)
	upstreamPrecisionDefault := tilePrecision - 2
	if upstreamPrecisionDefault < 2 {
		upstreamPrecisionDefault = 2
	}

	return Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: ResolveLogLevel(getenv("LOG_VERBOSITY", ""), getenv("LOG_LEVEL", ""), false),

		UpstreamURLs: parseURLList(getenv("UPSTREAM_URLS", getenv("UPSTREAM_URL", "https://overpass-api.de/api/interpreter"))),
		RedisURL:     getenv("REDIS_URL", "redis://redis:6379"),

		CacheTTL:              ttl,
		SWRWindow:             getduration("SWR_SECONDS", swrDefault),
		TilePrecision:         tilePrecision,
		UpstreamTilePrecision: getint("UPSTREAM_TILE_PRECISION", upstreamPrecisionDefault),
		MaxTilesPerRequest:    getint("MAX_TILES_PER_REQUEST", 1024),

		UpstreamFailureCooldown: getduration("UPSTREAM_FAILURE_COOLDOWN_SECONDS", 60*time.Second),
		UpstreamDailyLimit:      getint("UPSTREAM_DAILY_LIMIT", -1),

		TransparentOnly: getbool("TRANSPARENT_ONLY", false),

		MaxConcurrentRefreshes:     getint("MAX_CONCURRENT_REFRESHES", 8),
		MissLockTTL:                getmillis("MISS_LOCK_TTL_MS", 10*time.Second),
		FetchTargetTilesPerRequest: getint("FETCH_TARGET_TILES_PER_REQUEST", 0),

		KafkaBrokers:        parseURLList(getenv("KAFKA_BROKERS", "")),
		CacheEventsEnabled:  getbool("CACHE_EVENTS_ENABLED", false),
		CacheEventsTopic:    getenv("CACHE_EVENTS_TOPIC", "tile-cache-events"),
		InvalidationEnabled: getbool("INVALIDATION_ENABLED", false),
		InvalidationTopic:   getenv("INVALIDATION_TOPIC", "tile-cache-invalidation"),
	}
}

// ResolveLogLevel implements spec.md §6.2's LOG_VERBOSITY/LOG_LEVEL
// resolution: errors→error, info→info, full|debug|verbose→debug; else
// LOG_LEVEL; else silent in tests, info otherwise.
func ResolveLogLevel(verbosity, level string, inTests bool) string {
	switch strings.ToLower(strings.TrimSpace(verbosity)) {
	case "errors":
		return "error"
	case "info":
		return "info"
	case "full", "debug", "verbose":
		return "debug"
	}
	if level = strings.TrimSpace(level); level != "" {
		return strings.ToLower(level)
	}
	if inTests {
		return "silent"
	}
	return "info"
}

func parseURLList(s string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	}) {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, defSeconds time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defSeconds
}

func getmillis(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
