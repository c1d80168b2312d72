package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a group of routes.
type EndpointConfig struct {
	// Pattern is a route path where "*" matches one segment and a trailing "/"
	// matches any remaining path.
	Pattern string
	Method  string
	Limit   int           // Maximum requests per window
	Window  time.Duration // Time window
	Burst   int           // Burst capacity (defaults to Limit if 0)
}

// NewConfig builds a limiter configuration with the default endpoint tiers.
func NewConfig(enabled bool, defaultLimit int, defaultWindow time.Duration, whitelist, blacklist []string) *Config {
	if !enabled {
		return &Config{Enabled: false}
	}
	if defaultLimit <= 0 {
		defaultLimit = 1000
	}
	if defaultWindow <= 0 {
		defaultWindow = time.Minute
	}
	return &Config{
		Enabled:         true,
		DefaultLimit:    defaultLimit,
		DefaultWindow:   defaultWindow,
		CleanupInterval: 5 * time.Minute,
		Whitelist:       ipSet(whitelist),
		Blacklist:       ipSet(blacklist),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the endpoint tiers of the bid API.
func DefaultEndpointConfigs() []EndpointConfig {
	return []EndpointConfig{
		// Tier 1: step execution and uploads start expensive work
		{Pattern: "/projects/*/step/*/execute", Method: http.MethodPost, Limit: 30, Window: time.Minute, Burst: 5},
		{Pattern: "/projects", Method: http.MethodPost, Limit: 20, Window: time.Minute, Burst: 5},
		{Pattern: "/projects/*/materials", Method: http.MethodPost, Limit: 60, Window: time.Minute, Burst: 10},
		{Pattern: "/auth/token", Method: http.MethodPost, Limit: 10, Window: time.Minute, Burst: 5},

		// Tier 2: state changes
		{Pattern: "/projects/*/step/*/cancel", Method: http.MethodPost, Limit: 100, Window: time.Minute, Burst: 10},
		{Pattern: "/projects/*/progress/reset", Method: http.MethodPost, Limit: 100, Window: time.Minute, Burst: 10},
		{Pattern: "/projects/*/progress/", Method: http.MethodPut, Limit: 100, Window: time.Minute, Burst: 10},

		// Tier 3: reads use the default limit; /health is unlimited (see MatchEndpoint)
	}
}

// ipSet turns a list of addresses into a lookup set.
func ipSet(list []string) map[string]bool {
	result := make(map[string]bool, len(list))
	for _, ip := range list {
		if ip = strings.TrimSpace(ip); ip != "" {
			result[ip] = true
		}
	}
	return result
}
