package ratelimit

import (
	"strings"
)

// unlimited is returned for routes that are never limited
var unlimited = EndpointConfig{Pattern: "/health", Method: "GET"}

// MatchEndpoint matches a request path and method to an endpoint configuration.
// Returns the matching EndpointConfig or nil if no match is found.
func MatchEndpoint(path string, method string, configs []EndpointConfig) *EndpointConfig {
	if path == "/health" && method == "GET" {
		u := unlimited
		return &u
	}

	// Whole-path patterns win over prefix patterns
	for i := range configs {
		config := &configs[i]
		if config.Method == method && !strings.HasSuffix(config.Pattern, "/") && matchSegments(config.Pattern, path, false) {
			return config
		}
	}
	for i := range configs {
		config := &configs[i]
		if config.Method == method && strings.HasSuffix(config.Pattern, "/") && matchSegments(config.Pattern, path, true) {
			return config
		}
	}
	return nil
}

// matchSegments compares pattern and path segment by segment. With prefix set,
// path may have more segments than the pattern.
func matchSegments(pattern, path string, prefix bool) bool {
	want := strings.Split(strings.Trim(pattern, "/"), "/")
	got := strings.Split(strings.Trim(path, "/"), "/")
	if len(got) < len(want) || (!prefix && len(got) != len(want)) {
		return false
	}
	if prefix && len(got) == len(want) {
		// "/projects/*/progress/" needs at least one more segment
		return false
	}
	for i, seg := range want {
		if seg != "*" && seg != got[i] {
			return false
		}
	}
	return true
}
