package envutil

import "os"

// Get retrieves an environment variable with automatic COLLAB_ prefix
// fallback. It checks in this order:
// 1. Exact key as provided
// 2. Key with COLLAB_ prefix
// 3. Returns fallback if neither exists
//
// This supports both managed deployments (COLLAB_ prefixed) and local dev
// (unprefixed) configurations.
func Get(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}

	if len(key) < 7 || key[:7] != "COLLAB_" {
		if value, exists := os.LookupEnv("COLLAB_" + key); exists {
			return value
		}
	}

	return fallback
}
