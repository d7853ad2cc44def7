package testutil

import (
	"os"
	"testing"
)

// SkipIfShort skips the test if running in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// RedisURL returns the Redis URL for integration tests, skipping when unset.
func RedisURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TILLSTREAM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("skipping redis test (set TILLSTREAM_TEST_REDIS_URL to run)")
	}
	return url
}
