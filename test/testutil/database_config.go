package testutil

import (
	"fmt"
	"os"
)

// DatabaseConfig holds configuration for connecting to an external test server.
type DatabaseConfig struct {
	URL string
}

// GetDatabaseConfig reads the admin connection for integration tests.
// If PGM_TEST_DATABASE_URL is set it is used as-is; otherwise
// PGM_TEST_DATABASE_HOST and friends build one. An empty URL means a
// container should be started instead.
func GetDatabaseConfig() DatabaseConfig {
	if url := os.Getenv("PGM_TEST_DATABASE_URL"); url != "" {
		return DatabaseConfig{URL: url}
	}

	host := os.Getenv("PGM_TEST_DATABASE_HOST")
	if host == "" {
		return DatabaseConfig{}
	}
	return DatabaseConfig{
		URL: buildDatabaseURL(
			getEnv("PGM_TEST_DATABASE_USER", "postgres"),
			getEnv("PGM_TEST_DATABASE_PASSWORD", ""),
			host,
			getEnv("PGM_TEST_DATABASE_PORT", "5432"),
			getEnv("PGM_TEST_DATABASE_NAME", "postgres"),
			getEnv("PGM_TEST_DATABASE_SSLMODE", "disable"),
		),
	}
}

// buildDatabaseURL constructs a PostgreSQL connection string.
func buildDatabaseURL(user, password, host, port, dbname, sslmode string) string {
	if password != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			user, password, host, port, dbname, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s",
		user, host, port, dbname, sslmode)
}

// getEnv gets an environment variable with a fallback default value.
func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
