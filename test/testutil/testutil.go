// Package testutil provides shared test utilities for pgm integration tests.
//
// Every helper hands out a freshly created, isolated database inside one
// shared PostgreSQL instance, so tests may run in parallel and mutate freely.
package testutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Singleton container state
var (
	singletonOnce sync.Once
	singletonDSN  string
	singletonErr  error
)

// ensureSingleton lazily resolves the admin DSN: an external server when
// configured through the environment, otherwise a PostgreSQL container.
// Safe for concurrent access via sync.Once.
func ensureSingleton() (string, error) {
	singletonOnce.Do(func() {
		if cfg := GetDatabaseConfig(); cfg.URL != "" {
			singletonDSN = cfg.URL
			return
		}

		ctx := context.Background()

		container, err := postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("postgres"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_INITDB_ARGS": "--auth-host=trust",
			}),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			singletonErr = fmt.Errorf("failed to start PostgreSQL container: %w", err)
			return
		}

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = container.Terminate(ctx)
			singletonErr = fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
			return
		}

		singletonDSN = dsn
		// Container is not stored - ryuk will handle cleanup automatically
	})

	return singletonDSN, singletonErr
}

// EmptyDB returns a connection to a new, empty database.
// The database is dropped when the test completes.
// Integration tests are skipped under -short.
func EmptyDB(tb testing.TB) *sql.DB {
	tb.Helper()
	db, _ := EmptyDBWithDSN(tb)
	return db
}

// EmptyDBWithDSN is EmptyDB that also returns the database's DSN, for tests
// that need a second client such as pg_dump.
func EmptyDBWithDSN(tb testing.TB) (*sql.DB, string) {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skipping integration test in short mode")
	}

	adminDSN, err := ensureSingleton()
	require.NoError(tb, err, "failed to start PostgreSQL")

	dbName := uniqueDBName("pgm")
	err = createDatabase(adminDSN, dbName)
	require.NoError(tb, err, "failed to create empty database")

	dsn, err := replaceDBName(adminDSN, dbName)
	require.NoError(tb, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(tb, err, "failed to connect to empty database")
	require.NoError(tb, db.Ping(), "failed to ping empty database")

	registerCleanup(tb, db, adminDSN, dbName)
	return db, dsn
}

// registerCleanup closes the connection and drops the database.
// The drop runs in a goroutine to not block the test.
func registerCleanup(tb testing.TB, db *sql.DB, adminDSN, dbName string) {
	tb.Cleanup(func() {
		_ = db.Close()

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = dropDatabase(ctx, adminDSN, dbName)
		}()
	})
}

// uniqueDBName generates a unique database name with the given prefix.
func uniqueDBName(prefix string) string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

func createDatabase(adminDSN, name string) error {
	db, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.Exec("CREATE DATABASE " + pq.QuoteIdentifier(name))
	return err
}

func dropDatabase(ctx context.Context, adminDSN, name string) error {
	db, err := sql.Open("pgx", adminDSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pq.QuoteIdentifier(name)+" WITH (FORCE)")
	return err
}

// replaceDBName swaps the database path segment of a URL-form DSN.
func replaceDBName(dsn, dbName string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parsing DSN: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}
