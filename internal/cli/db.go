package cli

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/lib/pq"              // registers "postgres"
)

// OpenDB opens and pings the configured database. dsnOverride, typically the
// --db flag, takes precedence over the configuration.
func OpenDB(ctx context.Context, cfg *Config, dsnOverride string) (*sql.DB, error) {
	driver, err := cfg.DriverName()
	if err != nil {
		return nil, ConfigError("database configuration", err)
	}
	dsn := dsnOverride
	if dsn == "" {
		if dsn, err = cfg.DSN(); err != nil {
			return nil, ConfigError("database configuration", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, DBConnectError("connecting to database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, DBConnectError(fmt.Sprintf("connecting to database (%s driver)", driver), err)
	}
	return db, nil
}
