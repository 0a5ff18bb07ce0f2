// Package main provides the pgm CLI.
//
// pgm keeps a PostgreSQL database in step with a directory of SQL files:
// re-appliable objects (functions, triggers, views, materialized views) are
// created or replaced when their file changes, and numbered migrations run
// exactly once. Every run is recorded in a ledger table.
//
// Usage:
//
//	pgm [flags] <command>
//
// Commands that touch the database (apply, seed, status, doctor and
// init --existing-db) read the connection from --db, pgm.yaml, PGM_DATABASE_URL
// or the libpq environment.
package main

func main() {
	Execute()
}
