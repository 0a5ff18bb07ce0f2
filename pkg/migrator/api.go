package migrator

import (
	"context"
	"log/slog"

	"github.com/pthm/pgm/pkg/project"
)

// Apply loads the project at root and reconciles the database with it in one
// operation. This is the recommended high-level API for most applications.
//
// Apply is idempotent - safe to call on every application startup. Objects
// whose fingerprint matches the ledger are skipped, applied migrations never
// run again, and everything else is applied atomically within a transaction.
//
// Apply workflow:
//  1. Loads and validates the project directory
//  2. Takes the ledger lock and reads the ledger
//  3. Plans functions, triggers, migrations, views, materialized views
//  4. Executes pending actions and records them in the ledger
//  5. Commits, or rolls everything back on the first failure
//
// Example usage on application startup:
//
//	if err := migrator.Apply(ctx, db, "postgres", migrator.Options{}); err != nil {
//	    log.Fatalf("apply failed: %v", err)
//	}
//
// Preview without applying:
//
//	err := migrator.Apply(ctx, db, "postgres", migrator.Options{DryRun: os.Stdout})
func Apply(ctx context.Context, db Execer, root string, opts Options) error {
	_, err := ApplyWithResult(ctx, db, root, opts, nil)
	return err
}

// ApplyWithResult is Apply with a logger and the run's Result returned,
// for callers that report what happened.
func ApplyWithResult(ctx context.Context, db Execer, root string, opts Options, logger *slog.Logger) (*Result, error) {
	p, err := project.Load(root)
	if err != nil {
		return nil, err
	}
	return NewMigrator(db, "", logger).Run(ctx, p, opts)
}

// ApplySeeds loads the project at root and runs all of its seeds in one
// transaction. Seeds are not tracked; they run on every call.
func ApplySeeds(ctx context.Context, db Execer, root string) error {
	p, err := project.Load(root)
	if err != nil {
		return err
	}
	return NewMigrator(db, "", nil).Seed(ctx, p.Seeds)
}
