package migrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pthm/pgm"
	"github.com/pthm/pgm/pkg/ledger"
	"github.com/pthm/pgm/pkg/planner"
	"github.com/pthm/pgm/pkg/project"
)

// DefaultLockTimeout bounds how long a run waits for another run's lock.
const DefaultLockTimeout = 10 * time.Second

// Options controls an apply run.
type Options struct {
	// DryRun writes the plan report to the provided writer instead of
	// applying it. A dry run opens no transaction and takes no lock.
	DryRun io.Writer

	// Fake records pending migrations in the ledger without executing them.
	// Functions, triggers and views are still applied for real.
	Fake bool

	// AllowOutOfOrder runs unapplied migrations numbered below the highest
	// applied one.
	AllowOutOfOrder bool

	DriftPolicy planner.DriftPolicy

	// LockTimeout bounds the wait for the ledger lock. Zero means
	// DefaultLockTimeout.
	LockTimeout time.Duration

	// SkipBodyValidation disables the second pass that re-creates changed
	// functions and triggers with check_function_bodies enabled.
	SkipBodyValidation bool

	// Color highlights the dry-run report for a terminal.
	Color bool
}

func (o Options) planOptions() planner.Options {
	return planner.Options{
		Fake:            o.Fake,
		AllowOutOfOrder: o.AllowOutOfOrder,
		DriftPolicy:     o.DriftPolicy,
	}
}

func (o Options) lockTimeout() time.Duration {
	if o.LockTimeout <= 0 {
		return DefaultLockTimeout
	}
	return o.LockTimeout
}

// Result describes a finished run.
type Result struct {
	RunID uuid.UUID
	Plan  *planner.Plan

	// Applied lists the actions that were executed or recorded, in order.
	// It is empty for dry runs and failed runs.
	Applied []*planner.Action

	DryRun   bool
	Duration time.Duration
}

// Migrator reconciles a database with a project directory.
//
// A real run is one transaction: the ledger lock, every object and migration
// statement and the ledger rows commit together or not at all.
//
// # Usage
//
// Use the convenience functions in this package for most use cases:
//
//	err := migrator.Apply(ctx, db, "postgres", migrator.Options{})
//
// Use the Migrator directly when the project is already loaded or the
// ledger lives in a non-default table:
//
//	p, _ := project.Load("postgres")
//	m := migrator.NewMigrator(db, "ops.pgm_ledger", logger)
//	res, err := m.Run(ctx, p, migrator.Options{})
type Migrator struct {
	db     Execer
	ledger *ledger.Ledger
	logger *slog.Logger
}

// NewMigrator creates a migrator writing to the given ledger table (empty
// means ledger.DefaultTable). The Execer is typically *sql.DB; real runs
// require a handle that implements TxBeginner.
func NewMigrator(db Execer, table string, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Migrator{
		db:     db,
		ledger: ledger.New(table, logger),
		logger: logger,
	}
}

// Ledger returns the ledger the migrator records into.
func (m *Migrator) Ledger() *ledger.Ledger {
	return m.ledger
}

// Run plans p against the ledger and applies the plan, or only reports it
// when opts.DryRun is set.
func (m *Migrator) Run(ctx context.Context, p *project.Project, opts Options) (*Result, error) {
	start := time.Now()
	m.ledger.Reset()

	res := &Result{RunID: uuid.New(), DryRun: opts.DryRun != nil}
	logger := m.logger.With("run_id", res.RunID)

	if opts.DryRun != nil {
		plan, err := m.plan(ctx, m.db, p, opts)
		if err != nil {
			return nil, err
		}
		res.Plan = plan
		logWarnings(logger, plan)
		if err := writeReport(opts.DryRun, plan, opts.Color); err != nil {
			return nil, fmt.Errorf("writing dry-run report: %w", err)
		}
		res.Duration = time.Since(start)
		return res, nil
	}

	txer, ok := m.db.(TxBeginner)
	if !ok {
		return nil, fmt.Errorf("%w: apply needs a database handle that can begin transactions", pgm.ErrConfig)
	}
	tx, err := txer.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err, "starting transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.ledger.Acquire(ctx, tx, opts.lockTimeout()); err != nil {
		if pgm.IsLockHeldErr(err) {
			return nil, err
		}
		return nil, classify(err, "acquiring ledger lock")
	}
	if err := m.ledger.EnsureTable(ctx, tx); err != nil {
		return nil, classify(err, "creating ledger")
	}

	plan, err := m.plan(ctx, tx, p, opts)
	if err != nil {
		return nil, err
	}
	res.Plan = plan
	logWarnings(logger, plan)

	pending := plan.Pending()
	if len(pending) == 0 {
		logger.Info("nothing to apply")
		if err := tx.Commit(); err != nil {
			return nil, classify(err, "committing")
		}
		res.Duration = time.Since(start)
		return res, nil
	}

	if _, err := tx.ExecContext(ctx, "SET LOCAL check_function_bodies = off"); err != nil {
		return nil, classify(err, "disabling body checks")
	}
	for _, a := range pending {
		if err := m.execute(ctx, tx, logger, a); err != nil {
			logger.Error("apply failed, rolling back", "target", a.Target(), "error", err)
			return nil, err
		}
		m.ledger.Record(a.Entry(res.RunID))
	}

	if !opts.SkipBodyValidation {
		if err := m.validateBodies(ctx, tx, logger, pending); err != nil {
			logger.Error("body validation failed, rolling back", "error", err)
			return nil, err
		}
	}

	if err := verifyRelations(ctx, tx, pending); err != nil {
		logger.Error("relation missing after apply, rolling back", "error", err)
		return nil, err
	}
	if err := m.ledger.Commit(ctx, tx); err != nil {
		return nil, classify(err, "writing ledger")
	}
	if err := tx.Commit(); err != nil {
		return nil, classify(err, "committing")
	}

	res.Applied = pending
	res.Duration = time.Since(start)
	logger.Info("apply complete", "actions", len(pending), "duration", res.Duration)
	return res, nil
}

func (m *Migrator) plan(ctx context.Context, db Execer, p *project.Project, opts Options) (*planner.Plan, error) {
	snap, err := m.ledger.Load(ctx, db)
	if err != nil {
		return nil, classify(err, "reading ledger")
	}
	return planner.Build(p, snap, opts.planOptions())
}

func (m *Migrator) execute(ctx context.Context, tx Execer, logger *slog.Logger, a *planner.Action) error {
	if a.Kind == planner.MarkFake {
		logger.Info("recorded without running", "target", a.Target())
		return nil
	}
	for _, stmt := range a.SQL {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return actionError(a, err)
		}
	}
	logger.Info("applied", "action", a.Kind, "target", a.Target(), "reason", a.Reason)
	return nil
}

// validateBodies re-creates the pending functions and triggers with body
// checking on, so references that only resolved after later actions ran are
// verified before commit.
func (m *Migrator) validateBodies(ctx context.Context, tx Execer, logger *slog.Logger, pending []*planner.Action) error {
	var checked int
	for _, a := range pending {
		if a.Object == nil || (a.Object.Kind != project.Function && a.Object.Kind != project.Trigger) {
			continue
		}
		if checked == 0 {
			if _, err := tx.ExecContext(ctx, "SET LOCAL check_function_bodies = on"); err != nil {
				return classify(err, "enabling body checks")
			}
		}
		if _, err := tx.ExecContext(ctx, a.Object.Source); err != nil {
			return actionError(a, err)
		}
		checked++
	}
	if checked > 0 {
		logger.Debug("function bodies validated", "count", checked)
	}
	return nil
}

// verifyRelations checks that every view and materialized view about to be
// recorded exists, so a relation lost to a cascading drop is never committed
// to the ledger as applied.
func verifyRelations(ctx context.Context, tx Execer, pending []*planner.Action) error {
	for _, a := range pending {
		if a.Object == nil || (a.Object.Kind != project.View && a.Object.Kind != project.MaterializedView) {
			continue
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, a.Object.Name).Scan(&exists); err != nil {
			return actionError(a, err)
		}
		if !exists {
			return actionError(a, fmt.Errorf("%s does not exist after apply; it was dropped by a later cascade or its file creates a different relation", a.Target()))
		}
	}
	return nil
}

func logWarnings(logger *slog.Logger, plan *planner.Plan) {
	for _, w := range plan.Warnings {
		logger.Warn(w.Message, "kind", w.Kind)
	}
}

// Seed runs every seed in name order inside one transaction. Seeds are not
// recorded in the ledger and run again on every call.
func (m *Migrator) Seed(ctx context.Context, seeds []*project.Seed) error {
	txer, ok := m.db.(TxBeginner)
	if !ok {
		return fmt.Errorf("%w: seeding needs a database handle that can begin transactions", pgm.ErrConfig)
	}
	tx, err := txer.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "starting transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for _, s := range seeds {
		if _, err := tx.ExecContext(ctx, s.Source); err != nil {
			return executionError("seed "+s.Name, err)
		}
		m.logger.Info("seeded", "seed", s.Name)
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "committing")
	}
	return nil
}

// Status represents the reconciliation state of a database.
type Status struct {
	// LedgerExists is false for a database pgm has never applied to.
	LedgerExists bool

	// Entries are the ledger rows, ordered by kind, sequence and name.
	Entries []*ledger.Entry

	// Plan is what an apply with the same options would do now.
	Plan *planner.Plan
}

// GetStatus reads the ledger and plans p against it without taking the lock
// or writing anything.
func (m *Migrator) GetStatus(ctx context.Context, p *project.Project, opts Options) (*Status, error) {
	exists, err := m.ledger.Exists(ctx, m.db)
	if err != nil {
		return nil, classify(err, "checking ledger")
	}
	entries, err := m.ledger.Entries(ctx, m.db)
	if err != nil {
		return nil, classify(err, "reading ledger")
	}
	snap := ledger.NewSnapshot()
	for _, e := range entries {
		snap.Add(e)
	}
	plan, err := planner.Build(p, snap, opts.planOptions())
	if err != nil {
		return nil, err
	}
	return &Status{LedgerExists: exists, Entries: entries, Plan: plan}, nil
}
