// Package doctor provides health checks for a pgm project and the database it
// is applied to.
//
// The doctor command validates that the project directory loads, that the
// ledger is readable, that every object the ledger records still exists in the
// database catalog, and reports what the next apply would do.
//
// Example usage:
//
//	d := doctor.New(db, "postgres", migrator.Options{})
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pthm/pgm"
	"github.com/pthm/pgm/pkg/ledger"
	"github.com/pthm/pgm/pkg/migrator"
	"github.com/pthm/pgm/pkg/planner"
	"github.com/pthm/pgm/pkg/project"
)

// Status represents the result of a health check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

// CheckResult represents the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g., "Project", "Ledger").
	Category string

	// Name is a short identifier for the check.
	Name string

	Status  Status
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// Report contains all health check results.
type Report struct {
	Checks []CheckResult

	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Print writes the report to the given writer.
func (r *Report) Print(w io.Writer, verbose bool) {
	categories := make(map[string][]CheckResult)
	var categoryOrder []string
	for _, check := range r.Checks {
		if _, exists := categories[check.Category]; !exists {
			categoryOrder = append(categoryOrder, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, cat := range categoryOrder {
		_, _ = fmt.Fprintf(w, "\n%s\n", cat)
		for _, check := range categories[cat] {
			_, _ = fmt.Fprintf(w, "  %s %s\n", check.Status.Symbol(), check.Message)
			if verbose && check.Details != "" {
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", check.FixHint)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

const (
	categoryProject  = "Project"
	categoryLedger   = "Ledger"
	categoryObjects  = "Database Objects"
	categoryPlan     = "Pending Changes"
	categoryDatabase = "Database"
)

// Doctor performs health checks on a project and its database.
type Doctor struct {
	db   migrator.Execer
	root string
	opts migrator.Options

	// Table overrides the ledger table; empty selects the default.
	Table string

	// Cached data from checks (populated during Run)
	project *project.Project
	entries []*ledger.Entry
}

// New creates a new Doctor instance.
func New(db migrator.Execer, root string, opts migrator.Options) *Doctor {
	return &Doctor{
		db:   db,
		root: root,
		opts: opts,
	}
}

// Run executes all health checks and returns a report. Errors are returned
// only when a check itself cannot run, e.g. the connection drops.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	d.checkProject(report)
	if err := d.checkDatabase(ctx, report); err != nil {
		return nil, fmt.Errorf("checking database: %w", err)
	}
	if err := d.checkLedger(ctx, report); err != nil {
		return nil, fmt.Errorf("checking ledger: %w", err)
	}
	if err := d.checkObjects(ctx, report); err != nil {
		return nil, fmt.Errorf("checking database objects: %w", err)
	}
	if err := d.checkPlan(ctx, report); err != nil {
		return nil, fmt.Errorf("checking pending changes: %w", err)
	}

	return report, nil
}

// checkProject validates the project directory exists and loads.
func (d *Doctor) checkProject(report *Report) {
	if err := project.RequireRoot(d.root); err != nil {
		report.AddCheck(CheckResult{
			Category: categoryProject,
			Name:     "exists",
			Status:   StatusFail,
			Message:  fmt.Sprintf("Project directory not found at %s", d.root),
			FixHint:  "Run 'pgm init' or point --path at an existing project",
		})
		return
	}

	report.AddCheck(CheckResult{
		Category: categoryProject,
		Name:     "exists",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Project directory exists at %s", d.root),
	})

	p, err := project.Load(d.root)
	if err != nil {
		report.AddCheck(CheckResult{
			Category: categoryProject,
			Name:     "valid",
			Status:   StatusFail,
			Message:  "Project has invalid files",
			Details:  err.Error(),
			FixHint:  projectFixHint(err),
		})
		return
	}
	d.project = p

	counts := make([]string, 0, len(project.Kinds)+1)
	for _, kind := range project.Kinds {
		counts = append(counts, fmt.Sprintf("%d %s", len(p.ObjectsOfKind(kind)), kind.Dir()))
	}
	counts = append(counts, fmt.Sprintf("%d migrations", len(p.Migrations)))

	report.AddCheck(CheckResult{
		Category: categoryProject,
		Name:     "valid",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Project loads (%s)", strings.Join(counts, ", ")),
	})
}

func projectFixHint(err error) string {
	switch {
	case errors.Is(err, pgm.ErrInvalidMigrationName):
		return "Name migrations NNNNN_description.sql"
	case errors.Is(err, pgm.ErrDuplicateObject):
		return "Keep one file per object name and kind"
	case errors.Is(err, pgm.ErrInvalidObjectName):
		return "Use schema.name or name for object file names"
	}
	return ""
}

// checkDatabase reports the server version.
func (d *Doctor) checkDatabase(ctx context.Context, report *Report) error {
	var version string
	if err := d.db.QueryRowContext(ctx, `SHOW server_version`).Scan(&version); err != nil {
		return err
	}
	report.AddCheck(CheckResult{
		Category: categoryDatabase,
		Name:     "version",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Connected to PostgreSQL %s", version),
	})
	return nil
}

// checkLedger validates the ledger table and its rows.
func (d *Doctor) checkLedger(ctx context.Context, report *Report) error {
	l := ledger.New(d.Table, nil)

	exists, err := l.Exists(ctx, d.db)
	if err != nil {
		return err
	}
	if !exists {
		report.AddCheck(CheckResult{
			Category: categoryLedger,
			Name:     "table_exists",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%s table does not exist", l.Table()),
			Details:  "Nothing has been applied to this database yet",
			FixHint:  "Run 'pgm apply' (or 'pgm apply --fake' for an existing database)",
		})
		return nil
	}

	report.AddCheck(CheckResult{
		Category: categoryLedger,
		Name:     "table_exists",
		Status:   StatusPass,
		Message:  fmt.Sprintf("%s table exists", l.Table()),
	})

	entries, err := l.Entries(ctx, d.db)
	if err != nil {
		return err
	}
	d.entries = entries

	snap := ledger.NewSnapshot()
	var fakes int
	for _, e := range entries {
		snap.Add(e)
		if e.Fake {
			fakes++
		}
	}

	report.AddCheck(CheckResult{
		Category: categoryLedger,
		Name:     "entries",
		Status:   StatusPass,
		Message: fmt.Sprintf("%d objects and %d migrations recorded (%d faked)",
			len(snap.Objects), len(snap.Migrations), fakes),
	})

	if len(snap.Unknown) > 0 {
		var lines []string
		for _, e := range snap.Unknown {
			lines = append(lines, fmt.Sprintf("%s %s", e.Kind, e.Name))
		}
		report.AddCheck(CheckResult{
			Category: categoryLedger,
			Name:     "unknown_kinds",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d rows have an unrecognized kind", len(snap.Unknown)),
			Details:  strings.Join(lines, "\n"),
			FixHint:  "Upgrade pgm; these rows were written by a newer version",
		})
	}
	return nil
}

// checkObjects verifies every recorded object is still in the catalog.
func (d *Doctor) checkObjects(ctx context.Context, report *Report) error {
	if d.entries == nil {
		return nil
	}

	var checked int
	var missing []string
	for _, e := range d.entries {
		kind, err := project.ParseKind(e.Kind)
		if err != nil || e.IsMigration() {
			continue
		}
		checked++
		ok, err := d.objectExists(ctx, kind, e.Name)
		if err != nil {
			return fmt.Errorf("looking up %s %s: %w", e.Kind, e.Name, err)
		}
		if !ok {
			missing = append(missing, project.Key{Kind: kind, Name: e.Name}.String())
		}
	}

	if len(missing) > 0 {
		report.AddCheck(CheckResult{
			Category: categoryObjects,
			Name:     "present",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d of %d recorded objects are missing from the database", len(missing), checked),
			Details:  strings.Join(missing, "\n"),
			FixHint:  "Something dropped them outside pgm; delete their ledger rows and run 'pgm apply'",
		})
		return nil
	}

	report.AddCheck(CheckResult{
		Category: categoryObjects,
		Name:     "present",
		Status:   StatusPass,
		Message:  fmt.Sprintf("All %d recorded objects exist", checked),
	})
	return nil
}

const functionExistsQuery = `
	SELECT EXISTS (
		SELECT 1 FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		WHERE p.proname = $2
		AND n.nspname = coalesce($1, current_schema())
	)
`

const relationExistsQuery = `
	SELECT EXISTS (
		SELECT 1 FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relname = $2
		AND c.relkind = $3
		AND n.nspname = coalesce($1, current_schema())
	)
`

func (d *Doctor) objectExists(ctx context.Context, kind project.Kind, name string) (bool, error) {
	var schema sql.NullString
	if s, n, ok := strings.Cut(name, "."); ok {
		schema = sql.NullString{String: s, Valid: true}
		name = n
	}

	var exists bool
	var err error
	switch kind {
	case project.Function, project.Trigger:
		err = d.db.QueryRowContext(ctx, functionExistsQuery, schema, name).Scan(&exists)
	case project.View:
		err = d.db.QueryRowContext(ctx, relationExistsQuery, schema, name, "v").Scan(&exists)
	case project.MaterializedView:
		err = d.db.QueryRowContext(ctx, relationExistsQuery, schema, name, "m").Scan(&exists)
	default:
		return true, nil
	}
	return exists, err
}

// checkPlan reports what the next apply would do.
func (d *Doctor) checkPlan(ctx context.Context, report *Report) error {
	if d.project == nil {
		return nil
	}

	m := migrator.NewMigrator(d.db, d.Table, nil)
	status, err := m.GetStatus(ctx, d.project, d.opts)
	if err != nil {
		if pgm.IsDriftErr(err) {
			report.AddCheck(CheckResult{
				Category: categoryPlan,
				Name:     "plan",
				Status:   StatusFail,
				Message:  "Applied migrations have changed",
				Details:  err.Error(),
				FixHint:  "Restore the applied migration files or set apply.drift_policy to warn",
			})
			return nil
		}
		return err
	}

	pending := status.Plan.Pending()
	if len(pending) == 0 {
		report.AddCheck(CheckResult{
			Category: categoryPlan,
			Name:     "in_sync",
			Status:   StatusPass,
			Message:  "Database is in sync with the project",
		})
	} else {
		lines := make([]string, 0, len(pending))
		for _, a := range pending {
			lines = append(lines, fmt.Sprintf("%s %s (%s)", a.Kind, a.Target(), a.Reason))
		}
		report.AddCheck(CheckResult{
			Category: categoryPlan,
			Name:     "in_sync",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d pending changes", len(pending)),
			Details:  strings.Join(lines, "\n"),
			FixHint:  "Run 'pgm apply --dry-run' to review, then 'pgm apply'",
		})
	}

	for _, kind := range []planner.WarningKind{planner.Drift, planner.OutOfOrder, planner.MissingMigration, planner.Orphaned} {
		var lines []string
		for _, w := range status.Plan.Warnings {
			if w.Kind == kind {
				lines = append(lines, w.Message)
			}
		}
		if len(lines) == 0 {
			continue
		}
		report.AddCheck(CheckResult{
			Category: categoryPlan,
			Name:     kind.String(),
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d %s warnings", len(lines), kind),
			Details:  strings.Join(lines, "\n"),
			FixHint:  warningFixHint(kind),
		})
	}
	return nil
}

func warningFixHint(kind planner.WarningKind) string {
	switch kind {
	case planner.Drift:
		return "Applied migrations never re-run; put the change in a new migration"
	case planner.OutOfOrder:
		return "Renumber the migration or pass --allow-out-of-order"
	case planner.MissingMigration:
		return "Restore the deleted migration file"
	case planner.Orphaned:
		return "Drop the object with a migration if it is no longer wanted"
	}
	return ""
}
