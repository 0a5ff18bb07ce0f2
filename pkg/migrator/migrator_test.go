package migrator_test

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/pgm"
	"github.com/pthm/pgm/pkg/ledger"
	"github.com/pthm/pgm/pkg/migrator"
	"github.com/pthm/pgm/pkg/planner"
	"github.com/pthm/pgm/pkg/project"
	"github.com/pthm/pgm/test/testutil"
)

const (
	itemsMigration = `CREATE TABLE items (id serial PRIMARY KEY, name text NOT NULL);`
	addOneV1       = `CREATE OR REPLACE FUNCTION add_one(x int) RETURNS int LANGUAGE sql AS $$ SELECT x + 1 $$;`
	addOneV2       = `CREATE OR REPLACE FUNCTION add_one(x int) RETURNS int LANGUAGE sql AS $$ SELECT x + 100 $$;`
	itemNamesView  = `CREATE VIEW item_names AS SELECT name FROM items;`
)

func writeProject(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func queryInt(t *testing.T, db *sql.DB, query string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(context.Background(), query).Scan(&n))
	return n
}

func relationExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var ok bool
	require.NoError(t, db.QueryRowContext(context.Background(), `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&ok))
	return ok
}

func apply(t *testing.T, db *sql.DB, root string, opts migrator.Options) (*migrator.Result, error) {
	t.Helper()
	return migrator.ApplyWithResult(context.Background(), db, root, opts, nil)
}

func mustLoad(t *testing.T, root string) *project.Project {
	t.Helper()
	p, err := project.Load(root)
	require.NoError(t, err)
	return p
}

func baseProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeProject(t, root, map[string]string{
		"functions/add_one.sql":                  addOneV1,
		"migrations/00001_create_items.sql":      itemsMigration,
		"views/item_names.sql":                   itemNamesView,
		"materialized-views/item_name_count.sql": `CREATE MATERIALIZED VIEW item_name_count AS SELECT count(*) AS n FROM item_names;`,
	})
	return root
}

func TestApplyIsIdempotent(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := baseProject(t)

	res, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)
	assert.Len(t, res.Applied, 4)
	assert.Equal(t, 2, queryInt(t, db, `SELECT add_one(1)`))
	assert.True(t, relationExists(t, db, "item_name_count"))

	res, err = apply(t, db, root, migrator.Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.True(t, res.Plan.Empty())
	assert.Equal(t, 4, res.Plan.Counts()[planner.Skip])
}

func TestApplyRecordsRunID(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := baseProject(t)

	res, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)

	entries, err := ledger.New("", nil).Entries(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, res.RunID, e.RunID, "%s %s", e.Kind, e.Name)
		assert.False(t, e.Fake)
	}
}

func TestApplyReplacesChangedFunction(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := baseProject(t)

	_, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)

	writeProject(t, root, map[string]string{"functions/add_one.sql": addOneV2})
	res, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, planner.Replace, res.Applied[0].Kind)
	assert.Equal(t, 101, queryInt(t, db, `SELECT add_one(1)`))
}

func TestApplyFormattingOnlyChangeIsSkipped(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := baseProject(t)

	_, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)

	writeProject(t, root, map[string]string{
		"functions/add_one.sql": "-- bumps x\nCREATE OR REPLACE FUNCTION add_one(x int)\n    RETURNS int\n    LANGUAGE sql\nAS $$ SELECT x + 1 $$;\n",
	})
	res, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
}

func TestApplyRollsBackOnFailure(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	root := baseProject(t)

	_, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)
	before, err := ledger.New("", nil).Entries(ctx, db)
	require.NoError(t, err)

	writeProject(t, root, map[string]string{
		"functions/add_one.sql":          addOneV2,
		"migrations/00002_add_price.sql": `ALTER TABLE items ADD COLUMN price numeric;`,
		"migrations/00003_broken.sql":    `ALTER TABLE no_such_table ADD COLUMN x int;`,
	})
	_, err = apply(t, db, root, migrator.Options{})
	require.Error(t, err)
	assert.True(t, pgm.IsExecutionErr(err))

	var execErr *pgm.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "migration 00003_broken", execErr.Target)
	assert.Equal(t, "42P01", execErr.Code)

	// Nothing from the failed run survives.
	assert.Equal(t, 2, queryInt(t, db, `SELECT add_one(1)`))
	assert.Equal(t, 0, queryInt(t, db, `SELECT count(*) FROM information_schema.columns WHERE table_name = 'items' AND column_name = 'price'`))
	after, err := ledger.New("", nil).Entries(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestFakeNeverRunsMigrationSQL(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := t.TempDir()
	writeProject(t, root, map[string]string{
		"migrations/00000_baseline.sql": `CREATE TABLE accounts (id int PRIMARY KEY);`,
		"functions/answer.sql":          `CREATE OR REPLACE FUNCTION answer() RETURNS int LANGUAGE sql AS $$ SELECT 42 $$;`,
	})

	res, err := apply(t, db, root, migrator.Options{Fake: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Plan.Counts()[planner.MarkFake])
	assert.False(t, relationExists(t, db, "accounts"), "fake apply must not run migration SQL")
	assert.Equal(t, 42, queryInt(t, db, `SELECT answer()`), "objects are applied for real")

	entries, err := ledger.New("", nil).Entries(context.Background(), db)
	require.NoError(t, err)
	var fakes int
	for _, e := range entries {
		if e.IsMigration() {
			assert.True(t, e.Fake)
			fakes++
		}
	}
	assert.Equal(t, 1, fakes)

	res, err = apply(t, db, root, migrator.Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Applied, "a faked migration counts as applied")
	assert.False(t, relationExists(t, db, "accounts"))
}

func TestDryRunDoesNotMutate(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := baseProject(t)

	var buf bytes.Buffer
	res, err := apply(t, db, root, migrator.Options{DryRun: &buf})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Empty(t, res.Applied)

	out := buf.String()
	assert.Contains(t, out, "-- [create] function add_one (not applied)")
	assert.Contains(t, out, "-- [run] migration 00001_create_items (not applied)")
	assert.Contains(t, out, itemsMigration)

	exists, err := ledger.New("", nil).Exists(context.Background(), db)
	require.NoError(t, err)
	assert.False(t, exists, "dry run must not create the ledger")
	assert.False(t, relationExists(t, db, "items"))
}

func TestDryRunShowsDiffForReplacedObjects(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := baseProject(t)

	_, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)

	writeProject(t, root, map[string]string{"functions/add_one.sql": addOneV2})
	var buf bytes.Buffer
	_, err = apply(t, db, root, migrator.Options{DryRun: &buf})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "-- [replace] function add_one (source changed)")
	assert.Contains(t, out, "-- -"+addOneV1)
	assert.Contains(t, out, "-- +"+addOneV2)
	assert.Equal(t, 2, queryInt(t, db, `SELECT add_one(1)`))
}

func TestApplyFailsWhenLockHeld(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	root := baseProject(t)

	holder, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = holder.Rollback() }()
	require.NoError(t, ledger.New("", nil).Acquire(ctx, holder, 0))

	_, err = apply(t, db, root, migrator.Options{LockTimeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, pgm.IsLockHeldErr(err))
	assert.False(t, relationExists(t, db, "items"))

	require.NoError(t, holder.Rollback())
	_, err = apply(t, db, root, migrator.Options{})
	require.NoError(t, err)
}

func TestDriftWarnsAndNeverReruns(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := baseProject(t)

	_, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)

	writeProject(t, root, map[string]string{
		"migrations/00001_create_items.sql": `CREATE TABLE items (id bigserial PRIMARY KEY, name text);`,
	})
	res, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	drift := res.Plan.DriftWarnings()
	require.Len(t, drift, 1)
	assert.Equal(t, int64(1), drift[0].Sequence)

	_, err = apply(t, db, root, migrator.Options{DriftPolicy: planner.DriftError})
	assert.True(t, pgm.IsDriftErr(err))
}

func TestViewReplaceRebuildsDependents(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := baseProject(t)

	_, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)

	writeProject(t, root, map[string]string{
		"views/item_names.sql": `CREATE VIEW item_names AS SELECT upper(name) AS name FROM items;`,
	})
	res, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)
	require.Len(t, res.Applied, 2)
	assert.Equal(t, "dependent rebuild", res.Applied[1].Reason)
	assert.True(t, relationExists(t, db, "item_name_count"), "cascade-dropped materialized view is rebuilt")
}

func execAll(t *testing.T, db *sql.DB, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := db.ExecContext(context.Background(), stmt)
		require.NoError(t, err)
	}
}

func TestRebuildNeverRecordsCascadeDroppedView(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	execAll(t, db,
		`CREATE VIEW b_base AS SELECT 1 AS n`,
		`CREATE VIEW a_report AS SELECT n FROM b_base`,
	)

	root := t.TempDir()
	writeProject(t, root, map[string]string{
		"views/a_report.sql": `CREATE OR REPLACE VIEW a_report AS SELECT n FROM b_base;`,
		"views/b_base.sql":   `CREATE OR REPLACE VIEW b_base AS SELECT 1 AS n;`,
	})
	_, err := apply(t, db, root, migrator.Options{Fake: true})
	require.NoError(t, err)
	before, err := ledger.New("", nil).Entries(ctx, db)
	require.NoError(t, err)
	require.Len(t, before, 2)

	// a_report sorts before the view it selects from, so the rebuild cannot
	// re-create it and the whole run must roll back.
	writeProject(t, root, map[string]string{
		"views/b_base.sql": `CREATE OR REPLACE VIEW b_base AS SELECT 2 AS n;`,
	})
	_, err = apply(t, db, root, migrator.Options{})
	require.Error(t, err)
	var execErr *pgm.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "view a_report", execErr.Target)

	assert.True(t, relationExists(t, db, "a_report"))
	assert.Equal(t, 1, queryInt(t, db, `SELECT n FROM a_report`))
	after, err := ledger.New("", nil).Entries(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRebuildKeepsViewsInNameOrder(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := t.TempDir()
	writeProject(t, root, map[string]string{
		"views/a_base.sql":            `CREATE OR REPLACE VIEW a_base AS SELECT 1 AS n;`,
		"views/b_report.sql":          `CREATE OR REPLACE VIEW b_report AS SELECT n FROM a_base;`,
		"materialized-views/c_mv.sql": `CREATE MATERIALIZED VIEW c_mv AS SELECT n FROM b_report;`,
	})
	_, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)

	writeProject(t, root, map[string]string{
		"views/a_base.sql": `CREATE OR REPLACE VIEW a_base AS SELECT 7 AS n;`,
	})
	res, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)
	assert.Len(t, res.Applied, 3)
	assert.Equal(t, 7, queryInt(t, db, `SELECT n FROM b_report`))
	assert.Equal(t, 7, queryInt(t, db, `SELECT n FROM c_mv`))
}

func TestViewOverMaterializedViewIsNeverLost(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	execAll(t, db,
		`CREATE MATERIALIZED VIEW mv AS SELECT 1 AS n`,
		`CREATE VIEW v_on_mv AS SELECT n FROM mv`,
	)

	root := t.TempDir()
	writeProject(t, root, map[string]string{
		"views/v_on_mv.sql":         `CREATE OR REPLACE VIEW v_on_mv AS SELECT n FROM mv;`,
		"materialized-views/mv.sql": `CREATE MATERIALIZED VIEW mv AS SELECT 1 AS n;`,
	})

	// Views are created before materialized views, so the rebuild the new
	// materialized view triggers fails instead of dropping v_on_mv.
	_, err := apply(t, db, root, migrator.Options{Fake: true})
	require.Error(t, err)
	var execErr *pgm.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "view v_on_mv", execErr.Target)

	assert.True(t, relationExists(t, db, "v_on_mv"))
	assert.True(t, relationExists(t, db, "mv"))
	entries, err := ledger.New("", nil).Entries(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFakeOnboardingRebuildsExistingRelations(t *testing.T) {
	db := testutil.EmptyDB(t)
	execAll(t, db,
		`CREATE TABLE items (id int)`,
		`CREATE VIEW item_ids AS SELECT id FROM items`,
		`CREATE MATERIALIZED VIEW item_total AS SELECT count(*)::int AS n FROM item_ids`,
	)

	root := t.TempDir()
	writeProject(t, root, map[string]string{
		"migrations/00000_baseline.sql":     `CREATE TABLE items (id int);`,
		"views/item_ids.sql":                `CREATE OR REPLACE VIEW item_ids AS SELECT id FROM items;`,
		"materialized-views/item_total.sql": `CREATE MATERIALIZED VIEW item_total AS SELECT count(*)::int AS n FROM item_ids;`,
	})
	res, err := apply(t, db, root, migrator.Options{Fake: true})
	require.NoError(t, err)
	assert.Len(t, res.Applied, 3)
	assert.True(t, relationExists(t, db, "item_ids"))
	assert.True(t, relationExists(t, db, "item_total"))
}

func TestApplyFailsWhenViewFileCreatesAnotherRelation(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	root := t.TempDir()
	writeProject(t, root, map[string]string{
		"views/ghost.sql": `CREATE OR REPLACE VIEW not_ghost AS SELECT 1 AS n;`,
	})

	_, err := apply(t, db, root, migrator.Options{})
	require.Error(t, err)
	assert.True(t, pgm.IsExecutionErr(err))
	var execErr *pgm.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "view ghost", execErr.Target)

	assert.False(t, relationExists(t, db, "not_ghost"))
	entries, err := ledger.New("", nil).Entries(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScaffoldedViewAppliesOverExistingView(t *testing.T) {
	db := testutil.EmptyDB(t)
	execAll(t, db, `CREATE VIEW placeholder_view AS SELECT 1 AS placeholder`)

	root := t.TempDir()
	path, content, err := project.NewObjectFile(root, project.View, "placeholder_view")
	require.NoError(t, err)
	require.NoError(t, project.WriteFile(path, content, false))

	res, err := apply(t, db, root, migrator.Options{Fake: true})
	require.NoError(t, err)
	assert.Equal(t, []string{content}, res.Applied[0].SQL)
	assert.True(t, relationExists(t, db, "placeholder_view"))
}

func TestFunctionBodiesValidatedAfterMigrations(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := baseProject(t)
	// Functions run before migrations, so this body only resolves once
	// 00001 has created the table.
	writeProject(t, root, map[string]string{
		"functions/item_total.sql": `CREATE OR REPLACE FUNCTION item_total() RETURNS bigint LANGUAGE sql AS $$ SELECT count(*) FROM items $$;`,
	})

	_, err := apply(t, db, root, migrator.Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, queryInt(t, db, `SELECT item_total()::int`))
}

func TestFunctionBodyValidationFailure(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, map[string]string{
		"functions/broken.sql": `CREATE OR REPLACE FUNCTION broken() RETURNS bigint LANGUAGE sql AS $$ SELECT count(*) FROM no_such_table $$;`,
	})

	t.Run("validated", func(t *testing.T) {
		db := testutil.EmptyDB(t)
		_, err := apply(t, db, root, migrator.Options{})
		var execErr *pgm.ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "function broken", execErr.Target)
	})

	t.Run("skipped", func(t *testing.T) {
		db := testutil.EmptyDB(t)
		_, err := apply(t, db, root, migrator.Options{SkipBodyValidation: true})
		require.NoError(t, err)
	})
}

func TestGetStatus(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	root := baseProject(t)

	p := mustLoad(t, root)
	m := migrator.NewMigrator(db, "", nil)

	status, err := m.GetStatus(ctx, p, migrator.Options{})
	require.NoError(t, err)
	assert.False(t, status.LedgerExists)
	assert.Len(t, status.Plan.Pending(), 4)

	_, err = m.Run(ctx, p, migrator.Options{})
	require.NoError(t, err)

	status, err = m.GetStatus(ctx, p, migrator.Options{})
	require.NoError(t, err)
	assert.True(t, status.LedgerExists)
	assert.Len(t, status.Entries, 4)
	assert.True(t, status.Plan.Empty())
}

func TestApplySeeds(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	root := baseProject(t)
	writeProject(t, root, map[string]string{
		"seeds/00001_widgets.sql": `INSERT INTO items (name) VALUES ('widget');`,
		"seeds/00002_gadgets.sql": `INSERT INTO items (name) VALUES ('gadget'), ('gizmo');`,
	})

	require.NoError(t, migrator.Apply(ctx, db, root, migrator.Options{}))
	require.NoError(t, migrator.ApplySeeds(ctx, db, root))
	assert.Equal(t, 3, queryInt(t, db, `SELECT count(*) FROM items`))

	writeProject(t, root, map[string]string{
		"seeds/00003_broken.sql": `INSERT INTO no_such_table VALUES (1);`,
	})
	err := migrator.ApplySeeds(ctx, db, root)
	var execErr *pgm.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "seed 00003_broken", execErr.Target)
	assert.Equal(t, 3, queryInt(t, db, `SELECT count(*) FROM items`), "seeds roll back together")
}
