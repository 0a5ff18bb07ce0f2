package doctor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/pgm/pkg/migrator"
	"github.com/pthm/pgm/test/testutil"
)

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func findCheck(r *Report, category, name string) *CheckResult {
	for i := range r.Checks {
		if r.Checks[i].Category == category && r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

var sampleProject = map[string]string{
	"functions/double.sql":             "CREATE OR REPLACE FUNCTION double(n int) RETURNS int LANGUAGE sql AS $$ SELECT n * 2 $$;",
	"migrations/00001_create_nums.sql": "CREATE TABLE nums (n int);",
	"views/doubled.sql":                "CREATE OR REPLACE VIEW doubled AS SELECT double(n) AS n FROM nums;",
}

func TestReportCounts(t *testing.T) {
	r := &Report{}
	r.AddCheck(CheckResult{Status: StatusPass})
	r.AddCheck(CheckResult{Status: StatusWarn})
	r.AddCheck(CheckResult{Status: StatusFail})
	r.AddCheck(CheckResult{Status: StatusPass})

	assert.Equal(t, 2, r.Passed)
	assert.Equal(t, 1, r.Warnings)
	assert.Equal(t, 1, r.Errors)
	assert.True(t, r.HasErrors())
}

func TestReportPrint(t *testing.T) {
	r := &Report{}
	r.AddCheck(CheckResult{Category: "Ledger", Status: StatusPass, Message: "table exists"})
	r.AddCheck(CheckResult{
		Category: "Pending Changes",
		Status:   StatusWarn,
		Message:  "2 pending changes",
		Details:  "create function a\ncreate view b",
		FixHint:  "Run 'pgm apply'",
	})

	var quiet, verbose bytes.Buffer
	r.Print(&quiet, false)
	r.Print(&verbose, true)

	assert.Contains(t, quiet.String(), "✓ table exists")
	assert.Contains(t, quiet.String(), "⚠ 2 pending changes")
	assert.Contains(t, quiet.String(), "Fix: Run 'pgm apply'")
	assert.NotContains(t, quiet.String(), "create view b")
	assert.Contains(t, verbose.String(), "      create view b")
	assert.Contains(t, quiet.String(), "Summary: 1 passed, 1 warnings, 0 errors")
}

func TestDoctorFreshDatabase(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := writeProject(t, sampleProject)

	report, err := New(db, root, migrator.Options{}).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.HasErrors())

	ledgerCheck := findCheck(report, categoryLedger, "table_exists")
	require.NotNil(t, ledgerCheck)
	assert.Equal(t, StatusWarn, ledgerCheck.Status)

	plan := findCheck(report, categoryPlan, "in_sync")
	require.NotNil(t, plan)
	assert.Equal(t, StatusWarn, plan.Status)
	assert.Equal(t, "3 pending changes", plan.Message)
}

func TestDoctorAfterApply(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	root := writeProject(t, sampleProject)
	require.NoError(t, migrator.Apply(ctx, db, root, migrator.Options{}))

	report, err := New(db, root, migrator.Options{}).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Errors)
	assert.Zero(t, report.Warnings)

	objects := findCheck(report, categoryObjects, "present")
	require.NotNil(t, objects)
	assert.Equal(t, "All 2 recorded objects exist", objects.Message)
}

func TestDoctorDetectsDroppedObject(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	root := writeProject(t, sampleProject)
	require.NoError(t, migrator.Apply(ctx, db, root, migrator.Options{}))

	_, err := db.ExecContext(ctx, `DROP VIEW doubled`)
	require.NoError(t, err)

	report, err := New(db, root, migrator.Options{}).Run(ctx)
	require.NoError(t, err)
	require.True(t, report.HasErrors())

	objects := findCheck(report, categoryObjects, "present")
	require.NotNil(t, objects)
	assert.Equal(t, StatusFail, objects.Status)
	assert.Equal(t, "view doubled", objects.Details)
}

func TestDoctorReportsDrift(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	root := writeProject(t, sampleProject)
	require.NoError(t, migrator.Apply(ctx, db, root, migrator.Options{}))

	require.NoError(t, os.WriteFile(filepath.Join(root, "migrations", "00001_create_nums.sql"),
		[]byte("CREATE TABLE nums (n bigint);"), 0o644))

	report, err := New(db, root, migrator.Options{}).Run(ctx)
	require.NoError(t, err)
	drift := findCheck(report, categoryPlan, "drift")
	require.NotNil(t, drift)
	assert.Equal(t, StatusWarn, drift.Status)
}

func TestDoctorMissingProject(t *testing.T) {
	db := testutil.EmptyDB(t)

	report, err := New(db, filepath.Join(t.TempDir(), "absent"), migrator.Options{}).Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.HasErrors())

	exists := findCheck(report, categoryProject, "exists")
	require.NotNil(t, exists)
	assert.Equal(t, StatusFail, exists.Status)
	assert.Nil(t, findCheck(report, categoryPlan, "in_sync"))
}

func TestDoctorInvalidProject(t *testing.T) {
	db := testutil.EmptyDB(t)
	root := writeProject(t, map[string]string{
		"migrations/first.sql": "SELECT 1;",
	})

	report, err := New(db, root, migrator.Options{}).Run(context.Background())
	require.NoError(t, err)

	valid := findCheck(report, categoryProject, "valid")
	require.NotNil(t, valid)
	assert.Equal(t, StatusFail, valid.Status)
	assert.Equal(t, "Name migrations NNNNN_description.sql", valid.FixHint)
}
