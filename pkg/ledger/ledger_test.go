package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/pgm"
	"github.com/pthm/pgm/pkg/ledger"
	"github.com/pthm/pgm/pkg/project"
	"github.com/pthm/pgm/test/testutil"
)

func TestSnapshot(t *testing.T) {
	s := ledger.NewSnapshot()
	_, ok := s.MaxSequence()
	assert.False(t, ok)

	s.Add(&ledger.Entry{Kind: "function", Name: "f1", Fingerprint: "a"})
	s.Add(&ledger.Entry{Kind: "materialized_view", Name: "mv", Fingerprint: "b"})
	s.Add(&ledger.Entry{Kind: ledger.KindMigration, Name: "00000_baseline", Sequence: 0})
	s.Add(&ledger.Entry{Kind: ledger.KindMigration, Name: "00003_x", Sequence: 3})
	s.Add(&ledger.Entry{Kind: "sequence", Name: "s"})

	assert.Equal(t, "a", s.Object(project.Key{Kind: project.Function, Name: "f1"}).Fingerprint)
	assert.NotNil(t, s.Object(project.Key{Kind: project.MaterializedView, Name: "mv"}))
	assert.Nil(t, s.Object(project.Key{Kind: project.View, Name: "mv"}))
	assert.NotNil(t, s.Migration(0))
	assert.Len(t, s.Unknown, 1)

	highest, ok := s.MaxSequence()
	assert.True(t, ok)
	assert.Equal(t, int64(3), highest)
}

func TestDDLQuotesTable(t *testing.T) {
	l := ledger.New("ops.Schema Ledger", nil)
	ddl := l.DDL()
	require.Len(t, ddl, 2)
	assert.Contains(t, ddl[0], `CREATE TABLE IF NOT EXISTS "ops"."Schema Ledger"`)
	assert.Contains(t, ddl[1], `"Schema Ledger_migration_sequence_key"`)
	assert.Equal(t, ledger.DefaultTable, ledger.New("", nil).Table())
}

func TestLoadMissingTableCreatesNothing(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	l := ledger.New("", nil)

	snap, err := l.Load(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, snap.Objects)
	assert.Empty(t, snap.Migrations)

	exists, err := l.Exists(ctx, db)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCommitAndLoad(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	l := ledger.New("", nil)
	runID := uuid.New()

	require.NoError(t, l.EnsureTable(ctx, db))
	require.NoError(t, l.EnsureTable(ctx, db), "EnsureTable must be idempotent")

	l.Record(&ledger.Entry{Kind: "function", Name: "f1", Fingerprint: "fp1", Source: "SELECT 1;", RunID: runID})
	l.Record(&ledger.Entry{Kind: ledger.KindMigration, Name: "00001_init", Sequence: 1, Fingerprint: "m1", RunID: runID, Fake: true})
	assert.Len(t, l.Staged(), 2)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, tx))
	require.NoError(t, tx.Commit())
	assert.Empty(t, l.Staged())

	snap, err := l.Load(ctx, db)
	require.NoError(t, err)

	fn := snap.Object(project.Key{Kind: project.Function, Name: "f1"})
	require.NotNil(t, fn)
	assert.Equal(t, "fp1", fn.Fingerprint)
	assert.Equal(t, "SELECT 1;", fn.Source)
	assert.Equal(t, runID, fn.RunID)
	assert.False(t, fn.AppliedAt.IsZero())

	mig := snap.Migration(1)
	require.NotNil(t, mig)
	assert.True(t, mig.Fake)
	assert.Equal(t, "00001_init", mig.Name)
}

func TestCommitOverwritesObjectsButNotMigrations(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	l := ledger.New("", nil)
	require.NoError(t, l.EnsureTable(ctx, db))

	commit := func(entries ...*ledger.Entry) {
		t.Helper()
		for _, e := range entries {
			l.Record(e)
		}
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, l.Commit(ctx, tx))
		require.NoError(t, tx.Commit())
	}

	commit(
		&ledger.Entry{Kind: "view", Name: "v", Fingerprint: "old"},
		&ledger.Entry{Kind: ledger.KindMigration, Name: "00001_init", Sequence: 1, Fingerprint: "old"},
	)
	commit(
		&ledger.Entry{Kind: "view", Name: "v", Fingerprint: "new"},
		&ledger.Entry{Kind: ledger.KindMigration, Name: "00001_init", Sequence: 1, Fingerprint: "new"},
		&ledger.Entry{Kind: ledger.KindMigration, Name: "00001_renamed", Sequence: 1, Fingerprint: "new"},
	)

	snap, err := l.Load(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, "new", snap.Object(project.Key{Kind: project.View, Name: "v"}).Fingerprint)
	assert.Equal(t, "old", snap.Migration(1).Fingerprint)
	assert.Equal(t, "00001_init", snap.Migration(1).Name)

	entries, err := l.Entries(ctx, db)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCommitRolledBackWithTransaction(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	l := ledger.New("", nil)
	require.NoError(t, l.EnsureTable(ctx, db))

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	l.Record(&ledger.Entry{Kind: "function", Name: "f1", Fingerprint: "fp"})
	require.NoError(t, l.Commit(ctx, tx))
	require.NoError(t, tx.Rollback())

	entries, err := l.Entries(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAcquire(t *testing.T) {
	db := testutil.EmptyDB(t)
	ctx := context.Background()
	l := ledger.New("", nil)

	holder, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = holder.Rollback() }()
	require.NoError(t, l.Acquire(ctx, holder, 0))

	waiter, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = waiter.Rollback() }()

	start := time.Now()
	err = l.Acquire(ctx, waiter, 300*time.Millisecond)
	assert.True(t, pgm.IsLockHeldErr(err), "expected lock held, got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	// A different table name is a different lock.
	require.NoError(t, ledger.New("other_ledger", nil).Acquire(ctx, waiter, 0))

	// Releasing the holder frees the lock for the next transaction.
	require.NoError(t, holder.Rollback())
	next, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = next.Rollback() }()
	require.NoError(t, l.Acquire(ctx, next, time.Second))
}

func TestAcquireHonorsContext(t *testing.T) {
	db := testutil.EmptyDB(t)
	l := ledger.New("", nil)

	holder, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = holder.Rollback() }()
	require.NoError(t, l.Acquire(context.Background(), holder, 0))

	waiter, err := db.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer func() { _ = waiter.Rollback() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = l.Acquire(ctx, waiter, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
