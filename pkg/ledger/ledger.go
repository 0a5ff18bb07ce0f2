// Package ledger persists what pgm has applied to a database.
//
// The ledger is a table inside the target database with one row per applied
// object (function, trigger, view, materialized view) and one row per applied
// migration. Object rows are overwritten when the object is re-applied;
// migration rows are written once and never touched again.
//
// Writes are staged with Record and flushed by Commit on the caller's
// transaction, so ledger state and schema changes commit or roll back
// together.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/lib/pq"

	"github.com/pthm/pgm"
	"github.com/pthm/pgm/pkg/project"
)

// DefaultTable is the ledger table name used when none is configured.
const DefaultTable = "pgm_ledger"

// KindMigration is the object_kind of migration rows.
const KindMigration = "migration"

// Entry is one ledger row.
type Entry struct {
	Kind string // project.Kind spelling or KindMigration
	Name string

	// Sequence is set for migration rows only.
	Sequence int64

	Fingerprint string
	Source      string
	RunID       uuid.UUID
	Fake        bool
	AppliedAt   time.Time
}

// IsMigration reports whether the entry records a migration.
func (e *Entry) IsMigration() bool {
	return e.Kind == KindMigration
}

// Snapshot is the ledger as read at the start of a run.
type Snapshot struct {
	Objects    map[project.Key]*Entry
	Migrations map[int64]*Entry

	// Unknown holds rows whose kind this version does not recognize.
	Unknown []*Entry
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Objects:    make(map[project.Key]*Entry),
		Migrations: make(map[int64]*Entry),
	}
}

// Add indexes e into the snapshot.
func (s *Snapshot) Add(e *Entry) {
	if e.IsMigration() {
		s.Migrations[e.Sequence] = e
		return
	}
	kind, err := project.ParseKind(e.Kind)
	if err != nil {
		s.Unknown = append(s.Unknown, e)
		return
	}
	s.Objects[project.Key{Kind: kind, Name: e.Name}] = e
}

// Object returns the entry for an object identity, or nil.
func (s *Snapshot) Object(key project.Key) *Entry {
	return s.Objects[key]
}

// Migration returns the entry for a migration sequence, or nil.
func (s *Snapshot) Migration(seq int64) *Entry {
	return s.Migrations[seq]
}

// MaxSequence returns the highest applied migration sequence. ok is false
// when no migration has been applied.
func (s *Snapshot) MaxSequence() (seq int64, ok bool) {
	for n := range s.Migrations {
		if !ok || n > seq {
			seq, ok = n, true
		}
	}
	return seq, ok
}

// Ledger reads and writes the ledger table.
type Ledger struct {
	table  string
	logger *slog.Logger
	staged []*Entry
}

// New returns a Ledger for the given table, which may be schema-qualified.
// An empty table selects DefaultTable; a nil logger discards output.
func New(table string, logger *slog.Logger) *Ledger {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{table: table, logger: logger}
}

// Table returns the configured table name.
func (l *Ledger) Table() string {
	return l.table
}

// quotedTable returns the table name quoted for interpolation into SQL.
func (l *Ledger) quotedTable() string {
	parts := strings.Split(l.table, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// indexName derives the migration sequence index name from the bare table name.
func (l *Ledger) indexName() string {
	parts := strings.Split(l.table, ".")
	return pq.QuoteIdentifier(parts[len(parts)-1] + "_migration_sequence_key")
}

// DDL returns the statements that create the ledger table. Each is idempotent.
func (l *Ledger) DDL() []string {
	t := l.quotedTable()
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    object_kind        TEXT        NOT NULL,
    object_name        TEXT        NOT NULL,
    migration_sequence BIGINT,
    fingerprint        TEXT        NOT NULL,
    source             TEXT,
    run_id             UUID,
    fake               BOOLEAN     NOT NULL DEFAULT false,
    applied_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (object_kind, object_name),
    CHECK ((object_kind = 'migration') = (migration_sequence IS NOT NULL))
)`, t),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (migration_sequence) WHERE migration_sequence IS NOT NULL`,
			l.indexName(), t),
	}
}

// Exists reports whether the ledger table is visible to db.
func (l *Ledger) Exists(ctx context.Context, db Execer) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, l.quotedTable()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking %s table: %w", l.table, err)
	}
	return exists, nil
}

// EnsureTable creates the ledger table if it does not exist.
func (l *Ledger) EnsureTable(ctx context.Context, db Execer) error {
	for _, stmt := range l.DDL() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying ledger DDL: %w", err)
		}
	}
	return nil
}

// Load reads the whole ledger. A missing table yields an empty snapshot and
// creates nothing, so Load is safe for dry runs.
func (l *Ledger) Load(ctx context.Context, db Execer) (*Snapshot, error) {
	entries, err := l.Entries(ctx, db)
	if err != nil {
		return nil, err
	}
	snap := NewSnapshot()
	for _, e := range entries {
		snap.Add(e)
	}
	if len(snap.Unknown) > 0 {
		l.logger.Warn("ignoring ledger rows of unknown kind", "count", len(snap.Unknown))
	}
	return snap, nil
}

// Entries lists ledger rows ordered by kind, sequence and name.
// A missing table yields no rows.
func (l *Ledger) Entries(ctx context.Context, db Execer) ([]*Entry, error) {
	exists, err := l.Exists(ctx, db)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT object_kind, object_name, migration_sequence, fingerprint,
		       COALESCE(source, ''), run_id, fake, applied_at
		FROM %s
		ORDER BY object_kind, migration_sequence, object_name
	`, l.quotedTable()))
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var (
			e     Entry
			seq   sql.NullInt64
			runID uuid.NullUUID
		)
		if err := rows.Scan(&e.Kind, &e.Name, &seq, &e.Fingerprint, &e.Source, &runID, &e.Fake, &e.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		e.Sequence = seq.Int64
		if runID.Valid {
			e.RunID = runID.UUID
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading ledger: %w", err)
	}
	return entries, nil
}

// Acquire takes the run lock on tx. The lock is transaction-scoped and is
// released when tx commits or rolls back.
//
// The lock is polled with jittered backoff until timeout elapses; a zero
// timeout tries exactly once. Failure to acquire returns ErrLockHeld.
func (l *Ledger) Acquire(ctx context.Context, tx Execer, timeout time.Duration) error {
	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
		Jitter: true,
	}
	deadline := time.Now().Add(timeout)
	for {
		var ok bool
		err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, l.table).Scan(&ok)
		if err != nil {
			return fmt.Errorf("acquiring ledger lock: %w", err)
		}
		if ok {
			l.logger.Debug("ledger lock acquired", "table", l.table, "attempts", int(b.Attempt())+1)
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w (waited %s)", pgm.ErrLockHeld, timeout)
		}
		wait := min(b.Duration(), remaining)
		l.logger.Debug("ledger lock busy, retrying", "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Record stages an entry to be written by Commit.
func (l *Ledger) Record(e *Entry) {
	l.staged = append(l.staged, e)
}

// Staged returns the entries waiting for Commit.
func (l *Ledger) Staged() []*Entry {
	out := make([]*Entry, len(l.staged))
	copy(out, l.staged)
	return out
}

// Reset discards staged entries.
func (l *Ledger) Reset() {
	l.staged = nil
}

// Commit writes staged entries on tx. Object rows are upserted; migration
// rows are inserted only if the sequence is not already recorded.
// Staged entries are cleared once every row is written.
func (l *Ledger) Commit(ctx context.Context, tx Execer) error {
	t := l.quotedTable()
	upsertObject := fmt.Sprintf(`
		INSERT INTO %s (object_kind, object_name, fingerprint, source, run_id, fake, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (object_kind, object_name) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			source      = EXCLUDED.source,
			run_id      = EXCLUDED.run_id,
			fake        = EXCLUDED.fake,
			applied_at  = EXCLUDED.applied_at
	`, t)
	insertMigration := fmt.Sprintf(`
		INSERT INTO %s (object_kind, object_name, migration_sequence, fingerprint, source, run_id, fake, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT DO NOTHING
	`, t)

	for _, e := range l.staged {
		var err error
		if e.IsMigration() {
			_, err = tx.ExecContext(ctx, insertMigration,
				KindMigration, e.Name, e.Sequence, e.Fingerprint, e.Source, e.RunID, e.Fake)
		} else {
			_, err = tx.ExecContext(ctx, upsertObject,
				e.Kind, e.Name, e.Fingerprint, e.Source, e.RunID, e.Fake)
		}
		if err != nil {
			return fmt.Errorf("recording %s %s: %w", e.Kind, e.Name, err)
		}
	}
	l.logger.Debug("ledger rows written", "count", len(l.staged))
	l.staged = nil
	return nil
}
