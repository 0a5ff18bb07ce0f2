package pgm

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the failure classes of a pgm run.
//
// Callers classify failures with errors.Is (or the Is*Err helpers below) rather
// than by matching message text. The CLI maps each class to an exit code.
var (
	// ErrConfig is returned when the project path or layout is unusable.
	ErrConfig = errors.New("pgm: invalid configuration")

	// ErrParse is returned when a single file or dump statement cannot be parsed.
	ErrParse = errors.New("pgm: parse error")

	// ErrInvalidMigrationName is returned when a migration filename has no
	// numeric sequence prefix or reuses a sequence already taken by another file.
	ErrInvalidMigrationName = fmt.Errorf("%w: invalid migration name", ErrParse)

	// ErrDuplicateObject is returned when two files resolve to the same
	// (kind, name) identity.
	ErrDuplicateObject = fmt.Errorf("%w: duplicate object", ErrConfig)

	// ErrInvalidObjectName is returned when a view or materialized view file
	// name is not a plain SQL identifier, optionally schema-qualified.
	ErrInvalidObjectName = fmt.Errorf("%w: invalid object name", ErrConfig)

	// ErrDrift is returned when an applied migration was edited after apply
	// and the drift policy escalates drift to an error.
	ErrDrift = errors.New("pgm: applied migration modified")

	// ErrLockHeld is returned when another run holds the ledger lock past the
	// bounded wait.
	ErrLockHeld = errors.New("pgm: ledger lock held by another run")

	// ErrExecution is returned when SQL fails inside the apply transaction.
	// The transaction is rolled back before the error is returned.
	ErrExecution = errors.New("pgm: execution failed")

	// ErrConnection is returned when the database cannot be reached.
	ErrConnection = errors.New("pgm: cannot reach database")

	// ErrDumpFailed is returned when the schema dump utility exits non-zero.
	ErrDumpFailed = errors.New("pgm: schema dump failed")
)

// IsConfigErr returns true if err is or wraps ErrConfig.
func IsConfigErr(err error) bool {
	return errors.Is(err, ErrConfig)
}

// IsParseErr returns true if err is or wraps ErrParse.
func IsParseErr(err error) bool {
	return errors.Is(err, ErrParse)
}

// IsDriftErr returns true if err is or wraps ErrDrift.
func IsDriftErr(err error) bool {
	return errors.Is(err, ErrDrift)
}

// IsLockHeldErr returns true if err is or wraps ErrLockHeld.
func IsLockHeldErr(err error) bool {
	return errors.Is(err, ErrLockHeld)
}

// IsExecutionErr returns true if err is or wraps ErrExecution.
func IsExecutionErr(err error) bool {
	return errors.Is(err, ErrExecution)
}

// IsConnectionErr returns true if err is or wraps ErrConnection.
func IsConnectionErr(err error) bool {
	return errors.Is(err, ErrConnection)
}

// ParseError locates a parse failure in a project file or dump.
type ParseError struct {
	Path string // file path, empty for dump input
	Line int    // 1-based, 0 when unknown
	Err  error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	if e.Path != "" {
		b.WriteString(e.Path)
	} else {
		b.WriteString("<dump>")
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, ":%d", e.Line)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ExecutionError reports which plan target failed and why.
// It wraps both ErrExecution and the underlying driver error.
type ExecutionError struct {
	// Target names the failing object or migration, e.g. "view active_users".
	Target string

	// Code, Detail and Hint are copied from the server error when available.
	Code   string
	Detail string
	Hint   string

	Err error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "applying %s: %v", e.Target, e.Err)
	if e.Code != "" && !strings.Contains(e.Err.Error(), e.Code) {
		fmt.Fprintf(&b, " (SQLSTATE %s)", e.Code)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, "\nDETAIL: %s", e.Detail)
	}
	if e.Hint != "" {
		fmt.Fprintf(&b, "\nHINT: %s", e.Hint)
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecution, e.Err}
}

// DriftWarning reports an applied migration whose file no longer matches the
// fingerprint recorded at apply time. It is a warning value, not an error:
// the migration is never re-executed.
type DriftWarning struct {
	Sequence int64
	Name     string

	// Applied is the fingerprint stored in the ledger, Current is the file's.
	Applied string
	Current string
}

func (w DriftWarning) String() string {
	return fmt.Sprintf("migration %05d (%s) modified after apply", w.Sequence, w.Name)
}
