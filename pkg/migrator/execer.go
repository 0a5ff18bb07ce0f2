package migrator

import (
	"context"
	"database/sql"

	"github.com/pthm/pgm/pkg/ledger"
)

// Execer is the minimal interface needed for reading state and dry runs.
// Implemented by *sql.DB, *sql.Tx, and *sql.Conn.
type Execer = ledger.Execer

// TxBeginner is implemented by handles that can open the apply transaction,
// such as *sql.DB and *sql.Conn.
type TxBeginner interface {
	Execer
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
