// Package sql provides the embedded SQL templates used to scaffold pgm projects.
package sql

import (
	"embed"
)

// Templates holds one starter file per object kind plus migrations and seeds.
// Each file is a text/template rendered with the object name:
//   - function.sql: CREATE OR REPLACE FUNCTION skeleton
//   - trigger.sql: trigger function plus the CREATE TRIGGER to attach it
//   - view.sql, materialized_view.sql: view definitions
//   - migration.sql, seed.sql: empty transaction-safe scripts
//
// The templates are compiled into the binary so `pgm create` works outside
// the source tree.
//
//go:embed templates/*.sql
var Templates embed.FS
