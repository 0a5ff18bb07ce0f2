package migrator

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/pthm/pgm/pkg/planner"
)

// writeReport renders the dry-run report for plan: every pending action with
// the SQL it would run, followed by the warnings. The output is valid SQL;
// everything that is not an executed statement is a comment.
func writeReport(w io.Writer, plan *planner.Plan, color bool) error {
	var buf bytes.Buffer

	counts := plan.Counts()
	_, _ = fmt.Fprintf(&buf, "-- pgm apply (dry-run)\n")
	_, _ = fmt.Fprintf(&buf, "-- %d create, %d replace, %d run, %d fake, %d unchanged\n",
		counts[planner.Create], counts[planner.Replace], counts[planner.RunMigration],
		counts[planner.MarkFake], counts[planner.Skip])

	pending := plan.Pending()
	if len(pending) == 0 {
		_, _ = fmt.Fprintf(&buf, "-- nothing to apply\n")
	}
	for _, a := range pending {
		_, _ = fmt.Fprintf(&buf, "\n-- ============================================================\n")
		_, _ = fmt.Fprintf(&buf, "-- [%s] %s (%s)\n", a.Kind, a.Target(), a.Reason)
		_, _ = fmt.Fprintf(&buf, "-- ============================================================\n")

		if a.Kind == planner.Replace && a.Previous != nil && a.Previous.Source != "" {
			writeDiff(&buf, a)
		}
		if a.Kind == planner.MarkFake {
			_, _ = fmt.Fprintf(&buf, "-- recorded in the ledger only; SQL is not executed\n")
			continue
		}
		for _, stmt := range a.SQL {
			buf.WriteString(terminate(stmt))
		}
	}

	if len(plan.Warnings) > 0 {
		_, _ = fmt.Fprintf(&buf, "\n-- Warnings:\n")
		for _, warn := range plan.Warnings {
			_, _ = fmt.Fprintf(&buf, "--   [%s] %s\n", warn.Kind, warn.Message)
		}
	}

	if color {
		return quick.Highlight(w, buf.String(), "postgresql", "terminal256", "monokai")
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// writeDiff writes a unified diff of the previously applied source against
// the current file, commented out.
func writeDiff(buf *bytes.Buffer, a *planner.Action) {
	before, after := a.Previous.Source, a.Object.Source
	edits := myers.ComputeEdits(span.URIFromPath(""), before, after)
	diff := fmt.Sprint(gotextdiff.ToUnified("applied", a.Object.Path, before, edits))
	if diff == "" {
		return
	}
	for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		buf.WriteString("-- " + line + "\n")
	}
}

// terminate ensures stmt ends with a semicolon and a newline.
func terminate(stmt string) string {
	stmt = strings.TrimRight(stmt, " \t\r\n")
	if !strings.HasSuffix(stmt, ";") {
		stmt += ";"
	}
	return stmt + "\n"
}
