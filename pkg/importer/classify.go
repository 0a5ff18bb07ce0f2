package importer

import (
	"regexp"
	"strings"

	"github.com/pthm/pgm/internal/sqlscan"
	"github.com/pthm/pgm/pkg/project"
)

type class int

const (
	// classObject becomes (part of) a project object file.
	classObject class = iota
	// classBaseline is table-bound DDL kept in the baseline migration.
	classBaseline
	// classAttach belongs in an object file if that object was imported,
	// and in the baseline otherwise.
	classAttach
	classSkip
)

// classified is one dump statement sorted into its destination.
type classified struct {
	class  class
	kinds  []project.Kind // object kind, or the kinds an attachment may target
	name   string         // object or attachment target name
	text   string
	reason string
}

var (
	createHead       = regexp.MustCompile(`(?i)^CREATE\s+(FUNCTION|PROCEDURE|VIEW)\b`)
	createSchemaHead = regexp.MustCompile(`(?i)^CREATE\s+SCHEMA\s+`)
	withNoDataSuffix = regexp.MustCompile(`(?i)\bWITH\s+NO\s+DATA\s*;\s*$`)
)

// classify decides where a dump statement goes. Recognition is conservative:
// anything that is not plainly a function, procedure, view or materialized
// view with a simple name stays in the baseline, where it still applies.
func classify(stmt Statement) classified {
	toks := significant(stmt.Text)
	c := classified{class: classBaseline, text: stmt.Text}
	if len(toks) == 0 {
		c.class, c.reason = classSkip, "empty statement"
		return c
	}

	switch keyword(toks, 0) {
	case "SET":
		c.class, c.reason = classSkip, "session setting"
	case "SELECT":
		c.class, c.reason = classSkip, "not DDL"
		if strings.Contains(strings.ToLower(stmt.Text), "set_config") {
			c.reason = "session setting"
		}
	case "CREATE":
		classifyCreate(toks, &c)
	case "COMMENT":
		classifyComment(toks, &c)
	case "ALTER", "GRANT", "REVOKE", "SECURITY":
		// Table-bound DDL.
	default:
		c.class, c.reason = classSkip, "unsupported statement"
	}
	return c
}

func classifyCreate(toks []sqlscan.Token, c *classified) {
	i := 1
	replace := false
	if keyword(toks, i) == "OR" && keyword(toks, i+1) == "REPLACE" {
		replace = true
		i += 2
	}

	switch keyword(toks, i) {
	case "FUNCTION", "PROCEDURE":
		name, ok := qualifiedName(toks, i+1)
		if !ok {
			return
		}
		kind := project.Function
		if returnsTrigger(toks) {
			kind = project.Trigger
		}
		c.class, c.kinds, c.name = classObject, []project.Kind{kind}, name
		if !replace {
			c.text = createHead.ReplaceAllString(c.text, "CREATE OR REPLACE $1")
		}
	case "VIEW":
		name, ok := qualifiedName(toks, i+1)
		if !ok {
			return
		}
		c.class, c.kinds, c.name = classObject, []project.Kind{project.View}, name
		if !replace {
			c.text = createHead.ReplaceAllString(c.text, "CREATE OR REPLACE $1")
		}
	case "MATERIALIZED":
		if keyword(toks, i+1) != "VIEW" {
			return
		}
		j := i + 2
		if keyword(toks, j) == "IF" {
			j += 3 // IF NOT EXISTS
		}
		name, ok := qualifiedName(toks, j)
		if !ok {
			return
		}
		c.class, c.kinds, c.name = classObject, []project.Kind{project.MaterializedView}, name
		// Schema-only dumps leave materialized views unpopulated.
		c.text = withNoDataSuffix.ReplaceAllString(c.text, "WITH DATA;")
	case "SCHEMA":
		// Object files outside public create their schema themselves, and
		// they run before the baseline.
		if keyword(toks, i+1) != "IF" {
			c.text = createSchemaHead.ReplaceAllString(c.text, "CREATE SCHEMA IF NOT EXISTS ")
		}
	case "INDEX", "UNIQUE":
		// An index on an imported materialized view travels with it, since
		// rebuilding the view drops the index.
		for j := i; j < len(toks); j++ {
			if keyword(toks, j) != "ON" {
				continue
			}
			j++
			if keyword(toks, j) == "ONLY" {
				j++
			}
			if name, ok := qualifiedName(toks, j); ok {
				c.class, c.kinds, c.name = classAttach, []project.Kind{project.MaterializedView}, name
			}
			return
		}
	}
}

func classifyComment(toks []sqlscan.Token, c *classified) {
	if keyword(toks, 1) != "ON" {
		return
	}
	var (
		kinds []project.Kind
		at    int
	)
	switch keyword(toks, 2) {
	case "FUNCTION", "PROCEDURE":
		kinds, at = []project.Kind{project.Function, project.Trigger}, 3
	case "VIEW":
		kinds, at = []project.Kind{project.View}, 3
	case "MATERIALIZED":
		if keyword(toks, 3) != "VIEW" {
			return
		}
		kinds, at = []project.Kind{project.MaterializedView}, 4
	default:
		return
	}
	if name, ok := qualifiedName(toks, at); ok {
		c.class, c.kinds, c.name = classAttach, kinds, name
	}
}

// returnsTrigger reports whether a function definition returns trigger or
// event_trigger. Dollar-quoted bodies are single tokens, so words inside
// them are never matched.
func returnsTrigger(toks []sqlscan.Token) bool {
	for i := range toks {
		if keyword(toks, i) != "RETURNS" {
			continue
		}
		j := i + 1
		// pg_catalog.trigger
		if keyword(toks, j) == "PG_CATALOG" && j+1 < len(toks) && toks[j+1].Text == "." {
			j += 2
		}
		switch keyword(toks, j) {
		case "TRIGGER", "EVENT_TRIGGER":
			return true
		}
		return false
	}
	return false
}

// significant returns the tokens of src that are neither whitespace nor
// comments.
func significant(src string) []sqlscan.Token {
	var out []sqlscan.Token
	for _, t := range sqlscan.Tokenize(src) {
		if t.Kind == sqlscan.Space || t.Kind == sqlscan.Comment {
			continue
		}
		out = append(out, t)
	}
	return out
}

// keyword returns the upper-cased word at toks[i], or "" if it is not a word.
func keyword(toks []sqlscan.Token, i int) string {
	if i < 0 || i >= len(toks) || toks[i].Kind != sqlscan.Word {
		return ""
	}
	return strings.ToUpper(toks[i].Text)
}

var plainIdent = regexp.MustCompile(`^[a-z_][a-z0-9_$]*$`)

// qualifiedName reads a possibly schema-qualified name starting at toks[i].
// Unquoted parts fold to lower case; quoted parts are accepted only when
// they need no quoting. The public schema is dropped.
func qualifiedName(toks []sqlscan.Token, i int) (string, bool) {
	var parts []string
	for {
		if i >= len(toks) {
			return "", false
		}
		part, ok := identPart(toks[i])
		if !ok {
			return "", false
		}
		parts = append(parts, part)
		if i+1 < len(toks) && toks[i+1].Text == "." {
			i += 2
			continue
		}
		break
	}
	if len(parts) > 2 {
		return "", false
	}
	if len(parts) == 2 && parts[0] == "public" {
		parts = parts[1:]
	}
	return strings.Join(parts, "."), true
}

func identPart(t sqlscan.Token) (string, bool) {
	var s string
	switch t.Kind {
	case sqlscan.Word:
		s = strings.ToLower(t.Text)
	case sqlscan.QuotedIdent:
		if len(t.Text) < 2 || !strings.HasSuffix(t.Text, `"`) {
			return "", false
		}
		s = t.Text[1 : len(t.Text)-1]
	default:
		return "", false
	}
	if !plainIdent.MatchString(s) {
		return "", false
	}
	return s, true
}
