// Package fingerprint derives a stable content identity for SQL source text.
//
// Two sources that differ only in comments, whitespace or line endings have
// the same fingerprint. String literals and quoted identifiers are compared
// verbatim. Dollar-quoted bodies are normalized as SQL only when their
// statement is LANGUAGE sql or plpgsql (or a DO block without a LANGUAGE);
// bodies in any other language are compared verbatim apart from line endings.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pthm/pgm/internal/sqlscan"
)

// Compute returns the hex SHA-256 of the normalized source.
func Compute(src string) string {
	h := sha256.Sum256([]byte(Normalize(src)))
	return hex.EncodeToString(h[:])
}

// Equal reports whether two fingerprints identify the same content.
func Equal(a, b string) bool {
	return a != "" && a == b
}

// Short returns the first 12 characters of a fingerprint for display.
func Short(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Normalize strips comments, collapses whitespace and removes whitespace next
// to the separators ( ) , ; so that formatting changes do not affect Compute.
func Normalize(src string) string {
	src = strings.TrimPrefix(src, "\uFEFF")
	src = strings.ReplaceAll(src, "\r\n", "\n")
	src = strings.ReplaceAll(src, "\r", "\n")

	toks := sqlscan.Tokenize(src)
	sqlBody := sqlBodies(toks)

	var b strings.Builder
	b.Grow(len(src))
	pendingSpace := false
	for i, tok := range toks {
		var text string
		switch tok.Kind {
		case sqlscan.Space, sqlscan.Comment:
			pendingSpace = true
			continue
		case sqlscan.Dollar:
			body := tok.Body
			if sqlBody[i] && strings.HasSuffix(tok.Text, tok.Tag) && len(tok.Text) >= 2*len(tok.Tag) {
				text = tok.Tag + Normalize(body) + tok.Tag
			} else {
				text = tok.Text
			}
		default:
			text = tok.Text
		}
		if pendingSpace && b.Len() > 0 && !tight(lastByte(&b)) && !tight(text[0]) {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteString(text)
	}
	return b.String()
}

// sqlBodies marks the dollar tokens whose statement runs its body as SQL.
func sqlBodies(toks []sqlscan.Token) map[int]bool {
	out := make(map[int]bool)
	start := 0
	for i := 0; i <= len(toks); i++ {
		if i < len(toks) && (toks[i].Kind != sqlscan.Punct || toks[i].Text != ";") {
			continue
		}
		if lang := statementLanguage(toks[start:i]); lang == "sql" || lang == "plpgsql" {
			for j := start; j < i; j++ {
				if toks[j].Kind == sqlscan.Dollar {
					out[j] = true
				}
			}
		}
		start = i + 1
	}
	return out
}

// statementLanguage returns the lower-cased LANGUAGE of a statement, plpgsql
// for a DO block without one, or "" when there is none.
func statementLanguage(stmt []sqlscan.Token) string {
	first := ""
	afterLanguage := false
	for _, tok := range stmt {
		if tok.Kind == sqlscan.Space || tok.Kind == sqlscan.Comment {
			continue
		}
		if afterLanguage {
			return strings.ToLower(strings.Trim(tok.Text, `"'`))
		}
		if first == "" {
			first = strings.ToLower(tok.Text)
		}
		afterLanguage = tok.Kind == sqlscan.Word && strings.EqualFold(tok.Text, "LANGUAGE")
	}
	if first == "do" {
		return "plpgsql"
	}
	return ""
}

func tight(c byte) bool {
	switch c {
	case '(', ')', ',', ';':
		return true
	}
	return false
}

func lastByte(b *strings.Builder) byte {
	s := b.String()
	return s[len(s)-1]
}
