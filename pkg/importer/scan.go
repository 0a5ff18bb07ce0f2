package importer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pthm/pgm"
	"github.com/pthm/pgm/internal/sqlscan"
)

// Statement is one complete statement from a dump.
type Statement struct {
	Line int // 1-based line the statement starts on
	Text string
}

// Skipped is dump input that was not imported.
type Skipped struct {
	Line   int
	Head   string // first line of the statement
	Reason string
}

func (s Skipped) String() string {
	if s.Head == "" {
		return fmt.Sprintf("line %d: %s", s.Line, s.Reason)
	}
	return fmt.Sprintf("line %d: %s (%s)", s.Line, s.Head, s.Reason)
}

// Dump is a scanned dump: its statements in order plus what was dropped
// while scanning.
type Dump struct {
	Statements []Statement
	Skipped    []Skipped
}

// Scan splits a dump into statements. Blank lines and comment lines between
// statements are dropped, as are psql meta-commands such as \connect.
// Trailing text without a terminating semicolon is reported as skipped.
func Scan(r io.Reader) (*Dump, error) {
	dump := &Dump{}
	br := bufio.NewReader(r)
	split := sqlscan.NewSplitter()

	var (
		buf    strings.Builder
		start  int
		lineNo int
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading dump: %w", err)
		}
		if line != "" {
			lineNo++
			if split.Empty() {
				trimmed := strings.TrimSpace(line)
				switch {
				case trimmed == "", strings.HasPrefix(trimmed, "--"):
					line = ""
				case strings.HasPrefix(trimmed, `\`):
					dump.Skipped = append(dump.Skipped, Skipped{Line: lineNo, Head: trimmed, Reason: "psql meta-command"})
					line = ""
				case buf.Len() == 0:
					start = lineNo
				}
			}
			if line != "" {
				buf.WriteString(line)
				split.Feed(line)
				if split.Complete() {
					dump.Statements = append(dump.Statements, Statement{Line: start, Text: strings.TrimSpace(buf.String())})
					buf.Reset()
					split.Reset()
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
	}

	if rest := strings.TrimSpace(buf.String()); rest != "" && !split.Empty() {
		perr := &pgm.ParseError{Line: start, Err: fmt.Errorf("%w: unterminated statement", pgm.ErrParse)}
		dump.Skipped = append(dump.Skipped, Skipped{Line: start, Head: firstLine(rest), Reason: perr.Error()})
	}
	return dump, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const limit = 80
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
