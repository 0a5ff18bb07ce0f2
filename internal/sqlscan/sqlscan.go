// Package sqlscan provides the small amount of PostgreSQL lexical analysis pgm
// needs: telling code apart from comments, string literals, quoted
// identifiers and dollar-quoted bodies.
//
// It is deliberately not a parser. Tokenize splits text into tokens for
// normalization, and Splitter tracks whether a statement fed line by line has
// reached its terminating semicolon.
package sqlscan

import "strings"

// TokenKind classifies a lexical token.
type TokenKind int

const (
	Word        TokenKind = iota // keywords, identifiers, numbers
	Punct                        // any single character that is not part of another token
	Space                        // whitespace run
	Comment                      // -- line comment or /* block comment */
	String                       // '...' or E'...'
	QuotedIdent                  // "..."
	Dollar                       // $tag$ ... $tag$
)

// Token is one lexical unit of SQL text.
type Token struct {
	Kind TokenKind
	Text string

	// Tag and Body are set for Dollar tokens. Tag includes both dollar signs.
	Tag  string
	Body string
}

// Tokenize splits src into tokens. Concatenating every Token.Text yields src.
// Unterminated literals and comments extend to the end of the input.
func Tokenize(src string) []Token {
	var toks []Token
	i := 0
	for i < len(src) {
		start := i
		c := src[i]
		switch {
		case isSpace(c):
			for i < len(src) && isSpace(src[i]) {
				i++
			}
			toks = append(toks, Token{Kind: Space, Text: src[start:i]})
		case c == '-' && peek(src, i+1) == '-':
			i = skipLineComment(src, i)
			toks = append(toks, Token{Kind: Comment, Text: src[start:i]})
		case c == '/' && peek(src, i+1) == '*':
			i, _ = skipBlockComment(src, i+2, 1)
			toks = append(toks, Token{Kind: Comment, Text: src[start:i]})
		case (c == 'E' || c == 'e') && peek(src, i+1) == '\'' && !precededByWord(src, i):
			i, _ = skipString(src, i+2, true)
			toks = append(toks, Token{Kind: String, Text: src[start:i]})
		case c == '\'':
			i, _ = skipString(src, i+1, false)
			toks = append(toks, Token{Kind: String, Text: src[start:i]})
		case c == '"':
			i, _ = skipQuotedIdent(src, i+1)
			toks = append(toks, Token{Kind: QuotedIdent, Text: src[start:i]})
		case c == '$' && !precededByWord(src, i):
			if tag, ok := dollarTag(src, i); ok {
				bodyStart := i + len(tag)
				end := strings.Index(src[bodyStart:], tag)
				if end < 0 {
					i = len(src)
					toks = append(toks, Token{Kind: Dollar, Text: src[start:], Tag: tag, Body: src[bodyStart:]})
					continue
				}
				i = bodyStart + end + len(tag)
				toks = append(toks, Token{Kind: Dollar, Text: src[start:i], Tag: tag, Body: src[bodyStart : bodyStart+end]})
				continue
			}
			i++
			toks = append(toks, Token{Kind: Punct, Text: src[start:i]})
		case isWordStart(c):
			i++
			for i < len(src) && isWordPart(src[i]) {
				i++
			}
			toks = append(toks, Token{Kind: Word, Text: src[start:i]})
		default:
			i++
			toks = append(toks, Token{Kind: Punct, Text: src[start:i]})
		}
	}
	return toks
}

type mode int

const (
	modeCode mode = iota
	modeLineComment
	modeBlockComment
	modeString
	modeEscapeString
	modeQuotedIdent
	modeDollar
)

// Splitter detects statement boundaries in text fed to it line by line.
// A statement is complete when a semicolon is the last significant character
// outside of any literal, quoted identifier, dollar body or comment.
type Splitter struct {
	mode  mode
	depth int    // block comment nesting
	tag   string // open dollar tag
	last  byte   // last significant code byte
	prev  byte   // previous code byte, for word adjacency
	empty bool
}

// NewSplitter returns a Splitter positioned before the first statement.
func NewSplitter() *Splitter {
	return &Splitter{empty: true}
}

// Feed consumes one line. The line should include its trailing newline so that
// line comments are closed.
func (s *Splitter) Feed(line string) {
	i := 0
	for i < len(line) {
		c := line[i]
		switch s.mode {
		case modeLineComment:
			if c == '\n' {
				s.mode = modeCode
			}
			i++
		case modeBlockComment:
			var closed bool
			i, closed = skipBlockCommentFrom(line, i, &s.depth)
			if closed {
				s.mode = modeCode
			}
		case modeString, modeEscapeString:
			var closed bool
			i, closed = skipString(line, i, s.mode == modeEscapeString)
			if closed {
				s.mode = modeCode
				s.mark('\'')
			}
		case modeQuotedIdent:
			var closed bool
			i, closed = skipQuotedIdent(line, i)
			if closed {
				s.mode = modeCode
				s.mark('"')
			}
		case modeDollar:
			end := strings.Index(line[i:], s.tag)
			if end < 0 {
				i = len(line)
				continue
			}
			i += end + len(s.tag)
			s.mode = modeCode
			s.tag = ""
			s.mark('$')
		default:
			switch {
			case isSpace(c):
				s.prev = c
				i++
			case c == '-' && peek(line, i+1) == '-':
				s.mode = modeLineComment
				s.prev = ' '
				i += 2
			case c == '/' && peek(line, i+1) == '*':
				s.mode = modeBlockComment
				s.prev = ' '
				s.depth = 1
				i += 2
			case (c == 'E' || c == 'e') && peek(line, i+1) == '\'' && !isWordPart(s.prev):
				s.mode = modeEscapeString
				s.mark(c)
				i += 2
			case c == '\'':
				s.mode = modeString
				s.mark(c)
				i++
			case c == '"':
				s.mode = modeQuotedIdent
				s.mark(c)
				i++
			case c == '$' && !isWordPart(s.prev):
				if tag, ok := dollarTag(line, i); ok {
					s.mode = modeDollar
					s.tag = tag
					s.mark(c)
					i += len(tag)
					continue
				}
				s.mark(c)
				i++
			default:
				s.mark(c)
				i++
			}
		}
	}
}

func (s *Splitter) mark(c byte) {
	s.prev = c
	s.last = c
	s.empty = false
}

// Complete reports whether the fed text ends a statement.
func (s *Splitter) Complete() bool {
	return !s.empty && s.last == ';' && (s.mode == modeCode || s.mode == modeLineComment)
}

// Empty reports whether no code has been fed since the last Reset.
func (s *Splitter) Empty() bool {
	return s.empty
}

// Reset prepares the Splitter for the next statement.
func (s *Splitter) Reset() {
	*s = Splitter{empty: true}
}

// Significant returns src with comments removed and whitespace runs collapsed,
// keeping literals intact. It is used to look at statement heads.
func Significant(src string) string {
	var b strings.Builder
	space := false
	for _, t := range Tokenize(src) {
		switch t.Kind {
		case Space, Comment:
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteString(t.Text)
	}
	return b.String()
}

func peek(s string, i int) byte {
	if i < len(s) {
		return s[i]
	}
	return 0
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c >= 0x80
}

func isWordPart(c byte) bool {
	return isWordStart(c) || c == '$'
}

func precededByWord(s string, i int) bool {
	return i > 0 && isWordPart(s[i-1])
}

// dollarTag returns the $tag$ opening at s[i], if any. Positional parameters
// such as $1 are not tags.
func dollarTag(s string, i int) (string, bool) {
	j := i + 1
	if j < len(s) && s[j] >= '0' && s[j] <= '9' {
		return "", false
	}
	for j < len(s) && s[j] != '$' {
		c := s[j]
		if !(c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c >= 0x80) {
			return "", false
		}
		j++
	}
	if j >= len(s) {
		return "", false
	}
	return s[i : j+1], true
}

func skipLineComment(s string, i int) int {
	for i < len(s) && s[i] != '\n' {
		i++
	}
	return i
}

func skipBlockComment(s string, i, depth int) (int, bool) {
	return skipBlockCommentFrom(s, i, &depth)
}

// skipBlockCommentFrom advances through a possibly nested block comment body.
func skipBlockCommentFrom(s string, i int, depth *int) (int, bool) {
	for i < len(s) {
		switch {
		case s[i] == '/' && peek(s, i+1) == '*':
			*depth++
			i += 2
		case s[i] == '*' && peek(s, i+1) == '/':
			*depth--
			i += 2
			if *depth == 0 {
				return i, true
			}
		default:
			i++
		}
	}
	return i, false
}

// skipString advances past the body of a string literal whose opening quote
// has been consumed. Doubled quotes are escapes; backslashes escape only in
// E'' strings.
func skipString(s string, i int, backslash bool) (int, bool) {
	for i < len(s) {
		switch {
		case backslash && s[i] == '\\':
			i += 2
		case s[i] == '\'':
			if peek(s, i+1) == '\'' {
				i += 2
				continue
			}
			return i + 1, true
		default:
			i++
		}
	}
	if i > len(s) {
		i = len(s)
	}
	return i, false
}

func skipQuotedIdent(s string, i int) (int, bool) {
	for i < len(s) {
		if s[i] == '"' {
			if peek(s, i+1) == '"' {
				i += 2
				continue
			}
			return i + 1, true
		}
		i++
	}
	return i, false
}
