package safety

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenKind discriminates lexed SQL tokens. String literals, comments,
// and quoted identifiers are lexed as opaque units so that keywords
// hidden inside them can never be mistaken for verbs.
type TokenKind int

const (
	TokenWord   TokenKind = iota // bare keyword or identifier
	TokenString                  // '...' or $tag$...$tag$
	TokenQuotedIdent             // "..." or `...` or [...]
	TokenNumber
	TokenPunct // single punctuation rune: ; ( ) , operators
)

type Token struct {
	Kind TokenKind
	Text string
}

// Upper returns the upper-cased text of a word token.
func (t Token) Upper() string {
	return strings.ToUpper(t.Text)
}

// Tokenize lexes a SQL string. Comments are skipped entirely (they
// produce no tokens). An unterminated string, quoted identifier, or
// block comment is a lex error.
func Tokenize(sql string) ([]Token, error) {
	var tokens []Token
	runes := []rune(sql)
	i := 0
	n := len(runes)

	for i < n {
		r := runes[i]

		switch {
		case unicode.IsSpace(r):
			i++

		case r == '-' && i+1 < n && runes[i+1] == '-':
			// line comment
			for i < n && runes[i] != '\n' {
				i++
			}

		case r == '/' && i+1 < n && runes[i+1] == '*':
			// block comment; PostgreSQL allows nesting
			depth := 1
			i += 2
			for i < n && depth > 0 {
				if runes[i] == '/' && i+1 < n && runes[i+1] == '*' {
					depth++
					i += 2
				} else if runes[i] == '*' && i+1 < n && runes[i+1] == '/' {
					depth--
					i += 2
				} else {
					i++
				}
			}
			if depth > 0 {
				return nil, fmt.Errorf("unterminated block comment")
			}

		case r == '\'':
			start := i
			i++
			for {
				if i >= n {
					return nil, fmt.Errorf("unterminated string literal")
				}
				if runes[i] == '\'' {
					// '' is an escaped quote inside the literal
					if i+1 < n && runes[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
			tokens = append(tokens, Token{TokenString, string(runes[start:i])})

		case r == '$':
			// dollar-quoted string: $$...$$ or $tag$...$tag$
			tagEnd := i + 1
			for tagEnd < n && (runes[tagEnd] == '_' || unicode.IsLetter(runes[tagEnd]) || unicode.IsDigit(runes[tagEnd])) {
				tagEnd++
			}
			if tagEnd < n && runes[tagEnd] == '$' {
				delim := string(runes[i : tagEnd+1])
				rest := string(runes[tagEnd+1:])
				end := strings.Index(rest, delim)
				if end < 0 {
					return nil, fmt.Errorf("unterminated dollar-quoted string")
				}
				consumed := tagEnd + 1 + end + len([]rune(delim))
				tokens = append(tokens, Token{TokenString, string(runes[i:consumed])})
				i = consumed
			} else {
				// bare $1 style placeholder or lone $
				tokens = append(tokens, Token{TokenPunct, string(r)})
				i++
			}

		case r == '"' || r == '`':
			quote := r
			start := i
			i++
			for i < n && runes[i] != quote {
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated quoted identifier")
			}
			i++
			tokens = append(tokens, Token{TokenQuotedIdent, string(runes[start:i])})

		case r == '[':
			start := i
			for i < n && runes[i] != ']' {
				i++
			}
			if i >= n {
				return nil, fmt.Errorf("unterminated bracketed identifier")
			}
			i++
			tokens = append(tokens, Token{TokenQuotedIdent, string(runes[start:i])})

		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < n && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, Token{TokenWord, string(runes[start:i])})

		case unicode.IsDigit(r):
			start := i
			for i < n && (unicode.IsDigit(runes[i]) || runes[i] == '.' || runes[i] == 'e' || runes[i] == 'E') {
				i++
			}
			tokens = append(tokens, Token{TokenNumber, string(runes[start:i])})

		default:
			tokens = append(tokens, Token{TokenPunct, string(r)})
			i++
		}
	}

	return tokens, nil
}
