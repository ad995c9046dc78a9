// Package safety admits SQL probes into the investigation pipeline. A
// probe is accepted only when it lexes cleanly, is a single SELECT
// statement (WITH CTEs and subqueries allowed), contains none of the
// mutating verbs, and carries a row limit. Keyword matching operates on
// real tokens, so verbs hidden in strings, comments, or quoted
// identifiers never match.
package safety

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ValidationKind distinguishes rejection reasons.
type ValidationKind string

const (
	KindEmpty             ValidationKind = "empty"
	KindNotSelect         ValidationKind = "not_select"
	KindMissingLimit      ValidationKind = "missing_limit"
	KindParseError        ValidationKind = "parse_error"
	KindInvalidIdentifier ValidationKind = "invalid_identifier"
)

// ValidationError is returned when a query or identifier is rejected.
// Validation failures are never retried with the same input.
type ValidationError struct {
	Kind    ValidationKind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("query validation failed (%s): %s", e.Kind, e.Message)
}

// deniedVerbs are statement verbs that can mutate state or escape the
// read-only sandbox. Presence of any of these as a bare token rejects
// the query outright.
var deniedVerbs = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"UPSERT": true, "DROP": true, "TRUNCATE": true, "ALTER": true,
	"CREATE": true, "GRANT": true, "REVOKE": true, "EXEC": true,
	"CALL": true, "VACUUM": true, "ANALYZE": true, "COPY": true,
	"ATTACH": true,
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// DefaultRowLimit bounds result sets when a probe omits LIMIT.
const DefaultRowLimit = 10000

// Validator checks probe SQL against the read-only policy.
type Validator struct {
	// RowLimit is the ceiling injected when a query has no LIMIT.
	RowLimit int
	// InjectLimit controls whether a missing LIMIT is injected (true)
	// or rejected with KindMissingLimit (false).
	InjectLimit bool
}

// NewValidator returns a validator with the default row limit and
// limit injection enabled.
func NewValidator() *Validator {
	return &Validator{RowLimit: DefaultRowLimit, InjectLimit: true}
}

// ValidateQuery admits or rejects a probe. On success it returns the SQL
// to execute, which is the input with a LIMIT appended when one was
// missing.
func (v *Validator) ValidateQuery(sql string) (string, error) {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return "", &ValidationError{Kind: KindEmpty, Message: "query is empty"}
	}

	tokens, err := Tokenize(trimmed)
	if err != nil {
		return "", &ValidationError{Kind: KindParseError, Message: err.Error()}
	}
	if len(tokens) == 0 {
		return "", &ValidationError{Kind: KindEmpty, Message: "query contains only comments"}
	}

	if err := checkSingleStatement(tokens); err != nil {
		return "", err
	}
	if err := checkSelectShape(tokens); err != nil {
		return "", err
	}
	for _, t := range tokens {
		if t.Kind == TokenWord && deniedVerbs[t.Upper()] {
			return "", &ValidationError{
				Kind:    KindNotSelect,
				Message: fmt.Sprintf("forbidden keyword %s", t.Upper()),
			}
		}
	}

	if hasTopLevelLimit(tokens) {
		return trimmed, nil
	}
	if !v.InjectLimit {
		return "", &ValidationError{Kind: KindMissingLimit, Message: "query has no LIMIT clause"}
	}
	return v.AddLimitIfMissing(trimmed), nil
}

// AddLimitIfMissing appends "LIMIT <RowLimit>" when the statement has no
// top-level LIMIT. The input must already have passed lexing; on a lex
// failure the input is returned unchanged.
func (v *Validator) AddLimitIfMissing(sql string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(sql), ";")
	tokens, err := Tokenize(trimmed)
	if err != nil || hasTopLevelLimit(tokens) {
		return sql
	}
	limit := v.RowLimit
	if limit <= 0 {
		limit = DefaultRowLimit
	}
	return trimmed + " LIMIT " + strconv.Itoa(limit)
}

// SanitizeIdentifier admits dotted identifier paths built from
// [A-Za-z_][A-Za-z0-9_]* segments and rejects everything else. Used when
// interpolating table and column names into generated probes.
func SanitizeIdentifier(name string) (string, error) {
	if !identifierPattern.MatchString(name) {
		return "", &ValidationError{
			Kind:    KindInvalidIdentifier,
			Message: fmt.Sprintf("invalid identifier %q", name),
		}
	}
	return name, nil
}

// checkSingleStatement rejects input containing a second statement after
// a top-level semicolon. A trailing semicolon is allowed.
func checkSingleStatement(tokens []Token) error {
	for i, t := range tokens {
		if t.Kind == TokenPunct && t.Text == ";" {
			if i != len(tokens)-1 {
				return &ValidationError{
					Kind:    KindNotSelect,
					Message: "multiple statements are not allowed",
				}
			}
		}
	}
	return nil
}

// checkSelectShape requires the statement to start with SELECT, or with
// WITH followed by a top-level SELECT.
func checkSelectShape(tokens []Token) error {
	first := tokens[0]
	if first.Kind != TokenWord {
		return &ValidationError{Kind: KindNotSelect, Message: "statement does not start with SELECT"}
	}
	switch first.Upper() {
	case "SELECT":
		return nil
	case "WITH":
		depth := 0
		for _, t := range tokens[1:] {
			switch {
			case t.Kind == TokenPunct && t.Text == "(":
				depth++
			case t.Kind == TokenPunct && t.Text == ")":
				depth--
			case t.Kind == TokenWord && depth == 0 && t.Upper() == "SELECT":
				return nil
			}
		}
		return &ValidationError{Kind: KindNotSelect, Message: "WITH has no top-level SELECT"}
	default:
		return &ValidationError{
			Kind:    KindNotSelect,
			Message: fmt.Sprintf("statement verb %s is not SELECT", first.Upper()),
		}
	}
}

// hasTopLevelLimit reports whether a LIMIT keyword appears outside any
// parentheses. A LIMIT inside a subquery does not bound the outer
// statement.
func hasTopLevelLimit(tokens []Token) bool {
	depth := 0
	for _, t := range tokens {
		switch {
		case t.Kind == TokenPunct && t.Text == "(":
			depth++
		case t.Kind == TokenPunct && t.Text == ")":
			depth--
		case t.Kind == TokenWord && depth == 0 && t.Upper() == "LIMIT":
			return true
		}
	}
	return false
}
