// Package sqllineage derives table-level lineage statically from SQL.
// It understands CREATE TABLE AS SELECT, CREATE VIEW, INSERT INTO, and
// MERGE INTO ... USING, collecting FROM/JOIN/USING tables as inputs and
// removing any name that also appears as an output. Column lineage is
// best effort: each output column expression maps to the qualified
// column references it mentions.
package sqllineage

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/datasleuth/datasleuth/pkg/safety"
)

// Statement is the parsed lineage of one SQL statement.
type Statement struct {
	Inputs  []string
	Outputs []string
	// Columns maps output column name -> qualified source references
	// ("table.column") mentioned in its expression.
	Columns map[string][]string
}

// Parse extracts lineage from one SQL statement, token-based. On a lex
// failure it falls back to the regex extractor.
func Parse(sql string) (*Statement, error) {
	tokens, err := safety.Tokenize(sql)
	if err != nil {
		return parseRegex(sql)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty statement")
	}
	return parseTokens(tokens)
}

func parseTokens(tokens []safety.Token) (*Statement, error) {
	stmt := &Statement{Columns: map[string][]string{}}

	// CTE names are local and never count as inputs. A CTE definition
	// looks like "name AS (" at the top nesting level of a WITH prologue.
	cteNames := map[string]bool{}
	if tokens[0].Upper() == "WITH" {
		depth := 0
		for i := 1; i+2 < len(tokens); i++ {
			t := tokens[i]
			switch {
			case t.Kind == safety.TokenPunct && t.Text == "(":
				depth++
			case t.Kind == safety.TokenPunct && t.Text == ")":
				depth--
			case depth == 0 && isIdent(t) &&
				upperAt(tokens, i+1) == "AS" &&
				tokens[i+2].Kind == safety.TokenPunct && tokens[i+2].Text == "(":
				cteNames[identText(t)] = true
			}
		}
	}

	outputs := map[string]bool{}
	inputs := map[string]bool{}

	verb, verbIdx := firstVerb(tokens)
	switch verb {
	case "CREATE":
		// CREATE [OR REPLACE] [TEMP|TEMPORARY|MATERIALIZED] TABLE|VIEW name AS ...
		j := skipWords(tokens, verbIdx+1, "OR", "REPLACE", "TEMP", "TEMPORARY", "MATERIALIZED")
		if u := upperAt(tokens, j); u == "TABLE" || u == "VIEW" {
			j = skipWords(tokens, j+1, "IF", "NOT", "EXISTS")
			if name, _ := readQualifiedName(tokens, j); name != "" {
				outputs[name] = true
			}
		}
	case "INSERT":
		// INSERT INTO name ...
		if upperAt(tokens, verbIdx+1) == "INTO" {
			if name, _ := readQualifiedName(tokens, verbIdx+2); name != "" {
				outputs[name] = true
			}
		}
	case "MERGE":
		// MERGE INTO target USING source ...
		j := verbIdx + 1
		if upperAt(tokens, j) == "INTO" {
			j++
		}
		name, next := readQualifiedName(tokens, j)
		if name != "" {
			outputs[name] = true
		}
		for j = next; j < len(tokens); j++ {
			if upperAt(tokens, j) == "USING" {
				if src, _ := readQualifiedName(tokens, j+1); src != "" {
					inputs[src] = true
				}
			}
		}
	}

	// FROM and JOIN tables anywhere in the statement are inputs; a "("
	// right after the keyword is a subquery, not a table.
	for j := 0; j < len(tokens); j++ {
		u := upperAt(tokens, j)
		if u != "FROM" && u != "JOIN" {
			continue
		}
		name, _ := readQualifiedName(tokens, j+1)
		if name == "" || cteNames[name] {
			continue
		}
		inputs[name] = true
	}

	for name := range outputs {
		delete(inputs, name)
		stmt.Outputs = append(stmt.Outputs, name)
	}
	for name := range inputs {
		stmt.Inputs = append(stmt.Inputs, name)
	}
	stmt.Columns = columnLineage(tokens)
	return stmt, nil
}

// columnLineage maps the select-list items of the outermost SELECT to
// the qualified column references each expression mentions.
func columnLineage(tokens []safety.Token) map[string][]string {
	out := map[string][]string{}

	// find the outermost SELECT ... FROM span
	depth := 0
	selStart, selEnd := -1, -1
	for i, t := range tokens {
		switch {
		case t.Kind == safety.TokenPunct && t.Text == "(":
			depth++
		case t.Kind == safety.TokenPunct && t.Text == ")":
			depth--
		case depth == 0 && t.Kind == safety.TokenWord:
			if t.Upper() == "SELECT" && selStart < 0 {
				selStart = i + 1
			} else if t.Upper() == "FROM" && selStart >= 0 {
				selEnd = i
			}
		}
		if selEnd >= 0 {
			break
		}
	}
	if selStart < 0 || selEnd <= selStart {
		return out
	}

	// split the select list on top-level commas
	var items [][]safety.Token
	itemStart := selStart
	depth = 0
	for i := selStart; i < selEnd; i++ {
		t := tokens[i]
		switch {
		case t.Kind == safety.TokenPunct && t.Text == "(":
			depth++
		case t.Kind == safety.TokenPunct && t.Text == ")":
			depth--
		case depth == 0 && t.Kind == safety.TokenPunct && t.Text == ",":
			items = append(items, tokens[itemStart:i])
			itemStart = i + 1
		}
	}
	items = append(items, tokens[itemStart:selEnd])

	for _, item := range items {
		if len(item) == 0 {
			continue
		}
		name := outputColumnName(item)
		if name == "" {
			continue
		}
		out[name] = qualifiedRefs(item)
	}
	return out
}

// outputColumnName is the alias after a top-level AS, or the final
// identifier of a bare column reference. An AS inside parentheses
// (casts, subexpressions) does not name the output.
func outputColumnName(item []safety.Token) string {
	depth := 0
	alias := ""
	for i, t := range item {
		switch {
		case t.Kind == safety.TokenPunct && t.Text == "(":
			depth++
		case t.Kind == safety.TokenPunct && t.Text == ")":
			depth--
		case depth == 0 && t.Kind == safety.TokenWord && t.Upper() == "AS":
			if i+1 < len(item) && isIdent(item[i+1]) {
				alias = identText(item[i+1])
			}
		}
	}
	if alias != "" {
		return alias
	}
	last := item[len(item)-1]
	if isIdent(last) {
		return identText(last)
	}
	return ""
}

// qualifiedRefs collects "table.column" references inside an
// expression.
func qualifiedRefs(item []safety.Token) []string {
	var refs []string
	seen := map[string]bool{}
	for i := 0; i+2 < len(item); i++ {
		if isIdent(item[i]) &&
			item[i+1].Kind == safety.TokenPunct && item[i+1].Text == "." &&
			isIdent(item[i+2]) {
			ref := identText(item[i]) + "." + identText(item[i+2])
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

func isIdent(t safety.Token) bool {
	return t.Kind == safety.TokenWord || t.Kind == safety.TokenQuotedIdent
}

// identText strips quoting from an identifier token.
func identText(t safety.Token) string {
	s := t.Text
	if t.Kind == safety.TokenQuotedIdent && len(s) >= 2 {
		s = s[1 : len(s)-1]
	}
	return strings.ToLower(s)
}

// readQualifiedName reads a dotted identifier starting at i, returning
// the lowercased name and the index after it. A "(" start means a
// subquery and yields no name.
func readQualifiedName(tokens []safety.Token, i int) (string, int) {
	if i >= len(tokens) || !isIdent(tokens[i]) {
		return "", i
	}
	parts := []string{identText(tokens[i])}
	i++
	for i+1 < len(tokens) &&
		tokens[i].Kind == safety.TokenPunct && tokens[i].Text == "." &&
		isIdent(tokens[i+1]) {
		parts = append(parts, identText(tokens[i+1]))
		i += 2
	}
	name := strings.Join(parts, ".")
	if reservedNames[strings.ToUpper(name)] {
		return "", i
	}
	return name, i
}

// reservedNames guard against reading keywords as table names when a
// FROM is followed by something unexpected.
var reservedNames = map[string]bool{
	"SELECT": true, "WHERE": true, "GROUP": true, "ORDER": true,
	"HAVING": true, "LIMIT": true, "ON": true, "AS": true, "LATERAL": true,
}

// firstVerb finds the top-level statement verb and its index, looking
// past a WITH prologue (CTE bodies are inside parentheses and do not
// count).
func firstVerb(tokens []safety.Token) (string, int) {
	depth := 0
	for i, t := range tokens {
		switch {
		case t.Kind == safety.TokenPunct && t.Text == "(":
			depth++
		case t.Kind == safety.TokenPunct && t.Text == ")":
			depth--
		case depth == 0 && t.Kind == safety.TokenWord:
			switch u := t.Upper(); u {
			case "CREATE", "INSERT", "MERGE", "SELECT":
				return u, i
			}
		}
	}
	return "", -1
}

func skipWords(tokens []safety.Token, i int, words ...string) int {
	allowed := map[string]bool{}
	for _, w := range words {
		allowed[w] = true
	}
	for i < len(tokens) && tokens[i].Kind == safety.TokenWord && allowed[tokens[i].Upper()] {
		i++
	}
	return i
}

func upperAt(tokens []safety.Token, i int) string {
	if i < 0 || i >= len(tokens) {
		return ""
	}
	return tokens[i].Upper()
}

// regex fallback, used when the lexer cannot process the input. Less
// robust by design: quoted names and comments can confuse it.
var (
	reOutput = regexp.MustCompile(`(?is)(?:create\s+(?:or\s+replace\s+)?(?:materialized\s+)?(?:table|view)\s+(?:if\s+not\s+exists\s+)?|insert\s+into\s+|merge\s+into\s+)([\w.]+)`)
	reInput  = regexp.MustCompile(`(?is)(?:\bfrom\s+|\bjoin\s+|\busing\s+)([\w.]+)`)
)

func parseRegex(sql string) (*Statement, error) {
	stmt := &Statement{Columns: map[string][]string{}}

	outputs := map[string]bool{}
	for _, m := range reOutput.FindAllStringSubmatch(sql, -1) {
		outputs[strings.ToLower(m[1])] = true
	}
	inputs := map[string]bool{}
	for _, m := range reInput.FindAllStringSubmatch(sql, -1) {
		name := strings.ToLower(m[1])
		if !outputs[name] && !reservedNames[strings.ToUpper(name)] {
			inputs[name] = true
		}
	}
	for name := range outputs {
		stmt.Outputs = append(stmt.Outputs, name)
	}
	for name := range inputs {
		stmt.Inputs = append(stmt.Inputs, name)
	}
	if len(stmt.Outputs) == 0 && len(stmt.Inputs) == 0 {
		return nil, fmt.Errorf("no lineage found")
	}
	return stmt, nil
}
