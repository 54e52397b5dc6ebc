package cep

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type annotation struct {
	name     string
	elements map[string]string
}

type defineStmt struct {
	annotations []annotation
	id          string
	attributes  []Attribute
}

type projection struct {
	expression string
	alias      string
}

type queryStmt struct {
	annotations []annotation
	source      string
	filter      string
	selectAll   bool
	projections []projection
	target      string
}

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	definePattern     = regexp.MustCompile(`(?is)^define\s+stream\s+([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)$`)
	sourcePattern     = regexp.MustCompile(`(?s)^([A-Za-z_][A-Za-z0-9_]*)\s*(?:\[(.*)\])?$`)
)

// splitStatements splits plan text on top-level semicolons, ignoring those
// inside quoted strings. Empty statements are dropped.
func splitStatements(text string) ([]string, error) {
	var (
		statements []string
		current    strings.Builder
		quote      rune
	)
	for _, r := range text {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ';':
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated string literal", ErrSyntax)
	}
	if rest := strings.TrimSpace(current.String()); rest != "" {
		statements = append(statements, rest)
	}
	return statements, nil
}

// scan walks s and calls visit for each rune at nesting depth zero outside
// quotes. visit returns false to stop the walk.
func scan(s string, visit func(i int, r rune) bool) {
	depth := 0
	var quote rune
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			continue
		case r == '\'' || r == '"':
			quote = r
			continue
		case r == '(' || r == '[':
			depth++
			continue
		case r == ')' || r == ']':
			depth--
			continue
		}
		if depth == 0 && !visit(i, r) {
			return
		}
	}
}

// splitTopLevel splits s on sep when sep appears outside quotes and brackets.
func splitTopLevel(s string, sep rune) []string {
	var parts []string
	start := 0
	scan(s, func(i int, r rune) bool {
		if r == sep {
			parts = append(parts, s[start:i])
			start = i + 1
		}
		return true
	})
	return append(parts, s[start:])
}

// indexKeyword returns the byte offset of the last top-level occurrence of kw
// as a whole word (case-insensitive), or -1.
func indexKeyword(s, kw string) int {
	found := -1
	scan(s, func(i int, _ rune) bool {
		end := i + len(kw)
		if end <= len(s) && strings.EqualFold(s[i:end], kw) && wordBoundary(s, i-1) && wordBoundary(s, end) {
			found = i
		}
		return true
	})
	return found
}

func wordBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	r := rune(s[i])
	return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
}

// parseAnnotations strips leading @name(k='v', ...) blocks from stmt.
func parseAnnotations(stmt string) ([]annotation, string, error) {
	var out []annotation
	rest := strings.TrimSpace(stmt)
	for strings.HasPrefix(rest, "@") {
		open := strings.IndexRune(rest, '(')
		if open < 0 {
			return nil, "", fmt.Errorf("%w: annotation without arguments", ErrSyntax)
		}
		closeIdx := matchingParen(rest, open)
		if closeIdx < 0 {
			return nil, "", fmt.Errorf("%w: unbalanced annotation", ErrSyntax)
		}
		ann := annotation{
			name:     strings.ToLower(strings.TrimSpace(rest[1:open])),
			elements: map[string]string{},
		}
		for _, element := range splitTopLevel(rest[open+1:closeIdx], ',') {
			element = strings.TrimSpace(element)
			if element == "" {
				continue
			}
			key, value, ok := strings.Cut(element, "=")
			if !ok {
				ann.elements["value"] = unquote(element)
				continue
			}
			ann.elements[strings.ToLower(strings.TrimSpace(key))] = unquote(strings.TrimSpace(value))
		}
		out = append(out, ann)
		rest = strings.TrimSpace(rest[closeIdx+1:])
	}
	return out, rest, nil
}

func matchingParen(s string, open int) int {
	depth := 0
	var quote rune
	for i := open; i < len(s); i++ {
		r := rune(s[i])
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func parseDefine(annotations []annotation, body string) (*defineStmt, error) {
	m := definePattern.FindStringSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("%w: malformed stream definition", ErrSyntax)
	}
	stmt := &defineStmt{annotations: annotations, id: m[1]}
	seen := map[string]bool{}
	for _, raw := range splitTopLevel(m[2], ',') {
		fields := strings.Fields(raw)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: attribute %q must be '<name> <type>'", ErrSyntax, strings.TrimSpace(raw))
		}
		if !identifierPattern.MatchString(fields[0]) {
			return nil, fmt.Errorf("%w: invalid attribute name %q", ErrSyntax, fields[0])
		}
		if seen[fields[0]] {
			return nil, fmt.Errorf("%w: attribute %q declared twice", ErrSyntax, fields[0])
		}
		seen[fields[0]] = true
		t, err := ParseType(fields[1])
		if err != nil {
			return nil, err
		}
		stmt.attributes = append(stmt.attributes, Attribute{Name: fields[0], Type: t})
	}
	return stmt, nil
}

func parseQuery(annotations []annotation, body string) (*queryStmt, error) {
	selectIdx := indexKeyword(body, "select")
	insertIdx := indexKeyword(body, "insert")
	if selectIdx < 0 || insertIdx < 0 || insertIdx < selectIdx {
		return nil, fmt.Errorf("%w: query must have the form 'from <stream> select ... insert into <stream>'", ErrSyntax)
	}

	stmt := &queryStmt{annotations: annotations}

	source := strings.TrimSpace(body[len("from"):selectIdx])
	m := sourcePattern.FindStringSubmatch(source)
	if m == nil {
		return nil, fmt.Errorf("%w: invalid query source %q", ErrSyntax, source)
	}
	stmt.source = m[1]
	stmt.filter = strings.TrimSpace(m[2])
	if strings.Contains(source, "[") && stmt.filter == "" {
		return nil, fmt.Errorf("%w: empty filter on stream %q", ErrSyntax, stmt.source)
	}

	insert := strings.Fields(body[insertIdx:])
	if len(insert) != 3 || !strings.EqualFold(insert[1], "into") || !identifierPattern.MatchString(insert[2]) {
		return nil, fmt.Errorf("%w: expected 'insert into <stream>'", ErrSyntax)
	}
	stmt.target = insert[2]

	selection := strings.TrimSpace(body[selectIdx+len("select") : insertIdx])
	if selection == "*" {
		stmt.selectAll = true
		return stmt, nil
	}
	if selection == "" {
		return nil, fmt.Errorf("%w: empty select clause", ErrSyntax)
	}
	for _, raw := range splitTopLevel(selection, ',') {
		p, err := parseProjection(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		stmt.projections = append(stmt.projections, p)
	}
	return stmt, nil
}

func parseProjection(raw string) (projection, error) {
	if raw == "" {
		return projection{}, fmt.Errorf("%w: empty projection", ErrSyntax)
	}
	if asIdx := indexKeyword(raw, "as"); asIdx > 0 {
		alias := strings.TrimSpace(raw[asIdx+len("as"):])
		if !identifierPattern.MatchString(alias) {
			return projection{}, fmt.Errorf("%w: invalid alias %q", ErrSyntax, alias)
		}
		return projection{expression: strings.TrimSpace(raw[:asIdx]), alias: alias}, nil
	}
	if !identifierPattern.MatchString(raw) {
		return projection{}, fmt.Errorf("%w: expression %q needs an alias", ErrSyntax, raw)
	}
	return projection{expression: raw, alias: raw}, nil
}

// parseStatement classifies one statement as a definition or a query.
func parseStatement(raw string) (any, error) {
	annotations, body, err := parseAnnotations(raw)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(body)
	switch {
	case strings.HasPrefix(lower, "define"):
		return parseDefine(annotations, body)
	case strings.HasPrefix(lower, "from") && wordBoundary(body, len("from")):
		return parseQuery(annotations, body)
	}
	return nil, fmt.Errorf("%w: unsupported statement", ErrSyntax)
}

func findAnnotation(annotations []annotation, name string) (annotation, bool) {
	for _, a := range annotations {
		if a.name == name {
			return a, true
		}
	}
	return annotation{}, false
}
