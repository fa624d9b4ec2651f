// Package filter compiles PocketBase-style filter expressions into SQL
// boolean predicates over a JSON document table.
//
// The compiler runs in three stages:
//  1. Preprocessing: strip // line comments and expand datetime macros.
//  2. Tokenizing: a quote- and paren-aware scan that produces a flat
//     stream of terms, logical operators, and nested group markers.
//  3. Parsing/codegen: a recursive walk over the token stream that emits
//     one SQL fragment per term and recurses into groups.
//
// Fields listed in baseFields map to bare column names; every other field
// maps to a json_extract() against the document's data column.
package filter

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MalformedError reports filter text that could not be compiled.
// Malformed filters indicate a caller bug and are never retried.
type MalformedError struct {
	Expr   string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed filter %q: %s", e.Expr, e.Reason)
}

func malformed(expr, format string, args ...interface{}) error {
	return &MalformedError{Expr: expr, Reason: fmt.Sprintf(format, args...)}
}

// Comparison operators, longest first so the term scanner never matches a
// prefix of a longer operator.
var operators = []string{
	"?!~", "?!=", "?>=", "?<=",
	"!~", "!=", ">=", "<=", "?=", "?~", "?>", "?<",
	"=", ">", "<", "~",
}

var fieldRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
var numberRe = regexp.MustCompile(`^-?\d+\.?\d*$`)

// Compile translates expr into a SQL boolean expression.
//
// baseFields names the columns that exist on the documents table itself;
// all other fields are extracted from the JSON data column. The returned
// SQL contains only literal values (the filter DSL has no placeholders),
// with string literals normalized to single quotes.
func Compile(expr string, baseFields map[string]struct{}) (string, error) {
	return compileAt(expr, baseFields, time.Now().UTC())
}

// compileAt is Compile with an injectable clock for macro expansion.
func compileAt(expr string, baseFields map[string]struct{}, now time.Time) (string, error) {
	c := &compiler{expr: expr, baseFields: baseFields}

	src := stripComments(expr)
	src = expandMacros(src, now)

	return c.compile(src)
}

type compiler struct {
	expr       string // original expression, for error reporting
	baseFields map[string]struct{}
}

// compile tokenizes and parses one (possibly nested) expression.
func (c *compiler) compile(src string) (string, error) {
	tokens, err := c.tokenize(src)
	if err != nil {
		return "", err
	}
	if len(tokens) == 0 {
		return "", malformed(c.expr, "empty expression")
	}

	var sb strings.Builder
	wantOperand := true
	for _, tok := range tokens {
		switch tok.kind {
		case tokenAnd, tokenOr:
			if wantOperand {
				return "", malformed(c.expr, "unexpected logical operator")
			}
			if tok.kind == tokenAnd {
				sb.WriteString(" AND ")
			} else {
				sb.WriteString(" OR ")
			}
			wantOperand = true
		case tokenGroup:
			if !wantOperand {
				return "", malformed(c.expr, "expected logical operator before group")
			}
			inner, err := c.compile(tok.text)
			if err != nil {
				return "", err
			}
			sb.WriteString("(" + inner + ")")
			wantOperand = false
		case tokenTerm:
			if !wantOperand {
				return "", malformed(c.expr, "expected logical operator before %q", tok.text)
			}
			sql, err := c.compileTerm(tok.text)
			if err != nil {
				return "", err
			}
			sb.WriteString(sql)
			wantOperand = false
		}
	}
	if wantOperand {
		return "", malformed(c.expr, "expression ends with a logical operator")
	}
	return sb.String(), nil
}

// compileTerm compiles a single `field[:modifier] operator value` term.
func (c *compiler) compileTerm(term string) (string, error) {
	field, op, value, err := c.splitTerm(term)
	if err != nil {
		return "", err
	}

	modifier := ""
	if idx := strings.Index(field, ":"); idx >= 0 {
		modifier = field[idx+1:]
		field = field[:idx]
		if modifier != "lower" && modifier != "length" {
			return "", malformed(c.expr, "unknown field modifier %q", modifier)
		}
	}
	if !fieldRe.MatchString(field) {
		return "", malformed(c.expr, "invalid field name %q", field)
	}

	lit, err := c.literal(value, op)
	if err != nil {
		return "", err
	}

	if strings.HasPrefix(op, "?") {
		if modifier != "" {
			return "", malformed(c.expr, "modifier :%s cannot be combined with any-of operator %s", modifier, op)
		}
		return c.anyOfSQL(field, op[1:], lit)
	}

	fieldSQL := c.fieldSQL(field, modifier)
	return comparisonSQL(fieldSQL, op, lit)
}

// splitTerm locates the comparison operator outside of quotes and splits
// the term around it. A missing value is allowed (treated as null).
func (c *compiler) splitTerm(term string) (field, op, value string, err error) {
	runes := []rune(term)
	var quote rune
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if quote != 0 {
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
			continue
		}
		if ch == '\'' || ch == '"' {
			quote = ch
			continue
		}
		rest := string(runes[i:])
		for _, cand := range operators {
			if strings.HasPrefix(rest, cand) {
				field = strings.TrimSpace(string(runes[:i]))
				value = strings.TrimSpace(rest[len(cand):])
				return field, cand, value, nil
			}
		}
	}
	return "", "", "", malformed(c.expr, "missing comparison operator in %q", term)
}

// fieldSQL maps a field to its SQL expression, applying the modifier.
func (c *compiler) fieldSQL(field, modifier string) string {
	expr := c.extract(field)
	switch modifier {
	case "lower":
		return "lower(" + expr + ")"
	case "length":
		return "json_array_length(" + expr + ")"
	}
	return expr
}

// extract maps a field to either a base column or a JSON path extraction.
func (c *compiler) extract(field string) string {
	if _, ok := c.baseFields[field]; ok {
		return field
	}
	return "json_extract(data, '$." + field + "')"
}

// literal describes one parsed comparison value.
type literal struct {
	kind string // "null", "bool", "number", "string"
	text string // raw value for bool/number, unquoted text for string
}

// literal parses the right-hand side of a term.
func (c *compiler) literal(value, op string) (literal, error) {
	if value == "" || strings.EqualFold(value, "null") {
		base := strings.TrimPrefix(op, "?")
		if base != "=" && base != "!=" {
			// The upstream behavior (degrade to IS NULL) is undocumented;
			// rejecting keeps the compiled SQL deterministic.
			return literal{}, malformed(c.expr, "operator %s does not accept null", op)
		}
		return literal{kind: "null"}, nil
	}
	if strings.EqualFold(value, "true") || strings.EqualFold(value, "false") {
		return literal{kind: "bool", text: strings.ToLower(value)}, nil
	}
	if numberRe.MatchString(value) {
		return literal{kind: "number", text: value}, nil
	}
	return literal{kind: "string", text: unquote(value)}, nil
}

// unquote strips a matching pair of surrounding quotes and resolves
// backslash escapes. Unquoted values pass through as-is.
func unquote(value string) string {
	if len(value) < 2 {
		return value
	}
	q := value[0]
	if (q != '\'' && q != '"') || value[len(value)-1] != q {
		return value
	}
	inner := value[1 : len(value)-1]
	var sb strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}
		sb.WriteByte(inner[i])
	}
	return sb.String()
}

// quoteSQL renders s as a single-quoted SQL string literal.
func quoteSQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// comparisonSQL renders `<fieldSQL> <op> <value>` for the plain operator
// family.
func comparisonSQL(fieldSQL, op string, lit literal) (string, error) {
	switch lit.kind {
	case "null":
		if op == "=" {
			return fieldSQL + " IS NULL", nil
		}
		return fieldSQL + " IS NOT NULL", nil
	case "bool":
		return fieldSQL + " " + sqlOp(op) + " " + boolSQL(fieldSQL, lit.text), nil
	case "number":
		return fieldSQL + " " + sqlOp(op) + " " + lit.text, nil
	default:
		return fieldSQL + " " + sqlOp(op) + " " + stringSQL(op, lit.text), nil
	}
}

// anyOfSQL renders the ?-prefixed operator family as an EXISTS over the
// elements of the array-valued field.
func (c *compiler) anyOfSQL(field, op string, lit literal) (string, error) {
	elem := "json_each.value"
	cmp, err := comparisonSQL(elem, op, lit)
	if err != nil {
		return "", err
	}
	return "EXISTS (SELECT 1 FROM json_each(" + c.extract(field) + ") WHERE " + cmp + ")", nil
}

// sqlOp maps a DSL operator to its SQL spelling.
func sqlOp(op string) string {
	switch op {
	case "~":
		return "LIKE"
	case "!~":
		return "NOT LIKE"
	default:
		return op
	}
}

// boolSQL renders a boolean literal. Base columns store integers, while
// json_extract yields JSON booleans that compare against TRUE/FALSE.
func boolSQL(fieldSQL, text string) string {
	if strings.HasPrefix(fieldSQL, "json_extract(") || strings.HasPrefix(fieldSQL, "json_each.") {
		return strings.ToUpper(text)
	}
	if text == "true" {
		return "1"
	}
	return "0"
}

// stringSQL renders a string literal, wrapping LIKE patterns in %...%
// wildcards unless the caller supplied their own.
func stringSQL(op string, text string) string {
	if op == "~" || op == "!~" {
		if !strings.Contains(text, "%") {
			text = "%" + text + "%"
		}
	}
	return quoteSQL(text)
}
