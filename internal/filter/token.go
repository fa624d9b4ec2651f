package filter

import "strings"

type tokenKind int

const (
	tokenTerm tokenKind = iota
	tokenGroup
	tokenAnd
	tokenOr
)

// token is one element of the flat token stream produced by tokenize.
// Group tokens carry the raw inner expression for recursive compilation.
type token struct {
	kind tokenKind
	text string
}

// tokenize splits src into terms, logical operators, and parenthesized
// groups. Logical operators are only recognized at paren depth zero and
// outside quotes; a group is captured as one token spanning its balanced
// parentheses, without flattening.
func (c *compiler) tokenize(src string) ([]token, error) {
	var tokens []token
	var buf strings.Builder

	flush := func() {
		if text := strings.TrimSpace(buf.String()); text != "" {
			tokens = append(tokens, token{kind: tokenTerm, text: text})
		}
		buf.Reset()
	}

	runes := []rune(src)
	var quote rune
	for i := 0; i < len(runes); i++ {
		ch := runes[i]

		if quote != 0 {
			buf.WriteRune(ch)
			if ch == '\\' && i+1 < len(runes) {
				i++
				buf.WriteRune(runes[i])
			} else if ch == quote {
				quote = 0
			}
			continue
		}

		switch {
		case ch == '\'' || ch == '"':
			quote = ch
			buf.WriteRune(ch)

		case ch == '(':
			if strings.TrimSpace(buf.String()) != "" {
				return nil, malformed(c.expr, "unexpected ( inside term")
			}
			end, err := c.matchParen(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokenGroup, text: string(runes[i+1 : end])})
			i = end

		case ch == ')':
			return nil, malformed(c.expr, "unbalanced )")

		case ch == '&':
			if i+1 >= len(runes) || runes[i+1] != '&' {
				return nil, malformed(c.expr, "single & is not a valid operator")
			}
			flush()
			tokens = append(tokens, token{kind: tokenAnd})
			i++

		case ch == '|':
			if i+1 >= len(runes) || runes[i+1] != '|' {
				return nil, malformed(c.expr, "single | is not a valid operator")
			}
			flush()
			tokens = append(tokens, token{kind: tokenOr})
			i++

		case isWordOperator(runes, i, "AND"):
			flush()
			tokens = append(tokens, token{kind: tokenAnd})
			i += 2

		case isWordOperator(runes, i, "OR"):
			flush()
			tokens = append(tokens, token{kind: tokenOr})
			i++

		default:
			buf.WriteRune(ch)
		}
	}

	if quote != 0 {
		return nil, malformed(c.expr, "unterminated string literal")
	}
	flush()
	return tokens, nil
}

// matchParen returns the index of the ) matching the ( at open, honoring
// quoted strings and nested parentheses.
func (c *compiler) matchParen(runes []rune, open int) (int, error) {
	depth := 0
	var quote rune
	for i := open; i < len(runes); i++ {
		ch := runes[i]
		if quote != 0 {
			if ch == '\\' && i+1 < len(runes) {
				i++
			} else if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, malformed(c.expr, "unbalanced (")
}

// isWordOperator reports whether the case-insensitive word starts at i
// with word boundaries on both sides.
func isWordOperator(runes []rune, i int, word string) bool {
	if i+len(word) > len(runes) {
		return false
	}
	if !strings.EqualFold(string(runes[i:i+len(word)]), word) {
		return false
	}
	if i > 0 && isWordRune(runes[i-1]) {
		return false
	}
	if end := i + len(word); end < len(runes) && isWordRune(runes[end]) {
		return false
	}
	return true
}

func isWordRune(r rune) bool {
	return r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
}

// stripComments removes //-style line comments outside of quoted strings.
func stripComments(src string) string {
	var sb strings.Builder
	runes := []rune(src)
	var quote rune
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if quote != 0 {
			sb.WriteRune(ch)
			if ch == '\\' && i+1 < len(runes) {
				i++
				sb.WriteRune(runes[i])
			} else if ch == quote {
				quote = 0
			}
			continue
		}
		if ch == '/' && i+1 < len(runes) && runes[i+1] == '/' {
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			if i < len(runes) {
				sb.WriteRune('\n')
			}
			continue
		}
		if ch == '\'' || ch == '"' {
			quote = ch
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}
