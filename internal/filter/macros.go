package filter

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

const datetimeLayout = "2006-01-02 15:04:05.000"

// macro expands to either a quoted datetime literal or a bare number.
type macro struct {
	name   string
	expand func(now time.Time) string
}

func quotedTime(t time.Time) string {
	return "'" + t.Format(datetimeLayout) + "'"
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999e6, t.Location())
}

// macros is ordered longest-name-first at init so that e.g. @monthStart is
// matched before @month.
var macros = []macro{
	{"@now", func(now time.Time) string { return quotedTime(now) }},
	{"@todayStart", func(now time.Time) string { return quotedTime(startOfDay(now)) }},
	{"@todayEnd", func(now time.Time) string { return quotedTime(endOfDay(now)) }},
	{"@yesterday", func(now time.Time) string { return quotedTime(now.AddDate(0, 0, -1)) }},
	{"@tomorrow", func(now time.Time) string { return quotedTime(now.AddDate(0, 0, 1)) }},
	{"@monthStart", func(now time.Time) string {
		return quotedTime(time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()))
	}},
	{"@monthEnd", func(now time.Time) string {
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return quotedTime(endOfDay(first.AddDate(0, 1, -1)))
	}},
	{"@yearStart", func(now time.Time) string {
		return quotedTime(time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location()))
	}},
	{"@yearEnd", func(now time.Time) string {
		return quotedTime(endOfDay(time.Date(now.Year(), 12, 31, 0, 0, 0, 0, now.Location())))
	}},
	{"@second", func(now time.Time) string { return strconv.Itoa(now.Second()) }},
	{"@minute", func(now time.Time) string { return strconv.Itoa(now.Minute()) }},
	{"@hour", func(now time.Time) string { return strconv.Itoa(now.Hour()) }},
	{"@day", func(now time.Time) string { return strconv.Itoa(now.Day()) }},
	{"@month", func(now time.Time) string { return strconv.Itoa(int(now.Month())) }},
	{"@year", func(now time.Time) string { return strconv.Itoa(now.Year()) }},
}

func init() {
	sort.Slice(macros, func(i, j int) bool {
		return len(macros[i].name) > len(macros[j].name)
	})
}

// expandMacros replaces datetime macros outside quoted strings with
// literal values computed from now.
func expandMacros(src string, now time.Time) string {
	if !strings.Contains(src, "@") {
		return src
	}

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
		if ch == '\'' || ch == '"' {
			quote = ch
			sb.WriteRune(ch)
			continue
		}
		if ch == '@' {
			rest := string(runes[i:])
			replaced := false
			for _, m := range macros {
				if strings.HasPrefix(rest, m.name) {
					// Reject partial matches like @yearly against @year.
					if end := i + len([]rune(m.name)); end < len(runes) && isWordRune(runes[end]) {
						continue
					}
					sb.WriteString(m.expand(now))
					i += len([]rune(m.name)) - 1
					replaced = true
					break
				}
			}
			if replaced {
				continue
			}
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}
