package schema

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// ValidationError reports a document that fails the advisory shape check
// for its collection. It is surfaced before any network or cache write and
// never retried; server-side validation remains authoritative.
type ValidationError struct {
	Collection string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s.%s: %s", e.Collection, e.Field, e.Reason)
}

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Metadata keys injected by the sync layer; never validated against the
// collection schema.
var syncMetaKeys = map[string]struct{}{
	"id": {}, "created": {}, "updated": {},
	"deleted": {}, "synced": {}, "isNew": {}, "noSync": {},
	"collectionId": {}, "collectionName": {}, "expand": {},
}

// Validate checks data against the collection's field definitions.
// It fails fast on the first offending field.
func (r *Registry) Validate(collection string, data map[string]interface{}) error {
	col, ok := r.Lookup(collection)
	if !ok {
		// No schema known: nothing to check against.
		return nil
	}

	for _, f := range col.Fields {
		if _, meta := syncMetaKeys[f.Name]; meta {
			continue
		}
		value, present := data[f.Name]
		if !present || value == nil || value == "" {
			if f.Required {
				return &ValidationError{Collection: col.Name, Field: f.Name, Reason: "value is required"}
			}
			continue
		}
		if err := checkField(col.Name, f, value); err != nil {
			return err
		}
	}
	return nil
}

func checkField(collection string, f Field, value interface{}) error {
	fail := func(format string, args ...interface{}) error {
		return &ValidationError{Collection: collection, Field: f.Name, Reason: fmt.Sprintf(format, args...)}
	}

	switch f.Type {
	case TypeNumber:
		switch value.(type) {
		case float64, float32, int, int64, json.Number:
		default:
			return fail("expected a number, got %T", value)
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return fail("expected a bool, got %T", value)
		}
	case TypeDate:
		s, ok := value.(string)
		if !ok {
			return fail("expected a datetime string, got %T", value)
		}
		if !parseableDate(s) {
			return fail("invalid datetime %q", s)
		}
	case TypeEmail:
		s, ok := value.(string)
		if !ok || !emailRe.MatchString(s) {
			return fail("invalid email address")
		}
	case TypeURL:
		s, ok := value.(string)
		if !ok {
			return fail("expected a URL string, got %T", value)
		}
		u, err := url.Parse(s)
		if err != nil || !u.IsAbs() {
			return fail("invalid absolute URL %q", s)
		}
	case TypeText, TypeEditor:
		if _, ok := value.(string); !ok {
			return fail("expected a string, got %T", value)
		}
	case TypeSelect, TypeFile, TypeRelation:
		return checkCardinality(collection, f, value)
	case TypeJSON:
		// Any JSON value is acceptable.
	}
	return nil
}

// checkCardinality enforces single-vs-multi shape for select, file, and
// relation fields.
func checkCardinality(collection string, f Field, value interface{}) error {
	fail := func(format string, args ...interface{}) error {
		return &ValidationError{Collection: collection, Field: f.Name, Reason: fmt.Sprintf(format, args...)}
	}

	switch v := value.(type) {
	case string:
		if f.Multi() {
			return nil // single value for a multi field is tolerated upstream
		}
		return nil
	case []interface{}:
		if !f.Multi() && len(v) > 1 {
			return fail("expected a single value, got %d", len(v))
		}
		if max := f.Options.MaxSelect; max > 1 && len(v) > max {
			return fail("too many values: %d > maxSelect %d", len(v), max)
		}
		for _, item := range v {
			if _, ok := item.(string); !ok {
				return fail("expected string values, got %T", item)
			}
		}
		return nil
	case []string:
		if !f.Multi() && len(v) > 1 {
			return fail("expected a single value, got %d", len(v))
		}
		return nil
	default:
		return fail("expected a string or list of strings, got %T", value)
	}
}

func parseableDate(s string) bool {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02 15:04:05.000Z",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
