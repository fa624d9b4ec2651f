// Package schema holds the client-side copy of the server's collection
// schema: field definitions used for SQL codegen decisions, advisory write
// validation, and relation expansion metadata.
//
// The schema is loaded in bulk from a server-exported JSON document and
// fully replaces the previous copy on every import.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Field type names as exported by the server.
const (
	TypeText     = "text"
	TypeNumber   = "number"
	TypeBool     = "bool"
	TypeDate     = "date"
	TypeURL      = "url"
	TypeEmail    = "email"
	TypeEditor   = "editor"
	TypeSelect   = "select"
	TypeFile     = "file"
	TypeRelation = "relation"
	TypeJSON     = "json"
)

// FieldOptions carries the per-field settings nested under "data" in the
// schema export. Only the keys this client consults are decoded.
type FieldOptions struct {
	// MaxSelect bounds select/file/relation cardinality; 1 means
	// single-valued.
	MaxSelect int `json:"maxSelect"`
	// CollectionID names the target collection of a relation field.
	CollectionID string `json:"collectionId"`
}

// Field describes one field of a collection.
type Field struct {
	Name     string       `json:"name"`
	Type     string       `json:"type"`
	Required bool         `json:"required"`
	System   bool         `json:"system"`
	Options  FieldOptions `json:"data"`
}

// Multi reports whether the field holds a list of values.
func (f Field) Multi() bool {
	return f.Options.MaxSelect != 1
}

// Collection describes one named collection of documents.
type Collection struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Field returns the named field.
func (c Collection) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FileFields returns the fields of type file, used for blob cleanup on
// record deletion.
func (c Collection) FileFields() []Field {
	var out []Field
	for _, f := range c.Fields {
		if f.Type == TypeFile {
			out = append(out, f)
		}
	}
	return out
}

// Registry is the process-local schema cache. It is safe for concurrent
// use; Import replaces the whole cache atomically.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Collection
	byID   map[string]Collection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Collection),
		byID:   make(map[string]Collection),
	}
}

// Import replaces the registry contents with the given collections.
func (r *Registry) Import(collections []Collection) {
	byName := make(map[string]Collection, len(collections))
	byID := make(map[string]Collection, len(collections))
	for _, c := range collections {
		byName[c.Name] = c
		if c.ID != "" {
			byID[c.ID] = c
		}
	}

	r.mu.Lock()
	r.byName = byName
	r.byID = byID
	r.mu.Unlock()
}

// ImportFile reads a schema export from path and imports it.
func (r *Registry) ImportFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema file %s: %w", path, err)
	}
	var collections []Collection
	if err := json.Unmarshal(data, &collections); err != nil {
		return fmt.Errorf("failed to parse schema file %s: %w", path, err)
	}
	r.Import(collections)
	return nil
}

// Lookup returns the collection with the given name or id.
func (r *Registry) Lookup(nameOrID string) (Collection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byName[nameOrID]; ok {
		return c, true
	}
	c, ok := r.byID[nameOrID]
	return c, ok
}

// Collections returns a snapshot of all known collections.
func (r *Registry) Collections() []Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Collection, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	return out
}
