// Package remote defines the contract for the server-side record API this
// engine wraps with caching. The actual HTTP transport lives outside this
// module; callers inject any implementation of Client.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Request describes one call against the record API.
type Request struct {
	Method string
	Path   string
	Header map[string]string
	Query  url.Values
	// Body is JSON-encoded by the transport when non-nil.
	Body interface{}
	// Files are multipart attachments; always fully buffered so a failed
	// network attempt can still fall through to a cache write.
	Files []File
}

// File is one buffered multipart upload.
type File struct {
	// Field is the record field the file belongs to.
	Field string
	// Name is the client-side filename.
	Name string
	// Data is the full file content.
	Data []byte
}

// ReadFile buffers r into a File. Transport streams can only be consumed
// once; buffering decouples the network attempt from the cache fallback.
func ReadFile(field, name string, r io.Reader) (File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return File{}, fmt.Errorf("failed to buffer file %s: %w", name, err)
	}
	return File{Field: field, Name: name, Data: data}, nil
}

// Client is the injected remote API transport.
type Client interface {
	// Send performs the request and returns the raw JSON response body.
	// Transport and server failures are reported as *Error.
	Send(ctx context.Context, req Request) (json.RawMessage, error)
}

// Error is a transport or server failure from the remote API.
type Error struct {
	StatusCode int
	Data       json.RawMessage
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote request failed with status %d", e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the remote API.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsConflict reports whether err is an id-collision failure from the
// remote API (400 on create with an existing id, or an explicit 409).
func IsConflict(err error) bool {
	return hasStatus(err, http.StatusBadRequest) || hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, code int) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return re.StatusCode == code
}
