package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/pocketcache/pocketcache/internal/remote"
)

// httpClient is the host-provided remote transport: a thin JSON/multipart
// HTTP client implementing the remote.Client contract.
type httpClient struct {
	baseURL string
	client  *http.Client
}

func newHTTPClient(baseURL string) *httpClient {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
	}
}

func (c *httpClient) Send(ctx context.Context, req remote.Request) (json.RawMessage, error) {
	var body io.Reader
	contentType := ""

	switch {
	case len(req.Files) > 0:
		buf := &bytes.Buffer{}
		w := multipart.NewWriter(buf)
		if req.Body != nil {
			fields, ok := req.Body.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("multipart request body must be an object")
			}
			for k, v := range fields {
				raw, err := json.Marshal(v)
				if err != nil {
					return nil, fmt.Errorf("failed to encode field %s: %w", k, err)
				}
				if err := w.WriteField(k, string(raw)); err != nil {
					return nil, fmt.Errorf("failed to write field %s: %w", k, err)
				}
			}
		}
		for _, f := range req.Files {
			part, err := w.CreateFormFile(f.Field, f.Name)
			if err != nil {
				return nil, fmt.Errorf("failed to create file part %s: %w", f.Name, err)
			}
			if _, err := part.Write(f.Data); err != nil {
				return nil, fmt.Errorf("failed to write file part %s: %w", f.Name, err)
			}
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
		}
		body = buf
		contentType = w.FormDataContentType()

	case req.Body != nil:
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}

	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Header {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &remote.Error{StatusCode: 0}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &remote.Error{StatusCode: resp.StatusCode, Data: raw}
	}
	return raw, nil
}
