// Package rpc provides the JSON-over-HTTP client helper shared by the
// Master (dispatching clone/delete requests to ChunkServers), the
// ChunkServer (cloning from a peer), and the Client library. The wire
// encoding itself — JSON bodies, base64 binary payloads, a top-level
// success boolean — is a deliberately trivial framing detail; this file
// implements the JSON framing, while callers base64-encode binary
// payloads themselves before handing them over.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"minigfs/internal/gfs"
)

// Client posts JSON requests and decodes JSON responses, applying a
// per-call timeout derived from config rather than a separate magic
// number.
type Client struct {
	HTTP    *http.Client
	Timeout time.Duration
}

// NewClient returns an rpc.Client with the given per-call timeout. The
// underlying *http.Client may be shared and reused across goroutines.
func NewClient(httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{HTTP: httpClient, Timeout: timeout}
}

// PostJSON marshals req, POSTs it to addr+path, and unmarshals the
// response body into resp. It classifies transport failures as
// gfs.ErrTransient so callers can retry against a different target.
func (c *Client) PostJSON(ctx context.Context, addr, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", gfs.ErrTransient, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", gfs.ErrTransient, err)
	}

	if httpResp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s", gfs.ErrTransient, string(data))
	}

	if err := json.Unmarshal(data, resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// WriteJSON writes v as a JSON response body, matching the envelope
// convention every endpoint in this system uses.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a JSON request body into v.
func ReadJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
