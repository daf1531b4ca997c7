/**
 * @description
 * This package provides a client for the ledger document store's REST API.
 * The store offers only per-document get/patch/delete: no multi-document
 * transactions and no locks. The one concurrency primitive it does expose is
 * an update-time precondition on patch and delete, which this client surfaces
 * so repositories can detect read-modify-write races.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, net/url, time: Standard Go libraries.
 */
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrNotFound is returned when the requested document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrPreconditionFailed is returned when an update-time precondition on a
	// patch or delete did not hold, meaning the document changed since it was
	// last read.
	ErrPreconditionFailed = errors.New("docstore: update precondition failed")
)

// StatusError is a terminal (non-retryable) error response from the store.
type StatusError struct {
	Op         string
	Path       string
	StatusCode int
	Status     string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("docstore %s %s: %s (%d): %s", e.Op, e.Path, e.Status, e.StatusCode, e.Message)
}

// TransientError wraps a failure that is worth retrying: a 5xx response, a
// timeout, or a network error. Callers must treat a timeout as an unknown
// outcome and re-read state before retrying a mutation.
type TransientError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("docstore %s %s: transient: %v", e.Op, e.Path, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// errorEnvelope is the store's error response body.
type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Client is a client for one document-store database.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new document-store client. The timeout bounds every
// individual store call; coordinators re-query state after a timeout rather
// than assuming the call failed.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// PatchOptions control a Patch call.
type PatchOptions struct {
	// FieldPaths restricts the patch to the named top-level fields. The store's
	// patch granularity is document level for arrays, so repositories restate
	// an entire collection field under a single path.
	FieldPaths []string
	// RequireUpdateTime, when non-empty, makes the patch conditional on the
	// document's current update time. A mismatch yields ErrPreconditionFailed.
	RequireUpdateTime string
	// RequireMissing, when true, makes the patch conditional on the document
	// not existing yet.
	RequireMissing bool
}

// Get fetches the document at path.
func (c *Client) Get(ctx context.Context, path string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create get request: %w", err)
	}
	return c.do(req, "get", path)
}

// Patch writes fields into the document at path, creating it if absent.
func (c *Client) Patch(ctx context.Context, path string, opts PatchOptions, fields map[string]Value) (*Document, error) {
	body, err := json.Marshal(Document{Fields: fields})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal patch body: %w", err)
	}

	u := c.BaseURL + "/v1/" + path
	q := url.Values{}
	for _, fp := range opts.FieldPaths {
		q.Add("updateMask.fieldPaths", fp)
	}
	if opts.RequireUpdateTime != "" {
		q.Set("currentDocument.updateTime", opts.RequireUpdateTime)
	}
	if opts.RequireMissing {
		q.Set("currentDocument.exists", "false")
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create patch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "patch", path)
}

// Delete removes the document at path. Deleting an absent document is not an
// error unless an update-time precondition is supplied.
func (c *Client) Delete(ctx context.Context, path string, requireUpdateTime string) error {
	u := c.BaseURL + "/v1/" + path
	if requireUpdateTime != "" {
		u += "?currentDocument.updateTime=" + url.QueryEscape(requireUpdateTime)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}
	_, err = c.do(req, "delete", path)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (c *Client) do(req *http.Request, op, path string) (*Document, error) {
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("x-ledger-key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: op, Path: path, Err: err}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: op, Path: path, Err: err}
	}

	if resp.StatusCode >= 500 {
		log.Printf("level=warn component=docstore op=%s path=%s status=%d msg=\"server error\"", op, path, resp.StatusCode)
		return nil, &TransientError{Op: op, Path: path, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope errorEnvelope
		if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
			log.Printf("level=warn component=docstore op=%s path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, path, resp.StatusCode)
			return nil, &StatusError{Op: op, Path: path, StatusCode: resp.StatusCode, Status: "UNKNOWN", Message: "unparsable error body"}
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusConflict,
			envelope.Error.Status == "FAILED_PRECONDITION",
			envelope.Error.Status == "ABORTED":
			return nil, ErrPreconditionFailed
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &TransientError{Op: op, Path: path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, envelope.Error.Message)}
		}
		log.Printf("level=warn component=docstore op=%s path=%s status=%d store_status=%q msg=%q", op, path, resp.StatusCode, envelope.Error.Status, envelope.Error.Message)
		return nil, &StatusError{Op: op, Path: path, StatusCode: resp.StatusCode, Status: envelope.Error.Status, Message: envelope.Error.Message}
	}

	if len(bodyBytes) == 0 {
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal(bodyBytes, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document response: %w", err)
	}
	return &doc, nil
}
