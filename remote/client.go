// Package remote adapts the blob API to the engine: every call goes
// through the shared resilient invoker, HTTP statuses map onto the
// engine's error taxonomy and rate-limit headers feed the governor.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	artifactsync "github.com/wolfeidau/artifact-sync"
	"github.com/wolfeidau/artifact-sync/resilience"
	"github.com/wolfeidau/artifact-sync/telemetry"
)

// Client talks to the remote collection API.
type Client struct {
	baseURL string
	host    string
	token   string
	invoker *resilience.Invoker
	headers HeaderScheme
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets a bearer token attached to every request.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHeaderScheme sets the rate-limit header translation.
func WithHeaderScheme(h HeaderScheme) ClientOption {
	return func(c *Client) {
		c.headers = h
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the given base URL, routing every call
// through the invoker.
func NewClient(baseURL string, invoker *resilience.Invoker, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base url %q has no host", baseURL)
	}

	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		host:    u.Host,
		invoker: invoker,
		headers: XRateLimitScheme{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BlobURL returns the URL of a collection's packaged blob.
func (c *Client) BlobURL(id artifactsync.CollectionID) string {
	return c.baseURL + "/collections/" + url.PathEscape(id.String()) + "/blob"
}

// FileURL returns the URL of one file within a collection.
func (c *Client) FileURL(id artifactsync.CollectionID, name string) string {
	return c.baseURL + "/collections/" + url.PathEscape(id.String()) + "/files/" + url.PathEscape(name)
}

// DownloadBlob fetches a collection's blob. The download streams to a
// temp file per attempt, so a retried attempt never hands back a
// partially read body; the returned reader deletes the temp file on
// close.
func (c *Client) DownloadBlob(ctx context.Context, id artifactsync.CollectionID) (io.ReadCloser, int64, error) {
	var (
		out  io.ReadCloser
		size int64
	)

	err := c.invoker.Invoke(ctx, c.host, func(ctx context.Context, conn *resilience.Conn) (*resilience.CallResult, error) {
		req, err := c.newRequest(ctx, http.MethodGet, c.BlobURL(id), nil)
		if err != nil {
			return nil, err
		}

		resp, err := conn.Client().Do(req)
		if err != nil {
			return nil, fmt.Errorf("performing request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		info, _ := c.headers.RateLimit(resp)
		if err := c.checkStatus(resp); err != nil {
			return info, err
		}

		tmp, err := os.CreateTemp("", "artifact-sync-blob-*")
		if err != nil {
			return info, fmt.Errorf("creating temp file: %w", err)
		}
		n, err := io.Copy(tmp, resp.Body)
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return info, fmt.Errorf("reading blob: %w", err)
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return info, fmt.Errorf("seeking temp file: %w", err)
		}

		telemetry.RecordTransferBytes(ctx, "download", n)
		out = &tempFileReader{f: tmp}
		size = n
		return info, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return out, size, nil
}

// StatBlob reports whether the collection's blob exists remotely and
// its size.
func (c *Client) StatBlob(ctx context.Context, id artifactsync.CollectionID) (int64, error) {
	var size int64

	err := c.invoker.Invoke(ctx, c.host, func(ctx context.Context, conn *resilience.Conn) (*resilience.CallResult, error) {
		req, err := c.newRequest(ctx, http.MethodHead, c.BlobURL(id), nil)
		if err != nil {
			return nil, err
		}

		resp, err := conn.Client().Do(req)
		if err != nil {
			return nil, fmt.Errorf("performing request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		info, _ := c.headers.RateLimit(resp)
		if err := c.checkStatus(resp); err != nil {
			return info, err
		}
		size = resp.ContentLength
		return info, nil
	})
	if err != nil {
		return 0, err
	}
	return size, nil
}

// UploadFile pushes one file to the collection. The body must be
// re-readable: each retry attempt seeks it back to the start.
func (c *Client) UploadFile(ctx context.Context, id artifactsync.CollectionID, name string, body io.ReadSeeker, size int64) error {
	return c.invoker.Invoke(ctx, c.host, func(ctx context.Context, conn *resilience.Conn) (*resilience.CallResult, error) {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return nil, artifactsync.Fatal(fmt.Errorf("rewinding body: %w", err))
		}

		req, err := c.newRequest(ctx, http.MethodPut, c.FileURL(id, name), io.NopCloser(body))
		if err != nil {
			return nil, err
		}
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := conn.Client().Do(req)
		if err != nil {
			return nil, fmt.Errorf("performing request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		info, _ := c.headers.RateLimit(resp)
		if err := c.checkStatus(resp); err != nil {
			return info, err
		}

		telemetry.RecordTransferBytes(ctx, "upload", size)
		return info, nil
	})
}

// DeleteFile removes one file from the collection.
func (c *Client) DeleteFile(ctx context.Context, id artifactsync.CollectionID, name string) error {
	return c.invoker.Invoke(ctx, c.host, func(ctx context.Context, conn *resilience.Conn) (*resilience.CallResult, error) {
		req, err := c.newRequest(ctx, http.MethodDelete, c.FileURL(id, name), nil)
		if err != nil {
			return nil, err
		}

		resp, err := conn.Client().Do(req)
		if err != nil {
			return nil, fmt.Errorf("performing request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		info, _ := c.headers.RateLimit(resp)
		if err := c.checkStatus(resp); err != nil {
			return info, err
		}
		return info, nil
	})
}

// FetchFunc returns a blob fetch function in the shape the cache
// store's Ensure expects, already wrapped by the invoker.
func (c *Client) FetchFunc(id artifactsync.CollectionID) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		rc, _, err := c.DownloadBlob(ctx, id)
		return rc, err
	}
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, artifactsync.Fatal(fmt.Errorf("creating request: %w", err))
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// checkStatus maps HTTP statuses onto the error taxonomy: 404 is a
// fatal not-found, 401/403 are fatal authorization denials, everything
// else non-2xx is retryable.
func (c *Client) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return artifactsync.Fatal(artifactsync.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return artifactsync.Fatal(fmt.Errorf("authorization denied: remote returned %d", resp.StatusCode))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// tempFileReader deletes its backing temp file on close.
type tempFileReader struct {
	f      *os.File
	closed bool
}

func (r *tempFileReader) Read(p []byte) (int, error) {
	return r.f.Read(p)
}

func (r *tempFileReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.f.Close()
	_ = os.Remove(r.f.Name())
	return err
}
