// Package storage moves job inputs and artifacts in and out of Supabase
// Storage over its REST API.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/workflowlens/runner/internal/apperr"
)

const (
	objectPrefix       = "/storage/v1/object/"
	publicObjectPrefix = "/storage/v1/object/public/"

	maxErrorBody = 4096
)

// Client is the object storage contract used by the worker.
type Client interface {
	Download(ctx context.Context, bucket, path string, w io.Writer) (int64, error)
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error
	PublicURL(bucket, path string) string
}

// HTTPError is a non-2xx response from the storage API.
type HTTPError struct {
	Method     string
	Bucket     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("storage %s %s/%s failed: HTTP %d: %s", e.Method, e.Bucket, e.Path, e.StatusCode, e.Body)
}

// IsRetryable returns true for gateway failures, which are usually
// transient on the storage side.
func (e *HTTPError) IsRetryable() bool {
	switch e.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// SupabaseClient talks to {baseURL}/storage/v1 with the service key.
type SupabaseClient struct {
	baseURL    string
	key        string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Client = (*SupabaseClient)(nil)

func NewSupabaseClient(baseURL, key string, logger *slog.Logger) *SupabaseClient {
	return &SupabaseClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		logger: logger,
	}
}

// Download streams the object into w and returns the bytes written. An
// empty object is an error.
func (c *SupabaseClient) Download(ctx context.Context, bucket, path string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, bucket, path, nil)
	if err != nil {
		return 0, err
	}

	c.logger.Info("downloading object", "bucket", bucket, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperr.Transport("storage download", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp, http.MethodGet, bucket, path); err != nil {
		return 0, err
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, apperr.Transport("storage download", err)
	}
	if n == 0 {
		return 0, apperr.Errorf(apperr.KindValidation, "storage download", "downloaded object %s/%s is empty", bucket, path)
	}
	return n, nil
}

// Upload stores data at bucket/path, replacing any existing object. An
// empty contentType is sniffed from the data.
func (c *SupabaseClient) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}

	req, err := c.newRequest(ctx, http.MethodPost, bucket, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	c.logger.Info("uploading object",
		"bucket", bucket,
		"path", path,
		"content_type", contentType,
		"bytes", len(data),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Transport("storage upload", err)
	}
	defer resp.Body.Close()

	return checkResponse(resp, http.MethodPost, bucket, path)
}

// PublicURL is the unauthenticated URL of a public object.
func (c *SupabaseClient) PublicURL(bucket, path string) string {
	return c.baseURL + publicObjectPrefix + bucket + "/" + escapePath(path)
}

func (c *SupabaseClient) newRequest(ctx context.Context, method, bucket, path string, body io.Reader) (*http.Request, error) {
	if bucket == "" || path == "" {
		return nil, apperr.Errorf(apperr.KindValidation, "storage", "bucket and path are required")
	}
	u := c.baseURL + objectPrefix + bucket + "/" + escapePath(path)
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("apikey", c.key)
	return req, nil
}

func checkResponse(resp *http.Response, method, bucket, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	herr := &HTTPError{
		Method:     method,
		Bucket:     bucket,
		Path:       path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
	if herr.IsRetryable() {
		return apperr.E(apperr.KindNetwork, "storage", herr)
	}
	return apperr.E(apperr.KindStorage, "storage", herr)
}

func escapePath(path string) string {
	parts := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// ParsePublicURL splits a public object URL of the form
// https://<project>.supabase.co/storage/v1/object/public/<bucket>/<path>.
func ParsePublicURL(raw string) (bucket, path string, err error) {
	_, rest, ok := strings.Cut(raw, publicObjectPrefix)
	if !ok {
		return "", "", apperr.Errorf(apperr.KindValidation, "parse storage url", "invalid video URL format: %s", raw)
	}
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	bucket, path, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || path == "" {
		return "", "", apperr.Errorf(apperr.KindValidation, "parse storage url", "invalid video URL format: %s", raw)
	}
	if unescaped, err := url.PathUnescape(path); err == nil {
		path = unescaped
	}
	return bucket, path, nil
}
