// Package remote implements the client for the CropDoc remote authority: the
// backend that is the source of truth for disease results, subscription
// state, and published model artifacts.
//
// The client covers the REST surface (model metadata, diagnosis upload,
// rating submission, usage endpoints) and streaming artifact fetches from
// either HTTPS or S3-compatible object storage. All requests carry a bearer
// credential obtained from a TokenSource supplied by the auth collaborator;
// credential refresh on 401 is that collaborator's concern, not this
// package's.
//
// Idempotent reads (latest-model metadata, usage fetch) are retried with
// exponential backoff on transient failures. Mutating calls are issued once;
// their retry semantics belong to the sync orchestrator.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrQuotaExceeded is returned by RecordUsageAttempt when the remote
// authority rejects the attempt because the daily allowance is exhausted.
// This is a routing signal, not a failure: callers re-fetch the authoritative
// limit-reached state instead of falling back locally.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// StatusError reports a non-2xx response from the remote authority.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote authority returned %d: %s", e.Status, e.Body)
}

// TokenSource supplies the bearer credential attached to every request.
// Implemented by the external auth collaborator.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed credential. Useful for tests
// and single-credential deployments.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(ctx context.Context) (string, error) { return string(t), nil }

// Config holds remote client configuration.
type Config struct {
	// BaseURL is the remote authority's API root, e.g. "https://api.cropdoc.dev/v1".
	BaseURL string

	// Tokens supplies bearer credentials.
	Tokens TokenSource

	// HTTPTimeout bounds each individual HTTP request.
	HTTPTimeout time.Duration

	// RetryMaxElapsed bounds the backoff retry window for idempotent reads.
	RetryMaxElapsed time.Duration
}

// DefaultConfig returns a default remote client configuration.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:     30 * time.Second,
		RetryMaxElapsed: 20 * time.Second,
	}
}

// Client talks to the remote authority.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	retryMax   time.Duration
	logger     logrus.FieldLogger
}

// New creates a remote client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = DefaultConfig().HTTPTimeout
	}
	if cfg.RetryMaxElapsed == 0 {
		cfg.RetryMaxElapsed = DefaultConfig().RetryMaxElapsed
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		tokens:     cfg.Tokens,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		retryMax:   cfg.RetryMaxElapsed,
		logger:     logrus.New(),
	}, nil
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger logrus.FieldLogger) {
	c.logger = logger
}

// SetHTTPClient replaces the underlying HTTP client. Used by tests to point
// the client at a stub server transport.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// LatestModel fetches metadata for the most recently published model
// artifact. Transient failures are retried with exponential backoff.
func (c *Client) LatestModel(ctx context.Context) (*ModelMetadata, error) {
	var meta ModelMetadata
	err := c.getJSONWithRetry(ctx, "/models/latest", &meta)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest model metadata: %w", err)
	}
	return &meta, nil
}

// SubmitDiagnosis uploads the image at imagePath and returns the server's
// disease identification. Issued once; the caller owns fallback behavior.
func (c *Client) SubmitDiagnosis(ctx context.Context, imagePath string) (*DiagnosisResult, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(imagePath))
	if err != nil {
		return nil, fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize upload form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/diagnoses", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var result DiagnosisResult
	if err := c.do(req, &result); err != nil {
		return nil, fmt.Errorf("diagnosis upload failed: %w", err)
	}
	return &result, nil
}

// SubmitRating pushes one model quality rating. Safe to retry: the server
// deduplicates on the client-generated rating id.
func (c *Client) SubmitRating(ctx context.Context, r *RatingSubmission) error {
	if err := c.postJSON(ctx, "/models/"+url.PathEscape(r.ModelID)+"/ratings", r, nil); err != nil {
		return fmt.Errorf("rating submission failed: %w", err)
	}
	return nil
}

// SubmitDiagnosisRecord pushes one locally-produced diagnosis record during
// sync. Safe to retry: the server deduplicates on the record id.
func (c *Client) SubmitDiagnosisRecord(ctx context.Context, d *DiagnosisSubmission) error {
	if err := c.postJSON(ctx, "/diagnoses/records", d, nil); err != nil {
		return fmt.Errorf("diagnosis record submission failed: %w", err)
	}
	return nil
}

// FetchUsage retrieves the server-authoritative subscription and today's
// usage. Transient failures are retried with exponential backoff.
func (c *Client) FetchUsage(ctx context.Context) (*UsageSnapshot, error) {
	var snap UsageSnapshot
	if err := c.getJSONWithRetry(ctx, "/usage", &snap); err != nil {
		return nil, fmt.Errorf("failed to fetch usage: %w", err)
	}
	return &snap, nil
}

// RecordUsageAttempt asks the remote authority to atomically
// increment-and-check today's attempt count. Returns ErrQuotaExceeded when
// the allowance is exhausted; any other non-2xx surfaces as a StatusError.
// Not retried: the operation is not idempotent.
func (c *Client) RecordUsageAttempt(ctx context.Context) (*UsageSnapshot, error) {
	var snap UsageSnapshot
	err := c.postJSON(ctx, "/usage/attempts", nil, &snap)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusTooManyRequests {
			return nil, ErrQuotaExceeded
		}
		return nil, fmt.Errorf("failed to record usage attempt: %w", err)
	}
	return &snap, nil
}

// --- request plumbing ---

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Bounded read so a misbehaving server cannot balloon the error.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) getJSONWithRetry(ctx context.Context, path string, out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.retryMax

	return backoff.Retry(func() error {
		err := c.getJSON(ctx, path, out)
		if err == nil {
			return nil
		}
		// 4xx responses will not improve with retries.
		var se *StatusError
		if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 {
			return backoff.Permanent(err)
		}
		c.logger.WithError(err).WithField("path", path).Warn("remote read failed, will retry")
		return err
	}, backoff.WithContext(bo, ctx))
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}
