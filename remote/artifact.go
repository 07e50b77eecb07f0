package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// maxArtifactSize bounds artifact downloads to prevent resource exhaustion.
const maxArtifactSize = 2 * 1024 * 1024 * 1024 // 2GB

// ProgressFunc is called periodically during an artifact fetch with progress
// updates: bytes fetched, total bytes (0 if unknown), and bytes/sec.
type ProgressFunc func(fetched, total int64, speed float64)

// FetchResult contains the result of an artifact fetch.
type FetchResult struct {
	// LocalPath is the path to the fetched file.
	LocalPath string

	// SHA256 is the content hash computed while streaming.
	SHA256 string

	// SizeBytes is the size of the fetched file in bytes.
	SizeBytes int64
}

// ArtifactFetcher streams published model artifacts to local files. Artifacts
// are addressed by URL: "https" URLs are fetched over HTTP with the bearer
// credential attached, "s3" URLs ("s3://bucket/key") are streamed from
// S3-compatible object storage.
//
// Fetches are atomic (temp file + rename), hash-while-streaming, and
// size-limited. Hash comparison against server-declared values is the model
// lifecycle manager's job; this layer only reports what it saw.
type ArtifactFetcher struct {
	httpClient   *http.Client
	tokens       TokenSource
	s3Client     *s3.Client
	logger       logrus.FieldLogger
	progressFunc ProgressFunc
}

// NewArtifactFetcher creates an artifact fetcher. The AWS configuration uses
// the SDK default credential chain; with no credentials in the environment it
// falls back to anonymous access, which is sufficient for public artifact
// buckets.
func NewArtifactFetcher(ctx context.Context, region string, tokens TokenSource) (*ArtifactFetcher, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &ArtifactFetcher{
		httpClient: &http.Client{Timeout: 0}, // bounded by the caller's context
		tokens:     tokens,
		s3Client:   s3.NewFromConfig(awsCfg),
		logger:     logrus.New(),
	}, nil
}

// SetLogger sets a custom logger for the fetcher.
func (f *ArtifactFetcher) SetLogger(logger logrus.FieldLogger) {
	f.logger = logger
}

// SetProgressFunc sets a callback for progress updates during fetches.
func (f *ArtifactFetcher) SetProgressFunc(fn ProgressFunc) {
	f.progressFunc = fn
}

// Fetch streams the artifact at rawURL to destPath, computing its SHA256
// on-the-fly. The write is atomic: content lands in a temp file that is
// renamed into place only on success.
func (f *ArtifactFetcher) Fetch(ctx context.Context, rawURL, destPath string) (*FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid artifact URL %q: %w", rawURL, err)
	}

	logger := f.logger.WithFields(logrus.Fields{
		"url":  rawURL,
		"dest": destPath,
	})
	logger.Info("starting artifact fetch")

	var body io.ReadCloser
	var totalSize int64

	switch u.Scheme {
	case "s3":
		body, totalSize, err = f.openS3(ctx, u)
	case "http", "https":
		body, totalSize, err = f.openHTTP(ctx, rawURL)
	default:
		return nil, fmt.Errorf("unsupported artifact URL scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if totalSize > maxArtifactSize {
		return nil, fmt.Errorf("artifact too large: %d bytes (max %d)", totalSize, maxArtifactSize)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	tmpPath := destPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		// Clean up temp file if we didn't move it
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	multiWriter := io.MultiWriter(tmpFile, hash)

	// Wrap body with progress reader (log every 5s)
	pr := newProgressReader(body, logger, f.progressFunc, totalSize, 5*time.Second)

	written, err := io.Copy(multiWriter, io.LimitReader(pr, maxArtifactSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to stream artifact: %w", err)
	}
	if written > maxArtifactSize {
		return nil, fmt.Errorf("artifact exceeded size limit during streaming (max %d)", maxArtifactSize)
	}

	if f.progressFunc != nil {
		f.progressFunc(written, totalSize, 0)
	}

	if err := tmpFile.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, fmt.Errorf("failed to move file to destination: %w", err)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	logger.WithFields(logrus.Fields{
		"size":   written,
		"sha256": sum,
	}).Info("artifact fetch completed")

	return &FetchResult{
		LocalPath: destPath,
		SHA256:    sum,
		SizeBytes: written,
	}, nil
}

func (f *ArtifactFetcher) openS3(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, 0, fmt.Errorf("malformed s3 URL %q", u.String())
	}
	if strings.Contains(key, "..") {
		return nil, 0, fmt.Errorf("invalid s3 key %q", key)
	}

	headResp, err := f.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get artifact metadata: %w", err)
	}

	var totalSize int64
	if headResp.ContentLength != nil {
		totalSize = *headResp.ContentLength
	}

	getResp, err := f.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get artifact object: %w", err)
	}
	return getResp.Body, totalSize, nil
}

func (f *ArtifactFetcher) openHTTP(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build artifact request: %w", err)
	}
	if f.tokens != nil {
		token, err := f.tokens.Token(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to obtain credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("artifact request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, &StatusError{Status: resp.StatusCode, Body: "artifact fetch"}
	}
	return resp.Body, resp.ContentLength, nil
}

// progressReader wraps an io.Reader and logs periodic fetch progress.
// It is single-threaded (used with io.Copy) and not concurrency-safe.
type progressReader struct {
	r            io.Reader
	logger       logrus.FieldLogger
	progressFunc ProgressFunc
	total        int64
	read         int64
	started      time.Time
	lastLog      time.Time
	interval     time.Duration
}

func newProgressReader(r io.Reader, logger logrus.FieldLogger, progressFunc ProgressFunc, total int64, interval time.Duration) *progressReader {
	return &progressReader{r: r, logger: logger, progressFunc: progressFunc, total: total, started: time.Now(), interval: interval}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		now := time.Now()
		if p.lastLog.IsZero() || now.Sub(p.lastLog) >= p.interval {
			p.log(now)
			p.lastLog = now
		}
	}
	return n, err
}

func (p *progressReader) log(now time.Time) {
	percent := float64(0)
	if p.total > 0 {
		percent = (float64(p.read) / float64(p.total)) * 100
	}
	elapsed := now.Sub(p.started).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(p.read) / elapsed
	}
	p.logger.WithFields(logrus.Fields{
		"fetched": humanBytes(p.read),
		"total":   humanBytes(p.total),
		"percent": fmt.Sprintf("%.1f", percent),
	}).Info("artifact fetch progress")

	if p.progressFunc != nil {
		p.progressFunc(p.read, p.total, rate)
	}
}

func humanBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GiB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MiB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KiB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
