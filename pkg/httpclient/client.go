// Package httpclient provides the HTTP client used to fetch manifests and
// encryption keys, with automatic retries, exponential backoff and
// transparent decompression (gzip, deflate, brotli).
//
// Download reports the post-redirect effective URL alongside the body; the
// playlist parsers resolve relative references against it.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrMaxRetries       = errors.New("max retries exceeded")
	ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")
)

// Default configuration values.
const (
	DefaultTimeout           = 30 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryDelay        = 1 * time.Second
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultUserAgent         = "hlstree/1.0"
	DefaultAcceptEncoding    = "gzip, deflate, br"
)

// HTTP header constants.
const (
	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerUserAgent       = "User-Agent"

	encodingGzip    = "gzip"
	encodingDeflate = "deflate"
	encodingBrotli  = "br"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout is the overall request timeout.
	Timeout time.Duration

	// RetryAttempts is the number of retry attempts for failed requests.
	RetryAttempts int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// RetryMaxDelay is the maximum delay between retries.
	RetryMaxDelay time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// MaxResponseSize caps the decompressed body size in bytes.
	// Zero means no limit.
	MaxResponseSize int64

	// Logger is the structured logger for request logging.
	Logger *slog.Logger

	// BaseClient is the underlying http.Client. If nil, one is built from
	// Timeout.
	BaseClient *http.Client
}

// DefaultConfig returns a config with the package defaults applied.
func DefaultConfig() Config {
	return Config{
		Timeout:           DefaultTimeout,
		RetryAttempts:     DefaultRetryAttempts,
		RetryDelay:        DefaultRetryDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		UserAgent:         DefaultUserAgent,
	}
}

// Client downloads manifests and keys with retry and decompression.
type Client struct {
	cfg  Config
	base *http.Client
	log  *slog.Logger
}

// New creates a client from the given config, filling in defaults for
// unset fields.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:  cfg,
		base: base,
		log:  cfg.Logger.With(slog.String("component", "httpclient")),
	}
}

// Download fetches a URL and returns the decompressed body together with
// the post-redirect effective URL. Retryable failures (network errors,
// 429 and 5xx responses) are retried with exponential backoff until the
// configured attempts are exhausted.
func (c *Client) Download(ctx context.Context, url string, headers map[string]string) ([]byte, string, error) {
	delay := c.cfg.RetryDelay
	var lastErr error

	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying download",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.cfg.BackoffMultiplier)
			if delay > c.cfg.RetryMaxDelay {
				delay = c.cfg.RetryMaxDelay
			}
		}

		body, effectiveURL, retryable, err := c.downloadOnce(ctx, url, headers)
		if err == nil {
			return body, effectiveURL, nil
		}
		lastErr = err
		if !retryable {
			return nil, "", err
		}
	}

	return nil, "", fmt.Errorf("%w: %s: %v", ErrMaxRetries, url, lastErr)
}

func (c *Client) downloadOnce(ctx context.Context, url string, headers map[string]string) (body []byte, effectiveURL string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", false, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set(headerUserAgent, c.cfg.UserAgent)
	req.Header.Set(headerAcceptEncoding, DefaultAcceptEncoding)
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, "", true, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, "", retryable, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	reader, err := decompressingReader(resp)
	if err != nil {
		return nil, "", false, err
	}

	var limited io.Reader = reader
	if c.cfg.MaxResponseSize > 0 {
		limited = io.LimitReader(reader, c.cfg.MaxResponseSize+1)
	}

	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", true, fmt.Errorf("reading response body: %w", err)
	}
	if c.cfg.MaxResponseSize > 0 && int64(len(data)) > c.cfg.MaxResponseSize {
		return nil, "", false, ErrResponseTooLarge
	}

	// The request URL after redirects is the base for relative resolution.
	effectiveURL = resp.Request.URL.String()

	c.log.Debug("download complete",
		slog.String("url", url),
		slog.String("effective_url", effectiveURL),
		slog.Int("bytes", len(data)))

	return data, effectiveURL, false, nil
}

// decompressingReader wraps the response body according to its
// Content-Encoding header.
func decompressingReader(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get(headerContentEncoding)) {
	case encodingGzip:
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gz, nil
	case encodingDeflate:
		return flate.NewReader(resp.Body), nil
	case encodingBrotli:
		return brotli.NewReader(resp.Body), nil
	}
	return resp.Body, nil
}
