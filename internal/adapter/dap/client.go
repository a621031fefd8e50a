// Package dap is a minimal OPeNDAP (DAP2) client: DDS metadata, strided
// hyperslab reads of .dods data, and the server's error payloads.
package dap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/forecast-ingest-service/internal/dataset"
	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
	"github.com/couchcryptid/forecast-ingest-service/internal/observability"
)

// Options tune the HTTP behaviour of a Client.
type Options struct {
	Timeout   time.Duration // per request
	RetryMax  int
	RateLimit float64 // requests per second; 0 disables limiting
	UserAgent string
}

// Client talks to an OPeNDAP server.
type Client struct {
	http      *retryablehttp.Client
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewClient creates a DAP client with retries and an optional request rate limit.
func NewClient(opts Options, logger *slog.Logger, metrics *observability.Metrics) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = logger
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && isErrorResponse(resp.Header) {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "forecast-ingest-service"
	}
	return &Client{
		http:      rc,
		limiter:   rate.NewLimiter(limit, 1),
		userAgent: ua,
		logger:    logger,
		metrics:   metrics,
	}
}

// CheckDDS makes one describe-only request for a dataset and returns an
// error if the server answers with an error payload or a malformed DDS.
func (c *Client) CheckDDS(ctx context.Context, datasetURL string) error {
	body, err := c.fetch(ctx, "dds", datasetURL+".dds", true)
	if err != nil {
		return err
	}
	if _, err := parseDDS(string(body)); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrDataUnavailable, datasetURL, err)
	}
	return nil
}

// Index fetches a catalog page such as the model's list of run days.
func (c *Client) Index(ctx context.Context, indexURL string) (string, error) {
	body, err := c.fetch(ctx, "index", indexURL, false)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Open fetches the DDS of a dataset and returns a handle for reading it.
func (c *Client) Open(ctx context.Context, datasetURL string) (dataset.Dataset, error) {
	body, err := c.fetch(ctx, "dds", datasetURL+".dds", false)
	if err != nil {
		return nil, err
	}
	d, err := parseDDS(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDataUnavailable, datasetURL, err)
	}
	return &remoteDataset{client: c, url: datasetURL, dds: d}, nil
}

func (c *Client) fetch(ctx context.Context, kind, rawURL string, once bool) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.do(ctx, rawURL, once)
	c.metrics.DAPRequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.DAPRequests.WithLabelValues(kind, "error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrNetworkUnavailable, rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.DAPRequests.WithLabelValues(kind, "error").Inc()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrNetworkUnavailable, rawURL, err)
	}

	if serr := errorPayload(resp.Header, body); serr != nil {
		c.metrics.DAPRequests.WithLabelValues(kind, "dods_error").Inc()
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrDataUnavailable, rawURL, serr)
	}
	if resp.StatusCode != http.StatusOK {
		c.metrics.DAPRequests.WithLabelValues(kind, "error").Inc()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s: status %d", domain.ErrDataUnavailable, rawURL, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s: status %d", domain.ErrNetworkUnavailable, rawURL, resp.StatusCode)
	}

	c.metrics.DAPRequests.WithLabelValues(kind, "success").Inc()
	return body, nil
}

// do sends a GET. once bypasses the retry policy.
func (c *Client) do(ctx context.Context, rawURL string, once bool) (*http.Response, error) {
	if once {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		return c.http.HTTPClient.Do(req)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	return c.http.Do(req)
}

// ServerError is the structured error payload of a DAP server.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %q", e.Code, e.Message)
}

// ErrMalformedError is returned when an error payload cannot be parsed.
var ErrMalformedError = errors.New("malformed server error payload")

var errorRe = regexp.MustCompile(`(?s)code\s*=\s*([^;]+);\s*message\s*=\s*"(.*)"`)

func isErrorResponse(h http.Header) bool {
	switch strings.ToLower(h.Get("Content-Description")) {
	case "dods_error", "dods-error":
		return true
	}
	return false
}

// errorPayload returns the server error carried by a response, or nil.
func errorPayload(h http.Header, body []byte) error {
	if !isErrorResponse(h) && !bytes.HasPrefix(bytes.TrimSpace(body), []byte("Error {")) {
		return nil
	}
	m := errorRe.FindSubmatch(body)
	if m == nil {
		return ErrMalformedError
	}
	return &ServerError{Code: strings.TrimSpace(string(m[1])), Message: string(m[2])}
}
