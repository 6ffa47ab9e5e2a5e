package durablestreams

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy governs transport-level connection reuse, not
// application-level retry-with-backoff, which callers compose themselves
// around Stream operations.
type RetryPolicy struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// DefaultRetryPolicy returns the connection-reuse tuning applied to the
// default HTTP transport.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
}

type clientConfig struct {
	httpClient  *http.Client
	baseURL     string
	retryPolicy *RetryPolicy
	logger      *zap.Logger
}

// ClientOption configures a Client constructed via NewClient.
type ClientOption func(*clientConfig)

// WithHTTPClient supplies a pre-configured HTTP client, e.g. one shared
// across many Stream handles to avoid connection churn.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cfg *clientConfig) { cfg.httpClient = c }
}

// WithBaseURL sets a prefix prepended to any non-absolute URL passed to
// Client.Stream.
func WithBaseURL(baseURL string) ClientOption {
	return func(cfg *clientConfig) { cfg.baseURL = baseURL }
}

// WithRetryPolicy overrides the default transport connection-reuse tuning.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(cfg *clientConfig) { cfg.retryPolicy = &p }
}

// WithLogger attaches a structured logger to the Client. Defaults to a no-op
// logger. The Client only stores it: no Client, Stream, or sync batcher
// operation logs through it, and the idempotent producer and StreamDB take
// their own loggers (WithProducerLogger, streamdb.WithLogger).
func WithLogger(l *zap.Logger) ClientOption {
	return func(cfg *clientConfig) { cfg.logger = l }
}

// Client is a Durable Streams client. It is safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	retryPolicy RetryPolicy
	logger      *zap.Logger
}

// NewClient creates a new Durable Streams client.
//
// Example:
//
//	client := durablestreams.NewClient()
//	stream := client.Stream("https://example.com/streams/my-stream")
func NewClient(opts ...ClientOption) *Client {
	cfg := &clientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	retryPolicy := DefaultRetryPolicy()
	if cfg.retryPolicy != nil {
		retryPolicy = *cfg.retryPolicy
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        retryPolicy.MaxIdleConns,
				MaxIdleConnsPerHost: retryPolicy.MaxIdleConnsPerHost,
				IdleConnTimeout:     retryPolicy.IdleConnTimeout,
			},
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimSuffix(cfg.baseURL, "/"),
		retryPolicy: retryPolicy,
		logger:      logger,
	}
}

// Stream returns a handle to a stream at the given URL. No network request
// is made until an operation is called.
//
// The url can be:
//   - A full URL: "https://example.com/streams/my-stream"
//   - A path (if baseURL was set): "/streams/my-stream"
func (c *Client) Stream(url string) *Stream {
	fullURL := url
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		if c.baseURL != "" {
			fullURL = c.baseURL + url
		}
	}

	return &Stream{
		url:    fullURL,
		client: c,
	}
}

// HTTPClient returns the underlying HTTP client. Useful for advanced
// configuration or testing.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}
