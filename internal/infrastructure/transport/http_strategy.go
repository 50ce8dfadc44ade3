package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/booking"
)

const defaultMaxResponseBytes = 10 * 1024 * 1024 // 10MB

// defaultUserAgent mirrors a current desktop Chrome; upstreams reject the Go
// default outright.
const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// HTTPConfig configures the plain HTTP strategy
type HTTPConfig struct {
	// Timeout bounds one request end to end
	Timeout time.Duration
	// UserAgent overrides the default browser-like agent
	UserAgent string
	// MaxResponseBytes caps how much of a response body is read
	MaxResponseBytes int64
}

// HTTPStrategy is the first rung: a standard client call. Fastest and
// cheapest, and the most likely to be blocked by fingerprint-based bot
// detection.
type HTTPStrategy struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
}

// HTTPStrategyOption is a functional option for configuring the strategy
type HTTPStrategyOption func(*HTTPStrategy)

// WithHTTPLogger sets the logger
func WithHTTPLogger(logger *zap.Logger) HTTPStrategyOption {
	return func(s *HTTPStrategy) {
		s.logger = logger
	}
}

// WithHTTPClient injects the underlying client, for tests
func WithHTTPClient(client *http.Client) HTTPStrategyOption {
	return func(s *HTTPStrategy) {
		s.client = client
	}
}

// NewHTTPStrategy creates the plain HTTP rung
func NewHTTPStrategy(cfg HTTPConfig, opts ...HTTPStrategyOption) *HTTPStrategy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	s := &HTTPStrategy{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// Redirects stay visible: a challenge redirect is a signal,
			// not something to follow
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind identifies the rung
func (s *HTTPStrategy) Kind() booking.TransportStrategy {
	return booking.StrategyHTTP
}

// CanHandle refuses session-bound calls without trust cookies; those belong
// to the browser rung.
func (s *HTTPStrategy) CanHandle(req *FetchRequest) bool {
	if req.RequiresSession && req.Header.Get("Cookie") == "" {
		return false
	}
	return true
}

// Fetch performs the request once
func (s *HTTPStrategy) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, NewFetchError(ErrCodeNetwork, "failed to build request", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeoutErr(err) {
			return nil, NewFetchError(ErrCodeTimeout, "request exceeded deadline", err)
		}
		return nil, NewFetchError(ErrCodeNetwork, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxResponseBytes))
	if err != nil {
		return nil, NewFetchError(ErrCodeNetwork, "failed to read response body", err)
	}

	return &FetchResult{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}

// Close releases idle connections
func (s *HTTPStrategy) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func isTimeoutErr(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

var _ Strategy = (*HTTPStrategy)(nil)
