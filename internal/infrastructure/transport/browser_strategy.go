package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/booking"
)

const (
	defaultNavTimeout    = 45 * time.Second
	defaultInterceptWait = 20 * time.Second
	defaultIdleTimeout   = 3 * time.Minute
)

// BrowserConfig configures the browser strategy
type BrowserConfig struct {
	// Enabled gates the rung entirely
	Enabled bool
	// Headless runs the browser without a display (default true)
	Headless bool
	// NoSandbox runs Chrome without its sandbox (required under Docker/root)
	NoSandbox bool
	// UserAgent overrides the browser's default agent
	UserAgent string
	// NavTimeout bounds one page operation
	NavTimeout time.Duration
	// InterceptWait bounds how long a page may take to trigger the awaited
	// response before the capture fails
	InterceptWait time.Duration
	// IdleTimeout tears the session down after this much inactivity
	IdleTimeout time.Duration
	// PacingMin and PacingMax bound the human-like delay before actions
	PacingMin time.Duration
	PacingMax time.Duration
}

// BrowserStrategy is the heaviest rung: a real browser session. It either
// captures the network response the page naturally triggers, or issues the
// call from inside the page so session trust cookies attach automatically.
//
// The session is the only long-lived mutable resource in the ladder. It is
// exclusively owned: concurrent operations queue on the strategy mutex, the
// session is reused across sequential operations, and it is torn down on
// Close or after the configured idle period.
type BrowserStrategy struct {
	cfg    BrowserConfig
	logger *zap.Logger
	pacer  *Pacer

	mu          sync.Mutex
	allocCtx    context.Context
	allocCancel context.CancelFunc
	sessCtx     context.Context
	sessCancel  context.CancelFunc
	idleTimer   *time.Timer
	lastUsed    time.Time
	closed      bool
}

// BrowserStrategyOption is a functional option for configuring the strategy
type BrowserStrategyOption func(*BrowserStrategy)

// WithBrowserLogger sets the logger
func WithBrowserLogger(logger *zap.Logger) BrowserStrategyOption {
	return func(s *BrowserStrategy) {
		s.logger = logger
	}
}

// NewBrowserStrategy creates the browser rung. The browser itself starts
// lazily on first use.
func NewBrowserStrategy(cfg BrowserConfig, opts ...BrowserStrategyOption) *BrowserStrategy {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	if cfg.InterceptWait <= 0 {
		cfg.InterceptWait = defaultInterceptWait
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	s := &BrowserStrategy{
		cfg:    cfg,
		logger: zap.NewNop(),
		pacer:  NewPacer(cfg.PacingMin, cfg.PacingMax),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind identifies the rung
func (s *BrowserStrategy) Kind() booking.TransportStrategy {
	return booking.StrategyBrowser
}

// CanHandle requires the rung to be enabled and the request to name a page
// the session can visit.
func (s *BrowserStrategy) CanHandle(req *FetchRequest) bool {
	return s.cfg.Enabled && req.PageURL != ""
}

// Fetch performs the request through the browser session. Operations on the
// shared session never race: callers queue here.
func (s *BrowserStrategy) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureSession(); err != nil {
		return nil, err
	}
	defer s.touch()

	// Pacing before the action is a correctness requirement against
	// volume-based bot defenses
	if err := s.pacer.Wait(ctx); err != nil {
		return nil, NewFetchError(ErrCodeTimeout, "cancelled during pacing delay", err)
	}

	if req.InterceptPattern != "" {
		return s.intercept(ctx, req)
	}
	return s.pageFetch(ctx, req)
}

// ensureSession starts or revives the browser session. Callers hold s.mu.
func (s *BrowserStrategy) ensureSession() error {
	if s.closed {
		return NewFetchError(ErrCodeBrowserFailed, "browser strategy is closed", nil)
	}
	if s.sessCtx != nil && s.sessCtx.Err() == nil {
		return nil
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-default-apps", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true), // Important for Docker
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-sync", true),
		chromedp.UserAgent(s.cfg.UserAgent),
	)
	if s.cfg.NoSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}

	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	s.sessCtx, s.sessCancel = chromedp.NewContext(s.allocCtx,
		chromedp.WithLogf(func(format string, args ...interface{}) {
			s.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	// Spawn the browser now so the first operation pays for navigation only
	if err := chromedp.Run(s.sessCtx); err != nil {
		s.teardownLocked()
		return NewFetchError(ErrCodeBrowserFailed, "failed to start browser", err)
	}

	s.logger.Info("browser session started",
		zap.Bool("headless", s.cfg.Headless),
		zap.Duration("idle_timeout", s.cfg.IdleTimeout))
	return nil
}

// touch refreshes the idle clock after an operation. Callers hold s.mu.
func (s *BrowserStrategy) touch() {
	s.lastUsed = time.Now()
	if s.idleTimer == nil {
		s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, s.idleTeardown)
		return
	}
	s.idleTimer.Reset(s.cfg.IdleTimeout)
}

// idleTeardown closes the session once it has truly sat idle for the
// configured period.
func (s *BrowserStrategy) idleTeardown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.sessCtx == nil {
		return
	}
	if elapsed := time.Since(s.lastUsed); elapsed < s.cfg.IdleTimeout {
		s.idleTimer.Reset(s.cfg.IdleTimeout - elapsed)
		return
	}

	s.logger.Info("tearing down idle browser session")
	s.teardownLocked()
}

// teardownLocked cancels the session and allocator. Callers hold s.mu.
func (s *BrowserStrategy) teardownLocked() {
	if s.sessCancel != nil {
		s.sessCancel()
		s.sessCancel = nil
		s.sessCtx = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
		s.allocCtx = nil
	}
}

// opContext builds a per-operation tab context bounded by NavTimeout and the
// caller's context. Each operation runs in a fresh tab of the shared session
// so listeners die with the operation while cookies persist in the profile.
func (s *BrowserStrategy) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, opCancel := context.WithTimeout(s.sessCtx, s.cfg.NavTimeout)
	tabCtx, tabCancel := chromedp.NewContext(opCtx)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			tabCancel()
			opCancel()
		case <-stop:
		}
	}()

	return tabCtx, func() {
		close(stop)
		tabCancel()
		opCancel()
	}
}

// intercept navigates the page and captures the response it naturally
// triggers. The wait is bounded: the caller always gets a captured response
// or a timeout error, never silence.
func (s *BrowserStrategy) intercept(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	tabCtx, cancel := s.opContext(ctx)
	defer cancel()

	var (
		capMu     sync.Mutex
		matchID   network.RequestID
		matchResp *network.Response
		once      sync.Once
	)
	done := make(chan struct{})

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			capMu.Lock()
			if matchID == "" && strings.Contains(e.Response.URL, req.InterceptPattern) {
				matchID = e.RequestID
				matchResp = e.Response
			}
			capMu.Unlock()
		case *network.EventLoadingFinished:
			capMu.Lock()
			hit := matchID != "" && e.RequestID == matchID
			capMu.Unlock()
			if hit {
				once.Do(func() { close(done) })
			}
		}
	})

	if err := chromedp.Run(tabCtx, network.Enable(), chromedp.Navigate(req.PageURL)); err != nil {
		return nil, s.runError(ctx, "navigation failed", err)
	}

	waiter := time.NewTimer(s.cfg.InterceptWait)
	defer waiter.Stop()
	select {
	case <-done:
	case <-waiter.C:
		return nil, NewFetchError(ErrCodeInterceptTimeout,
			fmt.Sprintf("page never triggered a response matching %q", req.InterceptPattern), nil)
	case <-tabCtx.Done():
		return nil, s.runError(ctx, "interception aborted", tabCtx.Err())
	}

	var body []byte
	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(cctx context.Context) error {
		b, err := network.GetResponseBody(matchID).Do(cctx)
		if err != nil {
			return err
		}
		body = b
		return nil
	}))
	if err != nil {
		return nil, s.runError(ctx, "failed to read intercepted body", err)
	}

	capMu.Lock()
	defer capMu.Unlock()
	return &FetchResult{
		Status: int(matchResp.Status),
		Header: networkHeaders(matchResp.Headers),
		Body:   body,
	}, nil
}

// pageFetch issues the request from inside the page's execution context so
// session-bound trust cookies attach automatically.
func (s *BrowserStrategy) pageFetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	tabCtx, cancel := s.opContext(ctx)
	defer cancel()

	if err := chromedp.Run(tabCtx, chromedp.Navigate(req.PageURL)); err != nil {
		return nil, s.runError(ctx, "navigation failed", err)
	}

	if err := s.pacer.Wait(ctx); err != nil {
		return nil, NewFetchError(ErrCodeTimeout, "cancelled during pacing delay", err)
	}

	js, err := buildPageFetchJS(req)
	if err != nil {
		return nil, NewFetchError(ErrCodeBrowserFailed, "failed to build page fetch", err)
	}

	var out string
	err = chromedp.Run(tabCtx, chromedp.Evaluate(js, &out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, s.runError(ctx, "page fetch failed", err)
	}

	var decoded struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		return nil, NewFetchError(ErrCodeBrowserFailed, "unexpected page fetch result", err)
	}

	return &FetchResult{
		Status: decoded.Status,
		Header: http.Header{},
		Body:   []byte(decoded.Body),
	}, nil
}

// buildPageFetchJS renders the in-page fetch expression. credentials:
// 'include' is the point of the exercise: the session's cookies ride along.
func buildPageFetchJS(req *FetchRequest) (string, error) {
	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	headerJSON, err := json.Marshal(headers)
	if err != nil {
		return "", err
	}

	bodyJS := "null"
	if len(req.Body) > 0 {
		encoded, err := json.Marshal(string(req.Body))
		if err != nil {
			return "", err
		}
		bodyJS = string(encoded)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	return fmt.Sprintf(`(async () => {
	const resp = await fetch(%q, {method: %q, headers: %s, body: %s, credentials: 'include'});
	const text = await resp.text();
	return JSON.stringify({status: resp.status, body: text});
})()`, req.URL, method, string(headerJSON), bodyJS), nil
}

// runError maps a chromedp failure onto the fetch error codes
func (s *BrowserStrategy) runError(ctx context.Context, message string, err error) *FetchError {
	if ctx.Err() != nil || err == context.DeadlineExceeded {
		return NewFetchError(ErrCodeTimeout, message, err)
	}
	s.logger.Error("browser operation failed", zap.String("detail", message), zap.Error(err))
	return NewFetchError(ErrCodeBrowserFailed, message, err)
}

// networkHeaders flattens CDP headers into an http.Header
func networkHeaders(h network.Headers) http.Header {
	out := http.Header{}
	for k, v := range h {
		out.Set(k, fmt.Sprint(v))
	}
	return out
}

// Close tears the session down. Safe to call more than once.
func (s *BrowserStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.teardownLocked()
	return nil
}

var _ Strategy = (*BrowserStrategy)(nil)
