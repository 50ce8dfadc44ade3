package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/textproto"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/reserva/backend/internal/domain/booking"
)

// curl exit code for --max-time expiry
const curlExitTimeout = 28

// CurlConfig configures the OS-native curl strategy
type CurlConfig struct {
	// BinaryPath overrides curl discovery via PATH
	BinaryPath string
	// Timeout bounds one invocation when the context has no deadline
	Timeout time.Duration
	// UserAgent overrides the default browser-like agent
	UserAgent string
	// MaxResponseBytes caps how much of a response is kept
	MaxResponseBytes int64
}

// CurlStrategy is the second rung: it shells out to the system curl, whose
// TLS and HTTP/2 fingerprint differs from Go's and slips past fingerprint-
// keyed blocks. Read-style fetches only; it never carries a submission.
type CurlStrategy struct {
	cfg        CurlConfig
	binaryPath string
	logger     *zap.Logger
}

// CurlStrategyOption is a functional option for configuring the strategy
type CurlStrategyOption func(*CurlStrategy)

// WithCurlLogger sets the logger
func WithCurlLogger(logger *zap.Logger) CurlStrategyOption {
	return func(s *CurlStrategy) {
		s.logger = logger
	}
}

// NewCurlStrategy creates the curl rung. A missing binary is not an error:
// the strategy reports CanHandle false and the ladder skips it.
func NewCurlStrategy(cfg CurlConfig, opts ...CurlStrategyOption) *CurlStrategy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	s := &CurlStrategy{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.binaryPath = resolveCurlPath(cfg.BinaryPath)
	if s.binaryPath == "" {
		s.logger.Warn("curl binary not found, strategy disabled")
	}
	return s
}

func resolveCurlPath(configured string) string {
	if configured != "" {
		if _, err := exec.LookPath(configured); err == nil {
			return configured
		}
		return ""
	}
	path, err := exec.LookPath("curl")
	if err != nil {
		return ""
	}
	return path
}

// Kind identifies the rung
func (s *CurlStrategy) Kind() booking.TransportStrategy {
	return booking.StrategyCurl
}

// CanHandle restricts the rung to read-style fetches with a resolved binary
func (s *CurlStrategy) CanHandle(req *FetchRequest) bool {
	if s.binaryPath == "" || req.StateChanging {
		return false
	}
	if req.RequiresSession && req.Header.Get("Cookie") == "" {
		return false
	}
	return true
}

// Fetch invokes curl once and parses the raw response
func (s *CurlStrategy) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	args := s.buildArgs(ctx, req)

	cmd := exec.CommandContext(ctx, s.binaryPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if len(req.Body) > 0 {
		cmd.Stdin = bytes.NewReader(req.Body)
	}

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewFetchError(ErrCodeTimeout, "curl exceeded the deadline", err)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == curlExitTimeout {
			return nil, NewFetchError(ErrCodeTimeout, "curl hit --max-time", err)
		}
		return nil, NewFetchError(ErrCodeCurlFailed,
			fmt.Sprintf("curl failed: %s", firstLine(stderr.String())), err)
	}

	raw := stdout.Bytes()
	if int64(len(raw)) > s.cfg.MaxResponseBytes {
		raw = raw[:s.cfg.MaxResponseBytes]
	}
	return parseCurlResponse(raw)
}

// buildArgs assembles the invocation. Redirects are not followed: a
// challenge redirect must stay visible to the classifier.
func (s *CurlStrategy) buildArgs(ctx context.Context, req *FetchRequest) []string {
	args := []string{"-s", "-S", "-i", "--compressed"}

	maxTime := s.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			maxTime = remaining
		}
	}
	args = append(args, "--max-time", strconv.Itoa(int(math.Ceil(maxTime.Seconds()))))

	if req.Method != "" && req.Method != http.MethodGet {
		args = append(args, "-X", req.Method)
	}
	if req.Header.Get("User-Agent") == "" {
		args = append(args, "-A", s.cfg.UserAgent)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			args = append(args, "-H", fmt.Sprintf("%s: %s", k, v))
		}
	}
	if len(req.Body) > 0 {
		args = append(args, "--data-binary", "@-")
	}

	return append(args, req.URL)
}

// parseCurlResponse splits curl -i output into status, headers and body,
// skipping interim 1xx blocks.
func parseCurlResponse(raw []byte) (*FetchResult, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	tp := textproto.NewReader(reader)

	var status int
	var header http.Header
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, NewFetchError(ErrCodeCurlFailed, "missing status line in curl output", err)
		}
		if !strings.HasPrefix(line, "HTTP/") {
			return nil, NewFetchError(ErrCodeCurlFailed,
				fmt.Sprintf("unexpected curl output line: %s", firstLine(line)), nil)
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, NewFetchError(ErrCodeCurlFailed, "malformed status line in curl output", nil)
		}
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, NewFetchError(ErrCodeCurlFailed, "malformed status code in curl output", err)
		}

		mime, err := tp.ReadMIMEHeader()
		if err != nil && code >= 200 {
			// Header block may legally end at EOF for bodyless responses
			mime = textproto.MIMEHeader{}
		}

		if code >= 100 && code < 200 {
			continue
		}
		status = code
		header = http.Header(mime)
		break
	}

	body := new(bytes.Buffer)
	_, _ = body.ReadFrom(reader)

	return &FetchResult{
		Status: status,
		Header: header,
		Body:   body.Bytes(),
	}, nil
}

// Close is a no-op; curl holds no persistent resources
func (s *CurlStrategy) Close() error {
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

var _ Strategy = (*CurlStrategy)(nil)
