// Package fetch downloads artifacts to temporary files.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

var (
	// ErrNotFound is returned when the server answers with a 4xx status.
	ErrNotFound = errors.New("artifact not found")
	// ErrTransport is returned for every other failure: 5xx responses, network
	// errors, timeouts and an open circuit breaker.
	ErrTransport = errors.New("transport failure")
)

const (
	DefaultTimeout          = 60 * time.Second
	DefaultUserAgent        = "aqimport/1.0"
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 60 * time.Second
)

// ProgressFunc receives the number of bytes transferred so far and the total
// size, or -1 when the server did not announce one.
type ProgressFunc func(transferred, total int64)

// Options configures a Fetcher. Zero values select the defaults.
type Options struct {
	Timeout time.Duration
	// InsecureSkipVerify disables TLS certificate checks for this fetcher's
	// transport only.
	InsecureSkipVerify bool
	UserAgent          string
	// TempDir is where downloads are written; empty means os.TempDir().
	TempDir string
	// RequestsPerMinute paces requests; zero disables pacing.
	RequestsPerMinute int
	// BreakerThreshold is the number of consecutive transport failures that
	// opens the circuit; zero selects the default.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
	// HTTPClient replaces the fetcher's own client, for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Fetcher performs single-attempt downloads. It is safe for concurrent use.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	userAgent string
	tempDir   string
	logger    *slog.Logger
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = DefaultBreakerThreshold
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = DefaultBreakerCooldown
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := opts.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for hosts with broken chains
		}
		client = &http.Client{Timeout: opts.Timeout, Transport: transport}
	}

	f := &Fetcher{
		client:    client,
		userAgent: opts.UserAgent,
		tempDir:   opts.TempDir,
		logger:    opts.Logger,
	}
	if opts.RequestsPerMinute > 0 {
		f.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}

	threshold := opts.BreakerThreshold
	logger := opts.Logger
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fetch",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// A missing year is an answer, not a failing host.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return f
}

// Fetch downloads url into a new temporary file and returns its path. The
// caller owns the file and must remove it.
func (f *Fetcher) Fetch(ctx context.Context, url string, progress ProgressFunc) (string, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: waiting for rate limiter: %w", ErrTransport, err)
		}
	}

	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.get(ctx, url)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %s: %w", ErrTransport, url, err)
		}
		return "", err
	}
	resp := result.(*http.Response)
	defer resp.Body.Close()

	path, err := f.save(resp, progress)
	if err != nil {
		return "", fmt.Errorf("%w: downloading %s: %w", ErrTransport, url, err)
	}
	f.logger.Debug("downloaded artifact", "url", url, "path", path)
	return path, nil
}

// Do fetches url, hands the temporary file to fn and removes the file on
// every exit path.
func (f *Fetcher) Do(ctx context.Context, url string, progress ProgressFunc, fn func(path string) error) error {
	path, err := f.Fetch(ctx, url, progress)
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			f.logger.Warn("failed to remove temp file", "path", path, "error", rmErr)
		}
	}()
	return fn(path)
}

func (f *Fetcher) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrTransport, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		drain(resp)
		return nil, fmt.Errorf("%w: %s: %s", ErrNotFound, url, resp.Status)
	default:
		drain(resp)
		return nil, fmt.Errorf("%w: %s: %s", ErrTransport, url, resp.Status)
	}
}

func (f *Fetcher) save(resp *http.Response, progress ProgressFunc) (string, error) {
	tmp, err := os.CreateTemp(f.tempDir, "aqimport-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	var dst io.Writer = tmp
	if progress != nil {
		progress(0, resp.ContentLength)
		dst = &progressWriter{w: tmp, total: resp.ContentLength, fn: progress}
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return tmp.Name(), nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

type progressWriter struct {
	w     io.Writer
	n     int64
	total int64
	fn    ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.n += int64(n)
	p.fn(p.n, p.total)
	return n, err
}
