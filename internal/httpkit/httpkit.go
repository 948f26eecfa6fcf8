// Package httpkit builds the outbound HTTP clients used by the accounting
// client and the oracle providers. Every client shares the same dial and
// TLS timeouts, identifies itself with a User-Agent, and can retry
// connection failures that happen before a request reaches the server.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/ledger-agent/internal/buildinfo"
)

const (
	dialTimeout         = 10 * time.Second
	keepAlive           = 30 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	responseHeader      = 30 * time.Second
	idleConnTimeout     = 90 * time.Second
	maxIdleConnsPerHost = 4
)

// Option configures a client built by NewClient.
type Option func(*options)

type options struct {
	timeout    time.Duration
	userAgent  string
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithRetry retries dial-level failures up to count times, waiting
// delay between attempts.
func WithRetry(count int, delay time.Duration) Option {
	return func(o *options) {
		o.retryCount = count
		o.retryDelay = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewTransport returns an http.Transport with bounded dial, TLS and
// response-header timeouts.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeader,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client on a fresh transport.
func NewClient(opts ...Option) *http.Client {
	o := &options{
		timeout:   60 * time.Second,
		userAgent: buildinfo.UserAgent(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	var rt http.RoundTripper = &userAgentTransport{base: NewTransport(), ua: o.userAgent}
	if o.retryCount > 0 {
		rt = &retryTransport{base: rt, count: o.retryCount, delay: o.retryDelay, logger: o.logger}
	}

	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// retryTransport re-sends a request whose connection could not be
// established. Requests with a body are only retried when GetBody can
// rewind it.
type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil || !IsDialError(err) {
		return resp, err
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	for attempt := 1; attempt <= t.count; attempt++ {
		t.logger.Debug("retrying request after dial failure",
			"method", req.Method, "host", req.URL.Host, "attempt", attempt, "error", err)

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("rewind body: %w", bodyErr)
			}
			next.Body = body
		}

		resp, err = t.base.RoundTrip(next)
		if err == nil || !IsDialError(err) {
			return resp, err
		}
	}
	return resp, err
}

// IsDialError reports whether err is a connection failure that occurred
// before any request bytes were written.
func IsDialError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

// DrainAndClose discards up to limit bytes from rc and closes it so the
// connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc as a string for error
// messages and releases the connection.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 4096)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
