package httpclient

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"genmedia-studio/internal/metrics"
)

type Options struct {
	PreferIPv4 bool
	Timeout    time.Duration
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// New returns a client tuned for long model calls. Every request is timed
// per host so slow inference endpoints show up in metrics.
func New(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   15 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if opts.PreferIPv4 {
				return dialer.DialContext(ctx, "tcp4", addr)
			}
			return dialer.DialContext(ctx, network, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: Instrument(transport, opts.Metrics, opts.Logger),
	}
}

// Instrument wraps next with duration metrics and debug logging.
func Instrument(next http.RoundTripper, m *metrics.Metrics, logger *slog.Logger) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &observedTransport{next: next, metrics: m, logger: logger}
}

type observedTransport struct {
	next    http.RoundTripper
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func (t *observedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	elapsed := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	t.metrics.Outbound(req.URL.Host, status, elapsed)
	if t.logger != nil {
		// URL path only; query strings may carry API keys.
		t.logger.Debug("outbound request", "method", req.Method, "host", req.URL.Host, "path", req.URL.Path, "status", status, "dur_ms", elapsed.Milliseconds())
	}
	return resp, err
}
