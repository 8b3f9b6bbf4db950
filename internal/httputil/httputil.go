package httputil

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"time"
)

// ProxyFunc matches http.Transport.Proxy.
type ProxyFunc func(*url.URL) (*url.URL, error)

// UserAgent builds the User-Agent sent on every request.
func UserAgent(version string) string {
	return fmt.Sprintf("breeze-updater/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}

// NewClient returns an HTTP client that routes through proxy. A zero timeout
// leaves the deadline to the request context.
func NewClient(proxy ProxyFunc, timeout time.Duration) *http.Client {
	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          4,
		ForceAttemptHTTP2:     true,
	}
	if proxy != nil {
		tr.Proxy = func(r *http.Request) (*url.URL, error) { return proxy(r.URL) }
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// CloseIdle releases idle connections held by a client built with NewClient.
func CloseIdle(c *http.Client) {
	if c != nil {
		c.CloseIdleConnections()
	}
}

// IsRetryableStatus returns true for HTTP status codes that are safe to retry.
func IsRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// StatusError is returned when the server answered with a non-success status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return IsRetryableStatus(e.StatusCode)
}
