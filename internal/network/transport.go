package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/breeze-rmm/updater/internal/httputil"
)

// ErrUnsupported marks a capability mismatch between a transport and a
// request, including requests blocked by local policy. It is never retried on
// the same transport.
var ErrUnsupported = errors.New("transport does not support request")

// Request describes one logical HTTP operation.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Dest, when set, streams the response body to this file and leaves
	// Response.Body empty.
	Dest string
	// Progress is called with bytes written so far and the expected total
	// (zero when unknown).
	Progress func(done, total int64)
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// Response is the successful result of a transport attempt.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Written    int64
	Transport  string
}

// Transport is one concrete way to perform an HTTP(S) request.
type Transport interface {
	Name() string
	Do(ctx context.Context, req *Request, proxy httputil.ProxyFunc) (*Response, error)
}

// Select returns the transports named in order. Unknown names are an error;
// nil entries in all are skipped so optional transports can be passed through.
func Select(names []string, all ...Transport) ([]Transport, error) {
	byName := make(map[string]Transport, len(all))
	for _, t := range all {
		if t != nil {
			byName[t.Name()] = t
		}
	}
	out := make([]Transport, 0, len(names))
	for _, name := range names {
		t, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown or unavailable transport %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// maxBodyBytes caps in-memory response bodies.
const maxBodyBytes = 32 << 20

func readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 64<<10))
}

// writeFile streams r into path. When appendMode is set the file is extended
// from offset, otherwise it is truncated.
func writeFile(path string, r io.Reader, offset, total int64, appendMode bool, progress func(done, total int64)) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open download file: %w", err)
	}

	w := &progressWriter{w: f, done: offset, total: total, fn: progress}
	n, copyErr := io.Copy(w, r)
	closeErr := f.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if closeErr != nil {
		return n, fmt.Errorf("close download file: %w", closeErr)
	}
	return n, nil
}

// ctxReader stops a local copy once ctx ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type progressWriter struct {
	w     io.Writer
	done  int64
	total int64
	fn    func(done, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.fn != nil && n > 0 {
		p.fn(p.done, p.total)
	}
	return n, err
}

func buildHTTPRequest(ctx context.Context, req *Request, userAgent string) (*http.Request, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.method(), req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			hreq.Header.Add(k, v)
		}
	}
	if userAgent != "" && hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", userAgent)
	}
	return hreq, nil
}

func checkScheme(rawURL string, allowInsecure bool) error {
	switch {
	case strings.HasPrefix(rawURL, "https://"):
		return nil
	case strings.HasPrefix(rawURL, "http://"):
		if allowInsecure {
			return nil
		}
		return fmt.Errorf("%w: plain http blocked by policy", ErrUnsupported)
	default:
		return fmt.Errorf("%w: unsupported url %q", ErrUnsupported, rawURL)
	}
}
