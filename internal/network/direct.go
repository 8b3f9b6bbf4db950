package network

import (
	"context"
	"net/http"
	"time"

	"github.com/breeze-rmm/updater/internal/httputil"
)

// DirectTransport performs requests synchronously with net/http.
type DirectTransport struct {
	// AllowInsecure permits plain http:// URLs.
	AllowInsecure bool
	// AttemptTimeout bounds a single request/response cycle. Zero leaves the
	// deadline to the caller's context.
	AttemptTimeout time.Duration
	UserAgent      string
}

func (t *DirectTransport) Name() string { return "direct" }

func (t *DirectTransport) Do(ctx context.Context, req *Request, proxy httputil.ProxyFunc) (*Response, error) {
	if err := checkScheme(req.URL, t.AllowInsecure); err != nil {
		return nil, err
	}
	hreq, err := buildHTTPRequest(ctx, req, t.UserAgent)
	if err != nil {
		return nil, err
	}

	client := httputil.NewClient(proxy, t.AttemptTimeout)
	defer httputil.CloseIdle(client)

	resp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		drain(resp.Body)
		return nil, &httputil.StatusError{StatusCode: resp.StatusCode, URL: req.URL}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Transport:  t.Name(),
	}
	if req.Dest != "" {
		out.Written, err = writeFile(req.Dest, resp.Body, 0, resp.ContentLength, false, req.Progress)
		return out, err
	}
	out.Body, err = readBody(resp.Body)
	if err != nil {
		return nil, err
	}
	out.Written = int64(len(out.Body))
	return out, nil
}
