package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/breeze-rmm/updater/internal/httputil"
)

// errRangeRestart signals that a partial file was discarded and the next
// attempt starts from zero.
var errRangeRestart = errors.New("server rejected resume range, restarting download")

// BackgroundTransport downloads files and resumes partial transfers left by
// earlier attempts using HTTP range requests.
type BackgroundTransport struct {
	AllowInsecure bool
	UserAgent     string
	// IdleTimeout bounds waiting for response headers.
	IdleTimeout time.Duration
}

func (t *BackgroundTransport) Name() string { return "background" }

func (t *BackgroundTransport) Do(ctx context.Context, req *Request, proxy httputil.ProxyFunc) (*Response, error) {
	if req.method() != http.MethodGet || req.Dest == "" {
		return nil, fmt.Errorf("%w: background transport only performs file downloads", ErrUnsupported)
	}
	if err := checkScheme(req.URL, t.AllowInsecure); err != nil {
		return nil, err
	}

	var offset int64
	if fi, err := os.Stat(req.Dest); err == nil && fi.Mode().IsRegular() {
		offset = fi.Size()
	}

	hreq, err := buildHTTPRequest(ctx, req, t.UserAgent)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		hreq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	client := httputil.NewClient(proxy, 0)
	if t.IdleTimeout > 0 {
		if tr, ok := client.Transport.(*http.Transport); ok {
			tr.ResponseHeaderTimeout = t.IdleTimeout
		}
	}
	defer httputil.CloseIdle(client)

	resp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Transport:  t.Name(),
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			drain(resp.Body)
			_ = os.Truncate(req.Dest, 0)
			return nil, errRangeRestart
		}
		log.Debug("resuming download", "url", req.URL, "offset", offset)
		n, err := writeFile(req.Dest, resp.Body, offset, total, true, req.Progress)
		out.Written = offset + n
		return out, err

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		drain(resp.Body)
		_ = os.Truncate(req.Dest, 0)
		return nil, errRangeRestart

	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		// The server ignored the range; start over.
		out.Written, err = writeFile(req.Dest, resp.Body, 0, resp.ContentLength, false, req.Progress)
		return out, err
	}

	drain(resp.Body)
	return nil, &httputil.StatusError{StatusCode: resp.StatusCode, URL: req.URL}
}

// parseContentRange parses "bytes START-END/TOTAL". TOTAL may be "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	rangePart, totalPart, found := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !found {
		return 0, 0, false
	}
	startPart, _, found := strings.Cut(rangePart, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if totalPart != "*" {
		total, err = strconv.ParseInt(totalPart, 10, 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return start, total, true
}
