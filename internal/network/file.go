package network

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/breeze-rmm/updater/internal/httputil"
)

// FileTransport copies file:// payloads, which is how offline manifests
// point at installers that are already on disk.
type FileTransport struct{}

func (t *FileTransport) Name() string { return "file" }

func (t *FileTransport) Do(ctx context.Context, req *Request, _ httputil.ProxyFunc) (*Response, error) {
	if req.method() != http.MethodGet || req.Dest == "" {
		return nil, fmt.Errorf("%w: file transport only performs file downloads", ErrUnsupported)
	}
	src, err := FilePath(req.URL)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(src)
	if err != nil {
		// A missing local payload will not appear on retry.
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	defer f.Close()

	var total int64
	if fi, err := f.Stat(); err == nil {
		total = fi.Size()
	}
	n, err := writeFile(req.Dest, &ctxReader{ctx: ctx, r: f}, 0, total, false, req.Progress)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: http.StatusOK, Written: n, Transport: t.Name()}, nil
}

// FilePath returns the local path named by a file:// URL.
func FilePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("%w: not a file url %q", ErrUnsupported, rawURL)
	}
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		// UNC share: file://server/share/x
		p = `\\` + u.Host + p
	} else if len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		// Drive letter: file:///C:/x
		p = p[1:]
	}
	return p, nil
}

// FileURL builds a file:// URL for a local path.
func FileURL(path string) string {
	path = strings.ReplaceAll(path, `\`, "/")
	if len(path) >= 2 && path[1] == ':' {
		path = "/" + path
	}
	return (&url.URL{Scheme: "file", Path: path}).String()
}
