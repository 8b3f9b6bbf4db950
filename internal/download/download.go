// Package download fetches update payloads into a per-session staging
// directory through the network fallback chain.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/network"
	"github.com/breeze-rmm/updater/internal/worker"
)

var log = logging.L("download")

// ErrUnsafeName is returned for payload, app or session names that would
// escape the staging directory.
var ErrUnsafeName = errors.New("unsafe path component")

// Downloader stages payloads under Dir/<session>/<app>/<name>. With a Cache,
// a payload whose digest is cached is copied instead of fetched.
type Downloader struct {
	Dir    string
	Client *network.Client
	Cache  *Cache
}

func New(dir string, client *network.Client) *Downloader {
	return &Downloader{Dir: dir, Client: client}
}

// Path returns where the payload for app in session is staged.
func (d *Downloader) Path(sessionID, appID, name string) (string, error) {
	parts := []string{sessionID, appID, name}
	for _, p := range parts {
		if err := checkComponent(p); err != nil {
			return "", err
		}
	}
	return filepath.Join(d.Dir, sessionID, appID, name), nil
}

// Download fetches req.Package, trying each of its URLs in order. Every URL
// runs the full transport chain. The partial file is removed on failure.
func (d *Downloader) Download(ctx context.Context, req worker.DownloadRequest) (string, error) {
	pkg := req.Package
	if len(pkg.URLs) == 0 {
		return "", errors.New("package has no download URLs")
	}
	path, err := d.Path(req.SessionID, req.AppID, pkg.Name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	appLog := log.With(logging.KeyAppID, req.AppID, logging.KeySessionID, req.SessionID)
	start := time.Now()

	if d.Cache != nil && pkg.Hash != "" {
		hit, err := d.Cache.Fetch(pkg.Hash, path)
		switch {
		case err != nil:
			appLog.Warn("payload cache lookup failed", logging.KeyError, err)
		case hit:
			appLog.Info("payload served from cache", "hash", pkg.Hash)
			if req.Progress != nil && pkg.Size > 0 {
				req.Progress(pkg.Size, pkg.Size)
			}
			return path, nil
		}
	}

	var lastErr error
	for _, u := range pkg.URLs {
		op := d.Client.NewOperation(&network.Request{
			Method:   http.MethodGet,
			URL:      u,
			Dest:     path,
			Progress: req.Progress,
		})
		resp, err := op.Run(ctx)
		if err == nil {
			appLog.Info("payload downloaded",
				"url", u,
				"transport", resp.Transport,
				"bytes", resp.Written,
				logging.KeyDurationMs, time.Since(start).Milliseconds())
			if pkg.Size > 0 && resp.Written != pkg.Size {
				appLog.Warn("payload size differs from manifest", "expected", pkg.Size, "actual", resp.Written)
			}
			return path, nil
		}
		lastErr = err
		appLog.Warn("download url failed", "url", u, "attempts", len(op.Trace()), logging.KeyError, err)

		var netErr *network.Error
		if errors.As(err, &netErr) && netErr.Kind != network.KindNetwork {
			break
		}
	}

	d.discard(path)
	return "", lastErr
}

// Store records a verified payload in the cache, if there is one.
func (d *Downloader) Store(hash, path string) error {
	if d.Cache == nil || hash == "" {
		return nil
	}
	return d.Cache.Store(hash, path)
}

// Purge removes everything staged for a session.
func (d *Downloader) Purge(sessionID string) error {
	if err := checkComponent(sessionID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(d.Dir, sessionID))
}

func (d *Downloader) discard(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("removing partial payload", "path", path, logging.KeyError, err)
	}
	// Drop the app and session directories once they are empty.
	dir := filepath.Dir(path)
	for i := 0; i < 2 && dir != d.Dir; i++ {
		if os.Remove(dir) != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

func checkComponent(s string) error {
	switch {
	case s == "", s == ".", s == "..",
		strings.ContainsAny(s, `/\`),
		filepath.Base(s) != s:
		return fmt.Errorf("%w: %q", ErrUnsafeName, s)
	}
	return nil
}
