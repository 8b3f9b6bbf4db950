// Package manifest resolves update checks, either against the update server
// or against manifests staged in a local directory.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/network"
	"github.com/breeze-rmm/updater/internal/worker"
)

var log = logging.L("manifest")

var (
	// ErrAppNotInResponse is returned when the server reply omits the app.
	ErrAppNotInResponse = errors.New("app missing from update response")
	// ErrNoOfflineManifest is returned when no manifest is staged for an app.
	ErrNoOfflineManifest = errors.New("no offline manifest")
)

// Client checks for updates against an update server.
type Client struct {
	URL            string
	Net            *network.Client
	UpdaterVersion string

	hostOnce sync.Once
	hostOS   OSInfo
}

func NewClient(updateURL string, net *network.Client, updaterVersion string) *Client {
	return &Client{URL: updateURL, Net: net, UpdaterVersion: updaterVersion}
}

// CheckForUpdate asks the server whether req's app has a newer version.
func (c *Client) CheckForUpdate(ctx context.Context, req worker.CheckRequest) (worker.CheckResult, error) {
	body, err := json.Marshal(c.buildRequest(ctx, req))
	if err != nil {
		return worker.CheckResult{}, fmt.Errorf("encode update request: %w", err)
	}

	resp, err := c.Net.Do(ctx, &network.Request{
		Method: "POST",
		URL:    c.URL,
		Header: map[string][]string{"Content-Type": {"application/json"}},
		Body:   body,
	})
	if err != nil {
		return worker.CheckResult{}, err
	}

	var parsed CheckResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return worker.CheckResult{}, fmt.Errorf("decode update response: %w", err)
	}
	return resultFor(parsed, req.AppID, c.URL)
}

func (c *Client) buildRequest(ctx context.Context, req worker.CheckRequest) CheckRequest {
	return CheckRequest{Request: RequestBody{
		Protocol:       ProtocolVersion,
		RequestID:      uuid.NewString(),
		SessionID:      req.SessionID,
		InstallSource:  string(req.Policy.InstallSource),
		UpdaterVersion: c.UpdaterVersion,
		OS:             c.osInfo(ctx),
		Apps: []RequestApp{{
			AppID:       req.AppID,
			Version:     req.CurrentVersion,
			UpdateCheck: &struct{}{},
		}},
	}}
}

func (c *Client) osInfo(ctx context.Context) OSInfo {
	c.hostOnce.Do(func() {
		c.hostOS = OSInfo{Platform: runtime.GOOS, Arch: runtime.GOARCH}
		info, err := host.InfoWithContext(ctx)
		if err != nil {
			log.Warn("failed to read host info", logging.KeyError, err)
			return
		}
		c.hostOS.Version = info.PlatformVersion
		if info.Platform != "" {
			c.hostOS.Platform = runtime.GOOS + "/" + info.Platform
		}
	})
	return c.hostOS
}

// OfflineSource reads <Dir>/<app_id>.json manifests. Relative codebases are
// resolved against Dir.
type OfflineSource struct {
	Dir string
}

func (o *OfflineSource) CheckForUpdate(ctx context.Context, req worker.CheckRequest) (worker.CheckResult, error) {
	if err := ctx.Err(); err != nil {
		return worker.CheckResult{}, err
	}
	if strings.ContainsAny(req.AppID, `/\`) || req.AppID == ".." {
		return worker.CheckResult{}, fmt.Errorf("invalid app id %q", req.AppID)
	}
	path := filepath.Join(o.Dir, req.AppID+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return worker.CheckResult{}, fmt.Errorf("%w for %s in %s", ErrNoOfflineManifest, req.AppID, o.Dir)
	}
	if err != nil {
		return worker.CheckResult{}, err
	}

	var parsed CheckResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return worker.CheckResult{}, fmt.Errorf("decode %s: %w", path, err)
	}
	dir, err := filepath.Abs(o.Dir)
	if err != nil {
		return worker.CheckResult{}, err
	}
	base := network.FileURL(dir) + "/"
	return resultFor(parsed, req.AppID, base)
}

// Router sends offline-only bundles to Offline and everything else to Online.
type Router struct {
	Online  worker.ManifestSource
	Offline worker.ManifestSource
}

func (r *Router) CheckForUpdate(ctx context.Context, req worker.CheckRequest) (worker.CheckResult, error) {
	if req.Policy.OfflineOnly {
		if r.Offline == nil {
			return worker.CheckResult{}, errors.New("offline install requested but no offline directory is configured")
		}
		return r.Offline.CheckForUpdate(ctx, req)
	}
	if r.Online == nil {
		return worker.CheckResult{}, errors.New("no update server configured")
	}
	return r.Online.CheckForUpdate(ctx, req)
}

// resultFor extracts appID's update check from resp. Relative codebases are
// resolved against base.
func resultFor(resp CheckResponse, appID, base string) (worker.CheckResult, error) {
	var app *ResponseApp
	for i := range resp.Response.Apps {
		if strings.EqualFold(resp.Response.Apps[i].AppID, appID) {
			app = &resp.Response.Apps[i]
			break
		}
	}
	if app == nil {
		return worker.CheckResult{}, fmt.Errorf("%w: %s", ErrAppNotInResponse, appID)
	}
	if app.Status != "" && app.Status != StatusOK {
		return worker.CheckResult{}, fmt.Errorf("server rejected app %s: %s", appID, app.Status)
	}

	uc := app.UpdateCheck
	switch uc.Status {
	case StatusNoUpdate:
		return worker.CheckResult{}, nil
	case StatusOK:
	default:
		return worker.CheckResult{}, fmt.Errorf("update check for %s failed: %s", appID, uc.Status)
	}

	if len(uc.Manifest.Packages.Package) == 0 {
		return worker.CheckResult{}, fmt.Errorf("update for %s has no package", appID)
	}
	p := uc.Manifest.Packages.Package[0]
	pkg := &bundle.Package{
		Name:      p.Name,
		Size:      p.Size,
		Hash:      p.HashSHA256,
		Signature: p.Signature,
	}
	if pkg.Hash != "" && !strings.Contains(pkg.Hash, ":") {
		pkg.Hash = "sha256:" + pkg.Hash
	}
	for _, cb := range uc.URLs.URL {
		u, err := joinCodebase(base, cb.Codebase, p.Name)
		if err != nil {
			log.Warn("skipping bad codebase", logging.KeyAppID, appID, "codebase", cb.Codebase, logging.KeyError, err)
			continue
		}
		pkg.URLs = append(pkg.URLs, u)
	}
	for _, a := range uc.Manifest.Actions.Action {
		if a.Event == "install" {
			pkg.Arguments = strings.Fields(a.Arguments)
			break
		}
	}

	return worker.CheckResult{
		UpdateAvailable: true,
		Version:         uc.Manifest.Version,
		Package:         pkg,
	}, nil
}

func joinCodebase(base, codebase, name string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	cb, err := url.Parse(codebase)
	if err != nil {
		return "", err
	}
	u := b.ResolveReference(cb)
	return u.JoinPath(name).String(), nil
}
