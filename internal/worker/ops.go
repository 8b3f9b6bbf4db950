package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/network"
)

// errIntegrity marks a payload that failed verification.
var errIntegrity = errors.New("payload failed verification")

// execute runs one operation to completion. It never touches the bundle.
func (r *run) execute(l launch) (res opResult) {
	res = opResult{index: l.index, kind: l.kind}
	m := r.w.cfg.Metrics
	m.OperationStarted(l.kind.String())
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("operation panicked", logging.KeyAppID, l.appID, "operation", l.kind, "panic", p)
			res.err = &bundle.AppError{Kind: bundle.KindInternal, Detail: fmt.Sprintf("%s panicked: %v", l.kind, p)}
		}
		m.OperationFinished(l.kind.String(), outcomeLabel(res), time.Since(start))
	}()

	switch l.kind {
	case opCheck:
		res.check, res.err = r.w.cfg.Manifest.CheckForUpdate(l.ctx, CheckRequest{
			BundleID:       r.b.ID,
			SessionID:      r.b.SessionID,
			AppID:          l.appID,
			CurrentVersion: l.currentVersion,
			Policy:         r.b.Policy,
		})

	case opDownload:
		res.path, res.err = r.download(l)

	case opInstall:
		res.exitCode, res.err = r.w.cfg.Installer.Run(l.ctx, l.path, l.pkg.Arguments)
	}
	return res
}

func (r *run) download(l launch) (string, error) {
	path, err := r.w.cfg.Downloader.Download(l.ctx, DownloadRequest{
		SessionID: r.b.SessionID,
		AppID:     l.appID,
		Package:   l.pkg,
		Progress:  r.progressFn(l.index),
	})
	if err != nil {
		return "", err
	}

	ok, err := r.w.cfg.Verifier.Verify(l.ctx, path, l.pkg.Hash, l.pkg.Signature)
	if l.ctx.Err() != nil {
		return "", l.ctx.Err()
	}
	if err != nil || !ok {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			r.log.Warn("removing unverified payload", "path", path, logging.KeyError, rmErr)
		}
		detail := errIntegrity.Error()
		if err != nil {
			detail = fmt.Sprintf("%s: %v", detail, err)
		}
		return "", &bundle.AppError{Kind: bundle.KindIntegrity, Detail: detail}
	}
	if c := r.w.cfg.Cache; c != nil {
		if err := c.Store(l.pkg.Hash, path); err != nil {
			r.log.Warn("caching verified payload", logging.KeyAppID, l.appID, logging.KeyError, err)
		}
	}
	return path, nil
}

func (r *run) applyCheck(a *bundle.App, res opResult) {
	if res.err != nil {
		r.fail(a, toAppError(res.err, bundle.KindNetwork))
		return
	}
	if !res.check.UpdateAvailable || !isNewer(a.CurrentVersion, res.check.Version) {
		r.fire(a, bundle.EventNoUpdate)
		return
	}
	pkg := res.check.Package
	if pkg == nil || len(pkg.URLs) == 0 {
		r.fail(a, &bundle.AppError{Kind: bundle.KindNetwork, Detail: "update response has no download location"})
		return
	}

	a.AvailableVersion = res.check.Version
	cp := *pkg
	a.Package = &cp
	a.SetDownloadProgress(0, pkg.Size)
	if r.fire(a, bundle.EventUpdateFound) {
		r.fire(a, bundle.EventDownloadQueued)
	}
}

func (r *run) applyDownload(a *bundle.App, res opResult) {
	if res.err != nil {
		r.fail(a, toAppError(res.err, bundle.KindNetwork))
		return
	}
	a.PayloadPath = res.path
	p := r.dl[a.Index]
	a.SetDownloadProgress(p.done.Load(), p.total.Load())
	r.fire(a, bundle.EventDownloadVerified)
}

func (r *run) applyInstall(a *bundle.App, res opResult) {
	if res.err != nil {
		r.fail(a, toAppError(res.err, bundle.KindInstallerFailed))
		return
	}
	success, reboot := r.w.cfg.Policy.exitOutcome(res.exitCode)
	if !success {
		r.fail(a, &bundle.AppError{
			Kind:   bundle.KindInstallerFailed,
			Code:   res.exitCode,
			Detail: fmt.Sprintf("installer exited with code %d", res.exitCode),
		})
		return
	}
	a.RebootRequired = reboot
	a.SetInstallProgress(100)
	r.fire(a, bundle.EventInstallSucceeded)
}

// toAppError maps an operation error onto the app error taxonomy.
func toAppError(err error, fallback bundle.ErrorKind) *bundle.AppError {
	var appErr *bundle.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var netErr *network.Error
	if errors.As(err, &netErr) {
		kind := bundle.KindNetwork
		switch netErr.Kind {
		case network.KindTimeout:
			kind = bundle.KindTimeout
		case network.KindCancelled:
			kind = bundle.KindCancelled
		}
		return &bundle.AppError{
			Kind:       kind,
			Code:       netErr.StatusCode,
			Detail:     netErr.Err.Error(),
			Transports: netErr.Transports,
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &bundle.AppError{Kind: bundle.KindTimeout, Detail: err.Error()}
	case errors.Is(err, context.Canceled):
		return &bundle.AppError{Kind: bundle.KindCancelled, Detail: err.Error()}
	}
	return &bundle.AppError{Kind: fallback, Detail: err.Error()}
}

func outcomeLabel(res opResult) string {
	if res.err == nil {
		return "ok"
	}
	return toAppError(res.err, bundle.KindInternal).Kind.String()
}
