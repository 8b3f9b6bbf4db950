package worker

import (
	"context"

	"github.com/breeze-rmm/updater/internal/bundle"
)

// CheckRequest asks whether an app has an update.
type CheckRequest struct {
	BundleID       string
	SessionID      string
	AppID          string
	CurrentVersion string
	Policy         bundle.Policy
}

// CheckResult is the manifest source's answer. Package is set when
// UpdateAvailable is true.
type CheckResult struct {
	UpdateAvailable bool
	Version         string
	Package         *bundle.Package
}

// ManifestSource performs update checks.
type ManifestSource interface {
	CheckForUpdate(ctx context.Context, req CheckRequest) (CheckResult, error)
}

// DownloadRequest asks for an app's payload to be fetched to local disk.
type DownloadRequest struct {
	SessionID string
	AppID     string
	Package   bundle.Package
	Progress  func(done, total int64)
}

// Downloader fetches payloads and returns the local file path.
type Downloader interface {
	Download(ctx context.Context, req DownloadRequest) (string, error)
}

// PayloadCache keeps payloads that passed verification, keyed by hash.
type PayloadCache interface {
	Store(hash, path string) error
}

// Verifier confirms a downloaded payload matches its expected hash and
// signature.
type Verifier interface {
	Verify(ctx context.Context, path, expectedHash, signature string) (bool, error)
}

// InstallerRunner executes an installer and reports its exit code. Timeouts
// are returned as errors wrapping context.DeadlineExceeded.
type InstallerRunner interface {
	Run(ctx context.Context, path string, args []string) (int, error)
}

// OutcomeRecorder persists the final outcome of each app.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, rec bundle.Record) error
}

// Reporter receives every completed transition. Implementations must not
// block.
type Reporter interface {
	Report(rec bundle.Record)
}
