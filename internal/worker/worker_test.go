package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/installer"
	"github.com/breeze-rmm/updater/internal/network"
)

type fakeManifest struct {
	mu      sync.Mutex
	results map[string]CheckResult
	errs    map[string]error
	// gate, when set, blocks every check until closed. ignoreCtx makes the
	// check finish normally even after cancellation.
	gate      chan struct{}
	ignoreCtx bool
	started   chan string
	panicOn   string

	active, maxActive atomic.Int32
}

func (f *fakeManifest) CheckForUpdate(ctx context.Context, req CheckRequest) (CheckResult, error) {
	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		prev := f.maxActive.Load()
		if cur <= prev || f.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.started != nil {
		f.started <- req.AppID
	}
	if req.AppID == f.panicOn {
		panic("manifest exploded")
	}
	if f.gate != nil {
		if f.ignoreCtx {
			<-f.gate
		} else {
			select {
			case <-f.gate:
			case <-ctx.Done():
				return CheckResult{}, ctx.Err()
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[req.AppID]; err != nil {
		return CheckResult{}, err
	}
	return f.results[req.AppID], nil
}

type fakeDownloader struct {
	dir string
}

func (f *fakeDownloader) Download(ctx context.Context, req DownloadRequest) (string, error) {
	path := filepath.Join(f.dir, req.SessionID, req.AppID, req.Package.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if req.Progress != nil {
		req.Progress(req.Package.Size, req.Package.Size)
	}
	return path, os.WriteFile(path, []byte(req.Package.Hash), 0o644)
}

type fakeVerifier struct {
	bad map[string]bool // keyed by hash
}

func (f *fakeVerifier) Verify(_ context.Context, _ string, hash, _ string) (bool, error) {
	return !f.bad[hash], nil
}

type fakeInstaller struct {
	mu    sync.Mutex
	codes map[string]int // keyed by payload file name
	errs  map[string]error
	gate  chan struct{}
	calls []string

	started           chan string
	active, maxActive atomic.Int32
}

func (f *fakeInstaller) Run(ctx context.Context, path string, _ []string) (int, error) {
	cur := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		prev := f.maxActive.Load()
		if cur <= prev || f.maxActive.CompareAndSwap(prev, cur) {
			break
		}
	}
	name := filepath.Base(path)
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- name
	}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[name]; err != nil {
		return -1, err
	}
	return f.codes[name], nil
}

type fakeCache struct {
	mu     sync.Mutex
	stored []string
}

func (c *fakeCache) Store(hash, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = append(c.stored, hash)
	return nil
}

type recorder struct {
	mu       sync.Mutex
	reported []bundle.Record
	outcomes []bundle.Record
}

func (r *recorder) Report(rec bundle.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, rec)
}

func (r *recorder) RecordOutcome(_ context.Context, rec bundle.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, rec)
	return nil
}

func update(version, name string) CheckResult {
	return CheckResult{
		UpdateAvailable: true,
		Version:         version,
		Package: &bundle.Package{
			Name: name,
			URLs: []string{"https://dl.example.com/" + name},
			Size: 1024,
			Hash: "sha256:" + name,
		},
	}
}

type harness struct {
	manifest  *fakeManifest
	verifier  *fakeVerifier
	installer *fakeInstaller
	cache     *fakeCache
	rec       *recorder
	worker    *Worker
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	h := &harness{
		manifest:  &fakeManifest{results: map[string]CheckResult{}, errs: map[string]error{}},
		verifier:  &fakeVerifier{bad: map[string]bool{}},
		installer: &fakeInstaller{codes: map[string]int{}, errs: map[string]error{}},
		cache:     &fakeCache{},
		rec:       &recorder{},
	}
	w, err := New(Config{
		Policy:     policy,
		Manifest:   h.manifest,
		Downloader: &fakeDownloader{dir: t.TempDir()},
		Verifier:   h.verifier,
		Cache:      h.cache,
		Installer:  h.installer,
		Recorder:   h.rec,
		Reporter:   h.rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.Close(ctx)
	})
	h.worker = w
	return h
}

func newBundle(t *testing.T, ids ...string) *bundle.Bundle {
	t.Helper()
	specs := make([]bundle.AppSpec, len(ids))
	for i, id := range ids {
		specs[i] = bundle.AppSpec{ID: id, CurrentVersion: "1.0.0"}
	}
	b, err := bundle.New("", "", specs, bundle.Policy{InstallSource: bundle.SourceCLI})
	if err != nil {
		t.Fatalf("bundle.New: %v", err)
	}
	return b
}

func runAsync(w *Worker, b *bundle.Bundle) <-chan bundle.Snapshot {
	out := make(chan bundle.Snapshot, 1)
	go func() {
		snap, _ := w.Run(context.Background(), b)
		out <- snap
	}()
	return out
}

func waitSnapshot(t *testing.T, ch <-chan bundle.Snapshot) bundle.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("bundle did not finish in time")
		return bundle.Snapshot{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func appState(t *testing.T, s bundle.Snapshot, id string) bundle.AppSnapshot {
	t.Helper()
	a, ok := s.App(id)
	if !ok {
		t.Fatalf("app %s missing from snapshot", id)
	}
	return a
}

func TestRunMixedOutcomesCompletes(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.results["current"] = CheckResult{}
	h.manifest.results["plain"] = update("2.0.0", "plain.msi")
	h.manifest.results["reboot"] = update("1.1.0", "reboot.msi")
	h.installer.codes["reboot.msi"] = 3010

	b := newBundle(t, "current", "plain", "reboot")
	snap, err := h.worker.Run(context.Background(), b)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.State != bundle.BundleComplete {
		t.Fatalf("bundle state = %s, want complete", snap.State)
	}

	wantStates := map[string]bundle.AppState{
		"current": bundle.StateNoUpdateAvailable,
		"plain":   bundle.StateInstallComplete,
		"reboot":  bundle.StateInstallComplete,
	}
	for id, want := range wantStates {
		a := appState(t, snap, id)
		if a.State != want {
			t.Errorf("%s state = %s, want %s", id, a.State, want)
		}
		if !bundle.ValidPath(a.History) {
			t.Errorf("%s history is not a valid path: %v", id, a.History)
		}
	}
	if !appState(t, snap, "reboot").RebootRequired || appState(t, snap, "plain").RebootRequired {
		t.Error("reboot flag should be set only for the reboot exit code")
	}
	if got := appState(t, snap, "plain").AvailableVersion; got != "2.0.0" {
		t.Errorf("available version = %q", got)
	}

	wantPlain := []bundle.AppState{
		bundle.StateWaitingToCheckForUpdate, bundle.StateCheckingForUpdate,
		bundle.StateUpdateAvailable, bundle.StateWaitingToDownload,
		bundle.StateDownloading, bundle.StateWaitingToInstall,
		bundle.StateInstalling, bundle.StateInstallComplete,
	}
	if diff := cmp.Diff(wantPlain, appState(t, snap, "plain").History); diff != "" {
		t.Errorf("plain history (-want +got):\n%s", diff)
	}

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if len(h.rec.outcomes) != 3 {
		t.Errorf("recorded %d outcomes, want 3", len(h.rec.outcomes))
	}
	// current: 2 transitions, plain and reboot: 7 each
	if len(h.rec.reported) != 16 {
		t.Errorf("reported %d transitions, want 16", len(h.rec.reported))
	}
}

func TestFailureIsolation(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.results["corrupt"] = update("2.0.0", "corrupt.msi")
	h.manifest.results["good"] = update("2.0.0", "good.msi")
	h.verifier.bad["sha256:corrupt.msi"] = true

	snap, err := h.worker.Run(context.Background(), newBundle(t, "corrupt", "good"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.State != bundle.BundleError {
		t.Fatalf("bundle state = %s, want error", snap.State)
	}
	corrupt := appState(t, snap, "corrupt")
	if corrupt.State != bundle.StateError || corrupt.Error == nil || corrupt.Error.Kind != bundle.KindIntegrity {
		t.Fatalf("corrupt app = %+v", corrupt)
	}
	if got := appState(t, snap, "good").State; got != bundle.StateInstallComplete {
		t.Fatalf("sibling state = %s, want install complete", got)
	}
	if diff := cmp.Diff([]string{"sha256:good.msi"}, h.cache.stored); diff != "" {
		t.Fatalf("cached payloads (-want +got):\n%s", diff)
	}
}

func TestInstallerFailureCarriesExitCode(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.results["app"] = update("2.0.0", "app.msi")
	h.installer.codes["app.msi"] = 1603

	snap, _ := h.worker.Run(context.Background(), newBundle(t, "app"))
	a := appState(t, snap, "app")
	if a.Error == nil || a.Error.Kind != bundle.KindInstallerFailed || a.Error.Code != 1603 {
		t.Fatalf("unexpected error %+v", a.Error)
	}
}

func TestInstallerTimeoutIsTimeout(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.results["app"] = update("2.0.0", "app.msi")
	h.installer.errs["app.msi"] = context.DeadlineExceeded

	snap, _ := h.worker.Run(context.Background(), newBundle(t, "app"))
	if a := appState(t, snap, "app"); a.Error == nil || a.Error.Kind != bundle.KindTimeout {
		t.Fatalf("unexpected error %+v", a.Error)
	}
}

func TestNetworkFailureSurfacesTransports(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.errs["app"] = &network.Error{
		Kind:       network.KindNetwork,
		Transports: []string{"direct"},
		StatusCode: 503,
		Err:        errors.New("service unavailable"),
	}

	snap, _ := h.worker.Run(context.Background(), newBundle(t, "app"))
	want := &bundle.AppError{
		Kind:       bundle.KindNetwork,
		Code:       503,
		Detail:     "service unavailable",
		Transports: []string{"direct"},
	}
	if diff := cmp.Diff(want, appState(t, snap, "app").Error); diff != "" {
		t.Fatalf("app error (-want +got):\n%s", diff)
	}
}

func TestOlderOrEqualVersionIsNoUpdate(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.results["same"] = update("1.0.0", "same.msi")
	h.manifest.results["older"] = update("0.9.0", "older.msi")

	snap, _ := h.worker.Run(context.Background(), newBundle(t, "same", "older"))
	for _, a := range snap.Apps {
		if a.State != bundle.StateNoUpdateAvailable {
			t.Errorf("%s state = %s, want no update", a.ID, a.State)
		}
	}
	if len(h.installer.calls) != 0 {
		t.Fatalf("installer should not run, calls = %v", h.installer.calls)
	}
}

func TestInstallsSerializedAcrossBundles(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.results["a"] = update("2.0.0", "a.msi")
	h.manifest.results["b"] = update("2.0.0", "b.msi")
	h.installer.gate = make(chan struct{})
	h.installer.started = make(chan string, 2)

	b1, b2 := newBundle(t, "a"), newBundle(t, "b")
	done1, done2 := runAsync(h.worker, b1), runAsync(h.worker, b2)

	var first string
	select {
	case first = <-h.installer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("no installer started")
	}

	// Both bundles are now ready; only one may hold the slot.
	waitFor(t, "second bundle to reach its install step", func() bool {
		s1, s2 := b1.Snapshot(), b2.Snapshot()
		return s1.Apps[0].State >= bundle.StateWaitingToInstall && s2.Apps[0].State >= bundle.StateWaitingToInstall
	})
	time.Sleep(30 * time.Millisecond)
	select {
	case second := <-h.installer.started:
		t.Fatalf("installer %s started while %s was still running", second, first)
	default:
	}
	if !h.worker.Slot().Busy() {
		t.Fatal("install slot should be busy")
	}

	close(h.installer.gate)
	s1, s2 := waitSnapshot(t, done1), waitSnapshot(t, done2)
	if s1.State != bundle.BundleComplete || s2.State != bundle.BundleComplete {
		t.Fatalf("states = %s, %s", s1.State, s2.State)
	}
	if got := h.installer.maxActive.Load(); got != 1 {
		t.Fatalf("max concurrent installers = %d, want 1", got)
	}
	if h.worker.Slot().Busy() {
		t.Fatal("install slot should be released")
	}
}

func TestCancelDiscardsLateResult(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.results["app"] = update("2.0.0", "app.msi")
	h.manifest.gate = make(chan struct{})
	h.manifest.ignoreCtx = true
	h.manifest.started = make(chan string, 1)

	b := newBundle(t, "app")
	done := runAsync(h.worker, b)
	<-h.manifest.started

	b.Cancel()
	time.Sleep(20 * time.Millisecond)
	if s := b.Snapshot(); s.Apps[0].State != bundle.StateCheckingForUpdate || s.State.Terminal() {
		t.Fatalf("app must stay checking until the operation unwinds, got %s/%s", s.State, s.Apps[0].State)
	}

	close(h.manifest.gate)
	snap := waitSnapshot(t, done)
	a := appState(t, snap, "app")
	if a.State != bundle.StateCancelled || snap.State != bundle.BundleCancelled {
		t.Fatalf("state = %s/%s, want cancelled", snap.State, a.State)
	}
	if a.AvailableVersion != "" {
		t.Fatalf("late result leaked into app: %+v", a)
	}
	want := []bundle.AppState{bundle.StateWaitingToCheckForUpdate, bundle.StateCheckingForUpdate, bundle.StateCancelled}
	if diff := cmp.Diff(want, a.History); diff != "" {
		t.Fatalf("history (-want +got):\n%s", diff)
	}
}

func TestCancelInterruptsInFlightOperation(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.gate = make(chan struct{})
	h.manifest.started = make(chan string, 3)

	b := newBundle(t, "a", "b", "c")
	done := runAsync(h.worker, b)
	for i := 0; i < 3; i++ {
		<-h.manifest.started
	}
	b.Cancel()

	snap := waitSnapshot(t, done)
	for _, a := range snap.Apps {
		if a.State != bundle.StateCancelled {
			t.Errorf("%s state = %s, want cancelled", a.ID, a.State)
		}
	}
}

func TestCallerContextCancelsBundle(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.gate = make(chan struct{})
	h.manifest.started = make(chan string, 1)

	ctx, cancel := context.WithCancel(context.Background())
	b := newBundle(t, "app")
	errCh := make(chan error, 1)
	go func() {
		_, err := h.worker.Run(ctx, b)
		errCh <- err
	}()
	<-h.manifest.started
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if b.State() != bundle.BundleCancelled {
		t.Fatalf("state = %s", b.State())
	}
}

func TestPauseHoldsAtSafePointAndResumes(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.results["app"] = update("2.0.0", "app.msi")
	h.manifest.gate = make(chan struct{})
	h.manifest.started = make(chan string, 1)

	b := newBundle(t, "app")
	done := runAsync(h.worker, b)
	<-h.manifest.started

	if err := b.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(h.manifest.gate)

	waitFor(t, "bundle to stop", func() bool { return b.State() == bundle.BundleStopped })
	if got := b.Snapshot().Apps[0].State; got != bundle.StateWaitingToDownload {
		t.Fatalf("paused app state = %s, want waiting to download", got)
	}

	if err := b.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if snap := waitSnapshot(t, done); snap.State != bundle.BundleComplete {
		t.Fatalf("state after resume = %s", snap.State)
	}
}

func TestBoundedOperations(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxConcurrentOperations = 1
	h := newHarness(t, policy)
	h.manifest.gate = make(chan struct{})
	close(h.manifest.gate)

	snap, err := h.worker.Run(context.Background(), newBundle(t, "a", "b", "c", "d"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.State != bundle.BundleComplete {
		t.Fatalf("state = %s", snap.State)
	}
	if got := h.manifest.maxActive.Load(); got != 1 {
		t.Fatalf("max concurrent checks = %d, want 1", got)
	}
}

func TestCancelReleasesPendingPoolAdmission(t *testing.T) {
	policy := DefaultPolicy()
	policy.MaxConcurrentOperations = 1
	policy.OperationQueueSize = 1
	h := newHarness(t, policy)
	h.manifest.gate = make(chan struct{})
	h.manifest.started = make(chan string, 3)

	// One check runs, one is queued and the third waits for admission.
	b := newBundle(t, "a", "b", "c")
	done := runAsync(h.worker, b)
	<-h.manifest.started
	waitFor(t, "every app to start checking", func() bool {
		for _, a := range b.Snapshot().Apps {
			if a.State != bundle.StateCheckingForUpdate {
				return false
			}
		}
		return true
	})

	b.Cancel()
	snap := waitSnapshot(t, done)
	for _, a := range snap.Apps {
		if a.State != bundle.StateCancelled {
			t.Errorf("%s state = %s, want cancelled", a.ID, a.State)
		}
	}
}

func TestCancelLetsRunningInstallFinish(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell installers are not used on Windows")
	}
	dir := t.TempDir()
	started := filepath.Join(dir, "started")
	finished := filepath.Join(dir, "finished")

	h := newHarness(t, DefaultPolicy())
	h.manifest.results["app"] = update("2.0.0", "app.sh")
	w, err := New(Config{
		Policy:     DefaultPolicy(),
		Manifest:   h.manifest,
		Downloader: &scriptDownloader{dir: dir, body: "touch " + started + "\nsleep 1\ntouch " + finished + "\n"},
		Verifier:   h.verifier,
		Installer:  installer.New(30 * time.Second),
		Recorder:   h.rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close(context.Background())

	b := newBundle(t, "app")
	done := runAsync(w, b)
	waitFor(t, "installer to start", func() bool {
		_, err := os.Stat(started)
		return err == nil
	})

	b.Cancel()
	snap := waitSnapshot(t, done)
	if _, err := os.Stat(finished); err != nil {
		t.Fatalf("installer was interrupted: %v", err)
	}
	a := appState(t, snap, "app")
	if a.State != bundle.StateCancelled {
		t.Fatalf("state = %s, want cancelled", a.State)
	}
	want := []bundle.AppState{
		bundle.StateWaitingToCheckForUpdate, bundle.StateCheckingForUpdate,
		bundle.StateUpdateAvailable, bundle.StateWaitingToDownload,
		bundle.StateDownloading, bundle.StateWaitingToInstall,
		bundle.StateInstalling, bundle.StateCancelled,
	}
	if diff := cmp.Diff(want, a.History); diff != "" {
		t.Fatalf("history (-want +got):\n%s", diff)
	}
}

// scriptDownloader writes a shell installer as the payload.
type scriptDownloader struct {
	dir, body string
}

func (d *scriptDownloader) Download(_ context.Context, req DownloadRequest) (string, error) {
	path := filepath.Join(d.dir, req.Package.Name)
	return path, os.WriteFile(path, []byte("#!/bin/sh\n"+d.body), 0o755)
}

func TestPanickingCollaboratorBecomesInternalError(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.panicOn = "bad"

	snap, _ := h.worker.Run(context.Background(), newBundle(t, "bad", "fine"))
	if a := appState(t, snap, "bad"); a.Error == nil || a.Error.Kind != bundle.KindInternal {
		t.Fatalf("bad app = %+v", a)
	}
	if got := appState(t, snap, "fine").State; got != bundle.StateNoUpdateAvailable {
		t.Fatalf("sibling state = %s", got)
	}
}

func TestSecondRunIsRejected(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	h.manifest.gate = make(chan struct{})
	h.manifest.started = make(chan string, 1)

	b := newBundle(t, "app")
	done := runAsync(h.worker, b)
	<-h.manifest.started

	if _, err := h.worker.Run(context.Background(), b); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run err = %v, want ErrAlreadyRunning", err)
	}
	close(h.manifest.gate)
	waitSnapshot(t, done)
}

func TestTerminalSnapshotStableAfterRun(t *testing.T) {
	h := newHarness(t, DefaultPolicy())
	b := newBundle(t, "app")
	first, _ := h.worker.Run(context.Background(), b)

	again, err := h.worker.Run(context.Background(), b)
	if err != nil {
		t.Fatalf("re-run of finished bundle: %v", err)
	}
	if diff := cmp.Diff(first, again); diff != "" {
		t.Fatalf("snapshot changed (-first +again):\n%s", diff)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without collaborators")
	}
}
