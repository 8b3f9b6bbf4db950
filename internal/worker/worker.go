package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/updater/internal/bundle"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/metrics"
	"github.com/breeze-rmm/updater/internal/workerpool"
)

var log = logging.L("worker")

// ErrAlreadyRunning is returned when another Run already drives the bundle.
var ErrAlreadyRunning = errors.New("bundle is already being driven by a scheduler")

// Config wires the worker to its collaborators. Cache, Recorder, Reporter,
// Slot and Metrics are optional.
type Config struct {
	Policy     Policy
	Manifest   ManifestSource
	Downloader Downloader
	Verifier   Verifier
	Cache      PayloadCache
	Installer  InstallerRunner
	Recorder   OutcomeRecorder
	Reporter   Reporter
	Slot       *InstallSlot
	Metrics    *metrics.Metrics
}

// Worker drives bundles to a terminal state. One Worker may run many bundles
// concurrently; they share its operation pool and install slot.
type Worker struct {
	cfg     Config
	slot    *InstallSlot
	pool    *workerpool.Pool
	closing context.Context
	close   context.CancelFunc
}

func New(cfg Config) (*Worker, error) {
	switch {
	case cfg.Manifest == nil:
		return nil, errors.New("worker requires a manifest source")
	case cfg.Downloader == nil:
		return nil, errors.New("worker requires a downloader")
	case cfg.Verifier == nil:
		return nil, errors.New("worker requires a verifier")
	case cfg.Installer == nil:
		return nil, errors.New("worker requires an installer runner")
	}
	if len(cfg.Policy.SuccessExitCodes) == 0 {
		cfg.Policy.SuccessExitCodes = DefaultPolicy().SuccessExitCodes
	}
	if cfg.Slot == nil {
		cfg.Slot = NewInstallSlot()
	}

	w := &Worker{cfg: cfg, slot: cfg.Slot}
	w.closing, w.close = context.WithCancel(context.Background())
	if n := cfg.Policy.MaxConcurrentOperations; n > 0 {
		queue := cfg.Policy.OperationQueueSize
		if queue < n {
			queue = n
		}
		w.pool = workerpool.New(n, queue)
	}
	return w, nil
}

// Slot returns the install slot shared by this worker's bundles.
func (w *Worker) Slot() *InstallSlot { return w.slot }

// Close cancels every running bundle and drains the pool. Installers already
// started are left to finish.
func (w *Worker) Close(ctx context.Context) {
	w.close()
	if w.pool != nil {
		w.pool.Shutdown(ctx)
	}
}

// Run drives b until every app is terminal. The bundle is started if it is
// still in Init. When ctx ends first, the bundle is cancelled, in-flight
// operations are allowed to unwind, and ctx's error is returned together with
// the final snapshot.
func (w *Worker) Run(ctx context.Context, b *bundle.Bundle) (bundle.Snapshot, error) {
	if !b.Claim() {
		return b.Snapshot(), ErrAlreadyRunning
	}
	defer b.Unclaim()

	if b.State().Terminal() {
		return b.Snapshot(), nil
	}
	if b.State() == bundle.BundleInit {
		if err := b.Start(); err != nil {
			return b.Snapshot(), err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.closing, cancel)
	defer stop()

	r := newRun(w, b, ctx)
	return r.loop()
}

type opKind int

const (
	opCheck opKind = iota
	opDownload
	opInstall
	opWaitSlot
)

func (k opKind) String() string {
	switch k {
	case opCheck:
		return "check"
	case opDownload:
		return "download"
	case opInstall:
		return "install"
	case opWaitSlot:
		return "wait_slot"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// launch captures what an operation needs so it can run without touching
// the bundle.
type launch struct {
	index          int
	kind           opKind
	ctx            context.Context
	appID          string
	currentVersion string
	pkg            bundle.Package
	path           string
}

type opResult struct {
	index    int
	kind     opKind
	check    CheckResult
	path     string
	exitCode int
	err      error
}

type slotGrant struct {
	index  int
	err    error
	waited time.Duration
}

type progress struct {
	done, total, sent atomic.Int64
}

// run is the state of one Run call. Only the loop goroutine touches it.
type run struct {
	w   *Worker
	b   *bundle.Bundle
	ctx context.Context
	log *slog.Logger

	results  chan opResult
	grants   chan slotGrant
	progress chan int

	opCancel   []context.CancelFunc
	waitCancel []context.CancelFunc
	slotHeld   []bool
	dl         []*progress
	aborted    bool
	records    []bundle.Record
}

func newRun(w *Worker, b *bundle.Bundle, ctx context.Context) *run {
	n := b.Len()
	r := &run{
		w:          w,
		b:          b,
		ctx:        ctx,
		log:        logging.WithBundle(log, b.ID, b.SessionID),
		results:    make(chan opResult, n),
		grants:     make(chan slotGrant, n),
		progress:   make(chan int, n),
		opCancel:   make([]context.CancelFunc, n),
		waitCancel: make([]context.CancelFunc, n),
		slotHeld:   make([]bool, n),
		dl:         make([]*progress, n),
	}
	for i := range r.dl {
		r.dl[i] = &progress{}
	}
	return r
}

func (r *run) loop() (bundle.Snapshot, error) {
	m := r.w.cfg.Metrics
	m.BundleStarted()
	r.log.Info("bundle run started", "apps", r.b.Len(), "source", r.b.Policy.InstallSource)

	var runErr error
	done := r.ctx.Done()
	for {
		launches := r.advance()
		r.flush()
		for _, l := range launches {
			r.launch(l)
		}
		if r.b.State().Terminal() {
			break
		}

		select {
		case res := <-r.results:
			r.applyResult(res)
		case g := <-r.grants:
			r.applyGrant(g)
		case i := <-r.progress:
			r.applyProgress(i)
		case <-r.b.Wake():
		case <-done:
			done = nil
			runErr = r.ctx.Err()
			r.log.Info("run context ended, cancelling bundle", logging.KeyError, runErr)
			r.b.Cancel()
		}
	}
	r.flush()

	snap := r.b.Snapshot()
	m.BundleFinished(snap.State.String(), string(snap.Policy.InstallSource))
	r.log.Info("bundle run finished", "state", snap.State, "summary", snap.Summarize())
	return snap, runErr
}

// advance issues the next operation for every idle app and applies pause,
// cancel and abort flags. It runs under the bundle lock and returns the
// operations to start once the lock is released.
func (r *run) advance() []launch {
	var launches []launch
	err := r.b.Update(func(apps []*bundle.App) error {
		for _, a := range apps {
			if a.State.Terminal() {
				continue
			}
			i := a.Index
			if a.InFlight || r.waitCancel[i] != nil {
				if a.CancelRequested() || r.aborted {
					r.cancelOp(i)
				}
				continue
			}
			if r.aborted {
				r.fail(a, &bundle.AppError{Kind: bundle.KindInternal, Detail: "bundle aborted after an invariant violation"})
				continue
			}
			if a.CancelRequested() {
				r.fire(a, bundle.EventCancelled)
				continue
			}
			if a.Paused() {
				continue
			}

			if a.State == bundle.StateUpdateAvailable {
				r.fire(a, bundle.EventDownloadQueued)
			}
			switch a.State {
			case bundle.StateWaitingToCheckForUpdate:
				if r.fire(a, bundle.EventCheckStarted) {
					launches = append(launches, r.begin(a, opCheck))
				}
			case bundle.StateWaitingToDownload:
				if r.fire(a, bundle.EventDownloadStarted) {
					launches = append(launches, r.begin(a, opDownload))
				}
			case bundle.StateWaitingToInstall:
				launches = append(launches, r.begin(a, opWaitSlot))
			case bundle.StateError, bundle.StateCancelled:
			default:
				r.internal(a, fmt.Errorf("app in %s with no operation in flight", a.State))
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, bundle.ErrTerminal) {
		r.log.Error("advance failed", logging.KeyError, err)
	}
	return launches
}

// begin marks the operation as outstanding and derives its context. Checks,
// downloads and slot waits can be cancelled; an install always runs to
// completion and its result is discarded if the app was cancelled meanwhile.
func (r *run) begin(a *bundle.App, kind opKind) launch {
	var ctx context.Context
	switch kind {
	case opWaitSlot:
		ctx, r.waitCancel[a.Index] = context.WithCancel(r.ctx)
	case opInstall:
		a.InFlight = true
		ctx = context.WithoutCancel(r.ctx)
	default:
		a.InFlight = true
		ctx, r.opCancel[a.Index] = context.WithCancel(r.ctx)
	}

	l := launch{
		index:          a.Index,
		kind:           kind,
		ctx:            ctx,
		appID:          a.ID,
		currentVersion: a.CurrentVersion,
		path:           a.PayloadPath,
	}
	if a.Package != nil {
		l.pkg = *a.Package
	}
	return l
}

func (r *run) cancelOp(i int) {
	if c := r.opCancel[i]; c != nil {
		c()
	}
	if c := r.waitCancel[i]; c != nil {
		c()
	}
}

func (r *run) launch(l launch) {
	switch {
	case l.kind == opWaitSlot:
		go func() {
			start := time.Now()
			err := r.w.slot.Acquire(l.ctx)
			r.grants <- slotGrant{index: l.index, err: err, waited: time.Since(start)}
		}()

	case l.kind == opInstall || r.w.pool == nil:
		go func() { r.results <- r.execute(l) }()

	default:
		// Admission may wait for a pool slot; the loop must keep serving
		// cancels meanwhile, and cancelling l.ctx withdraws the request.
		go func() {
			err := r.w.pool.SubmitWait(l.ctx, func(context.Context) {
				r.results <- r.execute(l)
			})
			if err != nil {
				r.results <- opResult{index: l.index, kind: l.kind, err: err}
			}
		}()
	}
}

func (r *run) applyResult(res opResult) {
	i := res.index
	if c := r.opCancel[i]; c != nil {
		c()
		r.opCancel[i] = nil
	}

	err := r.b.Apply(i, func(a *bundle.App) error {
		a.InFlight = false
		switch {
		case a.CancelRequested():
			if res.err == nil {
				r.log.Info("discarding late result for cancelled app", logging.KeyAppID, a.ID, "operation", res.kind)
			}
			r.fire(a, bundle.EventCancelled)
		case r.aborted:
			r.fail(a, &bundle.AppError{Kind: bundle.KindInternal, Detail: "bundle aborted after an invariant violation"})
		case res.kind == opCheck:
			r.applyCheck(a, res)
		case res.kind == opDownload:
			r.applyDownload(a, res)
		case res.kind == opInstall:
			r.applyInstall(a, res)
		}
		return nil
	})
	if err != nil {
		r.log.Error("apply result failed", logging.KeyError, err, "operation", res.kind)
	}

	if res.kind == opInstall && r.slotHeld[i] {
		r.slotHeld[i] = false
		r.w.slot.Release()
		r.w.cfg.Metrics.InstallSlotReleased()
	}
}

func (r *run) applyGrant(g slotGrant) {
	i := g.index
	if c := r.waitCancel[i]; c != nil {
		c()
		r.waitCancel[i] = nil
	}
	if g.err != nil {
		return
	}
	r.w.cfg.Metrics.InstallSlotAcquired(g.waited)

	var next *launch
	err := r.b.Apply(i, func(a *bundle.App) error {
		if a.State != bundle.StateWaitingToInstall || a.CancelRequested() || a.Paused() || r.aborted {
			return nil
		}
		if !r.fire(a, bundle.EventInstallStarted) {
			return nil
		}
		l := r.begin(a, opInstall)
		r.slotHeld[i] = true
		next = &l
		return nil
	})
	if err != nil {
		r.log.Error("apply slot grant failed", logging.KeyError, err)
	}

	if next == nil {
		r.w.slot.Release()
		r.w.cfg.Metrics.InstallSlotReleased()
		return
	}
	r.launch(*next)
}

func (r *run) applyProgress(i int) {
	p := r.dl[i]
	done, total := p.done.Load(), p.total.Load()
	_ = r.b.Apply(i, func(a *bundle.App) error {
		if a.State == bundle.StateDownloading {
			a.SetDownloadProgress(done, total)
		}
		return nil
	})
}

// progressFn returns a download callback that never blocks the download.
func (r *run) progressFn(i int) func(done, total int64) {
	p := r.dl[i]
	return func(done, total int64) {
		p.done.Store(done)
		if total > 0 {
			p.total.Store(total)
		}
		if done-p.sent.Load() < 64<<10 && (total == 0 || done < total) {
			return
		}
		p.sent.Store(done)
		select {
		case r.progress <- i:
		default:
		}
	}
}

// fire applies ev and queues a transition record. An invalid transition is an
// invariant violation and aborts the bundle.
func (r *run) fire(a *bundle.App, ev bundle.EventKind) bool {
	from := a.State
	if err := a.Fire(ev); err != nil {
		r.internal(a, err)
		return false
	}
	r.record(a, from)
	return true
}

func (r *run) fail(a *bundle.App, appErr *bundle.AppError) {
	if appErr.Kind == bundle.KindCancelled {
		r.fire(a, bundle.EventCancelled)
		return
	}
	from := a.State
	if err := a.Fail(appErr); err != nil {
		r.log.Error("failing app", logging.KeyAppID, a.ID, logging.KeyError, err)
		return
	}
	r.record(a, from)
}

func (r *run) internal(a *bundle.App, err error) {
	r.log.Error("invariant violation, aborting bundle", logging.KeyAppID, a.ID, logging.KeyError, err)
	r.aborted = true
	from := a.State
	if a.State.Terminal() {
		return
	}
	if ferr := a.Fail(&bundle.AppError{Kind: bundle.KindInternal, Detail: err.Error()}); ferr == nil {
		r.record(a, from)
	}
}

func (r *run) record(a *bundle.App, from bundle.AppState) {
	rec := r.b.NewRecord(a, from)
	r.records = append(r.records, rec)
	r.w.cfg.Metrics.Transition(a.State.String())
}

// flush delivers queued transition records outside the bundle lock.
func (r *run) flush() {
	if len(r.records) == 0 {
		return
	}
	records := r.records
	r.records = nil

	for _, rec := range records {
		attrs := []any{logging.KeyAppID, rec.AppID, "from", rec.From, "to", rec.To}
		if rec.Error != nil {
			attrs = append(attrs, logging.KeyError, rec.Error.Error())
		}
		r.log.Info("app transition", attrs...)

		if r.w.cfg.Reporter != nil {
			r.w.cfg.Reporter.Report(rec)
		}
		if r.w.cfg.Recorder != nil && rec.To.Terminal() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.w.cfg.Recorder.RecordOutcome(ctx, rec); err != nil {
				r.log.Warn("recording outcome failed", logging.KeyAppID, rec.AppID, logging.KeyError, err)
			}
			cancel()
		}
	}
}
