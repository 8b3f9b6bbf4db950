package bundle

import "time"

// Package describes the payload offered by a successful update check.
type Package struct {
	Name      string   `json:"name"`
	URLs      []string `json:"urls"`
	Size      int64    `json:"size,omitempty"`
	Hash      string   `json:"hash"`
	Signature string   `json:"signature,omitempty"`
	Arguments []string `json:"arguments,omitempty"`
}

func (p *Package) clone() *Package {
	if p == nil {
		return nil
	}
	c := *p
	c.URLs = append([]string(nil), p.URLs...)
	c.Arguments = append([]string(nil), p.Arguments...)
	return &c
}

// AppSpec is the input used to enumerate an app into a bundle.
type AppSpec struct {
	ID             string
	Name           string
	CurrentVersion string
}

// App is one product's job inside a bundle. Fields are written only by the
// scheduler through Bundle.Apply; everything else reads snapshots.
type App struct {
	ID             string
	Name           string
	Index          int
	CurrentVersion string

	State            AppState
	AvailableVersion string
	Package          *Package
	PayloadPath      string
	RebootRequired   bool
	Err              *AppError

	DownloadedBytes int64
	DownloadTotal   int64
	InstallPercent  int

	// InFlight is set while an operation issued for this app has not had its
	// result applied yet.
	InFlight bool

	paused    bool
	cancelled bool
	history   []AppState
	changedAt time.Time
}

func newApp(index int, spec AppSpec) *App {
	return &App{
		ID:             spec.ID,
		Name:           spec.Name,
		Index:          index,
		CurrentVersion: spec.CurrentVersion,
		State:          StateWaitingToCheckForUpdate,
		history:        []AppState{StateWaitingToCheckForUpdate},
	}
}

// Paused reports whether the owning bundle asked this app to hold.
func (a *App) Paused() bool { return a.paused }

// CancelRequested reports whether the owning bundle asked this app to stop.
func (a *App) CancelRequested() bool { return a.cancelled }

// Fire applies ev to the app's state machine. A successful non-failure
// transition clears the recorded error.
func (a *App) Fire(ev EventKind) error {
	to, err := Transition(a.State, ev)
	if err != nil {
		return err
	}
	a.State = to
	a.history = append(a.history, to)
	a.changedAt = time.Now()
	if to != StateError {
		a.Err = nil
	}
	return nil
}

// Fail moves the app to Error with the given detail.
func (a *App) Fail(appErr *AppError) error {
	if err := a.Fire(EventFailed); err != nil {
		return err
	}
	a.Err = appErr
	return nil
}

// MarkCancelled moves a non-terminal app to Cancelled.
func (a *App) MarkCancelled() error {
	return a.Fire(EventCancelled)
}

// SetDownloadProgress records byte progress. Counters never decrease.
func (a *App) SetDownloadProgress(done, total int64) {
	if done > a.DownloadedBytes {
		a.DownloadedBytes = done
	}
	if total > a.DownloadTotal {
		a.DownloadTotal = total
	}
}

// SetInstallProgress records installer progress as a percentage.
func (a *App) SetInstallProgress(percent int) {
	if percent > 100 {
		percent = 100
	}
	if percent > a.InstallPercent {
		a.InstallPercent = percent
	}
}

// History returns every state the app has entered, oldest first.
func (a *App) History() []AppState {
	return append([]AppState(nil), a.history...)
}

// AppSnapshot is an immutable copy of an App.
type AppSnapshot struct {
	ID               string     `json:"appId"`
	Name             string     `json:"name,omitempty"`
	State            AppState   `json:"state"`
	CurrentVersion   string     `json:"currentVersion,omitempty"`
	AvailableVersion string     `json:"availableVersion,omitempty"`
	Package          *Package   `json:"package,omitempty"`
	RebootRequired   bool       `json:"rebootRequired,omitempty"`
	Error            *AppError  `json:"error,omitempty"`
	DownloadedBytes  int64      `json:"downloadedBytes"`
	DownloadTotal    int64      `json:"downloadTotal"`
	InstallPercent   int        `json:"installPercent"`
	Paused           bool       `json:"paused,omitempty"`
	Cancelled        bool       `json:"cancelRequested,omitempty"`
	History          []AppState `json:"history,omitempty"`
	ChangedAt        time.Time  `json:"changedAt"`
}

func (a *App) snapshot() AppSnapshot {
	return AppSnapshot{
		ID:               a.ID,
		Name:             a.Name,
		State:            a.State,
		CurrentVersion:   a.CurrentVersion,
		AvailableVersion: a.AvailableVersion,
		Package:          a.Package.clone(),
		RebootRequired:   a.RebootRequired,
		Error:            a.Err.clone(),
		DownloadedBytes:  a.DownloadedBytes,
		DownloadTotal:    a.DownloadTotal,
		InstallPercent:   a.InstallPercent,
		Paused:           a.paused,
		Cancelled:        a.cancelled,
		History:          a.History(),
		ChangedAt:        a.changedAt,
	}
}
