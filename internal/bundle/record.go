package bundle

import "time"

// Record describes one completed app transition. It is what reporting sinks,
// the audit log and the app registry receive.
type Record struct {
	BundleID       string        `json:"bundleId"`
	SessionID      string        `json:"sessionId"`
	AppID          string        `json:"appId"`
	From           AppState      `json:"from"`
	To             AppState      `json:"to"`
	Version        string        `json:"version,omitempty"`
	Error          *AppError     `json:"error,omitempty"`
	RebootRequired bool          `json:"rebootRequired,omitempty"`
	Source         InstallSource `json:"source,omitempty"`
	At             time.Time     `json:"at"`
}

// NewRecord captures a transition of a from the given state.
func (b *Bundle) NewRecord(a *App, from AppState) Record {
	version := a.AvailableVersion
	if version == "" {
		version = a.CurrentVersion
	}
	return Record{
		BundleID:       b.ID,
		SessionID:      b.SessionID,
		AppID:          a.ID,
		From:           from,
		To:             a.State,
		Version:        version,
		Error:          a.Err.clone(),
		RebootRequired: a.RebootRequired,
		Source:         b.Policy.InstallSource,
		At:             time.Now().UTC(),
	}
}
