package bundle

import "fmt"

// EventKind is an input to the app state machine.
type EventKind int

const (
	EventCheckStarted EventKind = iota
	EventNoUpdate
	EventUpdateFound
	EventDownloadQueued
	EventDownloadStarted
	EventDownloadVerified
	EventInstallStarted
	EventInstallSucceeded
	EventFailed
	EventCancelled
)

var eventNames = map[EventKind]string{
	EventCheckStarted:     "check_started",
	EventNoUpdate:         "no_update",
	EventUpdateFound:      "update_found",
	EventDownloadQueued:   "download_queued",
	EventDownloadStarted:  "download_started",
	EventDownloadVerified: "download_verified",
	EventInstallStarted:   "install_started",
	EventInstallSucceeded: "install_succeeded",
	EventFailed:           "failed",
	EventCancelled:        "cancelled",
}

func (e EventKind) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(e))
}

type edge struct {
	from AppState
	ev   EventKind
}

// transitions is the complete app state graph minus failure and cancellation,
// which are handled generically in Transition.
var transitions = map[edge]AppState{
	{StateWaitingToCheckForUpdate, EventCheckStarted}: StateCheckingForUpdate,
	{StateCheckingForUpdate, EventNoUpdate}:           StateNoUpdateAvailable,
	{StateCheckingForUpdate, EventUpdateFound}:        StateUpdateAvailable,
	{StateUpdateAvailable, EventDownloadQueued}:       StateWaitingToDownload,
	{StateWaitingToDownload, EventDownloadStarted}:    StateDownloading,
	{StateDownloading, EventDownloadVerified}:         StateWaitingToInstall,
	{StateWaitingToInstall, EventInstallStarted}:      StateInstalling,
	{StateInstalling, EventInstallSucceeded}:          StateInstallComplete,
}

// failable lists the states that run an operation and can therefore fail.
var failable = map[AppState]bool{
	StateCheckingForUpdate: true,
	StateUpdateAvailable:   true,
	StateDownloading:       true,
	StateInstalling:        true,
}

// Transition returns the state reached by applying ev to from.
func Transition(from AppState, ev EventKind) (AppState, error) {
	if from.Terminal() {
		return from, fmt.Errorf("%w: %s is terminal (event %s)", ErrInvalidTransition, from, ev)
	}

	switch ev {
	case EventCancelled:
		return StateCancelled, nil
	case EventFailed:
		// Any non-terminal state may fail when the scheduler detects an
		// invariant violation; operations fail only from running states.
		return StateError, nil
	}

	to, ok := transitions[edge{from, ev}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}

// Allowed reports whether to is directly reachable from from.
func Allowed(from, to AppState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateCancelled || to == StateError {
		return true
	}
	for e, target := range transitions {
		if e.from == from && target == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether states is a walk through the app state graph
// starting at StateWaitingToCheckForUpdate.
func ValidPath(states []AppState) bool {
	if len(states) == 0 || states[0] != StateWaitingToCheckForUpdate {
		return false
	}
	for i := 1; i < len(states); i++ {
		if !Allowed(states[i-1], states[i]) {
			return false
		}
	}
	return true
}

// CanFailFromOperation reports whether an operation result may move s to Error.
func CanFailFromOperation(s AppState) bool {
	return failable[s]
}
