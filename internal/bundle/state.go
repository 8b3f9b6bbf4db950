package bundle

import "fmt"

// AppState is the lifecycle state of a single app job.
type AppState int

const (
	StateWaitingToCheckForUpdate AppState = iota
	StateCheckingForUpdate
	StateUpdateAvailable
	StateWaitingToDownload
	StateDownloading
	StateWaitingToInstall
	StateInstalling
	StateNoUpdateAvailable
	StateInstallComplete
	StateError
	StateCancelled
)

var appStateNames = map[AppState]string{
	StateWaitingToCheckForUpdate: "waiting_to_check_for_update",
	StateCheckingForUpdate:       "checking_for_update",
	StateUpdateAvailable:         "update_available",
	StateWaitingToDownload:       "waiting_to_download",
	StateDownloading:             "downloading",
	StateWaitingToInstall:        "waiting_to_install",
	StateInstalling:              "installing",
	StateNoUpdateAvailable:       "no_update_available",
	StateInstallComplete:         "install_complete",
	StateError:                   "error",
	StateCancelled:               "cancelled",
}

func (s AppState) String() string {
	if name, ok := appStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("app_state(%d)", int(s))
}

// Terminal reports whether no further automatic transition can occur.
func (s AppState) Terminal() bool {
	switch s {
	case StateNoUpdateAvailable, StateInstallComplete, StateError, StateCancelled:
		return true
	}
	return false
}

// Succeeded reports whether s is a terminal success state.
func (s AppState) Succeeded() bool {
	return s == StateNoUpdateAvailable || s == StateInstallComplete
}

func (s AppState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *AppState) UnmarshalText(text []byte) error {
	for state, name := range appStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown app state %q", text)
}

// BundleState is the derived state of a bundle.
type BundleState int

const (
	BundleInit BundleState = iota
	BundleStopped
	BundleWaitingToCheckForUpdate
	BundleCheckingForUpdate
	BundleReadyToInstall
	BundleDownloading
	BundleInstalling
	BundleComplete
	BundleError
	BundleCancelled
)

var bundleStateNames = map[BundleState]string{
	BundleInit:                    "init",
	BundleStopped:                 "stopped",
	BundleWaitingToCheckForUpdate: "waiting_to_check_for_update",
	BundleCheckingForUpdate:       "checking_for_update",
	BundleReadyToInstall:          "ready_to_install",
	BundleDownloading:             "downloading",
	BundleInstalling:              "installing",
	BundleComplete:                "complete",
	BundleError:                   "error",
	BundleCancelled:               "cancelled",
}

func (s BundleState) String() string {
	if name, ok := bundleStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("bundle_state(%d)", int(s))
}

// Terminal reports whether the bundle has finished.
func (s BundleState) Terminal() bool {
	return s == BundleComplete || s == BundleError || s == BundleCancelled
}

func (s BundleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BundleState) UnmarshalText(text []byte) error {
	for state, name := range bundleStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown bundle state %q", text)
}
