package bundle

// activity ranks non-terminal app states for the bundle reduction. Higher
// values win.
var activity = map[AppState]BundleState{
	StateWaitingToCheckForUpdate: BundleWaitingToCheckForUpdate,
	StateCheckingForUpdate:       BundleCheckingForUpdate,
	StateWaitingToInstall:        BundleReadyToInstall,
	StateUpdateAvailable:         BundleDownloading,
	StateWaitingToDownload:       BundleDownloading,
	StateDownloading:             BundleDownloading,
	StateInstalling:              BundleInstalling,
}

// Reduce derives the bundle state from the states of its apps. Evaluated in
// order: cancelled once nothing is active, error once nothing is active,
// complete when every app succeeded, otherwise the busiest non-terminal state.
//
// The Init and Stopped overlays depend on bundle flags, not app states, and are
// applied by Bundle.
func Reduce(states []AppState) BundleState {
	var (
		active    int
		cancelled bool
		failed    bool
		busiest   = BundleState(-1)
	)

	for _, s := range states {
		switch {
		case s == StateCancelled:
			cancelled = true
		case s == StateError:
			failed = true
		case s.Terminal():
		default:
			active++
			if b := activity[s]; b > busiest {
				busiest = b
			}
		}
	}

	switch {
	case active == 0 && cancelled:
		return BundleCancelled
	case active == 0 && failed:
		return BundleError
	case active == 0:
		return BundleComplete
	}
	return busiest
}
