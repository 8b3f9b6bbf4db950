//go:build !windows

package main

import "errors"

// isWindowsService always returns false on non-Windows platforms.
func isWindowsService() bool { return false }

// runAsService is a stub on non-Windows platforms; systemd and launchd run
// "breeze-updater run" directly.
func runAsService(_ func() (*runningService, error)) error {
	return errors.New("Windows service mode is not available on this platform")
}
