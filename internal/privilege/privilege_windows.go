//go:build windows

package privilege

import "golang.org/x/sys/windows"

const elevatedName = "an elevated Administrator prompt"

// IsElevated returns true if the process token is elevated.
func IsElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
