//go:build !windows

package privilege

import "os"

const elevatedName = "root (run with sudo)"

// IsElevated returns true if the effective UID is 0.
func IsElevated() bool {
	return os.Geteuid() == 0
}
