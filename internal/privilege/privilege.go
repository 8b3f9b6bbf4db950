// Package privilege reports whether the process can perform machine-wide
// installs.
package privilege

import "fmt"

// Require returns an error naming action when the process is not elevated.
func Require(action string) error {
	if IsElevated() {
		return nil
	}
	return fmt.Errorf("%s requires %s", action, elevatedName)
}
