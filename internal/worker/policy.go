package worker

import (
	"slices"

	"github.com/hashicorp/go-version"
)

// Policy holds the scheduler's tunables.
type Policy struct {
	// SuccessExitCodes map installer exit codes to InstallComplete.
	SuccessExitCodes []int
	// RebootExitCodes also count as success and flag RebootRequired.
	RebootExitCodes []int
	// MaxConcurrentOperations bounds check and download operations across
	// all bundles run by one Worker. Zero means unbounded.
	MaxConcurrentOperations int
	// OperationQueueSize is the bounded pool's queue length.
	OperationQueueSize int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		SuccessExitCodes:   []int{0},
		RebootExitCodes:    []int{1641, 3010},
		OperationQueueSize: 64,
	}
}

// exitOutcome classifies an installer exit code.
func (p Policy) exitOutcome(code int) (success, reboot bool) {
	if slices.Contains(p.RebootExitCodes, code) {
		return true, true
	}
	return slices.Contains(p.SuccessExitCodes, code), false
}

// isNewer reports whether available is a newer version than current.
// Unparseable versions fall back to string inequality.
func isNewer(current, available string) bool {
	if available == "" {
		return true
	}
	cv, err := version.NewVersion(current)
	if err != nil {
		return available != current
	}
	av, err := version.NewVersion(available)
	if err != nil {
		return available != current
	}
	return av.GreaterThan(cv)
}
