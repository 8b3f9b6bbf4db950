package network

import (
	"errors"
	"fmt"
	"strings"

	"github.com/breeze-rmm/updater/internal/httputil"
)

// ErrorKind classifies a request that exhausted its transports.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindTimeout
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned when every transport failed. Err is the last transport's
// error.
type Error struct {
	Kind       ErrorKind
	Transports []string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: request failed via [%s]: %v", e.Kind, strings.Join(e.Transports, ", "), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// retryable reports whether another attempt on the same transport may help.
func retryable(err error) bool {
	if errors.Is(err, ErrUnsupported) {
		return false
	}
	var se *httputil.StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

func statusCode(err error) int {
	var se *httputil.StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
