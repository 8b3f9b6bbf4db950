package bundle

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidTransition is returned when an event does not apply to the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrNotStartable is returned by Start when the bundle is neither Init nor Stopped.
	ErrNotStartable = errors.New("bundle cannot be started in its current state")
	// ErrTerminal is returned when mutating a bundle that already finished.
	ErrTerminal = errors.New("bundle is in a terminal state")
)

// ErrorKind classifies app failures.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota + 1
	KindIntegrity
	KindInstallerFailed
	KindTimeout
	KindCancelled
	KindInternal
)

var errorKindNames = map[ErrorKind]string{
	KindNetwork:         "network",
	KindIntegrity:       "integrity",
	KindInstallerFailed: "installer_failed",
	KindTimeout:         "timeout",
	KindCancelled:       "cancelled",
	KindInternal:        "internal",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error_kind(%d)", int(k))
}

func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(text []byte) error {
	for kind, name := range errorKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// AppError is the failure recorded on an app. Code carries the installer exit
// code or HTTP status when one exists.
type AppError struct {
	Kind       ErrorKind `json:"kind"`
	Code       int       `json:"code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Transports []string  `json:"transports,omitempty"`
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Transports) > 0 {
		fmt.Fprintf(&b, " [tried %s]", strings.Join(e.Transports, ", "))
	}
	return b.String()
}

func (e *AppError) clone() *AppError {
	if e == nil {
		return nil
	}
	c := *e
	c.Transports = append([]string(nil), e.Transports...)
	return &c
}
