package service

import "errors"

var (
	// ErrAlreadyInstalled is returned when the service is already installed
	ErrAlreadyInstalled = errors.New("service is already installed")
	// ErrNotInstalled is returned when the service is not installed
	ErrNotInstalled = errors.New("service is not installed")
)

// Service manages installing the agent as a login item on the current
// platform. New returns the platform-specific implementation.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}
