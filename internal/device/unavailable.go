package device

import (
	"context"
	"errors"
)

// ErrNoDriver is returned by the unavailable driver for every start command.
var ErrNoDriver = errors.New("no device driver configured")

// Unavailable is a Controller with no backing device transport. It rejects
// start commands and ignores stops, so the service can run its control
// surface without camera connectivity.
type Unavailable struct {
	Notifier
}

// NewUnavailable creates the driverless controller.
func NewUnavailable() *Unavailable {
	return &Unavailable{}
}

// StartUpstream always fails.
func (u *Unavailable) StartUpstream(_ context.Context, _ string) error {
	return ErrNoDriver
}

// StopUpstream is a no-op.
func (u *Unavailable) StopUpstream(_ context.Context, _ string) error {
	return nil
}
