// Package device defines the contract with the device collaborator: the
// component that commands a camera to start or stop its live upstream and
// announces the resulting media tracks. The wire transport behind a
// Controller is out of scope; this package fixes the contract and ships a
// loopback driver for development and a fake for tests.
package device

import (
	"context"
	"sync"

	"github.com/camlink/camlink/internal/media"
)

// StationMetadata describes the station a device upstream originates from.
type StationMetadata struct {
	StationSerial   string `json:"station_serial"`
	Model           string `json:"model"`
	FirmwareVersion string `json:"firmware_version"`
}

// StartedEvent announces a live upstream: one video and one audio track.
// Duplicate delivery is possible and must be handled idempotently by
// consumers.
type StartedEvent struct {
	DeviceID string
	Station  StationMetadata
	Video    *media.Track
	Audio    *media.Track
}

// Controller commands a device's live upstream and publishes its events.
type Controller interface {
	// StartUpstream asks the device to begin its live upstream. Completion
	// is signaled separately via an upstream-started event.
	StartUpstream(ctx context.Context, deviceID string) error

	// StopUpstream asks the device to end its live upstream. Safe to call
	// when no upstream is running.
	StopUpstream(ctx context.Context, deviceID string) error

	// OnUpstreamStarted registers a handler for upstream-started events.
	OnUpstreamStarted(fn func(StartedEvent))

	// OnUpstreamStopped registers a handler for upstream-stopped events.
	OnUpstreamStopped(fn func(deviceID string))
}

// Notifier implements the event-registration half of Controller and is meant
// to be embedded by drivers. Handlers run synchronously on the emitting
// goroutine.
type Notifier struct {
	mu      sync.Mutex
	started []func(StartedEvent)
	stopped []func(string)
}

// OnUpstreamStarted registers a handler for upstream-started events.
func (n *Notifier) OnUpstreamStarted(fn func(StartedEvent)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, fn)
}

// OnUpstreamStopped registers a handler for upstream-stopped events.
func (n *Notifier) OnUpstreamStopped(fn func(deviceID string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = append(n.stopped, fn)
}

// EmitUpstreamStarted delivers an upstream-started event to all handlers.
func (n *Notifier) EmitUpstreamStarted(ev StartedEvent) {
	n.mu.Lock()
	handlers := make([]func(StartedEvent), len(n.started))
	copy(handlers, n.started)
	n.mu.Unlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// EmitUpstreamStopped delivers an upstream-stopped event to all handlers.
func (n *Notifier) EmitUpstreamStopped(deviceID string) {
	n.mu.Lock()
	handlers := make([]func(string), len(n.stopped))
	copy(handlers, n.stopped)
	n.mu.Unlock()

	for _, fn := range handlers {
		fn(deviceID)
	}
}
