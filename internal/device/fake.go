package device

import (
	"context"
	"sync"

	"github.com/camlink/camlink/internal/media"
)

// Fake is an in-memory Controller for tests. It records start/stop commands
// and lets the test (or AutoStart mode) emit device events explicitly.
type Fake struct {
	Notifier

	// StartErr, when set, is returned by StartUpstream.
	StartErr error
	// StopErr, when set, is returned by StopUpstream.
	StopErr error
	// AutoStart makes StartUpstream emit the started event synchronously.
	AutoStart bool
	// Station is attached to emitted started events.
	Station StationMetadata

	mu         sync.Mutex
	startCalls map[string]int
	stopCalls  map[string]int
	tracks     map[string]*fakeTracks
}

type fakeTracks struct {
	video *media.Track
	audio *media.Track
}

// NewFake creates a fake device controller.
func NewFake() *Fake {
	return &Fake{
		startCalls: make(map[string]int),
		stopCalls:  make(map[string]int),
		tracks:     make(map[string]*fakeTracks),
	}
}

// StartUpstream records the command and optionally auto-announces the stream.
func (f *Fake) StartUpstream(_ context.Context, deviceID string) error {
	f.mu.Lock()
	f.startCalls[deviceID]++
	autoStart := f.AutoStart
	err := f.StartErr
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if autoStart {
		f.EmitStarted(deviceID)
	}
	return nil
}

// StopUpstream records the command.
func (f *Fake) StopUpstream(_ context.Context, deviceID string) error {
	f.mu.Lock()
	f.stopCalls[deviceID]++
	err := f.StopErr
	f.mu.Unlock()
	return err
}

// EmitStarted creates fresh tracks for the device and emits the started
// event, returning it so the test can feed the tracks.
func (f *Fake) EmitStarted(deviceID string) StartedEvent {
	tracks := &fakeTracks{
		video: media.NewTrack(media.KindVideo),
		audio: media.NewTrack(media.KindAudio),
	}

	f.mu.Lock()
	f.tracks[deviceID] = tracks
	station := f.Station
	f.mu.Unlock()

	ev := StartedEvent{
		DeviceID: deviceID,
		Station:  station,
		Video:    tracks.video,
		Audio:    tracks.audio,
	}
	f.EmitUpstreamStarted(ev)
	return ev
}

// EmitStopped closes the device's tracks and emits the stopped event.
func (f *Fake) EmitStopped(deviceID string) {
	f.mu.Lock()
	tracks := f.tracks[deviceID]
	delete(f.tracks, deviceID)
	f.mu.Unlock()

	if tracks != nil {
		tracks.video.Close()
		tracks.audio.Close()
	}
	f.EmitUpstreamStopped(deviceID)
}

// StartCalls returns how many start commands were issued for the device.
func (f *Fake) StartCalls(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls[deviceID]
}

// StopCalls returns how many stop commands were issued for the device.
func (f *Fake) StopCalls(deviceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls[deviceID]
}
