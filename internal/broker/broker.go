// Package broker owns the single live upstream connection per device. It
// lazily starts the upstream, deduplicates concurrent acquisitions onto one
// start command, discards duplicate device re-announcements, caches the
// video initialization segment, and tears the upstream down on explicit
// release or the device's out-of-band stop notification.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/camlink/camlink/internal/config"
	"github.com/camlink/camlink/internal/device"
	"github.com/camlink/camlink/internal/media"
	"github.com/camlink/camlink/internal/observability"
)

// Broker errors.
var (
	// ErrUpstreamUnavailable is returned when the device fails to start its
	// upstream or the upstream went away while waiting.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInitSegmentUnavailable is returned when the initialization segment
	// did not appear within the configured wait budget.
	ErrInitSegmentUnavailable = errors.New("initialization segment unavailable")
)

// Handle is the single live media connection from a device. It is owned
// exclusively by the broker; sessions hold only a borrowed reference while
// active. A handle is replaced wholesale on each new upstream start, never
// mutated in place.
type Handle struct {
	ID        uuid.UUID
	DeviceID  string
	Station   device.StationMetadata
	Video     *media.Track
	Audio     *media.Track
	CreatedAt time.Time
}

// Age returns how long ago the handle was created.
func (h *Handle) Age() time.Duration {
	return time.Since(h.CreatedAt)
}

// startAttempt is the one-shot completion signal for an in-flight upstream
// start. A fresh attempt is created per acquisition generation so stale
// waiters are never resolved by a later restart.
type startAttempt struct {
	done chan struct{}
	err  error
}

func (a *startAttempt) settle(err error) {
	a.err = err
	close(a.done)
}

// Broker multiplexes at most one live upstream per device across any number
// of borrowers.
type Broker struct {
	cfg     config.BrokerConfig
	device  device.Controller
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	handles  map[string]*Handle
	attempts map[string]*startAttempt
}

// New creates a broker bound to the device controller and subscribes to its
// upstream events.
func New(cfg config.BrokerConfig, ctrl device.Controller, logger *slog.Logger, metrics *observability.Metrics) *Broker {
	b := &Broker{
		cfg:      cfg,
		device:   ctrl,
		logger:   observability.WithComponent(logger, "broker"),
		metrics:  metrics,
		handles:  make(map[string]*Handle),
		attempts: make(map[string]*startAttempt),
	}
	ctrl.OnUpstreamStarted(b.handleStarted)
	ctrl.OnUpstreamStopped(b.handleStopped)
	return b
}

// Acquire returns the device's live upstream handle, starting the upstream
// if necessary. Concurrent callers before the upstream exists share a single
// start command and all resolve on the same completion signal.
func (b *Broker) Acquire(ctx context.Context, deviceID string) (*Handle, error) {
	b.metrics.IncUpstreamAcquires()

	b.mu.Lock()
	if h := b.handles[deviceID]; h != nil {
		b.mu.Unlock()
		return h, nil
	}

	att := b.attempts[deviceID]
	issueStart := att == nil
	if issueStart {
		att = &startAttempt{done: make(chan struct{})}
		b.attempts[deviceID] = att
	}
	b.mu.Unlock()

	if issueStart {
		b.metrics.IncUpstreamStarts()
		b.logger.Info("starting upstream", slog.String("device_id", deviceID))
		if err := b.device.StartUpstream(ctx, deviceID); err != nil {
			// Only the owner of the attempt may settle it; a concurrent
			// started event or reset may have settled it already.
			b.mu.Lock()
			owned := b.attempts[deviceID] == att
			if owned {
				delete(b.attempts, deviceID)
			}
			b.mu.Unlock()
			if owned {
				att.settle(fmt.Errorf("%w: start command failed: %w", ErrUpstreamUnavailable, err))
			}
		}
	}

	waitCtx := ctx
	if b.cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, b.cfg.StartTimeout)
		defer cancel()
	}

	select {
	case <-att.done:
		if att.err != nil {
			return nil, att.err
		}
	case <-waitCtx.Done():
		return nil, fmt.Errorf("%w: waiting for upstream start: %w", ErrUpstreamUnavailable, waitCtx.Err())
	}

	b.mu.Lock()
	h := b.handles[deviceID]
	b.mu.Unlock()
	if h == nil {
		return nil, ErrUpstreamUnavailable
	}
	return h, nil
}

// Release is the explicit caller-driven teardown: it issues a stop command
// to the device, closes both tracks, and clears the handle and any pending
// completion signal. Safe to call when no upstream is live.
func (b *Broker) Release(ctx context.Context, deviceID string) {
	h := b.reset(deviceID)

	if err := b.device.StopUpstream(ctx, deviceID); err != nil {
		b.logger.Warn("stop command failed",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()))
	}
	if h != nil {
		b.logger.Info("upstream released",
			slog.String("device_id", deviceID),
			slog.Duration("lifetime", h.Age()))
	}
}

// InitSegment returns the first chunk observed on the device's video track,
// polling until it appears. The wait is bounded by the configured budget;
// the bound is an implementation safety valve, not a protocol deadline.
func (b *Broker) InitSegment(ctx context.Context, deviceID string) ([]byte, error) {
	deadline := time.Now().Add(b.cfg.InitSegmentWait)
	ticker := time.NewTicker(b.cfg.InitSegmentPoll)
	defer ticker.Stop()

	for {
		b.mu.Lock()
		h := b.handles[deviceID]
		b.mu.Unlock()

		if h != nil {
			if chunk, ok := h.Video.FirstChunk(); ok {
				return chunk, nil
			}
		}
		if time.Now().After(deadline) {
			return nil, ErrInitSegmentUnavailable
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Handle returns the current live handle for the device, if any.
func (b *Broker) Handle(deviceID string) (*Handle, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.handles[deviceID]
	return h, ok
}

// Handles returns all live handles.
func (b *Broker) Handles() []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Handle, 0, len(b.handles))
	for _, h := range b.handles {
		out = append(out, h)
	}
	return out
}

// handleStarted consumes the device's upstream-started notification. A
// notification arriving while a handle younger than the duplicate-start
// window exists is a device-side re-announcement and is discarded.
func (b *Broker) handleStarted(ev device.StartedEvent) {
	b.mu.Lock()

	if existing := b.handles[ev.DeviceID]; existing != nil && existing.Age() < b.cfg.DuplicateStartWindow {
		b.mu.Unlock()
		b.metrics.IncDuplicateStarts()
		b.logger.Debug("duplicate start notification discarded",
			slog.String("device_id", ev.DeviceID),
			slog.Duration("handle_age", existing.Age()))
		return
	}

	h := &Handle{
		ID:        uuid.New(),
		DeviceID:  ev.DeviceID,
		Station:   ev.Station,
		Video:     ev.Video,
		Audio:     ev.Audio,
		CreatedAt: time.Now(),
	}
	replaced := b.handles[ev.DeviceID] != nil
	b.handles[ev.DeviceID] = h

	att := b.attempts[ev.DeviceID]
	delete(b.attempts, ev.DeviceID)
	handleCount := len(b.handles)
	b.mu.Unlock()

	b.metrics.SetUpstreamHandles(handleCount)
	b.logger.Info("upstream started",
		slog.String("device_id", ev.DeviceID),
		slog.String("handle_id", h.ID.String()),
		slog.Bool("replaced", replaced))

	if att != nil {
		att.settle(nil)
	}
}

// handleStopped consumes the device's out-of-band stop notification and
// forces the same reset as Release, without issuing a stop command back.
// Downstream session cleanup is the session controller's responsibility.
func (b *Broker) handleStopped(deviceID string) {
	if h := b.reset(deviceID); h != nil {
		b.logger.Info("upstream stopped by device",
			slog.String("device_id", deviceID),
			slog.Duration("lifetime", h.Age()))
	}
}

// reset clears the handle, closes its tracks, and fails any in-flight start
// attempt. Returns the cleared handle, if one existed.
func (b *Broker) reset(deviceID string) *Handle {
	b.mu.Lock()
	h := b.handles[deviceID]
	delete(b.handles, deviceID)
	att := b.attempts[deviceID]
	delete(b.attempts, deviceID)
	handleCount := len(b.handles)
	b.mu.Unlock()

	b.metrics.SetUpstreamHandles(handleCount)

	if h != nil {
		h.Video.Close()
		h.Audio.Close()
	}
	if att != nil {
		att.settle(ErrUpstreamUnavailable)
	}
	return h
}
