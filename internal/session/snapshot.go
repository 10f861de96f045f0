package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/camlink/camlink/internal/bridge"
	"github.com/camlink/camlink/internal/media"
	"github.com/camlink/camlink/internal/transcode"
)

// ErrSnapshotTimeout is returned when the snapshot transcoder did not produce
// an image within the configured budget.
var ErrSnapshotTimeout = errors.New("snapshot timed out")

// snapshotEntry is the per-device snapshot cache slot. Its mutex serializes
// concurrent snapshot requests for one device so a burst results in exactly
// one upstream fetch.
type snapshotEntry struct {
	mu      sync.Mutex
	data    []byte
	expires time.Time
}

// FetchSnapshot returns a still image from the device's live video stream.
// Results are cached for a short window; concurrent requests for the same
// device coalesce onto one fetch. When no session has the upstream live the
// snapshot starts it and releases it again afterwards.
func (c *Controller) FetchSnapshot(ctx context.Context, deviceID string) ([]byte, error) {
	c.mu.Lock()
	entry := c.snapshots[deviceID]
	if entry == nil {
		entry = &snapshotEntry{}
		c.snapshots[deviceID] = entry
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.data != nil && time.Now().Before(entry.expires) {
		c.metrics.IncSnapshotCacheHits()
		return entry.data, nil
	}
	c.metrics.IncSnapshotCacheMisses()

	logger := c.logger.With(slog.String("device_id", deviceID))

	c.borrowDevice(deviceID)
	defer c.unborrowDevice(ctx, deviceID, true)

	h, err := c.broker.Acquire(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("acquiring upstream for snapshot: %w", err)
	}

	// The transcoder attaches mid-stream; it needs the initialization
	// segment ahead of the live chunks to decode anything.
	initSeg, err := c.broker.InitSegment(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("fetching initialization segment: %w", err)
	}

	ep, err := bridge.OpenWithPreface(h.Video, initSeg, c.cfg.SocketPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot bridge: %w", err)
	}
	defer ep.Close()

	proc, err := c.sup.Spawn(media.KindVideo, transcode.BuildSnapshotArgs(ep.Address()), true)
	if err != nil {
		return nil, fmt.Errorf("starting snapshot transcoder: %w", err)
	}

	select {
	case <-proc.Done():
	case <-time.After(c.cfg.SnapshotTimeout):
		proc.Stop()
		return nil, ErrSnapshotTimeout
	case <-ctx.Done():
		proc.Stop()
		return nil, ctx.Err()
	}

	if exitErr := proc.ExitErr(); exitErr != nil {
		return nil, fmt.Errorf("snapshot transcoder failed: %w (%s)",
			exitErr, strings.Join(proc.StderrTail(), " | "))
	}
	data := proc.Output()
	if len(data) == 0 {
		return nil, errors.New("snapshot produced no image")
	}

	entry.data = data
	entry.expires = time.Now().Add(c.cfg.SnapshotCacheWindow)
	logger.Debug("snapshot captured", slog.Int("bytes", len(data)))
	return data, nil
}
