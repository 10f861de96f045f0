package device

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/camlink/camlink/internal/config"
	"github.com/camlink/camlink/internal/media"
)

// Loopback is a development Controller that feeds the video track from a
// local media file, looping at end of file, and keeps the audio track alive
// with silence chunks. It lets the full session path run without camera
// hardware.
type Loopback struct {
	Notifier

	cfg    config.LoopbackConfig
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*loopbackStream
}

type loopbackStream struct {
	cancel context.CancelFunc
	video  *media.Track
	audio  *media.Track
	done   chan struct{}
}

// NewLoopback creates a loopback driver.
func NewLoopback(cfg config.LoopbackConfig, logger *slog.Logger) *Loopback {
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 32 * 1024
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = 40 * time.Millisecond
	}
	return &Loopback{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "device-loopback")),
		streams: make(map[string]*loopbackStream),
	}
}

// StartUpstream begins pushing the configured media file. A second start for
// a running device re-announces the existing stream, mirroring real devices
// that re-send their start notification.
func (l *Loopback) StartUpstream(_ context.Context, deviceID string) error {
	l.mu.Lock()
	if s, ok := l.streams[deviceID]; ok {
		video, audio := s.video, s.audio
		l.mu.Unlock()
		l.EmitUpstreamStarted(l.startedEvent(deviceID, video, audio))
		return nil
	}

	file, err := os.Open(l.cfg.MediaFile)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("opening loopback media file: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream := &loopbackStream{
		cancel: cancel,
		video:  media.NewTrack(media.KindVideo),
		audio:  media.NewTrack(media.KindAudio),
		done:   make(chan struct{}),
	}
	l.streams[deviceID] = stream
	l.mu.Unlock()

	l.EmitUpstreamStarted(l.startedEvent(deviceID, stream.video, stream.audio))

	go l.feed(ctx, deviceID, file, stream)
	return nil
}

// StopUpstream ends the loopback stream. No-op for unknown devices.
func (l *Loopback) StopUpstream(_ context.Context, deviceID string) error {
	l.mu.Lock()
	stream, ok := l.streams[deviceID]
	if ok {
		delete(l.streams, deviceID)
	}
	l.mu.Unlock()

	if !ok {
		return nil
	}

	stream.cancel()
	<-stream.done
	l.EmitUpstreamStopped(deviceID)
	return nil
}

func (l *Loopback) startedEvent(deviceID string, video, audio *media.Track) StartedEvent {
	return StartedEvent{
		DeviceID: deviceID,
		Station: StationMetadata{
			StationSerial: "loopback",
			Model:         "camlink-loopback",
		},
		Video: video,
		Audio: audio,
	}
}

func (l *Loopback) feed(ctx context.Context, deviceID string, file *os.File, stream *loopbackStream) {
	defer close(stream.done)
	defer file.Close()
	defer stream.video.Close()
	defer stream.audio.Close()

	logger := l.logger.With(slog.String("device_id", deviceID))
	buf := make([]byte, l.cfg.ChunkSize)
	silence := make([]byte, 1024)
	ticker := time.NewTicker(l.cfg.ChunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := file.Read(buf)
		if n > 0 {
			if werr := stream.video.Write(buf[:n]); werr != nil {
				return
			}
			stream.audio.Write(silence)
		}
		if err == io.EOF {
			// Loop the file for continuous playback.
			if _, serr := file.Seek(0, io.SeekStart); serr != nil {
				logger.Warn("loopback rewind failed", slog.String("error", serr.Error()))
				return
			}
			continue
		}
		if err != nil {
			logger.Warn("loopback read failed", slog.String("error", err.Error()))
			stream.video.CloseWithError(err)
			stream.audio.CloseWithError(err)
			return
		}
	}
}
