package transcode

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camlink/camlink/internal/media"
)

// shSupervisor runs /bin/sh instead of ffmpeg so process lifecycle can be
// exercised without an encoder installed.
func shSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return NewSupervisor("/bin/sh", 200*time.Millisecond, slog.New(slog.DiscardHandler), nil)
}

func waitDone(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestSpawnCapturesOutput(t *testing.T) {
	s := shSupervisor(t)

	p, err := s.Spawn(media.KindVideo, []string{"-c", "printf snapshot-bytes"}, true)
	require.NoError(t, err)

	waitDone(t, p)
	assert.NoError(t, p.ExitErr())
	assert.Equal(t, "snapshot-bytes", string(p.Output()))
	assert.Equal(t, media.KindVideo, p.Kind())
}

func TestSpawnFailure(t *testing.T) {
	s := NewSupervisor("/nonexistent/ffmpeg", time.Second, slog.New(slog.DiscardHandler), nil)

	_, err := s.Spawn(media.KindVideo, []string{"-h"}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestAbnormalExitRecorded(t *testing.T) {
	s := shSupervisor(t)

	p, err := s.Spawn(media.KindAudio, []string{"-c", "echo boom 1>&2; exit 3"}, false)
	require.NoError(t, err)

	waitDone(t, p)
	require.Error(t, p.ExitErr())
	assert.Contains(t, p.StderrTail(), "boom")
}

func TestUnsupportedCodecDetected(t *testing.T) {
	s := shSupervisor(t)

	p, err := s.Spawn(media.KindAudio,
		[]string{"-c", "echo 'Unknown encoder libfdk_aac' 1>&2; exit 1"}, false)
	require.NoError(t, err)

	waitDone(t, p)
	assert.True(t, p.UnsupportedCodec())
}

func TestStopTerminatesProcess(t *testing.T) {
	s := shSupervisor(t)

	p, err := s.Spawn(media.KindVideo, []string{"-c", "sleep 30"}, false)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop())
	assert.True(t, p.Exited())
	assert.Less(t, time.Since(start), 5*time.Second)

	// Stop on an already-exited process is a no-op, not an error.
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
}

func TestStopKillsLingeringDescendants(t *testing.T) {
	s := shSupervisor(t)

	// The backgrounded child inherits the stderr pipe; stop must take the
	// whole process group down instead of waiting out the descendant.
	p, err := s.Spawn(media.KindVideo, []string{"-c", "sleep 30 & exec sleep 30"}, false)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop())
	assert.True(t, p.Exited())
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestStopConcurrent(t *testing.T) {
	s := shSupervisor(t)

	p, err := s.Spawn(media.KindVideo, []string{"-c", "sleep 30"}, false)
	require.NoError(t, err)

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { errs <- p.Stop() }()
	}
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-errs)
	}
	assert.True(t, p.Exited())
}

func TestStatsOnLiveProcess(t *testing.T) {
	s := shSupervisor(t)

	p, err := s.Spawn(media.KindVideo, []string{"-c", "sleep 30"}, false)
	require.NoError(t, err)
	defer p.Stop()

	stats, err := p.Stats()
	require.NoError(t, err)
	assert.Equal(t, p.PID(), stats.PID)

	require.NoError(t, p.Stop())
	_, err = p.Stats()
	assert.Error(t, err)
}

func TestDetectBinaryOverride(t *testing.T) {
	info, err := DetectBinary(context.Background(), "/bin/sh")
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", info.Path)

	_, err = DetectBinary(context.Background(), "/nonexistent/ffmpeg")
	require.Error(t, err)
}
