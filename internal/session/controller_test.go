package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camlink/camlink/internal/broker"
	"github.com/camlink/camlink/internal/config"
	"github.com/camlink/camlink/internal/device"
	"github.com/camlink/camlink/internal/transcode"
)

// defaultScriptCases is the fake ffmpeg behaviour: snapshots print image
// bytes and exit, live transcodes run until stopped.
const defaultScriptCases = `  *image2*) printf 'IMG' ;;
  *) sleep 30 ;;`

// writeFFmpegScript installs a shell script standing in for ffmpeg. Every
// invocation is appended to logPath so tests can assert on spawn behaviour.
func writeFFmpegScript(t *testing.T, dir, logPath, cases string) string {
	t.Helper()
	script := fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$*\" >> %s\ncase \"$*\" in\n%s\nesac\n",
		logPath, cases)
	path := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type fixture struct {
	t       *testing.T
	dev     *device.Fake
	br      *broker.Broker
	ctrl    *Controller
	logPath string
}

func newFixture(t *testing.T, scriptCases string) *fixture {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "ffmpeg.log")
	ffmpeg := writeFFmpegScript(t, dir, logPath, scriptCases)

	logger := slog.New(slog.DiscardHandler)
	dev := device.NewFake()
	dev.AutoStart = true

	br := broker.New(config.BrokerConfig{
		DuplicateStartWindow: 5 * time.Second,
		StartTimeout:         2 * time.Second,
		InitSegmentPoll:      10 * time.Millisecond,
		InitSegmentWait:      2 * time.Second,
	}, dev, logger, nil)

	sup := transcode.NewSupervisor(ffmpeg, 200*time.Millisecond, logger, nil)

	ctrl := NewController(config.SessionConfig{
		WatchdogMultiplier:  2,
		AudioStartDelay:     10 * time.Millisecond,
		SnapshotCacheWindow: time.Second,
		SnapshotTimeout:     2 * time.Second,
		SocketDir:           dir,
	}, config.TranscodeConfig{
		VideoCodec:      "libx264",
		AudioCodec:      "aac",
		VideoPreset:     "veryfast",
		StopGracePeriod: 200 * time.Millisecond,
	}, br, sup, logger, nil)

	dev.OnUpstreamStopped(ctrl.HandleUpstreamStopped)

	f := &fixture{t: t, dev: dev, br: br, ctrl: ctrl, logPath: logPath}
	t.Cleanup(func() { ctrl.StopAll(context.Background()) })
	return f
}

func testKeys(fill byte) TrackKeys {
	return TrackKeys{
		Key:  bytes.Repeat([]byte{fill}, KeyLen),
		Salt: bytes.Repeat([]byte{fill}, SaltLen),
	}
}

func (f *fixture) negotiate(sessionID, deviceID string) *NegotiateResponse {
	f.t.Helper()
	resp, err := f.ctrl.Negotiate(NegotiateRequest{
		SessionID: sessionID,
		DeviceID:  deviceID,
		Address:   "127.0.0.1",
		VideoPort: 40000,
		AudioPort: 40002,
		Video:     testKeys(0x11),
		Audio:     testKeys(0x22),
	})
	require.NoError(f.t, err)
	return resp
}

// invocations returns the fake ffmpeg argument lines logged so far.
func (f *fixture) invocations() []string {
	data, err := os.ReadFile(f.logPath)
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestNegotiatePreparesSessionWithoutTouchingDevice(t *testing.T) {
	f := newFixture(t, defaultScriptCases)

	resp := f.negotiate("sess-1", "dev-1")

	assert.Equal(t, "sess-1", resp.SessionID)
	assert.NotZero(t, resp.Video.Port)
	assert.NotZero(t, resp.Audio.Port)
	assert.NotEqual(t, resp.Video.Port, resp.Audio.Port)
	assert.NotZero(t, resp.Video.SSRC)
	assert.Less(t, resp.Video.SSRC, uint32(1)<<31)
	assert.Equal(t, testKeys(0x11).Key, resp.Video.Key)
	assert.Equal(t, testKeys(0x22).Salt, resp.Audio.Salt)
	assert.Equal(t, "AES_CM_128_HMAC_SHA1_80", resp.Video.CryptoSuite)

	// Negotiation alone starts nothing.
	assert.Zero(t, f.dev.StartCalls("dev-1"))
	assert.Empty(t, f.invocations())

	sessions := f.ctrl.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, StatePending, sessions[0].State)
}

func TestNegotiateRejectsDuplicateSessionID(t *testing.T) {
	f := newFixture(t, defaultScriptCases)
	f.negotiate("sess-1", "dev-1")

	_, err := f.ctrl.Negotiate(NegotiateRequest{
		SessionID: "sess-1",
		DeviceID:  "dev-1",
		Address:   "127.0.0.1",
		Video:     testKeys(0x11),
		Audio:     testKeys(0x22),
	})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestNegotiateValidatesCryptoMaterial(t *testing.T) {
	f := newFixture(t, defaultScriptCases)

	_, err := f.ctrl.Negotiate(NegotiateRequest{
		SessionID: "sess-1",
		DeviceID:  "dev-1",
		Address:   "127.0.0.1",
		Video:     TrackKeys{Key: []byte("short"), Salt: testKeys(0x11).Salt},
		Audio:     testKeys(0x22),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video crypto")
}

func TestStartSpawnsVideoThenAudio(t *testing.T) {
	f := newFixture(t, defaultScriptCases)
	f.negotiate("sess-1", "dev-1")

	require.NoError(t, f.ctrl.Start(context.Background(), "sess-1", StartRequest{
		Video: VideoStart{Width: 1280, Height: 720, FPS: 30, Bitrate: 2000},
		Audio: AudioStart{Bitrate: 64, SampleRate: 16, Channels: 1},
	}))

	require.Eventually(t, func() bool {
		return len(f.invocations()) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	inv := f.invocations()
	assert.Contains(t, inv[0], "-an", "video transcoder spawns first")
	assert.Contains(t, inv[0], "srtp://127.0.0.1:40000")
	assert.Contains(t, inv[1], "-c:a", "audio transcoder follows")
	assert.Contains(t, inv[1], "srtp://127.0.0.1:40002")

	sessions := f.ctrl.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, StateActive, sessions[0].State)
	assert.Equal(t, 1, f.dev.StartCalls("dev-1"))
}

func TestStartUnknownSession(t *testing.T) {
	f := newFixture(t, defaultScriptCases)

	err := f.ctrl.Start(context.Background(), "nope", StartRequest{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStopPendingSessionSpawnsNothing(t *testing.T) {
	f := newFixture(t, defaultScriptCases)
	f.negotiate("sess-1", "dev-1")

	require.NoError(t, f.ctrl.Stop(context.Background(), "sess-1"))

	assert.Empty(t, f.invocations())
	assert.Zero(t, f.dev.StartCalls("dev-1"))
	assert.Zero(t, f.dev.StopCalls("dev-1"))
	assert.Empty(t, f.ctrl.Sessions())

	// A second stop is a no-op, not an error.
	assert.NoError(t, f.ctrl.Stop(context.Background(), "sess-1"))
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, defaultScriptCases)
	f.negotiate("sess-1", "dev-1")
	require.NoError(t, f.ctrl.Start(context.Background(), "sess-1", StartRequest{}))

	require.NoError(t, f.ctrl.Stop(context.Background(), "sess-1"))
	require.NoError(t, f.ctrl.Stop(context.Background(), "sess-1"))
	require.NoError(t, f.ctrl.Stop(context.Background(), "never-negotiated"))

	assert.Equal(t, 1, f.dev.StopCalls("dev-1"), "repeat stops release nothing twice")
	assert.Empty(t, f.ctrl.Sessions())
}

func TestStopReleasesUpstreamWhenLastBorrower(t *testing.T) {
	f := newFixture(t, defaultScriptCases)
	f.negotiate("sess-1", "dev-1")
	require.NoError(t, f.ctrl.Start(context.Background(), "sess-1", StartRequest{}))

	require.NoError(t, f.ctrl.Stop(context.Background(), "sess-1"))

	assert.Equal(t, 1, f.dev.StopCalls("dev-1"))
	_, live := f.br.Handle("dev-1")
	assert.False(t, live)
	assert.Empty(t, f.ctrl.Sessions())
}

func TestSiblingSessionSurvivesStop(t *testing.T) {
	f := newFixture(t, defaultScriptCases)
	f.negotiate("sess-a", "dev-1")
	f.negotiate("sess-b", "dev-1")
	require.NoError(t, f.ctrl.Start(context.Background(), "sess-a", StartRequest{}))
	require.NoError(t, f.ctrl.Start(context.Background(), "sess-b", StartRequest{}))
	assert.Equal(t, 1, f.dev.StartCalls("dev-1"), "both sessions share one upstream")

	// Stopping one viewer must not tear down the other's upstream.
	require.NoError(t, f.ctrl.Stop(context.Background(), "sess-a"))
	assert.Zero(t, f.dev.StopCalls("dev-1"))
	_, live := f.br.Handle("dev-1")
	assert.True(t, live)

	sessions := f.ctrl.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-b", sessions[0].SessionID)

	require.NoError(t, f.ctrl.Stop(context.Background(), "sess-b"))
	assert.Equal(t, 1, f.dev.StopCalls("dev-1"))
}

func TestStopWhileWaitingForUpstream(t *testing.T) {
	f := newFixture(t, defaultScriptCases)
	f.dev.AutoStart = false
	f.negotiate("sess-1", "dev-1")

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.ctrl.Start(context.Background(), "sess-1", StartRequest{})
	}()

	require.Eventually(t, func() bool {
		return f.dev.StartCalls("dev-1") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.ctrl.Stop(context.Background(), "sess-1"))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return")
	}

	assert.Empty(t, f.ctrl.Sessions())
	assert.Empty(t, f.invocations())
	_, live := f.br.Handle("dev-1")
	assert.False(t, live)
}

func TestWatchdogExpiryStopsSession(t *testing.T) {
	f := newFixture(t, defaultScriptCases)
	f.negotiate("sess-1", "dev-1")

	// 200ms interval with multiplier 2: the session dies after ~400ms of
	// return-channel silence.
	require.NoError(t, f.ctrl.Start(context.Background(), "sess-1", StartRequest{
		Video: VideoStart{RTCPInterval: 0.2},
		Audio: AudioStart{RTCPInterval: 0.2},
	}))

	require.Eventually(t, func() bool {
		return len(f.ctrl.Sessions()) == 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, f.dev.StopCalls("dev-1"))
}

func TestReconfigureAcknowledgedWithoutEffect(t *testing.T) {
	f := newFixture(t, defaultScriptCases)
	f.negotiate("sess-1", "dev-1")
	require.NoError(t, f.ctrl.Start(context.Background(), "sess-1", StartRequest{}))

	spawnsBefore := len(f.invocations())
	require.NoError(t, f.ctrl.Reconfigure("sess-1", ReconfigureRequest{
		Video: VideoStart{Width: 640, Height: 360, Bitrate: 500},
	}))

	assert.Len(t, f.invocations(), spawnsBefore, "reconfigure spawns nothing")
	sessions := f.ctrl.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, StateActive, sessions[0].State)

	assert.ErrorIs(t, f.ctrl.Reconfigure("nope", ReconfigureRequest{}), ErrSessionNotFound)
}

func TestUpstreamStoppedOutOfBandStopsSessions(t *testing.T) {
	f := newFixture(t, defaultScriptCases)
	f.negotiate("sess-1", "dev-1")
	require.NoError(t, f.ctrl.Start(context.Background(), "sess-1", StartRequest{}))

	f.dev.EmitStopped("dev-1")

	require.Eventually(t, func() bool {
		return len(f.ctrl.Sessions()) == 0
	}, 5*time.Second, 20*time.Millisecond)
	// The device ended the stream itself; no stop command goes back.
	assert.Zero(t, f.dev.StopCalls("dev-1"))
}

func TestAudioFailureDegradesToVideoOnly(t *testing.T) {
	f := newFixture(t, `  *-c:a*) echo 'Unknown encoder aac' 1>&2; exit 1 ;;
  *image2*) printf 'IMG' ;;
  *) sleep 30 ;;`)
	f.negotiate("sess-1", "dev-1")
	require.NoError(t, f.ctrl.Start(context.Background(), "sess-1", StartRequest{}))

	require.Eventually(t, func() bool {
		return len(f.invocations()) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	// The audio transcoder died on the unsupported encoder; the session
	// carries on video-only.
	time.Sleep(300 * time.Millisecond)
	sessions := f.ctrl.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, StateActive, sessions[0].State)
}

func TestVideoTranscoderDeathStopsSession(t *testing.T) {
	f := newFixture(t, `  *-an*) echo 'broken pipe' 1>&2; exit 1 ;;
  *) sleep 30 ;;`)
	f.negotiate("sess-1", "dev-1")
	require.NoError(t, f.ctrl.Start(context.Background(), "sess-1", StartRequest{}))

	require.Eventually(t, func() bool {
		return len(f.ctrl.Sessions()) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, f.dev.StopCalls("dev-1"))
}

func TestStopAll(t *testing.T) {
	f := newFixture(t, defaultScriptCases)
	f.negotiate("sess-1", "dev-1")
	f.negotiate("sess-2", "dev-2")
	require.NoError(t, f.ctrl.Start(context.Background(), "sess-1", StartRequest{}))

	f.ctrl.StopAll(context.Background())

	assert.Empty(t, f.ctrl.Sessions())
	assert.Equal(t, 1, f.dev.StopCalls("dev-1"))
	assert.Zero(t, f.dev.StopCalls("dev-2"), "pending session never borrowed the upstream")
}
