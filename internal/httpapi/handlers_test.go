package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camlink/camlink/internal/broker"
	"github.com/camlink/camlink/internal/config"
	"github.com/camlink/camlink/internal/device"
	"github.com/camlink/camlink/internal/observability"
	"github.com/camlink/camlink/internal/session"
	"github.com/camlink/camlink/internal/transcode"
)

type fixture struct {
	t      *testing.T
	dev    *device.Fake
	br     *broker.Broker
	ctrl   *session.Controller
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	logPath := filepath.Join(dir, "ffmpeg.log")
	script := fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$*\" >> %s\ncase \"$*\" in\n  *image2*) printf 'IMG' ;;\n  *) sleep 30 ;;\nesac\n", logPath)
	ffmpeg := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(ffmpeg, []byte(script), 0o755))

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

	ctrl := session.NewController(config.SessionConfig{
		WatchdogMultiplier:  5,
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

	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 8480}, ctrl, logger, observability.NewMetrics())

	t.Cleanup(func() { ctrl.StopAll(context.Background()) })
	return &fixture{t: t, dev: dev, br: br, ctrl: ctrl, router: srv.Router()}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func negotiateBody(sessionID, deviceID string) session.NegotiateRequest {
	return session.NegotiateRequest{
		SessionID: sessionID,
		DeviceID:  deviceID,
		Address:   "127.0.0.1",
		VideoPort: 40000,
		AudioPort: 40002,
		Video: session.TrackKeys{
			Key:  bytes.Repeat([]byte{0x11}, session.KeyLen),
			Salt: bytes.Repeat([]byte{0x12}, session.SaltLen),
		},
		Audio: session.TrackKeys{
			Key:  bytes.Repeat([]byte{0x21}, session.KeyLen),
			Salt: bytes.Repeat([]byte{0x22}, session.SaltLen),
		},
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "camlink_")
}

func TestNegotiateSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/sessions", negotiateBody("sess-1", "dev-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp session.NegotiateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.NotZero(t, resp.Video.Port)
	assert.NotZero(t, resp.Audio.Port)
	assert.Equal(t, "AES_CM_128_HMAC_SHA1_80", resp.Video.CryptoSuite)
}

func TestNegotiateDuplicateConflicts(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/sessions", negotiateBody("sess-1", "dev-1"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(http.MethodPost, "/api/v1/sessions", negotiateBody("sess-1", "dev-1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestNegotiateInvalidBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := negotiateBody("sess-1", "dev-1")
	body.Video.Key = []byte("short")
	rec = f.do(http.MethodPost, "/api/v1/sessions", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/v1/sessions", negotiateBody("sess-1", "dev-1"))

	rec := f.do(http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []session.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].SessionID)
	assert.Equal(t, session.StatePending, list[0].State)
}

func TestStartUnknownSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/sessions/nope/start", session.StartRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAndStopSession(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/v1/sessions", negotiateBody("sess-1", "dev-1"))

	rec := f.do(http.MethodPost, "/api/v1/sessions/sess-1/start", session.StartRequest{
		Video: session.VideoStart{Width: 1280, Height: 720, FPS: 30, Bitrate: 2000},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.dev.StartCalls("dev-1"))

	rec = f.do(http.MethodPost, "/api/v1/sessions/sess-1/reconfigure", session.ReconfigureRequest{
		Video: session.VideoStart{Width: 640},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodDelete, "/api/v1/sessions/sess-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, f.dev.StopCalls("dev-1"))

	// Stop is idempotent: repeat and unknown deletes succeed too.
	rec = f.do(http.MethodDelete, "/api/v1/sessions/sess-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(http.MethodDelete, "/api/v1/sessions/never-negotiated", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, f.dev.StopCalls("dev-1"))
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- f.do(http.MethodGet, "/api/v1/devices/dev-1/snapshot", nil) }()

	var h *broker.Handle
	require.Eventually(t, func() bool {
		var ok bool
		h, ok = f.br.Handle("dev-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.Video.Write([]byte("init-segment")))

	rec := <-done
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "IMG", rec.Body.String())
}

func TestSnapshotUpstreamUnavailable(t *testing.T) {
	f := newFixture(t)
	f.dev.AutoStart = false
	f.dev.StartErr = assert.AnError

	rec := f.do(http.MethodGet, "/api/v1/devices/dev-1/snapshot", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
