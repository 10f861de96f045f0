package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pion/rtcp"

	"github.com/camlink/camlink/internal/bridge"
	"github.com/camlink/camlink/internal/broker"
	"github.com/camlink/camlink/internal/config"
	"github.com/camlink/camlink/internal/media"
	"github.com/camlink/camlink/internal/observability"
	"github.com/camlink/camlink/internal/transcode"
)

// Controller errors.
var (
	// ErrSessionExists is returned when negotiating a session id that is
	// already in use.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound is returned when starting or reconfiguring an
	// unknown or already stopped session. Stop treats those as a no-op.
	ErrSessionNotFound = errors.New("session not found")
)

// defaultRTCPIntervalSeconds applies when the viewer does not request a
// feedback interval.
const defaultRTCPIntervalSeconds = 30.0

// returnChannelReadBuffer sizes the RTCP read buffer; RTCP compound packets
// fit comfortably in a single MTU.
const returnChannelReadBuffer = 2048

// session is the controller-internal state of one viewer session.
type session struct {
	id        string
	deviceID  string
	createdAt time.Time
	state     State

	address   string
	videoPort int
	audioPort int
	videoKeys TrackKeys
	audioKeys TrackKeys
	videoSSRC uint32
	audioSSRC uint32
	videoConn *net.UDPConn
	audioConn *net.UDPConn

	// borrowed marks that the session counts toward the device's upstream
	// borrower total.
	borrowed bool

	// mu guards the live resources; they grow while the session starts and
	// are drained exactly once on teardown.
	mu      sync.Mutex
	stopped chan struct{}
	bridges []*bridge.Endpoint
	procs   []*transcode.Process
	dogs    []*watchdog
}

// isStopped reports whether teardown has begun. Callers adding resources must
// hold s.mu so the check and the append are atomic against teardown.
func (s *session) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// Controller drives viewer sessions end to end: negotiation, start,
// transcoder orchestration, inactivity watchdogs, and teardown. It borrows
// upstream handles from the broker and releases the upstream only when the
// device's last borrower stops.
type Controller struct {
	cfg     config.SessionConfig
	tcfg    config.TranscodeConfig
	broker  *broker.Broker
	sup     *transcode.Supervisor
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	// borrowed counts live borrowers per device, sessions and snapshot
	// fetches alike.
	borrowed  map[string]int
	snapshots map[string]*snapshotEntry
}

// NewController creates a session controller.
func NewController(cfg config.SessionConfig, tcfg config.TranscodeConfig, br *broker.Broker, sup *transcode.Supervisor, logger *slog.Logger, metrics *observability.Metrics) *Controller {
	return &Controller{
		cfg:       cfg,
		tcfg:      tcfg,
		broker:    br,
		sup:       sup,
		logger:    observability.WithComponent(logger, "session"),
		metrics:   metrics,
		sessions:  make(map[string]*session),
		borrowed:  make(map[string]int),
		snapshots: make(map[string]*snapshotEntry),
	}
}

// Negotiate prepares a pending session: it binds one return-channel UDP
// socket per track on ephemeral ports, picks random synchronization sources,
// and mirrors the viewer's crypto material back. No media flows and no
// upstream is touched until Start.
func (c *Controller) Negotiate(req NegotiateRequest) (*NegotiateResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid negotiation: %w", err)
	}

	c.mu.Lock()
	if _, exists := c.sessions[req.SessionID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, req.SessionID)
	}
	c.mu.Unlock()

	videoConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("binding video return channel: %w", err)
	}
	audioConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		videoConn.Close()
		return nil, fmt.Errorf("binding audio return channel: %w", err)
	}

	s := &session{
		id:        req.SessionID,
		deviceID:  req.DeviceID,
		createdAt: time.Now(),
		state:     StatePending,
		address:   req.Address,
		videoPort: req.VideoPort,
		audioPort: req.AudioPort,
		videoKeys: req.Video,
		audioKeys: req.Audio,
		videoSSRC: randomSSRC(),
		audioSSRC: randomSSRC(),
		videoConn: videoConn,
		audioConn: audioConn,
		stopped:   make(chan struct{}),
	}

	c.mu.Lock()
	if _, exists := c.sessions[req.SessionID]; exists {
		c.mu.Unlock()
		videoConn.Close()
		audioConn.Close()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, req.SessionID)
	}
	c.sessions[req.SessionID] = s
	c.mu.Unlock()

	c.metrics.IncSessionsNegotiated()
	c.logger.Info("session negotiated",
		slog.String("session_id", s.id),
		slog.String("device_id", s.deviceID),
		slog.Int("video_return_port", localPort(videoConn)),
		slog.Int("audio_return_port", localPort(audioConn)))

	return &NegotiateResponse{
		SessionID: s.id,
		Video: TrackEndpoint{
			Port:        localPort(videoConn),
			SSRC:        s.videoSSRC,
			Key:         req.Video.Key,
			Salt:        req.Video.Salt,
			CryptoSuite: cryptoSuite,
		},
		Audio: TrackEndpoint{
			Port:        localPort(audioConn),
			SSRC:        s.audioSSRC,
			Key:         req.Audio.Key,
			Salt:        req.Audio.Salt,
			CryptoSuite: cryptoSuite,
		},
	}, nil
}

// Start takes a pending session live: it borrows the device upstream, bridges
// the video track into a transcoder delivering encrypted RTP, arms the
// return-channel watchdogs, and schedules the audio transcoder after the
// configured delay. A video failure stops the session; an audio failure
// degrades it to video-only.
func (c *Controller) Start(ctx context.Context, sessionID string, req StartRequest) error {
	c.mu.Lock()
	s := c.sessions[sessionID]
	if s == nil || s.state != StatePending {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	c.borrowDeviceLocked(s.deviceID)
	s.borrowed = true
	c.mu.Unlock()

	logger := c.logger.With(
		slog.String("session_id", s.id),
		slog.String("device_id", s.deviceID))

	h, err := c.broker.Acquire(ctx, s.deviceID)
	if err != nil {
		c.unborrow(ctx, s, true)
		return fmt.Errorf("acquiring upstream: %w", err)
	}

	// The session may have been stopped while we waited on the upstream.
	c.mu.Lock()
	if c.sessions[sessionID] != s || s.state != StatePending {
		c.mu.Unlock()
		c.unborrow(ctx, s, true)
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s.state = StateActive
	active := c.countActiveLocked()
	c.mu.Unlock()
	c.metrics.SetActiveSessions(active)

	if err := c.startVideo(s, h, req.Video, logger); err != nil {
		c.stopSession(ctx, s, true, "video start failed")
		return err
	}

	c.armWatchdog(s, s.videoConn, media.KindVideo, req.Video.RTCPInterval, logger)
	c.armWatchdog(s, s.audioConn, media.KindAudio, req.Audio.RTCPInterval, logger)

	go c.startAudioDelayed(s, h, req.Audio, logger)

	c.metrics.IncSessionsStarted()
	logger.Info("session started")
	return nil
}

// startVideo bridges the upstream video track into a transcoder process.
func (c *Controller) startVideo(s *session, h *broker.Handle, req VideoStart, logger *slog.Logger) error {
	ep, err := bridge.Open(h.Video, c.cfg.SocketPath(), logger)
	if err != nil {
		return fmt.Errorf("opening video bridge: %w", err)
	}

	params := transcode.DeriveEncodeParams(c.tcfg, transcode.VideoRequest{
		Width:   req.Width,
		Height:  req.Height,
		FPS:     req.FPS,
		Bitrate: req.Bitrate,
	})
	out := transcode.VideoSRTPOutput(s.address, s.videoPort, s.videoSSRC, s.videoKeys.Material())
	args := transcode.BuildVideoArgs(ep.Address(), params, out)

	proc, err := c.sup.Spawn(media.KindVideo, args, false)
	if err != nil {
		ep.Close()
		return fmt.Errorf("starting video transcoder: %w", err)
	}

	s.mu.Lock()
	if s.isStopped() {
		s.mu.Unlock()
		proc.Stop()
		ep.Close()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
	}
	s.bridges = append(s.bridges, ep)
	s.procs = append(s.procs, proc)
	s.mu.Unlock()

	// An unexpected video transcoder exit takes the whole session down.
	go func() {
		select {
		case <-s.stopped:
		case <-proc.Done():
			if !s.isStopped() && proc.ExitErr() != nil {
				logger.Warn("video transcoder died, stopping session")
				c.stopSession(context.Background(), s, true, "video transcoder exit")
			}
		}
	}()

	return nil
}

// startAudioDelayed starts the audio transcoder after the configured delay.
// Failures never take the session down; they degrade it to video-only.
func (c *Controller) startAudioDelayed(s *session, h *broker.Handle, req AudioStart, logger *slog.Logger) {
	timer := time.NewTimer(c.cfg.AudioStartDelay)
	defer timer.Stop()
	select {
	case <-s.stopped:
		return
	case <-timer.C:
	}

	ep, err := bridge.Open(h.Audio, c.cfg.SocketPath(), logger)
	if err != nil {
		logger.Warn("opening audio bridge failed, continuing video-only",
			slog.String("error", err.Error()))
		return
	}

	out := transcode.AudioSRTPOutput(s.address, s.audioPort, s.audioSSRC, s.audioKeys.Material())
	args := transcode.BuildAudioArgs(ep.Address(), transcode.AudioRequest{
		Codec:      req.Codec,
		Bitrate:    req.Bitrate,
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
	}, c.tcfg, out)

	proc, err := c.sup.Spawn(media.KindAudio, args, false)
	if err != nil {
		ep.Close()
		logger.Warn("starting audio transcoder failed, continuing video-only",
			slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	if s.isStopped() {
		s.mu.Unlock()
		proc.Stop()
		ep.Close()
		return
	}
	s.bridges = append(s.bridges, ep)
	s.procs = append(s.procs, proc)
	s.mu.Unlock()

	go func() {
		select {
		case <-s.stopped:
		case <-proc.Done():
			if s.isStopped() {
				return
			}
			if proc.UnsupportedCodec() {
				logger.Warn("audio codec unsupported by encoder build, continuing video-only")
			} else if proc.ExitErr() != nil {
				logger.Warn("audio transcoder died, continuing video-only",
					slog.String("error", proc.ExitErr().Error()))
			}
		}
	}()
}

// armWatchdog starts the inactivity watchdog for one return channel and the
// reader goroutine that feeds it.
func (c *Controller) armWatchdog(s *session, conn *net.UDPConn, kind media.Kind, interval float64, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultRTCPIntervalSeconds
	}
	timeout := time.Duration(interval*float64(time.Second)) * time.Duration(c.cfg.WatchdogMultiplier)

	dog := newWatchdog(timeout, func() {
		c.metrics.IncWatchdogExpiries()
		logger.Warn("return channel silent, stopping session",
			slog.String("track", string(kind)),
			slog.Duration("timeout", timeout))
		c.stopSession(context.Background(), s, true, "watchdog expiry")
	})

	s.mu.Lock()
	if s.isStopped() {
		s.mu.Unlock()
		dog.Stop()
		return
	}
	s.dogs = append(s.dogs, dog)
	s.mu.Unlock()

	go func() {
		buf := make([]byte, returnChannelReadBuffer)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				// Connection closed on teardown.
				return
			}
			dog.Reset()
			if pkts, perr := rtcp.Unmarshal(buf[:n]); perr == nil {
				logger.Debug("return channel feedback",
					slog.String("track", string(kind)),
					slog.Int("packets", len(pkts)))
			}
		}
	}()
}

// Stop tears down a session: transcoders, bridges, watchdogs, return-channel
// sockets, and, when the session was the device's last borrower, the upstream
// itself. Works on pending and active sessions alike, and is idempotent:
// stopping an unknown or already stopped session is a no-op, never an error.
func (c *Controller) Stop(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	s := c.sessions[sessionID]
	c.mu.Unlock()
	if s == nil {
		c.logger.Debug("stop for unknown or stopped session",
			slog.String("session_id", sessionID))
		return nil
	}
	c.stopSession(ctx, s, true, "requested")
	return nil
}

// stopSession is the single teardown path. Exactly one caller wins; the rest
// return immediately. Each resource is stopped independently, failures are
// logged and never block the remaining cleanup.
func (c *Controller) stopSession(ctx context.Context, s *session, releaseUpstream bool, reason string) {
	c.mu.Lock()
	if s.state == StateStopped {
		c.mu.Unlock()
		return
	}
	wasActive := s.state == StateActive
	s.state = StateStopped
	delete(c.sessions, s.id)
	active := c.countActiveLocked()
	c.mu.Unlock()

	logger := c.logger.With(
		slog.String("session_id", s.id),
		slog.String("device_id", s.deviceID),
		slog.String("reason", reason))

	s.mu.Lock()
	close(s.stopped)
	procs := s.procs
	bridges := s.bridges
	dogs := s.dogs
	s.procs, s.bridges, s.dogs = nil, nil, nil
	s.mu.Unlock()

	for _, dog := range dogs {
		dog.Stop()
	}
	for _, proc := range procs {
		if err := proc.Stop(); err != nil {
			logger.Warn("stopping transcoder failed",
				slog.String("track", string(proc.Kind())),
				slog.String("error", err.Error()))
		}
	}
	for _, ep := range bridges {
		ep.Close()
	}
	if err := s.videoConn.Close(); err != nil {
		logger.Debug("closing video return channel", slog.String("error", err.Error()))
	}
	if err := s.audioConn.Close(); err != nil {
		logger.Debug("closing audio return channel", slog.String("error", err.Error()))
	}

	c.unborrow(ctx, s, releaseUpstream)

	c.metrics.IncSessionsStopped()
	c.metrics.SetActiveSessions(active)
	if wasActive {
		logger.Info("session stopped", slog.Duration("lifetime", time.Since(s.createdAt)))
	} else {
		logger.Info("pending session discarded")
	}
}

// unborrow drops one borrower for the session's device and releases the
// upstream when it was the last. releaseUpstream is false when the device
// already stopped on its own and a stop command back would be redundant.
// No-op when the session holds no borrow.
func (c *Controller) unborrow(ctx context.Context, s *session, releaseUpstream bool) {
	c.mu.Lock()
	if !s.borrowed {
		c.mu.Unlock()
		return
	}
	s.borrowed = false
	c.mu.Unlock()
	c.unborrowDevice(ctx, s.deviceID, releaseUpstream)
}

// borrowDevice registers one borrower of the device's upstream.
func (c *Controller) borrowDevice(deviceID string) {
	c.mu.Lock()
	c.borrowDeviceLocked(deviceID)
	c.mu.Unlock()
}

// borrowDeviceLocked registers one borrower. Caller holds c.mu.
func (c *Controller) borrowDeviceLocked(deviceID string) {
	c.borrowed[deviceID]++
}

// unborrowDevice drops one borrower and releases the upstream when it was
// the last.
func (c *Controller) unborrowDevice(ctx context.Context, deviceID string, releaseUpstream bool) {
	c.mu.Lock()
	c.borrowed[deviceID]--
	last := c.borrowed[deviceID] <= 0
	if last {
		delete(c.borrowed, deviceID)
	}
	c.mu.Unlock()

	if last && releaseUpstream {
		c.broker.Release(ctx, deviceID)
	}
}

// Reconfigure acknowledges a mid-stream parameter change without applying it.
// The viewer keeps receiving the stream negotiated at start time.
func (c *Controller) Reconfigure(sessionID string, req ReconfigureRequest) error {
	c.mu.Lock()
	s := c.sessions[sessionID]
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	c.logger.Debug("reconfigure acknowledged without effect",
		slog.String("session_id", sessionID),
		slog.Int("requested_width", req.Video.Width),
		slog.Int("requested_bitrate", req.Video.Bitrate))
	return nil
}

// HandleUpstreamStopped stops every session of a device whose upstream went
// away out of band. No stop command is sent back to the device.
func (c *Controller) HandleUpstreamStopped(deviceID string) {
	c.mu.Lock()
	var affected []*session
	for _, s := range c.sessions {
		if s.deviceID == deviceID {
			affected = append(affected, s)
		}
	}
	c.mu.Unlock()

	for _, s := range affected {
		c.stopSession(context.Background(), s, false, "upstream stopped")
	}
}

// Sessions returns a summary of every live session, oldest first.
func (c *Controller) Sessions() []Info {
	c.mu.Lock()
	out := make([]Info, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, Info{
			SessionID: s.id,
			DeviceID:  s.deviceID,
			State:     s.state,
			CreatedAt: s.createdAt.UTC().Format(time.RFC3339),
		})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// StopAll tears down every live session. Used on shutdown.
func (c *Controller) StopAll(ctx context.Context) {
	c.mu.Lock()
	list := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		list = append(list, s)
	}
	c.mu.Unlock()

	for _, s := range list {
		c.stopSession(ctx, s, true, "shutdown")
	}
}

// countActiveLocked counts active sessions. Caller holds c.mu.
func (c *Controller) countActiveLocked() int {
	n := 0
	for _, s := range c.sessions {
		if s.state == StateActive {
			n++
		}
	}
	return n
}

func localPort(conn *net.UDPConn) int {
	return conn.LocalAddr().(*net.UDPAddr).Port
}
