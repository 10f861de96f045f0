// Package session owns the per-viewer streaming session lifecycle: crypto
// and transport negotiation, the pending to active to stopped state machine,
// transcoder orchestration per track, return-channel inactivity watchdogs,
// and snapshot capture with a short-lived result cache.
package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/camlink/camlink/internal/transcode"
)

// SRTP crypto material lengths for AES_CM_128_HMAC_SHA1_80. The negotiated
// material per track is exactly key followed by salt.
const (
	KeyLen  = 16
	SaltLen = 14
)

// State is a session's lifecycle state. Transitions are monotonic:
// pending -> active -> stopped, with stopped reachable from pending too.
type State string

// Session states.
const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateStopped State = "stopped"
)

// TrackKeys is the caller-supplied SRTP crypto material for one track.
type TrackKeys struct {
	Key  []byte `json:"key"`
	Salt []byte `json:"salt"`
}

// Validate checks the crypto material lengths.
func (k TrackKeys) Validate() error {
	if len(k.Key) != KeyLen {
		return fmt.Errorf("key must be %d bytes, got %d", KeyLen, len(k.Key))
	}
	if len(k.Salt) != SaltLen {
		return fmt.Errorf("salt must be %d bytes, got %d", SaltLen, len(k.Salt))
	}
	return nil
}

// Material returns the wire-format crypto material: key followed by salt.
func (k TrackKeys) Material() []byte {
	material := make([]byte, 0, len(k.Key)+len(k.Salt))
	material = append(material, k.Key...)
	return append(material, k.Salt...)
}

// NegotiateRequest is the viewer's half of the secure-media-session
// negotiation: its return address, per-track destination ports, and per-track
// crypto material.
type NegotiateRequest struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	// Address is where encrypted RTP is delivered.
	Address   string    `json:"address"`
	VideoPort int       `json:"video_port"`
	AudioPort int       `json:"audio_port"`
	Video     TrackKeys `json:"video"`
	Audio     TrackKeys `json:"audio"`
}

// Validate checks the negotiation request.
func (r NegotiateRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if r.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if r.Address == "" {
		return fmt.Errorf("address is required")
	}
	if err := r.Video.Validate(); err != nil {
		return fmt.Errorf("video crypto: %w", err)
	}
	if err := r.Audio.Validate(); err != nil {
		return fmt.Errorf("audio crypto: %w", err)
	}
	return nil
}

// TrackEndpoint is the server's half of the negotiation for one track: the
// local return-channel port, the synchronization source, and the mirrored
// crypto material. The field layout is an external protocol contract.
type TrackEndpoint struct {
	Port        int    `json:"port"`
	SSRC        uint32 `json:"ssrc"`
	Key         []byte `json:"key"`
	Salt        []byte `json:"salt"`
	CryptoSuite string `json:"crypto_suite"`
}

// NegotiateResponse answers a negotiation request.
type NegotiateResponse struct {
	SessionID string        `json:"session_id"`
	Video     TrackEndpoint `json:"video"`
	Audio     TrackEndpoint `json:"audio"`
}

// VideoStart carries the viewer-requested video parameters on start.
type VideoStart struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	FPS     int `json:"fps"`
	Bitrate int `json:"bitrate"` // kbps
	// RTCPInterval is the requested feedback interval in seconds; it scales
	// the inactivity watchdog.
	RTCPInterval float64 `json:"rtcp_interval"`
}

// AudioStart carries the viewer-requested audio parameters on start.
type AudioStart struct {
	Codec        string  `json:"codec"`
	Bitrate      int     `json:"bitrate"`     // kbps
	SampleRate   int     `json:"sample_rate"` // kHz
	Channels     int     `json:"channels"`
	RTCPInterval float64 `json:"rtcp_interval"`
}

// StartRequest asks a pending session to go live.
type StartRequest struct {
	Video VideoStart `json:"video"`
	Audio AudioStart `json:"audio"`
}

// ReconfigureRequest mirrors StartRequest; reconfiguration is acknowledged
// but has no effect on an active session.
type ReconfigureRequest struct {
	Video VideoStart `json:"video"`
	Audio AudioStart `json:"audio"`
}

// Info is a read-only session summary for the control surface.
type Info struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	State     State  `json:"state"`
	CreatedAt string `json:"created_at"`
}

// cryptoSuite names the SRTP suite in negotiation responses.
const cryptoSuite = transcode.CryptoSuiteAESCM128

// randomSSRC returns a random non-zero synchronization source identifier.
// Kept within the positive int32 range the transcoder accepts.
func randomSSRC() uint32 {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(fmt.Sprintf("reading random ssrc: %v", err))
		}
		ssrc := binary.BigEndian.Uint32(buf[:]) & 0x7fffffff
		if ssrc != 0 {
			return ssrc
		}
	}
}
