// Package transcode spawns and supervises the external ffmpeg processes that
// turn a bridged camera track into encrypted RTP toward a viewer, or into a
// single still image for snapshots.
package transcode

import (
	"encoding/base64"
	"fmt"

	"github.com/camlink/camlink/internal/config"
)

// CodecCopy is the pass-through video codec: the original encoding is
// forwarded unmodified and no filtering or clamping applies.
const CodecCopy = "copy"

// CryptoSuiteAESCM128 is the SRTP crypto suite used for session delivery.
const CryptoSuiteAESCM128 = "AES_CM_128_HMAC_SHA1_80"

// RTP payload types and packet sizes for the two tracks.
const (
	videoPayloadType = 99
	audioPayloadType = 110
	videoPacketSize  = 1316
	audioPacketSize  = 188
)

// VideoRequest carries the viewer-requested video parameters.
type VideoRequest struct {
	Width   int
	Height  int
	FPS     int
	Bitrate int // kbps
}

// AudioRequest carries the viewer-requested audio parameters.
type AudioRequest struct {
	Codec      string
	Bitrate    int // kbps
	SampleRate int // kHz
	Channels   int
}

// EncodeParams are the derived per-track encode parameters after clamping.
// With the pass-through codec all numeric fields are zero: the native stream
// parameters are kept.
type EncodeParams struct {
	Codec   string
	Preset  string
	Width   int
	Height  int
	FPS     int
	Bitrate int // kbps
}

// DeriveEncodeParams clamps the requested video parameters against the
// configured maxima. A maximum applies only when configured (non-zero) and
// either force-max is enabled or the request exceeds it. The pass-through
// codec skips clamping entirely.
func DeriveEncodeParams(cfg config.TranscodeConfig, req VideoRequest) EncodeParams {
	if cfg.VideoCodec == CodecCopy {
		return EncodeParams{Codec: CodecCopy}
	}
	return EncodeParams{
		Codec:   cfg.VideoCodec,
		Preset:  cfg.VideoPreset,
		Width:   clamp(req.Width, cfg.MaxWidth, cfg.ForceMax),
		Height:  clamp(req.Height, cfg.MaxHeight, cfg.ForceMax),
		FPS:     clamp(req.FPS, cfg.MaxFPS, cfg.ForceMax),
		Bitrate: clamp(req.Bitrate, cfg.MaxBitrate, cfg.ForceMax),
	}
}

func clamp(requested, maximum int, force bool) int {
	if maximum <= 0 {
		return requested
	}
	if force || requested > maximum {
		return maximum
	}
	return requested
}

// SRTPOutput describes the encrypted RTP destination for one track.
type SRTPOutput struct {
	Address     string
	Port        int
	PayloadType int
	SSRC        uint32
	// KeySalt is the negotiated crypto material: key followed by salt.
	KeySalt []byte
	// PacketSize caps the RTP packet payload.
	PacketSize int
}

// VideoSRTPOutput builds the SRTP destination for the video track.
func VideoSRTPOutput(address string, port int, ssrc uint32, keySalt []byte) SRTPOutput {
	return SRTPOutput{
		Address:     address,
		Port:        port,
		PayloadType: videoPayloadType,
		SSRC:        ssrc,
		KeySalt:     keySalt,
		PacketSize:  videoPacketSize,
	}
}

// AudioSRTPOutput builds the SRTP destination for the audio track.
func AudioSRTPOutput(address string, port int, ssrc uint32, keySalt []byte) SRTPOutput {
	return SRTPOutput{
		Address:     address,
		Port:        port,
		PayloadType: audioPayloadType,
		SSRC:        ssrc,
		KeySalt:     keySalt,
		PacketSize:  audioPacketSize,
	}
}

func (o SRTPOutput) url() string {
	return fmt.Sprintf("srtp://%s:%d?rtcpport=%d&pkt_size=%d",
		o.Address, o.Port, o.Port, o.PacketSize)
}

func (o SRTPOutput) appendArgs(args []string) []string {
	return append(args,
		"-payload_type", fmt.Sprintf("%d", o.PayloadType),
		"-ssrc", fmt.Sprintf("%d", o.SSRC),
		"-f", "rtp",
		"-srtp_out_suite", CryptoSuiteAESCM128,
		"-srtp_out_params", base64.StdEncoding.EncodeToString(o.KeySalt),
		o.url(),
	)
}

// BuildVideoArgs constructs the ffmpeg argument list for the live video
// track: bridge endpoint in, encrypted RTP out.
func BuildVideoArgs(input string, p EncodeParams, out SRTPOutput) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", input,
		"-an", "-sn", "-dn",
	}

	if p.Codec == CodecCopy {
		args = append(args, "-c:v", CodecCopy)
		return out.appendArgs(args)
	}

	args = append(args, "-c:v", p.Codec, "-pix_fmt", "yuv420p")
	if p.Preset != "" {
		args = append(args, "-preset", p.Preset)
	}
	switch {
	case p.Width > 0 && p.Height > 0:
		args = append(args, "-filter:v", fmt.Sprintf("scale=%d:%d", p.Width, p.Height))
	case p.Width > 0:
		// Keep aspect ratio, even dimensions for the encoder.
		args = append(args, "-filter:v", fmt.Sprintf("scale=%d:-2", p.Width))
	}
	if p.FPS > 0 {
		args = append(args, "-r", fmt.Sprintf("%d", p.FPS))
	}
	if p.Bitrate > 0 {
		args = append(args,
			"-b:v", fmt.Sprintf("%dk", p.Bitrate),
			"-maxrate", fmt.Sprintf("%dk", p.Bitrate),
			"-bufsize", fmt.Sprintf("%dk", 2*p.Bitrate),
		)
	}

	return out.appendArgs(args)
}

// BuildAudioArgs constructs the ffmpeg argument list for the live audio
// track. The encoder named here may be unsupported by the local ffmpeg
// build; that surfaces as a spawn-time or run-time failure which degrades
// the session to video-only.
func BuildAudioArgs(input string, req AudioRequest, cfg config.TranscodeConfig, out SRTPOutput) []string {
	codec := req.Codec
	if codec == "" {
		codec = cfg.AudioCodec
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", input,
		"-vn", "-sn", "-dn",
		"-c:a", codec,
		"-flags", "+global_header",
	}
	if req.SampleRate > 0 {
		args = append(args, "-ar", fmt.Sprintf("%dk", req.SampleRate))
	}
	if req.Channels > 0 {
		args = append(args, "-ac", fmt.Sprintf("%d", req.Channels))
	}
	if req.Bitrate > 0 {
		args = append(args, "-b:a", fmt.Sprintf("%dk", req.Bitrate))
	}

	return out.appendArgs(args)
}

// BuildSnapshotArgs constructs the ffmpeg argument list that decodes exactly
// one frame from the bridged video track and writes an encoded still image
// to stdout.
func BuildSnapshotArgs(input string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-frames:v", "1",
		"-f", "image2",
		"-",
	}
}
