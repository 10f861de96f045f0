// Package config provides configuration management for camlink using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8480
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultDuplicateWindow     = 5 * time.Second
	defaultStartTimeout        = 15 * time.Second
	defaultInitSegmentPoll     = 100 * time.Millisecond
	defaultInitSegmentWait     = 5 * time.Second
	defaultWatchdogMultiplier  = 5
	defaultAudioStartDelay     = 500 * time.Millisecond
	defaultSnapshotCacheWindow = 4 * time.Second
	defaultSnapshotTimeout     = 10 * time.Second
	defaultStopGracePeriod     = 2 * time.Second
	defaultVideoCodec          = "libx264"
	defaultAudioCodec          = "aac"
	defaultVideoPreset         = "veryfast"
	defaultLoopbackChunkSize   = 32 * 1024
	defaultLoopbackInterval    = 40 * time.Millisecond
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Session   SessionConfig   `mapstructure:"session"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	Device    DeviceConfig    `mapstructure:"device"`
}

// ServerConfig holds the control-surface HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// BrokerConfig holds upstream live-stream broker configuration.
type BrokerConfig struct {
	// DuplicateStartWindow suppresses device start notifications that arrive
	// while a handle younger than this already exists. The 5s default mirrors
	// observed device re-announcement behaviour and carries no deeper meaning.
	DuplicateStartWindow time.Duration `mapstructure:"duplicate_start_window"`
	// StartTimeout bounds how long an acquire waits for the device to deliver
	// the upstream-started notification.
	StartTimeout time.Duration `mapstructure:"start_timeout"`
	// InitSegmentPoll is the polling interval of the init segment accessor.
	InitSegmentPoll time.Duration `mapstructure:"init_segment_poll"`
	// InitSegmentWait is the total budget of the init segment accessor.
	InitSegmentWait time.Duration `mapstructure:"init_segment_wait"`
}

// SessionConfig holds viewer session configuration.
type SessionConfig struct {
	// WatchdogMultiplier scales the requested RTCP interval into the
	// inactivity timeout for each return-channel socket.
	WatchdogMultiplier int `mapstructure:"watchdog_multiplier"`
	// AudioStartDelay is how long after the video transcoder the audio
	// transcoder is started.
	AudioStartDelay     time.Duration `mapstructure:"audio_start_delay"`
	SnapshotCacheWindow time.Duration `mapstructure:"snapshot_cache_window"`
	SnapshotTimeout     time.Duration `mapstructure:"snapshot_timeout"`
	// SocketDir is where the per-track bridge sockets are created.
	// Empty means the system temp directory.
	SocketDir string `mapstructure:"socket_dir"`
}

// TranscodeConfig holds external transcoder configuration.
type TranscodeConfig struct {
	// FFmpegPath overrides PATH lookup of the ffmpeg binary.
	FFmpegPath string `mapstructure:"ffmpeg_path"`
	// VideoCodec is the target video encoder, or "copy" for pass-through.
	VideoCodec  string `mapstructure:"video_codec"`
	AudioCodec  string `mapstructure:"audio_codec"`
	VideoPreset string `mapstructure:"video_preset"`

	// Encode maxima. Zero means unconstrained. ForceMax pins the encode
	// parameters to the maxima even when the request asks for less.
	MaxWidth   int  `mapstructure:"max_width"`
	MaxHeight  int  `mapstructure:"max_height"`
	MaxFPS     int  `mapstructure:"max_fps"`
	MaxBitrate int  `mapstructure:"max_bitrate"` // kbps
	ForceMax   bool `mapstructure:"force_max"`

	// StopGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period"`
}

// DeviceConfig selects and configures the device collaborator driver.
type DeviceConfig struct {
	// Driver names the device backend. "loopback" feeds tracks from a local
	// media file and exists for development and testing.
	Driver   string         `mapstructure:"driver"`
	Loopback LoopbackConfig `mapstructure:"loopback"`
}

// LoopbackConfig configures the loopback device driver.
type LoopbackConfig struct {
	MediaFile     string        `mapstructure:"media_file"`
	ChunkSize     int           `mapstructure:"chunk_size"`
	ChunkInterval time.Duration `mapstructure:"chunk_interval"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with CAMLINK_ and use underscores for
// nesting. Example: CAMLINK_SERVER_PORT=8480.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/camlink")
		v.AddConfigPath("$HOME/.camlink")
	}

	v.SetEnvPrefix("CAMLINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Broker defaults
	v.SetDefault("broker.duplicate_start_window", defaultDuplicateWindow)
	v.SetDefault("broker.start_timeout", defaultStartTimeout)
	v.SetDefault("broker.init_segment_poll", defaultInitSegmentPoll)
	v.SetDefault("broker.init_segment_wait", defaultInitSegmentWait)

	// Session defaults
	v.SetDefault("session.watchdog_multiplier", defaultWatchdogMultiplier)
	v.SetDefault("session.audio_start_delay", defaultAudioStartDelay)
	v.SetDefault("session.snapshot_cache_window", defaultSnapshotCacheWindow)
	v.SetDefault("session.snapshot_timeout", defaultSnapshotTimeout)
	v.SetDefault("session.socket_dir", "")

	// Transcode defaults
	v.SetDefault("transcode.ffmpeg_path", "")
	v.SetDefault("transcode.video_codec", defaultVideoCodec)
	v.SetDefault("transcode.audio_codec", defaultAudioCodec)
	v.SetDefault("transcode.video_preset", defaultVideoPreset)
	v.SetDefault("transcode.max_width", 0)
	v.SetDefault("transcode.max_height", 0)
	v.SetDefault("transcode.max_fps", 0)
	v.SetDefault("transcode.max_bitrate", 0)
	v.SetDefault("transcode.force_max", false)
	v.SetDefault("transcode.stop_grace_period", defaultStopGracePeriod)

	// Device defaults
	v.SetDefault("device.driver", "loopback")
	v.SetDefault("device.loopback.media_file", "")
	v.SetDefault("device.loopback.chunk_size", defaultLoopbackChunkSize)
	v.SetDefault("device.loopback.chunk_interval", defaultLoopbackInterval)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Broker.DuplicateStartWindow < 0 {
		return fmt.Errorf("broker.duplicate_start_window must not be negative")
	}
	if c.Broker.StartTimeout <= 0 {
		return fmt.Errorf("broker.start_timeout must be positive")
	}
	if c.Broker.InitSegmentPoll <= 0 {
		return fmt.Errorf("broker.init_segment_poll must be positive")
	}
	if c.Broker.InitSegmentWait < c.Broker.InitSegmentPoll {
		return fmt.Errorf("broker.init_segment_wait must be at least broker.init_segment_poll")
	}

	if c.Session.WatchdogMultiplier < 1 {
		return fmt.Errorf("session.watchdog_multiplier must be at least 1")
	}
	if c.Session.AudioStartDelay < 0 {
		return fmt.Errorf("session.audio_start_delay must not be negative")
	}
	if c.Session.SnapshotTimeout <= 0 {
		return fmt.Errorf("session.snapshot_timeout must be positive")
	}

	if c.Transcode.VideoCodec == "" {
		return fmt.Errorf("transcode.video_codec is required")
	}
	if c.Transcode.AudioCodec == "" {
		return fmt.Errorf("transcode.audio_codec is required")
	}

	validDrivers := map[string]bool{"loopback": true, "none": true}
	if !validDrivers[c.Device.Driver] {
		return fmt.Errorf("device.driver must be one of: loopback, none")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SocketPath returns the directory holding bridge sockets, defaulting to the
// system temp directory when unset.
func (c *SessionConfig) SocketPath() string {
	if c.SocketDir != "" {
		return c.SocketDir
	}
	return os.TempDir()
}
