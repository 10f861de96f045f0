package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/camlink/camlink/internal/broker"
	"github.com/camlink/camlink/internal/config"
	"github.com/camlink/camlink/internal/device"
	"github.com/camlink/camlink/internal/httpapi"
	"github.com/camlink/camlink/internal/observability"
	"github.com/camlink/camlink/internal/session"
	"github.com/camlink/camlink/internal/transcode"
	"github.com/camlink/camlink/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the camlink server",
	Long: `Start the camlink server.

The server provides:
- REST API for negotiating, starting, and stopping viewer sessions
- On-demand device snapshots
- Health check and Prometheus metrics endpoints`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8480, "Port to listen on")
	serveCmd.Flags().String("ffmpeg", "", "Path to the ffmpeg binary (default: PATH lookup)")
	serveCmd.Flags().String("device-driver", "loopback", "Device driver (loopback, none)")
	serveCmd.Flags().String("media-file", "", "Media file for the loopback driver")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("transcode.ffmpeg_path", serveCmd.Flags().Lookup("ffmpeg"))
	mustBindPFlag("device.driver", serveCmd.Flags().Lookup("device-driver"))
	mustBindPFlag("device.loopback.media_file", serveCmd.Flags().Lookup("media-file"))
}

func runServe(_ *cobra.Command, _ []string) error {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := slog.Default()
	metrics := observability.NewMetrics()

	binary, err := transcode.DetectBinary(context.Background(), cfg.Transcode.FFmpegPath)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}
	logger.Info("transcoder binary detected",
		slog.String("path", binary.Path),
		slog.String("version", binary.Version))

	var dev device.Controller
	switch cfg.Device.Driver {
	case "loopback":
		dev = device.NewLoopback(cfg.Device.Loopback, logger)
	default:
		dev = device.NewUnavailable()
	}

	br := broker.New(cfg.Broker, dev, logger, metrics)
	sup := transcode.NewSupervisor(binary.Path, cfg.Transcode.StopGracePeriod, logger, metrics)
	ctrl := session.NewController(cfg.Session, cfg.Transcode, br, sup, logger, metrics)
	dev.OnUpstreamStopped(ctrl.HandleUpstreamStopped)

	server := httpapi.NewServer(cfg.Server, ctrl, logger, metrics)

	logger.Info("starting camlink server",
		slog.String("address", cfg.Server.Address()),
		slog.String("device_driver", cfg.Device.Driver),
		slog.String("version", version.Version))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", slog.String("error", err.Error()))
	}
	ctrl.StopAll(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}
