package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/driftdesk/streamer/internal/app"
	"github.com/driftdesk/streamer/internal/config"
	"github.com/driftdesk/streamer/internal/logging"
)

func main() {
	root := &cobra.Command{
		Use:   "streamer",
		Short: "Single-user remote desktop streaming server",
		Long: "streamer captures a local display and audio source, encodes them to a\n" +
			"low-latency stream, and serves a browser client over WebRTC or a raw\n" +
			"WebSocket, with an embedded signaling server and hot transport switching.",
		SilenceUsage: true,
		RunE:         run,
	}

	flags := root.Flags()
	flags.String("mode", "", "transport mode: websockets or webrtc")
	flags.Bool("enable_dual_mode", false, "allow switching transports at runtime")
	flags.Int("control_port", 0, "loopback control plane port")
	flags.String("encoder", "", "video encoder element")
	flags.String("framerate", "", "framerate or range, e.g. 60 or 8-120")
	flags.Int("video_bitrate", 0, "video bitrate in kbps")
	flags.Int("audio_bitrate", 0, "audio bitrate in bps")
	flags.String("pipeline_backend", "", "media pipeline back-end: gst or capture")
	flags.String("addr", "", "signaling listen address")
	flags.Int("port", 0, "signaling listen port")
	flags.String("web_root", "", "static web assets directory")
	flags.String("turn_host", "", "TURN server host")
	flags.Int("turn_port", 0, "TURN server port")
	flags.String("turn_shared_secret", "", "TURN HMAC shared secret")
	flags.String("rtc_config_json", "", "path to an RTC config JSON file")
	flags.Bool("enable_basic_auth", false, "require HTTP basic auth")
	flags.String("basic_auth_user", "", "basic auth username")
	flags.String("basic_auth_password", "", "basic auth password")
	flags.Bool("enable_https", false, "serve signaling over TLS")
	flags.String("log_level", "", "log level: debug, info, warn, error")
	flags.String("log_format", "", "log format: text or json")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
	log := logging.L("main")
	log.Info("starting streamer",
		"mode", cfg.Mode,
		"encoder", cfg.Encoder,
		"backend", cfg.PipelineBackend,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg).Run(ctx); err != nil {
		log.Error("streamer exited with error", "error", err)
		return err
	}
	log.Info("streamer stopped")
	return nil
}
