package config

import (
	"fmt"
	"strings"
)

// ValidationResult separates errors that must block startup from ones that
// are survivable misconfigurations.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r *ValidationResult) HasFatals() bool { return len(r.Fatals) > 0 }

func (r *ValidationResult) fatal(format string, args ...any) {
	r.Fatals = append(r.Fatals, fmt.Errorf(format, args...))
}

func (r *ValidationResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
}

// ValidateTiered checks the configuration. Fatals abort startup; warnings are
// logged and execution continues with the configured value left as-is.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	switch c.Mode {
	case "websockets", "webrtc":
	default:
		r.fatal("mode must be \"websockets\" or \"webrtc\", got %q", c.Mode)
	}

	if !validEncoder(c.Encoder) {
		r.fatal("unknown encoder %q (supported: %s)", c.Encoder, strings.Join(encoders, ", "))
	}

	switch c.PipelineBackend {
	case "gst", "capture":
	default:
		r.fatal("pipeline_backend must be \"gst\" or \"capture\", got %q", c.PipelineBackend)
	}

	if c.Framerate.Min <= 0 || c.Framerate.Max <= 0 {
		r.fatal("framerate range must be positive, got %s", c.Framerate)
	}
	if c.VideoBitrate <= 0 {
		r.fatal("video_bitrate must be positive, got %d", c.VideoBitrate)
	}
	if c.AudioBitrate <= 0 {
		r.fatal("audio_bitrate must be positive, got %d", c.AudioBitrate)
	}
	if c.AudioChannels != 1 && c.AudioChannels != 2 {
		r.fatal("audio_channels must be 1 or 2, got %d", c.AudioChannels)
	}
	if c.KeyframeDistance != -1.0 && c.KeyframeDistance <= 0 {
		r.fatal("keyframe_distance must be -1 (infinite) or positive seconds, got %v", c.KeyframeDistance)
	}
	if c.VideoPacketloss < 0 || c.VideoPacketloss > 100 {
		r.fatal("video_packetloss_percent must be within 0-100, got %v", c.VideoPacketloss)
	}
	if c.AudioPacketloss < 0 || c.AudioPacketloss > 100 {
		r.fatal("audio_packetloss_percent must be within 0-100, got %v", c.AudioPacketloss)
	}

	if c.ManualResolution != "" {
		var w, h int
		if _, err := fmt.Sscanf(c.ManualResolution, "%dx%d", &w, &h); err != nil || w <= 0 || h <= 0 {
			r.fatal("manual_resolution must look like \"1920x1080\", got %q", c.ManualResolution)
		}
	}

	if c.Port <= 0 || c.Port > 65535 {
		r.fatal("port out of range: %d", c.Port)
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		r.fatal("control_port out of range: %d", c.ControlPort)
	}

	if c.TURNProtocol != "udp" && c.TURNProtocol != "tcp" {
		r.warn("turn_protocol %q not recognized, using udp", c.TURNProtocol)
	}
	if c.TURNSharedSecret != "" && (c.TURNHost == "" || c.TURNPort == 0) {
		r.fatal("turn_shared_secret requires turn_host and turn_port")
	}
	if c.EnableCloudflareTURN && (c.CloudflareTokenID == "" || c.CloudflareAPIToken == "") {
		r.warn("cloudflare TURN enabled without token id and api token; source will be skipped")
	}

	if c.EnableBasicAuth && c.BasicAuthPassword == "" {
		r.fatal("enable_basic_auth requires basic_auth_password")
	}
	if c.EnableHTTPS && (c.HTTPSCert == "" || c.HTTPSKey == "") {
		r.warn("enable_https without https_cert/https_key; TLS will fail at listen time")
	}

	if c.DPI <= 0 {
		r.warn("dpi must be positive, got %d; the configured DPI is not applied at startup", c.DPI)
	}

	return r
}
