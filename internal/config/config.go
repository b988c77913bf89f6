package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/driftdesk/streamer/internal/logging"
	"github.com/driftdesk/streamer/internal/streamerrors"
)

var log = logging.L("config")

// envPrefix is the canonical environment namespace. Every setting `name` can
// be overridden with SELKIES_<NAME>; a handful of settings additionally honor
// legacy variable names (see legacyEnv).
const envPrefix = "SELKIES"

// Config is the immutable settings value constructed at startup. Runtime
// knobs that clients may mutate are persisted through RuntimeFile, not here.
type Config struct {
	// Mode selection and supervisor
	Mode           string `mapstructure:"mode"`
	EnableDualMode bool   `mapstructure:"enable_dual_mode"`
	ControlPort    int    `mapstructure:"control_port"`

	// Feature toggles
	AudioEnabled        bool `mapstructure:"audio_enabled"`
	MicrophoneEnabled   bool `mapstructure:"microphone_enabled"`
	GamepadEnabled      bool `mapstructure:"gamepad_enabled"`
	ClipboardEnabled    bool `mapstructure:"clipboard_enabled"`
	FileUploadEnabled   bool `mapstructure:"file_upload_enabled"`
	FileDownloadEnabled bool `mapstructure:"file_download_enabled"`

	// Media
	PipelineBackend  string  `mapstructure:"pipeline_backend"` // "gst" or "capture"
	Encoder          string  `mapstructure:"encoder"`
	Framerate        Range   `mapstructure:"framerate"`
	VideoBitrate     int     `mapstructure:"video_bitrate"` // kbps
	AudioBitrate     int     `mapstructure:"audio_bitrate"` // bps
	AudioChannels    int     `mapstructure:"audio_channels"`
	KeyframeDistance float64 `mapstructure:"keyframe_distance"` // seconds, -1 = infinite GOP
	VideoPacketloss  float64 `mapstructure:"video_packetloss_percent"`
	AudioPacketloss  float64 `mapstructure:"audio_packetloss_percent"`
	GPUID            int     `mapstructure:"gpu_id"`
	AudioDeviceName  string  `mapstructure:"audio_device_name"`

	// Display
	ManualResolution string `mapstructure:"manual_resolution"` // "WxH", empty = follow client
	EnableResize     bool   `mapstructure:"enable_resize"`
	DPI              int    `mapstructure:"dpi"`
	CursorSize       int    `mapstructure:"cursor_size"`

	// Signaling / web
	Addr               string `mapstructure:"addr"`
	Port               int    `mapstructure:"port"`
	WebRoot            string `mapstructure:"web_root"`
	KeepaliveTimeout   int    `mapstructure:"keepalive_timeout"` // seconds
	EnableHTTPS        bool   `mapstructure:"enable_https"`
	HTTPSCert          string `mapstructure:"https_cert"`
	HTTPSKey           string `mapstructure:"https_key"`
	EnableBasicAuth    bool   `mapstructure:"enable_basic_auth"`
	BasicAuthUser      string `mapstructure:"basic_auth_user"`
	BasicAuthPassword  string `mapstructure:"basic_auth_password"`
	TURNAuthHeaderName string `mapstructure:"turn_auth_header_name"`

	// TURN / STUN sources
	TURNHost               string `mapstructure:"turn_host"`
	TURNPort               int    `mapstructure:"turn_port"`
	TURNSharedSecret       string `mapstructure:"turn_shared_secret"`
	TURNUsername           string `mapstructure:"turn_username"`
	TURNPassword           string `mapstructure:"turn_password"`
	TURNProtocol           string `mapstructure:"turn_protocol"` // udp or tcp
	TURNTLS                bool   `mapstructure:"turn_tls"`
	TURNRESTURI            string `mapstructure:"turn_rest_uri"`
	TURNRESTUsername       string `mapstructure:"turn_rest_username"`
	TURNRESTProtocolHeader string `mapstructure:"turn_rest_protocol_header"`
	TURNRESTTLSHeader      string `mapstructure:"turn_rest_tls_header"`
	EnableCloudflareTURN   bool   `mapstructure:"enable_cloudflare_turn"`
	CloudflareTokenID      string `mapstructure:"cloudflare_turn_token_id"`
	CloudflareAPIToken     string `mapstructure:"cloudflare_turn_api_token"`
	RTCConfigJSON          string `mapstructure:"rtc_config_json"`
	STUNHost               string `mapstructure:"stun_host"`
	STUNPort               int    `mapstructure:"stun_port"`

	// Observability
	EnableMetrics   bool   `mapstructure:"enable_metrics"`
	MetricsPort     int    `mapstructure:"metrics_port"`
	EnableStatsCSV  bool   `mapstructure:"enable_webrtc_statistics_csv"`
	StatsCSVDir     string `mapstructure:"webrtc_statistics_dir"`
	JSONConfigPath  string `mapstructure:"json_config_path"`
	LogLevel        string `mapstructure:"log_level"`
	LogFormat       string `mapstructure:"log_format"`

	// Settings the client may mutate at runtime, beyond the built-in
	// framerate/bitrate set. Entries may carry a "|locked" suffix to forbid
	// the override while keeping the setting visible to the client.
	ClientMutableSettings []string `mapstructure:"client_mutable_settings"`

	locked map[string]bool
}

// legacyEnv maps setting names to the pre-rename environment variables that
// are still honored, at lower precedence than SELKIES_<NAME>.
var legacyEnv = map[string][]string{
	"encoder":            {"WEBRTC_ENCODER"},
	"video_bitrate":      {"WEBRTC_VIDEO_BITRATE"},
	"audio_bitrate":      {"WEBRTC_AUDIO_BITRATE"},
	"framerate":          {"WEBRTC_FRAMERATE"},
	"turn_host":          {"TURN_HOST"},
	"turn_port":          {"TURN_PORT"},
	"turn_shared_secret": {"TURN_SHARED_SECRET"},
	"turn_username":      {"TURN_USERNAME"},
	"turn_password":      {"TURN_PASSWORD"},
	"turn_protocol":      {"TURN_PROTOCOL"},
	"audio_device_name":  {"PULSE_MONITOR_NAME"},
}

// encoders is the closed enum of supported encoder names. The first element
// is the default; SELKIES_ENCODER may restrict the set further by listing a
// comma-separated subset, in which case its first element becomes the default.
var encoders = []string{
	"x264enc", "nvh264enc", "vah264enc", "openh264enc",
	"x265enc", "nvh265enc", "vah265enc",
	"vp8enc", "vp9enc", "vavp9enc",
	"svtav1enc", "nvav1enc", "vaav1enc",
}

func Default() *Config {
	return &Config{
		Mode:           "websockets",
		EnableDualMode: false,
		ControlPort:    8082,

		AudioEnabled:        true,
		MicrophoneEnabled:   false,
		GamepadEnabled:      true,
		ClipboardEnabled:    true,
		FileUploadEnabled:   true,
		FileDownloadEnabled: true,

		PipelineBackend:  "gst",
		Encoder:          encoders[0],
		Framerate:        Range{Min: 8, Max: 120, Value: 60},
		VideoBitrate:     8000,
		AudioBitrate:     128000,
		AudioChannels:    2,
		KeyframeDistance: -1.0,
		AudioDeviceName:  "auto_null.monitor",

		EnableResize: true,
		DPI:          96,
		CursorSize:   16,

		Addr:               "0.0.0.0",
		Port:               8080,
		WebRoot:            "/opt/gst-web",
		KeepaliveTimeout:   30,
		HTTPSCert:          "/etc/ssl/certs/ssl-cert-snakeoil.pem",
		HTTPSKey:           "/etc/ssl/private/ssl-cert-snakeoil.key",
		TURNAuthHeaderName: "x-auth-user",

		TURNProtocol:           "udp",
		TURNRESTProtocolHeader: "x-turn-protocol",
		TURNRESTTLSHeader:      "x-turn-tls",
		RTCConfigJSON:          "/tmp/rtc.json",

		EnableMetrics:  true,
		MetricsPort:    8000,
		StatsCSVDir:    "/tmp",
		JSONConfigPath: "/tmp/streamer_config.json",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Load builds the effective configuration with precedence
// CLI flag > SELKIES_<NAME> env > legacy env > default.
func Load(cmd *cobra.Command) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Register every key so AutomaticEnv sees it during Unmarshal; the
	// registered value is the built-in default.
	for key, value := range cfg.defaultsMap() {
		v.SetDefault(key, value)
	}

	// Legacy env vars sit below SELKIES_ vars: only applied when the
	// canonical variable is absent.
	for name, aliases := range legacyEnv {
		if os.Getenv(envPrefix+"_"+strings.ToUpper(name)) != "" {
			continue
		}
		for _, alias := range aliases {
			if val := os.Getenv(alias); val != "" {
				v.SetDefault(name, val)
				break
			}
		}
	}

	// Only flags the user actually set participate, so flag zero values
	// never mask environment variables or defaults.
	if cmd != nil {
		var bindErr error
		cmd.Flags().Visit(func(f *pflag.Flag) {
			if err := v.BindPFlag(f.Name, f); err != nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	weaklyTyped := func(dc *mapstructure.DecoderConfig) { dc.WeaklyTypedInput = true }
	if err := v.Unmarshal(cfg, viper.DecodeHook(rangeDecodeHook()), weaklyTyped); err != nil {
		return nil, fmt.Errorf("%w: %v", streamerrors.ErrConfigInvalid, err)
	}

	cfg.applyEncoderRestriction(os.Getenv(envPrefix + "_ENCODER"))
	cfg.parseLockSuffixes()

	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		log.Warn("config validation", "error", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			log.Error("config validation fatal", "error", err)
		}
		return nil, fmt.Errorf("%w: %v", streamerrors.ErrConfigInvalid, result.Fatals[0])
	}

	return cfg, nil
}

// defaultsMap enumerates every setting key with its built-in default so
// viper resolves environment overrides for all of them.
func (c *Config) defaultsMap() map[string]any {
	return map[string]any{
		"mode":             c.Mode,
		"enable_dual_mode": c.EnableDualMode,
		"control_port":     c.ControlPort,

		"audio_enabled":         c.AudioEnabled,
		"microphone_enabled":    c.MicrophoneEnabled,
		"gamepad_enabled":       c.GamepadEnabled,
		"clipboard_enabled":     c.ClipboardEnabled,
		"file_upload_enabled":   c.FileUploadEnabled,
		"file_download_enabled": c.FileDownloadEnabled,

		"pipeline_backend":         c.PipelineBackend,
		"encoder":                  c.Encoder,
		"framerate":                c.Framerate,
		"video_bitrate":            c.VideoBitrate,
		"audio_bitrate":            c.AudioBitrate,
		"audio_channels":           c.AudioChannels,
		"keyframe_distance":        c.KeyframeDistance,
		"video_packetloss_percent": c.VideoPacketloss,
		"audio_packetloss_percent": c.AudioPacketloss,
		"gpu_id":                   c.GPUID,
		"audio_device_name":        c.AudioDeviceName,

		"manual_resolution": c.ManualResolution,
		"enable_resize":     c.EnableResize,
		"dpi":               c.DPI,
		"cursor_size":       c.CursorSize,

		"addr":                  c.Addr,
		"port":                  c.Port,
		"web_root":              c.WebRoot,
		"keepalive_timeout":     c.KeepaliveTimeout,
		"enable_https":          c.EnableHTTPS,
		"https_cert":            c.HTTPSCert,
		"https_key":             c.HTTPSKey,
		"enable_basic_auth":     c.EnableBasicAuth,
		"basic_auth_user":       c.BasicAuthUser,
		"basic_auth_password":   c.BasicAuthPassword,
		"turn_auth_header_name": c.TURNAuthHeaderName,

		"turn_host":                 c.TURNHost,
		"turn_port":                 c.TURNPort,
		"turn_shared_secret":        c.TURNSharedSecret,
		"turn_username":             c.TURNUsername,
		"turn_password":             c.TURNPassword,
		"turn_protocol":             c.TURNProtocol,
		"turn_tls":                  c.TURNTLS,
		"turn_rest_uri":             c.TURNRESTURI,
		"turn_rest_username":        c.TURNRESTUsername,
		"turn_rest_protocol_header": c.TURNRESTProtocolHeader,
		"turn_rest_tls_header":      c.TURNRESTTLSHeader,
		"enable_cloudflare_turn":    c.EnableCloudflareTURN,
		"cloudflare_turn_token_id":  c.CloudflareTokenID,
		"cloudflare_turn_api_token": c.CloudflareAPIToken,
		"rtc_config_json":           c.RTCConfigJSON,
		"stun_host":                 c.STUNHost,
		"stun_port":                 c.STUNPort,

		"enable_metrics":               c.EnableMetrics,
		"metrics_port":                 c.MetricsPort,
		"enable_webrtc_statistics_csv": c.EnableStatsCSV,
		"webrtc_statistics_dir":        c.StatsCSVDir,
		"json_config_path":             c.JSONConfigPath,
		"log_level":                    c.LogLevel,
		"log_format":                   c.LogFormat,

		"client_mutable_settings": c.ClientMutableSettings,
	}
}

// applyEncoderRestriction narrows the encoder enum when the env value lists
// a subset ("nvh264enc,x264enc"); the first listed element becomes the
// default when the configured encoder falls outside the subset.
func (c *Config) applyEncoderRestriction(envVal string) {
	if envVal == "" || !strings.Contains(envVal, ",") {
		return
	}
	allowed := strings.Split(envVal, ",")
	restricted := make([]string, 0, len(allowed))
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if validEncoder(name) {
			restricted = append(restricted, name)
		}
	}
	if len(restricted) == 0 {
		return
	}
	for _, name := range restricted {
		if name == c.Encoder {
			return
		}
	}
	c.Encoder = restricted[0]
}

// parseLockSuffixes strips "|locked" markers from client_mutable_settings
// and records the lock set.
func (c *Config) parseLockSuffixes() {
	c.locked = make(map[string]bool)
	cleaned := make([]string, 0, len(c.ClientMutableSettings))
	for _, entry := range c.ClientMutableSettings {
		name, lockTag, found := strings.Cut(entry, "|")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if found && strings.TrimSpace(lockTag) == "locked" {
			c.locked[name] = true
		}
		cleaned = append(cleaned, name)
	}
	c.ClientMutableSettings = cleaned
}

// ClientMutable reports whether the client may change the named setting.
// framerate, video_bitrate and audio_bitrate are always mutable unless
// explicitly locked.
func (c *Config) ClientMutable(name string) bool {
	if c.locked[name] {
		return false
	}
	switch name {
	case "framerate", "video_bitrate", "audio_bitrate":
		return true
	}
	for _, s := range c.ClientMutableSettings {
		if s == name {
			return true
		}
	}
	return false
}

// Locked reports whether the named setting carries an explicit lock.
func (c *Config) Locked(name string) bool {
	return c.locked[name]
}

func validEncoder(name string) bool {
	for _, e := range encoders {
		if e == name {
			return true
		}
	}
	return false
}

// Encoders returns the closed set of supported encoder names.
func Encoders() []string {
	out := make([]string, len(encoders))
	copy(out, encoders)
	return out
}
