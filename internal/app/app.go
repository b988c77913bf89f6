// Package app wires the streaming runtime together: configuration, the
// signaling plane, the media pipeline back-ends, both transports, monitors,
// and the supervisor's control plane.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/driftdesk/streamer/internal/config"
	"github.com/driftdesk/streamer/internal/display"
	"github.com/driftdesk/streamer/internal/input"
	"github.com/driftdesk/streamer/internal/logging"
	"github.com/driftdesk/streamer/internal/media"
	"github.com/driftdesk/streamer/internal/metrics"
	"github.com/driftdesk/streamer/internal/monitor"
	"github.com/driftdesk/streamer/internal/rtc"
	"github.com/driftdesk/streamer/internal/signaling"
	"github.com/driftdesk/streamer/internal/stats"
	"github.com/driftdesk/streamer/internal/streamerrors"
	"github.com/driftdesk/streamer/internal/supervisor"
	streamwebrtc "github.com/driftdesk/streamer/internal/webrtc"
	"github.com/driftdesk/streamer/internal/wsstream"
)

var log = logging.L("app")

// serverPeerID and clientPeerID are the fixed signaling identities: the
// streaming side registers as "0" and pairs with the browser at "1".
const (
	serverPeerID = "0"
	clientPeerID = "1"
)

// App owns the process-wide components and the per-mode wiring.
type App struct {
	cfg      *config.Config
	runtime  *config.RuntimeFile
	exporter *metrics.Exporter
	server   *signaling.Server
	factory  *streamwebrtc.Factory
	injector input.Injector

	mu         sync.Mutex
	session    *streamwebrtc.Session
	streamer   *wsstream.Streamer
	statsVideo *stats.Writer
	statsAudio *stats.Writer
}

func New(cfg *config.Config) *App {
	return &App{
		cfg:      cfg,
		runtime:  config.NewRuntimeFile(cfg.JSONConfigPath),
		exporter: metrics.NewExporter(cfg.MetricsPort),
		server:   signaling.NewServer(cfg),
		factory:  streamwebrtc.NewFactory(),
		injector: input.NewX11Injector(),
	}
}

// Run starts every long-lived component and blocks until ctx is cancelled.
// Shutdown is ordered: active mode first, then monitors, metrics, and
// finally the signaling server.
func (a *App) Run(ctx context.Context) error {
	a.applyDisplaySettings(ctx)

	// Resolve the initial RTC configuration and install it everywhere.
	resolver := rtc.NewResolver(a.cfg)
	initial := resolver.Resolve(ctx)
	a.server.SetRTCConfig(initial)
	a.factory.SetRTCConfig(initial)

	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	auxCtx, stopAux := context.WithCancel(context.Background())
	defer stopAux()

	var wg sync.WaitGroup

	a.server.OnCertChanged = func() {
		log.Warn("TLS certificate changed on disk; restart to serve the new certificate")
	}

	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.server.Run(serverCtx); err != nil {
			serverErr <- err
		}
	}()

	if a.cfg.EnableMetrics {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.exporter.Run(auxCtx); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	// RTC config refreshers.
	sinks := []rtc.Sink{a.server, a.factory}
	hmacMon := rtc.NewHMACMonitor(a.cfg, sinks...)
	restMon := rtc.NewRESTMonitor(a.cfg, sinks...)
	fileMon := rtc.NewFileMonitor(a.cfg.RTCConfigJSON, sinks...)
	for _, run := range []func(context.Context){hmacMon.Run, restMon.Run, fileMon.Run} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(auxCtx)
		}(run)
	}

	// System and GPU samplers feed the active transport.
	sysMon := monitor.NewSystemMonitor(time.Second, a.pushSystemStats)
	gpuMon := monitor.NewGPUMonitor(a.cfg.GPUID, time.Second, a.pushGPUStats)
	wg.Add(2)
	go func() { defer wg.Done(); sysMon.Run(auxCtx) }()
	go func() { defer wg.Done(); gpuMon.Run(auxCtx) }()

	// Supervisor plus its loopback control plane.
	sup := supervisor.New(ctx, map[string]supervisor.ModeFunc{
		"websockets": a.websocketsMode,
		"webrtc":     a.webrtcMode,
	})
	control := supervisor.NewControlPlane(sup, a.cfg.ControlPort, a.cfg.EnableDualMode)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := control.Run(auxCtx); err != nil {
			log.Warn("control plane stopped", "error", err)
		}
	}()

	if ok, msg := sup.SwitchTo(a.cfg.Mode); !ok {
		stopAux()
		stopServer()
		wg.Wait()
		return fmt.Errorf("%w: starting mode %q: %s", streamerrors.ErrConfigInvalid, a.cfg.Mode, msg)
	}
	log.Info("streamer running", "mode", a.cfg.Mode)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("signaling server failed: %w", err)
	}

	// Ordered teardown: transport mode, auxiliary tasks, signaling server.
	sup.Stop()
	stopAux()
	stopServer()
	wg.Wait()
	return runErr
}

// applyDisplaySettings pushes the configured resolution, DPI, and cursor
// size onto the X display at startup. Failures are survivable; streaming
// proceeds at whatever the display currently is.
func (a *App) applyDisplaySettings(ctx context.Context) {
	if a.cfg.ManualResolution != "" {
		if err := display.Resize(ctx, a.cfg.ManualResolution); err != nil {
			log.Warn("applying manual resolution failed",
				"resolution", a.cfg.ManualResolution, "error", err)
		}
	}
	if a.cfg.DPI > 0 {
		if err := display.SetDPI(ctx, a.cfg.DPI); err != nil {
			log.Warn("applying dpi failed", "dpi", a.cfg.DPI, "error", err)
		}
	}
	if a.cfg.CursorSize > 0 {
		if err := display.SetCursorSize(ctx, a.cfg.CursorSize); err != nil {
			log.Warn("applying cursor size failed", "size", a.cfg.CursorSize, "error", err)
		}
	}
}

// buildPipeline constructs the configured back-end. onFatal collapses the
// active session while the process stays alive.
func (a *App) buildPipeline(onFatal media.FatalFunc) (media.Pipeline, error) {
	settings := media.Settings{
		Encoder:          a.cfg.Encoder,
		Framerate:        a.cfg.Framerate.Value,
		VideoBitrate:     a.cfg.VideoBitrate,
		AudioBitrate:     a.cfg.AudioBitrate,
		KeyframeDistance: a.cfg.KeyframeDistance,
		AudioChannels:    a.cfg.AudioChannels,
		VideoPacketloss:  a.cfg.VideoPacketloss,
		AudioPacketloss:  a.cfg.AudioPacketloss,
		PointerVisible:   true,
		GPUID:            a.cfg.GPUID,
		AudioDevice:      a.cfg.AudioDeviceName,
	}

	switch a.cfg.PipelineBackend {
	case "capture":
		source, err := media.NewRegisteredCaptureSource()
		if err != nil {
			return nil, err
		}
		return media.NewCapturePipeline(settings, source, onFatal), nil
	default:
		return media.NewGstPipeline(settings, onFatal)
	}
}

// --- transport-agnostic messaging ---

// broadcast sends a typed message over whichever transport is active.
func (a *App) broadcast(msgType string, data any) {
	a.mu.Lock()
	session := a.session
	streamer := a.streamer
	a.mu.Unlock()

	if session != nil {
		if err := session.Send(msgType, data); err != nil {
			log.Debug("session send failed", "type", msgType, "error", err)
		}
	}
	if streamer != nil && streamer.Connected() {
		if err := streamer.SendControl(msgType, data); err != nil {
			log.Debug("streamer send failed", "type", msgType, "error", err)
		}
	}
}

func (a *App) pushSystemStats(cpuPercent float64, memTotal, memUsed uint64) {
	a.broadcast("system_stats", map[string]any{
		"cpu_percent": cpuPercent,
		"mem_total":   memTotal,
		"mem_used":    memUsed,
	})
	// Piggyback the latency probe on the stats cadence.
	now := float64(time.Now().UnixMilli()) / 1000.0
	a.broadcast("ping", map[string]any{"start_time": now})
}

func (a *App) pushGPUStats(g monitor.GPUStats) {
	a.exporter.SetGPUUtilization(g.Load * 100)
	a.broadcast("gpu_stats", map[string]any{
		"load":         g.Load,
		"memory_total": g.MemoryTotal,
		"memory_used":  g.MemoryUsed,
	})
}

// serverSettings is the client-visible settings document sent on data-channel
// open; the client uses it for conditional UI rendering.
func (a *App) serverSettings() map[string]any {
	return map[string]any{
		"audio_enabled":         a.cfg.AudioEnabled,
		"microphone_enabled":    a.cfg.MicrophoneEnabled,
		"gamepad_enabled":       a.cfg.GamepadEnabled,
		"clipboard_enabled":     a.cfg.ClipboardEnabled,
		"file_upload_enabled":   a.cfg.FileUploadEnabled,
		"file_download_enabled": a.cfg.FileDownloadEnabled,
		"encoder":               a.cfg.Encoder,
		"framerate":             a.cfg.Framerate.Value,
		"framerate_range":       a.cfg.Framerate.String(),
		"video_bitrate":         a.cfg.VideoBitrate,
		"audio_bitrate":         a.cfg.AudioBitrate,
		"resize_enabled":        a.cfg.EnableResize,
		"mode":                  a.cfg.Mode,
	}
}

// inputEvents builds the shared retune/display/clipboard callback set around
// a pipeline instance.
func (a *App) inputEvents(ctx context.Context, pipeline media.Pipeline) input.Events {
	return input.Events{
		OnResize: func(res string) {
			if !a.cfg.EnableResize {
				log.Warn("remote resizing disabled, skipping resize", "resolution", res)
				return
			}
			if err := display.Resize(ctx, res); err != nil {
				log.Warn("resize failed", "resolution", res, "error", err)
				return
			}
			a.broadcast("system", map[string]string{"action": "resolution," + res})
		},
		OnScaling: func(dpi int) {
			if !a.cfg.EnableResize {
				log.Warn("remote scaling disabled, skipping DPI change", "dpi", dpi)
				return
			}
			if err := display.SetDPI(ctx, dpi); err != nil {
				log.Warn("dpi change failed", "dpi", dpi, "error", err)
			}
		},
		OnVideoBitrate: func(kbps int) {
			a.applySetting(pipeline, "video_bitrate", kbps)
		},
		OnAudioBitrate: func(bps int) {
			a.applySetting(pipeline, "audio_bitrate", bps)
		},
		OnFramerate: func(fps int) {
			a.applySetting(pipeline, "framerate", fps)
		},
		OnKeyframe: func() {
			if err := pipeline.RequestKeyframe(); err != nil {
				log.Warn("keyframe request failed", "error", err)
			}
		},
		OnPong: func(sentUnixSeconds float64) {
			latencyMS := float64(time.Now().UnixMilli()) - sentUnixSeconds*1000
			if latencyMS < 0 {
				return
			}
			a.exporter.SetLatency(latencyMS)
			a.broadcast("latency_measurement", map[string]any{"latency_ms": latencyMS})
		},
		OnClipboardRead: func(text string) {
			a.sendClipboard(text)
		},
		OnStats: a.recordClientStats,
		OnSettings: func(payload string) {
			a.handleSettingsUpdate(pipeline, payload)
		},
	}
}

// applySetting retunes the pipeline and persists the new value, honoring
// lock flags and the client-mutable whitelist.
func (a *App) applySetting(pipeline media.Pipeline, name string, value int) {
	if !a.cfg.ClientMutable(name) {
		if a.cfg.Locked(name) {
			log.Warn("ignoring mutation of locked setting",
				"setting", name, "error", streamerrors.ErrResourceBusy)
		} else {
			log.Warn("ignoring mutation of non-mutable setting", "setting", name)
		}
		return
	}

	var err error
	switch name {
	case "framerate":
		fps := a.cfg.Framerate.Clamp(value)
		if err = pipeline.SetFramerate(fps); err == nil {
			a.broadcast("system", map[string]string{"action": fmt.Sprintf("videoFramerate,%d", fps)})
		}
		value = fps
	case "video_bitrate":
		if err = pipeline.SetVideoBitrate(value); err == nil {
			a.broadcast("system", map[string]string{"action": fmt.Sprintf("video_bitrate,%d", value)})
		}
	case "audio_bitrate":
		if err = pipeline.SetAudioBitrate(value); err == nil {
			a.broadcast("system", map[string]string{"action": fmt.Sprintf("audio_bitrate,%d", value)})
		}
	default:
		log.Warn("no apply path for setting", "setting", name)
		return
	}
	if err != nil {
		// Transient retune failures never stop streaming.
		log.Warn("setting apply failed", "setting", name, "value", value, "error", err)
		return
	}
	if err := a.runtime.Set(name, value); err != nil {
		log.Warn("persisting setting failed", "setting", name, "error", err)
	}
}

// handleSettingsUpdate processes a client "_settings,<json>" document.
func (a *App) handleSettingsUpdate(pipeline media.Pipeline, payload string) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		log.Warn("malformed settings update", "error", err)
		return
	}
	for name, raw := range doc {
		value, ok := raw.(float64)
		if !ok {
			log.Warn("ignoring non-numeric setting", "setting", name)
			continue
		}
		a.applySetting(pipeline, name, int(value))
	}
}

// sendClipboard ships host clipboard content using the chunked protocol on
// whichever transport is active.
func (a *App) sendClipboard(text string) {
	if !a.cfg.ClipboardEnabled || text == "" {
		return
	}
	a.mu.Lock()
	session := a.session
	streamer := a.streamer
	a.mu.Unlock()

	if session != nil {
		if err := session.SendClipboard(text); err != nil {
			log.Warn("clipboard send failed", "error", err)
		}
		return
	}
	if streamer != nil {
		chunks, types := streamwebrtc.ChunkClipboard(text)
		for i := range chunks {
			if err := streamer.SendControl(types[i], map[string]string{"content": chunks[i]}); err != nil {
				log.Warn("clipboard send failed", "error", err)
				return
			}
		}
	}
}

// recordClientStats persists client-reported WebRTC statistics and mirrors
// headline numbers into the exporter.
func (a *App) recordClientStats(kind, payload string) {
	report, err := stats.Flatten([]byte(payload))
	if err != nil {
		log.Warn("malformed client stats", "kind", kind, "error", err)
		return
	}

	if fps, ok := report.Values["inbound-rtp.framesPerSecond"]; ok {
		var v float64
		if _, err := fmt.Sscanf(fps, "%f", &v); err == nil {
			a.exporter.SetFPS(v)
		}
	}

	if !a.cfg.EnableStatsCSV {
		return
	}
	a.mu.Lock()
	writer := a.statsVideo
	if kind == "audio" {
		writer = a.statsAudio
	}
	a.mu.Unlock()
	if writer == nil {
		return
	}
	if err := writer.Append(report); err != nil {
		log.Warn("writing stats csv", "kind", kind, "error", err)
	}
}

// initStatsWriters rotates the CSV files at the start of each connection.
func (a *App) initStatsWriters() {
	if !a.cfg.EnableStatsCSV {
		return
	}
	now := time.Now()
	a.mu.Lock()
	a.statsVideo = stats.NewWriter(a.cfg.StatsCSVDir, "video", now)
	a.statsAudio = stats.NewWriter(a.cfg.StatsCSVDir, "audio", now)
	a.mu.Unlock()
}
