package media

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/go-gst/go-gst/gst/app"
	gstvideo "github.com/go-gst/go-gst/gst/video"

	"github.com/driftdesk/streamer/internal/streamerrors"
)

var gstInitOnce sync.Once

func ensureGstInit() {
	gstInitOnce.Do(func() {
		gst.Init(nil)
	})
}

// GstPipeline is the GStreamer-backed capture+encode engine: an ximagesrc →
// videoconvert → encoder graph for video and a pulsesrc → opusenc graph for
// audio, each terminating in an appsink whose samples land in a Bridge.
type GstPipeline struct {
	mu       sync.Mutex
	st       state
	settings Settings
	display  string
	onFatal  FatalFunc

	videoBridge *Bridge
	audioBridge *Bridge

	videoPipe *gst.Pipeline
	audioPipe *gst.Pipeline

	audioRate atomic.Int32

	busCancel context.CancelFunc
	busWG     sync.WaitGroup
}

// NewGstPipeline probes the required plugins and prepares (but does not
// start) the pipeline. A missing capture or encoder capability is fatal for
// this back-end.
func NewGstPipeline(settings Settings, onFatal FatalFunc) (*GstPipeline, error) {
	ensureGstInit()

	settings.Recompute()
	displayName := os.Getenv("DISPLAY")
	if displayName == "" {
		displayName = ":0"
	}
	p := &GstPipeline{
		st:          stateNew,
		settings:    settings,
		display:     displayName,
		onFatal:     onFatal,
		videoBridge: NewBridge(),
		audioBridge: NewBridge(),
	}
	p.audioRate.Store(48000)

	if err := p.checkPlugins(); err != nil {
		return nil, err
	}
	return p, nil
}

// checkPlugins verifies the capture source, converters, the configured
// encoder, and the Opus encoder are all present.
func (p *GstPipeline) checkPlugins() error {
	spec, ok := encoderSpecs[p.settings.Encoder]
	if !ok {
		return fmt.Errorf("%w: unsupported encoder %q", streamerrors.ErrPluginMissing, p.settings.Encoder)
	}
	required := []string{"ximagesrc", "videoconvert", "capsfilter", "appsink",
		"pulsesrc", "audioconvert", "opusenc", spec.element}
	for _, name := range required {
		el, err := gst.NewElement(name)
		if err != nil {
			return fmt.Errorf("%w: element %q unavailable: %v", streamerrors.ErrPluginMissing, name, err)
		}
		el.SetState(gst.StateNull)
	}
	return nil
}

func (p *GstPipeline) VideoFrames() *Bridge { return p.videoBridge }
func (p *GstPipeline) AudioFrames() *Bridge { return p.audioBridge }

func (p *GstPipeline) AudioClockRate() int { return int(p.audioRate.Load()) }

// Start builds and plays both graphs. Idempotent while running.
func (p *GstPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.st == stateRunning || p.st == stateStarting {
		log.Info("pipeline already running, start is a no-op")
		return nil
	}
	p.st = stateStarting

	videoDesc, err := videoPipelineDescription(&p.settings, p.display)
	if err != nil {
		p.st = stateStopped
		return fmt.Errorf("%w: %v", streamerrors.ErrPluginMissing, err)
	}
	audioDesc := audioPipelineDescription(&p.settings)

	videoPipe, err := gst.NewPipelineFromString(videoDesc)
	if err != nil {
		p.st = stateStopped
		return fmt.Errorf("%w: building video pipeline: %v", streamerrors.ErrPipeline, err)
	}
	audioPipe, err := gst.NewPipelineFromString(audioDesc)
	if err != nil {
		p.st = stateStopped
		return fmt.Errorf("%w: building audio pipeline: %v", streamerrors.ErrPipeline, err)
	}
	p.videoPipe = videoPipe
	p.audioPipe = audioPipe

	if err := p.attachSink(videoPipe, videoSinkName, KindVideo); err != nil {
		p.st = stateStopped
		return err
	}
	if err := p.attachSink(audioPipe, audioSinkName, KindAudio); err != nil {
		p.st = stateStopped
		return err
	}

	busCtx, cancel := context.WithCancel(context.Background())
	p.busCancel = cancel
	p.busWG.Add(2)
	go p.monitorBus(busCtx, videoPipe, KindVideo)
	go p.monitorBus(busCtx, audioPipe, KindAudio)

	if err := videoPipe.SetState(gst.StatePlaying); err != nil {
		p.stopLocked()
		return fmt.Errorf("%w: playing video pipeline: %v", streamerrors.ErrPipeline, err)
	}
	if err := audioPipe.SetState(gst.StatePlaying); err != nil {
		p.stopLocked()
		return fmt.Errorf("%w: playing audio pipeline: %v", streamerrors.ErrPipeline, err)
	}

	p.st = stateRunning
	log.Info("media pipeline started",
		"encoder", p.settings.Encoder,
		"framerate", p.settings.Framerate,
		"videoKbps", p.settings.FECVideoBitrate,
		"audioBps", p.settings.FECAudioBitrate,
	)
	return nil
}

// attachSink wires an appsink's sample callback into the bridge for kind.
func (p *GstPipeline) attachSink(pipe *gst.Pipeline, name string, kind Kind) error {
	el, err := pipe.GetElementByName(name)
	if err != nil {
		return fmt.Errorf("%w: appsink %q missing: %v", streamerrors.ErrPipeline, name, err)
	}

	bridge := p.videoBridge
	if kind == KindAudio {
		bridge = p.audioBridge
	}

	app.SinkFromElement(el).SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			sample := sink.PullSample()
			if sample == nil {
				return gst.FlowEOS
			}
			buffer := sample.GetBuffer()
			if buffer == nil {
				return gst.FlowError
			}

			mapped := buffer.Map(gst.MapRead)
			if mapped == nil {
				return gst.FlowError
			}
			// The buffer is unmapped on return; the frame owns a copy.
			data := make([]byte, len(mapped.Bytes()))
			copy(data, mapped.Bytes())
			buffer.Unmap()

			frame := EncodedFrame{Data: data, Kind: kind}
			pts := buffer.PresentationTimestamp()
			if kind == KindVideo {
				if pts != gst.ClockTimeNone {
					frame.PTS = int64(uint64(pts) * 90000 / 1e9)
				}
				frame.Keyframe = buffer.GetFlags()&gst.BufferFlagDeltaUnit == 0
			} else {
				rate := p.sampleRate(sample)
				if pts != gst.ClockTimeNone {
					frame.PTS = int64(uint64(pts) * uint64(rate) / 1e9)
				}
			}
			bridge.Push(frame)
			return gst.FlowOK
		},
	})
	return nil
}

// sampleRate extracts the clock rate from audio caps, falling back to 48000.
func (p *GstPipeline) sampleRate(sample *gst.Sample) int {
	caps := sample.GetCaps()
	if caps != nil {
		if st := caps.GetStructureAt(0); st != nil {
			if v, err := st.GetValue("rate"); err == nil {
				if rate, ok := v.(int); ok && rate > 0 {
					p.audioRate.Store(int32(rate))
					return rate
				}
			}
		}
	}
	return int(p.audioRate.Load())
}

// monitorBus polls the pipeline bus; an error or EOS tears the pipeline down
// and reports a fatal PIPELINE_ERROR.
func (p *GstPipeline) monitorBus(ctx context.Context, pipe *gst.Pipeline, kind Kind) {
	defer p.busWG.Done()

	bus := pipe.GetPipelineBus()
	pollInterval := gst.ClockTime(uint64(100 * time.Millisecond))

	for {
		if ctx.Err() != nil {
			return
		}
		msg := bus.TimedPopFiltered(pollInterval, gst.MessageError|gst.MessageEOS)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			err := msg.ParseError()
			log.Error("pipeline bus error", "kind", kind, "error", err)
			p.fail(fmt.Errorf("%w: %s bus error: %v", streamerrors.ErrPipeline, kind, err))
			return
		case gst.MessageEOS:
			log.Warn("pipeline end of stream", "kind", kind)
			p.fail(fmt.Errorf("%w: %s end of stream", streamerrors.ErrPipeline, kind))
			return
		}
	}
}

func (p *GstPipeline) fail(err error) {
	p.mu.Lock()
	alreadyDown := p.st == stateStopping || p.st == stateStopped
	if !alreadyDown {
		p.stopLocked()
	}
	p.mu.Unlock()

	if !alreadyDown && p.onFatal != nil {
		p.onFatal(err)
	}
}

// Stop halts both graphs. Idempotent while stopped.
func (p *GstPipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.st == stateStopped || p.st == stateNew {
		log.Info("pipeline not running, stop is a no-op")
		return nil
	}
	p.stopLocked()
	return nil
}

func (p *GstPipeline) stopLocked() {
	p.st = stateStopping
	if p.busCancel != nil {
		p.busCancel()
		p.busCancel = nil
	}
	if p.videoPipe != nil {
		p.videoPipe.SetState(gst.StateNull)
		p.videoPipe = nil
	}
	if p.audioPipe != nil {
		p.audioPipe.SetState(gst.StateNull)
		p.audioPipe = nil
	}
	p.st = stateStopped
	log.Info("media pipeline stopped")
}

// SetFramerate retunes the capture caps on the running graph.
func (p *GstPipeline) SetFramerate(fps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.settings.Framerate = fps
	p.settings.Recompute()
	if p.st != stateRunning {
		return nil
	}

	rate, err := p.videoPipe.GetElementByName(videoRateName)
	if err != nil {
		return fmt.Errorf("framerate capsfilter missing: %w", err)
	}
	caps := gst.NewCapsFromString(fmt.Sprintf("video/x-raw,framerate=%d/1", fps))
	if err := rate.SetProperty("caps", caps); err != nil {
		log.Warn("could not apply framerate", "fps", fps, "error", err)
		return err
	}
	log.Info("framerate changed", "fps", fps)
	return nil
}

// SetVideoBitrate retunes the encoder bitrate (kbps) live.
func (p *GstPipeline) SetVideoBitrate(kbps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.settings.VideoBitrate = kbps
	p.settings.Recompute()
	if p.st != stateRunning {
		return nil
	}

	prop, multiplier, ok := bitrateProperty(p.settings.Encoder)
	if !ok {
		return fmt.Errorf("encoder %q does not support live bitrate changes", p.settings.Encoder)
	}
	enc, err := p.videoPipe.GetElementByName(videoEncoderName)
	if err != nil {
		return err
	}
	if err := enc.SetProperty(prop, uint(p.settings.FECVideoBitrate*multiplier)); err != nil {
		log.Warn("could not apply video bitrate", "kbps", kbps, "error", err)
		return err
	}
	log.Info("video bitrate changed", "kbps", kbps, "wireKbps", p.settings.FECVideoBitrate)
	return nil
}

// SetAudioBitrate retunes the Opus encoder bitrate (bps) live.
func (p *GstPipeline) SetAudioBitrate(bps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.settings.AudioBitrate = bps
	p.settings.Recompute()
	if p.st != stateRunning {
		return nil
	}

	enc, err := p.audioPipe.GetElementByName(audioEncoderName)
	if err != nil {
		return err
	}
	if err := enc.SetProperty("bitrate", p.settings.FECAudioBitrate); err != nil {
		log.Warn("could not apply audio bitrate", "bps", bps, "error", err)
		return err
	}
	log.Info("audio bitrate changed", "bps", bps, "wireBps", p.settings.FECAudioBitrate)
	return nil
}

// SetPointerVisible toggles cursor rendering on the capture source without a
// restart; ximagesrc supports the change live.
func (p *GstPipeline) SetPointerVisible(visible bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.settings.PointerVisible = visible
	if p.st != stateRunning {
		return nil
	}

	src, err := p.videoPipe.GetElementByName(videoSourceName)
	if err != nil {
		return err
	}
	if err := src.SetProperty("show-pointer", visible); err != nil {
		log.Warn("could not toggle pointer", "visible", visible, "error", err)
		return err
	}
	return nil
}

// RequestKeyframe pushes an upstream force-key-unit event through the
// encoder so the next output frame is an IDR.
func (p *GstPipeline) RequestKeyframe() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.st != stateRunning {
		return nil
	}
	enc, err := p.videoPipe.GetElementByName(videoEncoderName)
	if err != nil {
		return err
	}
	ev := gstvideo.NewUpstreamForceKeyUnitEvent(gst.ClockTimeNone, true, 0)
	if !enc.SendEvent(ev) {
		return fmt.Errorf("force-key-unit event rejected")
	}
	log.Debug("keyframe requested")
	return nil
}
