package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftdesk/streamer/internal/streamerrors"
)

// VideoCaptureParams configures the external capture library's video path.
type VideoCaptureParams struct {
	Framerate      int
	BitrateKbps    int
	KeyframeFrames int
	PointerVisible bool
}

// AudioCaptureParams configures the external capture library's audio path.
type AudioCaptureParams struct {
	BitrateBps int
	Channels   int
	Device     string
}

// VideoFrameFunc receives one encoded video unit from the capture library's
// worker thread. frameID increments per produced frame.
type VideoFrameFunc func(data []byte, frameID uint64, keyframe bool)

// AudioFrameFunc receives one encoded audio unit with the library-supplied
// PTS in nanoseconds.
type AudioFrameFunc func(data []byte, ptsNanos int64)

// CaptureSource is the contract with the external capture/encode library the
// Direct-Capture back-end binds to. Implementations invoke the callbacks from
// their own threads; the pipeline posts frames onto the bridges.
type CaptureSource interface {
	StartVideo(params VideoCaptureParams, cb VideoFrameFunc) error
	StopVideo() error
	StartAudio(params AudioCaptureParams, cb AudioFrameFunc) error
	StopAudio() error

	SetVideoBitrate(kbps int) error
	SetAudioBitrate(bps int) error
	SetFramerate(fps int) error
	RequestKeyframe() error
}

// audioClockRate is the fixed Opus clock of the capture library.
const audioClockRate = 48000

var (
	captureFactoryMu sync.Mutex
	captureFactory   func() (CaptureSource, error)
)

// RegisterCaptureSource installs the external capture library binding.
// Called from the binding's init(); the last registration wins.
func RegisterCaptureSource(factory func() (CaptureSource, error)) {
	captureFactoryMu.Lock()
	defer captureFactoryMu.Unlock()
	captureFactory = factory
}

// NewRegisteredCaptureSource instantiates the registered binding. Selecting
// the capture back-end without a binding present is a configuration error.
func NewRegisteredCaptureSource() (CaptureSource, error) {
	captureFactoryMu.Lock()
	factory := captureFactory
	captureFactoryMu.Unlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: no capture source binding registered", streamerrors.ErrPluginMissing)
	}
	return factory()
}

// CapturePipeline adapts a CaptureSource to the Pipeline interface. Video
// PTS is synthesized as frameID x (90000 / framerate); audio PTS converts
// the library's nanosecond timestamps to the codec clock.
type CapturePipeline struct {
	mu       sync.Mutex
	st       state
	settings Settings
	source   CaptureSource
	onFatal  FatalFunc

	videoBridge *Bridge
	audioBridge *Bridge
}

func NewCapturePipeline(settings Settings, source CaptureSource, onFatal FatalFunc) *CapturePipeline {
	settings.Recompute()
	return &CapturePipeline{
		st:          stateNew,
		settings:    settings,
		source:      source,
		onFatal:     onFatal,
		videoBridge: NewBridge(),
		audioBridge: NewBridge(),
	}
}

func (p *CapturePipeline) VideoFrames() *Bridge { return p.videoBridge }
func (p *CapturePipeline) AudioFrames() *Bridge { return p.audioBridge }
func (p *CapturePipeline) AudioClockRate() int  { return audioClockRate }

// Start begins capture. Idempotent while running.
func (p *CapturePipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.st == stateRunning || p.st == stateStarting {
		log.Info("capture pipeline already running, start is a no-op")
		return nil
	}
	p.st = stateStarting

	if err := p.startVideoLocked(); err != nil {
		p.st = stateStopped
		return err
	}
	if err := p.source.StartAudio(AudioCaptureParams{
		BitrateBps: p.settings.FECAudioBitrate,
		Channels:   p.settings.AudioChannels,
		Device:     p.settings.AudioDevice,
	}, p.onAudioFrame); err != nil {
		p.source.StopVideo()
		p.st = stateStopped
		return fmt.Errorf("%w: starting audio capture: %v", streamerrors.ErrPipeline, err)
	}

	p.st = stateRunning
	log.Info("capture pipeline started", "framerate", p.settings.Framerate)
	return nil
}

func (p *CapturePipeline) startVideoLocked() error {
	framerate := p.settings.Framerate
	// PTS step per frame at the 90 kHz video clock.
	step := int64(90000 / framerate)
	err := p.source.StartVideo(VideoCaptureParams{
		Framerate:      framerate,
		BitrateKbps:    p.settings.FECVideoBitrate,
		KeyframeFrames: p.settings.KeyframeFrames,
		PointerVisible: p.settings.PointerVisible,
	}, func(data []byte, frameID uint64, keyframe bool) {
		p.videoBridge.Push(EncodedFrame{
			Data:     data,
			PTS:      int64(frameID) * step,
			Keyframe: keyframe,
			Kind:     KindVideo,
		})
	})
	if err != nil {
		return fmt.Errorf("%w: starting video capture: %v", streamerrors.ErrPipeline, err)
	}
	return nil
}

func (p *CapturePipeline) onAudioFrame(data []byte, ptsNanos int64) {
	p.audioBridge.Push(EncodedFrame{
		Data: data,
		PTS:  ptsNanos * audioClockRate / 1e9,
		Kind: KindAudio,
	})
}

// Stop halts capture. Idempotent while stopped.
func (p *CapturePipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.st == stateStopped || p.st == stateNew {
		log.Info("capture pipeline not running, stop is a no-op")
		return nil
	}
	p.st = stateStopping
	if err := p.source.StopVideo(); err != nil {
		log.Warn("stopping video capture", "error", err)
	}
	if err := p.source.StopAudio(); err != nil {
		log.Warn("stopping audio capture", "error", err)
	}
	p.st = stateStopped
	log.Info("capture pipeline stopped")
	return nil
}

func (p *CapturePipeline) SetFramerate(fps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.settings.Framerate = fps
	p.settings.Recompute()
	if p.st != stateRunning {
		return nil
	}
	if err := p.source.SetFramerate(fps); err != nil {
		log.Warn("could not apply framerate", "fps", fps, "error", err)
		return err
	}
	return nil
}

func (p *CapturePipeline) SetVideoBitrate(kbps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.settings.VideoBitrate = kbps
	p.settings.Recompute()
	if p.st != stateRunning {
		return nil
	}
	if err := p.source.SetVideoBitrate(p.settings.FECVideoBitrate); err != nil {
		log.Warn("could not apply video bitrate", "kbps", kbps, "error", err)
		return err
	}
	return nil
}

func (p *CapturePipeline) SetAudioBitrate(bps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.settings.AudioBitrate = bps
	p.settings.Recompute()
	if p.st != stateRunning {
		return nil
	}
	if err := p.source.SetAudioBitrate(p.settings.FECAudioBitrate); err != nil {
		log.Warn("could not apply audio bitrate", "bps", bps, "error", err)
		return err
	}
	return nil
}

// SetPointerVisible restarts video capture with the new cursor setting; the
// capture library cannot change it live.
func (p *CapturePipeline) SetPointerVisible(visible bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.settings.PointerVisible = visible
	if p.st != stateRunning {
		return nil
	}

	if err := p.source.StopVideo(); err != nil {
		log.Warn("stopping video capture for pointer change", "error", err)
	}
	if err := p.startVideoLocked(); err != nil {
		p.st = stateStopped
		if p.onFatal != nil {
			p.onFatal(err)
		}
		return err
	}
	log.Info("video capture restarted", "pointerVisible", visible)
	return nil
}

func (p *CapturePipeline) RequestKeyframe() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.st != stateRunning {
		return nil
	}
	return p.source.RequestKeyframe()
}
