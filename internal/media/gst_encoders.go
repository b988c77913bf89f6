package media

import (
	"fmt"
	"runtime"
	"strings"
)

// encoderSpec describes one supported encoder element: how to render its
// low-latency property set and which caps follow it in the graph. The table
// replaces per-encoder branching in the pipeline builder.
type encoderSpec struct {
	element string
	// render emits the element properties (CBR, zero-latency tuning, GOP,
	// VBV sizing) for the current settings.
	render func(s *Settings) string
	// outputCaps constrains the encoded stream downstream of the element.
	outputCaps string
	// inputFormat is the raw video format the encoder wants.
	inputFormat string
}

// gopOr returns the periodic GOP length, or fallback for infinite GOP.
func gopOr(s *Settings, fallback int) int {
	if s.KeyframeFrames == -1 {
		return fallback
	}
	return s.KeyframeFrames
}

var encoderSpecs = map[string]encoderSpec{
	"nvh264enc": {
		element:     "nvh264enc",
		inputFormat: "NV12",
		outputCaps:  "video/x-h264,profile=main,stream-format=byte-stream",
		render: func(s *Settings) string {
			return fmt.Sprintf(
				"bitrate=%d rc-mode=cbr gop-size=%d preset=p1 tune=ultra-low-latency multi-pass=two-pass-quarter zerolatency=true vbv-buffer-size=%d aud=false b-frames=0",
				s.FECVideoBitrate, gopOr(s, -1), s.VBVBufferSize())
		},
	},
	"nvh265enc": {
		element:     "nvh265enc",
		inputFormat: "NV12",
		outputCaps:  "video/x-h265,stream-format=byte-stream",
		render: func(s *Settings) string {
			return fmt.Sprintf(
				"bitrate=%d rc-mode=cbr gop-size=%d preset=p1 tune=ultra-low-latency multi-pass=two-pass-quarter zerolatency=true vbv-buffer-size=%d aud=false b-frames=0",
				s.FECVideoBitrate, gopOr(s, -1), s.VBVBufferSize())
		},
	},
	"nvav1enc": {
		element:     "nvav1enc",
		inputFormat: "NV12",
		outputCaps:  "video/x-av1",
		render: func(s *Settings) string {
			return fmt.Sprintf(
				"bitrate=%d rc-mode=cbr gop-size=%d preset=p1 tune=ultra-low-latency zerolatency=true vbv-buffer-size=%d b-frames=0",
				s.FECVideoBitrate, gopOr(s, -1), s.VBVBufferSize())
		},
	},
	"vah264enc": {
		element:     "vah264enc",
		inputFormat: "NV12",
		outputCaps:  "video/x-h264,profile=main,stream-format=byte-stream",
		render: func(s *Settings) string {
			return fmt.Sprintf(
				"bitrate=%d rate-control=cbr key-int-max=%d cpb-size=%d target-usage=7 num-slices=4 b-frames=0",
				s.FECVideoBitrate, gopOr(s, 1024), s.VBVBufferSize())
		},
	},
	"vah265enc": {
		element:     "vah265enc",
		inputFormat: "NV12",
		outputCaps:  "video/x-h265,stream-format=byte-stream",
		render: func(s *Settings) string {
			return fmt.Sprintf(
				"bitrate=%d rate-control=cbr key-int-max=%d cpb-size=%d target-usage=7 b-frames=0",
				s.FECVideoBitrate, gopOr(s, 1024), s.VBVBufferSize())
		},
	},
	"vavp9enc": {
		element:     "vavp9enc",
		inputFormat: "NV12",
		outputCaps:  "video/x-vp9",
		render: func(s *Settings) string {
			return fmt.Sprintf(
				"bitrate=%d rate-control=cbr key-int-max=%d cpb-size=%d target-usage=7",
				s.FECVideoBitrate, gopOr(s, 1024), s.VBVBufferSize())
		},
	},
	"vaav1enc": {
		element:     "vaav1enc",
		inputFormat: "NV12",
		outputCaps:  "video/x-av1",
		render: func(s *Settings) string {
			return fmt.Sprintf(
				"bitrate=%d rate-control=cbr key-int-max=%d cpb-size=%d target-usage=7",
				s.FECVideoBitrate, gopOr(s, 1024), s.VBVBufferSize())
		},
	},
	"x264enc": {
		element:     "x264enc",
		inputFormat: "NV12",
		outputCaps:  "video/x-h264,profile=main,stream-format=byte-stream",
		render: func(s *Settings) string {
			return fmt.Sprintf(
				"bitrate=%d speed-preset=ultrafast tune=zerolatency byte-stream=true threads=%d key-int-max=%d vbv-buf-capacity=%d sliced-threads=true b-adapt=false bframes=0 rc-lookahead=0",
				s.FECVideoBitrate, encoderThreads(), gopOr(s, 2147483647), s.VBVBufferSize())
		},
	},
	"openh264enc": {
		element:     "openh264enc",
		inputFormat: "I420",
		outputCaps:  "video/x-h264,profile=main,stream-format=byte-stream",
		render: func(s *Settings) string {
			// openh264enc takes bits per second rather than kbit.
			return fmt.Sprintf(
				"bitrate=%d usage-type=screen rate-control=bitrate complexity=low gop-size=%d multi-thread=%d slice-mode=auto background-detection=false",
				s.FECVideoBitrate*1000, gopOr(s, 2147483647), encoderThreads())
		},
	},
	"x265enc": {
		element:     "x265enc",
		inputFormat: "I420",
		outputCaps:  "video/x-h265,stream-format=byte-stream",
		render: func(s *Settings) string {
			return fmt.Sprintf(
				"bitrate=%d speed-preset=ultrafast tune=zerolatency key-int-max=%d",
				s.FECVideoBitrate, gopOr(s, 2147483647))
		},
	},
	"vp8enc": {
		element:     "vp8enc",
		inputFormat: "I420",
		outputCaps:  "video/x-vp8",
		render: func(s *Settings) string {
			// vpx takes bits per second.
			return fmt.Sprintf(
				"target-bitrate=%d end-usage=cbr deadline=1 cpu-used=16 threads=%d keyframe-max-dist=%d error-resilient=default lag-in-frames=0 buffer-initial-size=100 buffer-optimal-size=120 buffer-size=150 max-intra-bitrate=250",
				s.FECVideoBitrate*1000, encoderThreads(), gopOr(s, 2147483647))
		},
	},
	"vp9enc": {
		element:     "vp9enc",
		inputFormat: "I420",
		outputCaps:  "video/x-vp9",
		render: func(s *Settings) string {
			return fmt.Sprintf(
				"target-bitrate=%d end-usage=cbr deadline=1 cpu-used=16 threads=%d keyframe-max-dist=%d error-resilient=default frame-parallel-decoding=true row-mt=true lag-in-frames=0 buffer-initial-size=100 buffer-optimal-size=120 buffer-size=150 max-intra-bitrate=250",
				s.FECVideoBitrate*1000, encoderThreads(), gopOr(s, 2147483647))
		},
	},
	"svtav1enc": {
		element:     "svtav1enc",
		inputFormat: "I420",
		outputCaps:  "video/x-av1",
		render: func(s *Settings) string {
			// svtav1enc takes kbit but caps intra-period at 255 frames.
			gop := gopOr(s, -1)
			if gop > 255 {
				gop = 255
			}
			return fmt.Sprintf(
				"target-bitrate=%d rate-control-mode=cbr preset=12 intra-period-length=%d logical-processors=%d",
				s.FECVideoBitrate, gop, encoderThreads())
		},
	},
}

// encoderThreads bounds CPU encoder worker threads to a small count so
// encoding never starves capture on shared hosts.
func encoderThreads() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return n
}

// videoPipelineDescription renders the full capture→convert→encode→sink
// graph for the configured encoder.
func videoPipelineDescription(s *Settings, display string) (string, error) {
	spec, ok := encoderSpecs[s.Encoder]
	if !ok {
		return "", fmt.Errorf("no encoder spec for %q", s.Encoder)
	}

	var b strings.Builder
	fmt.Fprintf(&b,
		"ximagesrc name=%s display-name=%s show-pointer=%t use-damage=false remote=true blocksize=16384",
		videoSourceName, display, s.PointerVisible)
	fmt.Fprintf(&b, " ! capsfilter name=%s caps=video/x-raw,framerate=%d/1", videoRateName, s.Framerate)
	fmt.Fprintf(&b,
		" ! videoconvert chroma-mode=none dither=none matrix-mode=output-only n-threads=%d ! video/x-raw,format=%s",
		encoderThreads(), spec.inputFormat)
	fmt.Fprintf(&b, " ! %s name=%s %s", spec.element, videoEncoderName, spec.render(s))
	fmt.Fprintf(&b, " ! %s", spec.outputCaps)
	fmt.Fprintf(&b, " ! appsink name=%s emit-signals=false sync=false drop=true max-buffers=5", videoSinkName)
	return b.String(), nil
}

// audioPipelineDescription renders the PulseAudio→Opus→sink graph. Opus runs
// at 48 kHz fullband restricted-lowdelay with 10 ms frames and CBR; in-band
// FEC engages only when packet loss compensation is requested.
func audioPipelineDescription(s *Settings) string {
	var b strings.Builder
	fmt.Fprintf(&b,
		"pulsesrc device=%s provide-clock=true do-timestamp=true buffer-time=10000",
		s.AudioDevice)
	fmt.Fprintf(&b, " ! audio/x-raw,channels=%d,rate=48000", s.AudioChannels)
	fmt.Fprintf(&b, " ! audioconvert")
	fmt.Fprintf(&b,
		" ! opusenc name=%s audio-type=restricted-lowdelay bandwidth=fullband bitrate=%d bitrate-type=cbr frame-size=10 inband-fec=%t packet-loss-percentage=%d max-payload-size=4000",
		audioEncoderName, s.FECAudioBitrate, s.AudioPacketloss > 0, int(s.AudioPacketloss))
	fmt.Fprintf(&b, " ! appsink name=%s emit-signals=false sync=false drop=true max-buffers=5", audioSinkName)
	return b.String()
}

const (
	videoSourceName  = "video_src"
	videoRateName    = "video_rate"
	videoEncoderName = "video_encoder"
	audioEncoderName = "audio_encoder"
	videoSinkName    = "video_sink"
	audioSinkName    = "audio_sink"
)

// bitrateProperty maps an encoder to the live-settable property and unit for
// bitrate retuning.
func bitrateProperty(encoder string) (name string, multiplier int, ok bool) {
	switch encoder {
	case "nvh264enc", "nvh265enc", "nvav1enc", "vah264enc", "vah265enc", "vavp9enc", "vaav1enc", "x264enc", "x265enc":
		return "bitrate", 1, true
	case "svtav1enc":
		return "target-bitrate", 1, true
	case "vp8enc", "vp9enc":
		return "target-bitrate", 1000, true
	case "openh264enc":
		return "bitrate", 1000, true
	default:
		return "", 0, false
	}
}
