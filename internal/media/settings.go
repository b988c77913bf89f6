package media

// minKeyframeFrames is the floor on the frame distance between periodic
// keyframes; shorter GOPs waste bitrate on screen content.
const minKeyframeFrames = 60

// Settings carries the tunable pipeline parameters plus the values derived
// from them. Call Recompute after changing any input field.
type Settings struct {
	Encoder          string
	Framerate        int
	VideoBitrate     int // kbps
	AudioBitrate     int // bps
	KeyframeDistance float64 // seconds between keyframes, -1 = infinite GOP
	AudioChannels    int
	VideoPacketloss  float64 // percent
	AudioPacketloss  float64 // percent
	PointerVisible   bool
	GPUID            int
	AudioDevice      string

	// Derived values.
	KeyframeFrames  int     // -1 when KeyframeDistance is -1
	VBVMultiplier   float64 // VBV/HRD buffer in inter-frame periods
	FECVideoBitrate int     // kbps on the wire before FEC inflation
	FECAudioBitrate int     // bps including FEC overhead
}

// Recompute refreshes the derived fields:
//   - keyframe frame distance with the 60-frame floor, or -1 for infinite GOP
//   - VBV buffer multiplier (1.5 frame periods with infinite GOP, 3 with
//     periodic keyframes)
//   - FEC rates: video is deflated so redundancy never pushes the wire rate
//     past the target, audio is inflated so quality survives the overhead
func (s *Settings) Recompute() {
	if s.KeyframeDistance == -1.0 {
		s.KeyframeFrames = -1
		s.VBVMultiplier = 1.5
	} else {
		s.KeyframeFrames = int(float64(s.Framerate) * s.KeyframeDistance)
		if s.KeyframeFrames < minKeyframeFrames {
			s.KeyframeFrames = minKeyframeFrames
		}
		s.VBVMultiplier = 3
	}

	s.FECVideoBitrate = int(float64(s.VideoBitrate) / (1.0 + s.VideoPacketloss/100.0))
	s.FECAudioBitrate = int(float64(s.AudioBitrate) * (1.0 + s.AudioPacketloss/100.0))
}

// VBVBufferSize returns the encoder VBV/HRD buffer in kbit, sized to a small
// multiple of the inter-frame period at the FEC-adjusted rate.
func (s *Settings) VBVBufferSize() int {
	if s.Framerate <= 0 {
		return s.FECVideoBitrate
	}
	perFrame := (s.FECVideoBitrate + s.Framerate - 1) / s.Framerate
	return int(float64(perFrame) * s.VBVMultiplier)
}
