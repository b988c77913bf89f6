package media

import (
	"strings"
	"testing"
)

func TestRecomputeKeyframeFrames(t *testing.T) {
	cases := []struct {
		framerate int
		distance  float64
		want      int
	}{
		{60, -1.0, -1},
		{60, 2.0, 120},
		{60, 0.5, 60},  // floor of 60 frames applies
		{30, 1.0, 60},  // 30 frames rounds up to the floor
		{120, 3.0, 360},
	}
	for _, c := range cases {
		s := Settings{Framerate: c.framerate, KeyframeDistance: c.distance, VideoBitrate: 1000, AudioBitrate: 96000}
		s.Recompute()
		if s.KeyframeFrames != c.want {
			t.Fatalf("framerate=%d distance=%v: expected %d, got %d",
				c.framerate, c.distance, c.want, s.KeyframeFrames)
		}
	}
}

func TestRecomputeVBVMultiplier(t *testing.T) {
	s := Settings{Framerate: 60, KeyframeDistance: -1.0, VideoBitrate: 1000, AudioBitrate: 96000}
	s.Recompute()
	if s.VBVMultiplier != 1.5 {
		t.Fatalf("infinite GOP must use 1.5x VBV, got %v", s.VBVMultiplier)
	}

	s.KeyframeDistance = 2.0
	s.Recompute()
	if s.VBVMultiplier != 3 {
		t.Fatalf("periodic GOP must use 3x VBV, got %v", s.VBVMultiplier)
	}
}

func TestRecomputeFECBitrates(t *testing.T) {
	s := Settings{
		Framerate:       60,
		VideoBitrate:    8000,
		AudioBitrate:    128000,
		VideoPacketloss: 25,
		AudioPacketloss: 10,
	}
	s.Recompute()

	if s.FECVideoBitrate != 6400 {
		t.Fatalf("expected video wire rate 6400, got %d", s.FECVideoBitrate)
	}
	if s.FECAudioBitrate != 140800 {
		t.Fatalf("expected audio wire rate 140800, got %d", s.FECAudioBitrate)
	}
}

func TestFECInvariants(t *testing.T) {
	for _, loss := range []float64{0, 1, 5, 25, 50, 100} {
		s := Settings{Framerate: 60, VideoBitrate: 4000, AudioBitrate: 96000,
			VideoPacketloss: loss, AudioPacketloss: loss}
		s.Recompute()
		if s.FECVideoBitrate > s.VideoBitrate {
			t.Fatalf("loss=%v: fec video %d exceeds target %d", loss, s.FECVideoBitrate, s.VideoBitrate)
		}
		if s.FECAudioBitrate < s.AudioBitrate {
			t.Fatalf("loss=%v: fec audio %d below target %d", loss, s.FECAudioBitrate, s.AudioBitrate)
		}
	}
}

func TestVBVBufferSize(t *testing.T) {
	s := Settings{Framerate: 60, VideoBitrate: 6000, AudioBitrate: 96000, KeyframeDistance: -1.0}
	s.Recompute()
	// 6000 kbps / 60 fps = 100 kbit per frame, x1.5 = 150.
	if got := s.VBVBufferSize(); got != 150 {
		t.Fatalf("expected VBV 150, got %d", got)
	}
}

func TestVideoPipelineDescriptionPerEncoder(t *testing.T) {
	for name := range encoderSpecs {
		s := Settings{
			Encoder:          name,
			Framerate:        60,
			VideoBitrate:     4000,
			AudioBitrate:     96000,
			KeyframeDistance: -1.0,
			AudioChannels:    2,
			AudioDevice:      "auto_null.monitor",
			PointerVisible:   true,
		}
		s.Recompute()
		desc, err := videoPipelineDescription(&s, ":0")
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		for _, fragment := range []string{"ximagesrc", "videoconvert", name, "appsink name=video_sink"} {
			if !strings.Contains(desc, fragment) {
				t.Fatalf("%s description missing %q: %s", name, fragment, desc)
			}
		}
	}
}

func TestAudioPipelineDescriptionFEC(t *testing.T) {
	s := Settings{Framerate: 60, VideoBitrate: 4000, AudioBitrate: 128000,
		AudioChannels: 2, AudioDevice: "auto_null.monitor"}
	s.Recompute()
	if desc := audioPipelineDescription(&s); strings.Contains(desc, "inband-fec=true") {
		t.Fatalf("FEC must be off with zero packet loss: %s", desc)
	}

	s.AudioPacketloss = 5
	s.Recompute()
	desc := audioPipelineDescription(&s)
	if !strings.Contains(desc, "inband-fec=true") || !strings.Contains(desc, "packet-loss-percentage=5") {
		t.Fatalf("FEC must engage with packet loss: %s", desc)
	}
	if !strings.Contains(desc, "audio-type=restricted-lowdelay") || !strings.Contains(desc, "frame-size=10") {
		t.Fatalf("opus low-delay profile missing: %s", desc)
	}
}

