package webrtc

import (
	"strings"
	"testing"
)

func TestMungeSDPInjectsRTXTime(t *testing.T) {
	sdp := "a=fmtp:97 apt=96\r\na=fmtp:99 apt=98\r\n"
	out := MungeSDP(sdp, "vp8enc")

	if strings.Count(out, "apt=96;rtx-time=125") != 1 {
		t.Fatalf("expected exactly one apt=96;rtx-time=125, got: %s", out)
	}
	if strings.Count(out, "apt=98;rtx-time=125") != 1 {
		t.Fatalf("every apt association needs rtx-time: %s", out)
	}
}

func TestMungeSDPRewritesWrongRTXTime(t *testing.T) {
	sdp := "a=fmtp:97 apt=96;rtx-time=3000\r\n"
	out := MungeSDP(sdp, "vp8enc")
	if !strings.Contains(out, "rtx-time=125") || strings.Contains(out, "rtx-time=3000") {
		t.Fatalf("rtx-time must be rewritten to 125: %s", out)
	}
}

func TestMungeSDPIdempotent(t *testing.T) {
	sdp := "a=fmtp:97 apt=96\r\n"
	once := MungeSDP(sdp, "vp8enc")
	twice := MungeSDP(once, "vp8enc")
	if once != twice {
		t.Fatalf("munging must be idempotent:\n%q\n%q", once, twice)
	}
}

func TestMungeSDPInjectsSPSPPSForH264(t *testing.T) {
	sdp := "a=fmtp:102 level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f\r\n"
	out := MungeSDP(sdp, "x264enc")
	if !strings.Contains(out, "sps-pps-idr-in-keyframe=1;packetization-mode=1") {
		t.Fatalf("h264 fmtp must carry sps-pps-idr-in-keyframe=1: %s", out)
	}

	// Non-H26x encoders leave the line alone.
	out = MungeSDP(sdp, "vp9enc")
	if strings.Contains(out, "sps-pps-idr-in-keyframe") {
		t.Fatalf("vp9 must not receive the h264 rewrite: %s", out)
	}
}

func TestMungeSDPRewritesSPSPPSZero(t *testing.T) {
	sdp := "a=fmtp:102 sps-pps-idr-in-keyframe=0;packetization-mode=1\r\n"
	out := MungeSDP(sdp, "nvh264enc")
	if !strings.Contains(out, "sps-pps-idr-in-keyframe=1") {
		t.Fatalf("existing zero value must become 1: %s", out)
	}
}

func TestMungeSDPInjectsOpusPtime(t *testing.T) {
	sdp := "m=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=rtpmap:111 opus/48000/2\r\na=fmtp:111 minptime=10;useinbandfec=1\r\n"
	out := MungeSDP(sdp, "x264enc")
	if !strings.Contains(out, "a=ptime:10") {
		t.Fatalf("opus section must carry a=ptime:10: %s", out)
	}

	// A second pass must not duplicate the attribute.
	if strings.Count(MungeSDP(out, "x264enc"), "a=ptime:10") != 1 {
		t.Fatalf("ptime injection must be idempotent")
	}
}

func TestMimeForEncoder(t *testing.T) {
	cases := map[string]string{
		"x264enc":     "video/H264",
		"nvh264enc":   "video/H264",
		"openh264enc": "video/H264",
		"x265enc":     "video/H265",
		"vp8enc":      "video/VP8",
		"vavp9enc":    "video/VP9",
		"svtav1enc":   "video/AV1",
	}
	for encoder, want := range cases {
		got, err := mimeForEncoder(encoder)
		if err != nil {
			t.Fatalf("%s: %v", encoder, err)
		}
		if got != want {
			t.Fatalf("%s: expected %s, got %s", encoder, want, got)
		}
	}
	if _, err := mimeForEncoder("theoraenc"); err == nil {
		t.Fatal("unknown encoder must error")
	}
}

func TestCodecPreferencesIncludeRTX(t *testing.T) {
	for _, mime := range []string{"video/VP8", "video/VP9", "video/H264", "video/AV1"} {
		prefs := codecPreferences(mime)
		if len(prefs) < 2 {
			t.Fatalf("%s: expected codec + rtx, got %d entries", mime, len(prefs))
		}
		// Order: chosen codec(s) first, RTX afterwards.
		if prefs[0].MimeType != mime {
			t.Fatalf("%s: first preference must be the codec, got %s", mime, prefs[0].MimeType)
		}
		foundRTX := false
		for _, p := range prefs {
			if p.MimeType == "video/rtx" {
				foundRTX = true
				if !strings.HasPrefix(p.SDPFmtpLine, "apt=") {
					t.Fatalf("%s: rtx entry missing apt fmtp: %q", mime, p.SDPFmtpLine)
				}
			}
		}
		if !foundRTX {
			t.Fatalf("%s: no rtx companion", mime)
		}
	}
}
