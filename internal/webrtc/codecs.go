package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// mimeForEncoder maps a pipeline encoder element to the negotiated codec.
func mimeForEncoder(encoder string) (string, error) {
	switch {
	case strings.Contains(encoder, "h264") || strings.Contains(encoder, "x264") || strings.Contains(encoder, "openh264"):
		return webrtc.MimeTypeH264, nil
	case strings.Contains(encoder, "h265") || strings.Contains(encoder, "x265"):
		return webrtc.MimeTypeH265, nil
	case strings.Contains(encoder, "vp8"):
		return webrtc.MimeTypeVP8, nil
	case strings.Contains(encoder, "vp9"):
		return webrtc.MimeTypeVP9, nil
	case strings.Contains(encoder, "av1"):
		return webrtc.MimeTypeAV1, nil
	default:
		return "", fmt.Errorf("encoder %q has no codec mapping", encoder)
	}
}

// codecPreferences returns the preference list for the video transceiver:
// every matching registered codec first, then its RTX companion. Payload
// types follow pion's default registrations.
func codecPreferences(mime string) []webrtc.RTPCodecParameters {
	video := func(pt webrtc.PayloadType, fmtp string) webrtc.RTPCodecParameters {
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    mime,
				ClockRate:   90000,
				SDPFmtpLine: fmtp,
			},
			PayloadType: pt,
		}
	}
	rtx := func(pt webrtc.PayloadType, apt int) webrtc.RTPCodecParameters {
		return webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    "video/rtx",
				ClockRate:   90000,
				SDPFmtpLine: fmt.Sprintf("apt=%d", apt),
			},
			PayloadType: pt,
		}
	}

	switch mime {
	case webrtc.MimeTypeVP8:
		return []webrtc.RTPCodecParameters{video(96, ""), rtx(97, 96)}
	case webrtc.MimeTypeVP9:
		return []webrtc.RTPCodecParameters{
			video(98, "profile-id=0"), video(100, "profile-id=2"),
			rtx(99, 98), rtx(101, 100),
		}
	case webrtc.MimeTypeH264:
		return []webrtc.RTPCodecParameters{
			video(102, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"),
			video(127, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"),
			rtx(103, 102), rtx(121, 127),
		}
	case webrtc.MimeTypeH265:
		return []webrtc.RTPCodecParameters{video(126, ""), rtx(120, 126)}
	case webrtc.MimeTypeAV1:
		return []webrtc.RTPCodecParameters{video(45, "profile=0"), rtx(46, 45)}
	default:
		return nil
	}
}
