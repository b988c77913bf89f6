// Package webrtc negotiates the pion peer connection, bridges encoded frames
// from the media pipeline into RTP tracks, and carries the data channels.
package webrtc

import (
	"regexp"
	"strings"
)

var (
	aptPattern        = regexp.MustCompile(`apt=\d+`)
	rtxTimePattern    = regexp.MustCompile(`rtx-time=\d+`)
	spsPPSPattern     = regexp.MustCompile(`sps-pps-idr-in-keyframe=\d+`)
	opusRtpmapPattern = regexp.MustCompile(`(?mi)^(a=rtpmap:\d+ opus/[^\r\n]*)`)
)

// MungeSDP rewrites the local offer before it reaches signaling:
//   - rtx-time=125 everywhere an apt= association appears
//   - sps-pps-idr-in-keyframe=1 on H.264/H.265 packetization fmtp lines so
//     decoders recover from a bare IDR
//   - an explicit a=ptime:10 when Opus is advertised
func MungeSDP(sdp, encoder string) string {
	if !strings.Contains(sdp, "rtx-time") {
		sdp = aptPattern.ReplaceAllString(sdp, "$0;rtx-time=125")
	} else if !strings.Contains(sdp, "rtx-time=125") {
		sdp = rtxTimePattern.ReplaceAllString(sdp, "rtx-time=125")
	}

	if isH26x(encoder) {
		if !strings.Contains(sdp, "sps-pps-idr-in-keyframe") {
			sdp = strings.ReplaceAll(sdp, "packetization-mode=", "sps-pps-idr-in-keyframe=1;packetization-mode=")
		} else if !strings.Contains(sdp, "sps-pps-idr-in-keyframe=1") {
			sdp = spsPPSPattern.ReplaceAllString(sdp, "sps-pps-idr-in-keyframe=1")
		}
	}

	if strings.Contains(strings.ToLower(sdp), "opus/") && !strings.Contains(sdp, "a=ptime:") {
		sdp = opusRtpmapPattern.ReplaceAllString(sdp, "$1\r\na=ptime:10")
	}

	return sdp
}

func isH26x(encoder string) bool {
	for _, tag := range []string{"h264", "x264", "h265", "x265"} {
		if strings.Contains(encoder, tag) {
			return true
		}
	}
	return false
}
