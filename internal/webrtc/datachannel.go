package webrtc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// clipboardChunkSize is the base64 payload budget per clipboard frame; SCTP
// message limits leave headroom for the JSON envelope.
const clipboardChunkSize = 65400

// channelMessage is the envelope for every outbound data-channel message.
type channelMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// sendChannelMessage drops the message silently when the channel is not open;
// data-channel traffic is best-effort by design.
func (s *Session) sendChannelMessage(msgType string, data any) error {
	s.mu.Lock()
	dc := s.dataChannel
	connected := s.connected
	s.mu.Unlock()

	if dc == nil || !connected || dc.ReadyState() != webrtc.DataChannelStateOpen {
		log.Debug("skipping message, data channel not ready", "type", msgType)
		return nil
	}
	payload, err := json.Marshal(channelMessage{Type: msgType, Data: data})
	if err != nil {
		return err
	}
	return dc.SendText(string(payload))
}

// Send publishes an arbitrary typed message on the input channel.
func (s *Session) Send(msgType string, data any) error {
	return s.sendChannelMessage(msgType, data)
}

// SendCursor forwards cursor image/position data; the last payload is cached
// so a reconnecting client resynchronizes immediately.
func (s *Session) SendCursor(data any) error {
	s.mu.Lock()
	s.lastCursor = data
	s.mu.Unlock()
	return s.sendChannelMessage("cursor", data)
}

// ResendCursor replays the cached cursor payload, if any.
func (s *Session) ResendCursor() error {
	s.mu.Lock()
	data := s.lastCursor
	s.mu.Unlock()
	if data == nil {
		return nil
	}
	return s.sendChannelMessage("cursor", data)
}

// SendSystemAction emits a "system" message ("reload",
// "videoFramerate,60", "video_bitrate,8000", ...).
func (s *Session) SendSystemAction(action string) error {
	return s.sendChannelMessage("system", map[string]string{"action": action})
}

// SendFramerate announces the active framerate.
func (s *Session) SendFramerate(fps int) error {
	return s.SendSystemAction(fmt.Sprintf("videoFramerate,%d", fps))
}

// SendVideoBitrate announces the active video bitrate in kbps.
func (s *Session) SendVideoBitrate(kbps int) error {
	return s.SendSystemAction(fmt.Sprintf("video_bitrate,%d", kbps))
}

// SendAudioBitrate announces the active audio bitrate in bps.
func (s *Session) SendAudioBitrate(bps int) error {
	return s.SendSystemAction(fmt.Sprintf("audio_bitrate,%d", bps))
}

// SendEncoder announces the active encoder element.
func (s *Session) SendEncoder(encoder string) error {
	return s.SendSystemAction("encoder," + encoder)
}

// SendResizeEnabled announces whether server-side resize is allowed.
func (s *Session) SendResizeEnabled(enabled bool) error {
	return s.SendSystemAction(fmt.Sprintf("resize,%t", enabled))
}

// SendRemoteResolution announces the active display resolution ("WxH").
func (s *Session) SendRemoteResolution(res string) error {
	return s.SendSystemAction("resolution," + res)
}

// SendSystemStats publishes host CPU/memory load.
func (s *Session) SendSystemStats(cpuPercent float64, memTotal, memUsed uint64) error {
	return s.sendChannelMessage("system_stats", map[string]any{
		"cpu_percent": cpuPercent,
		"mem_total":   memTotal,
		"mem_used":    memUsed,
	})
}

// SendGPUStats publishes GPU load and memory.
func (s *Session) SendGPUStats(load float64, memoryTotal, memoryUsed float64) error {
	return s.sendChannelMessage("gpu_stats", map[string]any{
		"load":         load,
		"memory_total": memoryTotal,
		"memory_used":  memoryUsed,
	})
}

// SendPing emits a latency probe carrying the send timestamp in seconds.
func (s *Session) SendPing(unixSeconds float64) error {
	return s.sendChannelMessage("ping", map[string]any{
		"start_time": float64(int64(unixSeconds*1000)) / 1000,
	})
}

// SendLatency reports the measured round-trip in milliseconds.
func (s *Session) SendLatency(latencyMS float64) error {
	return s.sendChannelMessage("latency_measurement", map[string]any{
		"latency_ms": latencyMS,
	})
}

// SendPipelineStatus reports pipeline state changes ("running", "stopped").
func (s *Session) SendPipelineStatus(status string) error {
	return s.sendChannelMessage("pipeline", map[string]string{"status": status})
}

// SendServerSettings publishes the client-visible settings document.
func (s *Session) SendServerSettings(settings map[string]any) error {
	return s.sendChannelMessage("server_settings", settings)
}

// SendClipboard ships clipboard text in base64 chunks: every chunk travels
// as "clipboard-msg" except the final one, which is "clipboard-msg-end" so
// the client knows to reassemble.
func (s *Session) SendClipboard(text string) error {
	if text == "" {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	for read := 0; read < len(encoded); {
		end := read + clipboardChunkSize
		msgType := "clipboard-msg"
		if end >= len(encoded) {
			end = len(encoded)
			msgType = "clipboard-msg-end"
		}
		if err := s.sendChannelMessage(msgType, map[string]string{"content": encoded[read:end]}); err != nil {
			return err
		}
		read = end
	}
	return nil
}

// ChunkClipboard splits an encoded clipboard payload the way SendClipboard
// does; exposed for the WebSocket transport which shares the chunk protocol.
func ChunkClipboard(text string) (chunks []string, types []string) {
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	for read := 0; read < len(encoded); {
		end := read + clipboardChunkSize
		msgType := "clipboard-msg"
		if end >= len(encoded) {
			end = len(encoded)
			msgType = "clipboard-msg-end"
		}
		chunks = append(chunks, encoded[read:end])
		types = append(types, msgType)
		read = end
	}
	return chunks, types
}
