// Package wsstream is the fallback transport: one framed WebSocket carrying
// encoded media, input, clipboard, and control. Media frames drop under
// backpressure; input and control never do.
package wsstream

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftdesk/streamer/internal/config"
	"github.com/driftdesk/streamer/internal/logging"
	"github.com/driftdesk/streamer/internal/media"
)

var log = logging.L("wsstream")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// mediaQueueSize bounds in-flight media frames; overflow drops the
	// oldest queued frame.
	mediaQueueSize = 30
	// controlQueueSize bounds outbound control messages; senders block
	// rather than drop.
	controlQueueSize = 64
)

// Frame type tags, first byte of every binary frame.
const (
	FrameVideo byte = 0x01
	FrameAudio byte = 0x02
	FrameFile  byte = 0x03
)

// frameHeaderSize = tag + 8-byte PTS + flags.
const frameHeaderSize = 10

// flagKeyframe marks an IDR in the frame header flags byte.
const flagKeyframe byte = 0x01

// EncodeFrame renders the binary wire format:
// [type][pts int64 big-endian][flags][payload].
func EncodeFrame(frame media.EncodedFrame) []byte {
	tag := FrameVideo
	if frame.Kind == media.KindAudio {
		tag = FrameAudio
	}
	buf := make([]byte, frameHeaderSize+len(frame.Data))
	buf[0] = tag
	binary.BigEndian.PutUint64(buf[1:9], uint64(frame.PTS))
	if frame.Keyframe {
		buf[9] |= flagKeyframe
	}
	copy(buf[frameHeaderSize:], frame.Data)
	return buf
}

// DecodeFrame parses a binary media frame.
func DecodeFrame(buf []byte) (media.EncodedFrame, error) {
	if len(buf) < frameHeaderSize {
		return media.EncodedFrame{}, fmt.Errorf("frame too short: %d bytes", len(buf))
	}
	kind := media.KindVideo
	switch buf[0] {
	case FrameVideo:
	case FrameAudio:
		kind = media.KindAudio
	default:
		return media.EncodedFrame{}, fmt.Errorf("unknown frame type 0x%02x", buf[0])
	}
	return media.EncodedFrame{
		Kind:     kind,
		PTS:      int64(binary.BigEndian.Uint64(buf[1:9])),
		Keyframe: buf[9]&flagKeyframe != 0,
		Data:     buf[frameHeaderSize:],
	}, nil
}

// Streamer serves the framed-WebSocket transport. A single client is active
// at a time; a newer connection displaces the old one.
type Streamer struct {
	cfg      *config.Config
	pipeline media.Pipeline

	// OnInputMessage receives every inbound text frame (input, clipboard,
	// control commands).
	OnInputMessage func(data []byte)
	// OnFileUpload receives inbound binary file-transfer frames.
	OnFileUpload func(data []byte)

	upgrader websocket.Upgrader

	mu     sync.Mutex
	client *clientConn
}

type clientConn struct {
	conn      *websocket.Conn
	mediaCh   chan []byte
	controlCh chan []byte
	done      chan struct{}
	closeOnce sync.Once
	dropped   uint64
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func NewStreamer(cfg *config.Config, pipeline media.Pipeline) *Streamer {
	return &Streamer{
		cfg:      cfg,
		pipeline: pipeline,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler upgrades the streaming socket, enforcing basic auth when enabled.
func (s *Streamer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.EnableBasicAuth {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.cfg.BasicAuthUser || pass != s.cfg.BasicAuthPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="restricted", charset="UTF-8"`)
				http.Error(w, "Authorization required", http.StatusForbidden)
				return
			}
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.attach(conn)
	})
}

// attach displaces any previous client and runs the pumps for this one.
func (s *Streamer) attach(conn *websocket.Conn) {
	client := &clientConn{
		conn:      conn,
		mediaCh:   make(chan []byte, mediaQueueSize),
		controlCh: make(chan []byte, controlQueueSize),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	old := s.client
	s.client = client
	s.mu.Unlock()
	if old != nil {
		old.close()
	}

	log.Info("streaming client connected", "remote", conn.RemoteAddr())
	go s.writePump(client)
	go s.readPump(client)
}

// Run consumes the pipeline bridges for the process lifetime, fanning frames
// to whichever client is attached.
func (s *Streamer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pumpBridge(ctx, s.pipeline.VideoFrames())
	}()
	go func() {
		defer wg.Done()
		s.pumpBridge(ctx, s.pipeline.AudioFrames())
	}()
	wg.Wait()

	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.close()
	}
	return ctx.Err()
}

func (s *Streamer) pumpBridge(ctx context.Context, bridge *media.Bridge) {
	for {
		frame, err := bridge.Recv(ctx)
		if err != nil {
			return
		}
		s.mu.Lock()
		client := s.client
		s.mu.Unlock()
		if client == nil {
			continue
		}
		client.enqueueMedia(EncodeFrame(frame))
	}
}

// enqueueMedia drops the oldest queued media frame on overflow; input and
// control frames never take this path.
func (c *clientConn) enqueueMedia(buf []byte) {
	for {
		select {
		case c.mediaCh <- buf:
			return
		default:
			select {
			case <-c.mediaCh:
				c.dropped++
			default:
			}
		}
	}
}

// SendControl queues a control/clipboard message; blocks briefly rather than
// dropping.
func (s *Streamer) SendControl(msgType string, data any) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errors.New("no streaming client connected")
	}

	payload, err := json.Marshal(map[string]any{"type": msgType, "data": data})
	if err != nil {
		return err
	}
	select {
	case client.controlCh <- payload:
		return nil
	case <-client.done:
		return errors.New("streaming client disconnected")
	case <-time.After(writeWait):
		return errors.New("control queue stalled")
	}
}

// SendFile ships a binary file-transfer frame; never dropped.
func (s *Streamer) SendFile(data []byte) error {
	buf := make([]byte, 1+len(data))
	buf[0] = FrameFile
	copy(buf[1:], data)

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errors.New("no streaming client connected")
	}
	select {
	case client.controlCh <- buf:
		return nil
	case <-client.done:
		return errors.New("streaming client disconnected")
	}
}

func (s *Streamer) writePump(c *clientConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case buf := <-c.mediaCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
				log.Warn("media write error", "error", err)
				return
			}
		case payload := <-c.controlCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msgType := websocket.TextMessage
			if len(payload) > 0 && payload[0] == FrameFile {
				msgType = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(msgType, payload); err != nil {
				log.Warn("control write error", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Streamer) readPump(c *clientConn) {
	defer func() {
		c.close()
		s.mu.Lock()
		if s.client == c {
			s.client = nil
		}
		s.mu.Unlock()
		log.Info("streaming client disconnected", "droppedMediaFrames", c.dropped)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!(errors.As(err, &netErr) && netErr.Timeout()) {
				log.Warn("read error", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.TextMessage:
			if s.OnInputMessage != nil {
				s.OnInputMessage(data)
			}
		case websocket.BinaryMessage:
			if len(data) > 0 && data[0] == FrameFile && s.OnFileUpload != nil {
				s.OnFileUpload(data[1:])
			}
		}
	}
}

// Connected reports whether a streaming client is attached.
func (s *Streamer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}
