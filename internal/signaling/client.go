package signaling

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftdesk/streamer/internal/logging"
)

var clientLog = logging.L("signaling_client")

// reconnectDelay is the fixed backoff between connection attempts. Retries
// are unbounded; the server side may come up after the streaming side.
const reconnectDelay = 2 * time.Second

// ICECandidate is the inner payload of a relayed ICE message.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
}

type sdpMessage struct {
	SDP *struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	} `json:"sdp"`
	ICE *ICECandidate `json:"ice"`
}

// ClientConfig configures the in-process signaling client. The streaming
// side registers as uid "0" and starts the session with the browser, which
// registers as "1".
type ClientConfig struct {
	URL               string // ws:// or wss:// endpoint including /<uid>/signalling
	UID               string
	EnableTLS         bool
	EnableBasicAuth   bool
	BasicAuthUser     string
	BasicAuthPassword string
}

// Client speaks the signaling wire protocol on behalf of the server-side
// peer. Callbacks are invoked from the read loop goroutine.
type Client struct {
	cfg ClientConfig

	OnConnect    func()
	OnSession    func(peerID string)
	OnSDP        func(sdpType, sdp string)
	OnICE        func(candidate ICECandidate)
	OnDisconnect func()
	OnError      func(err error)

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{cfg: cfg}
}

// Run connects and listens, reconnecting with a fixed backoff until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.connect(ctx); err != nil {
			clientLog.Warn("connection failed, retrying", "error", err, "delay", reconnectDelay)
		} else {
			c.listen(ctx)
			if c.OnDisconnect != nil {
				c.OnDisconnect()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if c.cfg.EnableTLS {
		// The embedded server commonly runs with a self-signed certificate.
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var header http.Header
	if c.cfg.EnableBasicAuth {
		auth := base64.StdEncoding.EncodeToString(
			[]byte(c.cfg.BasicAuthUser + ":" + c.cfg.BasicAuthPassword))
		header = http.Header{"Authorization": []string{"Basic " + auth}}
	}

	clientLog.Info("connecting to signaling server", "url", c.cfg.URL)
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("HELLO "+c.cfg.UID)); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *Client) listen(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	// Close the socket when ctx ends so ReadMessage unblocks.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				clientLog.Warn("signaling connection closed", "error", err)
			}
			return
		}
		c.handleMessage(string(data))
	}
}

func (c *Client) handleMessage(msg string) {
	switch {
	case msg == "HELLO":
		clientLog.Info("connection established with signaling server")
		if c.OnConnect != nil {
			c.OnConnect()
		}
	case strings.HasPrefix(msg, "SESSION"):
		toks := strings.Fields(msg)
		peerID := ""
		if len(toks) >= 2 {
			peerID = toks[1]
		}
		clientLog.Info("starting session", "peer", peerID)
		if c.OnSession != nil {
			c.OnSession(peerID)
		}
	case strings.HasPrefix(msg, "ERROR"):
		c.emitError(fmt.Errorf("signaling error message: %s", msg))
	default:
		var parsed sdpMessage
		if err := json.Unmarshal([]byte(msg), &parsed); err != nil {
			c.emitError(fmt.Errorf("error parsing message as JSON: %s", msg))
			return
		}
		switch {
		case parsed.SDP != nil:
			clientLog.Info("received SDP", "type", parsed.SDP.Type)
			if c.OnSDP != nil {
				c.OnSDP(parsed.SDP.Type, parsed.SDP.SDP)
			}
		case parsed.ICE != nil:
			clientLog.Debug("received ICE", "candidate", parsed.ICE.Candidate)
			if c.OnICE != nil {
				c.OnICE(*parsed.ICE)
			}
		default:
			c.emitError(fmt.Errorf("unhandled JSON message: %s", msg))
		}
	}
}

func (c *Client) emitError(err error) {
	if c.OnError != nil {
		c.OnError(err)
		return
	}
	clientLog.Warn("unhandled signaling error", "error", err)
}

// SetupCall asks the server to pair us with the given peer. The reply is
// SESSION_OK (surfaced through OnSession) or an ERROR frame when the peer
// has not registered yet.
func (c *Client) SetupCall(peerID string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling client not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, []byte("SESSION "+peerID))
}

// SendSDP relays a local description to the paired peer.
func (c *Client) SendSDP(sdpType, sdp string) error {
	msg, _ := json.Marshal(map[string]any{
		"sdp": map[string]string{"type": sdpType, "sdp": sdp},
	})
	return c.send(msg)
}

// SendICE relays a local ICE candidate to the paired peer.
func (c *Client) SendICE(mlineIndex int, candidate string) error {
	msg, _ := json.Marshal(map[string]any{
		"ice": map[string]any{"candidate": candidate, "sdpMLineIndex": mlineIndex},
	})
	return c.send(msg)
}

func (c *Client) send(msg []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling client not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, msg)
}
