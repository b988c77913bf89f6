package signaling

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftdesk/streamer/internal/config"
)

func TestClientSpeaksProtocol(t *testing.T) {
	cfg := config.Default()
	cfg.WebRoot = ""
	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	connected := make(chan struct{}, 1)
	gotSDP := make(chan string, 1)
	gotICE := make(chan ICECandidate, 1)
	gotSession := make(chan string, 1)

	client := NewClient(ClientConfig{URL: wsURL(ts, "0"), UID: "0"})
	client.OnConnect = func() { connected <- struct{}{} }
	client.OnSession = func(peerID string) { gotSession <- peerID }
	client.OnSDP = func(sdpType, sdp string) { gotSDP <- sdpType + "/" + sdp }
	client.OnICE = func(c ICECandidate) { gotICE <- c }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("client did not connect")
	}

	// Browser-side peer pairs with the client and relays an answer + ICE.
	browser := dialPeer(t, ts, "1")
	browser.WriteMessage(websocket.TextMessage, []byte("SESSION 0"))
	expectPrefix(t, browser, "SESSION_OK")

	browser.WriteMessage(websocket.TextMessage, []byte(`{"sdp":{"type":"answer","sdp":"v=0"}}`))
	select {
	case got := <-gotSDP:
		if got != "answer/v=0" {
			t.Fatalf("unexpected sdp callback: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sdp callback not fired")
	}

	browser.WriteMessage(websocket.TextMessage, []byte(`{"ice":{"candidate":"cand","sdpMLineIndex":0}}`))
	select {
	case c := <-gotICE:
		if c.Candidate != "cand" || c.SDPMLineIndex == nil || *c.SDPMLineIndex != 0 {
			t.Fatalf("unexpected ice callback: %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ice callback not fired")
	}

	// The SESSION relay path: the server forwards text to the paired peer.
	if err := client.SendSDP("offer", "o=me"); err != nil {
		t.Fatalf("SendSDP: %v", err)
	}
	msg := expectPrefix(t, browser, `{"sdp"`)
	if !strings.Contains(msg, `"offer"`) {
		t.Fatalf("relayed offer missing type: %s", msg)
	}

	select {
	case <-gotSession:
		// SESSION messages are only sent to callers; the callee just relays.
		t.Fatal("callee should not receive a SESSION message")
	default:
	}
}

func TestClientReconnectsWithBackoff(t *testing.T) {
	// Reserve a port, leave it closed during the first attempts.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	var hellos atomic.Int32
	url := fmt.Sprintf("ws://127.0.0.1:%d/0/signalling", port)

	connected := make(chan struct{}, 1)
	client := NewClient(ClientConfig{URL: url, UID: "0"})
	client.OnConnect = func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	// Let at least two attempts fail before the server appears.
	time.Sleep(2*reconnectDelay + 500*time.Millisecond)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/0/signalling", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "HELLO 0" {
			hellos.Add(1)
		}
		conn.WriteMessage(websocket.TextMessage, []byte("HELLO"))
		// Keep the connection open until the test ends.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	srv := &http.Server{Handler: mux}
	l2, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("re-listen: %v", err)
	}
	go srv.Serve(l2)
	defer srv.Close()

	select {
	case <-connected:
	case <-time.After(3 * reconnectDelay):
		t.Fatal("client never connected after server came up")
	}

	// Give the client a moment to (incorrectly) reconnect if it were going to.
	time.Sleep(300 * time.Millisecond)
	if n := hellos.Load(); n != 1 {
		t.Fatalf("expected exactly one HELLO 0, got %d", n)
	}
}
