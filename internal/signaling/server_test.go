package signaling

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftdesk/streamer/internal/config"
	"github.com/driftdesk/streamer/internal/rtc"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.WebRoot = ""
	cfg.KeepaliveTimeout = 30
	if mutate != nil {
		mutate(cfg)
	}
	s := NewServer(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, uid string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/" + uid + "/signalling"
}

func dialPeer(t *testing.T, ts *httptest.Server, uid string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, uid), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", uid, err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteMessage(websocket.TextMessage, []byte("HELLO "+uid)); err != nil {
		t.Fatalf("hello %s: %v", uid, err)
	}
	expectMessage(t, conn, "HELLO")
	return conn
}

func expectMessage(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading (want %q): %v", want, err)
	}
	if string(data) != want {
		t.Fatalf("expected %q, got %q", want, data)
	}
}

func expectPrefix(t *testing.T, conn *websocket.Conn, prefix string) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading (want prefix %q): %v", prefix, err)
	}
	if !strings.HasPrefix(string(data), prefix) {
		t.Fatalf("expected prefix %q, got %q", prefix, data)
	}
	return string(data)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", resp.StatusCode, body)
	}
}

func TestHealthBypassesBasicAuth(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.EnableBasicAuth = true
		c.BasicAuthUser = "user"
		c.BasicAuthPassword = "pass"
	})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health must bypass auth, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/turn")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("turn without credentials must be 403, got %d", resp.StatusCode)
	}
}

func TestTURNServesCachedConfig(t *testing.T) {
	s, ts := newTestServer(t, nil)
	raw := []byte(`{"iceServers":[{"urls":["stun:cached.example.com:3478"]}]}`)
	cfg, err := rtc.ParseConfig(raw)
	if err != nil {
		t.Fatal(err)
	}
	s.SetRTCConfig(cfg)

	resp, err := http.Get(ts.URL + "/turn")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != string(raw) {
		t.Fatalf("expected cached raw config, got %s", body)
	}
}

func TestTURNGeneratesHMACCredential(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.TURNSharedSecret = "secret"
		c.TURNHost = "turn.example.com"
		c.TURNPort = 3478
	})

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/turn", nil)
	req.Header.Set("x-auth-user", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var doc struct {
		ICEServers []struct {
			Username string `json:"username"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.ICEServers) != 2 || !strings.HasSuffix(doc.ICEServers[1].Username, "-alice") {
		t.Fatalf("expected generated credential for alice, got %+v", doc)
	}
}

func TestTURNMissingAuthHeader(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) {
		c.TURNSharedSecret = "secret"
		c.TURNHost = "turn.example.com"
		c.TURNPort = 3478
	})

	resp, err := http.Get(ts.URL + "/turn")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without auth header, got %d", resp.StatusCode)
	}
}

func TestHelloInvalidProtocol(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, []byte("BONJOUR 1"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if err == nil {
		t.Fatal("expected close")
	}
	if !websocket.IsCloseError(err, websocket.CloseProtocolError) {
		t.Fatalf("expected close code 1002, got %v (%T)", err, closeErr)
	}
}

func TestDuplicateHelloDisplacesOldPeer(t *testing.T) {
	s, ts := newTestServer(t, nil)

	first := dialPeer(t, ts, "1")
	_ = dialPeer(t, ts, "1")

	// The first socket must be closed with reason "already exists".
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	if err == nil {
		t.Fatal("expected first connection to be closed")
	}
	var ce *websocket.CloseError
	if !asCloseError(err, &ce) || ce.Text != "already exists" {
		t.Fatalf("expected close reason \"already exists\", got %v", err)
	}

	if n := s.PeerCount(); n != 1 {
		t.Fatalf("expected exactly one registered peer, got %d", n)
	}
}

func asCloseError(err error, out **websocket.CloseError) bool {
	ce, ok := err.(*websocket.CloseError)
	if ok {
		*out = ce
	}
	return ok
}

func TestSessionPairingAndRelay(t *testing.T) {
	_, ts := newTestServer(t, nil)

	server := dialPeer(t, ts, "0")
	client := dialPeer(t, ts, "1")

	client.WriteMessage(websocket.TextMessage, []byte("SESSION 0"))
	expectPrefix(t, client, "SESSION_OK")

	// Frames now relay verbatim in both directions.
	client.WriteMessage(websocket.TextMessage, []byte(`{"sdp":{"type":"answer","sdp":"v=0"}}`))
	expectMessage(t, server, `{"sdp":{"type":"answer","sdp":"v=0"}}`)

	server.WriteMessage(websocket.TextMessage, []byte(`{"ice":{"candidate":"c","sdpMLineIndex":0}}`))
	expectMessage(t, client, `{"ice":{"candidate":"c","sdpMLineIndex":0}}`)
}

func TestSessionUnknownPeer(t *testing.T) {
	_, ts := newTestServer(t, nil)
	client := dialPeer(t, ts, "1")
	client.WriteMessage(websocket.TextMessage, []byte("SESSION 42"))
	expectPrefix(t, client, "ERROR")
}

func TestSessionTeardownClosesPartner(t *testing.T) {
	_, ts := newTestServer(t, nil)

	server := dialPeer(t, ts, "0")
	client := dialPeer(t, ts, "1")
	client.WriteMessage(websocket.TextMessage, []byte("SESSION 0"))
	expectPrefix(t, client, "SESSION_OK")

	client.Close()

	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := server.ReadMessage(); err == nil {
		t.Fatal("expected partner socket to be closed after session teardown")
	}
}

func TestRoomJoinListAndMessage(t *testing.T) {
	_, ts := newTestServer(t, nil)

	a := dialPeer(t, ts, "a")
	b := dialPeer(t, ts, "b")

	a.WriteMessage(websocket.TextMessage, []byte("ROOM lobby"))
	expectMessage(t, a, "ROOM_OK ")

	b.WriteMessage(websocket.TextMessage, []byte("ROOM lobby"))
	expectMessage(t, b, "ROOM_OK a")
	expectMessage(t, a, "ROOM_PEER_JOINED b")

	b.WriteMessage(websocket.TextMessage, []byte("ROOM_PEER_LIST"))
	expectMessage(t, b, "ROOM_PEER_LIST a")

	b.WriteMessage(websocket.TextMessage, []byte("ROOM_PEER_MSG a hello there"))
	expectMessage(t, a, "ROOM_PEER_MSG b hello there")

	b.Close()
	expectMessage(t, a, "ROOM_PEER_LEFT b")
}

func TestRoomInvalidIDs(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "a")

	a.WriteMessage(websocket.TextMessage, []byte("ROOM session"))
	expectPrefix(t, a, "ERROR")
}

func TestUnknownCommandKeepsConnection(t *testing.T) {
	_, ts := newTestServer(t, nil)
	a := dialPeer(t, ts, "a")

	a.WriteMessage(websocket.TextMessage, []byte("FROB x"))
	expectPrefix(t, a, "ERROR")

	// The connection survives; a valid command still works.
	a.WriteMessage(websocket.TextMessage, []byte("ROOM lobby"))
	expectPrefix(t, a, "ROOM_OK")
}
