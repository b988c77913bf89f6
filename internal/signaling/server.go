// Package signaling implements the WebSocket signaling relay and its HTTP
// surface (health, TURN credentials, static web assets), plus the in-process
// client the streaming side uses to reach it.
package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftdesk/streamer/internal/config"
	"github.com/driftdesk/streamer/internal/logging"
	"github.com/driftdesk/streamer/internal/rtc"
)

var log = logging.L("signaling")

const (
	writeWait = 10 * time.Second

	// closeProtocolError mirrors RFC 6455 close code 1002.
	closeProtocolError = websocket.CloseProtocolError
)

// peer is one registered signaling participant.
// status: "" = idle, "session" = paired, anything else = a room id.
type peer struct {
	uid    string
	conn   *websocket.Conn
	addr   string
	status string
	meta   map[string]any

	// writeMu serializes frames; peers are written to from several
	// relaying goroutines.
	writeMu sync.Mutex
}

func (p *peer) send(msg string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (p *peer) ping() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.PingMessage, nil)
}

func (p *peer) closeWithReason(code int, reason string) {
	p.writeMu.Lock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	p.writeMu.Unlock()
	p.conn.Close()
}

// Server is the signaling relay. The peer registry is only mutated while
// holding mu; relayed frames preserve per-connection order because each
// connection is read by exactly one goroutine.
type Server struct {
	cfg *config.Config

	mu       sync.Mutex
	peers    map[string]*peer
	sessions map[string]string          // uid -> paired uid, symmetric
	rooms    map[string]map[string]bool // room id -> member uids

	rtcMu     sync.RWMutex
	rtcConfig rtc.Config

	httpServer *http.Server
	upgrader   websocket.Upgrader

	// streamHandler serves /websockets when the WebSocket transport mode is
	// active; swapped by the supervisor on mode changes.
	streamHandler atomic.Value // stores streamHolder

	certMtime time.Time

	// OnCertChanged fires when the TLS certificate files change on disk
	// (checked once a second while HTTPS is enabled).
	OnCertChanged func()
}

func NewServer(cfg *config.Config) *Server {
	s := &Server{
		cfg:      cfg,
		peers:    make(map[string]*peer),
		sessions: make(map[string]string),
		rooms:    make(map[string]map[string]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client and the in-process client are both local
			// or same-origin; basic auth is the access control layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if initial, err := rtc.ParseConfig([]byte(rtc.DefaultRawConfig)); err == nil {
		s.rtcConfig = initial
	}
	return s
}

// Handler returns the full HTTP surface: health, TURN credentials, the
// signaling websocket, and static assets, wrapped in the auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /turn", s.handleTURN)
	mux.HandleFunc("GET /turn/{$}", s.handleTURN)
	mux.HandleFunc("GET /{uid}/signalling", s.handleWebsocket)
	mux.HandleFunc("GET /{uid}/signalling/", s.handleWebsocket)
	mux.HandleFunc("GET /websockets", func(w http.ResponseWriter, r *http.Request) {
		if holder, ok := s.streamHandler.Load().(streamHolder); ok && holder.h != nil {
			holder.h.ServeHTTP(w, r)
			return
		}
		http.Error(w, "websocket transport not active", http.StatusServiceUnavailable)
	})
	if s.cfg.WebRoot != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.WebRoot)))
	}
	return s.basicAuthMiddleware(s.turnHeaderMiddleware(mux))
}

type streamHolder struct{ h http.Handler }

// SetStreamHandler installs (or clears, with nil) the /websockets transport
// endpoint.
func (s *Server) SetStreamHandler(h http.Handler) {
	s.streamHandler.Store(streamHolder{h: h})
}

// SetRTCConfig atomically installs a freshly resolved RTC configuration.
// Serves subsequent /turn requests; connected peers are unaffected.
func (s *Server) SetRTCConfig(cfg rtc.Config) {
	s.rtcMu.Lock()
	s.rtcConfig = cfg
	s.rtcMu.Unlock()
}

// Run starts the HTTP+WS listener and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Addr, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.EnableHTTPS {
			err = s.httpServer.ListenAndServeTLS(s.cfg.HTTPSCert, s.cfg.HTTPSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("signaling server listening", "addr", addr, "https", s.cfg.EnableHTTPS)

	certTicker := time.NewTicker(time.Second)
	defer certTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Shutdown()
		case err := <-errCh:
			return err
		case <-certTicker.C:
			if s.cfg.EnableHTTPS && s.certChanged() && s.OnCertChanged != nil {
				log.Info("TLS certificate changed")
				s.OnCertChanged()
			}
		}
	}
}

// Shutdown closes every peer socket and stops the HTTP listener.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[string]*peer)
	s.sessions = make(map[string]string)
	s.rooms = make(map[string]map[string]bool)
	s.mu.Unlock()

	for _, p := range peers {
		p.closeWithReason(websocket.CloseNormalClosure, "server shutdown")
	}

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) certChanged() bool {
	var latest time.Time
	for _, path := range []string{s.cfg.HTTPSCert, s.cfg.HTTPSKey} {
		if info, err := os.Stat(path); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	if s.certMtime.IsZero() {
		s.certMtime = latest
		return false
	}
	if latest.After(s.certMtime) {
		s.certMtime = latest
		return true
	}
	return false
}

// --- HTTP surface ---

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.EnableBasicAuth {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.cfg.BasicAuthUser || pass != s.cfg.BasicAuthPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="restricted", charset="UTF-8"`)
				http.Error(w, "Authorization required", http.StatusForbidden)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), usernameKey{}, user))
		}
		next.ServeHTTP(w, r)
	})
}

// turnHeaderMiddleware enforces the TURN username header for credential
// issuance when HMAC generation is configured and no basic-auth username is
// present.
func (s *Server) turnHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		turnUser := r.Header.Get(s.cfg.TURNAuthHeaderName)
		if turnUser != "" {
			r = r.WithContext(context.WithValue(r.Context(), turnUsernameKey{}, turnUser))
		}
		if s.cfg.TURNSharedSecret != "" && turnUser == "" && requestUsername(r) == "" {
			http.Error(w, "missing auth header", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type usernameKey struct{}
type turnUsernameKey struct{}

func requestUsername(r *http.Request) string {
	if u, ok := r.Context().Value(usernameKey{}).(string); ok {
		return u
	}
	return ""
}

func requestTURNUsername(r *http.Request) string {
	if u, ok := r.Context().Value(turnUsernameKey{}).(string); ok {
		return u
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *Server) handleTURN(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TURNSharedSecret != "" {
		user := requestUsername(r)
		if user == "" {
			user = requestTURNUsername(r)
		}
		log.Info("generating HMAC credential", "user", user)
		protocol := s.cfg.TURNProtocol
		if protocol != "tcp" {
			protocol = "udp"
		}
		data := rtc.GenerateHMACConfig(s.cfg.TURNHost, s.cfg.TURNPort, s.cfg.TURNSharedSecret,
			user, protocol, s.cfg.TURNTLS, time.Now())
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
		return
	}

	s.rtcMu.RLock()
	raw := s.rtcConfig.Raw
	s.rtcMu.RUnlock()
	if len(raw) == 0 {
		http.Error(w, "Missing RTC config", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// --- WebSocket protocol ---

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	p, err := s.helloPeer(conn, r.RemoteAddr)
	if err != nil {
		return
	}
	log.Info("registered peer", "uid", p.uid, "remote", p.addr, "meta", p.meta != nil)

	s.readLoop(p)
}

// helloPeer performs the HELLO exchange. A duplicate uid displaces the
// previously registered peer (closed with reason "already exists").
func (s *Server) helloPeer(conn *websocket.Conn, remoteAddr string) (*peer, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, err
	}

	toks := strings.SplitN(strings.TrimSpace(string(data)), " ", 3)
	if toks[0] != "HELLO" || len(toks) < 2 {
		closeRaw(conn, "invalid protocol")
		log.Error("invalid hello", "remote", remoteAddr)
		return nil, fmt.Errorf("invalid hello")
	}
	uid := toks[1]
	if uid == "" || strings.ContainsAny(uid, " \t\r\n") {
		closeRaw(conn, "missing or invalid peer uid")
		log.Error("missing or invalid uid", "remote", remoteAddr)
		return nil, fmt.Errorf("invalid uid")
	}

	var meta map[string]any
	if len(toks) == 3 {
		raw, err := base64.StdEncoding.DecodeString(toks[2])
		if err != nil || json.Unmarshal(raw, &meta) != nil {
			closeRaw(conn, "invalid peer meta")
			return nil, fmt.Errorf("invalid meta")
		}
	}

	s.mu.Lock()
	displaced := s.peers[uid]
	s.mu.Unlock()
	if displaced != nil {
		log.Warn("duplicate uid, displacing previous peer", "uid", uid)
		s.removePeer(displaced, "already exists")
	}

	p := &peer{uid: uid, conn: conn, addr: remoteAddr, meta: meta}
	s.mu.Lock()
	s.peers[uid] = p
	s.mu.Unlock()

	if err := p.send("HELLO"); err != nil {
		s.removePeer(p, "")
		return nil, err
	}
	return p, nil
}

func closeRaw(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeProtocolError, reason))
	conn.Close()
}

// readLoop receives frames until the peer disconnects. A side goroutine
// pings once every keepalive interval, whether or not frames arrived in
// between, so bad routers don't drop the idle connection.
func (s *Server) readLoop(p *peer) {
	keepalive := time.Duration(s.cfg.KeepaliveTimeout) * time.Second
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	deadline := 2 * keepalive

	p.conn.SetReadDeadline(time.Now().Add(deadline))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if p.ping() != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			s.removePeer(p, "")
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(deadline))
		s.dispatch(p, string(data))
	}
}

func (s *Server) dispatch(p *peer, msg string) {
	s.mu.Lock()
	status := ""
	if cur, ok := s.peers[p.uid]; ok && cur == p {
		status = cur.status
	}
	s.mu.Unlock()

	switch {
	case status == "session":
		s.relaySessionMessage(p, msg)
	case status != "":
		s.handleRoomMessage(p, status, msg)
	case strings.HasPrefix(msg, "SESSION "):
		s.handleSession(p, strings.TrimPrefix(msg, "SESSION "))
	case strings.HasPrefix(msg, "ROOM "):
		s.handleRoomJoin(p, strings.TrimPrefix(msg, "ROOM "))
	default:
		log.Info("ignoring unknown message", "uid", p.uid, "msg", msg)
		p.send(fmt.Sprintf("ERROR unknown command %q", firstToken(msg)))
	}
}

// relaySessionMessage forwards any text frame verbatim to the paired peer.
func (s *Server) relaySessionMessage(p *peer, msg string) {
	s.mu.Lock()
	otherID := s.sessions[p.uid]
	other := s.peers[otherID]
	s.mu.Unlock()

	if other == nil {
		p.send("ERROR session peer disconnected")
		return
	}
	if err := other.send(msg); err != nil {
		log.Warn("session relay failed", "from", p.uid, "to", otherID, "error", err)
	}
}

func (s *Server) handleSession(p *peer, calleeID string) {
	calleeID = strings.TrimSpace(calleeID)

	s.mu.Lock()
	callee, ok := s.peers[calleeID]
	if !ok {
		s.mu.Unlock()
		p.send(fmt.Sprintf("ERROR peer %q not found", calleeID))
		return
	}
	if callee.status != "" {
		s.mu.Unlock()
		p.send(fmt.Sprintf("ERROR peer %q busy", calleeID))
		return
	}

	meta64 := ""
	if callee.meta != nil {
		raw, _ := json.Marshal(callee.meta)
		meta64 = base64.StdEncoding.EncodeToString(raw)
	}

	p.status = "session"
	callee.status = "session"
	s.sessions[p.uid] = calleeID
	s.sessions[calleeID] = p.uid
	s.mu.Unlock()

	log.Info("session established", "caller", p.uid, "callee", calleeID)
	p.send("SESSION_OK " + meta64)
}

func (s *Server) handleRoomJoin(p *peer, roomID string) {
	// Room names cannot be "session", empty, or contain whitespace.
	if roomID == "session" || roomID == "" || strings.ContainsAny(roomID, " \t\r\n") {
		p.send(fmt.Sprintf("ERROR invalid room id %q", roomID))
		return
	}

	s.mu.Lock()
	room := s.rooms[roomID]
	if room == nil {
		room = make(map[string]bool)
		s.rooms[roomID] = room
	}

	others := make([]*peer, 0, len(room))
	names := make([]string, 0, len(room))
	for uid := range room {
		if member, ok := s.peers[uid]; ok {
			others = append(others, member)
			names = append(names, uid)
		}
	}
	p.status = roomID
	room[p.uid] = true
	s.mu.Unlock()

	p.send("ROOM_OK " + strings.Join(names, " "))
	for _, member := range others {
		member.send("ROOM_PEER_JOINED " + p.uid)
	}
}

func (s *Server) handleRoomMessage(p *peer, roomID, msg string) {
	switch {
	case strings.HasPrefix(msg, "ROOM_PEER_MSG "):
		rest := strings.TrimPrefix(msg, "ROOM_PEER_MSG ")
		otherID, body, found := strings.Cut(rest, " ")
		if !found {
			p.send("ERROR invalid ROOM_PEER_MSG")
			return
		}
		s.mu.Lock()
		other, ok := s.peers[otherID]
		inRoom := ok && other.status == roomID
		s.mu.Unlock()
		if !ok {
			p.send(fmt.Sprintf("ERROR peer %q not found", otherID))
			return
		}
		if !inRoom {
			p.send(fmt.Sprintf("ERROR peer %q is not in the room", otherID))
			return
		}
		other.send(fmt.Sprintf("ROOM_PEER_MSG %s %s", p.uid, body))

	case strings.TrimSpace(msg) == "ROOM_PEER_LIST":
		s.mu.Lock()
		names := make([]string, 0)
		for uid := range s.rooms[roomID] {
			if uid != p.uid {
				names = append(names, uid)
			}
		}
		s.mu.Unlock()
		p.send("ROOM_PEER_LIST " + strings.Join(names, " "))

	default:
		p.send("ERROR invalid msg, already in room")
	}
}

// removePeer cleans up sessions and rooms and closes the socket. When a
// session partner exists, its connection is closed too so its state resets.
func (s *Server) removePeer(p *peer, reason string) {
	s.mu.Lock()
	if cur, ok := s.peers[p.uid]; !ok || cur != p {
		// Already displaced by a newer registration.
		s.mu.Unlock()
		p.conn.Close()
		return
	}
	delete(s.peers, p.uid)

	var partner *peer
	if otherID, ok := s.sessions[p.uid]; ok {
		delete(s.sessions, p.uid)
		if _, ok := s.sessions[otherID]; ok {
			delete(s.sessions, otherID)
			if other, ok := s.peers[otherID]; ok {
				delete(s.peers, otherID)
				partner = other
			}
		}
	}

	var roomPeers []*peer
	if p.status != "" && p.status != "session" {
		if room, ok := s.rooms[p.status]; ok {
			delete(room, p.uid)
			for uid := range room {
				if member, ok := s.peers[uid]; ok {
					roomPeers = append(roomPeers, member)
				}
			}
			if len(room) == 0 {
				delete(s.rooms, p.status)
			}
		}
	}
	s.mu.Unlock()

	for _, member := range roomPeers {
		member.send("ROOM_PEER_LEFT " + p.uid)
	}
	if partner != nil {
		log.Info("closing session partner", "uid", partner.uid)
		partner.closeWithReason(websocket.CloseNormalClosure, "")
	}

	if reason != "" {
		p.closeWithReason(websocket.CloseNormalClosure, reason)
	} else {
		p.conn.Close()
	}
	log.Info("disconnected peer", "uid", p.uid, "remote", p.addr)
}

// PeerCount returns the number of registered peers.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func firstToken(s string) string {
	tok, _, _ := strings.Cut(strings.TrimSpace(s), " ")
	return tok
}
