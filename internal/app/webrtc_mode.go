package app

import (
	"context"
	"fmt"
	"time"

	"github.com/driftdesk/streamer/internal/input"
	"github.com/driftdesk/streamer/internal/media"
	"github.com/driftdesk/streamer/internal/signaling"
	streamwebrtc "github.com/driftdesk/streamer/internal/webrtc"
)

// callRetryDelay paces SESSION attempts while the browser peer has not
// registered yet.
const callRetryDelay = 2 * time.Second

// webrtcMode runs the WebRTC transport: an in-process signaling client pairs
// with the browser, then each SESSION_OK spins up the pipeline and a fresh
// peer connection.
func (a *App) webrtcMode(ctx context.Context) error {
	modeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pipeline, err := a.buildPipeline(func(fatal error) {
		log.Error("pipeline failure, collapsing session", "error", fatal)
		a.closeSession()
	})
	if err != nil {
		return fmt.Errorf("building media pipeline: %w", err)
	}
	defer pipeline.Stop()

	handler := input.NewHandler(a.injector, a.inputEvents(modeCtx, pipeline),
		a.cfg.GamepadEnabled, a.cfg.ClipboardEnabled)

	scheme := "ws"
	if a.cfg.EnableHTTPS {
		scheme = "wss"
	}
	client := signaling.NewClient(signaling.ClientConfig{
		URL:               fmt.Sprintf("%s://127.0.0.1:%d/%s/signalling", scheme, a.cfg.Port, serverPeerID),
		UID:               serverPeerID,
		EnableTLS:         a.cfg.EnableHTTPS,
		EnableBasicAuth:   a.cfg.EnableBasicAuth,
		BasicAuthUser:     a.cfg.BasicAuthUser,
		BasicAuthPassword: a.cfg.BasicAuthPassword,
	})

	client.OnConnect = func() {
		go a.callLoop(modeCtx, client)
	}

	client.OnSession = func(peerID string) {
		log.Info("session established, starting pipeline", "peer", peerID)
		if err := a.startSession(modeCtx, pipeline, client, handler); err != nil {
			log.Error("starting session failed", "error", err)
			a.closeSession()
		}
	}

	client.OnSDP = func(sdpType, sdp string) {
		a.mu.Lock()
		session := a.session
		a.mu.Unlock()
		if session == nil {
			log.Warn("dropping SDP without active session", "type", sdpType)
			return
		}
		if err := session.HandleRemoteSDP(sdpType, sdp); err != nil {
			log.Error("remote SDP rejected, aborting session", "error", err)
			a.closeSession()
		}
	}

	client.OnICE = func(candidate signaling.ICECandidate) {
		a.mu.Lock()
		session := a.session
		a.mu.Unlock()
		if session == nil {
			return
		}
		if err := session.HandleRemoteICE(candidate.Candidate, candidate.SDPMLineIndex, candidate.SDPMid); err != nil {
			log.Warn("remote ICE rejected", "error", err)
		}
	}

	client.OnDisconnect = func() {
		log.Info("signaling disconnected, stopping session and pipeline")
		a.closeSession()
		if err := pipeline.Stop(); err != nil {
			log.Warn("stopping pipeline", "error", err)
		}
	}

	client.OnError = func(err error) {
		log.Warn("signaling error", "error", err)
	}

	// Blocks until the mode is cancelled; reconnects internally.
	client.Run(modeCtx)

	a.closeSession()
	return nil
}

// callLoop retries SESSION setup until a session exists or the mode ends.
func (a *App) callLoop(ctx context.Context, client *signaling.Client) {
	ticker := time.NewTicker(callRetryDelay)
	defer ticker.Stop()

	for {
		a.mu.Lock()
		active := a.session != nil
		a.mu.Unlock()
		if !active {
			if err := client.SetupCall(clientPeerID); err != nil {
				log.Debug("session setup attempt failed", "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// startSession starts the pipeline and negotiates one peer connection.
func (a *App) startSession(ctx context.Context, pipeline media.Pipeline, client *signaling.Client, handler *input.Handler) error {
	if err := pipeline.Start(ctx); err != nil {
		return err
	}

	session := streamwebrtc.NewSession(streamwebrtc.SessionConfig{
		Encoder:   a.cfg.Encoder,
		Framerate: a.cfg.Framerate.Value,
		Pipeline:  pipeline,
		Factory:   a.factory,
	})

	session.OnSDP = func(sdpType, sdp string) {
		if err := client.SendSDP(sdpType, sdp); err != nil {
			log.Warn("sending SDP failed", "error", err)
		}
	}
	session.OnICE = func(mlineIndex int, candidate string) {
		if err := client.SendICE(mlineIndex, candidate); err != nil {
			log.Warn("sending ICE failed", "error", err)
		}
	}
	session.OnInputMessage = handler.HandleMessage
	session.OnFileMessage = func(data []byte) {
		if !a.cfg.FileUploadEnabled {
			log.Warn("file upload disabled, dropping frame")
			return
		}
		log.Debug("file transfer frame received", "bytes", len(data))
	}
	session.OnDataOpen = func() {
		log.Info("data channel open, sending server settings")
		if err := session.SendServerSettings(a.serverSettings()); err != nil {
			log.Warn("sending server settings", "error", err)
		}
		session.ResendCursor()
		a.broadcast("pipeline", map[string]string{"status": "running"})
	}
	session.OnClosed = func() {
		a.mu.Lock()
		if a.session == session {
			a.session = nil
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	old := a.session
	a.session = session
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}

	a.initStatsWriters()

	if err := session.Start(ctx); err != nil {
		a.closeSession()
		return err
	}
	return nil
}

func (a *App) closeSession() {
	a.mu.Lock()
	session := a.session
	a.session = nil
	a.mu.Unlock()
	if session != nil {
		session.Close()
	}
}
