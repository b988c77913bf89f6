package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	streammedia "github.com/driftdesk/streamer/internal/media"
	"github.com/driftdesk/streamer/internal/logging"
	"github.com/driftdesk/streamer/internal/streamerrors"
)

var log = logging.L("webrtc")

// keyframeRateLimit bounds how often PLI/FIR feedback can force an IDR.
const keyframeRateLimit = 500 * time.Millisecond

// SessionConfig wires one negotiation attempt.
type SessionConfig struct {
	Encoder   string
	Framerate int
	Pipeline  streammedia.Pipeline
	Factory   *Factory
}

// Session owns one peer connection: two outbound media tracks fed from the
// pipeline bridges, the ordered-unreliable "input" channel, and an optional
// client-created channel for file transfer.
type Session struct {
	id  string
	cfg SessionConfig
	log *slog.Logger

	// Signaling-facing callbacks. OnSDP delivers the munged local offer;
	// OnICE delivers local candidates as they gather.
	OnSDP func(sdpType, sdp string)
	OnICE func(mlineIndex int, candidate string)

	// OnInputMessage receives text frames from the "input" channel.
	OnInputMessage func(data []byte)
	// OnFileMessage receives binary frames from the auxiliary channel.
	OnFileMessage func(data []byte)
	// OnDataOpen fires when the input channel opens.
	OnDataOpen func()
	// OnClosed fires once when the connection ends for any reason.
	OnClosed func()

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	videoTrack  *webrtc.TrackLocalStaticSample
	audioTrack  *webrtc.TrackLocalStaticSample
	dataChannel *webrtc.DataChannel
	auxChannel  *webrtc.DataChannel
	connected   bool
	lastCursor  any

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewSession(cfg SessionConfig) *Session {
	id := uuid.NewString()
	return &Session{id: id, cfg: cfg, log: logging.WithSession(log, id)}
}

// Start builds the peer connection, adds tracks and channels, forces the
// preferred codec, and emits the munged offer through OnSDP.
func (s *Session) Start(ctx context.Context) error {
	mime, err := mimeForEncoder(s.cfg.Encoder)
	if err != nil {
		return fmt.Errorf("%w: %v", streamerrors.ErrNegotiation, err)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("%w: registering codecs: %v", streamerrors.ErrNegotiation, err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   iceServers(s.cfg.Factory.Current()),
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return fmt.Errorf("%w: creating peer connection: %v", streamerrors.ErrNegotiation, err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000},
		"video", "stream")
	if err != nil {
		s.Close()
		return fmt.Errorf("%w: creating video track: %v", streamerrors.ErrNegotiation, err)
	}
	videoSender, err := pc.AddTrack(videoTrack)
	if err != nil {
		s.Close()
		return fmt.Errorf("%w: adding video track: %v", streamerrors.ErrNegotiation, err)
	}
	s.videoTrack = videoTrack

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "stream")
	if err != nil {
		s.Close()
		return fmt.Errorf("%w: creating audio track: %v", streamerrors.ErrNegotiation, err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		s.Close()
		return fmt.Errorf("%w: adding audio track: %v", streamerrors.ErrNegotiation, err)
	}
	s.audioTrack = audioTrack

	// Force the chosen codec (and its RTX) on the video transceiver.
	if prefs := codecPreferences(mime); prefs != nil {
		for _, t := range pc.GetTransceivers() {
			if t.Sender() == videoSender {
				if err := t.SetCodecPreferences(prefs); err != nil {
					log.Warn("could not force codec preferences", "mime", mime, "error", err)
				}
				break
			}
		}
	}

	// The input channel is ordered but unreliable: stale input is worthless.
	ordered := true
	maxRetransmits := uint16(0)
	dc, err := pc.CreateDataChannel("input", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		s.Close()
		return fmt.Errorf("%w: creating input channel: %v", streamerrors.ErrNegotiation, err)
	}
	s.mu.Lock()
	s.dataChannel = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.log.Info("input data channel open")
		if s.OnDataOpen != nil {
			s.OnDataOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString && s.OnInputMessage != nil {
			s.OnInputMessage(msg.Data)
		}
	})

	// The client may open a second channel for file transfer at any time.
	pc.OnDataChannel(func(ch *webrtc.DataChannel) {
		s.log.Info("auxiliary data channel opened", "label", ch.Label())
		s.mu.Lock()
		s.auxChannel = ch
		s.mu.Unlock()
		ch.OnMessage(func(msg webrtc.DataChannelMessage) {
			if !msg.IsString && s.OnFileMessage != nil {
				s.OnFileMessage(msg.Data)
			}
		})
		ch.OnClose(func() {
			log.Info("auxiliary data channel closed", "label", ch.Label())
		})
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.OnICE == nil {
			return
		}
		init := c.ToJSON()
		mline := 0
		if init.SDPMLineIndex != nil {
			mline = int(*init.SDPMLineIndex)
		}
		s.OnICE(mline, init.Candidate)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.mu.Lock()
			s.connected = true
			s.mu.Unlock()
		case webrtc.PeerConnectionStateFailed:
			pc.Close()
		case webrtc.PeerConnectionStateDisconnected:
			log.Warn("peer connection disconnected")
		case webrtc.PeerConnectionStateClosed:
			s.Close()
		}
	})

	// PLI/FIR from the receiver becomes a pipeline keyframe request.
	s.wg.Add(1)
	go s.rtcpLoop(videoSender)

	s.wg.Add(1)
	go s.pumpVideo()
	s.wg.Add(1)
	go s.pumpAudio()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.Close()
		return fmt.Errorf("%w: creating offer: %v", streamerrors.ErrNegotiation, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.Close()
		return fmt.Errorf("%w: setting local description: %v", streamerrors.ErrNegotiation, err)
	}

	munged := MungeSDP(offer.SDP, s.cfg.Encoder)
	if s.OnSDP != nil {
		s.OnSDP("offer", munged)
	}
	return nil
}

// HandleRemoteSDP installs the peer's answer. Any other SDP type aborts the
// session.
func (s *Session) HandleRemoteSDP(sdpType, sdp string) error {
	if sdpType != "answer" {
		return fmt.Errorf("%w: sdp type was not \"answer\": %q", streamerrors.ErrNegotiation, sdpType)
	}
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("%w: no active peer connection", streamerrors.ErrNegotiation)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("%w: setting remote description: %v", streamerrors.ErrNegotiation, err)
	}
	return nil
}

// HandleRemoteICE adds a relayed candidate. An empty candidate string marks
// the end of gathering.
func (s *Session) HandleRemoteICE(candidate string, mlineIndex *uint16, mid *string) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("%w: no active peer connection", streamerrors.ErrNegotiation)
	}

	init := webrtc.ICECandidateInit{Candidate: candidate}
	if mid != nil {
		init.SDPMid = mid
	} else {
		init.SDPMLineIndex = mlineIndex
	}
	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: adding ice candidate: %v", streamerrors.ErrNegotiation, err)
	}
	return nil
}

// rtcpLoop drains sender feedback; PLI and FIR force a fresh keyframe, rate
// limited so feedback storms cannot flood the encoder.
func (s *Session) rtcpLoop(sender *webrtc.RTPSender) {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	var lastKeyframe time.Time
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if time.Since(lastKeyframe) < keyframeRateLimit {
					continue
				}
				lastKeyframe = time.Now()
				log.Info("PLI received, requesting keyframe")
				if err := s.cfg.Pipeline.RequestKeyframe(); err != nil {
					log.Warn("keyframe request failed", "error", err)
				}
			}
		}
	}
}

// pumpVideo moves encoded frames from the video bridge into the RTP track.
// Sample durations derive from consecutive 90 kHz PTS deltas.
func (s *Session) pumpVideo() {
	defer s.wg.Done()

	fallback := time.Second / time.Duration(max(s.cfg.Framerate, 1))
	var prevPTS int64 = -1
	for {
		frame, err := s.cfg.Pipeline.VideoFrames().Recv(s.ctx)
		if err != nil {
			return
		}
		duration := fallback
		if prevPTS >= 0 && frame.PTS > prevPTS {
			duration = time.Duration((frame.PTS - prevPTS) * int64(time.Second) / 90000)
		}
		prevPTS = frame.PTS

		if err := s.videoTrack.WriteSample(media.Sample{Data: frame.Data, Duration: duration}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warn("writing video sample", "error", err)
		}
	}
}

// pumpAudio mirrors pumpVideo at the audio clock rate.
func (s *Session) pumpAudio() {
	defer s.wg.Done()

	clockRate := int64(s.cfg.Pipeline.AudioClockRate())
	if clockRate <= 0 {
		clockRate = 48000
	}
	fallback := 10 * time.Millisecond
	var prevPTS int64 = -1
	for {
		frame, err := s.cfg.Pipeline.AudioFrames().Recv(s.ctx)
		if err != nil {
			return
		}
		duration := fallback
		if prevPTS >= 0 && frame.PTS > prevPTS {
			duration = time.Duration((frame.PTS - prevPTS) * int64(time.Second) / clockRate)
		}
		prevPTS = frame.PTS

		if err := s.audioTrack.WriteSample(media.Sample{Data: frame.Data, Duration: duration}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Warn("writing audio sample", "error", err)
		}
	}
}

// SendFile writes a binary frame on the auxiliary channel when present.
func (s *Session) SendFile(data []byte) error {
	s.mu.Lock()
	ch := s.auxChannel
	s.mu.Unlock()
	if ch == nil || ch.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("no open file transfer channel")
	}
	return ch.Send(data)
}

// Connected reports whether the peer connection reached the connected state.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close tears the session down. Safe to call multiple times; fires OnClosed
// once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		pc := s.pc
		s.pc = nil
		s.connected = false
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		if pc != nil {
			pc.Close()
		}
		s.wg.Wait()

		s.log.Info("webrtc session closed")
		if s.OnClosed != nil {
			s.OnClosed()
		}
	})
}
