package webrtc

import (
	"net/url"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/driftdesk/streamer/internal/rtc"
)

// Factory hands the most recently installed RTC configuration to each new
// session. Installs are atomic; sessions already negotiated keep their ICE
// state.
type Factory struct {
	mu  sync.RWMutex
	cfg rtc.Config
}

func NewFactory() *Factory {
	f := &Factory{}
	if cfg, err := rtc.ParseConfig([]byte(rtc.DefaultRawConfig)); err == nil {
		f.cfg = cfg
	}
	return f
}

// SetRTCConfig implements rtc.Sink.
func (f *Factory) SetRTCConfig(cfg rtc.Config) {
	f.mu.Lock()
	f.cfg = cfg
	f.mu.Unlock()
}

// Current returns the configuration new sessions should use.
func (f *Factory) Current() rtc.Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg
}

// iceServers converts resolved stun:// and turn(s):// URIs into pion ICE
// server entries.
func iceServers(cfg rtc.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.StunURIs)+len(cfg.TurnURIs))

	stunURLs := make([]string, 0, len(cfg.StunURIs))
	for _, uri := range cfg.StunURIs {
		stunURLs = append(stunURLs, "stun:"+strings.TrimPrefix(uri, "stun://"))
	}
	if len(stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stunURLs})
	}

	for _, uri := range cfg.TurnURIs {
		scheme, rest, found := strings.Cut(uri, "://")
		if !found {
			continue
		}
		creds, hostPort, found := strings.Cut(rest, "@")
		if !found {
			continue
		}
		user, pass, _ := strings.Cut(creds, ":")
		username, _ := url.QueryUnescape(user)
		credential, _ := url.QueryUnescape(pass)
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{scheme + ":" + hostPort},
			Username:       username,
			Credential:     credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{URLs: []string{"stun:stun.l.google.com:19302"}})
	}
	return servers
}
