package webrtc

import (
	"testing"

	"github.com/driftdesk/streamer/internal/rtc"
)

func fakeRTCConfig(t *testing.T) rtc.Config {
	t.Helper()
	cfg, err := rtc.ParseConfig([]byte(`{
	  "iceServers": [
	    {"urls": ["stun:stun.example.com:19302"]},
	    {"urls": ["turn:turn.example.com:3478?transport=udp"], "username": "u ser", "credential": "p@ss"}
	  ]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestFactoryInstallIsAtomic(t *testing.T) {
	f := NewFactory()

	// Before any install the factory serves the built-in default.
	if got := f.Current(); len(got.StunURIs) != 1 {
		t.Fatalf("expected default config, got %v", got.StunURIs)
	}

	installed := fakeRTCConfig(t)
	f.SetRTCConfig(installed)
	if got := f.Current(); len(got.TurnURIs) != 1 {
		t.Fatalf("install not visible: %v", got.TurnURIs)
	}
}

func TestHandleRemoteSDPRejectsNonAnswer(t *testing.T) {
	s := NewSession(SessionConfig{Encoder: "x264enc", Framerate: 60, Factory: NewFactory()})
	if err := s.HandleRemoteSDP("offer", "v=0"); err == nil {
		t.Fatal("sdp type other than answer must be rejected")
	}
}
