package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/driftdesk/streamer/internal/config"
	"github.com/driftdesk/streamer/internal/logging"
)

var log = logging.L("rtc")

const cloudflareTURNEndpoint = "https://rtc.live.cloudflare.com/v1/turn/keys/%s/credentials/generate"

// Sink receives a freshly resolved configuration. The signaling server and
// the WebRTC session factory both implement it; installs are atomic on their
// side, and existing sessions keep their ICE state.
type Sink interface {
	SetRTCConfig(cfg Config)
}

// Resolver chooses the active configuration from the prioritized source list.
type Resolver struct {
	cfg    *config.Config
	client *http.Client
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve tries each source in priority order and returns the first success:
//  1. Cloudflare TURN API
//  2. Local JSON config file
//  3. Custom TURN REST endpoint
//  4. Long-term TURN credentials
//  5. HMAC shared-secret TURN
//  6. Built-in default (Google STUN)
func (r *Resolver) Resolve(ctx context.Context) Config {
	user := strings.ReplaceAll(r.cfg.TURNRESTUsername, ":", "-")
	protocol := "udp"
	if strings.EqualFold(r.cfg.TURNProtocol, "tcp") {
		protocol = "tcp"
	}

	if cfg, err := r.tryCloudflare(ctx); err == nil {
		return cfg
	} else if r.cfg.EnableCloudflareTURN {
		log.Warn("cloudflare TURN source failed", "error", err)
	}

	if cfg, err := r.tryJSONFile(); err == nil {
		log.Warn("using local JSON file for RTC config, overrides other STUN/TURN settings",
			"path", r.cfg.RTCConfigJSON)
		return cfg
	}

	if cfg, err := r.tryREST(ctx, user, protocol); err == nil {
		return cfg
	} else if r.cfg.TURNRESTURI != "" {
		log.Warn("TURN REST source failed, falling back", "error", err)
	}

	if cfg, err := r.tryLongTerm(protocol); err == nil {
		return cfg
	}

	if cfg, err := r.tryHMAC(user, protocol); err == nil {
		return cfg
	}

	log.Warn("no TURN server information available, using default RTC config")
	cfg, _ := ParseConfig([]byte(DefaultRawConfig))
	return cfg
}

func (r *Resolver) tryCloudflare(ctx context.Context) (Config, error) {
	if !r.cfg.EnableCloudflareTURN {
		return Config{}, errSourceUnavailable
	}
	if r.cfg.CloudflareTokenID == "" || r.cfg.CloudflareAPIToken == "" {
		return Config{}, fmt.Errorf("cloudflare TURN enabled but token id or api token missing")
	}

	payload, _ := json.Marshal(map[string]int{"ttl": int(credentialTTL.Seconds())})
	uri := fmt.Sprintf(cloudflareTURNEndpoint, r.cfg.CloudflareTokenID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(payload))
	if err != nil {
		return Config{}, err
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.CloudflareAPIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Config{}, fmt.Errorf("cloudflare request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Config{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Config{}, fmt.Errorf("cloudflare returned %d: %s", resp.StatusCode, body)
	}

	// The API returns a single iceServers object; wrap it into the usual
	// document shape before parsing.
	var cred struct {
		ICEServers iceServer `json:"iceServers"`
	}
	if err := json.Unmarshal(body, &cred); err != nil {
		return Config{}, fmt.Errorf("cloudflare response: %w", err)
	}
	wrapped, _ := json.Marshal(iceDocument{ICEServers: []iceServer{cred.ICEServers}})
	return ParseConfig(wrapped)
}

func (r *Resolver) tryJSONFile() (Config, error) {
	data, err := os.ReadFile(r.cfg.RTCConfigJSON)
	if err != nil {
		return Config{}, errSourceUnavailable
	}
	return ParseConfig(data)
}

// FetchREST retrieves an RTC config from a TURN REST endpoint; the username,
// desired protocol, and TLS flag travel in headers.
func FetchREST(ctx context.Context, client *http.Client, uri, user, userHeader, protocol, protocolHeader string, turnTLS bool, tlsHeader string) (Config, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Config{}, err
	}
	req.Header.Set(userHeader, user)
	req.Header.Set(protocolHeader, protocol)
	if turnTLS {
		req.Header.Set(tlsHeader, "true")
	} else {
		req.Header.Set(tlsHeader, "false")
	}

	resp, err := client.Do(req)
	if err != nil {
		return Config{}, fmt.Errorf("turn rest request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Config{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Config{}, fmt.Errorf("turn rest returned %d: %s", resp.StatusCode, body)
	}
	if len(body) == 0 {
		return Config{}, fmt.Errorf("turn rest returned an empty body")
	}
	return ParseConfig(body)
}

func (r *Resolver) tryREST(ctx context.Context, user, protocol string) (Config, error) {
	if r.cfg.TURNRESTURI == "" {
		return Config{}, errSourceUnavailable
	}
	return FetchREST(ctx, r.client, r.cfg.TURNRESTURI, user, r.cfg.TURNAuthHeaderName,
		protocol, r.cfg.TURNRESTProtocolHeader, r.cfg.TURNTLS, r.cfg.TURNRESTTLSHeader)
}

func (r *Resolver) tryLongTerm(protocol string) (Config, error) {
	if r.cfg.TURNUsername == "" || r.cfg.TURNPassword == "" || r.cfg.TURNHost == "" || r.cfg.TURNPort == 0 {
		return Config{}, errSourceUnavailable
	}
	log.Info("using long-term username/password TURN credentials")
	data := BuildLongTermConfig(r.cfg.TURNHost, r.cfg.TURNPort, r.cfg.TURNUsername, r.cfg.TURNPassword,
		protocol, r.cfg.TURNTLS, r.cfg.STUNHost, r.cfg.STUNPort)
	return ParseConfig(data)
}

func (r *Resolver) tryHMAC(user, protocol string) (Config, error) {
	if r.cfg.TURNSharedSecret == "" || r.cfg.TURNHost == "" || r.cfg.TURNPort == 0 {
		return Config{}, errSourceUnavailable
	}
	log.Info("using short-term shared secret HMAC TURN credentials")
	data := GenerateHMACConfig(r.cfg.TURNHost, r.cfg.TURNPort, r.cfg.TURNSharedSecret, user,
		protocol, r.cfg.TURNTLS, time.Now())
	return ParseConfig(data)
}

var errSourceUnavailable = fmt.Errorf("rtc config source not configured")
