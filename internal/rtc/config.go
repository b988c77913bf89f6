// Package rtc resolves the STUN/TURN configuration used by the signaling
// server and the WebRTC session. Configurations arrive from several sources
// with a fixed priority order and are re-resolved periodically by monitors.
package rtc

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// DefaultRawConfig is the built-in fallback: Google STUN only.
const DefaultRawConfig = `{
  "lifetimeDuration": "86400s",
  "iceServers": [
    {
      "urls": [
        "stun:stun.l.google.com:19302"
      ]
    }
  ],
  "blockStatus": "NOT_BLOCKED",
  "iceTransportPolicy": "all"
}`

// credentialTTL is the lifetime of generated TURN credentials.
const credentialTTL = 24 * time.Hour

// Config is a resolved ICE server set. StunURIs use stun://host:port,
// TurnURIs use turn(s)://user:pass@host:port with URL-escaped credentials.
// Raw preserves the source JSON for clients that consume it directly.
type Config struct {
	StunURIs []string
	TurnURIs []string
	Raw      []byte
}

type iceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type iceDocument struct {
	ICEServers []iceServer `json:"iceServers"`
}

// ParseConfig walks iceServers[].urls, classifying entries by scheme.
func ParseConfig(data []byte) (Config, error) {
	var doc iceDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parsing rtc config: %w", err)
	}

	cfg := Config{Raw: data}
	for _, server := range doc.ICEServers {
		for _, u := range server.URLs {
			scheme, rest, found := strings.Cut(u, ":")
			if !found {
				continue
			}
			hostPort, _, _ := strings.Cut(rest, "?")
			switch scheme {
			case "stun":
				cfg.StunURIs = append(cfg.StunURIs, "stun://"+hostPort)
			case "turn", "turns":
				cfg.TurnURIs = append(cfg.TurnURIs, fmt.Sprintf("%s://%s:%s@%s",
					scheme,
					url.QueryEscape(server.Username),
					url.QueryEscape(server.Credential),
					hostPort))
			}
		}
	}
	return cfg, nil
}

// GenerateHMACConfig builds an RTC config JSON with short-term TURN
// credentials derived from a shared secret:
// username = "<expiry>-<user>", password = base64(HMAC-SHA1(secret, username)).
func GenerateHMACConfig(turnHost string, turnPort int, sharedSecret, user, protocol string, turnTLS bool, now time.Time) []byte {
	// Colons collide with the credential separator.
	user = strings.ReplaceAll(user, ":", "-")

	exp := now.Unix() + int64(credentialTTL.Seconds())
	username := fmt.Sprintf("%d-%s", exp, user)

	mac := hmac.New(sha1.New, []byte(sharedSecret))
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	turnScheme := "turn"
	if turnTLS {
		turnScheme = "turns"
	}

	doc := map[string]any{
		"lifetimeDuration":   fmt.Sprintf("%ds", int(credentialTTL.Seconds())),
		"blockStatus":        "NOT_BLOCKED",
		"iceTransportPolicy": "all",
		"iceServers": []map[string]any{
			{
				"urls": []string{fmt.Sprintf("stun:%s:%d", turnHost, turnPort)},
			},
			{
				"urls":       []string{fmt.Sprintf("%s:%s:%d?transport=%s", turnScheme, turnHost, turnPort, protocol)},
				"username":   username,
				"credential": password,
			},
		},
	}
	data, _ := json.MarshalIndent(doc, "", "  ")
	return data
}

// BuildLongTermConfig builds an RTC config JSON from static TURN credentials.
// A distinct STUN host is listed first when provided, and the Google STUN
// fallback is appended unless the TURN host already is it.
func BuildLongTermConfig(turnHost string, turnPort int, username, password, protocol string, turnTLS bool, stunHost string, stunPort int) []byte {
	stunList := []string{fmt.Sprintf("stun:%s:%d", turnHost, turnPort)}
	if stunHost != "" && stunPort != 0 && (stunHost != turnHost || stunPort != turnPort) {
		stunList = append([]string{fmt.Sprintf("stun:%s:%d", stunHost, stunPort)}, stunList...)
	}
	if turnHost != "stun.l.google.com" || turnPort != 19302 {
		stunList = append(stunList, "stun:stun.l.google.com:19302")
	}

	turnScheme := "turn"
	if turnTLS {
		turnScheme = "turns"
	}

	doc := map[string]any{
		"lifetimeDuration":   "86400s",
		"blockStatus":        "NOT_BLOCKED",
		"iceTransportPolicy": "all",
		"iceServers": []map[string]any{
			{
				"urls": stunList,
			},
			{
				"urls":       []string{fmt.Sprintf("%s:%s:%d?transport=%s", turnScheme, turnHost, turnPort, protocol)},
				"username":   username,
				"credential": password,
			},
		},
	}
	data, _ := json.MarshalIndent(doc, "", "  ")
	return data
}
