package rtc

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/driftdesk/streamer/internal/config"
)

// monitorPeriod is how often the HMAC and REST monitors re-resolve. Existing
// sessions keep their ICE state; only sessions created after a publish see
// the new configuration.
const monitorPeriod = 60 * time.Second

// publish hands a fresh config to every sink.
func publish(sinks []Sink, cfg Config) {
	for _, s := range sinks {
		s.SetRTCConfig(cfg)
	}
}

// HMACMonitor periodically regenerates short-term HMAC TURN credentials so
// clients never receive an expired credential set.
type HMACMonitor struct {
	cfg   *config.Config
	sinks []Sink
}

func NewHMACMonitor(cfg *config.Config, sinks ...Sink) *HMACMonitor {
	return &HMACMonitor{cfg: cfg, sinks: sinks}
}

// Enabled reports whether the monitor has the settings it needs to run.
func (m *HMACMonitor) Enabled() bool {
	return m.cfg.TURNSharedSecret != "" && m.cfg.TURNHost != "" && m.cfg.TURNPort != 0
}

func (m *HMACMonitor) Run(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	log.Info("HMAC RTC monitor started")
	defer log.Info("HMAC RTC monitor stopped")

	ticker := time.NewTicker(monitorPeriod)
	defer ticker.Stop()

	user := strings.ReplaceAll(m.cfg.TURNRESTUsername, ":", "-")
	protocol := "udp"
	if strings.EqualFold(m.cfg.TURNProtocol, "tcp") {
		protocol = "tcp"
	}

	for {
		data := GenerateHMACConfig(m.cfg.TURNHost, m.cfg.TURNPort, m.cfg.TURNSharedSecret,
			user, protocol, m.cfg.TURNTLS, time.Now())
		if cfg, err := ParseConfig(data); err != nil {
			log.Warn("could not build TURN HMAC config in periodic monitor", "error", err)
		} else {
			publish(m.sinks, cfg)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RESTMonitor periodically refreshes credentials from a TURN REST endpoint.
type RESTMonitor struct {
	cfg    *config.Config
	sinks  []Sink
	client *http.Client
}

func NewRESTMonitor(cfg *config.Config, sinks ...Sink) *RESTMonitor {
	return &RESTMonitor{
		cfg:    cfg,
		sinks:  sinks,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *RESTMonitor) Enabled() bool { return m.cfg.TURNRESTURI != "" }

func (m *RESTMonitor) Run(ctx context.Context) {
	if !m.Enabled() {
		return
	}
	log.Info("TURN REST RTC monitor started")
	defer log.Info("TURN REST RTC monitor stopped")

	ticker := time.NewTicker(monitorPeriod)
	defer ticker.Stop()

	user := strings.ReplaceAll(m.cfg.TURNRESTUsername, ":", "-")
	protocol := "udp"
	if strings.EqualFold(m.cfg.TURNProtocol, "tcp") {
		protocol = "tcp"
	}

	for {
		cfg, err := FetchREST(ctx, m.client, m.cfg.TURNRESTURI, user, m.cfg.TURNAuthHeaderName,
			protocol, m.cfg.TURNRESTProtocolHeader, m.cfg.TURNTLS, m.cfg.TURNRESTTLSHeader)
		if err != nil {
			log.Warn("could not fetch TURN REST config in periodic monitor", "error", err)
		} else {
			publish(m.sinks, cfg)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// FileMonitor watches a local RTC config JSON file and republishes on every
// write or create event for it, so a file written in several steps is
// re-read once per step.
type FileMonitor struct {
	path  string
	sinks []Sink
}

func NewFileMonitor(path string, sinks ...Sink) *FileMonitor {
	return &FileMonitor{path: path, sinks: sinks}
}

func (m *FileMonitor) Enabled() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *FileMonitor) Run(ctx context.Context) {
	if !m.Enabled() {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("could not create RTC config file watcher", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(m.path); err != nil {
		log.Warn("could not watch RTC config file", "path", m.path, "error", err)
		return
	}
	log.Info("RTC config file monitor started", "path", m.path)
	defer log.Info("RTC config file monitor stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			log.Info("detected RTC JSON file change", "path", event.Name)
			data, err := os.ReadFile(m.path)
			if err != nil {
				log.Warn("could not read RTC JSON file", "path", m.path, "error", err)
				continue
			}
			cfg, err := ParseConfig(data)
			if err != nil {
				log.Warn("could not parse RTC JSON file", "path", m.path, "error", err)
				continue
			}
			publish(m.sinks, cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn("RTC config file watcher error", "error", err)
		}
	}
}
