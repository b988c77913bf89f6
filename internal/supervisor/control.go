package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ControlPlane is the loopback HTTP surface for mode switching:
// POST /switch and GET /status.
type ControlPlane struct {
	supervisor     *Supervisor
	port           int
	enableDualMode bool
	server         *http.Server
}

func NewControlPlane(s *Supervisor, port int, enableDualMode bool) *ControlPlane {
	return &ControlPlane{supervisor: s, port: port, enableDualMode: enableDualMode}
}

// Handler returns the control-plane routes.
func (c *ControlPlane) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /switch", c.handleSwitch)
	mux.HandleFunc("GET /status", c.handleStatus)
	return mux
}

// Run serves on loopback until ctx is cancelled.
func (c *ControlPlane) Run(ctx context.Context) error {
	c.server = &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", c.port),
		Handler: c.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := c.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("control plane listening", "port", c.port)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return c.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (c *ControlPlane) handleSwitch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !c.enableDualMode {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": "Can't switch to the requested mode. Mode switching is disabled.",
		})
		return
	}

	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "INVALID_MODE"})
		return
	}
	log.Info("switch requested", "mode", body.Mode)

	ok, message := c.supervisor.SwitchTo(body.Mode)
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": message})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": message})
}

func (c *ControlPlane) handleStatus(w http.ResponseWriter, _ *http.Request) {
	mode, running := c.supervisor.Status()
	status := "stopped"
	var currentMode any
	if running {
		status = "running"
		currentMode = mode
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_mode": currentMode,
		"status":       status,
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
