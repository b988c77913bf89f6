// Package supervisor owns the lifecycle of the active transport mode and
// serializes mode changes behind a loopback control plane.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/driftdesk/streamer/internal/logging"
)

var log = logging.L("supervisor")

// graceTimeout is how long a cancelled mode gets to unwind before the next
// one starts anyway. Transports must release their resources on cancel.
const graceTimeout = 2 * time.Second

// startupWindow is how long SwitchTo watches the fresh task for an immediate
// failure so the error surfaces to the caller instead of only the log.
const startupWindow = 100 * time.Millisecond

// ModeFunc runs one transport mode until ctx is cancelled or a fatal error
// occurs.
type ModeFunc func(ctx context.Context) error

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (t *task) running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Supervisor holds at most one running mode. SwitchTo is totally ordered
// with respect to itself via the mutex.
type Supervisor struct {
	mu          sync.Mutex
	modes       map[string]ModeFunc
	currentMode string
	current     *task
	baseCtx     context.Context
}

// New creates a supervisor over the injected mode entrypoints. baseCtx is
// the process lifetime; cancelling it stops the active mode.
func New(baseCtx context.Context, modes map[string]ModeFunc) *Supervisor {
	return &Supervisor{modes: modes, baseCtx: baseCtx}
}

// SwitchTo stops the current mode (waiting up to the grace window) and
// starts the requested one. Returns ok=false with a reason on rejection.
func (s *Supervisor) SwitchTo(mode string) (bool, string) {
	if mode == "" {
		return false, "INVALID_MODE"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.modes[mode]
	if !ok {
		log.Warn("unknown stream mode", "mode", mode)
		return false, "INVALID_MODE"
	}

	if s.currentMode == mode && s.current != nil && s.current.running() {
		log.Warn("mode already running", "mode", mode)
		return false, "ALREADY_RUNNING"
	}

	if s.current != nil && s.current.running() {
		log.Info("stopping current mode", "mode", s.currentMode)
		s.current.cancel()
		select {
		case <-s.current.done:
			log.Info("stopped mode", "mode", s.currentMode)
		case <-time.After(graceTimeout):
			// The old task leaks until it notices the cancel; transports own
			// releasing their resources, so the new task can still start.
			log.Warn("timeout while stopping mode", "mode", s.currentMode)
		}
	}

	log.Info("starting mode", "mode", mode)
	ctx, cancel := context.WithCancel(s.baseCtx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	go func() {
		err := fn(ctx)
		t.err = err
		close(t.done)
		if err != nil && ctx.Err() == nil {
			log.Error("mode exited with error", "mode", mode, "error", err)
		}
	}()

	// Catch immediate startup failures so the control plane reports them.
	select {
	case <-t.done:
		if t.err != nil {
			s.current = nil
			s.currentMode = ""
			return false, fmt.Sprintf("mode %q failed to start: %v", mode, t.err)
		}
	case <-time.After(startupWindow):
	}

	s.currentMode = mode
	s.current = t
	return true, fmt.Sprintf("Switched to '%s'", mode)
}

// Stop cancels the active mode and waits out the grace window.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || !s.current.running() {
		return
	}
	s.current.cancel()
	select {
	case <-s.current.done:
	case <-time.After(graceTimeout):
		log.Warn("timeout while stopping mode", "mode", s.currentMode)
	}
}

// Status reports the current mode and whether its task is running.
func (s *Supervisor) Status() (mode string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.running() {
		return s.currentMode, true
	}
	return "", false
}
