package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// blockingMode runs until cancelled and records its lifecycle.
type blockingMode struct {
	started atomic.Int32
	stopped atomic.Int32
}

func (m *blockingMode) run(ctx context.Context) error {
	m.started.Add(1)
	<-ctx.Done()
	m.stopped.Add(1)
	return nil
}

func newTestSupervisor(modes map[string]ModeFunc) *Supervisor {
	return New(context.Background(), modes)
}

func TestSwitchToUnknownMode(t *testing.T) {
	s := newTestSupervisor(map[string]ModeFunc{})
	ok, msg := s.SwitchTo("quic")
	if ok || msg != "INVALID_MODE" {
		t.Fatalf("expected INVALID_MODE, got ok=%v msg=%q", ok, msg)
	}

	ok, msg = s.SwitchTo("")
	if ok || msg != "INVALID_MODE" {
		t.Fatalf("empty mode: expected INVALID_MODE, got ok=%v msg=%q", ok, msg)
	}
}

func TestSwitchToStartsMode(t *testing.T) {
	ws := &blockingMode{}
	s := newTestSupervisor(map[string]ModeFunc{"websockets": ws.run})
	defer s.Stop()

	ok, msg := s.SwitchTo("websockets")
	if !ok {
		t.Fatalf("switch failed: %s", msg)
	}
	if msg != "Switched to 'websockets'" {
		t.Fatalf("unexpected message %q", msg)
	}

	mode, running := s.Status()
	if mode != "websockets" || !running {
		t.Fatalf("expected running websockets, got %q %v", mode, running)
	}
}

func TestSwitchToSameModeRejected(t *testing.T) {
	ws := &blockingMode{}
	s := newTestSupervisor(map[string]ModeFunc{"websockets": ws.run})
	defer s.Stop()

	s.SwitchTo("websockets")
	ok, msg := s.SwitchTo("websockets")
	if ok || msg != "ALREADY_RUNNING" {
		t.Fatalf("expected ALREADY_RUNNING, got ok=%v msg=%q", ok, msg)
	}

	// State unchanged.
	if mode, running := s.Status(); mode != "websockets" || !running {
		t.Fatalf("state must be unchanged, got %q %v", mode, running)
	}
	if ws.started.Load() != 1 {
		t.Fatalf("mode must not restart, started %d times", ws.started.Load())
	}
}

func TestSwitchStopsPreviousBeforeStartingNext(t *testing.T) {
	ws := &blockingMode{}
	wr := &blockingMode{}
	s := newTestSupervisor(map[string]ModeFunc{"websockets": ws.run, "webrtc": wr.run})
	defer s.Stop()

	s.SwitchTo("websockets")
	ok, _ := s.SwitchTo("webrtc")
	if !ok {
		t.Fatal("switch to webrtc failed")
	}

	if ws.stopped.Load() != 1 {
		t.Fatalf("previous mode must be cancelled before the next starts, stopped=%d", ws.stopped.Load())
	}
	if mode, running := s.Status(); mode != "webrtc" || !running {
		t.Fatalf("expected running webrtc, got %q %v", mode, running)
	}
}

func TestSwitchProceedsAfterGraceTimeout(t *testing.T) {
	// A mode that ignores cancellation for longer than the grace window.
	stubborn := func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(graceTimeout + 500*time.Millisecond)
		return nil
	}
	next := &blockingMode{}
	s := newTestSupervisor(map[string]ModeFunc{"websockets": stubborn, "webrtc": next.run})
	defer s.Stop()

	s.SwitchTo("websockets")
	start := time.Now()
	ok, _ := s.SwitchTo("webrtc")
	elapsed := time.Since(start)

	if !ok {
		t.Fatal("switch must proceed after the grace window")
	}
	if elapsed < graceTimeout || elapsed > graceTimeout+time.Second {
		t.Fatalf("switch should wait about the grace window, took %v", elapsed)
	}
}

func TestSwitchSurfacesStartupFailure(t *testing.T) {
	failing := func(ctx context.Context) error {
		return errors.New("no display")
	}
	s := newTestSupervisor(map[string]ModeFunc{"webrtc": failing})

	ok, msg := s.SwitchTo("webrtc")
	if ok {
		t.Fatal("startup failure must be reported")
	}
	if msg == "" {
		t.Fatal("expected failure message")
	}
	if _, running := s.Status(); running {
		t.Fatal("supervisor must remain stopped after a startup failure")
	}
}

func TestConcurrentSwitchesExactlyOneWins(t *testing.T) {
	ws := &blockingMode{}
	wr := &blockingMode{}
	s := newTestSupervisor(map[string]ModeFunc{"websockets": ws.run, "webrtc": wr.run})
	defer s.Stop()

	s.SwitchTo("websockets")

	var wg sync.WaitGroup
	results := make([]bool, 2)
	messages := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], messages[i] = s.SwitchTo("webrtc")
		}(i)
	}
	wg.Wait()

	wins := 0
	rejects := 0
	for i := range results {
		if results[i] {
			wins++
		} else if messages[i] == "ALREADY_RUNNING" {
			rejects++
		}
	}
	if wins != 1 || rejects != 1 {
		t.Fatalf("expected exactly one winner and one ALREADY_RUNNING, got %v %v", results, messages)
	}
}

func TestControlPlaneSwitchAndStatus(t *testing.T) {
	ws := &blockingMode{}
	wr := &blockingMode{}
	s := newTestSupervisor(map[string]ModeFunc{"websockets": ws.run, "webrtc": wr.run})
	defer s.Stop()
	s.SwitchTo("websockets")

	cp := NewControlPlane(s, 0, true)
	srv := httptest.NewServer(cp.Handler())
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/switch", "application/json",
		bytes.NewReader([]byte(`{"mode":"webrtc"}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var switched struct {
		Message string `json:"message"`
	}
	json.NewDecoder(resp.Body).Decode(&switched)
	if switched.Message != "Switched to 'webrtc'" {
		t.Fatalf("unexpected message %q", switched.Message)
	}

	resp, err = srv.Client().Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var status struct {
		CurrentMode *string `json:"current_mode"`
		Status      string  `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&status)
	if status.CurrentMode == nil || *status.CurrentMode != "webrtc" || status.Status != "running" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestControlPlaneRejectionsAndDualModeGate(t *testing.T) {
	ws := &blockingMode{}
	s := newTestSupervisor(map[string]ModeFunc{"websockets": ws.run})
	defer s.Stop()
	s.SwitchTo("websockets")

	// Dual mode disabled: 403.
	cp := NewControlPlane(s, 0, false)
	srv := httptest.NewServer(cp.Handler())
	defer srv.Close()
	resp, err := srv.Client().Post(srv.URL+"/switch", "application/json",
		bytes.NewReader([]byte(`{"mode":"websockets"}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403 with dual mode disabled, got %d", resp.StatusCode)
	}

	// Dual mode enabled, same mode: 409 ALREADY_RUNNING.
	cp2 := NewControlPlane(s, 0, true)
	srv2 := httptest.NewServer(cp2.Handler())
	defer srv2.Close()
	resp, err = srv2.Client().Post(srv2.URL+"/switch", "application/json",
		bytes.NewReader([]byte(`{"mode":"websockets"}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 409 {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	var rejection struct {
		Error string `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&rejection)
	if rejection.Error != "ALREADY_RUNNING" {
		t.Fatalf("expected ALREADY_RUNNING, got %q", rejection.Error)
	}
}
