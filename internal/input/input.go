// Package input parses client input messages and dispatches them to the
// host-side injector. The injection mechanics (uinput, XTEST, clipboard
// tooling) live behind the Injector interface; the core only owns the
// message grammar and routing.
package input

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/driftdesk/streamer/internal/logging"
)

var log = logging.L("input")

// Injector is the host-side collaborator that performs the actual event
// injection.
type Injector interface {
	InjectKey(keysym uint32, down bool) error
	InjectMotion(x, y int) error
	InjectButton(button int, down bool) error
	InjectScroll(deltaX, deltaY int) error
	InjectGamepad(index int, event string) error
	WriteClipboard(text string) error
	ReadClipboard() (string, error)
}

// Events are the handler's upward callbacks into the streaming runtime.
type Events struct {
	OnResize        func(res string)          // "r,WxH"
	OnScaling       func(dpi int)             // "s,dpi"
	OnVideoBitrate  func(kbps int)            // "vb,kbps"
	OnAudioBitrate  func(bps int)             // "ab,bps"
	OnFramerate     func(fps int)             // "_arg_fps,fps"
	OnKeyframe      func()                    // "kr"
	OnPong          func(sentUnixSeconds float64)
	OnClipboardRead func(text string)         // host clipboard toward client
	OnStats         func(kind, payload string) // "_stats_video,<json>"
	OnSettings      func(payload string)      // "_settings,<json>"
}

// Handler routes whitespace-free comma-separated commands.
type Handler struct {
	injector Injector
	events   Events

	gamepadEnabled   bool
	clipboardEnabled bool
}

func NewHandler(injector Injector, events Events, gamepadEnabled, clipboardEnabled bool) *Handler {
	return &Handler{
		injector:         injector,
		events:           events,
		gamepadEnabled:   gamepadEnabled,
		clipboardEnabled: clipboardEnabled,
	}
}

// HandleMessage parses one text frame from the input channel. Unknown or
// malformed commands are logged and dropped; they never stop the stream.
func (h *Handler) HandleMessage(data []byte) {
	msg := string(data)
	cmd, rest, _ := strings.Cut(msg, ",")

	var err error
	switch cmd {
	case "kd":
		err = h.key(rest, true)
	case "ku":
		err = h.key(rest, false)
	case "m":
		err = h.motion(rest)
	case "b":
		err = h.button(rest)
	case "sc":
		err = h.scroll(rest)
	case "js":
		err = h.gamepad(rest)
	case "cw":
		err = h.clipboardWrite(rest)
	case "cr":
		err = h.clipboardRead()
	case "r":
		if h.events.OnResize != nil {
			h.events.OnResize(rest)
		}
	case "s":
		err = h.intCommand(rest, h.events.OnScaling)
	case "vb":
		err = h.intCommand(rest, h.events.OnVideoBitrate)
	case "ab":
		err = h.intCommand(rest, h.events.OnAudioBitrate)
	case "_arg_fps":
		err = h.intCommand(rest, h.events.OnFramerate)
	case "kr":
		if h.events.OnKeyframe != nil {
			h.events.OnKeyframe()
		}
	case "pong":
		err = h.pong(rest)
	case "_stats_video", "_stats_audio":
		if h.events.OnStats != nil {
			h.events.OnStats(strings.TrimPrefix(cmd, "_stats_"), rest)
		}
	case "_settings":
		if h.events.OnSettings != nil {
			h.events.OnSettings(rest)
		}
	default:
		log.Debug("ignoring unknown input command", "cmd", cmd)
	}

	if err != nil {
		log.Warn("input command failed", "cmd", cmd, "error", err)
	}
}

func (h *Handler) key(arg string, down bool) error {
	keysym, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return fmt.Errorf("bad keysym %q: %v", arg, err)
	}
	return h.injector.InjectKey(uint32(keysym), down)
}

func (h *Handler) motion(arg string) error {
	parts := strings.Split(arg, ",")
	if len(parts) < 2 {
		return fmt.Errorf("bad motion %q", arg)
	}
	x, err := strconv.Atoi(parts[0])
	if err != nil {
		return err
	}
	y, err := strconv.Atoi(parts[1])
	if err != nil {
		return err
	}
	return h.injector.InjectMotion(x, y)
}

func (h *Handler) button(arg string) error {
	parts := strings.Split(arg, ",")
	if len(parts) != 2 {
		return fmt.Errorf("bad button %q", arg)
	}
	button, err := strconv.Atoi(parts[0])
	if err != nil {
		return err
	}
	return h.injector.InjectButton(button, parts[1] == "1")
}

func (h *Handler) scroll(arg string) error {
	parts := strings.Split(arg, ",")
	if len(parts) != 2 {
		return fmt.Errorf("bad scroll %q", arg)
	}
	dx, err := strconv.Atoi(parts[0])
	if err != nil {
		return err
	}
	dy, err := strconv.Atoi(parts[1])
	if err != nil {
		return err
	}
	return h.injector.InjectScroll(dx, dy)
}

func (h *Handler) gamepad(arg string) error {
	if !h.gamepadEnabled {
		return nil
	}
	index, event, found := strings.Cut(arg, ",")
	if !found {
		return fmt.Errorf("bad gamepad %q", arg)
	}
	idx, err := strconv.Atoi(index)
	if err != nil {
		return err
	}
	return h.injector.InjectGamepad(idx, event)
}

func (h *Handler) clipboardWrite(arg string) error {
	if !h.clipboardEnabled {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(arg)
	if err != nil {
		return fmt.Errorf("bad clipboard payload: %v", err)
	}
	return h.injector.WriteClipboard(string(decoded))
}

func (h *Handler) clipboardRead() error {
	if !h.clipboardEnabled || h.events.OnClipboardRead == nil {
		return nil
	}
	text, err := h.injector.ReadClipboard()
	if err != nil {
		return err
	}
	h.events.OnClipboardRead(text)
	return nil
}

func (h *Handler) intCommand(arg string, fn func(int)) error {
	if fn == nil {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil {
		return fmt.Errorf("bad integer argument %q: %v", arg, err)
	}
	fn(value)
	return nil
}

func (h *Handler) pong(arg string) error {
	if h.events.OnPong == nil {
		return nil
	}
	sent, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil {
		return fmt.Errorf("bad pong timestamp %q: %v", arg, err)
	}
	h.events.OnPong(sent)
	return nil
}
