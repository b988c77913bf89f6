package input

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// X11Injector performs event injection through the standard X11 tooling
// (xdotool for input, xsel for the clipboard). It is the default Injector on
// hosts without a dedicated uinput helper.
type X11Injector struct{}

func NewX11Injector() *X11Injector { return &X11Injector{} }

func (x *X11Injector) InjectKey(keysym uint32, down bool) error {
	action := "keyup"
	if down {
		action = "keydown"
	}
	return run("xdotool", action, fmt.Sprintf("0x%x", keysym))
}

func (x *X11Injector) InjectMotion(xPos, yPos int) error {
	return run("xdotool", "mousemove", strconv.Itoa(xPos), strconv.Itoa(yPos))
}

func (x *X11Injector) InjectButton(button int, down bool) error {
	action := "mouseup"
	if down {
		action = "mousedown"
	}
	return run("xdotool", action, strconv.Itoa(button))
}

func (x *X11Injector) InjectScroll(deltaX, deltaY int) error {
	// X maps scroll to buttons 4/5 (vertical) and 6/7 (horizontal).
	for ; deltaY > 0; deltaY-- {
		if err := run("xdotool", "click", "4"); err != nil {
			return err
		}
	}
	for ; deltaY < 0; deltaY++ {
		if err := run("xdotool", "click", "5"); err != nil {
			return err
		}
	}
	for ; deltaX > 0; deltaX-- {
		if err := run("xdotool", "click", "6"); err != nil {
			return err
		}
	}
	for ; deltaX < 0; deltaX++ {
		if err := run("xdotool", "click", "7"); err != nil {
			return err
		}
	}
	return nil
}

// InjectGamepad is a no-op without a uinput helper; gamepad forwarding
// requires the dedicated device bridge.
func (x *X11Injector) InjectGamepad(index int, event string) error {
	log.Debug("gamepad event without uinput helper", "index", index)
	return nil
}

func (x *X11Injector) WriteClipboard(text string) error {
	cmd := exec.Command("xsel", "-i", "-b")
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("xsel write: %v: %s", err, out)
	}
	return nil
}

func (x *X11Injector) ReadClipboard() (string, error) {
	out, err := exec.Command("xsel", "-o", "-b").Output()
	if err != nil {
		return "", fmt.Errorf("xsel read: %v", err)
	}
	return string(out), nil
}

func run(name string, args ...string) error {
	if out, err := exec.Command(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %v: %s", name, strings.Join(args, " "), err, out)
	}
	return nil
}
