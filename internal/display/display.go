// Package display drives the X11 display: resolution changes via xrandr,
// DPI via the desktop environment's own tooling, and cursor size via
// xsettings.
package display

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/driftdesk/streamer/internal/logging"
)

var log = logging.L("display")

// Display limits: resolutions are clamped to 8K and forced even so chroma
// subsampling never sees an odd dimension.
const (
	MaxWidth  = 7680
	MaxHeight = 4320
)

// FitRes clamps (w, h) into (maxW, maxH) preserving aspect ratio and
// rounding both dimensions down to even values.
func FitRes(w, h, maxW, maxH int) (int, int) {
	if w <= maxW && h <= maxH {
		return w - (w % 2), h - (h % 2)
	}
	aspect := float64(w) / float64(h)
	if w > maxW {
		w = maxW
		h = int(float64(w) / aspect)
	}
	if h > maxH {
		h = maxH
		w = int(float64(h) * aspect)
	}
	return w - (w % 2), h - (h % 2)
}

// ParseResolution accepts "WxH" with positive integer dimensions.
func ParseResolution(res string) (int, int, error) {
	w, h, found := strings.Cut(res, "x")
	if !found {
		return 0, 0, fmt.Errorf("invalid resolution %q", res)
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution %q: %v", res, err)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid resolution %q: %v", res, err)
	}
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("resolution %q must be positive", res)
	}
	return width, height, nil
}

var (
	screenPattern = regexp.MustCompile(`(\S+) connected`)
	modePattern   = regexp.MustCompile(`^(\d+x\d+)\s+\d+\.\d+`)
)

// Resize switches the connected screen to the requested resolution,
// creating the xrandr mode with a cvt modeline first when it is missing.
// Odd dimensions round down; non-positive dimensions are rejected.
func Resize(ctx context.Context, res string) error {
	w, h, err := ParseResolution(res)
	if err != nil {
		return err
	}
	w, h = FitRes(w, h, MaxWidth, MaxHeight)
	fitted := fmt.Sprintf("%dx%d", w, h)

	screen, modes, err := queryXrandr(ctx)
	if err != nil {
		return err
	}
	if screen == "" {
		return fmt.Errorf("no connected screen reported by xrandr")
	}

	if !modes[fitted] {
		if err := addMode(ctx, screen, fitted, w, h); err != nil {
			return fmt.Errorf("adding mode %s: %w", fitted, err)
		}
	}

	if out, err := exec.CommandContext(ctx, "xrandr", "--output", screen, "--mode", fitted).CombinedOutput(); err != nil {
		return fmt.Errorf("xrandr --mode %s: %v: %s", fitted, err, out)
	}
	log.Info("display resized", "screen", screen, "resolution", fitted)
	return nil
}

func queryXrandr(ctx context.Context) (screen string, modes map[string]bool, err error) {
	out, err := exec.CommandContext(ctx, "xrandr").CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("xrandr: %v: %s", err, out)
	}

	modes = make(map[string]bool)
	inScreen := false
	for _, line := range strings.Split(string(out), "\n") {
		if m := screenPattern.FindStringSubmatch(line); m != nil {
			if screen == "" {
				screen = m[1]
			}
			inScreen = screen == m[1]
			continue
		}
		if !inScreen {
			continue
		}
		if m := modePattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			modes[m[1]] = true
		}
	}
	return screen, modes, nil
}

// addMode generates a cvt modeline and registers it with xrandr under the
// plain "WxH" name.
func addMode(ctx context.Context, screen, name string, w, h int) error {
	out, err := exec.CommandContext(ctx, "cvt", strconv.Itoa(w), strconv.Itoa(h)).Output()
	if err != nil {
		return fmt.Errorf("cvt: %v", err)
	}

	var modeline []string
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "Modeline") {
			fields := strings.Fields(line)
			if len(fields) > 2 {
				modeline = fields[2:]
			}
			break
		}
	}
	if modeline == nil {
		return fmt.Errorf("cvt produced no modeline")
	}

	args := append([]string{"--newmode", name}, modeline...)
	if out, err := exec.CommandContext(ctx, "xrandr", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("xrandr --newmode: %v: %s", err, out)
	}
	if out, err := exec.CommandContext(ctx, "xrandr", "--addmode", screen, name).CombinedOutput(); err != nil {
		return fmt.Errorf("xrandr --addmode: %v: %s", err, out)
	}
	return nil
}
