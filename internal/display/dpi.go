package display

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// SetDPI applies the DPI through the detected desktop environment's own
// mechanism. Detection order: KDE, XFCE, MATE, i3, Openbox, then a generic
// xrdb fallback. MATE applies both gsettings and xrdb.
func SetDPI(ctx context.Context, dpi int) error {
	if dpi <= 0 {
		return fmt.Errorf("invalid dpi %d", dpi)
	}

	switch {
	case binaryExists("startplasma-x11"):
		log.Info("KDE detected, applying xrdb", "dpi", dpi)
		return runXrdb(ctx, dpi)
	case binaryExists("xfce4-session"):
		log.Info("XFCE detected, applying xfconf-query", "dpi", dpi)
		return runXfconfDPI(ctx, dpi)
	case binaryExists("mate-session"):
		log.Info("MATE detected, applying gsettings and xrdb", "dpi", dpi)
		gsErr := runMateGsettings(ctx, dpi)
		xrdbErr := runXrdb(ctx, dpi)
		if gsErr != nil && xrdbErr != nil {
			return fmt.Errorf("mate gsettings: %v; xrdb: %v", gsErr, xrdbErr)
		}
		return nil
	case binaryExists("i3"):
		log.Info("i3 detected, applying xrdb", "dpi", dpi)
		return runXrdb(ctx, dpi)
	case binaryExists("openbox-session") || binaryExists("openbox"):
		log.Info("Openbox detected, applying xrdb", "dpi", dpi)
		return runXrdb(ctx, dpi)
	default:
		log.Info("no known desktop session, applying generic xrdb", "dpi", dpi)
		return runXrdb(ctx, dpi)
	}
}

// SetCursorSize updates the Gtk cursor theme size via xsettings.
func SetCursorSize(ctx context.Context, size int) error {
	if size <= 0 {
		return fmt.Errorf("invalid cursor size %d", size)
	}
	if !binaryExists("xfconf-query") {
		return fmt.Errorf("xfconf-query not available")
	}
	out, err := exec.CommandContext(ctx, "xfconf-query",
		"-c", "xsettings",
		"-p", "/Gtk/CursorThemeSize",
		"-s", strconv.Itoa(size),
		"--create", "-t", "int",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("xfconf-query cursor size: %v: %s", err, out)
	}
	return nil
}

func binaryExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// runXrdb merges Xft.dpi into the X resource database.
func runXrdb(ctx context.Context, dpi int) error {
	cmd := exec.CommandContext(ctx, "xrdb", "-merge")
	cmd.Stdin = strings.NewReader(fmt.Sprintf("Xft.dpi: %d\n", dpi))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("xrdb -merge: %v: %s", err, out)
	}
	return nil
}

func runXfconfDPI(ctx context.Context, dpi int) error {
	out, err := exec.CommandContext(ctx, "xfconf-query",
		"-c", "xsettings",
		"-p", "/Xft/DPI",
		"-s", strconv.Itoa(dpi),
		"--create", "-t", "int",
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("xfconf-query dpi: %v: %s", err, out)
	}
	return nil
}

func runMateGsettings(ctx context.Context, dpi int) error {
	// Only the MATE font-rendering DPI is set; window-scaling-factor is left
	// unchanged.
	out, err := exec.CommandContext(ctx, "gsettings",
		"set", "org.mate.font-rendering", "dpi", strconv.Itoa(dpi),
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("gsettings mate dpi: %v: %s", err, out)
	}
	return nil
}
