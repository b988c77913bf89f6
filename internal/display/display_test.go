package display

import "testing"

func TestFitResWithinBounds(t *testing.T) {
	w, h := FitRes(1920, 1080, MaxWidth, MaxHeight)
	if w != 1920 || h != 1080 {
		t.Fatalf("in-bounds resolution must pass through, got %dx%d", w, h)
	}
}

func TestFitResRoundsOddDown(t *testing.T) {
	w, h := FitRes(1921, 1081, MaxWidth, MaxHeight)
	if w != 1920 || h != 1080 {
		t.Fatalf("odd dimensions must round down to even, got %dx%d", w, h)
	}
}

func TestFitResClampsWide(t *testing.T) {
	w, h := FitRes(15360, 8640, MaxWidth, MaxHeight)
	if w > MaxWidth || h > MaxHeight {
		t.Fatalf("clamp failed: %dx%d", w, h)
	}
	if w%2 != 0 || h%2 != 0 {
		t.Fatalf("dimensions must be even: %dx%d", w, h)
	}
	// Aspect preserved: 16:9 input stays 16:9.
	if w*9 != h*16 {
		t.Fatalf("aspect not preserved: %dx%d", w, h)
	}
}

func TestFitResClampsArbitrary(t *testing.T) {
	for _, c := range []struct{ w, h int }{
		{10000, 1000},
		{1000, 10000},
		{7681, 4321},
		{3, 7},
	} {
		w, h := FitRes(c.w, c.h, MaxWidth, MaxHeight)
		if w > MaxWidth || h > MaxHeight {
			t.Fatalf("%dx%d: clamp failed: %dx%d", c.w, c.h, w, h)
		}
		if w%2 != 0 || h%2 != 0 {
			t.Fatalf("%dx%d: dimensions must be even: %dx%d", c.w, c.h, w, h)
		}
		if w < 0 || h < 0 {
			t.Fatalf("%dx%d: negative output: %dx%d", c.w, c.h, w, h)
		}
	}
}

func TestParseResolution(t *testing.T) {
	w, h, err := ParseResolution("2560x1440")
	if err != nil || w != 2560 || h != 1440 {
		t.Fatalf("expected 2560x1440, got %dx%d err=%v", w, h, err)
	}

	for _, bad := range []string{"", "2560", "0x100", "-1x100", "ax100", "100x-5"} {
		if _, _, err := ParseResolution(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
