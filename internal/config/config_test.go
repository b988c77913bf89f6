package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParseRange(t *testing.T) {
	r, err := ParseRange("8-120")
	if err != nil {
		t.Fatal(err)
	}
	if r.Min != 8 || r.Max != 120 {
		t.Fatalf("unexpected range %+v", r)
	}

	fixed, err := ParseRange("60")
	if err != nil {
		t.Fatal(err)
	}
	if fixed.Min != 60 || fixed.Max != 60 || fixed.Value != 60 {
		t.Fatalf("fixed value must collapse the range: %+v", fixed)
	}

	for _, bad := range []string{"", "a-b", "10-", "-5", "20-10"} {
		if _, err := ParseRange(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestRangeClamp(t *testing.T) {
	r := Range{Min: 8, Max: 120}
	if r.Clamp(4) != 8 || r.Clamp(500) != 120 || r.Clamp(60) != 60 {
		t.Fatal("clamp misbehaves")
	}
}

func TestValidateTieredDefaults(t *testing.T) {
	result := Default().ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("defaults must validate, got %v", result.Fatals)
	}
}

func TestValidateTieredFatals(t *testing.T) {
	mutations := []func(*Config){
		func(c *Config) { c.Mode = "quic" },
		func(c *Config) { c.Encoder = "theoraenc" },
		func(c *Config) { c.PipelineBackend = "pixels" },
		func(c *Config) { c.VideoBitrate = 0 },
		func(c *Config) { c.AudioChannels = 7 },
		func(c *Config) { c.KeyframeDistance = 0 },
		func(c *Config) { c.VideoPacketloss = 150 },
		func(c *Config) { c.ManualResolution = "huge" },
		func(c *Config) { c.TURNSharedSecret = "s" }, // without host/port
		func(c *Config) { c.EnableBasicAuth = true }, // without password
	}
	for i, mutate := range mutations {
		cfg := Default()
		mutate(cfg)
		result := cfg.ValidateTiered()
		if !result.HasFatals() {
			t.Fatalf("mutation %d must be fatal", i)
		}
	}
}

func TestLockSuffixParsing(t *testing.T) {
	cfg := Default()
	cfg.ClientMutableSettings = []string{"encoder", "video_bitrate|locked", " dpi "}
	cfg.parseLockSuffixes()

	if !cfg.ClientMutable("encoder") {
		t.Fatal("whitelisted setting must be mutable")
	}
	if cfg.ClientMutable("video_bitrate") {
		t.Fatal("locked setting must not be mutable")
	}
	if !cfg.Locked("video_bitrate") {
		t.Fatal("lock flag must be recorded")
	}
	if !cfg.ClientMutable("framerate") {
		t.Fatal("framerate is mutable by default")
	}
	if cfg.ClientMutable("turn_shared_secret") {
		t.Fatal("unlisted settings are not mutable")
	}
}

func TestEncoderRestrictionFromEnv(t *testing.T) {
	cfg := Default()
	cfg.Encoder = "x264enc"
	cfg.applyEncoderRestriction("nvh264enc,vah264enc")
	if cfg.Encoder != "nvh264enc" {
		t.Fatalf("restricted set's first element becomes the default, got %q", cfg.Encoder)
	}

	cfg.Encoder = "vah264enc"
	cfg.applyEncoderRestriction("nvh264enc,vah264enc")
	if cfg.Encoder != "vah264enc" {
		t.Fatalf("configured encoder inside the subset must survive, got %q", cfg.Encoder)
	}

	// A single value (no comma) is not a restriction list.
	cfg.Encoder = "x264enc"
	cfg.applyEncoderRestriction("nvh264enc")
	if cfg.Encoder != "x264enc" {
		t.Fatalf("single env value must not restrict, got %q", cfg.Encoder)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SELKIES_VIDEO_BITRATE", "12000")
	t.Setenv("SELKIES_MODE", "webrtc")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.VideoBitrate != 12000 {
		t.Fatalf("env override not applied: %d", cfg.VideoBitrate)
	}
	if cfg.Mode != "webrtc" {
		t.Fatalf("env override not applied: %q", cfg.Mode)
	}
}

func TestLegacyEnvLosesToCanonical(t *testing.T) {
	t.Setenv("WEBRTC_VIDEO_BITRATE", "3000")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.VideoBitrate != 3000 {
		t.Fatalf("legacy env must apply when canonical is absent: %d", cfg.VideoBitrate)
	}

	t.Setenv("SELKIES_VIDEO_BITRATE", "9000")
	cfg, err = Load(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.VideoBitrate != 9000 {
		t.Fatalf("canonical env must win over legacy: %d", cfg.VideoBitrate)
	}
}

func TestRuntimeFileSetAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	f := NewRuntimeFile(path)

	if err := f.Set("framerate", 60); err != nil {
		t.Fatal(err)
	}
	if err := f.Set("video_bitrate", 8000); err != nil {
		t.Fatal(err)
	}

	doc, err := f.Read()
	if err != nil {
		t.Fatal(err)
	}
	if doc["framerate"] != float64(60) || doc["video_bitrate"] != float64(8000) {
		t.Fatalf("unexpected document %v", doc)
	}

	// The file on disk is a plain JSON object of scalars.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("file is not valid JSON: %v", err)
	}
}

func TestRuntimeFileRecoversFromCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{torn"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := NewRuntimeFile(path)
	if err := f.Set("framerate", 30); err != nil {
		t.Fatal(err)
	}
	doc, err := f.Read()
	if err != nil {
		t.Fatal(err)
	}
	if doc["framerate"] != float64(30) {
		t.Fatalf("corrupt file must be replaced, got %v", doc)
	}
}
