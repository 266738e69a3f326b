package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeRaw writes a config without validation, simulating a bad hand edit.
func writeRaw(t *testing.T, path string, cfg Config) {
	t.Helper()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatchSeesRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxlink.json")

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	changed := make(chan Config, 1)
	w, err := Watch(path, func(c Config) {
		select {
		case changed <- c:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	cfg.Call.GraceDelayMs = 4321
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changed:
		if got.Call.GraceDelayMs != 4321 {
			t.Fatalf("stale config delivered: %+v", got.Call)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("change never observed")
	}
}

func TestWatchIgnoresInvalidRewrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voxlink.json")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	changed := make(chan Config, 1)
	w, err := Watch(path, func(c Config) { changed <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// A config that fails validation must not reach the callback.
	bad := Default()
	bad.Call.MeterIntervalMs = 0
	writeRaw(t, path, bad)

	select {
	case got := <-changed:
		t.Fatalf("invalid config delivered: %+v", got.Call)
	case <-time.After(300 * time.Millisecond):
	}
}
