package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.yaml.in/yaml/v3"

	"canvasroom/internal/testutil"
)

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load(fakeEnv(nil), "")
	want := Default()
	if cfg != want {
		t.Fatalf("Load with no env = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	env := fakeEnv(map[string]string{
		"PORT":                    "8080",
		"ROOM_RETENTION_DAYS":     "14",
		"ASSET_RETENTION_DAYS":    "60",
		"CLEANUP_INTERVAL_HOURS":  "1",
		"CLEANUP_ENABLED":         "false",
		"MAX_UPLOAD_BYTES":        "1024",
	})
	cfg := Load(env, "")

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.RoomRetention != 14*24*time.Hour {
		t.Errorf("RoomRetention = %v, want 14 days", cfg.RoomRetention)
	}
	if cfg.AssetRetention != 60*24*time.Hour {
		t.Errorf("AssetRetention = %v, want 60 days", cfg.AssetRetention)
	}
	if cfg.CleanupInterval != time.Hour {
		t.Errorf("CleanupInterval = %v, want 1h", cfg.CleanupInterval)
	}
	if cfg.CleanupEnabled {
		t.Errorf("CleanupEnabled = true, want false")
	}
	if cfg.MaxUploadBytes != 1024 {
		t.Errorf("MaxUploadBytes = %d, want 1024", cfg.MaxUploadBytes)
	}
}

func TestLoadRejectsInvalidValuesAndKeepsDefaults(t *testing.T) {
	logBuf := testutil.CaptureLogBuffer(t, slog.LevelWarn)
	env := fakeEnv(map[string]string{
		"PORT":                   "not-a-number",
		"ROOM_RETENTION_DAYS":    "-5",
		"CLEANUP_INTERVAL_HOURS": "0",
	})
	cfg := Load(env, "")
	defaults := Default()

	if cfg.Port != defaults.Port {
		t.Errorf("Port = %d, want default %d", cfg.Port, defaults.Port)
	}
	if cfg.RoomRetention != defaults.RoomRetention {
		t.Errorf("RoomRetention = %v, want default %v", cfg.RoomRetention, defaults.RoomRetention)
	}
	if cfg.CleanupInterval != defaults.CleanupInterval {
		t.Errorf("CleanupInterval = %v, want default %v", cfg.CleanupInterval, defaults.CleanupInterval)
	}
	if !strings.Contains(logBuf.String(), "invalid PORT") {
		t.Errorf("expected a warning about invalid PORT, got log output: %s", logBuf.String())
	}
}

func TestLoadCleanupEnabledAcceptsAnyNonFalse(t *testing.T) {
	cfg := Load(fakeEnv(map[string]string{"CLEANUP_ENABLED": "TRUE"}), "")
	if !cfg.CleanupEnabled {
		t.Errorf("CleanupEnabled = false, want true for value %q", "TRUE")
	}
}

func TestLoadDataDirOverridesRoomsAndAssetsDirs(t *testing.T) {
	cfg := Load(fakeEnv(map[string]string{"DATA_DIR": "/srv/canvas"}), "")
	if cfg.RoomsDir != filepath.Join("/srv/canvas", "rooms") {
		t.Errorf("RoomsDir = %q", cfg.RoomsDir)
	}
	if cfg.AssetsDir != filepath.Join("/srv/canvas", "assets") {
		t.Errorf("AssetsDir = %q", cfg.AssetsDir)
	}
}

func TestLoadOverlayOverridesTunables(t *testing.T) {
	dir := t.TempDir()
	overlayPath := filepath.Join(dir, "tunables.yaml")
	content := "flush_debounce_ms: 250\nidle_grace_ms: 60000\n"
	if err := os.WriteFile(overlayPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	cfg := Load(fakeEnv(nil), overlayPath)
	if cfg.FlushDebounce != 250*time.Millisecond {
		t.Errorf("FlushDebounce = %v, want 250ms", cfg.FlushDebounce)
	}
	if cfg.IdleGrace != 60*time.Second {
		t.Errorf("IdleGrace = %v, want 60s", cfg.IdleGrace)
	}
	// Untouched tunables keep their defaults.
	if cfg.MaintTick != DefaultMaintTick {
		t.Errorf("MaintTick = %v, want default %v", cfg.MaintTick, DefaultMaintTick)
	}
}

func TestLoadMissingOverlayFileIsNotFatal(t *testing.T) {
	cfg := Load(fakeEnv(nil), filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg != Default() {
		t.Errorf("Load with missing overlay = %+v, want defaults", cfg)
	}
}

func TestApplyOverlayOnlySetsExplicitlyPresentFields(t *testing.T) {
	ov := overlay{MaintTickMS: testutil.Ptr(int64(9000))}
	raw, err := yaml.Marshal(ov)
	if err != nil {
		t.Fatalf("marshal overlay: %v", err)
	}
	overlayPath := filepath.Join(t.TempDir(), "tunables.yaml")
	if err := os.WriteFile(overlayPath, raw, 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	cfg := Default()
	if err := applyOverlay(&cfg, overlayPath); err != nil {
		t.Fatalf("applyOverlay: %v", err)
	}
	if cfg.MaintTick != 9*time.Second {
		t.Errorf("MaintTick = %v, want 9s", cfg.MaintTick)
	}
	if cfg.FlushDebounce != DefaultFlushDebounce {
		t.Errorf("FlushDebounce = %v, want default %v when not set in the overlay", cfg.FlushDebounce, DefaultFlushDebounce)
	}
}
