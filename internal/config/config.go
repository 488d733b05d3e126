// Package config resolves runtime configuration for the collaboration
// backend from environment variables (the documented surface) with an
// optional on-disk YAML overlay for the tunables the environment table
// does not expose.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

const maxConfigFileBytes int64 = 1 << 20 // 1MB, matches the teacher's cap

// Tunables not environment-exposed per the spec; these are the reference's
// literal defaults and may be overridden by the optional YAML overlay.
const (
	DefaultFlushDebounce    = 500 * time.Millisecond
	DefaultMaintTick        = 5 * time.Second
	DefaultIdleGrace        = 30 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultInitialSweepWait = 30 * time.Second
)

const defaultMaxUploadBytes int64 = 50 << 20 // 50 MiB

// Config is the resolved runtime configuration for one process.
type Config struct {
	Port int

	// RoomsDir and AssetsDir are the two Snapshot Store keyspaces. Not
	// present in the spec's environment table; resolved from DATA_DIR
	// (default "./data") as a SPEC_FULL.md ambient addition.
	RoomsDir  string
	AssetsDir string

	RoomRetention   time.Duration
	AssetRetention  time.Duration
	CleanupInterval time.Duration
	CleanupEnabled  bool

	// MaxUploadBytes caps PUT /uploads/<id> body size (SPEC_FULL.md Open
	// Question #2: the reference accepts uploads of any size).
	MaxUploadBytes int64

	// Tunables overridable via the optional YAML overlay.
	FlushDebounce    time.Duration
	MaintTick        time.Duration
	IdleGrace        time.Duration
	PingInterval     time.Duration
	InitialSweepWait time.Duration
}

// overlay mirrors Config's tunable fields as plain milliseconds for YAML
// decoding, since time.Duration does not round-trip through YAML scalars
// the way the reference's millisecond constants are documented.
type overlay struct {
	FlushDebounceMS    *int64 `yaml:"flush_debounce_ms"`
	MaintTickMS        *int64 `yaml:"maint_tick_ms"`
	IdleGraceMS        *int64 `yaml:"idle_grace_ms"`
	PingIntervalMS     *int64 `yaml:"ping_interval_ms"`
	InitialSweepWaitMS *int64 `yaml:"initial_sweep_wait_ms"`
}

// Default returns configuration with every default from spec §6 applied.
func Default() Config {
	return Config{
		Port:             3001,
		RoomsDir:         filepath.Join("data", "rooms"),
		AssetsDir:        filepath.Join("data", "assets"),
		RoomRetention:    7 * 24 * time.Hour,
		AssetRetention:   30 * 24 * time.Hour,
		CleanupInterval:  6 * time.Hour,
		CleanupEnabled:   true,
		MaxUploadBytes:   defaultMaxUploadBytes,
		FlushDebounce:    DefaultFlushDebounce,
		MaintTick:        DefaultMaintTick,
		IdleGrace:        DefaultIdleGrace,
		PingInterval:     DefaultPingInterval,
		InitialSweepWait: DefaultInitialSweepWait,
	}
}

// Load resolves configuration from environment variables via getenv (pass
// os.Getenv in production; tests pass a fake to avoid global env mutation),
// then applies an optional YAML overlay file for the tunables table in
// SPEC_FULL.md if overlayPath is non-empty and the file exists. Invalid
// values are logged and fall back to defaults rather than aborting startup,
// matching the teacher's "parse errors must not prevent startup" policy.
func Load(getenv func(string) string, overlayPath string) Config {
	cfg := Default()

	if v := strings.TrimSpace(getenv("PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port >= 0 && port <= 65535 {
			cfg.Port = port
		} else {
			slog.Warn("[CONFIG] invalid PORT, using default", "value", v, "default", cfg.Port)
		}
	}
	if v := strings.TrimSpace(getenv("DATA_DIR")); v != "" {
		cfg.RoomsDir = filepath.Join(v, "rooms")
		cfg.AssetsDir = filepath.Join(v, "assets")
	}
	if v := strings.TrimSpace(getenv("ROOM_RETENTION_DAYS")); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days >= 0 {
			cfg.RoomRetention = time.Duration(days) * 24 * time.Hour
		} else {
			slog.Warn("[CONFIG] invalid ROOM_RETENTION_DAYS, using default", "value", v)
		}
	}
	if v := strings.TrimSpace(getenv("ASSET_RETENTION_DAYS")); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days >= 0 {
			cfg.AssetRetention = time.Duration(days) * 24 * time.Hour
		} else {
			slog.Warn("[CONFIG] invalid ASSET_RETENTION_DAYS, using default", "value", v)
		}
	}
	if v := strings.TrimSpace(getenv("CLEANUP_INTERVAL_HOURS")); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			cfg.CleanupInterval = time.Duration(hours) * time.Hour
		} else {
			slog.Warn("[CONFIG] invalid CLEANUP_INTERVAL_HOURS, using default", "value", v)
		}
	}
	if v := strings.TrimSpace(getenv("CLEANUP_ENABLED")); v != "" {
		cfg.CleanupEnabled = !strings.EqualFold(v, "false")
	}
	if v := strings.TrimSpace(getenv("MAX_UPLOAD_BYTES")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxUploadBytes = n
		} else {
			slog.Warn("[CONFIG] invalid MAX_UPLOAD_BYTES, using default", "value", v)
		}
	}

	if overlayPath != "" {
		if err := applyOverlay(&cfg, overlayPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("[CONFIG] failed to apply tunables overlay, using defaults", "path", overlayPath, "error", err)
		}
	}

	return cfg
}

func applyOverlay(cfg *Config, path string) error {
	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	var ov overlay
	if err := yaml.Unmarshal(raw, &ov); err != nil {
		return fmt.Errorf("parse tunables overlay: %w", err)
	}
	if ov.FlushDebounceMS != nil {
		cfg.FlushDebounce = time.Duration(*ov.FlushDebounceMS) * time.Millisecond
	}
	if ov.MaintTickMS != nil {
		cfg.MaintTick = time.Duration(*ov.MaintTickMS) * time.Millisecond
	}
	if ov.IdleGraceMS != nil {
		cfg.IdleGrace = time.Duration(*ov.IdleGraceMS) * time.Millisecond
	}
	if ov.PingIntervalMS != nil {
		cfg.PingInterval = time.Duration(*ov.PingIntervalMS) * time.Millisecond
	}
	if ov.InitialSweepWaitMS != nil {
		cfg.InitialSweepWait = time.Duration(*ov.InitialSweepWaitMS) * time.Millisecond
	}
	return nil
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > maxBytes {
		return nil, fmt.Errorf("tunables overlay exceeds %d bytes", maxBytes)
	}

	buf := make([]byte, info.Size())
	if _, err := file.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
