// Package retention implements the Retention Sweeper: a background worker
// that deletes room snapshots and asset blobs once they have aged past
// their configured retention window, skipping anything the Room Engine
// still considers live (spec §4.6, scenario S5).
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"canvasroom/internal/config"
	"canvasroom/internal/roomengine"
	"canvasroom/internal/snapshotstore"
	"canvasroom/internal/workerutil"
)

// liveChecker reports whether a room id is still held open by the Room
// Engine; satisfied by *roomengine.Engine.
type liveChecker interface {
	Lookup(id string) (*roomengine.Room, bool)
}

// Sweeper periodically deletes expired, non-live room and asset entries.
type Sweeper struct {
	store *snapshotstore.Store
	live  liveChecker
	cfg   config.Config
	now   func() time.Time
}

// New creates a Sweeper over store, consulting live for room liveness.
func New(store *snapshotstore.Store, live liveChecker, cfg config.Config) *Sweeper {
	return &Sweeper{store: store, live: live, cfg: cfg, now: time.Now}
}

// Start launches the supervised sweep loop. It waits InitialSweepWait
// before the first pass (giving the process time to finish booting and
// reattaching sessions before anything gets evicted), then sweeps on
// CleanupInterval thereafter. If CleanupEnabled is false, Start is a no-op.
func (s *Sweeper) Start(ctx context.Context, wg *sync.WaitGroup) {
	if !s.cfg.CleanupEnabled {
		slog.Info("[RETENTION] cleanup disabled, sweeper not started")
		return
	}

	workerutil.RunWithPanicRecovery(ctx, "retention-sweeper", wg, func(ctx context.Context) {
		wake := s.watchForActivity(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.InitialSweepWait):
		}
		s.sweep()

		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			case <-wake:
				s.sweep()
			}
		}
	}, workerutil.RecoveryOptions{
		IsShutdown: func() bool { return ctx.Err() != nil },
	})
}

// watchForActivity watches the store's room/asset directories with fsnotify
// so a sweep can run promptly after new entries appear, rather than only on
// the fixed CleanupInterval cadence. Returns a channel that receives a
// (debounced, best-effort) wake signal; if the watcher cannot be created
// (e.g. the platform or filesystem does not support inotify), an always-
// empty channel is returned and the ticker remains the sole driver.
func (s *Sweeper) watchForActivity(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("[RETENTION] fsnotify unavailable, falling back to ticker-only sweeps", "error", err)
		return wake
	}
	for _, dir := range []string{s.store.RoomsDir(), s.store.AssetsDir()} {
		if err := watcher.Add(dir); err != nil {
			slog.Debug("[RETENTION] could not watch directory", "dir", dir, "error", err)
		}
	}

	go func() {
		defer watcher.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				debounce.Reset(2 * time.Second)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-debounce.C:
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}()

	return wake
}

// sweep deletes every room and asset entry older than its retention window
// and not currently held live by the Room Engine.
func (s *Sweeper) sweep() {
	s.sweepRooms()
	s.sweepAssets()
}

func (s *Sweeper) sweepRooms() {
	entries, err := s.store.ListRooms()
	if err != nil {
		slog.Error("[RETENTION] failed to list rooms", "error", err)
		return
	}
	cutoff := s.now().Add(-s.cfg.RoomRetention)
	for _, e := range entries {
		if e.Modified.After(cutoff) {
			continue
		}
		if s.roomIsLive(e.ID) {
			continue
		}
		if err := s.store.DeleteRoom(e.ID); err != nil {
			slog.Error("[RETENTION] failed to delete expired room", "room", e.ID, "error", err)
			continue
		}
		slog.Info("[RETENTION] deleted expired room", "room", e.ID, "modified", e.Modified)
	}
}

// roomIsLive reports whether id must be left alone by the sweep: present in
// the Engine's registry, not closed, and holding at least one attached
// session (spec §4.6: "the id is not present, OR the Room is closed, OR the
// Room has zero active sessions" are the three independent conditions under
// which a room file is eligible for deletion).
func (s *Sweeper) roomIsLive(id string) bool {
	room, ok := s.live.Lookup(id)
	if !ok {
		return false
	}
	return !room.IsClosed() && room.SessionCount() > 0
}

func (s *Sweeper) sweepAssets() {
	entries, err := s.store.ListAssets()
	if err != nil {
		slog.Error("[RETENTION] failed to list assets", "error", err)
		return
	}
	cutoff := s.now().Add(-s.cfg.AssetRetention)
	for _, e := range entries {
		if e.Modified.After(cutoff) {
			continue
		}
		if err := s.store.DeleteAsset(e.ID); err != nil {
			slog.Error("[RETENTION] failed to delete expired asset", "asset", e.ID, "error", err)
			continue
		}
		slog.Info("[RETENTION] deleted expired asset", "asset", e.ID, "modified", e.Modified)
	}
}
