package retention

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"canvasroom/internal/config"
	"canvasroom/internal/roomengine"
	"canvasroom/internal/snapshotstore"
)

// fakeLive simulates the Engine's registry for sweeper tests: "live" ids are
// backed by a real *roomengine.Room with one attached session, matching what
// Sweeper.roomIsLive actually inspects (IsClosed, SessionCount).
type fakeLive struct {
	rooms map[string]*roomengine.Room
}

func (f *fakeLive) Lookup(id string) (*roomengine.Room, bool) {
	room, ok := f.rooms[id]
	return room, ok
}

func newTestSweeper(t *testing.T, live map[string]bool) (*Sweeper, *snapshotstore.Store, *time.Time) {
	t.Helper()
	base := t.TempDir()
	store := snapshotstore.New(filepath.Join(base, "rooms"), filepath.Join(base, "assets"))
	cfg := config.Default()
	cfg.RoomRetention = time.Hour
	cfg.AssetRetention = time.Hour

	engine := roomengine.New(store, cfg)
	t.Cleanup(func() { engine.Shutdown(time.Second) })

	rooms := make(map[string]*roomengine.Room, len(live))
	for id, isLive := range live {
		if !isLive {
			continue
		}
		room, err := engine.ObtainRoom(id)
		if err != nil {
			t.Fatalf("ObtainRoom(%s): %v", id, err)
		}
		if err := room.AttachSession(&roomengine.Session{ID: "sess-" + id, Send: make(chan []byte, 1)}); err != nil {
			t.Fatalf("AttachSession(%s): %v", id, err)
		}
		rooms[id] = room
	}

	clock := time.Now()
	s := New(store, &fakeLive{rooms: rooms}, cfg)
	s.now = func() time.Time { return clock }
	return s, store, &clock
}

func TestSweepDeletesExpiredNonLiveRoom(t *testing.T) {
	s, store, clock := newTestSweeper(t, nil)
	if err := store.WriteRoom("old-room", []byte("x")); err != nil {
		t.Fatalf("WriteRoom: %v", err)
	}
	*clock = clock.Add(2 * time.Hour)

	s.sweep()

	if _, err := store.ReadRoom("old-room"); err == nil {
		t.Fatal("expired room was not deleted")
	}
}

func TestSweepSkipsLiveRoomRegardlessOfAge(t *testing.T) {
	s, store, clock := newTestSweeper(t, map[string]bool{"live-room": true})
	if err := store.WriteRoom("live-room", []byte("x")); err != nil {
		t.Fatalf("WriteRoom: %v", err)
	}
	*clock = clock.Add(2 * time.Hour)

	s.sweep()

	if _, err := store.ReadRoom("live-room"); err != nil {
		t.Fatalf("live room was deleted despite being held open: %v", err)
	}
}

func TestSweepSkipsRoomWithinRetentionWindow(t *testing.T) {
	s, store, clock := newTestSweeper(t, nil)
	if err := store.WriteRoom("fresh-room", []byte("x")); err != nil {
		t.Fatalf("WriteRoom: %v", err)
	}
	*clock = clock.Add(10 * time.Minute)

	s.sweep()

	if _, err := store.ReadRoom("fresh-room"); err != nil {
		t.Fatalf("fresh room was deleted before its retention window elapsed: %v", err)
	}
}

func TestSweepDeletesExpiredAssetsIndependentlyOfLiveness(t *testing.T) {
	s, store, clock := newTestSweeper(t, map[string]bool{"asset-1": true})
	if err := store.WriteAsset("asset-1", []byte("x")); err != nil {
		t.Fatalf("WriteAsset: %v", err)
	}
	*clock = clock.Add(2 * time.Hour)

	s.sweep()

	if _, err := store.ReadAsset("asset-1"); err == nil {
		t.Fatal("expired asset was not deleted (assets have no room-liveness concept)")
	}
}

func TestStartDoesNothingWhenCleanupDisabled(t *testing.T) {
	base := t.TempDir()
	store := snapshotstore.New(filepath.Join(base, "rooms"), filepath.Join(base, "assets"))
	cfg := config.Default()
	cfg.CleanupEnabled = false
	cfg.InitialSweepWait = 0

	store.WriteRoom("never-touched", []byte("x"))

	s := New(store, &fakeLive{}, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	s.Start(ctx, &wg)
	wg.Wait()

	if _, err := store.ReadRoom("never-touched"); err != nil {
		t.Fatalf("disabled sweeper should not touch the store: %v", err)
	}
}

func TestStartRunsInitialSweepAfterWait(t *testing.T) {
	base := t.TempDir()
	store := snapshotstore.New(filepath.Join(base, "rooms"), filepath.Join(base, "assets"))
	cfg := config.Default()
	cfg.CleanupEnabled = true
	cfg.InitialSweepWait = 10 * time.Millisecond
	cfg.CleanupInterval = time.Hour
	cfg.RoomRetention = time.Millisecond

	store.WriteRoom("stale", []byte("x"))
	time.Sleep(5 * time.Millisecond) // ensure mtime is already past the (tiny) retention window

	s := New(store, &fakeLive{}, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	s.Start(ctx, &wg)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.ReadRoom("stale"); err != nil {
			cancel()
			wg.Wait()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()
	t.Fatal("initial sweep never ran")
}
