package roomengine

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"canvasroom/internal/config"
	"canvasroom/internal/snapshotstore"
)

func testEngine(t *testing.T, tweak func(*config.Config)) *Engine {
	t.Helper()
	base := t.TempDir()
	store := snapshotstore.New(filepath.Join(base, "rooms"), filepath.Join(base, "assets"))
	cfg := config.Default()
	cfg.FlushDebounce = 20 * time.Millisecond
	cfg.MaintTick = 25 * time.Millisecond
	cfg.IdleGrace = 50 * time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}
	e := New(store, cfg)
	t.Cleanup(func() { e.Shutdown(time.Second) })
	return e
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestObtainRoomCreatesEmptyRoomWithNoPriorSnapshot(t *testing.T) {
	e := testEngine(t, nil)
	room, err := e.ObtainRoom("room-1")
	if err != nil {
		t.Fatalf("ObtainRoom: %v", err)
	}
	if room.Version() != 0 {
		t.Errorf("fresh room Version() = %d, want 0", room.Version())
	}
}

func TestObtainRoomReturnsSameInstanceOnRepeat(t *testing.T) {
	e := testEngine(t, nil)
	a, err := e.ObtainRoom("room-2")
	if err != nil {
		t.Fatalf("ObtainRoom: %v", err)
	}
	b, err := e.ObtainRoom("room-2")
	if err != nil {
		t.Fatalf("ObtainRoom: %v", err)
	}
	if a != b {
		t.Fatal("ObtainRoom returned distinct instances for the same id")
	}
}

func TestObtainRoomRejectsInvalidID(t *testing.T) {
	e := testEngine(t, nil)
	if _, err := e.ObtainRoom("../escape"); err == nil {
		t.Fatal("ObtainRoom with traversal id: want error, got nil")
	}
}

func TestConcurrentObtainRoomYieldsSingleInstance(t *testing.T) {
	e := testEngine(t, nil)
	const n = 50
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			room, err := e.ObtainRoom("contended")
			if err != nil {
				t.Errorf("ObtainRoom: %v", err)
				return
			}
			rooms[i] = room
		}()
	}
	wg.Wait()

	first := rooms[0]
	for i, r := range rooms {
		if r != first {
			t.Fatalf("ObtainRoom[%d] returned a distinct Room instance; registry invariant violated", i)
		}
	}
}

func TestRoomResumesFromPersistedSnapshot(t *testing.T) {
	e := testEngine(t, nil)
	room, err := e.ObtainRoom("resumable")
	if err != nil {
		t.Fatalf("ObtainRoom: %v", err)
	}
	sess := &Session{ID: "s1", Send: make(chan []byte, 4)}
	must(t, room.AttachSession(sess))
	if err := room.ApplyChange(sess, shapeMsg(`{"a":1}`)); err != nil {
		t.Fatalf("ApplyChange: %v", err)
	}
	if !eventually(t, time.Second, func() bool { return !room.stats().Dirty }) {
		t.Fatal("room never flushed to disk")
	}

	e2 := testEngine(t, nil)
	// Point the second engine at the same store the first engine wrote to.
	e2.store = e.store
	reopened, err := e2.ObtainRoom("resumable")
	if err != nil {
		t.Fatalf("ObtainRoom (reopen): %v", err)
	}
	if reopened.Version() != 1 {
		t.Fatalf("reopened room Version() = %d, want 1", reopened.Version())
	}
}

func TestRoomEvictedAfterIdleGraceWithNoSessions(t *testing.T) {
	e := testEngine(t, nil)
	room, err := e.ObtainRoom("idle-room")
	if err != nil {
		t.Fatalf("ObtainRoom: %v", err)
	}
	sess := &Session{ID: "s1", Send: make(chan []byte, 4)}
	must(t, room.AttachSession(sess))
	room.RemoveSession(sess.ID)

	if !eventually(t, time.Second, room.IsClosed) {
		t.Fatal("room was not closed after idle grace elapsed")
	}
	if !eventually(t, time.Second, func() bool {
		_, ok := e.Lookup("idle-room")
		return !ok
	}) {
		t.Fatal("room was not deregistered from the engine after eviction")
	}
}

func TestReconnectWithinGraceCancelsEviction(t *testing.T) {
	e := testEngine(t, nil)
	room, err := e.ObtainRoom("reconnect-room")
	if err != nil {
		t.Fatalf("ObtainRoom: %v", err)
	}
	first := &Session{ID: "s1", Send: make(chan []byte, 4)}
	must(t, room.AttachSession(first))
	room.RemoveSession(first.ID)

	// Reattach well before the 50ms idle grace elapses.
	time.Sleep(10 * time.Millisecond)
	second := &Session{ID: "s2", Send: make(chan []byte, 4)}
	must(t, room.AttachSession(second))

	time.Sleep(80 * time.Millisecond)
	if room.IsClosed() {
		t.Fatal("room was evicted despite a reconnect within the idle grace period")
	}
}

func TestStatsReflectsSessionCountAndVersion(t *testing.T) {
	e := testEngine(t, nil)
	room, err := e.ObtainRoom("stats-room")
	if err != nil {
		t.Fatalf("ObtainRoom: %v", err)
	}
	sess := &Session{ID: "s1", Send: make(chan []byte, 4)}
	must(t, room.AttachSession(sess))
	must(t, room.ApplyChange(sess, shapeMsg(`{"a":1}`)))

	stats := e.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats() len = %d, want 1", len(stats))
	}
	if stats[0].SessionCount != 1 {
		t.Errorf("SessionCount = %d, want 1", stats[0].SessionCount)
	}
	if stats[0].Version != 1 {
		t.Errorf("Version = %d, want 1", stats[0].Version)
	}
}

func shapeMsg(shapes string) []byte {
	return []byte(`{"op":"update","shapes":` + shapes + `}`)
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
