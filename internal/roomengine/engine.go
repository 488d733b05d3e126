package roomengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"canvasroom/internal/collabdoc"
	"canvasroom/internal/config"
	"canvasroom/internal/engineerr"
	"canvasroom/internal/snapshotstore"
	"canvasroom/internal/workerutil"
)

// Engine owns the registry of live rooms for one process. It is the only
// place a Room is created, looked up, or torn down.
type Engine struct {
	store *snapshotstore.Store
	cfg   config.Config
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	rooms map[string]*Room
}

// New creates an Engine backed by store, governed by cfg's timer tunables.
func New(store *snapshotstore.Store, cfg config.Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*Room),
	}
}

// ObtainRoom returns the live Room for id, loading its persisted snapshot
// and creating it if this is the first reference since process start
// (spec §4.1, scenario S1: "empty room boots from no prior snapshot").
// At most one Room for a given id ever exists in the registry at once.
func (e *Engine) ObtainRoom(id string) (*Room, error) {
	if err := snapshotstore.ValidateID(id); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if room, ok := e.rooms[id]; ok {
		e.mu.Unlock()
		return room, nil
	}
	e.mu.Unlock()

	snapshot, err := e.store.ReadRoom(id)
	if err != nil && !errors.Is(err, engineerr.ErrNotFound) {
		return nil, err
	}
	doc := collabdoc.Load(snapshot) // nil/missing snapshot bytes yield an empty Doc

	room := newRoom(id, e, doc)

	e.mu.Lock()
	if existing, ok := e.rooms[id]; ok {
		// Another caller created the room while we were loading from disk.
		e.mu.Unlock()
		return existing, nil
	}
	e.rooms[id] = room
	e.mu.Unlock()

	e.startMaintenance(room)
	slog.Info("[ROOM] room obtained", "room", id, "fromSnapshot", len(snapshot) > 0)
	return room, nil
}

// Lookup returns the already-live room for id, if any, without creating one.
func (e *Engine) Lookup(id string) (*Room, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	room, ok := e.rooms[id]
	return room, ok
}

// Stats returns a snapshot of every currently live room.
func (e *Engine) Stats() []Stats {
	e.mu.Lock()
	rooms := make([]*Room, 0, len(e.rooms))
	for _, r := range e.rooms {
		rooms = append(rooms, r)
	}
	e.mu.Unlock()

	out := make([]Stats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.stats())
	}
	return out
}

func (e *Engine) deregister(id string) {
	e.mu.Lock()
	delete(e.rooms, id)
	e.mu.Unlock()
}

// startMaintenance runs a supervised per-room ticker that flushes a dirty
// document on a fixed cadence (a safety net alongside the debounce timer)
// and deregisters the room from the Engine once it observes Close has run.
func (e *Engine) startMaintenance(room *Room) {
	workerutil.RunWithPanicRecovery(e.ctx, fmt.Sprintf("room-maintenance-%s", room.id), &e.wg,
		func(ctx context.Context) {
			ticker := time.NewTicker(e.cfg.MaintTick)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if room.IsClosed() {
						e.deregister(room.id)
						return
					}
					room.flush("maintenance")
				}
			}
		},
		workerutil.RecoveryOptions{
			IsShutdown: func() bool { return e.ctx.Err() != nil },
		},
	)
}

// Shutdown closes every live room, attempting a best-effort terminal flush
// for each, then waits (up to the given deadline) for supervised
// maintenance goroutines to exit.
func (e *Engine) Shutdown(deadline time.Duration) {
	e.mu.Lock()
	rooms := make([]*Room, 0, len(e.rooms))
	for _, r := range e.rooms {
		rooms = append(rooms, r)
	}
	e.mu.Unlock()

	for _, r := range rooms {
		r.Close("shutdown")
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		slog.Warn("[ROOM] shutdown deadline exceeded waiting for maintenance goroutines")
	}
}
