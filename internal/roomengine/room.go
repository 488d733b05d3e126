package roomengine

import (
	"log/slog"
	"sync"
	"time"

	"canvasroom/internal/collabdoc"
	"canvasroom/internal/engineerr"
)

// Room is one live collaboration room: a document, its attached sessions,
// and the debounce/idle timers that govern when it gets flushed to disk or
// torn down. All Room methods are safe for concurrent use; callers never
// need to lock a Room themselves.
type Room struct {
	id     string
	engine *Engine

	mu           sync.Mutex
	doc          *collabdoc.Doc
	sessions     map[string]*Session
	dirty        bool
	closed       bool
	lastActivity time.Time
	flushTimer   *time.Timer
	idleTimer    *time.Timer
}

func newRoom(id string, engine *Engine, doc *collabdoc.Doc) *Room {
	return &Room{
		id:           id,
		engine:       engine,
		doc:          doc,
		sessions:     make(map[string]*Session),
		lastActivity: engine.now(),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// AttachSession registers sess as live in the room and cancels any pending
// idle eviction, matching the reference's "a reconnect within the grace
// period cancels the pending teardown" behavior (spec §4.3, scenario S3).
// It fails with engineerr.ErrRoomClosed if the room has already transitioned
// to closed since the caller's ObtainRoom call (spec §4.2: "attachSession ...
// fails with RoomClosed if the Room has already transitioned to closed
// between obtainRoom and attachSession").
func (r *Room) AttachSession(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return engineerr.ErrRoomClosed
	}
	r.sessions[sess.ID] = sess
	r.lastActivity = r.engine.now()
	r.cancelIdleTimerLocked()
	return nil
}

// RemoveSession detaches a session. Once the last session leaves, the idle
// eviction timer is armed for IdleGrace (spec §4.3).
func (r *Room) RemoveSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	r.lastActivity = r.engine.now()
	if len(r.sessions) == 0 && !r.closed {
		r.armIdleTimerLocked()
	}
}

// SessionCount reports the number of currently attached sessions.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ApplyChange applies msg to the room document, arms the debounced flush,
// and relays msg verbatim to every other attached session. A send to a
// session whose outbound buffer is full is dropped rather than blocking the
// whole room: one slow reader must not stall everyone else.
//
// The document commit and the broadcast (both the recipient-list snapshot
// and the sends themselves) happen under a single held r.mu: wsgateway runs
// one reader goroutine per attached session, so concurrent callers can reach
// ApplyChange for the same Room at once. Committing under doc's own lock and
// then separately locking r.mu to broadcast would let two callers' commit
// order and their r.mu-broadcast order diverge under an unlucky scheduler
// interleaving — committing A before B but broadcasting B before A to a
// third session. Holding r.mu across both halves makes each ApplyChange call
// fully serialized against every other one for this Room, so commit order
// and broadcast order are the same order (spec.md: "Outbound broadcasts to
// any single receiving Session preserve the order in which the Room
// committed them").
func (r *Room) ApplyChange(from *Session, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.doc.ApplyChange(msg); err != nil {
		return err
	}

	r.dirty = true
	r.lastActivity = r.engine.now()
	r.armFlushTimerLocked()

	for id, sess := range r.sessions {
		if from != nil && id == from.ID {
			continue
		}
		select {
		case sess.Send <- msg:
		default:
			slog.Warn("[ROOM] dropping broadcast to slow session", "room", r.id, "session", sess.ID)
		}
	}
	return nil
}

// Snapshot returns the current document state for callers that need it
// without going through the flush path (e.g. attaching a new session).
func (r *Room) Snapshot() ([]byte, error) {
	return r.doc.Snapshot()
}

// Version returns the document's current revision counter.
func (r *Room) Version() int64 {
	return r.doc.Version()
}

func (r *Room) stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		ID:           r.id,
		SessionCount: len(r.sessions),
		Version:      r.doc.Version(),
		Dirty:        r.dirty,
	}
}

// armFlushTimerLocked (re)arms the debounce timer so the room is written to
// disk FlushDebounce after the most recent change, coalescing bursts of
// rapid edits into a single write (spec §4.2).
func (r *Room) armFlushTimerLocked() {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
	}
	r.flushTimer = time.AfterFunc(r.engine.cfg.FlushDebounce, r.onFlushTimerFire)
}

func (r *Room) cancelFlushTimerLocked() {
	if r.flushTimer != nil {
		r.flushTimer.Stop()
		r.flushTimer = nil
	}
}

func (r *Room) onFlushTimerFire() {
	r.flush("debounce")
}

// flush persists the current document snapshot if the room is dirty. It
// reads version before the write and again after, clearing dirty only if
// the document has not changed in the interim; a race there simply leaves
// dirty set, and the next maintenance tick or debounce retries harmlessly.
func (r *Room) flush(reason string) {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	versionBefore := r.doc.Version()
	data, err := r.doc.Snapshot()
	if err != nil {
		slog.Error("[ROOM] failed to snapshot document", "room", r.id, "reason", reason, "error", err)
		return
	}
	if err := r.engine.store.WriteRoom(r.id, data); err != nil {
		slog.Error("[ROOM] failed to persist snapshot", "room", r.id, "reason", reason, "error", err)
		return
	}

	r.mu.Lock()
	if r.doc.Version() == versionBefore {
		r.dirty = false
	}
	r.mu.Unlock()
}

// armIdleTimerLocked schedules eviction IdleGrace after the room becomes
// empty (spec §4.3, scenario S4).
func (r *Room) armIdleTimerLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.AfterFunc(r.engine.cfg.IdleGrace, r.onIdleTimerFire)
}

func (r *Room) cancelIdleTimerLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

func (r *Room) onIdleTimerFire() {
	r.mu.Lock()
	empty := len(r.sessions) == 0
	r.mu.Unlock()
	if empty {
		r.Close("idle")
	}
}

// Close tears the room down: pending timers are cancelled, a best-effort
// terminal flush is attempted if dirty, and the document is marked closed
// so any in-flight ApplyChange fails cleanly. Close is idempotent and safe
// to call from the idle timer, the maintenance loop, or process shutdown.
func (r *Room) Close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.cancelFlushTimerLocked()
	r.cancelIdleTimerLocked()
	dirty := r.dirty
	r.mu.Unlock()

	if dirty {
		r.flush(reason)
	}
	r.doc.Close()
	slog.Info("[ROOM] closed", "room", r.id, "reason", reason)
}

// IsClosed reports whether the room has transitioned to its terminal state.
func (r *Room) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
