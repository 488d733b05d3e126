// Package wsgateway is the Session Gateway: it upgrades inbound HTTP
// requests on /connect/<roomId> to WebSocket connections, attaches each one
// to a Room Engine room as a session, relays applied changes both ways, and
// enforces the connection-liveness contract (ping/pong keepalive, bounded
// message size, and policy-violation disconnects) the Room Engine itself
// stays oblivious to.
//
// Grounded on the teacher's internal/wsserver hub: the same write-mutex,
// ping-goroutine, panic-recovered-read-pump shape, generalized from a
// single desktop connection to many concurrent room sessions.
package wsgateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"canvasroom/internal/collabdoc"
	"canvasroom/internal/config"
	"canvasroom/internal/engineerr"
	"canvasroom/internal/roomengine"
)

// writeDeadline bounds a single WebSocket write. Matches the teacher's
// wsserver constant.
const writeDeadline = 5 * time.Second

// readDeadline is the maximum time without read activity (including pongs)
// before a connection is considered dead. Three missed pings at
// config.DefaultPingInterval.
const readDeadline = 90 * time.Second

// maxReadMessageSize bounds one inbound WebSocket frame. Shape-update
// payloads are small JSON documents; 256 KiB comfortably covers pasted
// clipboard content while still rejecting pathological frames.
const maxReadMessageSize = 256 * 1024

// sendBufferSize is the outbound per-session buffer. A session that falls
// this far behind the room's change rate has its broadcast messages
// dropped (roomengine.Room.ApplyChange) rather than stalling the room.
const sendBufferSize = 64

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Gateway wires inbound WebSocket connections to Room Engine rooms.
type Gateway struct {
	engine *roomengine.Engine
	cfg    config.Config
}

// New creates a Gateway backed by engine.
func New(engine *roomengine.Engine, cfg config.Config) *Gateway {
	return &Gateway{engine: engine, cfg: cfg}
}

// snapshotEnvelope is sent to a session immediately after it joins, so the
// client can render the room's current state before any live op arrives.
type snapshotEnvelope struct {
	Op      string                     `json:"op"`
	Version int64                      `json:"version"`
	Shapes  map[string]json.RawMessage `json:"shapes"`
}

// docSnapshot mirrors the on-disk shape of collabdoc.Snapshot's output,
// just enough to lift the shapes map back out for re-framing as a
// session-join message.
type docSnapshot struct {
	Version int64                      `json:"version"`
	Shapes  map[string]json.RawMessage `json:"shapes"`
}

// HandleConnect upgrades the request to a WebSocket and attaches it to the
// room named by the ":roomId" path parameter. Room-acquisition failures are
// reported as WebSocket close codes per spec §6, not HTTP statuses: the
// upgrade happens first, then the socket is closed with 1008 (missing/invalid
// room id) or 1011 (internal error) rather than refusing the upgrade itself.
func (g *Gateway) HandleConnect(c echo.Context) error {
	roomID := c.Param("roomId")

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("[GATEWAY] websocket upgrade failed", "room", roomID, "error", err)
		return nil
	}

	room, err := g.engine.ObtainRoom(roomID)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, engineerr.ErrPolicy) {
			code = websocket.ClosePolicyViolation
		} else {
			slog.Error("[GATEWAY] failed to obtain room", "room", roomID, "error", err)
		}
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "room unavailable"))
		conn.Close()
		return nil
	}

	sessionID := c.QueryParam("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess := &roomengine.Session{ID: sessionID, Send: make(chan []byte, sendBufferSize)}
	conn.SetReadLimit(maxReadMessageSize)

	g.serveSession(room, sess, conn)
	return nil
}

func (g *Gateway) serveSession(room *roomengine.Room, sess *roomengine.Session, conn *websocket.Conn) {
	var writeMu sync.Mutex
	done := make(chan struct{})

	writeDeadlineOrClose := func() bool {
		if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
			return false
		}
		return true
	}

	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	if err := room.AttachSession(sess); err != nil {
		slog.Warn("[GATEWAY] room closed before session could attach", "room", room.ID(), "session", sess.ID, "error", err)
		closeSession(conn, &writeMu, writeDeadlineOrClose, websocket.CloseInternalServerErr, "room closed")
		conn.Close()
		return
	}
	slog.Info("[GATEWAY] session attached", "room", room.ID(), "session", sess.ID)

	if snap, err := room.Snapshot(); err == nil {
		var sd docSnapshot
		if json.Unmarshal(snap, &sd) == nil {
			env := snapshotEnvelope{Op: "snapshot", Version: sd.Version, Shapes: sd.Shapes}
			if payload, marshalErr := json.Marshal(env); marshalErr == nil {
				writeMu.Lock()
				if writeDeadlineOrClose() {
					conn.WriteMessage(websocket.TextMessage, payload)
				}
				writeMu.Unlock()
			}
		}
	}

	go g.writePump(conn, sess, &writeMu, done, writeDeadlineOrClose)
	go g.pingPump(conn, &writeMu, done, writeDeadlineOrClose)

	g.readPump(room, sess, conn, &writeMu, writeDeadlineOrClose)

	close(done)
	room.RemoveSession(sess.ID)
	conn.Close()
	slog.Info("[GATEWAY] session detached", "room", room.ID(), "session", sess.ID)
}

func (g *Gateway) readPump(room *roomengine.Room, sess *roomengine.Session, conn *websocket.Conn, writeMu *sync.Mutex, deadline func() bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[DEBUG-PANIC] wsgateway readPump recovered", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("[GATEWAY] read error", "room", room.ID(), "session", sess.ID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		if err := room.ApplyChange(sess, msg); err != nil {
			switch {
			case errors.Is(err, collabdoc.ErrBadMessage):
				closeSession(conn, writeMu, deadline, websocket.ClosePolicyViolation, "malformed message")
				return
			case errors.Is(err, collabdoc.ErrClosed):
				closeSession(conn, writeMu, deadline, websocket.CloseInternalServerErr, "room closed")
				return
			default:
				slog.Error("[GATEWAY] ApplyChange failed", "room", room.ID(), "session", sess.ID, "error", err)
				closeSession(conn, writeMu, deadline, websocket.CloseInternalServerErr, "internal error")
				return
			}
		}
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, sess *roomengine.Session, writeMu *sync.Mutex, done <-chan struct{}, deadline func() bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[DEBUG-PANIC] wsgateway writePump recovered", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-sess.Send:
			if !ok {
				return
			}
			writeMu.Lock()
			ok = deadline()
			if ok {
				ok = conn.WriteMessage(websocket.TextMessage, msg) == nil
			}
			writeMu.Unlock()
			if !ok {
				return
			}
		}
	}
}

func (g *Gateway) pingPump(conn *websocket.Conn, writeMu *sync.Mutex, done <-chan struct{}, deadline func() bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[DEBUG-PANIC] wsgateway pingPump recovered", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	interval := g.cfg.PingInterval
	if interval <= 0 {
		interval = config.DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			ok := deadline()
			if ok {
				ok = conn.WriteMessage(websocket.PingMessage, nil) == nil
			}
			writeMu.Unlock()
			if !ok {
				return
			}
		}
	}
}

func closeSession(conn *websocket.Conn, writeMu *sync.Mutex, deadline func() bool, code int, reason string) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if deadline() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	}
}
