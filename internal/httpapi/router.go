// Package httpapi is the Asset & Metadata API: the echo-based HTTP surface
// for asset upload/download, link unfurling, room/asset listings, and
// process health, sitting alongside the Session Gateway's WebSocket
// upgrade route on the same listener.
package httpapi

import (
	"errors"
	"io"
	"net/http"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/lo"

	"canvasroom/internal/config"
	"canvasroom/internal/engineerr"
	"canvasroom/internal/roomengine"
	"canvasroom/internal/snapshotstore"
	"canvasroom/internal/unfurl"
	"canvasroom/internal/wsgateway"
)

// activeRoomWindow is the threshold used by GET /api/rooms to mark a room
// "active": a snapshot modified more recently than this counts as active,
// matching spec §6's literal "now - mtime < 24h" rule.
const activeRoomWindow = 24 * time.Hour

// API wires the Snapshot Store, Room Engine, and Unfurl Resolver to HTTP
// handlers.
type API struct {
	store     *snapshotstore.Store
	engine    *roomengine.Engine
	resolver  *unfurl.Resolver
	gateway   *wsgateway.Gateway
	cfg       config.Config
	startedAt time.Time
	now       func() time.Time
}

// New creates an API. gateway may be nil if the caller wires the WebSocket
// route separately.
func New(store *snapshotstore.Store, engine *roomengine.Engine, resolver *unfurl.Resolver, gateway *wsgateway.Gateway, cfg config.Config) *API {
	return &API{
		store:     store,
		engine:    engine,
		resolver:  resolver,
		gateway:   gateway,
		cfg:       cfg,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Router builds the echo instance with every route and middleware
// registered, ready to pass to http.ListenAndServe or echo's own runner.
func (a *API) Router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	e.GET("/health", a.handleHealth)
	e.GET("/api/health", a.handleAPIHealth)
	e.GET("/unfurl", a.handleUnfurl)
	e.PUT("/uploads/:id", a.handleUploadPut)
	e.GET("/uploads/:id", a.handleUploadGet)
	e.GET("/api/rooms", a.handleListRooms)
	e.GET("/api/assets", a.handleListAssets)
	e.GET("/api/stats", a.handleStats)

	if a.gateway != nil {
		e.GET("/connect/:roomId", a.gateway.HandleConnect)
	}

	return e
}

// handleHealth is the bare liveness probe: spec §4.4 specifies plain text
// "OK", not a JSON body, so callers (load balancers) don't need a parser.
func (a *API) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

type checkResult struct {
	Status  string `json:"status"`
	Details string `json:"details"`
	Warning string `json:"warning,omitempty"`
}

type connectionsCheckResult struct {
	Status  string                 `json:"status"`
	Details connectionsCheckDetail `json:"details"`
}

type connectionsCheckDetail struct {
	Active int `json:"active"`
}

type apiHealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    float64   `json:"uptime"`
	Checks    struct {
		Memory      checkResult            `json:"memory"`
		Connections connectionsCheckResult `json:"connections"`
		Storage     checkResult            `json:"storage"`
	} `json:"checks"`
}

// memoryWarnBytes flags heap growth worth a human glance well before it
// threatens the process; it is not an enforcement limit.
const memoryWarnBytes = 512 << 20 // 512 MiB

// handleAPIHealth reports the structured health object from spec §6,
// checking heap usage, active session count, and storage reachability.
func (a *API) handleAPIHealth(c echo.Context) error {
	now := a.now()
	resp := apiHealthResponse{
		Status:    "healthy",
		Timestamp: now,
		Uptime:    now.Sub(a.startedAt).Seconds(),
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	resp.Checks.Memory = checkResult{
		Status:  "ok",
		Details: humanize.Bytes(mem.HeapAlloc) + " heap in use",
	}
	if mem.HeapAlloc > memoryWarnBytes {
		resp.Checks.Memory.Status = "warning"
		resp.Checks.Memory.Warning = "heap usage above " + humanize.Bytes(memoryWarnBytes)
		resp.Status = "warning"
	}

	active := 0
	for _, s := range a.engine.Stats() {
		active += s.SessionCount
	}
	resp.Checks.Connections = connectionsCheckResult{
		Status:  "ok",
		Details: connectionsCheckDetail{Active: active},
	}

	storageStatus := "ok"
	storageDetails := "rooms and assets directories reachable"
	if _, err := a.store.ListRooms(); err != nil {
		storageStatus = "error"
		storageDetails = err.Error()
		resp.Status = "error"
	} else if _, err := a.store.ListAssets(); err != nil {
		storageStatus = "error"
		storageDetails = err.Error()
		resp.Status = "error"
	}
	resp.Checks.Storage = checkResult{Status: storageStatus, Details: storageDetails}

	return c.JSON(http.StatusOK, resp)
}

// handleUploadPut accepts an asset blob up to cfg.MaxUploadBytes, replying
// 413 Request Entity Too Large if the client-declared or actual body size
// exceeds the cap (SPEC_FULL.md Open Question #2).
func (a *API) handleUploadPut(c echo.Context) error {
	id := c.Param("id")
	if err := snapshotstore.ValidateID(id); err != nil {
		return c.String(http.StatusBadRequest, "invalid asset id")
	}

	if c.Request().ContentLength > a.cfg.MaxUploadBytes {
		return c.String(http.StatusRequestEntityTooLarge, "upload exceeds maximum size")
	}

	limited := http.MaxBytesReader(c.Response(), c.Request().Body, a.cfg.MaxUploadBytes)
	data, err := io.ReadAll(limited)
	if err != nil {
		return c.String(http.StatusRequestEntityTooLarge, "upload exceeds maximum size")
	}

	if err := a.store.WriteAsset(id, data); err != nil {
		return c.String(http.StatusInternalServerError, "failed to store asset")
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleUploadGet(c echo.Context) error {
	id := c.Param("id")
	if err := snapshotstore.ValidateID(id); err != nil {
		return c.String(http.StatusBadRequest, "invalid asset id")
	}

	data, err := a.store.ReadAsset(id)
	if err != nil {
		if errors.Is(err, engineerr.ErrNotFound) {
			return c.String(http.StatusNotFound, "asset not found")
		}
		return c.String(http.StatusInternalServerError, "failed to read asset")
	}
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

func (a *API) handleUnfurl(c echo.Context) error {
	target := c.QueryParam("url")
	if target == "" {
		return c.String(http.StatusBadRequest, "missing url query parameter")
	}
	meta := a.resolver.Unfurl(c.Request().Context(), target)
	return c.JSON(http.StatusOK, meta)
}

type roomListEntry struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	IsActive     bool      `json:"isActive"`
}

type roomsResponse struct {
	TotalRooms   int             `json:"totalRooms"`
	ActiveRooms  int             `json:"activeRooms"`
	StorageUsed  int64           `json:"storageUsed"`
	Rooms        []roomListEntry `json:"rooms"`
	LastUpdated  time.Time       `json:"lastUpdated"`
}

// handleListRooms returns the /api/rooms listing from spec §6: rooms sorted
// by lastModified descending, with "active" meaning modified within the
// last 24h regardless of whether the room is currently live in the Engine.
func (a *API) handleListRooms(c echo.Context) error {
	entries, err := a.store.ListRooms()
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to list rooms")
	}

	now := a.now()
	var storageUsed int64
	active := 0
	rooms := lo.Map(entries, func(e snapshotstore.Entry, _ int) roomListEntry {
		storageUsed += e.Size
		isActive := now.Sub(e.Modified) < activeRoomWindow
		if isActive {
			active++
		}
		return roomListEntry{Name: e.ID, Size: e.Size, LastModified: e.Modified, IsActive: isActive}
	})
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].LastModified.After(rooms[j].LastModified) })

	return c.JSON(http.StatusOK, roomsResponse{
		TotalRooms:  len(rooms),
		ActiveRooms: active,
		StorageUsed: storageUsed,
		Rooms:       rooms,
		LastUpdated: now,
	})
}

type assetListEntry struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

type assetsResponse struct {
	TotalAssets int              `json:"totalAssets"`
	StorageUsed int64            `json:"storageUsed"`
	Assets      []assetListEntry `json:"assets"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

// handleListAssets returns the /api/assets listing from spec §6: assets
// sorted by size descending.
func (a *API) handleListAssets(c echo.Context) error {
	entries, err := a.store.ListAssets()
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to list assets")
	}

	var storageUsed int64
	assets := lo.Map(entries, func(e snapshotstore.Entry, _ int) assetListEntry {
		storageUsed += e.Size
		return assetListEntry{Name: e.ID, Size: e.Size, LastModified: e.Modified}
	})
	sort.Slice(assets, func(i, j int) bool { return assets[i].Size > assets[j].Size })

	return c.JSON(http.StatusOK, assetsResponse{
		TotalAssets: len(assets),
		StorageUsed: storageUsed,
		Assets:      assets,
		LastUpdated: a.now(),
	})
}

type statsResponse struct {
	Uptime            float64           `json:"uptime"`
	MemoryUsage       memoryUsage       `json:"memoryUsage"`
	RuntimeVersion    string            `json:"nodeOrRuntimeVersion"`
	Platform          string            `json:"platform"`
	PID               int               `json:"pid"`
	ActiveConnections int               `json:"activeConnections"`
	Environment       map[string]string `json:"environment"`
	LastUpdated       time.Time         `json:"lastUpdated"`
}

type memoryUsage struct {
	RSS       uint64 `json:"rss"`
	HeapTotal uint64 `json:"heapTotal"`
	HeapUsed  uint64 `json:"heapUsed"`
}

// handleStats returns the /api/stats process/runtime summary from spec §6.
// "nodeOrRuntimeVersion" and "platform" report the Go runtime and GOOS in
// place of the reference's Node.js process.version/process.platform.
func (a *API) handleStats(c echo.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	active := 0
	for _, s := range a.engine.Stats() {
		active += s.SessionCount
	}

	now := a.now()
	return c.JSON(http.StatusOK, statsResponse{
		Uptime: now.Sub(a.startedAt).Seconds(),
		MemoryUsage: memoryUsage{
			RSS:       mem.Sys,
			HeapTotal: mem.HeapSys,
			HeapUsed:  mem.HeapAlloc,
		},
		RuntimeVersion:    runtime.Version(),
		Platform:          runtime.GOOS,
		PID:               os.Getpid(),
		ActiveConnections: active,
		Environment: map[string]string{
			"cleanupEnabled":       boolString(a.cfg.CleanupEnabled),
			"roomRetentionDays":    humanize.Comma(int64(a.cfg.RoomRetention.Hours() / 24)),
			"assetRetentionDays":   humanize.Comma(int64(a.cfg.AssetRetention.Hours() / 24)),
			"cleanupIntervalHours": humanize.Comma(int64(a.cfg.CleanupInterval.Hours())),
		},
		LastUpdated: now,
	})
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
