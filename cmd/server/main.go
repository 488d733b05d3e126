// Command server runs the collaboration backend: the Session Gateway and
// Asset & Metadata API on one HTTP listener, backed by the Room Engine,
// Snapshot Store, Unfurl Resolver, and Retention Sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"canvasroom/internal/config"
	"canvasroom/internal/httpapi"
	"canvasroom/internal/retention"
	"canvasroom/internal/roomengine"
	"canvasroom/internal/snapshotstore"
	"canvasroom/internal/unfurl"
	"canvasroom/internal/wsgateway"
)

// shutdownGrace bounds how long the process waits for in-flight
// connections and room flushes to finish before forcing an exit.
const shutdownGrace = 10 * time.Second

func main() {
	cfg := config.Load(os.Getenv, os.Getenv("TUNABLES_FILE"))
	slog.Info("[SERVER] starting", "port", cfg.Port, "roomsDir", cfg.RoomsDir, "assetsDir", cfg.AssetsDir)

	store := snapshotstore.New(cfg.RoomsDir, cfg.AssetsDir)
	engine := roomengine.New(store, cfg)
	resolver := unfurl.New(12*time.Second, 0)
	gateway := wsgateway.New(engine, cfg)
	api := httpapi.New(store, engine, resolver, gateway, cfg)

	sweeper := retention.New(store, engine, cfg)
	ctx, cancelSweeper := context.WithCancel(context.Background())
	var sweeperWG sync.WaitGroup
	sweeper.Start(ctx, &sweeperWG)

	httpServer := &http.Server{
		Addr:    portAddr(cfg.Port),
		Handler: api.Router(),
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("[SERVER] listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("[SERVER] received signal, shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			slog.Error("[SERVER] listener failed", "error", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("[SERVER] HTTP shutdown did not complete cleanly", "error", err)
	}

	cancelSweeper()
	sweeperWG.Wait()

	engine.Shutdown(shutdownGrace)
	slog.Info("[SERVER] shutdown complete")
}

func portAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
