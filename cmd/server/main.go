// cmd/server is the main entrypoint for a vectordb engine node.
//
// Configuration is entirely via flags so a single binary can serve
// any collection shape.
//
// Example — 128-dim L2 collection with both vector indexes:
//
//	./server --addr :8080 --data-dir /var/vectordb \
//	         --dim 128 --metric L2 \
//	         --max-elements 100000 --m 32 --ef-construction 200
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vectordb/internal/api"
	"vectordb/internal/engine"
	"vectordb/internal/index"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	addr := flag.String("addr", ":8080", "Listen address (host:port)")
	dataDir := flag.String("data-dir", "/tmp/vectordb", "Directory for WAL, scalar store and snapshots")
	dim := flag.Int("dim", 2, "Vector dimension of the collection")
	metricFlag := flag.String("metric", "L2", "Distance metric: L2, IP or COSINE")
	maxElements := flag.Int("max-elements", 100000, "HNSW element budget")
	m := flag.Int("m", 32, "HNSW per-node neighbor budget")
	efConstruction := flag.Int("ef-construction", 200, "HNSW construction candidate pool")
	versionTag := flag.String("version-tag", "v1", "WAL compatibility tag")
	snapshotEvery := flag.Duration("snapshot-interval", 60*time.Second, "Background snapshot period (0 disables)")
	debug := flag.Bool("debug", false, "Verbose logging")
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		os.Stderr.WriteString("build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	metric, err := index.ParseMetric(*metricFlag)
	if err != nil {
		logger.Fatal("bad --metric", zap.Error(err))
	}

	// ── Indexes ────────────────────────────────────────────────────────────
	// Every kind is registered up front: the snapshot format and the
	// WAL replay path both expect the full set.
	registry := index.NewRegistry(logger)
	registry.InitFlat(*dim, metric)
	registry.InitHNSW(*dim, metric, index.HNSWParams{
		MaxElements:    *maxElements,
		M:              *m,
		EfConstruction: *efConstruction,
	})
	registry.InitFilter()

	// ── Engine ─────────────────────────────────────────────────────────────
	// Open loads the last snapshot and replays the WAL tail; a corrupt
	// log refuses to serve rather than silently dropping writes.
	eng, err := engine.Open(engine.Config{
		DataDir: *dataDir,
		Version: *versionTag,
	}, registry, logger)
	if err != nil {
		logger.Fatal("open engine", zap.Error(err))
	}
	defer eng.Close()

	// ── HTTP server ────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(logger), api.Recovery(logger))

	handler := api.NewHandler(eng, *dim, logger)
	handler.Register(router)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("engine listening",
			zap.String("addr", *addr),
			zap.Int("dim", *dim),
			zap.String("metric", string(metric)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Background snapshots bound WAL replay time after a crash.
	stopSnapshots := make(chan struct{})
	if *snapshotEvery > 0 {
		go func() {
			ticker := time.NewTicker(*snapshotEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if err := eng.Snapshot(); err != nil {
						logger.Error("background snapshot", zap.Error(err))
					}
				case <-stopSnapshots:
					return
				}
			}
		}()
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	close(stopSnapshots)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	// Final snapshot so the next start replays nothing.
	if err := eng.Snapshot(); err != nil {
		logger.Error("final snapshot", zap.Error(err))
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
