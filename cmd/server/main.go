// Package main is the entry point for the marker viewer server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markerview/server/internal/api"
	"github.com/markerview/server/internal/cache"
	"github.com/markerview/server/internal/config"
	"github.com/markerview/server/internal/data/csvsource"
	"github.com/markerview/server/internal/events"
	"github.com/markerview/server/internal/regionstore"
	"github.com/markerview/server/internal/render"
	"github.com/markerview/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting marker viewer on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Frame and query caches are shared by every surface.
	cacheManager, err := cache.NewManager(cache.Config{
		FrameCacheSizeMB: cfg.Cache.FrameSizeMB,
		FrameTTL:         time.Duration(cfg.Cache.FrameTTLMinutes) * time.Minute,
		QueryCacheSize:   cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	var regionStore *regionstore.Store
	if cfg.Regions.SQLitePath != "" {
		regionStore, err = regionstore.NewStore(cfg.Regions.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open region store: %v", err)
		}
		log.Printf("Region store: %s", cfg.Regions.SQLitePath)
	}

	rc := cfg.Render
	viewer, err := service.NewViewer(service.ViewerConfig{
		Render: render.Options{
			ImageWidth:   float64(rc.ImageWidth),
			ImageHeight:  float64(rc.ImageHeight),
			MarkerScale:  rc.MarkerScale,
			GlobalScale:  rc.GlobalScale,
			MinPointSize: rc.MinPointSize,
			MaxPointSize: rc.MaxPointSize,
		},
		DefaultColormap: rc.DefaultColormap,
		CanvasWidth:     rc.CanvasWidth,
		CanvasHeight:    rc.CanvasHeight,
		LOD:             cfg.LOD,
		Cache:           cacheManager,
		Regions:         regionStore,
	})
	if err != nil {
		log.Fatalf("Failed to initialize viewer: %v", err)
	}
	defer viewer.Close()

	log.Printf("Loading %d dataset(s)", len(cfg.Datasets))
	for _, src := range cfg.Datasets {
		table, err := csvsource.ReadFile(ctx, src.Path, nil)
		if err != nil {
			log.Fatalf("Failed to read dataset %q: %v", src.Name, err)
		}
		if table.Short > 0 {
			log.Printf("  [%s] %d records with a mismatched field count", src.Name, table.Short)
		}
		b := src.Bindings
		info, err := viewer.CreateDataset(service.DatasetRequest{
			Name:        src.Name,
			Columns:     table.Columns,
			Rows:        table.Rows,
			Bindings:    &b,
			ColorPolicy: src.ColorPolicy,
			Dictionary:  src.Dictionary,
		})
		if err != nil {
			log.Fatalf("Failed to load dataset %q: %v", src.Name, err)
		}
		log.Printf("  [%s] uid=%s rows=%d groups=%d mode=%s", src.Name, info.ID, info.Rows, info.Groups, info.Mode)
	}

	// Background CSV imports
	importManager := api.NewImportJobManager(api.ImportJobManagerConfig{
		MaxConcurrent: cfg.Import.MaxConcurrent,
		QueueSize:     cfg.Import.QueueSize,
		Retention:     time.Duration(cfg.Import.RetentionMinutes) * time.Minute,
	})
	importManager.Executor = api.NewImportExecutor(viewer)
	importManager.Start()
	defer importManager.Stop()
	log.Printf("Import jobs: max_concurrent=%d, queue=%d", cfg.Import.MaxConcurrent, cfg.Import.QueueSize)

	if cfg.Events.NATSURL != "" {
		sub, err := events.Subscribe(cfg.Events.NATSURL, cfg.Events.Subject, viewer.ApplyEvent)
		if err != nil {
			log.Fatalf("Failed to subscribe to display events: %v", err)
		}
		defer sub.Close()
		log.Printf("Display events: %s on %s", cfg.Events.Subject, cfg.Events.NATSURL)
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Viewer:      viewer,
		CORSOrigins: cfg.Server.CORSOrigins,
		Imports:     importManager,
		Title:       cfg.Server.Title,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
