// Package app assembles the title server: configuration, logging
// sinks, storage backend, catalog, orchestrator and the HTTP edge.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	server "crestfall/server"
	"crestfall/server/internal/catalog"
	"crestfall/server/internal/storage"
	"crestfall/server/internal/telemetry"
	"crestfall/server/logging"
	loggingSinks "crestfall/server/logging/sinks"
)

// Options carries the few knobs not read from the environment.
type Options struct {
	Logger telemetry.Logger
}

// Run boots the server and blocks until ctx is cancelled, then shuts
// down in order: edge, tick loop, orchestrator persistence, storage,
// logging.
func Run(ctx context.Context, opts Options) error {
	telemetryLogger := opts.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}

	router, closeSinks, err := buildLogging(cfg)
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
		closeSinks()
	}()

	store, err := openStorage(ctx, cfg, telemetryLogger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			telemetryLogger.Printf("failed to close storage: %v", cerr)
		}
	}()

	cat, err := loadCatalog(cfg, telemetryLogger)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMemoryMetrics()
	orch := server.NewOrchestrator(cfg, cat, store, router, metrics)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if cfg.WatchCatalog {
		watcher, err := catalog.NewWatcher(cfg.CatalogPath, telemetryLogger, func(fresh *catalog.Catalog) {
			telemetryLogger.Printf("catalog reloaded: %d titles", fresh.Len())
			orch.ReplaceCatalog(watchCtx, fresh)
		})
		if err != nil {
			telemetryLogger.Printf("catalog watcher disabled: %v", err)
		} else {
			go watcher.Run(watchCtx)
		}
	}

	stop := make(chan struct{})
	go orch.RunLoop(stop)

	hub := server.NewHub(orch, telemetryLogger)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: hub.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		telemetryLogger.Printf("listening on %s", cfg.Addr)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		telemetryLogger.Printf("http shutdown: %v", err)
	}
	hub.CloseAll()
	cancelWatch()
	close(stop)
	if err := orch.Shutdown(shutdownCtx); err != nil {
		telemetryLogger.Printf("orchestrator shutdown: %v", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func buildLogging(cfg server.Config) (*logging.Router, func(), error) {
	logCfg := logging.DefaultConfig()
	logCfg.EnabledSinks = cfg.LogSinks
	logCfg.BufferSize = cfg.LogBufferSize
	logCfg.MinimumSeverity = logging.ParseSeverity(cfg.LogSeverity)

	var cleanup []func()
	closeAll := func() {
		for _, fn := range cleanup {
			fn()
		}
	}

	var named []logging.NamedSink
	if logCfg.HasSink("console") {
		named = append(named, logging.NamedSink{
			Name: "console",
			Sink: loggingSinks.NewConsoleSink(os.Stdout, logCfg.Console),
		})
	}
	if logCfg.HasSink("json") {
		if err := os.MkdirAll(filepath.Dir(cfg.LogJSONPath), 0o755); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		file, err := os.OpenFile(cfg.LogJSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open json log: %w", err)
		}
		cleanup = append(cleanup, func() { file.Close() })
		named = append(named, logging.NamedSink{
			Name: "json",
			Sink: loggingSinks.NewJSON(file, logCfg.JSON.FlushInterval),
		})
	}

	router, err := logging.NewRouter(logging.SystemClock{}, logCfg, named)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return router, closeAll, nil
}

func openStorage(ctx context.Context, cfg server.Config, logger telemetry.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case server.StorageSQLite:
		store, err := storage.OpenSQLite(ctx, cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case server.StorageFile:
		store, err := storage.OpenFileStore(cfg.DataPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return store, nil
	case server.StorageMemory:
		logger.Printf("using in-memory storage, player state is lost on restart")
		return storage.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

func loadCatalog(cfg server.Config, logger telemetry.Logger) (*catalog.Catalog, error) {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Printf("catalog %s missing, starting with an empty catalog", cfg.CatalogPath)
			return catalog.New(nil), nil
		}
		return nil, err
	}
	logger.Printf("catalog loaded: %d titles", cat.Len())
	return cat, nil
}
