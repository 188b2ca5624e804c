package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Collaborators are the platform-side hooks the engine cannot provide itself:
// the connectivity signal, the signed-in user, and the application's local
// record store for reconciliation.
type Collaborators struct {
	// Signal is the platform connectivity source. Required.
	Signal ConnectivitySignal

	// Identity yields the signed-in user. Required.
	Identity IdentityProvider

	// Remote overrides the S3 remote store from configuration. Optional when
	// Config.Remote is set.
	Remote RemoteStore

	// Local is the application-side record store used for bidirectional
	// reconciliation. Optional; reconciliation is skipped when nil.
	Local LocalRecords

	// BatteryOK gates scheduled sync passes. Optional.
	BatteryOK func() bool

	// Logger for all engine components. Defaults to slog.Default().
	Logger *slog.Logger
}

// Engine is the top-level facade: it owns the local store, network monitor,
// compression, cache, offline queue, and sync orchestrator, and manages their
// shared lifecycle.
type Engine struct {
	config Config
	logger *slog.Logger

	store        *SQLiteStore
	monitor      *NetworkMonitor
	compression  *CompressionEngine
	images       *ImageCompressor
	encryptor    *Encryptor
	cache        *CacheManager
	queue        *ActionQueue
	resolver     *ConflictResolver
	remote       RemoteStore
	orchestrator *Orchestrator
	telemetry    *TelemetryExporter
	status       *StatusServer
	httpServer   *http.Server

	mu     sync.Mutex
	closed bool
}

// Open wires and starts the engine.
func Open(cfg Config, collab Collaborators) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if collab.Signal == nil {
		return nil, errors.New("connectivity signal is required")
	}
	if collab.Identity == nil {
		return nil, errors.New("identity provider is required")
	}

	logger := collab.Logger
	if logger == nil {
		logger = slog.Default()
	}

	remote := collab.Remote
	if remote == nil {
		if cfg.Remote == nil {
			return nil, errors.New("remote store is required")
		}
		s3Remote, err := NewS3RemoteStore(*cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("open remote store: %w", err)
		}
		remote = s3Remote
	}

	store, err := OpenSQLiteStore(cfg.LocalStore)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	var encryptor *Encryptor
	if cfg.Encryption != nil {
		encryptor, err = NewEncryptor(*cfg.Encryption)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init encryption: %w", err)
		}
	}

	e := &Engine{
		config:      cfg,
		logger:      logger,
		store:       store,
		remote:      remote,
		encryptor:   encryptor,
		monitor:     NewNetworkMonitor(collab.Signal, cfg.Thresholds, logger),
		compression: NewCompressionEngine(),
		images:      NewImageCompressor(),
		resolver:    NewConflictResolver(cfg.LocalFields),
	}

	e.queue = NewActionQueue(store, cfg.MaxRetries, logger)
	e.cache = NewCacheManager(store, e.compression, encryptor,
		e.monitor.Optimization, e.monitor.Online, logger)
	e.orchestrator = NewOrchestrator(cfg.Sync, e.queue, store, remote,
		collab.Identity, e.monitor, e.resolver, collab.Local, e.cache, logger)
	if collab.BatteryOK != nil {
		e.orchestrator.SetBatteryCheck(collab.BatteryOK)
	}

	if cfg.Telemetry != nil {
		e.telemetry = NewTelemetryExporter(*cfg.Telemetry, e.monitor,
			e.orchestrator, e.queue, e.cache, e.compression, logger)
	}
	e.status = NewStatusServer(e.monitor, e.orchestrator, e.queue, e.cache,
		e.compression, logger)

	e.monitor.Start()
	e.orchestrator.Start()
	if e.telemetry != nil {
		e.telemetry.Start()
	}

	if cfg.HTTP.Enabled {
		if err := e.startHTTP(cfg.HTTP.Port); err != nil {
			_ = e.Close()
			return nil, err
		}
	}

	logger.Info("engine opened",
		"path", cfg.LocalStore.Path,
		"http", cfg.HTTP.Enabled,
		"encrypted", encryptor != nil)
	return e, nil
}

func (e *Engine) startHTTP(port int) error {
	mux := http.NewServeMux()
	e.status.RegisterHTTPHandlers(mux)

	e.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := e.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("status server failed", "err", err)
		}
	}()
	return nil
}

// Close stops background work and closes the local store. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if e.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.httpServer.Shutdown(ctx)
		cancel()
	}
	if e.telemetry != nil {
		e.telemetry.Stop()
	}
	e.orchestrator.Stop()
	e.monitor.Stop()

	if closer, ok := e.remote.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return e.store.Close()
}

// Enqueue records an offline mutation for later replay.
func (e *Engine) Enqueue(ctx context.Context, op ActionOp, collection, recordID string, payload map[string]any) (*OfflineAction, error) {
	return e.queue.Enqueue(ctx, op, collection, recordID, payload)
}

// Sync triggers a sync pass immediately.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	return e.orchestrator.TriggerSync(ctx)
}

// Monitor returns the network quality monitor.
func (e *Engine) Monitor() *NetworkMonitor { return e.monitor }

// Queue returns the offline action queue.
func (e *Engine) Queue() *ActionQueue { return e.queue }

// Cache returns the adaptive cache manager.
func (e *Engine) Cache() *CacheManager { return e.cache }

// Compression returns the payload compression engine.
func (e *Engine) Compression() *CompressionEngine { return e.compression }

// Images returns the image compressor.
func (e *Engine) Images() *ImageCompressor { return e.images }

// Orchestrator returns the sync orchestrator.
func (e *Engine) Orchestrator() *Orchestrator { return e.orchestrator }

// Status returns the HTTP status surface for mounting on an external mux.
func (e *Engine) Status() *StatusServer { return e.status }
