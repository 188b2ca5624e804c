// Package fieldsync provides an offline-first synchronization engine for
// applications running on unreliable, low-bandwidth networks.
//
// Fieldsync keeps a local SQLite store of queued mutations and cached remote
// reads, classifies the current connection quality, and adapts page sizes,
// compression, image quality, and sync cadence to the link it actually has.
//
// # Basic Usage
//
// Open an engine with default configuration:
//
//	engine, err := fieldsync.Open(fieldsync.DefaultConfig("fieldsync.db"), fieldsync.Collaborators{
//	    Signal:   platformSignal,
//	    Identity: authProvider,
//	    Remote:   remoteStore,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
// Record mutations while offline:
//
//	_, err := engine.Enqueue(ctx, fieldsync.OpCreate, "fowls", "f1", map[string]any{
//	    "breed": "leghorn",
//	    "count": 24,
//	})
//
// Read through the cache with a remote fallback:
//
//	var flock Flock
//	hit, err := engine.Cache().GetWithFallback(ctx, "flock:f1", time.Hour,
//	    fieldsync.CachePriorityHigh, &flock, fetchFlock)
//
// # Features
//
// Network Adaptation:
//   - Connection quality classification from platform link metrics
//   - Per-quality operating parameters (page size, timeouts, image tiers)
//   - Sync strategy gating (immediate, background, wifi-only, manual)
//
// Offline Operation:
//   - Durable FIFO action queue with bounded retry budgets
//   - Priority-based cache with TTL expiry and budget eviction
//   - Optional AES-256-GCM encryption of cached payloads
//   - Snappy compression of payloads and tiered JPEG image compression
//
// Synchronization:
//   - Single-flight sync passes with scheduled, connectivity, and manual triggers
//   - Last-write-wins and field-merge conflict resolution
//   - Bidirectional reconciliation of well-known records
//   - Circuit breaker and retry with jittered exponential backoff
//
// Integrations:
//   - S3-compatible remote document store
//   - Optional HTTP status API with a WebSocket status feed
//   - Optional Prometheus remote-write telemetry
//
// # Configuration
//
// Use [Config] to customize behavior:
//
//	cfg := fieldsync.DefaultConfig("fieldsync.db")
//	cfg.Encryption = &fieldsync.EncryptionConfig{Enabled: true, KeyPassword: "..."}
//	cfg.Sync.Reconcile = []fieldsync.ReconcileSpec{
//	    {Collection: "profiles", PerUser: true, Policy: fieldsync.ConflictFieldMerge},
//	}
//
// Or load it from YAML with [LoadConfig].
package fieldsync
