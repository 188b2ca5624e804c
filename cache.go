package fieldsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CachePriority ranks entries for expiry and eviction. Priority beats recency
// here: rural users pre-fetch critical data before losing connectivity, and
// that data must outlive bulk page caches.
type CachePriority int

const (
	CachePriorityLow CachePriority = iota
	CachePriorityMedium
	CachePriorityHigh
)

func (p CachePriority) String() string {
	switch p {
	case CachePriorityHigh:
		return "high"
	case CachePriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// TTL returns the natural lifetime for entries of this priority.
func (p CachePriority) TTL() time.Duration {
	switch p {
	case CachePriorityHigh:
		return 24 * time.Hour
	case CachePriorityMedium:
		return 6 * time.Hour
	default:
		return time.Hour
	}
}

// CacheEntry is a cached remote read as persisted in the local store.
type CacheEntry struct {
	Key        string        `json:"key"`
	Payload    []byte        `json:"-"`
	Compressed bool          `json:"compressed"`
	Encrypted  bool          `json:"encrypted"`
	Priority   CachePriority `json:"priority"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	SizeBytes  int64         `json:"size_bytes"`
}

// CacheStats contains cache telemetry.
type CacheStats struct {
	Entries       int   `json:"entries"`
	SizeBytes     int64 `json:"size_bytes"`
	BudgetBytes   int64 `json:"budget_bytes"`
	HitCount      int64 `json:"hit_count"`
	MissCount     int64 `json:"miss_count"`
	EvictionCount int64 `json:"eviction_count"`
	ExpiredSwept  int64 `json:"expired_swept"`
}

// CacheManager stores fetched remote data in the local store with priority
// and expiry, serving cached reads before falling back to the remote store.
// Reads and writes may run concurrently with sync passes.
type CacheManager struct {
	store       *SQLiteStore
	compression *CompressionEngine
	encryptor   *Encryptor
	optimize    func() NetworkOptimizationConfig
	online      func() bool
	logger      *slog.Logger

	hitCount      atomic.Int64
	missCount     atomic.Int64
	evictionCount atomic.Int64
	expiredSwept  atomic.Int64

	evictMu sync.Mutex
}

// NewCacheManager creates a cache over the local store. optimize supplies the
// current network optimization (budget, compression flag); online reports
// connectivity for GetWithFallback. encryptor may be nil.
func NewCacheManager(store *SQLiteStore, compression *CompressionEngine, encryptor *Encryptor, optimize func() NetworkOptimizationConfig, online func() bool, logger *slog.Logger) *CacheManager {
	if logger == nil {
		logger = slog.Default()
	}
	if optimize == nil {
		optimize = func() NetworkOptimizationConfig { return ResolveOptimization(QualityUnknown) }
	}
	if online == nil {
		online = func() bool { return false }
	}
	return &CacheManager{
		store:       store,
		compression: compression,
		encryptor:   encryptor,
		optimize:    optimize,
		online:      online,
		logger:      logger,
	}
}

// Get returns the cached value for key if it exists and is no older than
// maxAge, regardless of the entry's own expiry. A malformed payload is
// discarded and treated as a miss, never surfaced as an error.
func (cm *CacheManager) Get(ctx context.Context, key string, maxAge time.Duration, out any) (bool, error) {
	entry, err := cm.store.GetEntry(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			cm.missCount.Add(1)
			return false, nil
		}
		return false, err
	}

	if time.Since(entry.CreatedAt) > maxAge {
		cm.missCount.Add(1)
		return false, nil
	}

	data, err := cm.decodePayload(entry)
	if err != nil {
		// Local corruption is a cache miss, not a caller failure.
		cm.logger.Warn("discarding malformed cache entry", "key", key, "err", err)
		_ = cm.store.DeleteEntry(ctx, key)
		cm.missCount.Add(1)
		return false, nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		cm.logger.Warn("discarding undecodable cache entry", "key", key, "err", err)
		_ = cm.store.DeleteEntry(ctx, key)
		cm.missCount.Add(1)
		return false, nil
	}

	cm.hitCount.Add(1)
	return true, nil
}

// Put stores a value under key, compressing it when the current optimization
// asks for compression, then enforces the cache budget.
func (cm *CacheManager) Put(ctx context.Context, key string, value any, priority CachePriority) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}

	opt := cm.optimize()

	compressed := false
	if opt.UseCompression {
		payload := cm.compression.CompressBytes(data)
		data = payload.Data
		compressed = payload.Compressed
	}

	encrypted := false
	if cm.encryptor != nil {
		sealed, err := cm.encryptor.Encrypt(data)
		if err != nil {
			return fmt.Errorf("encrypt cache value: %w", err)
		}
		data = sealed
		encrypted = true
	}

	now := time.Now()
	entry := &CacheEntry{
		Key:        key,
		Payload:    data,
		Compressed: compressed,
		Encrypted:  encrypted,
		Priority:   priority,
		CreatedAt:  now,
		ExpiresAt:  now.Add(priority.TTL()),
		SizeBytes:  int64(len(data)),
	}

	if err := cm.store.PutEntry(ctx, entry); err != nil {
		return err
	}
	return cm.evict(ctx, opt.CacheBudget)
}

// GetWithFallback composes Get, a remote fetch, and Put — the fetch runs at
// most once per call. Returns false when the cache is cold and the device is
// offline.
func (cm *CacheManager) GetWithFallback(ctx context.Context, key string, maxAge time.Duration, priority CachePriority, out any, fetch func(ctx context.Context) (any, error)) (bool, error) {
	hit, err := cm.Get(ctx, key, maxAge, out)
	if err != nil || hit {
		return hit, err
	}

	if !cm.online() {
		return false, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		return false, fmt.Errorf("cache fallback fetch: %w", err)
	}
	if value == nil {
		return false, nil
	}

	if err := cm.Put(ctx, key, value, priority); err != nil {
		return false, err
	}

	// Round-trip through JSON so out gets the same shape a cached read has.
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode fetched value: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode fetched value: %w", err)
	}
	return true, nil
}

// Invalidate removes a single entry.
func (cm *CacheManager) Invalidate(ctx context.Context, key string) error {
	return cm.store.DeleteEntry(ctx, key)
}

// evict enforces the budget after a write: expired entries go first, then
// low-priority entries oldest-first. Medium and high priority entries are
// only ever removed by natural expiry.
func (cm *CacheManager) evict(ctx context.Context, budget int64) error {
	cm.evictMu.Lock()
	defer cm.evictMu.Unlock()

	size, err := cm.store.CacheSize(ctx)
	if err != nil {
		return err
	}
	if size <= budget {
		return nil
	}

	swept, err := cm.store.DeleteExpiredEntries(ctx, time.Now())
	if err != nil {
		return err
	}
	cm.expiredSwept.Add(swept)

	size, err = cm.store.CacheSize(ctx)
	if err != nil {
		return err
	}
	if size <= budget {
		return nil
	}

	for size > budget {
		victims, err := cm.store.OldestEntriesByPriority(ctx, CachePriorityLow, 256)
		if err != nil {
			return err
		}
		if len(victims) == 0 {
			break
		}
		for _, v := range victims {
			if size <= budget {
				break
			}
			if err := cm.store.DeleteEntry(ctx, v.Key); err != nil {
				return err
			}
			size -= v.SizeBytes
			cm.evictionCount.Add(1)
		}
	}

	if size > budget {
		cm.logger.Debug("cache over budget after eviction; higher priorities expire naturally",
			"size", size, "budget", budget)
	}
	return nil
}

// SweepExpired removes all expired entries regardless of budget pressure.
func (cm *CacheManager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := cm.store.DeleteExpiredEntries(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	cm.expiredSwept.Add(n)
	return n, nil
}

func (cm *CacheManager) decodePayload(entry *CacheEntry) ([]byte, error) {
	data := entry.Payload
	if entry.Encrypted {
		if cm.encryptor == nil {
			return nil, errors.New("encrypted entry without encryptor")
		}
		plain, err := cm.encryptor.Decrypt(data)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	if entry.Compressed {
		return cm.compression.DecompressBytes(CompressedPayload{Data: data, Compressed: true})
	}
	return data, nil
}

// Stats returns cache telemetry.
func (cm *CacheManager) Stats(ctx context.Context) (CacheStats, error) {
	entries, err := cm.store.CacheEntryCount(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	size, err := cm.store.CacheSize(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	return CacheStats{
		Entries:       entries,
		SizeBytes:     size,
		BudgetBytes:   cm.optimize().CacheBudget,
		HitCount:      cm.hitCount.Load(),
		MissCount:     cm.missCount.Load(),
		EvictionCount: cm.evictionCount.Load(),
		ExpiredSwept:  cm.expiredSwept.Load(),
	}, nil
}
