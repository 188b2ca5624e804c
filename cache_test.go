package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type flockRecord struct {
	Breed string `json:"breed"`
	Count int    `json:"count"`
}

func newTestCache(t *testing.T, opt NetworkOptimizationConfig, online bool, encryptor *Encryptor) *CacheManager {
	t.Helper()
	return NewCacheManager(openTestStore(t), NewCompressionEngine(), encryptor,
		func() NetworkOptimizationConfig { return opt },
		func() bool { return online }, nil)
}

func TestCachePutGet(t *testing.T) {
	cm := newTestCache(t, ResolveOptimization(QualityGood), true, nil)
	ctx := context.Background()

	want := flockRecord{Breed: "leghorn", Count: 24}
	if err := cm.Put(ctx, "flock:f1", want, CachePriorityHigh); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got flockRecord
	hit, err := cm.Get(ctx, "flock:f1", time.Hour, &got)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !hit {
		t.Fatal("expected cache hit")
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestCacheGetRespectsMaxAge(t *testing.T) {
	cm := newTestCache(t, ResolveOptimization(QualityGood), true, nil)
	ctx := context.Background()

	if err := cm.Put(ctx, "k", flockRecord{Breed: "sussex"}, CachePriorityHigh); err != nil {
		t.Fatal(err)
	}

	var got flockRecord
	hit, err := cm.Get(ctx, "k", 0, &got)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("zero maxAge must miss even inside the entry's own TTL")
	}

	stats, _ := cm.Stats(ctx)
	if stats.MissCount != 1 {
		t.Errorf("MissCount = %d, want 1", stats.MissCount)
	}
}

func TestCacheCompressedAndEncryptedRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pasture"})
	if err != nil {
		t.Fatal(err)
	}

	// Poor quality turns compression on.
	cm := newTestCache(t, ResolveOptimization(QualityPoor), true, enc)
	ctx := context.Background()

	big := make([]flockRecord, 200)
	for i := range big {
		big[i] = flockRecord{Breed: "orpington", Count: i}
	}
	if err := cm.Put(ctx, "flocks:all", big, CachePriorityMedium); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entry, err := cm.store.GetEntry(ctx, "flocks:all")
	if err != nil {
		t.Fatal(err)
	}
	if !entry.Compressed {
		t.Error("large payload not compressed under poor quality")
	}
	if !entry.Encrypted {
		t.Error("payload not encrypted")
	}

	var got []flockRecord
	hit, err := cm.Get(ctx, "flocks:all", time.Hour, &got)
	if err != nil || !hit {
		t.Fatalf("Get: hit=%v err=%v", hit, err)
	}
	if len(got) != 200 || got[42] != big[42] {
		t.Error("round trip mismatch")
	}
}

func TestCacheMalformedEntryIsMiss(t *testing.T) {
	cm := newTestCache(t, ResolveOptimization(QualityGood), true, nil)
	ctx := context.Background()

	now := time.Now()
	if err := cm.store.PutEntry(ctx, &CacheEntry{
		Key:        "bad",
		Payload:    []byte("not snappy"),
		Compressed: true,
		Priority:   CachePriorityLow,
		CreatedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
		SizeBytes:  10,
	}); err != nil {
		t.Fatal(err)
	}

	var got flockRecord
	hit, err := cm.Get(ctx, "bad", time.Hour, &got)
	if err != nil {
		t.Fatalf("corruption surfaced as error: %v", err)
	}
	if hit {
		t.Fatal("corrupt entry reported as hit")
	}

	// The corrupt entry was discarded.
	if _, err := cm.store.GetEntry(ctx, "bad"); !errors.Is(err, ErrNotFound) {
		t.Errorf("corrupt entry still stored: %v", err)
	}
}

func TestCacheEvictionSparesHighPriority(t *testing.T) {
	opt := ResolveOptimization(QualityGood)
	opt.CacheBudget = 2 * 1024 // force pressure
	cm := newTestCache(t, opt, true, nil)
	ctx := context.Background()

	pad := make([]byte, 700)
	if err := cm.Put(ctx, "high", map[string]any{"pad": pad}, CachePriorityHigh); err != nil {
		t.Fatal(err)
	}
	if err := cm.Put(ctx, "low-old", map[string]any{"pad": pad}, CachePriorityLow); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := cm.Put(ctx, "low-new", map[string]any{"pad": pad}, CachePriorityLow); err != nil {
		t.Fatal(err)
	}

	// High priority survives size pressure; only low entries are evicted.
	if _, err := cm.store.GetEntry(ctx, "high"); err != nil {
		t.Errorf("high priority entry evicted: %v", err)
	}
	if _, err := cm.store.GetEntry(ctx, "low-old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest low entry not evicted first: %v", err)
	}

	stats, _ := cm.Stats(ctx)
	if stats.EvictionCount == 0 {
		t.Error("no evictions recorded")
	}
}

func TestCacheEvictionClearsLargeBacklog(t *testing.T) {
	// Budget shrinks after a bulk load, forcing an eviction backlog larger
	// than one victim fetch batch.
	opt := ResolveOptimization(QualityGood)
	opt.CacheBudget = 1 << 30
	cm := NewCacheManager(openTestStore(t), NewCompressionEngine(), nil,
		func() NetworkOptimizationConfig { return opt },
		func() bool { return true }, nil)
	ctx := context.Background()

	pad := make([]byte, 64)
	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("page:%03d", i)
		if err := cm.Put(ctx, key, map[string]any{"pad": pad}, CachePriorityLow); err != nil {
			t.Fatal(err)
		}
	}

	opt.CacheBudget = 512
	if err := cm.Put(ctx, "final", map[string]any{"pad": pad}, CachePriorityLow); err != nil {
		t.Fatal(err)
	}

	size, err := cm.store.CacheSize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if size > opt.CacheBudget {
		t.Errorf("size = %d after put, over budget %d", size, opt.CacheBudget)
	}

	stats, _ := cm.Stats(ctx)
	if stats.EvictionCount <= 256 {
		t.Errorf("EvictionCount = %d, backlog did not span fetch batches", stats.EvictionCount)
	}
}

func TestCacheGetWithFallback(t *testing.T) {
	cm := newTestCache(t, ResolveOptimization(QualityGood), true, nil)
	ctx := context.Background()

	fetches := 0
	fetch := func(ctx context.Context) (any, error) {
		fetches++
		return flockRecord{Breed: "wyandotte", Count: 7}, nil
	}

	var got flockRecord
	hit, err := cm.GetWithFallback(ctx, "flock:f9", time.Hour, CachePriorityMedium, &got, fetch)
	if err != nil {
		t.Fatalf("GetWithFallback: %v", err)
	}
	if !hit || got.Breed != "wyandotte" {
		t.Fatalf("hit=%v got=%+v", hit, got)
	}
	if fetches != 1 {
		t.Fatalf("fetches = %d, want 1", fetches)
	}

	// Second read is served from cache.
	var again flockRecord
	hit, err = cm.GetWithFallback(ctx, "flock:f9", time.Hour, CachePriorityMedium, &again, fetch)
	if err != nil || !hit {
		t.Fatalf("second read: hit=%v err=%v", hit, err)
	}
	if fetches != 1 {
		t.Errorf("fetch ran again on warm cache: %d", fetches)
	}
}

func TestCacheGetWithFallbackOfflineCold(t *testing.T) {
	cm := newTestCache(t, ResolveOptimization(QualityVeryPoor), false, nil)
	ctx := context.Background()

	var got flockRecord
	hit, err := cm.GetWithFallback(ctx, "cold", time.Hour, CachePriorityLow, &got,
		func(ctx context.Context) (any, error) {
			t.Fatal("fetch must not run while offline")
			return nil, nil
		})
	if err != nil {
		t.Fatalf("offline cold read errored: %v", err)
	}
	if hit {
		t.Error("offline cold read reported a hit")
	}
}

func TestCachePriorityTTL(t *testing.T) {
	tests := []struct {
		priority CachePriority
		want     time.Duration
	}{
		{CachePriorityHigh, 24 * time.Hour},
		{CachePriorityMedium, 6 * time.Hour},
		{CachePriorityLow, time.Hour},
	}
	for _, tt := range tests {
		if got := tt.priority.TTL(); got != tt.want {
			t.Errorf("%v TTL = %v, want %v", tt.priority, got, tt.want)
		}
	}
}
