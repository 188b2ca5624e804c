package fieldsync

import (
	"testing"
	"time"
)

func TestResolveOptimization(t *testing.T) {
	tests := []struct {
		quality      ConnectionQuality
		imageQuality ImageQualityTier
		pageSize     int
		budget       int64
		compress     bool
		strategy     SyncStrategy
		timeout      time.Duration
	}{
		{QualityExcellent, ImageQualityHigh, 50, 200 * megabyte, false, SyncImmediate, 10 * time.Second},
		{QualityGood, ImageQualityMedium, 30, 100 * megabyte, false, SyncImmediate, 20 * time.Second},
		{QualityFair, ImageQualityLow, 20, 50 * megabyte, true, SyncBackground, 30 * time.Second},
		{QualityPoor, ImageQualityVeryLow, 10, 25 * megabyte, true, SyncBackground, 60 * time.Second},
		{QualityVeryPoor, ImageQualityThumbnail, 5, 10 * megabyte, true, SyncWifiOnly, 120 * time.Second},
		{QualityUnknown, ImageQualityLow, 20, 50 * megabyte, true, SyncBackground, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.quality.String(), func(t *testing.T) {
			opt := ResolveOptimization(tt.quality)
			if opt.ImageQuality != tt.imageQuality {
				t.Errorf("ImageQuality = %v, want %v", opt.ImageQuality, tt.imageQuality)
			}
			if opt.PageSize != tt.pageSize {
				t.Errorf("PageSize = %d, want %d", opt.PageSize, tt.pageSize)
			}
			if opt.CacheBudget != tt.budget {
				t.Errorf("CacheBudget = %d, want %d", opt.CacheBudget, tt.budget)
			}
			if opt.UseCompression != tt.compress {
				t.Errorf("UseCompression = %v, want %v", opt.UseCompression, tt.compress)
			}
			if opt.SyncStrategy != tt.strategy {
				t.Errorf("SyncStrategy = %v, want %v", opt.SyncStrategy, tt.strategy)
			}
			if opt.RequestTimeout != tt.timeout {
				t.Errorf("RequestTimeout = %v, want %v", opt.RequestTimeout, tt.timeout)
			}
		})
	}
}

func TestResolveOptimizationDeterministic(t *testing.T) {
	for q := QualityUnknown; q <= QualityExcellent; q++ {
		a := ResolveOptimization(q)
		b := ResolveOptimization(q)
		if a != b {
			t.Fatalf("ResolveOptimization(%v) not deterministic: %+v vs %+v", q, a, b)
		}
	}
}
