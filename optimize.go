package fieldsync

import "time"

// ImageQualityTier selects the resize bounding box and encode quality used by
// the image compressor.
type ImageQualityTier int

const (
	ImageQualityThumbnail ImageQualityTier = iota
	ImageQualityVeryLow
	ImageQualityLow
	ImageQualityMedium
	ImageQualityHigh
)

func (t ImageQualityTier) String() string {
	switch t {
	case ImageQualityHigh:
		return "high"
	case ImageQualityMedium:
		return "medium"
	case ImageQualityLow:
		return "low"
	case ImageQualityVeryLow:
		return "very_low"
	default:
		return "thumbnail"
	}
}

// SyncStrategy controls when sync passes are allowed to run.
type SyncStrategy int

const (
	// SyncImmediate syncs as soon as work arrives.
	SyncImmediate SyncStrategy = iota
	// SyncBackground syncs on the periodic schedule only.
	SyncBackground
	// SyncWifiOnly defers sync until an unmetered wifi link is up.
	SyncWifiOnly
	// SyncManual syncs only on explicit trigger.
	SyncManual
)

func (s SyncStrategy) String() string {
	switch s {
	case SyncImmediate:
		return "immediate"
	case SyncBackground:
		return "background"
	case SyncWifiOnly:
		return "wifi_only"
	case SyncManual:
		return "manual"
	default:
		return "unknown"
	}
}

// NetworkOptimizationConfig holds the operating parameters derived from a
// ConnectionQuality. It is recomputed on every quality change, never
// persisted.
type NetworkOptimizationConfig struct {
	Quality        ConnectionQuality `json:"quality"`
	ImageQuality   ImageQualityTier  `json:"image_quality"`
	PageSize       int               `json:"page_size"`
	CacheBudget    int64             `json:"cache_budget"`
	UseCompression bool              `json:"use_compression"`
	SyncStrategy   SyncStrategy      `json:"sync_strategy"`
	RequestTimeout time.Duration     `json:"request_timeout"`
	SyncInterval   time.Duration     `json:"sync_interval"`
}

const megabyte = 1024 * 1024

// ResolveOptimization maps a quality classification to concrete operating
// parameters. Pure lookup, deterministic, no I/O. Unknown quality falls back
// to the Fair row so an unreadable link never disables the engine.
func ResolveOptimization(q ConnectionQuality) NetworkOptimizationConfig {
	switch q {
	case QualityExcellent:
		return NetworkOptimizationConfig{
			Quality:        q,
			ImageQuality:   ImageQualityHigh,
			PageSize:       50,
			CacheBudget:    200 * megabyte,
			UseCompression: false,
			SyncStrategy:   SyncImmediate,
			RequestTimeout: 10 * time.Second,
			SyncInterval:   time.Hour,
		}
	case QualityGood:
		return NetworkOptimizationConfig{
			Quality:        q,
			ImageQuality:   ImageQualityMedium,
			PageSize:       30,
			CacheBudget:    100 * megabyte,
			UseCompression: false,
			SyncStrategy:   SyncImmediate,
			RequestTimeout: 20 * time.Second,
			SyncInterval:   2 * time.Hour,
		}
	case QualityPoor:
		return NetworkOptimizationConfig{
			Quality:        q,
			ImageQuality:   ImageQualityVeryLow,
			PageSize:       10,
			CacheBudget:    25 * megabyte,
			UseCompression: true,
			SyncStrategy:   SyncBackground,
			RequestTimeout: 60 * time.Second,
			SyncInterval:   6 * time.Hour,
		}
	case QualityVeryPoor:
		return NetworkOptimizationConfig{
			Quality:        q,
			ImageQuality:   ImageQualityThumbnail,
			PageSize:       5,
			CacheBudget:    10 * megabyte,
			UseCompression: true,
			SyncStrategy:   SyncWifiOnly,
			RequestTimeout: 120 * time.Second,
			SyncInterval:   12 * time.Hour,
		}
	default: // QualityFair and QualityUnknown share the safe mid tier.
		return NetworkOptimizationConfig{
			Quality:        q,
			ImageQuality:   ImageQualityLow,
			PageSize:       20,
			CacheBudget:    50 * megabyte,
			UseCompression: true,
			SyncStrategy:   SyncBackground,
			RequestTimeout: 30 * time.Second,
			SyncInterval:   6 * time.Hour,
		}
	}
}
