package fieldsync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// HTTPDoer is the subset of http.Client used by the telemetry exporter,
// injectable for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TelemetryConfig configures the Prometheus remote-write exporter.
type TelemetryConfig struct {
	// Enabled turns the exporter on.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// TargetURL is the remote-write endpoint.
	TargetURL string `json:"target_url" yaml:"target_url"`

	// PushInterval between metric pushes. Default: 60s.
	PushInterval time.Duration `json:"push_interval" yaml:"push_interval"`

	// Timeout per push request. Default: 10s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// MaxRetries per push. Default: 3.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// Labels added to every series (device id, app version, ...).
	Labels map[string]string `json:"labels" yaml:"labels"`

	// HTTPClient allows injecting a custom HTTP client for testing.
	// If nil, a default client is created with the configured timeout.
	HTTPClient HTTPDoer `json:"-" yaml:"-"`
}

// TelemetryExporter periodically pushes engine counters (queue depth, cache
// hit rates, sync outcomes, link quality) to a Prometheus remote-write
// endpoint. Pushes are best-effort: a device in the field must never block
// on its metrics pipeline.
type TelemetryExporter struct {
	config       TelemetryConfig
	monitor      *NetworkMonitor
	orchestrator *Orchestrator
	queue        *ActionQueue
	cache        *CacheManager
	compression  *CompressionEngine
	logger       *slog.Logger

	client  HTTPDoer
	retryer *Retryer
	cb      *CircuitBreaker

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewTelemetryExporter wires the exporter. cache and compression may be nil.
func NewTelemetryExporter(config TelemetryConfig, monitor *NetworkMonitor, orchestrator *Orchestrator, queue *ActionQueue, cache *CacheManager, compression *CompressionEngine, logger *slog.Logger) *TelemetryExporter {
	if config.PushInterval <= 0 {
		config.PushInterval = 60 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &TelemetryExporter{
		config:       config,
		monitor:      monitor,
		orchestrator: orchestrator,
		queue:        queue,
		cache:        cache,
		compression:  compression,
		logger:       logger,
		client:       client,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       config.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        30 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
		cb:   NewCircuitBreaker(5, 30*time.Second),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start launches the push loop. No-op when disabled or unconfigured.
func (te *TelemetryExporter) Start() {
	if !te.config.Enabled || te.config.TargetURL == "" {
		close(te.done)
		return
	}

	te.mu.Lock()
	if te.running {
		te.mu.Unlock()
		return
	}
	te.running = true
	te.mu.Unlock()

	go te.loop()
}

// Stop shuts the push loop down after a final flush attempt.
func (te *TelemetryExporter) Stop() {
	te.mu.Lock()
	if !te.running {
		te.mu.Unlock()
		<-te.done
		return
	}
	te.running = false
	te.mu.Unlock()

	close(te.stop)
	<-te.done
}

func (te *TelemetryExporter) loop() {
	defer close(te.done)

	ticker := time.NewTicker(te.config.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-te.stop:
			te.push()
			return
		case <-ticker.C:
			// Metrics ride the same constrained link as sync traffic; skip
			// the push entirely while offline.
			if te.monitor.Online() {
				te.push()
			}
		}
	}
}

func (te *TelemetryExporter) push() {
	req := te.buildWriteRequest()
	if len(req.Timeseries) == 0 {
		return
	}

	raw, err := req.Marshal()
	if err != nil {
		te.logger.Error("telemetry marshal error", "err", err)
		return
	}
	payload := snappy.Encode(nil, raw)

	err = te.cb.Execute(func() error {
		ctx, cancel := context.WithTimeout(context.Background(),
			te.config.Timeout*time.Duration(te.config.MaxRetries))
		defer cancel()

		result := te.retryer.Do(ctx, func() error {
			return te.send(ctx, payload)
		})
		return result.LastErr
	})

	if err != nil {
		if err == ErrCircuitOpen {
			te.logger.Warn("telemetry circuit breaker open, dropping push")
			return
		}
		te.logger.Warn("telemetry push failed", "err", err)
	}
}

func (te *TelemetryExporter) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, te.config.TargetURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := te.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote write returned %d", resp.StatusCode)
	}
	return nil
}

// buildWriteRequest samples the current counters into one write request.
func (te *TelemetryExporter) buildWriteRequest() *prompb.WriteRequest {
	now := time.Now().UnixMilli()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	samples := map[string]float64{
		"fieldsync_network_quality": float64(te.monitor.Quality()),
		"fieldsync_network_online":  boolToFloat(te.monitor.Online()),
		"fieldsync_sync_state":      float64(te.orchestrator.State()),
	}

	if pending, err := te.queue.PendingCount(ctx); err == nil {
		samples["fieldsync_queue_pending"] = float64(pending)
	}
	if failed, err := te.queue.FailedCount(ctx); err == nil {
		samples["fieldsync_queue_failed"] = float64(failed)
	}

	if result := te.orchestrator.LastResult(); result != nil {
		samples["fieldsync_last_sync_total"] = float64(result.Total)
		samples["fieldsync_last_sync_succeeded"] = float64(result.Succeeded)
		samples["fieldsync_last_sync_failed"] = float64(result.Failed)
		samples["fieldsync_last_sync_conflicts"] = float64(result.Conflicts)
		samples["fieldsync_last_sync_duration_seconds"] = result.Duration.Seconds()
	}

	if te.cache != nil {
		if stats, err := te.cache.Stats(ctx); err == nil {
			samples["fieldsync_cache_entries"] = float64(stats.Entries)
			samples["fieldsync_cache_size_bytes"] = float64(stats.SizeBytes)
			samples["fieldsync_cache_hits_total"] = float64(stats.HitCount)
			samples["fieldsync_cache_misses_total"] = float64(stats.MissCount)
			samples["fieldsync_cache_evictions_total"] = float64(stats.EvictionCount)
		}
	}

	if te.compression != nil {
		stats := te.compression.Stats()
		samples["fieldsync_compression_bytes_in_total"] = float64(stats.BytesIn)
		samples["fieldsync_compression_bytes_out_total"] = float64(stats.BytesOut)
	}

	req := &prompb.WriteRequest{Timeseries: make([]prompb.TimeSeries, 0, len(samples))}
	for name, value := range samples {
		labels := make([]prompb.Label, 0, len(te.config.Labels)+1)
		labels = append(labels, prompb.Label{Name: "__name__", Value: name})
		for k, v := range te.config.Labels {
			labels = append(labels, prompb.Label{Name: k, Value: v})
		}
		// Remote-write receivers reject series with out-of-order labels.
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
		req.Timeseries = append(req.Timeseries, prompb.TimeSeries{
			Labels:  labels,
			Samples: []prompb.Sample{{Value: value, Timestamp: now}},
		})
	}
	return req
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
