package fieldsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConnectivityEventType identifies a platform connectivity signal.
type ConnectivityEventType int

const (
	// ConnectivityAvailable fires when the link comes up.
	ConnectivityAvailable ConnectivityEventType = iota
	// ConnectivityLost fires when the link goes down.
	ConnectivityLost
	// ConnectivityCapabilitiesChanged fires when bandwidth or transport change.
	ConnectivityCapabilitiesChanged
)

// ConnectivityEvent is one notification from the platform connectivity
// subsystem.
type ConnectivityEvent struct {
	Type    ConnectivityEventType `json:"type"`
	Metrics LinkMetrics           `json:"metrics"`
}

// ConnectivitySignal is the platform collaborator emitting connectivity
// events. Subscribe returns a receive channel and a cancel function; the
// channel is closed after cancel.
type ConnectivitySignal interface {
	Subscribe() (<-chan ConnectivityEvent, func())
}

// QualityChange is delivered to monitor subscribers whenever the
// classification or connectivity changes. On a pure connectivity flip
// Previous equals Current; Metrics.Connected carries the transition.
type QualityChange struct {
	Previous ConnectionQuality `json:"previous"`
	Current  ConnectionQuality `json:"current"`
	Metrics  LinkMetrics       `json:"metrics"`
	At       time.Time         `json:"at"`
}

// NetworkMonitor observes platform connectivity events and maintains a
// continuously updated ConnectionQuality. It performs no network I/O itself.
type NetworkMonitor struct {
	signal     ConnectivitySignal
	thresholds QualityThresholds
	logger     *slog.Logger

	mu       sync.RWMutex
	quality  ConnectionQuality
	metrics  LinkMetrics
	online   bool
	subs     map[uint64]chan QualityChange
	nextSub  uint64
	running  bool
	lastSeen time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetworkMonitor creates a monitor over the given platform signal.
func NewNetworkMonitor(signal ConnectivitySignal, thresholds QualityThresholds, logger *slog.Logger) *NetworkMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NetworkMonitor{
		signal:     signal,
		thresholds: thresholds,
		logger:     logger,
		quality:    QualityUnknown,
		subs:       make(map[uint64]chan QualityChange),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins consuming connectivity events on a dedicated goroutine.
func (nm *NetworkMonitor) Start() {
	nm.mu.Lock()
	if nm.running {
		nm.mu.Unlock()
		return
	}
	nm.running = true
	nm.mu.Unlock()

	events, unsubscribe := nm.signal.Subscribe()

	nm.wg.Add(1)
	go func() {
		defer nm.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-nm.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				nm.handleEvent(ev)
			}
		}
	}()
}

// Stop shuts down the event loop and closes all subscriber channels.
func (nm *NetworkMonitor) Stop() {
	nm.mu.Lock()
	if !nm.running {
		nm.mu.Unlock()
		return
	}
	nm.running = false
	nm.mu.Unlock()

	nm.cancel()
	nm.wg.Wait()

	nm.mu.Lock()
	for id, ch := range nm.subs {
		close(ch)
		delete(nm.subs, id)
	}
	nm.mu.Unlock()
}

func (nm *NetworkMonitor) handleEvent(ev ConnectivityEvent) {
	var metrics LinkMetrics
	switch ev.Type {
	case ConnectivityLost:
		metrics = LinkMetrics{Connected: false}
	case ConnectivityAvailable, ConnectivityCapabilitiesChanged:
		metrics = ev.Metrics
		metrics.Connected = true
	}

	quality := nm.thresholds.Classify(metrics)

	nm.mu.Lock()
	prev := nm.quality
	prevOnline := nm.online
	nm.quality = quality
	nm.metrics = metrics
	nm.online = metrics.Connected
	nm.lastSeen = time.Now()
	nm.mu.Unlock()

	// Connectivity flips must reach subscribers even when both sides of the
	// transition classify the same: losing and regaining a very poor link
	// keeps the tier at VeryPoor, and the scheduler keys its reconnect pass
	// off Metrics.Connected.
	if prev == quality && prevOnline == metrics.Connected {
		return
	}

	if prev != quality {
		nm.logger.Info("connection quality changed",
			"previous", prev.String(),
			"current", quality.String(),
			"downstream_kbps", metrics.DownstreamKbps,
			"transport", metrics.Transport.String())
	} else {
		nm.logger.Info("connectivity changed",
			"online", metrics.Connected,
			"quality", quality.String())
	}

	change := QualityChange{
		Previous: prev,
		Current:  quality,
		Metrics:  metrics,
		At:       time.Now(),
	}

	nm.mu.RLock()
	defer nm.mu.RUnlock()
	for _, ch := range nm.subs {
		select {
		case ch <- change:
		default:
			// Subscriber is slow; drop rather than block the event loop.
		}
	}
}

// Quality returns the current classification.
func (nm *NetworkMonitor) Quality() ConnectionQuality {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.quality
}

// Metrics returns the raw link metrics behind the current classification.
func (nm *NetworkMonitor) Metrics() LinkMetrics {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.metrics
}

// Online reports whether the device currently has connectivity.
func (nm *NetworkMonitor) Online() bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.online
}

// Subscribe registers for quality-change notifications. The returned cancel
// function removes the subscription and closes the channel.
func (nm *NetworkMonitor) Subscribe() (<-chan QualityChange, func()) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.nextSub++
	id := nm.nextSub
	ch := make(chan QualityChange, 16)
	nm.subs[id] = ch

	cancel := func() {
		nm.mu.Lock()
		defer nm.mu.Unlock()
		if sub, ok := nm.subs[id]; ok {
			delete(nm.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Optimization returns the operating parameters for the current quality.
func (nm *NetworkMonitor) Optimization() NetworkOptimizationConfig {
	return ResolveOptimization(nm.Quality())
}

// String describes the monitor state for diagnostics.
func (nm *NetworkMonitor) String() string {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return fmt.Sprintf("quality=%s online=%t down=%dkbps up=%dkbps",
		nm.quality, nm.online, nm.metrics.DownstreamKbps, nm.metrics.UpstreamKbps)
}
