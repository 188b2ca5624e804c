package fieldsync

import (
	"testing"
	"time"
)

// fakeSignal is a scripted ConnectivitySignal for tests.
type fakeSignal struct {
	ch chan ConnectivityEvent
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{ch: make(chan ConnectivityEvent, 16)}
}

func (f *fakeSignal) Subscribe() (<-chan ConnectivityEvent, func()) {
	return f.ch, func() {}
}

func (f *fakeSignal) emit(ev ConnectivityEvent) {
	f.ch <- ev
}

func waitForQuality(t *testing.T, nm *NetworkMonitor, want ConnectionQuality) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if nm.Quality() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("quality never reached %v, still %v", want, nm.Quality())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitForOffline(t *testing.T, nm *NetworkMonitor) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if !nm.Online() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("monitor never went offline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMonitorClassifiesEvents(t *testing.T) {
	signal := newFakeSignal()
	nm := NewNetworkMonitor(signal, DefaultQualityThresholds(), nil)
	nm.Start()
	defer nm.Stop()

	signal.emit(ConnectivityEvent{
		Type:    ConnectivityAvailable,
		Metrics: LinkMetrics{DownstreamKbps: 12000, UpstreamKbps: 2000, Transport: TransportWifi},
	})
	waitForQuality(t, nm, QualityExcellent)

	if !nm.Online() {
		t.Error("monitor offline after available event")
	}
	if nm.Metrics().Transport != TransportWifi {
		t.Errorf("transport = %v", nm.Metrics().Transport)
	}
}

func TestMonitorLostEvent(t *testing.T) {
	signal := newFakeSignal()
	nm := NewNetworkMonitor(signal, DefaultQualityThresholds(), nil)
	nm.Start()
	defer nm.Stop()

	signal.emit(ConnectivityEvent{
		Type:    ConnectivityAvailable,
		Metrics: LinkMetrics{DownstreamKbps: 5000, UpstreamKbps: 500},
	})
	waitForQuality(t, nm, QualityGood)

	signal.emit(ConnectivityEvent{Type: ConnectivityLost})
	waitForQuality(t, nm, QualityVeryPoor)

	if nm.Online() {
		t.Error("monitor still online after lost event")
	}
}

func TestMonitorSubscribe(t *testing.T) {
	signal := newFakeSignal()
	nm := NewNetworkMonitor(signal, DefaultQualityThresholds(), nil)
	nm.Start()
	defer nm.Stop()

	changes, cancel := nm.Subscribe()
	defer cancel()

	signal.emit(ConnectivityEvent{
		Type:    ConnectivityCapabilitiesChanged,
		Metrics: LinkMetrics{DownstreamKbps: 150, UpstreamKbps: 60},
	})

	select {
	case change := <-changes:
		if change.Current != QualityPoor {
			t.Errorf("change.Current = %v, want poor", change.Current)
		}
		if change.Previous != QualityUnknown {
			t.Errorf("change.Previous = %v, want unknown", change.Previous)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no quality change delivered")
	}
}

func TestMonitorNoChangeNoNotification(t *testing.T) {
	signal := newFakeSignal()
	nm := NewNetworkMonitor(signal, DefaultQualityThresholds(), nil)
	nm.Start()
	defer nm.Stop()

	signal.emit(ConnectivityEvent{
		Type:    ConnectivityAvailable,
		Metrics: LinkMetrics{DownstreamKbps: 5000, UpstreamKbps: 500},
	})
	waitForQuality(t, nm, QualityGood)

	changes, cancel := nm.Subscribe()
	defer cancel()

	// Bandwidth wobble within the same tier must not notify.
	signal.emit(ConnectivityEvent{
		Type:    ConnectivityCapabilitiesChanged,
		Metrics: LinkMetrics{DownstreamKbps: 6000, UpstreamKbps: 600},
	})

	select {
	case change := <-changes:
		t.Fatalf("unexpected notification: %+v", change)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorNotifiesConnectivityFlipWithinTier(t *testing.T) {
	signal := newFakeSignal()
	nm := NewNetworkMonitor(signal, DefaultQualityThresholds(), nil)
	nm.Start()
	defer nm.Stop()

	// A barely-usable link and a lost link both classify as very poor; the
	// connectivity flip itself must still reach subscribers.
	signal.emit(ConnectivityEvent{
		Type:    ConnectivityAvailable,
		Metrics: LinkMetrics{DownstreamKbps: 50, UpstreamKbps: 20, Transport: TransportWifi},
	})
	waitForQuality(t, nm, QualityVeryPoor)

	changes, cancel := nm.Subscribe()
	defer cancel()

	signal.emit(ConnectivityEvent{Type: ConnectivityLost})
	select {
	case change := <-changes:
		if change.Metrics.Connected {
			t.Error("lost link delivered as connected")
		}
		if change.Previous != QualityVeryPoor || change.Current != QualityVeryPoor {
			t.Errorf("change = %+v, want very poor on both sides", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for offline transition at unchanged tier")
	}

	signal.emit(ConnectivityEvent{
		Type:    ConnectivityAvailable,
		Metrics: LinkMetrics{DownstreamKbps: 50, UpstreamKbps: 20, Transport: TransportWifi},
	})
	select {
	case change := <-changes:
		if !change.Metrics.Connected {
			t.Error("reconnect delivered as offline")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for reconnect at unchanged tier")
	}
}

func TestMonitorOptimizationTracksQuality(t *testing.T) {
	signal := newFakeSignal()
	nm := NewNetworkMonitor(signal, DefaultQualityThresholds(), nil)
	nm.Start()
	defer nm.Stop()

	signal.emit(ConnectivityEvent{
		Type:    ConnectivityAvailable,
		Metrics: LinkMetrics{DownstreamKbps: 60, UpstreamKbps: 10},
	})
	waitForQuality(t, nm, QualityVeryPoor)

	opt := nm.Optimization()
	if opt.ImageQuality != ImageQualityThumbnail || opt.PageSize != 5 {
		t.Errorf("very poor optimization = %+v", opt)
	}
	if opt.SyncStrategy != SyncWifiOnly {
		t.Errorf("SyncStrategy = %v, want wifi_only", opt.SyncStrategy)
	}
}
