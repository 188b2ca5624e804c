package fieldsync

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// captureDoer records remote-write payloads instead of sending them.
type captureDoer struct {
	mu       sync.Mutex
	requests []*prompb.WriteRequest
	status   int
}

func (c *captureDoer) Do(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	decoded, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, err
	}
	var wr prompb.WriteRequest
	if err := wr.Unmarshal(decoded); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.requests = append(c.requests, &wr)
	c.mu.Unlock()

	status := c.status
	if status == 0 {
		status = http.StatusNoContent
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func (c *captureDoer) series() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]float64)
	for _, wr := range c.requests {
		for _, ts := range wr.Timeseries {
			name := ""
			for _, l := range ts.Labels {
				if l.Name == "__name__" {
					name = l.Value
				}
			}
			if len(ts.Samples) > 0 {
				out[name] = ts.Samples[0].Value
			}
		}
	}
	return out
}

func TestTelemetryPush(t *testing.T) {
	fx := newOrchestratorFixture(t, DefaultOrchestratorConfig(), &fakeIdentity{userID: "u1"})
	doer := &captureDoer{}

	te := NewTelemetryExporter(TelemetryConfig{
		Enabled:    true,
		TargetURL:  "http://metrics.example/api/v1/write",
		HTTPClient: doer,
		Labels:     map[string]string{"device": "tablet-7"},
	}, fx.monitor, fx.orch, fx.queue, nil, NewCompressionEngine(), nil)

	te.push()

	series := doer.series()
	if len(series) == 0 {
		t.Fatal("no series pushed")
	}
	if series["fieldsync_network_online"] != 1 {
		t.Errorf("fieldsync_network_online = %f, want 1", series["fieldsync_network_online"])
	}
	if _, ok := series["fieldsync_queue_pending"]; !ok {
		t.Error("fieldsync_queue_pending missing")
	}

	// Custom labels ride along on every series.
	found := false
	for _, ts := range doer.requests[0].Timeseries {
		for _, l := range ts.Labels {
			if l.Name == "device" && l.Value == "tablet-7" {
				found = true
			}
		}
	}
	if !found {
		t.Error("device label not attached")
	}
}

func TestTelemetryLabelsSorted(t *testing.T) {
	fx := newOrchestratorFixture(t, DefaultOrchestratorConfig(), &fakeIdentity{userID: "u1"})
	doer := &captureDoer{}

	te := NewTelemetryExporter(TelemetryConfig{
		Enabled:    true,
		TargetURL:  "http://metrics.example/api/v1/write",
		HTTPClient: doer,
		Labels:     map[string]string{"zone": "west", "app": "fieldsync"},
	}, fx.monitor, fx.orch, fx.queue, nil, nil, nil)

	te.push()

	if len(doer.requests) == 0 {
		t.Fatal("nothing pushed")
	}
	// Remote-write receivers require label names in ascending order.
	for _, ts := range doer.requests[0].Timeseries {
		if !sort.SliceIsSorted(ts.Labels, func(i, j int) bool {
			return ts.Labels[i].Name < ts.Labels[j].Name
		}) {
			t.Fatalf("labels out of order: %v", ts.Labels)
		}
	}
}

func TestTelemetryIncludesLastResult(t *testing.T) {
	fx := newOrchestratorFixture(t, DefaultOrchestratorConfig(), &fakeIdentity{userID: "u1"})
	if _, err := fx.queue.Enqueue(context.Background(), OpCreate, "fowls", "f1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := fx.orch.TriggerSync(context.Background()); err != nil {
		t.Fatal(err)
	}

	doer := &captureDoer{}
	te := NewTelemetryExporter(TelemetryConfig{
		Enabled:    true,
		TargetURL:  "http://metrics.example/api/v1/write",
		HTTPClient: doer,
	}, fx.monitor, fx.orch, fx.queue, nil, nil, nil)

	te.push()

	series := doer.series()
	if series["fieldsync_last_sync_succeeded"] != 1 {
		t.Errorf("fieldsync_last_sync_succeeded = %f, want 1", series["fieldsync_last_sync_succeeded"])
	}
}

func TestTelemetryDisabledStartIsNoop(t *testing.T) {
	fx := newOrchestratorFixture(t, DefaultOrchestratorConfig(), &fakeIdentity{userID: "u1"})
	te := NewTelemetryExporter(TelemetryConfig{Enabled: false},
		fx.monitor, fx.orch, fx.queue, nil, nil, nil)

	te.Start()
	te.Stop() // must not hang
}
