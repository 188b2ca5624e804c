package fieldsync

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusSnapshot is the JSON body served by the status endpoint and pushed
// over the websocket feed.
type StatusSnapshot struct {
	State       string      `json:"state"`
	Online      bool        `json:"online"`
	Quality     string      `json:"quality"`
	Transport   string      `json:"transport"`
	Pending     int         `json:"pending"`
	Failed      int         `json:"failed"`
	LastSync    time.Time   `json:"last_sync,omitempty"`
	LastResult  *SyncResult `json:"last_result,omitempty"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// StatusServer exposes the engine's observable state over HTTP: JSON status
// and stats endpoints plus a websocket feed of state transitions.
type StatusServer struct {
	monitor      *NetworkMonitor
	orchestrator *Orchestrator
	queue        *ActionQueue
	cache        *CacheManager
	compression  *CompressionEngine
	logger       *slog.Logger
}

// NewStatusServer wires the status surface. cache and compression may be nil;
// their endpoints then return 404.
func NewStatusServer(monitor *NetworkMonitor, orchestrator *Orchestrator, queue *ActionQueue, cache *CacheManager, compression *CompressionEngine, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusServer{
		monitor:      monitor,
		orchestrator: orchestrator,
		queue:        queue,
		cache:        cache,
		compression:  compression,
		logger:       logger,
	}
}

func (s *StatusServer) snapshot(r *http.Request) StatusSnapshot {
	ctx := r.Context()
	pending, _ := s.queue.PendingCount(ctx)
	failed, _ := s.queue.FailedCount(ctx)
	metrics := s.monitor.Metrics()

	return StatusSnapshot{
		State:       s.orchestrator.State().String(),
		Online:      metrics.Connected,
		Quality:     s.monitor.Quality().String(),
		Transport:   metrics.Transport.String(),
		Pending:     pending,
		Failed:      failed,
		LastSync:    s.orchestrator.LastSyncTime(ctx),
		LastResult:  s.orchestrator.LastResult(),
		GeneratedAt: time.Now(),
	}
}

// RegisterHTTPHandlers registers the sync status endpoints.
func (s *StatusServer) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/sync/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.snapshot(r))
	})

	mux.HandleFunc("/api/v1/sync/trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		result, err := s.orchestrator.TriggerSync(r.Context())
		if err != nil {
			status := http.StatusInternalServerError
			switch err {
			case ErrSyncInProgress:
				status = http.StatusConflict
			case ErrOffline:
				status = http.StatusServiceUnavailable
			}
			body := map[string]any{"error": err.Error()}
			if result != nil {
				body["result"] = result
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(body)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	mux.HandleFunc("/api/v1/sync/retry-failed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		if err := s.queue.RetryFailed(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "requeued", "id": id})
	})

	mux.HandleFunc("/api/v1/network", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"quality":      s.monitor.Quality().String(),
			"metrics":      s.monitor.Metrics(),
			"optimization": s.monitor.Optimization(),
		})
	})

	if s.cache != nil {
		mux.HandleFunc("/api/v1/cache/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := s.cache.Stats(r.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(stats)
		})
	}

	if s.compression != nil {
		mux.HandleFunc("/api/v1/compression/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(s.compression.Stats())
		})
	}

	mux.HandleFunc("/api/v1/sync/ws", s.WebSocketHandler())
}

// statusStreamMessage is the JSON format for websocket messages.
type statusStreamMessage struct {
	Type    string          `json:"type"`
	Status  *StatusSnapshot `json:"status,omitempty"`
	Change  *StatusChange   `json:"change,omitempty"`
	Quality string          `json:"quality,omitempty"`
}

// WebSocketHandler returns an HTTP handler streaming status changes and
// network quality changes to the client until it disconnects.
func (s *StatusServer) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() { _ = conn.Close() }()

		statusCh, cancelStatus := s.orchestrator.Subscribe()
		defer cancelStatus()
		qualityCh, cancelQuality := s.monitor.Subscribe()
		defer cancelQuality()

		// Initial snapshot so clients don't wait for the first transition.
		snap := s.snapshot(r)
		initial, _ := json.Marshal(statusStreamMessage{Type: "status", Status: &snap})
		if err := conn.WriteMessage(websocket.TextMessage, initial); err != nil {
			return
		}

		// Drain client frames to detect disconnect.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return

			case change, ok := <-statusCh:
				if !ok {
					return
				}
				msg, _ := json.Marshal(statusStreamMessage{Type: "sync", Change: &change})
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}

			case change, ok := <-qualityCh:
				if !ok {
					return
				}
				msg, _ := json.Marshal(statusStreamMessage{Type: "quality", Quality: change.Current.String()})
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}
