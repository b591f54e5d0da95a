// Package httpserver exposes the read-only status surface of the outbox daemon.
package httpserver

import (
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pgoutbox/internal/app/processor"
	"github.com/coachpo/pgoutbox/internal/infra/config"
	"github.com/coachpo/pgoutbox/internal/infra/notify"
	"github.com/coachpo/pgoutbox/internal/infra/replication"
)

const (
	healthPath = "/healthz"
	statusPath = "/status"
)

// ProcessorStatus reports processor progress.
type ProcessorStatus interface {
	Stats() processor.Stats
}

// ListenerStatus reports notification queue state.
type ListenerStatus interface {
	Stats() notify.Stats
}

// ReplicationStatus reports the replication source and its confirmed position.
type ReplicationStatus interface {
	Config() replication.Config
	Position() replication.LSN
}

// Sources groups the components the status surface reads. Nil members are
// omitted from the response.
type Sources struct {
	Processor   ProcessorStatus
	Listener    ListenerStatus
	Replication ReplicationStatus
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	sources     Sources
	started     time.Time
}

type replicationView struct {
	Slot         string `json:"slot"`
	Publication  string `json:"publication"`
	Table        string `json:"table"`
	ConfirmedLSN string `json:"confirmedLsn"`
}

type statusView struct {
	Environment   config.Environment `json:"environment"`
	Uptime        string             `json:"uptime"`
	Processor     *processor.Stats   `json:"processor,omitempty"`
	Replication   *replicationView   `json:"replication,omitempty"`
	Notifications *notify.Stats      `json:"notifications,omitempty"`
}

// NewHandler builds the status mux.
func NewHandler(environment config.Environment, sources Sources) http.Handler {
	server := &httpServer{environment: environment, sources: sources, started: time.Now()}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.status,
	}))

	return withCORS(mux)
}

// NewServer wraps handler in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// health is unhealthy once the processor has stopped; recovering still counts
// as alive because the loop retries on its own.
func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Processor != nil {
		state := s.sources.Processor.Stats().State
		if state == processor.Stopped.String() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopped"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "processor": state})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *httpServer) status(w http.ResponseWriter, _ *http.Request) {
	view := statusView{
		Environment: s.environment,
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
	}
	if s.sources.Processor != nil {
		stats := s.sources.Processor.Stats()
		view.Processor = &stats
	}
	if s.sources.Replication != nil {
		cfg := s.sources.Replication.Config()
		view.Replication = &replicationView{
			Slot:         cfg.Slot,
			Publication:  cfg.Publication,
			Table:        cfg.QualifiedTable(),
			ConfirmedLSN: s.sources.Replication.Position().String(),
		}
	}
	if s.sources.Listener != nil {
		stats := s.sources.Listener.Stats()
		view.Notifications = &stats
	}
	writeJSON(w, http.StatusOK, view)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
