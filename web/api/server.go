package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hochfrequenz/crewwatch/internal/artifacts"
	"github.com/hochfrequenz/crewwatch/internal/domain"
	"github.com/hochfrequenz/crewwatch/internal/monitor"
	"github.com/hochfrequenz/crewwatch/internal/session"
)

// Runs is the live side of the API: the current run and a way to start one
type Runs interface {
	Status() session.Status
	Running() bool
	Start(ctx context.Context, sinks ...monitor.Sink) (*session.Handle, error)
}

// History is the persisted side of the API
type History interface {
	ListRuns(limit int) ([]*domain.Run, error)
	GetRun(id string) (*domain.Run, error)
	GetSnapshot(runID string) ([]domain.StageStatus, error)
	ListLines(runID string, limit int) ([]domain.DisplayLine, error)
}

// Artifacts lists and reads stage output files
type Artifacts interface {
	All() ([]artifacts.StageFiles, error)
	Stage(id domain.StageID) (artifacts.StageFiles, error)
	Read(id domain.StageID, name string) (artifacts.File, []byte, error)
}

// finalWait bounds how long a final update waits for room in the hub queue
const finalWait = 2 * time.Second

// Server is the HTTP API server
type Server struct {
	runs      Runs
	history   History
	artifacts Artifacts
	addr      string
	mux       *http.ServeMux
	hub       *Hub
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	baseCtx   context.Context
	now       func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithBaseContext sets the context runs started through the API inherit.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// WithArtifacts enables the stage file endpoints.
func WithArtifacts(a Artifacts) Option {
	return func(s *Server) { s.artifacts = a }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new API server. history may be nil.
func NewServer(runs Runs, history History, addr string, opts ...Option) *Server {
	s := &Server{
		runs:    runs,
		history: history,
		addr:    addr,
		mux:     http.NewServeMux(),
		hub:     NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  slog.Default(),
		baseCtx: context.Background(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/health", s.healthHandler())
	s.mux.HandleFunc("/api/stages", s.stagesHandler())
	s.mux.HandleFunc("/api/stages/", s.stageFilesHandler())
	s.mux.HandleFunc("/api/logs", s.logsHandler())
	s.mux.HandleFunc("/api/runs", s.runsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the event hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start serves until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("web api listening", "addr", s.addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Broadcast sends an event to all streaming clients
func (s *Server) Broadcast(event Event) {
	s.hub.Broadcast(event)
}

// OnUpdate implements monitor.Sink by pushing updates to streaming clients.
// Intermediate updates may be dropped under load; the final one waits for
// queue space.
func (s *Server) OnUpdate(u monitor.Update) {
	event := Event{Type: EventUpdate, Data: updateToResponse(u, s.now())}
	if !u.Final {
		s.Broadcast(event)
		return
	}
	if !s.hub.BroadcastWait(event, finalWait) {
		s.logger.Warn("final update not delivered to stream clients", "run", u.RunID)
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
