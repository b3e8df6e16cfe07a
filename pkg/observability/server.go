package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServiceName is the service name reported by the gRPC health service.
const GRPCServiceName = "crelay"

// ErrSessionNotFound is returned by SessionAdmin implementations when no
// session matches the requested ID.
var ErrSessionNotFound = errors.New("session not found")

// SessionInfo is one row in the session listing.
type SessionInfo struct {
	ID        string    `json:"id"`
	CallSID   string    `json:"callSid"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Profile   string    `json:"profile"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	Turns     int       `json:"turns"`
}

// SessionAdmin is the slice of the session registry the ops surface
// needs. End and silence requests are delivered to the session
// asynchronously; a nil error means the request was accepted.
type SessionAdmin interface {
	Sessions() []SessionInfo
	EndSession(id, reason string) error
	SetSessionSilence(id string, enabled bool) error
}

// Server exposes the operational endpoints: metrics, health probes, and
// session administration over HTTP, plus the standard gRPC health
// service for load balancers that speak it.
type Server struct {
	addr       string
	grpcAddr   string
	health     *HealthChecker
	admin      SessionAdmin
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcHealth *health.Server
}

// ServerConfig configures the ops server.
type ServerConfig struct {
	// Addr is the HTTP listen address.
	Addr string
	// GRPCAddr is the gRPC health listen address. Empty disables gRPC.
	GRPCAddr string
	// Health supplies the health report. Required.
	Health *HealthChecker
	// Admin backs the session endpoints. Optional.
	Admin SessionAdmin
}

// NewServer creates a new ops server.
func NewServer(cfg ServerConfig) *Server {
	hc := cfg.Health
	if hc == nil {
		hc = NewHealthChecker("unknown")
	}
	return &Server{
		addr:     cfg.Addr,
		grpcAddr: cfg.GRPCAddr,
		health:   hc,
		admin:    cfg.Admin,
	}
}

// Handler builds the HTTP surface. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.health.Handler())
	mux.HandleFunc("/health/live", s.health.LivenessHandler())
	mux.HandleFunc("/health/ready", s.health.ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())

	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /sessions/{id}/end", s.handleEndSession)
	mux.HandleFunc("POST /sessions/{id}/silence", s.handleSessionSilence)

	return mux
}

// Start starts the gRPC health service (if configured) and then blocks
// serving HTTP.
func (s *Server) Start() error {
	if s.grpcAddr != "" {
		if err := s.startGRPC(); err != nil {
			return err
		}
	}

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("[Ops] http listening on %s", s.addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) startGRPC() error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	s.grpcServer = grpc.NewServer()
	s.grpcHealth = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.grpcHealth)
	s.grpcHealth.SetServingStatus(GRPCServiceName, healthpb.HealthCheckResponse_SERVING)
	s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	log.Printf("[Ops] grpc health listening on %s", s.grpcAddr)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			log.Printf("[Ops] grpc server stopped: %v", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grpcServer != nil {
		s.grpcHealth.SetServingStatus(GRPCServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		s.grpcServer.GracefulStop()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []SessionInfo
	if s.admin != nil {
		sessions = s.admin.Sessions()
	}
	if sessions == nil {
		sessions = []SessionInfo{}
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		writeJSONError(w, http.StatusNotFound, "session administration is not available")
		return
	}
	id := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Reason == "" {
		body.Reason = "admin"
	}

	if err := s.admin.EndSession(id, body.Reason); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
		} else {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	log.Printf("[Ops] end requested for session %s (reason %s)", id, body.Reason)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "ending",
	})
}

func (s *Server) handleSessionSilence(w http.ResponseWriter, r *http.Request) {
	if s.admin == nil {
		writeJSONError(w, http.StatusNotFound, "session administration is not available")
		return
	}
	id := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Enabled == nil {
		writeJSONError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := s.admin.SetSessionSilence(id, *body.Enabled); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
		} else {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":             id,
		"silenceEnabled": *body.Enabled,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
