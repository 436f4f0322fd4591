// Package server exposes the orchestrator over a gin REST API, a progress
// websocket and MCP (HTTP or stdio).
package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mysleekdesigns/fixpool/internal/orchestrator"
	"github.com/mysleekdesigns/fixpool/internal/persona"
	"github.com/mysleekdesigns/fixpool/internal/progress"
)

// Server serves the REST API, the progress websocket and MCP.
type Server struct {
	orchestrator *orchestrator.Orchestrator
	hub          *progress.Hub
	personas     *persona.Manager
	version      string
	commit       string

	httpServer *http.Server
	useStdio   bool
	stdin      io.Reader
	stdout     io.Writer

	sessions  map[string]*Session
	sessionMu sync.Mutex
	tools     map[string]ToolHandler
}

// Config holds server configuration.
type Config struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Hub          *progress.Hub
	// Personas is reported by /api/stats. Optional.
	Personas *persona.Manager
	// Metrics serves /metrics. Nil selects the global Prometheus registry.
	Metrics  http.Handler
	Version  string
	Commit   string
	UseStdio bool
	Stdin    io.Reader
	Stdout   io.Writer
}

// New creates a new server.
func New(cfg Config) *Server {
	s := &Server{
		orchestrator: cfg.Orchestrator,
		hub:          cfg.Hub,
		personas:     cfg.Personas,
		version:      cfg.Version,
		commit:       cfg.Commit,
		useStdio:     cfg.UseStdio,
		stdin:        cfg.Stdin,
		stdout:       cfg.Stdout,
		sessions:     make(map[string]*Session),
		tools:        make(map[string]ToolHandler),
	}
	if s.stdin == nil {
		s.stdin = os.Stdin
	}
	if s.stdout == nil {
		s.stdout = os.Stdout
	}
	s.registerTools()

	if cfg.UseStdio {
		return s
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	// MCP, health and metrics stay on the stdlib mux; gin owns the rest.
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics)
	mux.Handle("/", s.newGinEngine())

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     withCORS(mux),
		ReadTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the root HTTP handler, or nil in stdio mode.
func (s *Server) Handler() http.Handler {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Handler
}

// Start serves until Shutdown, or until stdin closes in stdio mode.
func (s *Server) Start() error {
	if s.useStdio {
		return s.runStdio()
	}
	log.Printf("fixpool server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Mcp-Session-Id")
		h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"stats":  s.orchestrator.GetStats(),
	})
}
