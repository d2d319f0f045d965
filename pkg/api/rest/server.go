// Package rest exposes the appliance status API and Prometheus metrics.
package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/orbitsq/queuebridge/pkg/core"
	"github.com/orbitsq/queuebridge/pkg/logger"
)

// Server is the REST API server.
type Server struct {
	app *core.App
	srv *http.Server
	log *logger.Logger
}

// NewServer creates the API server for app.
func NewServer(app *core.App, log *logger.Logger) *Server {
	return &Server{
		app: app,
		log: log.With("component", "api"),
	}
}

// Start binds the API port and serves in the background.
func (s *Server) Start() error {
	r := mux.NewRouter()
	s.registerRoutes(r)

	port := s.app.Config().API.Port
	if port == 0 {
		port = 8080
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("API server listening", "addr", s.srv.Addr)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the API server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/clients", s.handleClients).Methods("GET")
	v1.HandleFunc("/devices", s.handleDevices).Methods("GET")
	v1.HandleFunc("/services", s.handleListServices).Methods("GET")
	v1.HandleFunc("/services", s.handleSaveService).Methods("POST")
	v1.HandleFunc("/counters", s.handleListCounters).Methods("GET")
	v1.HandleFunc("/counters", s.handleSaveCounter).Methods("POST")
	v1.HandleFunc("/baudrate", s.handleSetBaudRate).Methods("POST")
}
