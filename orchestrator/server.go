//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-studio-go/log"
)

// Server exposes the operational HTTP surface: liveness, readiness and
// Prometheus metrics.
type Server struct {
	orch   *Orchestrator
	router *mux.Router
	http   *http.Server
}

// NewServer builds the ops server for addr (host:port). Start serves,
// Shutdown drains.
func NewServer(orch *Orchestrator, addr string) *Server {
	s := &Server{orch: orch, router: mux.NewRouter()}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	s.router.Use(c.Handler)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(handleNotFound)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route tree for embedding in another server or an
// httptest fixture.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener closes. A close caused by Shutdown
// is reported as nil.
func (s *Server) Start() error {
	log.Infof("ops server listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "ok")
}

// handleReadyz reports ready only when a trivial store read succeeds.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.orch.ListSessions(r.Context(), "", 1); err != nil {
		writeText(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeText(w, http.StatusOK, "ready")
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.orch.Metrics(r.Context())
	if err != nil {
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(metrics)); err != nil {
		log.Errorf("ops server: write metrics response: %v", err)
	}
}

func handleNotFound(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusNotFound, "not found")
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	if _, err := w.Write([]byte(body)); err != nil {
		log.Errorf("ops server: write response: %v", err)
	}
}
